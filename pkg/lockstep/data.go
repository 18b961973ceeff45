package lockstep

import (
	"errors"
	"fmt"

	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/rotisserie/eris"
)

// FinishFunc is called exactly once per submitted command: with nil once it was applied, with the
// handler error if applying failed, or with an error wrapping ErrCanceled if it never will be.
type FinishFunc func(data *ClientCommandData, err error)

// ClientCommandData is a command queued by a client, identified by (ID, Player).
type ClientCommandData struct {
	ID      uint32
	Player  byte
	Command command.Command

	finish   FinishFunc
	finished bool
	err      error // decode failure, reported when the command is applied
}

func NewClientCommandData(id uint32, player byte, cmd command.Command, finish FinishFunc) *ClientCommandData {
	return &ClientCommandData{ID: id, Player: player, Command: cmd, finish: finish}
}

// Finish runs the finish callback. Later calls do nothing.
func (d *ClientCommandData) Finish(err error) {
	if d.finished {
		return
	}
	d.finished = true
	if d.finish != nil {
		d.finish(d, err)
	}
}

// Finished reports whether Finish was called.
func (d *ClientCommandData) Finished() bool {
	return d.finished
}

// Matches reports whether o refers to the same submitted command.
func (d *ClientCommandData) Matches(o *ClientCommandData) bool {
	return o != nil && d.ID == o.ID && d.Player == o.Player
}

// Serialize writes the id, the player and the tagged command as a length-prefixed array, which is
// byte for byte what ServerCommandData reads.
func (d *ClientCommandData) Serialize(w wire.Writer, f *command.Factory) error {
	var payload []byte
	if d.Command != nil {
		var err error
		if payload, err = f.Marshal(d.Command); err != nil {
			return err
		}
	}
	return writeCommandHeader(w, d.ID, d.Player, payload)
}

// Deserialize reads a command written by Serialize. A payload the factory cannot decode leaves
// Command nil and returns a *DecodeError; the stream stays aligned in that case.
func (d *ClientCommandData) Deserialize(r wire.Reader, f *command.Factory) error {
	id, player, payload, err := readCommandHeader(r)
	if err != nil {
		return err
	}
	d.ID, d.Player, d.Command, d.err = id, player, nil, nil
	if len(payload) == 0 {
		return nil
	}
	cmd, err := f.Unmarshal(payload)
	if err != nil {
		d.err = &DecodeError{ID: id, Player: player, Err: err}
		return d.err
	}
	d.Command = cmd
	return nil
}

// Copy returns the command data without its finish callback.
func (d *ClientCommandData) Copy() *ClientCommandData {
	return &ClientCommandData{ID: d.ID, Player: d.Player, Command: d.Command, err: d.err}
}

// DecodeError reports a command whose payload could not be turned back into a Command. It is
// not fatal: the command data is kept with a nil Command and fails when applied.
type DecodeError struct {
	ID     uint32
	Player byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode command %d of player %d: %v", e.ID, e.Player, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ServerCommandData is the server's view of a command: the serialized command is kept opaque and
// only decoded when a local client needs it.
type ServerCommandData struct {
	ID      uint32
	Player  byte
	Payload []byte
}

// NewServerCommandData serializes a client command for the server.
func NewServerCommandData(d *ClientCommandData, f *command.Factory) (*ServerCommandData, error) {
	s := &ServerCommandData{ID: d.ID, Player: d.Player}
	if d.Command != nil {
		payload, err := f.Marshal(d.Command)
		if err != nil {
			return nil, err
		}
		s.Payload = payload
	}
	return s, nil
}

func (s *ServerCommandData) Serialize(w wire.Writer) error {
	return writeCommandHeader(w, s.ID, s.Player, s.Payload)
}

func (s *ServerCommandData) Deserialize(r wire.Reader) error {
	id, player, payload, err := readCommandHeader(r)
	if err != nil {
		return err
	}
	s.ID, s.Player, s.Payload = id, player, payload
	return nil
}

// ToClient decodes the payload. On failure the returned data still carries the id and player so
// the issuing client can finish its pending command.
func (s *ServerCommandData) ToClient(f *command.Factory) (*ClientCommandData, error) {
	d := &ClientCommandData{ID: s.ID, Player: s.Player}
	if len(s.Payload) == 0 {
		return d, nil
	}
	cmd, err := f.Unmarshal(s.Payload)
	if err != nil {
		d.err = &DecodeError{ID: s.ID, Player: s.Player, Err: err}
		return d, d.err
	}
	d.Command = cmd
	return d, nil
}

func writeCommandHeader(w wire.Writer, id uint32, player byte, payload []byte) error {
	if err := w.WriteUint32(id); err != nil {
		return eris.Wrap(err, "failed to write command id")
	}
	if err := w.WriteByte(player); err != nil {
		return eris.Wrap(err, "failed to write command player")
	}
	if err := w.WriteByteArray(payload); err != nil {
		return eris.Wrap(err, "failed to write command payload")
	}
	return nil
}

func readCommandHeader(r wire.Reader) (uint32, byte, []byte, error) {
	id, err := r.ReadUint32()
	if err != nil {
		return 0, 0, nil, eris.Wrap(err, "failed to read command id")
	}
	player, err := r.ReadByte()
	if err != nil {
		return 0, 0, nil, eris.Wrap(err, "failed to read command player")
	}
	payload, err := r.ReadByteArray()
	if err != nil {
		return 0, 0, nil, eris.Wrap(err, "failed to read command payload")
	}
	if len(payload) == 0 {
		payload = nil
	}
	return id, player, payload, nil
}

// -------------------------------------------------------------------------------------------------
// Turns
// -------------------------------------------------------------------------------------------------

// ClientTurn is the ordered list of commands applied at one command step.
type ClientTurn struct {
	commands []*ClientCommandData
}

var emptyClientTurn = &ClientTurn{} //nolint:gochecknoglobals // shared immutable value

// EmptyClientTurn returns the shared empty turn. It must not be modified.
func EmptyClientTurn() *ClientTurn {
	return emptyClientTurn
}

func NewClientTurn(cmds ...*ClientCommandData) (*ClientTurn, error) {
	t := &ClientTurn{}
	for _, c := range cmds {
		if err := t.Add(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add appends a command, keeping insertion order.
func (t *ClientTurn) Add(d *ClientCommandData) error {
	assert.That(t != emptyClientTurn, "the shared empty turn cannot be modified")
	if len(t.commands) >= MaxCommandsPerTurn {
		return eris.Wrapf(ErrTurnTooLarge, "turn already has %d commands", len(t.commands))
	}
	t.commands = append(t.commands, d)
	return nil
}

// Commands returns the commands in application order. The slice must not be modified.
func (t *ClientTurn) Commands() []*ClientCommandData {
	if t == nil {
		return nil
	}
	return t.commands
}

func (t *ClientTurn) Len() int {
	if t == nil {
		return 0
	}
	return len(t.commands)
}

// Copy returns a turn holding copies of the commands, detached from any finish callback.
func (t *ClientTurn) Copy() *ClientTurn {
	if t.IsEmpty() {
		return EmptyClientTurn()
	}
	c := &ClientTurn{commands: make([]*ClientCommandData, len(t.commands))}
	for i, d := range t.commands {
		c.commands[i] = d.Copy()
	}
	return c
}

// IsEmpty reports whether t is nil or has no commands.
func (t *ClientTurn) IsEmpty() bool {
	return t.Len() == 0
}

// Serialize writes a count byte followed by the commands.
func (t *ClientTurn) Serialize(w wire.Writer, f *command.Factory) error {
	if err := w.WriteByte(byte(t.Len())); err != nil {
		return eris.Wrap(err, "failed to write turn size")
	}
	for _, c := range t.Commands() {
		if err := c.Serialize(w, f); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads a turn. Commands the factory cannot decode are kept with a nil Command and
// reported by the returned error after the whole turn was read.
func (t *ClientTurn) Deserialize(r wire.Reader, f *command.Factory) error {
	n, err := r.ReadByte()
	if err != nil {
		return eris.Wrap(err, "failed to read turn size")
	}
	t.commands = make([]*ClientCommandData, 0, n)
	var decodeErr error
	for range n {
		d := &ClientCommandData{}
		if err := d.Deserialize(r, f); err != nil {
			var de *DecodeError
			if !errors.As(err, &de) {
				return err
			}
			if decodeErr == nil {
				decodeErr = err
			}
		}
		t.commands = append(t.commands, d)
	}
	return decodeErr
}

// ServerTurn is a turn as the server cuts it.
type ServerTurn struct {
	commands []*ServerCommandData
}

func NewServerTurn(cmds ...*ServerCommandData) (*ServerTurn, error) {
	t := &ServerTurn{}
	for _, c := range cmds {
		if err := t.Add(c); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *ServerTurn) Add(d *ServerCommandData) error {
	if len(t.commands) >= MaxCommandsPerTurn {
		return eris.Wrapf(ErrTurnTooLarge, "turn already has %d commands", len(t.commands))
	}
	t.commands = append(t.commands, d)
	return nil
}

func (t *ServerTurn) Commands() []*ServerCommandData {
	if t == nil {
		return nil
	}
	return t.commands
}

func (t *ServerTurn) Len() int {
	if t == nil {
		return 0
	}
	return len(t.commands)
}

func (t *ServerTurn) IsEmpty() bool {
	return t.Len() == 0
}

func (t *ServerTurn) Serialize(w wire.Writer) error {
	if err := w.WriteByte(byte(t.Len())); err != nil {
		return eris.Wrap(err, "failed to write turn size")
	}
	for _, c := range t.Commands() {
		if err := c.Serialize(w); err != nil {
			return err
		}
	}
	return nil
}

func (t *ServerTurn) Deserialize(r wire.Reader) error {
	n, err := r.ReadByte()
	if err != nil {
		return eris.Wrap(err, "failed to read turn size")
	}
	t.commands = make([]*ServerCommandData, 0, n)
	for range n {
		d := &ServerCommandData{}
		if err := d.Deserialize(r); err != nil {
			return err
		}
		t.commands = append(t.commands, d)
	}
	return nil
}

// ToClient decodes every command. Undecodable commands keep a nil Command; the first decode error
// is returned alongside the complete turn.
func (t *ServerTurn) ToClient(f *command.Factory) (*ClientTurn, error) {
	if t.IsEmpty() {
		return EmptyClientTurn(), nil
	}
	ct := &ClientTurn{commands: make([]*ClientCommandData, 0, t.Len())}
	var firstErr error
	for _, c := range t.commands {
		d, err := c.ToClient(f)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		ct.commands = append(ct.commands, d)
	}
	return ct, firstErr
}
