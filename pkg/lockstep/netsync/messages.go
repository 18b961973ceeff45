package netsync

import (
	"strconv"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
)

// MsgType identifies the payload of a Message.
type MsgType byte

const (
	MsgConnect MsgType = iota
	MsgDisconnect
	MsgCommand
	MsgTurn
	MsgEmptyTurns
	MsgClientSetup
	MsgPlayerReady
	MsgClientStart
	MsgPlayerFinish
	MsgClientEnd
	MsgClientConnectionStatus
)

var msgTypeNames = [...]string{ //nolint:gochecknoglobals // lookup table
	"connect", "disconnect", "command", "turn", "empty_turns", "client_setup", "player_ready",
	"client_start", "player_finish", "client_end", "client_connection_status",
}

func (t MsgType) String() string {
	if int(t) < len(msgTypeNames) {
		return msgTypeNames[t]
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Message is one framed payload exchanged between the match server and a client.
type Message struct {
	Type MsgType
	Body []byte
}

type serializer interface {
	Serialize(w wire.Writer) error
}

// NewMessage serializes body into a message of type t. A nil body gives an empty message.
func NewMessage(t MsgType, body serializer) (Message, error) {
	if body == nil {
		return Message{Type: t}, nil
	}
	data, err := wire.Marshal(body.Serialize)
	if err != nil {
		return Message{}, eris.Wrapf(err, "failed to encode %s message", t)
	}
	return Message{Type: t, Body: data}, nil
}

// Frame returns the message as a type byte followed by the body.
func (m Message) Frame() []byte {
	out := make([]byte, 0, 1+len(m.Body))
	out = append(out, byte(m.Type))
	return append(out, m.Body...)
}

// ParseFrame is the inverse of Frame.
func ParseFrame(data []byte) (Message, error) {
	if len(data) == 0 {
		return Message{}, eris.New("empty frame")
	}
	return Message{Type: MsgType(data[0]), Body: data[1:]}, nil
}

func (m Message) reader() wire.Reader {
	return wire.NewBytesReader(m.Body)
}

// -------------------------------------------------------------------------------------------------
// Payloads
// -------------------------------------------------------------------------------------------------

// ClientSetup is sent to every client as soon as it connects.
type ClientSetup struct {
	Config     lockstep.Config
	GameParams lockstep.GameParams
}

func (m *ClientSetup) Serialize(w wire.Writer) error {
	if err := m.Config.Serialize(w); err != nil {
		return err
	}
	return m.GameParams.Serialize(w)
}

func (m *ClientSetup) Deserialize(r wire.Reader) error {
	if err := m.Config.Deserialize(r); err != nil {
		return err
	}
	return m.GameParams.Deserialize(r)
}

// PlayerReady announces a player. CurrentTurn is the last turn the client applied, so a
// reconnecting client only receives the turns it is missing.
type PlayerReady struct {
	Token       string
	CurrentTurn int
	Version     string
}

func (m *PlayerReady) Serialize(w wire.Writer) error {
	if err := w.WriteString(m.Token); err != nil {
		return eris.Wrap(err, "failed to write token")
	}
	if err := w.WriteInt32(int32(m.CurrentTurn)); err != nil { //nolint:gosec // turn numbers fit
		return eris.Wrap(err, "failed to write current turn")
	}
	return w.WriteString(m.Version)
}

func (m *PlayerReady) Deserialize(r wire.Reader) error {
	var err error
	if m.Token, err = r.ReadString(); err != nil {
		return eris.Wrap(err, "failed to read token")
	}
	turn, err := r.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read current turn")
	}
	m.CurrentTurn = int(turn)
	m.Version, err = r.ReadString()
	return err
}

// ClientStart tells a client when its simulation starts. StartTime is the client time at
// ServerTimestamp; the client adds the transit delay on arrival.
type ClientStart struct {
	ServerTimestamp time.Time
	StartTime       time.Duration
	PlayerNumber    byte
	PlayerIDs       []string
}

func (m *ClientStart) Serialize(w wire.Writer) error {
	if err := w.WriteInt64(m.ServerTimestamp.UnixMilli()); err != nil {
		return eris.Wrap(err, "failed to write server timestamp")
	}
	if err := w.WriteInt32(int32(m.StartTime / time.Millisecond)); err != nil { //nolint:gosec // match time fits
		return eris.Wrap(err, "failed to write start time")
	}
	if err := w.WriteByte(m.PlayerNumber); err != nil {
		return eris.Wrap(err, "failed to write player number")
	}
	if err := w.WriteByte(byte(len(m.PlayerIDs))); err != nil {
		return eris.Wrap(err, "failed to write player count")
	}
	for _, id := range m.PlayerIDs {
		if err := w.WriteString(id); err != nil {
			return eris.Wrap(err, "failed to write player id")
		}
	}
	return nil
}

func (m *ClientStart) Deserialize(r wire.Reader) error {
	ts, err := r.ReadInt64()
	if err != nil {
		return eris.Wrap(err, "failed to read server timestamp")
	}
	m.ServerTimestamp = time.UnixMilli(ts)
	start, err := r.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read start time")
	}
	m.StartTime = time.Duration(start) * time.Millisecond
	if m.PlayerNumber, err = r.ReadByte(); err != nil {
		return eris.Wrap(err, "failed to read player number")
	}
	n, err := r.ReadByte()
	if err != nil {
		return eris.Wrap(err, "failed to read player count")
	}
	m.PlayerIDs = make([]string, n)
	for i := range m.PlayerIDs {
		if m.PlayerIDs[i], err = r.ReadString(); err != nil {
			return eris.Wrap(err, "failed to read player id")
		}
	}
	return nil
}

// Turn carries one confirmed turn with commands. The client side decodes the commands with its
// factory, see DecodeTurn.
type Turn struct {
	Number int
	Turn   *lockstep.ServerTurn
}

func (m *Turn) Serialize(w wire.Writer) error {
	if err := w.WriteInt32(int32(m.Number)); err != nil { //nolint:gosec // turn numbers fit
		return eris.Wrap(err, "failed to write turn number")
	}
	turn := m.Turn
	if turn == nil {
		turn = &lockstep.ServerTurn{}
	}
	return turn.Serialize(w)
}

func (m *Turn) Deserialize(r wire.Reader) error {
	n, err := r.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read turn number")
	}
	m.Number = int(n)
	m.Turn = &lockstep.ServerTurn{}
	return m.Turn.Deserialize(r)
}

// DecodeTurn reads a Turn body straight into a client turn. Undecodable commands are kept and
// reported through the returned *lockstep.DecodeError.
func DecodeTurn(body []byte, f *command.Factory) (int, *lockstep.ClientTurn, error) {
	r := wire.NewBytesReader(body)
	n, err := r.ReadInt32()
	if err != nil {
		return 0, nil, eris.Wrap(err, "failed to read turn number")
	}
	turn := &lockstep.ClientTurn{}
	err = turn.Deserialize(r, f)
	return int(n), turn, err
}

// EmptyTurns confirms Count empty turns starting at From.
type EmptyTurns struct {
	From  int
	Count int
}

func (m *EmptyTurns) Serialize(w wire.Writer) error {
	if err := w.WriteInt32(int32(m.From)); err != nil { //nolint:gosec // turn numbers fit
		return eris.Wrap(err, "failed to write first empty turn")
	}
	return w.WriteInt32(int32(m.Count)) //nolint:gosec // bounded by MaxSkippedEmptyTurns
}

func (m *EmptyTurns) Deserialize(r wire.Reader) error {
	from, err := r.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read first empty turn")
	}
	count, err := r.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read empty turn count")
	}
	if count < 0 {
		return eris.Errorf("negative empty turn count %d", count)
	}
	m.From, m.Count = int(from), int(count)
	return nil
}

// Result carries a JSON document: a player's own result in PlayerFinish, and the results of every
// player keyed by player id in ClientEnd.
type Result struct {
	Data json.RawMessage
}

// NewResult encodes v as JSON.
func NewResult(v any) (*Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "failed to encode result")
	}
	return &Result{Data: data}, nil
}

func (m *Result) Serialize(w wire.Writer) error {
	return w.WriteByteArray(m.Data)
}

func (m *Result) Deserialize(r wire.Reader) error {
	data, err := r.ReadByteArray()
	if err != nil {
		return eris.Wrap(err, "failed to read result")
	}
	if len(data) > 0 && !json.Valid(data) {
		return eris.New("result is not valid JSON")
	}
	m.Data = data
	return nil
}

// Decode unmarshals the result into v.
func (m *Result) Decode(v any) error {
	if len(m.Data) == 0 {
		return eris.New("empty result")
	}
	return eris.Wrap(json.Unmarshal(m.Data, v), "failed to decode result")
}

// ConnectionStatus tells the other players that a player dropped or came back.
type ConnectionStatus struct {
	Player    byte
	Connected bool
}

func (m *ConnectionStatus) Serialize(w wire.Writer) error {
	if err := w.WriteByte(m.Player); err != nil {
		return eris.Wrap(err, "failed to write player")
	}
	return w.WriteBool(m.Connected)
}

func (m *ConnectionStatus) Deserialize(r wire.Reader) error {
	var err error
	if m.Player, err = r.ReadByte(); err != nil {
		return eris.Wrap(err, "failed to read player")
	}
	m.Connected, err = r.ReadBool()
	return err
}
