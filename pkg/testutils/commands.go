package testutils

import (
	"errors"

	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
)

const (
	TagMove command.Tag = 1
	TagChat command.Tag = 2
	TagFail command.Tag = 3
)

// Move is a sample fixed-size command.
type Move struct {
	Unit uint32
	X, Y int32
}

func (m *Move) Serialize(w wire.Writer) error {
	if err := w.WriteUint32(m.Unit); err != nil {
		return err
	}
	if err := w.WriteInt32(m.X); err != nil {
		return err
	}
	return w.WriteInt32(m.Y)
}

func (m *Move) Deserialize(r wire.Reader) error {
	var err error
	if m.Unit, err = r.ReadUint32(); err != nil {
		return err
	}
	if m.X, err = r.ReadInt32(); err != nil {
		return err
	}
	m.Y, err = r.ReadInt32()
	return err
}

// Chat is a sample variable-size command.
type Chat struct {
	Text string
}

func (c *Chat) Serialize(w wire.Writer) error { return w.WriteString(c.Text) }

func (c *Chat) Deserialize(r wire.Reader) (err error) {
	c.Text, err = r.ReadString()
	return err
}

// Fail has no body; FailingHandler rejects it.
type Fail struct{}

func (*Fail) Serialize(wire.Writer) error   { return nil }
func (*Fail) Deserialize(wire.Reader) error { return nil }

var ErrRejected = errors.New("command rejected")

// NewFactory returns a factory with Move, Chat and Fail registered.
func NewFactory() *command.Factory {
	f := command.NewFactory()
	command.Register[Move](f, TagMove)
	command.Register[Chat](f, TagChat)
	command.Register[Fail](f, TagFail)
	return f
}

// Applied records every command a Tally-backed logic applied, in order.
type Applied struct {
	Tag    command.Tag
	Player byte
	Cmd    command.Command
}

// Tally is a logic that records what it applied and rejects Fail.
type Tally struct {
	Log []Applied
}

func (t *Tally) Logic() *command.Logic {
	l := command.NewLogic()
	l.Register(TagMove, command.Handle(func(m *Move, player byte) error {
		t.Log = append(t.Log, Applied{Tag: TagMove, Player: player, Cmd: m})
		return nil
	}))
	l.Register(TagChat, command.Handle(func(c *Chat, player byte) error {
		t.Log = append(t.Log, Applied{Tag: TagChat, Player: player, Cmd: c})
		return nil
	}))
	l.Register(TagFail, func(command.Command, byte) error { return ErrRejected })
	return l
}
