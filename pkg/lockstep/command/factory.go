package command

import (
	"bytes"
	"reflect"

	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/rotisserie/eris"
)

// Constructor returns a fresh, default-constructed command.
type Constructor func() Command

// Factory translates between wire tags and concrete command types.
//
// Registration happens during setup; afterwards the factory is only read, so it carries no lock.
type Factory struct {
	constructors map[Tag]Constructor
	types        map[Tag]reflect.Type
	tags         map[reflect.Type]Tag
}

func NewFactory() *Factory {
	return &Factory{
		constructors: make(map[Tag]Constructor),
		types:        make(map[Tag]reflect.Type),
		tags:         make(map[reflect.Type]Tag),
	}
}

// Register associates tag with ctor. The last registration for a tag wins, and so does the last
// registration for a command type.
func (f *Factory) Register(tag Tag, ctor Constructor) {
	assert.That(ctor != nil, "nil constructor for command tag %d", tag)
	sample := ctor()
	assert.That(sample != nil, "constructor for command tag %d returned nil", tag)

	if prev, ok := f.types[tag]; ok && f.tags[prev] == tag {
		delete(f.tags, prev)
	}

	typ := reflect.TypeOf(sample)
	f.constructors[tag] = ctor
	f.types[tag] = typ
	f.tags[typ] = tag
}

// Register registers the command type *T under tag.
func Register[T any, PT interface {
	*T
	Command
}](f *Factory, tag Tag) {
	f.Register(tag, func() Command { return PT(new(T)) })
}

// Create returns a new command for tag, or false if the tag is unknown.
func (f *Factory) Create(tag Tag) (Command, bool) {
	ctor, ok := f.constructors[tag]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// TagOf returns the tag cmd's type was registered under.
func (f *Factory) TagOf(cmd Command) (Tag, bool) {
	if cmd == nil {
		return 0, false
	}
	tag, ok := f.tags[reflect.TypeOf(cmd)]
	return tag, ok
}

// Len returns the number of registered tags.
func (f *Factory) Len() int {
	return len(f.constructors)
}

// Read reads a tag byte and the command body that follows it.
func (f *Factory) Read(r wire.Reader) (Command, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return nil, eris.Wrap(err, "failed to read command tag")
	}
	cmd, ok := f.Create(tag)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownCommand, "tag %d", tag)
	}
	if err := cmd.Deserialize(r); err != nil {
		return nil, eris.Wrapf(err, "failed to deserialize command with tag %d", tag)
	}
	return cmd, nil
}

// Write writes the command's tag followed by its body.
func (f *Factory) Write(w wire.Writer, cmd Command) error {
	tag, ok := f.TagOf(cmd)
	if !ok {
		return eris.Wrapf(ErrUnknownCommand, "type %T", cmd)
	}
	if err := w.WriteByte(tag); err != nil {
		return eris.Wrap(err, "failed to write command tag")
	}
	if err := cmd.Serialize(w); err != nil {
		return eris.Wrapf(err, "failed to serialize command with tag %d", tag)
	}
	return nil
}

// Marshal encodes cmd as tag + body.
func (f *Factory) Marshal(cmd Command) ([]byte, error) {
	return wire.Marshal(func(w wire.Writer) error {
		return f.Write(w, cmd)
	})
}

// Unmarshal decodes a payload produced by Marshal. Trailing bytes are rejected.
func (f *Factory) Unmarshal(data []byte) (Command, error) {
	buf := bytes.NewReader(data)
	cmd, err := f.Read(wire.NewReader(buf))
	if err != nil {
		return nil, err
	}
	if buf.Len() != 0 {
		return nil, eris.Errorf("%d trailing bytes after command", buf.Len())
	}
	return cmd, nil
}
