package command

import (
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/rotisserie/eris"
	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack turns any msgpack-encodable struct into a Command. The body is written as a
// length-prefixed msgpack document.
//
//	command.Register[command.Msgpack[Move]](factory, TagMove)
type Msgpack[T any] struct {
	Value T
}

var _ Command = (*Msgpack[struct{}])(nil)

func (m *Msgpack[T]) Serialize(w wire.Writer) error {
	data, err := msgpack.Marshal(&m.Value)
	if err != nil {
		return eris.Wrap(err, "failed to marshal msgpack command")
	}
	return w.WriteByteArray(data)
}

func (m *Msgpack[T]) Deserialize(r wire.Reader) error {
	data, err := r.ReadByteArray()
	if err != nil {
		return eris.Wrap(err, "failed to read msgpack command")
	}
	if err := msgpack.Unmarshal(data, &m.Value); err != nil {
		return eris.Wrap(err, "failed to unmarshal msgpack command")
	}
	return nil
}
