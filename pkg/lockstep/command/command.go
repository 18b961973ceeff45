// Package command defines the lockstep command contract and the registries that map wire tags to
// concrete command types and to the logic applying them.
package command

import (
	"errors"

	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
)

// Command is an application-defined unit of intent, e.g. "move unit X to Y". Commands carry no
// identity of their own; the lockstep controllers assign one when they queue them.
type Command interface {
	Serialize(w wire.Writer) error
	Deserialize(r wire.Reader) error
}

// Tag is the one-byte wire discriminator of a command type.
type Tag = byte

// ErrUnknownCommand is returned when a tag or a command type has no registration. It is non-fatal:
// callers log and drop the payload.
var ErrUnknownCommand = errors.New("unknown command type")
