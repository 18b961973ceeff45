package command

import (
	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/rotisserie/eris"
)

// Handler applies a command issued by player to the simulation. It must be a pure function of the
// command payload and the simulation state, otherwise clients diverge.
type Handler func(cmd Command, player byte) error

// Logic maps a command tag to the single handler applying it.
type Logic struct {
	handlers map[Tag]Handler
}

func NewLogic() *Logic {
	return &Logic{handlers: make(map[Tag]Handler)}
}

// Register sets the handler for tag, replacing any previous one.
func (l *Logic) Register(tag Tag, h Handler) {
	assert.That(h != nil, "nil handler for command tag %d", tag)
	l.handlers[tag] = h
}

// Unregister removes the handler for tag.
func (l *Logic) Unregister(tag Tag) {
	delete(l.handlers, tag)
}

// Apply runs the handler registered for tag. Commands without a handler are a no-op.
func (l *Logic) Apply(tag Tag, cmd Command, player byte) error {
	h, ok := l.handlers[tag]
	if !ok {
		return nil
	}
	return h(cmd, player)
}

func (l *Logic) Len() int {
	return len(l.handlers)
}

// Handle adapts a typed function into a Handler.
func Handle[T Command](fn func(cmd T, player byte) error) Handler {
	assert.That(fn != nil, "nil typed handler")
	return func(cmd Command, player byte) error {
		typed, ok := cmd.(T)
		if !ok {
			var zero T
			return eris.Errorf("handler for %T received %T", zero, cmd)
		}
		return fn(typed, player)
	}
}
