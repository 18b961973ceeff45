// Package lockstep implements the deterministic lockstep core: a client controller that runs a
// fixed-step simulation and applies server-confirmed turns, and a server controller that cuts
// incoming commands into turns at a fixed cadence.
//
// Both controllers are single-threaded. They are driven by Update calls from one goroutine, usually
// a scheduler.Scheduler, and never block.
package lockstep

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is wrapped by every error that finishes a command without applying it.
	ErrCanceled = errors.New("command canceled")

	// ErrNotRunning finishes commands submitted to a client that is stopped or still before time zero.
	ErrNotRunning = fmt.Errorf("client not running: %w", ErrCanceled)

	// ErrStopped finishes pending commands dropped by Stop.
	ErrStopped = fmt.Errorf("client stopped: %w", ErrCanceled)

	// ErrTurnTooLarge is returned when a turn would exceed MaxCommandsPerTurn commands.
	ErrTurnTooLarge = errors.New("turn exceeds maximum command count")
)
