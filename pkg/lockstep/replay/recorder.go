// Package replay records the turns a client applies and plays them back into another client.
package replay

import (
	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/rotisserie/eris"
)

// Entry is one recorded non-empty turn.
type Entry struct {
	Number int
	Turn   *lockstep.ClientTurn
}

// Recorder captures every non-empty turn a client applies, together with the client's Config at
// the first applied turn.
type Recorder struct {
	factory   *command.Factory
	config    lockstep.Config
	hasConfig bool
	entries   []Entry

	client *lockstep.Client
	unsub  func()
}

func NewRecorder(factory *command.Factory) *Recorder {
	assert.That(factory != nil, "recorder needs a command factory")
	return &Recorder{factory: factory, config: lockstep.DefaultConfig()}
}

// Attach starts recording client, detaching from any previous one.
func (r *Recorder) Attach(client *lockstep.Client) {
	r.Detach()
	r.client = client
	r.unsub = client.OnTurnApplied(r.onTurnApplied)
}

func (r *Recorder) Detach() {
	if r.unsub != nil {
		r.unsub()
	}
	r.client, r.unsub = nil, nil
}

// Clear drops everything recorded so far.
func (r *Recorder) Clear() {
	r.entries = nil
	r.hasConfig = false
	r.config = lockstep.DefaultConfig()
}

func (r *Recorder) onTurnApplied(t lockstep.TurnApplied) {
	if !r.hasConfig && r.client != nil {
		r.config = r.client.Config()
		r.hasConfig = true
	}
	if t.Turn.IsEmpty() {
		return
	}
	r.entries = append(r.entries, Entry{Number: t.Number, Turn: t.Turn.Copy()})
}

// Config is the configuration the recording was made with.
func (r *Recorder) Config() lockstep.Config { return r.config }

// Entries returns the recorded turns in order. The slice must not be modified.
func (r *Recorder) Entries() []Entry { return r.entries }

func (r *Recorder) Len() int { return len(r.entries) }

// LastTurnNumber is the number of the last recorded turn, or 0.
func (r *Recorder) LastTurnNumber() int {
	if len(r.entries) == 0 {
		return 0
	}
	return r.entries[len(r.entries)-1].Number
}

// Replay confirms the recorded turns into client, filling the gaps with empty turns. The client
// takes the recorded Config; call Replay before starting it.
func (r *Recorder) Replay(client *lockstep.Client) error {
	if err := client.SetConfig(r.config); err != nil {
		return eris.Wrap(err, "recorded config rejected")
	}
	last := client.LastConfirmedTurnNumber()
	for _, e := range r.entries {
		if e.Number <= last {
			continue
		}
		if gap := e.Number - last - 1; gap > 0 {
			client.ConfirmEmptyTurns(last+1, gap)
		}
		client.ConfirmTurn(e.Number, e.Turn.Copy())
		last = e.Number
	}
	return nil
}

// Serialize writes the config, the entry count and every (number, turn) pair.
func (r *Recorder) Serialize(w wire.Writer) error {
	if err := r.config.Serialize(w); err != nil {
		return err
	}
	if err := w.WriteInt32(int32(len(r.entries))); err != nil { //nolint:gosec // bounded by memory
		return eris.Wrap(err, "failed to write turn count")
	}
	for _, e := range r.entries {
		if err := w.WriteInt32(int32(e.Number)); err != nil { //nolint:gosec // turn numbers fit
			return eris.Wrap(err, "failed to write turn number")
		}
		if err := e.Turn.Serialize(w, r.factory); err != nil {
			return eris.Wrapf(err, "failed to write turn %d", e.Number)
		}
	}
	return nil
}

// Deserialize replaces the recording with one read from rd. Commands the factory does not know are
// kept undecoded and fail when replayed.
func (r *Recorder) Deserialize(rd wire.Reader) error {
	var cfg lockstep.Config
	if err := cfg.Deserialize(rd); err != nil {
		return err
	}
	n, err := rd.ReadInt32()
	if err != nil {
		return eris.Wrap(err, "failed to read turn count")
	}
	if n < 0 {
		return eris.Errorf("invalid turn count %d", n)
	}
	entries := make([]Entry, 0, min(int(n), 1<<16))
	prev := 0
	for range n {
		num, err := rd.ReadInt32()
		if err != nil {
			return eris.Wrap(err, "failed to read turn number")
		}
		if int(num) <= prev {
			return eris.Errorf("turn %d recorded after turn %d", num, prev)
		}
		turn := &lockstep.ClientTurn{}
		if err := turn.Deserialize(rd, r.factory); err != nil && !isDecodeError(err) {
			return eris.Wrapf(err, "failed to read turn %d", num)
		}
		entries = append(entries, Entry{Number: int(num), Turn: turn})
		prev = int(num)
	}
	r.config, r.hasConfig, r.entries = cfg, true, entries
	return nil
}
