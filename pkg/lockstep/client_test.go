package lockstep_test

import (
	"errors"
	"testing"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ms = time.Millisecond

type clientFixture struct {
	client *lockstep.Client
	tally  *testutils.Tally
	clock  *testutils.Clock
	added  []*lockstep.ClientCommandData
	events []string
}

func newClientFixture(t *testing.T, cfg lockstep.Config, ccfg lockstep.ClientConfig) *clientFixture {
	t.Helper()
	fx := &clientFixture{tally: &testutils.Tally{}, clock: testutils.NewClock()}
	fx.client = lockstep.NewClient(testutils.NewFactory(),
		lockstep.WithConfig(cfg),
		lockstep.WithClientConfig(ccfg),
		lockstep.WithLogic(fx.tally.Logic()),
		lockstep.WithIDGenerator(&command.SequentialIDs{}),
		lockstep.WithClock(fx.clock),
	)
	fx.client.OnSimulate(func(time.Duration) { fx.events = append(fx.events, "sim") })
	fx.client.OnTurnApplied(func(lockstep.TurnApplied) { fx.events = append(fx.events, "turn") })
	return fx
}

// networked registers a CommandAdded listener, which makes the client wait for confirmed turns.
func (fx *clientFixture) networked() {
	fx.client.OnCommandAdded(func(d *lockstep.ClientCommandData) { fx.added = append(fx.added, d) })
}

func timing(cmd, sim time.Duration) lockstep.Config {
	cfg := lockstep.DefaultConfig()
	cfg.CommandStep = cmd
	cfg.SimulationStep = sim
	return cfg
}

func count(events []string, name string) int {
	n := 0
	for _, e := range events {
		if e == name {
			n++
		}
	}
	return n
}

// -------------------------------------------------------------------------------------------------
// Cadence and backpressure
// -------------------------------------------------------------------------------------------------

func TestClient_Cadence(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	fx.client.Start(0)
	fx.client.Update(100 * ms)

	assert.Equal(t, []string{"sim", "sim", "sim", "sim", "sim", "turn"}, fx.events)
	assert.Equal(t, 1, fx.client.CurrentTurnNumber())
	assert.Equal(t, 5, fx.client.CurrentSimulationStep())
}

func TestClient_SimulateSteps(t *testing.T) {
	t.Parallel()
	ccfg := lockstep.DefaultClientConfig()
	ccfg.MaxSimulationStepsPerFrame = 10
	fx := newClientFixture(t, timing(100*ms, 100*ms), ccfg)

	var simulated time.Duration
	fx.client.OnSimulate(func(step time.Duration) { simulated += step })

	fx.client.Update(200 * ms)
	assert.Zero(t, simulated, "stopped clients do not simulate")

	fx.client.Start(0)
	fx.client.Update(50 * ms)
	assert.Zero(t, simulated)

	fx.client.Update(200 * ms)
	assert.Equal(t, 200*ms, simulated)

	fx.client.Update(149 * ms)
	assert.Equal(t, 300*ms, simulated, "only whole steps are simulated")

	fx.client.Update(50 * ms)
	assert.Equal(t, 400*ms, simulated, "remainders carry over")

	ccfg.SpeedFactor = 2
	require.NoError(t, fx.client.SetClientConfig(ccfg))
	fx.client.Update(50 * ms)
	assert.Equal(t, 500*ms, simulated)

	ccfg.SpeedFactor = 0.5
	require.NoError(t, fx.client.SetClientConfig(ccfg))
	fx.client.Update(50 * ms)
	assert.Equal(t, 500*ms, simulated)
	fx.client.Update(160 * ms)
	assert.Equal(t, 600*ms, simulated)

	fx.client.Update(4000 * ms)
	assert.Equal(t, 1600*ms, simulated, "capped at MaxSimulationStepsPerFrame")
}

func TestClient_Backpressure(t *testing.T) {
	t.Parallel()
	ccfg := lockstep.DefaultClientConfig()
	ccfg.MaxSimulationStepsPerFrame = 3
	fx := newClientFixture(t, timing(100*ms, 10*ms), ccfg)

	fx.client.Start(0)
	fx.client.Update(100 * ms)

	assert.Equal(t, 3, count(fx.events, "sim"))
	assert.Equal(t, lockstep.StateRecovering, fx.client.State())
	assert.True(t, fx.client.Connected())

	// The backlog drains over the next frames.
	fx.client.Update(0)
	fx.client.Update(0)
	fx.client.Update(0)
	assert.Equal(t, 10, count(fx.events, "sim"))
	assert.Equal(t, 1, count(fx.events, "turn"))
	assert.Equal(t, lockstep.StateNormal, fx.client.State())
}

// -------------------------------------------------------------------------------------------------
// Offline mode
// -------------------------------------------------------------------------------------------------

func TestClient_OfflineApply(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	var finished []error
	finish := func(_ *lockstep.ClientCommandData, err error) { finished = append(finished, err) }

	// Not running: finished right away.
	assert.Nil(t, fx.client.AddPendingCommand(&testutils.Move{Unit: 1}, finish))
	require.Len(t, finished, 1)
	require.ErrorIs(t, finished[0], lockstep.ErrNotRunning)
	require.ErrorIs(t, finished[0], lockstep.ErrCanceled)
	assert.Empty(t, fx.tally.Log)

	finished = nil
	fx.client.Start(0)
	d := fx.client.AddPendingCommand(&testutils.Move{Unit: 2}, finish)
	require.NotNil(t, d)

	fx.client.Update(50 * ms)
	assert.Empty(t, finished)

	fx.client.Update(50 * ms)
	require.Len(t, finished, 1)
	require.NoError(t, finished[0])
	require.Len(t, fx.tally.Log, 1)
	assert.Equal(t, &testutils.Move{Unit: 2}, fx.tally.Log[0].Cmd)
	assert.Zero(t, fx.client.PendingCommands())
}

func TestClient_OfflineLocalDelay(t *testing.T) {
	t.Parallel()
	ccfg := lockstep.DefaultClientConfig()
	ccfg.LocalSimulationDelay = 1000 * ms
	fx := newClientFixture(t, timing(100*ms, 100*ms), ccfg)

	calls := 0
	fx.client.Start(0)
	fx.client.AddPendingCommand(&testutils.Chat{Text: "hi"}, func(*lockstep.ClientCommandData, error) { calls++ })

	fx.client.Update(950 * ms)
	fx.client.Update(149 * ms)
	assert.Zero(t, calls)
	assert.Empty(t, fx.tally.Log)

	fx.client.Update(1 * ms)
	assert.Equal(t, 1, calls)
	assert.Len(t, fx.tally.Log, 1)
}

func TestClient_NegativeTimeRejectsCommands(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	var got error
	fx.client.Start(-200 * ms)
	assert.Nil(t, fx.client.AddPendingCommand(&testutils.Fail{}, func(_ *lockstep.ClientCommandData, err error) { got = err }))
	assert.ErrorIs(t, got, lockstep.ErrNotRunning)
}

// -------------------------------------------------------------------------------------------------
// Network mode
// -------------------------------------------------------------------------------------------------

func TestClient_OutOfOrderTurns(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.networked()

	var applied []int
	fx.client.OnTurnApplied(func(ta lockstep.TurnApplied) { applied = append(applied, ta.Number) })

	const turns = 12
	fx.client.Start(0)
	for _, n := range testutils.Shuffled(prng, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}) {
		turn, err := lockstep.NewClientTurn(lockstep.NewClientCommandData(uint32(n), 1, &testutils.Move{Unit: uint32(n)}, nil)) //nolint:gosec // small
		require.NoError(t, err)
		fx.client.ConfirmTurn(n, turn)
		fx.client.Update(10 * ms)
	}
	fx.client.Update(turns * 100 * ms)

	// Property: turns apply in number order whatever the arrival order.
	require.Len(t, applied, turns)
	require.Len(t, fx.tally.Log, turns)
	for i := range turns {
		assert.Equal(t, i+1, applied[i])
		assert.Equal(t, uint32(i+1), fx.tally.Log[i].Cmd.(*testutils.Move).Unit) //nolint:gosec // small
	}
}

func TestClient_AtMostOnce(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.networked()
	fx.client.SetPlayerNumber(3)

	const n = 8
	calls := make(map[uint32]int)
	fx.client.Start(0)
	for i := range n {
		fx.client.AddPendingCommand(&testutils.Move{Unit: uint32(i)}, func(d *lockstep.ClientCommandData, err error) { //nolint:gosec // small
			assert.NoError(t, err)
			calls[d.ID]++
		})
	}
	require.Len(t, fx.added, n)
	assert.Equal(t, n, fx.client.PendingCommands())

	// The server echoes the commands back without finish callbacks.
	turn := &lockstep.ClientTurn{}
	for _, d := range fx.added {
		assert.Equal(t, byte(3), d.Player)
		require.NoError(t, turn.Add(d.Copy()))
	}
	fx.client.ConfirmTurn(1, turn)
	fx.client.ConfirmTurn(1, turn)
	fx.client.AddConfirmedEmptyTurns(20)
	fx.client.Update(2000 * ms)

	require.Len(t, calls, n)
	for id, c := range calls {
		assert.Equal(t, 1, c, "command %d", id)
	}
	assert.Len(t, fx.tally.Log, n)
	assert.Zero(t, fx.client.PendingCommands())
}

func TestClient_EmptyTurnsApplyNothing(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.networked()

	var turns []*lockstep.ClientTurn
	fx.client.OnTurnApplied(func(ta lockstep.TurnApplied) { turns = append(turns, ta.Turn) })

	fx.client.Start(0)
	fx.client.AddConfirmedEmptyTurns(4)
	fx.client.ConfirmEmptyTurns(5, 6)
	fx.client.Update(1000 * ms)

	require.Len(t, turns, 10)
	for _, turn := range turns {
		assert.True(t, turn.IsEmpty())
	}
	assert.Empty(t, fx.tally.Log)
	assert.Equal(t, 50, count(fx.events, "sim"))
}

func TestClient_Starvation(t *testing.T) {
	t.Parallel()
	cfg := timing(100*ms, 20*ms)
	cfg.MaxSkippedEmptyTurns = 3
	fx := newClientFixture(t, cfg, lockstep.DefaultClientConfig())
	fx.networked()

	var changes []bool
	fx.client.OnConnectionChanged(func(connected bool) { changes = append(changes, connected) })

	fx.client.Start(0)
	for range 3 {
		fx.client.Update(100 * ms)
		assert.True(t, fx.client.Connected())
	}
	assert.Empty(t, changes)

	fx.client.Update(100 * ms)
	assert.Equal(t, lockstep.StateWaiting, fx.client.State())
	assert.Equal(t, []bool{false}, changes)
	assert.Equal(t, 1, fx.client.Disconnects())

	// Still waiting: no further notifications and the simulation does not advance.
	sims := count(fx.events, "sim")
	fx.client.Update(100 * ms)
	fx.client.Update(100 * ms)
	assert.Equal(t, []bool{false}, changes)
	assert.Equal(t, sims, count(fx.events, "sim"))
	assert.Equal(t, 300*ms, fx.client.DisconnectTime())

	// Not enough turns to reach the current time yet.
	fx.client.AddConfirmedEmptyTurns(3)
	fx.client.Update(0)
	assert.False(t, fx.client.Connected())

	fx.client.AddConfirmedEmptyTurns(3)
	fx.client.Update(0)
	assert.Equal(t, []bool{false, true}, changes)
	assert.Equal(t, 6, fx.client.CurrentTurnNumber())
}

func TestClient_NoGracefulRecovery(t *testing.T) {
	t.Parallel()
	cfg := timing(100*ms, 100*ms)
	cfg.MaxSkippedEmptyTurns = 0
	ccfg := lockstep.DefaultClientConfig()
	ccfg.RecoverGracefully = false
	fx := newClientFixture(t, cfg, ccfg)
	fx.networked()

	var changes []bool
	fx.client.OnConnectionChanged(func(connected bool) { changes = append(changes, connected) })

	fx.client.Start(-1000 * ms)
	fx.client.Update(100 * ms)
	assert.True(t, fx.client.Connected(), "connected before time zero")

	fx.client.Update(1200 * ms)
	assert.False(t, fx.client.Connected())

	fx.client.AddConfirmedTurn(nil)
	fx.client.Update(0)
	// One turn applied, still behind: reconnects then waits again within the same update.
	assert.Equal(t, []bool{false}, changes)
	assert.Equal(t, 1, fx.client.CurrentTurnNumber())
}

// -------------------------------------------------------------------------------------------------
// Failures and cancellation
// -------------------------------------------------------------------------------------------------

func TestClient_CommandFailed(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.client.Logic().Register(testutils.TagChat, func(command.Command, byte) error { panic("boom") })

	var failed []lockstep.CommandFailed
	fx.client.OnCommandFailed(func(f lockstep.CommandFailed) { failed = append(failed, f) })

	results := make(map[string]error)
	record := func(name string) lockstep.FinishFunc {
		return func(_ *lockstep.ClientCommandData, err error) { results[name] = err }
	}

	fx.client.Start(0)
	fx.client.AddPendingCommand(&testutils.Fail{}, record("fail"))
	fx.client.AddPendingCommand(&testutils.Chat{}, record("panic"))
	fx.client.AddPendingCommand(&testutils.Move{Unit: 7}, record("move"))
	fx.client.Update(300 * ms)

	require.Len(t, failed, 2)
	assert.ErrorIs(t, failed[0].Err, testutils.ErrRejected)
	assert.Contains(t, failed[1].Err.Error(), "boom")

	assert.ErrorIs(t, results["fail"], testutils.ErrRejected)
	assert.Error(t, results["panic"])
	assert.NoError(t, results["move"])
	// The failures did not stop the rest of the turn.
	require.Len(t, fx.tally.Log, 1)
	assert.Equal(t, 3, fx.client.CurrentTurnNumber())
}

func TestClient_UndecodableCommandFails(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.networked()

	var failed []error
	fx.client.OnCommandFailed(func(f lockstep.CommandFailed) { failed = append(failed, f.Err) })

	st, err := lockstep.NewServerTurn(&lockstep.ServerCommandData{ID: 5, Player: 2, Payload: []byte{77}})
	require.NoError(t, err)
	ct, err := st.ToClient(fx.client.Factory())
	require.Error(t, err)

	fx.client.Start(0)
	fx.client.ConfirmTurn(1, ct)
	fx.client.Update(100 * ms)

	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0], command.ErrUnknownCommand)
}

func TestClient_StopFinishesPending(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())
	fx.networked()

	var errs []error
	fx.client.Start(0)
	for range 3 {
		fx.client.AddPendingCommand(&testutils.Fail{}, func(_ *lockstep.ClientCommandData, err error) { errs = append(errs, err) })
	}
	fx.client.Stop()

	require.Len(t, errs, 3)
	for _, err := range errs {
		assert.True(t, errors.Is(err, lockstep.ErrStopped))
		assert.True(t, errors.Is(err, lockstep.ErrCanceled))
	}
	assert.False(t, fx.client.Running())
	assert.Zero(t, fx.client.PendingCommands())
	// Logic survives a stop.
	assert.Equal(t, 3, fx.client.Logic().Len())
}

// -------------------------------------------------------------------------------------------------
// Lifecycle events
// -------------------------------------------------------------------------------------------------

func TestClient_SimulationStarted(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	started := 0
	fx.client.OnSimulationStarted(func() { started++ })

	fx.client.Update(100 * ms)
	assert.Zero(t, started, "not before Start")

	fx.client.Start(0)
	assert.Zero(t, started, "not on Start")
	fx.client.Update(0)
	assert.Equal(t, 1, started)
	fx.client.Update(100 * ms)
	assert.Equal(t, 1, started, "only once")

	fx.client.Stop()
	fx.client.Start(-200 * ms)
	fx.client.Update(150 * ms)
	assert.Equal(t, 1, started, "not before the start delay elapsed")
	fx.client.Update(150 * ms)
	assert.Equal(t, 2, started)
}

func TestClient_StartRecovering(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	var recovering []bool
	recovered := 0
	fx.client.OnStarted(func(r bool) { recovering = append(recovering, r) })
	fx.client.OnSimulationRecovered(func() { recovered++ })

	fx.client.Start(500 * ms)
	assert.Equal(t, lockstep.StateRecovering, fx.client.State())
	assert.Equal(t, []bool{true}, recovering)

	fx.client.Update(0)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 5, fx.client.CurrentTurnNumber(), "catches up offline")

	fx.client.Stop()
	fx.client.Start(0)
	assert.Equal(t, []bool{true, false}, recovering)
}

func TestClient_Tick(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 20*ms), lockstep.DefaultClientConfig())

	fx.client.Start(0)
	fx.clock.Advance(60 * ms)
	fx.client.Tick()
	fx.clock.Advance(40 * ms)
	fx.client.Tick()

	assert.Equal(t, 100*ms, fx.client.UpdateTime())
	assert.Equal(t, []string{"sim", "sim", "sim", "sim", "sim", "turn"}, fx.events)
}

func TestClient_TurnBufferStats(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 100*ms), lockstep.DefaultClientConfig())
	fx.networked()

	assert.Equal(t, -1, fx.client.LowestTurnBuffer())
	fx.client.Start(0)
	fx.client.AddConfirmedEmptyTurns(3)
	assert.Equal(t, 3, fx.client.TurnBuffer())
	fx.client.Update(200 * ms)
	assert.Equal(t, 1, fx.client.TurnBuffer())
	fx.client.AddConfirmedTurn(nil)

	assert.Equal(t, 1, fx.client.LowestTurnBuffer())
	assert.Equal(t, 3, fx.client.HighestTurnBuffer())
	// Buffers seen: 1, 2, 3, 2.
	assert.Equal(t, 2, fx.client.AverageTurnBuffer())
}

func TestClient_TurnBufferStatsLongMatch(t *testing.T) {
	t.Parallel()
	fx := newClientFixture(t, timing(100*ms, 100*ms), lockstep.DefaultClientConfig())
	fx.networked()

	fx.client.Start(0)
	for range 20_000 {
		fx.client.AddConfirmedEmptyTurns(1)
		fx.client.Update(100 * ms)
	}
	fx.client.AddConfirmedEmptyTurns(5)

	assert.Equal(t, 20_000, fx.client.CurrentTurnNumber())
	assert.Equal(t, 1, fx.client.LowestTurnBuffer())
	assert.Equal(t, 5, fx.client.HighestTurnBuffer())
	assert.Equal(t, 1, fx.client.AverageTurnBuffer())

	// Stats survive a restart.
	fx.client.Stop()
	assert.Equal(t, 5, fx.client.HighestTurnBuffer())
}

func TestClient_NewRandDeterministic(t *testing.T) {
	t.Parallel()
	f := testutils.NewFactory()
	params := lockstep.GameParams{RandomSeed: uint32(testutils.Seed)} //nolint:gosec // truncation is fine
	a := lockstep.NewClient(f, lockstep.WithGameParams(params))
	b := lockstep.NewClient(f, lockstep.WithGameParams(params))

	for range 3 {
		ra, rb := a.NewRand(), b.NewRand()
		for range 4 {
			assert.Equal(t, ra.Uint64(), rb.Uint64())
		}
	}
}
