package lockstep

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/internal/event"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// State is the client controller state.
type State uint8

const (
	// StateNormal means the turn buffer is within limits.
	StateNormal State = iota
	// StateWaiting means the client stopped because the turn it has to apply was not received.
	StateWaiting
	// StateRecovering means the client is catching up with the current turn after lag or a
	// reconnection.
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateWaiting:
		return "waiting"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// TurnApplied is emitted after every processed command step, empty turns included.
type TurnApplied struct {
	Number          int
	Turn            *ClientTurn
	ProcessDuration time.Duration
}

// CommandFailed is emitted when applying a command returned an error or panicked.
type CommandFailed struct {
	Err  error
	Data *ClientCommandData
}

// Client is the client side lockstep controller. It runs the fixed-step simulation clock, applies
// confirmed turns at every command step and keeps locally issued commands pending until a turn
// confirms them.
//
// Client is not safe for concurrent use. Every method must be called from the goroutine that calls
// Update.
type Client struct {
	config       Config
	clientConfig ClientConfig
	gameParams   GameParams
	playerNumber byte

	factory   *command.Factory
	logic     *command.Logic
	ids       command.IDGenerator
	clock     Clock
	scheduler Scheduler
	logger    zerolog.Logger

	running        bool
	externalUpdate bool
	state          State
	timestamp      time.Time
	time           time.Duration
	lastSimTime    time.Duration
	lastCmdTime    time.Duration

	simStartedCalled   bool
	simRecoveredCalled bool
	rootRand           *rand.Rand

	// Turns up to lastConfirmed are applicable; confirmed only holds the non-empty ones.
	lastConfirmed int
	lastReceived  int
	confirmed     map[int]*ClientTurn
	arrived       map[int]*ClientTurn

	pending []*ClientCommandData

	lastReceptionTime  time.Duration
	receivedAny        bool
	receptionDurations []time.Duration
	bufferStats        turnBufferStats

	disconnects    int
	disconnectTime time.Duration

	onCommandAdded        event.Signal[*ClientCommandData]
	onTurnApplied         event.Signal[TurnApplied]
	onSimulationStarted   event.Signal[struct{}]
	onSimulationRecovered event.Signal[struct{}]
	onConnectionChanged   event.Signal[bool]
	onSimulate            event.Signal[time.Duration]
	onCommandFailed       event.Signal[CommandFailed]
	onStarted             event.Signal[bool]
}

type ClientOption func(*Client)

func WithConfig(cfg Config) ClientOption {
	return func(c *Client) { c.config = cfg }
}

func WithClientConfig(cfg ClientConfig) ClientOption {
	return func(c *Client) { c.clientConfig = cfg }
}

func WithGameParams(p GameParams) ClientOption {
	return func(c *Client) { c.gameParams = p }
}

func WithPlayerNumber(n byte) ClientOption {
	return func(c *Client) { c.playerNumber = n }
}

// WithLogic replaces the client's logic registry.
func WithLogic(l *command.Logic) ClientOption {
	return func(c *Client) { c.logic = l }
}

// WithIDGenerator sets the source of command ids. Defaults to a time seeded RandomIDs.
func WithIDGenerator(g command.IDGenerator) ClientOption {
	return func(c *Client) { c.ids = g }
}

func WithClock(clock Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

// WithScheduler makes Start register the client for ticking unless external update is on.
func WithScheduler(s Scheduler) ClientOption {
	return func(c *Client) { c.scheduler = s }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a stopped client. factory resolves the tag of every applied command so the
// logic registry can dispatch on it.
func NewClient(factory *command.Factory, opts ...ClientOption) *Client {
	assert.That(factory != nil, "client needs a command factory")

	c := &Client{
		config:       DefaultConfig(),
		clientConfig: DefaultClientConfig(),
		factory:      factory,
		logic:        command.NewLogic(),
		clock:        SystemClock(),
		logger:       zerolog.Nop(),
		confirmed:    make(map[int]*ClientTurn),
		arrived:      make(map[int]*ClientTurn),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.ids == nil {
		c.ids = command.NewRandomIDs(uint64(c.clock.Now().UnixNano())) //nolint:gosec // any seed will do
	}
	assert.That(c.config.Validate() == nil, "invalid lockstep config: %v", c.config.Validate())
	assert.That(c.clientConfig.Validate() == nil, "invalid client config: %v", c.clientConfig.Validate())

	c.reset()
	return c
}

// -------------------------------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------------------------------

func (c *Client) Config() Config { return c.config }

// SetConfig replaces the timing contract. It is meant to be called before Start, typically when
// the server's setup message arrives.
func (c *Client) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return eris.Wrap(err, "invalid lockstep config")
	}
	c.config = cfg
	return nil
}

func (c *Client) ClientConfig() ClientConfig { return c.clientConfig }

func (c *Client) SetClientConfig(cfg ClientConfig) error {
	if err := cfg.Validate(); err != nil {
		return eris.Wrap(err, "invalid client config")
	}
	c.clientConfig = cfg
	return nil
}

func (c *Client) GameParams() GameParams { return c.gameParams }

func (c *Client) SetGameParams(p GameParams) {
	c.gameParams = p
	c.rootRand = nil
}

func (c *Client) PlayerNumber() byte { return c.playerNumber }

func (c *Client) SetPlayerNumber(n byte) { c.playerNumber = n }

func (c *Client) Factory() *command.Factory { return c.factory }

// Logic returns the registry applied commands are dispatched through.
func (c *Client) Logic() *command.Logic { return c.logic }

func (c *Client) Running() bool { return c.running }

func (c *Client) State() State { return c.state }

// Connected is false while the client waits for a missing turn.
func (c *Client) Connected() bool { return c.state != StateWaiting }

func (c *Client) Recovering() bool { return c.state == StateRecovering }

// UpdateTime is the client's simulation clock. It is negative before the match starts.
func (c *Client) UpdateTime() time.Duration { return c.time }

func (c *Client) SimulationDeltaTime() time.Duration { return c.time - c.lastSimTime }

func (c *Client) CommandDeltaTime() time.Duration { return c.time - c.lastCmdTime }

// CurrentTurnNumber is the number of the last applied turn.
func (c *Client) CurrentTurnNumber() int { return int(c.lastCmdTime / c.config.CommandStep) }

func (c *Client) CurrentSimulationStep() int { return int(c.time / c.config.SimulationStep) }

// LastConfirmedTurnNumber is the highest turn number up to which every turn is known.
func (c *Client) LastConfirmedTurnNumber() int { return c.lastConfirmed }

// TurnBuffer is the number of confirmed turns not yet applied.
func (c *Client) TurnBuffer() int { return max(c.lastConfirmed-c.CurrentTurnNumber(), 0) }

// PendingCommands returns the number of submitted commands not yet applied.
func (c *Client) PendingCommands() int { return len(c.pending) }

func (c *Client) Disconnects() int { return c.disconnects }

func (c *Client) DisconnectTime() time.Duration { return c.disconnectTime }

// TurnReceptionDuration is the average time between received turns over the last
// TurnReceptionDurationAverageSize receptions.
func (c *Client) TurnReceptionDuration() time.Duration {
	if len(c.receptionDurations) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range c.receptionDurations {
		sum += d
	}
	return sum / time.Duration(len(c.receptionDurations))
}

// WillRecoverGracefully reports whether the confirmed turns reach the current time and keep
// arriving at about the command step cadence.
func (c *Client) WillRecoverGracefully() bool {
	if time.Duration(c.lastConfirmed)*c.config.CommandStep < c.time {
		return false
	}
	f := float64(c.TurnReceptionDuration()) / float64(c.config.CommandStep)
	return f <= c.clientConfig.GracefulTurnReceptionDurationFactor
}

// turnBufferStats keeps the extremes and the mean of the turn buffer seen on turn reception.
type turnBufferStats struct {
	count, sum int
	lowest     int
	highest    int
}

func (s *turnBufferStats) add(buffer int) {
	if s.count == 0 || buffer < s.lowest {
		s.lowest = buffer
	}
	if s.count == 0 || buffer > s.highest {
		s.highest = buffer
	}
	s.count++
	s.sum += buffer
}

// LowestTurnBuffer returns the lowest turn buffer seen on turn reception, or -1.
func (c *Client) LowestTurnBuffer() int {
	if c.bufferStats.count == 0 {
		return -1
	}
	return c.bufferStats.lowest
}

// HighestTurnBuffer returns the highest turn buffer seen on turn reception, or -1.
func (c *Client) HighestTurnBuffer() int {
	if c.bufferStats.count == 0 {
		return -1
	}
	return c.bufferStats.highest
}

// AverageTurnBuffer returns the mean turn buffer seen on turn reception, or -1.
func (c *Client) AverageTurnBuffer() int {
	if c.bufferStats.count == 0 {
		return -1
	}
	return c.bufferStats.sum / c.bufferStats.count
}

// NewRand returns a generator derived from the match seed. Every client creates the same sequence
// of generators as long as they call NewRand in the same order.
func (c *Client) NewRand() *rand.Rand {
	if c.rootRand == nil {
		seed := uint64(c.gameParams.RandomSeed)
		c.rootRand = rand.New(rand.NewPCG(seed, seed)) //nolint:gosec // deterministic by design
	}
	return rand.New(rand.NewPCG(c.rootRand.Uint64(), c.rootRand.Uint64())) //nolint:gosec // see above
}

// -------------------------------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------------------------------

// OnCommandAdded subscribes to submitted commands. While at least one listener is registered the
// client runs in network mode: commands wait for a confirmed turn instead of being scheduled
// locally.
func (c *Client) OnCommandAdded(fn func(*ClientCommandData)) (unsubscribe func()) {
	return c.onCommandAdded.Subscribe(fn)
}

func (c *Client) OnTurnApplied(fn func(TurnApplied)) (unsubscribe func()) {
	return c.onTurnApplied.Subscribe(fn)
}

// OnSimulationStarted fires on the first update where the clock reaches zero.
func (c *Client) OnSimulationStarted(fn func()) (unsubscribe func()) {
	return c.onSimulationStarted.Subscribe(func(struct{}) { fn() })
}

// OnSimulationRecovered fires once per Start, on the first update at or after time zero that
// leaves the client in normal state.
func (c *Client) OnSimulationRecovered(fn func()) (unsubscribe func()) {
	return c.onSimulationRecovered.Subscribe(func(struct{}) { fn() })
}

func (c *Client) OnConnectionChanged(fn func(connected bool)) (unsubscribe func()) {
	return c.onConnectionChanged.Subscribe(fn)
}

// OnSimulate fires once per simulation step with the step duration.
func (c *Client) OnSimulate(fn func(step time.Duration)) (unsubscribe func()) {
	return c.onSimulate.Subscribe(fn)
}

func (c *Client) OnCommandFailed(fn func(CommandFailed)) (unsubscribe func()) {
	return c.onCommandFailed.Subscribe(fn)
}

// OnStarted fires on Start, telling whether the client starts recovering.
func (c *Client) OnStarted(fn func(recovering bool)) (unsubscribe func()) {
	return c.onStarted.Subscribe(fn)
}

// -------------------------------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------------------------------

// Start resets the clocks and starts the client at startTime. A negative start time delays the
// simulation; a positive one means the match is already running and the client recovers.
func (c *Client) Start(startTime time.Duration) {
	c.running = true
	c.time = startTime
	c.lastSimTime = 0
	c.lastCmdTime = 0
	c.simStartedCalled = false
	c.simRecoveredCalled = false
	if startTime > 0 {
		c.state = StateRecovering
	} else {
		c.state = StateNormal
	}
	c.logger.Info().Dur("start_time", startTime).Stringer("state", c.state).Msg("client started")
	c.onStarted.Emit(c.state == StateRecovering)

	c.timestamp = c.clock.Now()
	if !c.externalUpdate && c.scheduler != nil {
		c.scheduler.Add(c)
	}
}

// Stop halts the client and drops every buffered turn. Pending commands are finished with
// ErrStopped. Registered logic and listeners are kept.
func (c *Client) Stop() {
	pending := c.pending
	wasRunning := c.running
	c.reset()
	if c.scheduler != nil {
		c.scheduler.Remove(c)
	}
	if wasRunning {
		c.logger.Info().Int("dropped_commands", len(pending)).Msg("client stopped")
	}
	for _, d := range pending {
		d.Finish(ErrStopped)
	}
}

func (c *Client) reset() {
	c.running = false
	c.state = StateWaiting
	c.time = 0
	c.lastSimTime = 0
	c.lastCmdTime = 0
	c.simStartedCalled = false
	c.simRecoveredCalled = false
	c.rootRand = nil
	c.lastConfirmed = 0
	c.lastReceived = 0
	clear(c.confirmed)
	clear(c.arrived)
	c.pending = nil
	c.lastReceptionTime = 0
	c.receivedAny = false
	c.receptionDurations = nil
}

// SetExternalUpdate controls whether the scheduler ticks the client. With external update on, the
// owner calls Update itself.
func (c *Client) SetExternalUpdate(external bool) {
	c.externalUpdate = external
	if c.scheduler == nil {
		return
	}
	if external {
		c.scheduler.Remove(c)
	} else if c.running {
		c.scheduler.Add(c)
	}
}

func (c *Client) ExternalUpdate() bool { return c.externalUpdate }

// Tick advances the client by the real time elapsed since the previous Tick or Start.
func (c *Client) Tick() {
	now := c.clock.Now()
	dt := now.Sub(c.timestamp)
	c.timestamp = now
	c.Update(dt)
}

// -------------------------------------------------------------------------------------------------
// Commands and turns
// -------------------------------------------------------------------------------------------------

// AddPendingCommand submits a command issued by the local player. The command is applied once a
// confirmed turn contains it, or scheduled locally when nobody listens to OnCommandAdded. It
// returns nil, after finishing the command with ErrNotRunning, when the client is stopped or the
// simulation has not reached time zero.
func (c *Client) AddPendingCommand(cmd command.Command, finish FinishFunc) *ClientCommandData {
	d := NewClientCommandData(c.ids.NextID(), c.playerNumber, cmd, finish)
	if !c.running || c.time < 0 {
		d.Finish(ErrNotRunning)
		return nil
	}
	c.pending = append(c.pending, d)
	if c.onCommandAdded.Len() > 0 {
		c.onCommandAdded.Emit(d)
	} else {
		c.addConfirmedCommand(d)
	}
	return d
}

// CancelPendingCommand drops a pending command, finishing it with err. It returns false if the
// command is not pending.
func (c *Client) CancelPendingCommand(d *ClientCommandData, err error) bool {
	for i, p := range c.pending {
		if p.Matches(d) {
			c.pending = slices.Delete(c.pending, i, i+1)
			p.Finish(err)
			return true
		}
	}
	return false
}

// ConfirmTurn stores the authoritative turn n. Turns may arrive in any order; they become
// applicable once every lower number arrived. Numbers already confirmed are ignored.
func (c *Client) ConfirmTurn(n int, turn *ClientTurn) {
	if n <= c.lastConfirmed {
		c.logger.Debug().Int("turn", n).Msg("ignoring already confirmed turn")
		return
	}
	if _, ok := c.arrived[n]; ok {
		c.logger.Debug().Int("turn", n).Msg("ignoring duplicated turn")
		return
	}
	c.arrived[n] = turn
	c.lastReceived = max(c.lastReceived, n)
	for {
		next, ok := c.arrived[c.lastConfirmed+1]
		if !ok {
			break
		}
		delete(c.arrived, c.lastConfirmed+1)
		c.confirmNext(next)
	}
}

// ConfirmEmptyTurns confirms count empty turns starting at from.
func (c *Client) ConfirmEmptyTurns(from, count int) {
	for i := range count {
		c.ConfirmTurn(from+i, nil)
	}
}

// AddConfirmedTurn confirms turn as the one after the last received.
func (c *Client) AddConfirmedTurn(turn *ClientTurn) {
	c.ConfirmTurn(c.lastReceived+1, turn)
}

// AddConfirmedEmptyTurns confirms count empty turns after the last received.
func (c *Client) AddConfirmedEmptyTurns(count int) {
	c.ConfirmEmptyTurns(c.lastReceived+1, count)
}

func (c *Client) confirmNext(turn *ClientTurn) {
	c.lastConfirmed++
	c.bufferStats.add(c.TurnBuffer())
	if !turn.IsEmpty() {
		c.confirmed[c.lastConfirmed] = turn
	}
	c.recordReception(c.lastConfirmed)
}

// addConfirmedCommand schedules a command locally, LocalSimulationDelay after the last command step.
func (c *Client) addConfirmedCommand(d *ClientCommandData) {
	t := 1 + int((c.lastCmdTime+c.clientConfig.LocalSimulationDelay)/c.config.CommandStep)
	for {
		turn, ok := c.confirmed[t]
		if !ok {
			turn = &ClientTurn{}
			c.confirmed[t] = turn
			c.recordReception(t)
			c.lastConfirmed = max(c.lastConfirmed, t)
			c.lastReceived = max(c.lastReceived, t)
		}
		if err := turn.Add(d); err == nil {
			return
		}
		t++
	}
}

func (c *Client) recordReception(t int) {
	if t < c.lastConfirmed {
		return
	}
	if c.receivedAny {
		dt := c.time - c.lastReceptionTime
		turns := t - c.lastConfirmed + 1
		c.receptionDurations = append(c.receptionDurations, dt/time.Duration(turns))
		if extra := len(c.receptionDurations) - c.clientConfig.TurnReceptionDurationAverageSize; extra > 0 {
			c.receptionDurations = slices.Delete(c.receptionDurations, 0, extra)
		}
	}
	c.receivedAny = true
	c.lastReceptionTime = c.time
}

// -------------------------------------------------------------------------------------------------
// Update loop
// -------------------------------------------------------------------------------------------------

// Update advances the client clock by dt scaled by SpeedFactor and runs every simulation step and
// command step that became due, earliest first, simulation first on ties.
func (c *Client) Update(dt time.Duration) {
	if !c.running || dt < 0 {
		return
	}

	if f := c.clientConfig.SpeedFactor; f != 1 {
		dt = time.Duration(math.Round(f * float64(dt)))
	}
	c.time += dt

	if !c.simStartedCalled && c.time >= 0 {
		c.simStartedCalled = true
		c.onSimulationStarted.Emit(struct{}{})
	}

	if c.clientConfig.RecoverGracefully && !c.Connected() && !c.WillRecoverGracefully() {
		c.disconnectTime += dt
		return
	}

	prevState := c.state
	wasConnected := c.Connected()
	c.state = StateNormal
	if !c.simRecoveredCalled && c.time >= 0 {
		c.simRecoveredCalled = true
		c.onSimulationRecovered.Emit(struct{}{})
	}

	c.step()

	if c.state == StateWaiting {
		c.disconnectTime += dt
	}
	if c.state != prevState {
		c.logger.Debug().Stringer("from", prevState).Stringer("to", c.state).
			Int("turn", c.CurrentTurnNumber()).Int("confirmed", c.lastConfirmed).Msg("client state changed")
	}
	if connected := c.Connected(); connected != wasConnected {
		if !connected {
			c.disconnects++
			c.logger.Warn().Int("turn", c.CurrentTurnNumber()).Msg("waiting for turn confirmation")
		} else {
			c.logger.Info().Dur("disconnect_time", c.disconnectTime).Msg("turn confirmation resumed")
		}
		c.onConnectionChanged.Emit(connected)
	}
}

func (c *Client) step() {
	maxSteps := c.clientConfig.MaxSimulationStepsPerFrame
	simSteps := 0
	for c.running {
		nextSim := c.lastSimTime + c.config.SimulationStep
		nextCmd := c.lastCmdTime + c.config.CommandStep

		switch {
		case nextSim <= nextCmd && nextSim <= c.time:
			if maxSteps > 0 && simSteps >= maxSteps {
				c.state = StateRecovering
				return
			}
			c.lastSimTime = nextSim
			simSteps++
			c.onSimulate.Emit(c.config.SimulationStep)

		case nextCmd <= c.time:
			t := c.CurrentTurnNumber() + 1
			switch {
			case c.lastConfirmed >= t:
				turn, ok := c.confirmed[t]
				if ok {
					delete(c.confirmed, t)
				} else {
					turn = EmptyClientTurn()
				}
				c.processTurn(t, turn)
			case c.onCommandAdded.Len() == 0:
				c.processTurn(t, EmptyClientTurn())
			default:
				missing := int(c.time/c.config.CommandStep) - c.lastConfirmed
				if missing > c.config.MaxSkippedEmptyTurns {
					c.state = StateWaiting
				}
				return
			}
			c.lastCmdTime = nextCmd

		default:
			return
		}
	}
}

// processTurn applies every command of the turn in order. A failing command is reported and
// finished with its error; the rest of the turn still applies.
func (c *Client) processTurn(n int, turn *ClientTurn) {
	start := c.clock.Now()
	for _, d := range turn.Commands() {
		d = c.takePending(d)
		err := c.apply(d)
		if err != nil {
			c.logger.Error().Err(err).Uint32("id", d.ID).Uint8("player", d.Player).Int("turn", n).
				Msg("failed to apply command")
			c.onCommandFailed.Emit(CommandFailed{Err: err, Data: d})
		}
		d.Finish(err)
	}
	c.onTurnApplied.Emit(TurnApplied{Number: n, Turn: turn, ProcessDuration: c.clock.Now().Sub(start)})
}

// takePending returns the pending command matching d, removing it, or d itself.
func (c *Client) takePending(d *ClientCommandData) *ClientCommandData {
	for i, p := range c.pending {
		if p.Matches(d) {
			c.pending = slices.Delete(c.pending, i, i+1)
			if p.Command == nil {
				p.Command, p.err = d.Command, d.err
			}
			return p
		}
	}
	return d
}

func (c *Client) apply(d *ClientCommandData) (err error) {
	if d.err != nil {
		return d.err
	}
	if d.Command == nil {
		return nil
	}
	tag, ok := c.factory.TagOf(d.Command)
	if !ok {
		return eris.Wrapf(command.ErrUnknownCommand, "type %T", d.Command)
	}
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("command handler for tag %d panicked: %v", tag, r)
		}
	}()
	return c.logic.Apply(tag, d.Command, d.Player)
}
