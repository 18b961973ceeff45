package lockstep

import (
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep/command"
	"github.com/argus-labs/lockstep/pkg/lockstep/internal/event"
	"github.com/argus-labs/lockstep/pkg/telemetry/statsd"
	"github.com/rs/zerolog"
)

const (
	MetricTurnProcessingTime    = "turn_processing_time"
	MetricTurnProcessingOverrun = "turn_processing_overrun"
	MetricTurnDuration          = "turn_duration"
)

// TurnReady is emitted for every turn the server cuts. Turn is nil for empty turns when nobody
// listens to OnEmptyTurnsReady.
type TurnReady struct {
	Number int
	Turn   *ServerTurn
}

// EmptyTurnsReady announces Count consecutive empty turns starting at From.
type EmptyTurnsReady struct {
	From  int
	Count int
}

// Server is the authoritative turn cutter. Commands added during a command step go into that
// step's turn, which is published once the step is over.
//
// Server is not safe for concurrent use.
type Server struct {
	config       Config
	serverConfig ServerConfig
	clock        Clock
	logger       zerolog.Logger
	metrics      ddstatsd.ClientInterface

	running     bool
	timestamp   time.Time
	time        time.Duration
	lastCmdTime time.Duration

	// Open turns by zero based command step index; the turn cut at the end of step k is number k+1.
	open    map[int]*ServerTurn
	history []*ServerTurn

	emptyFrom  int
	emptyCount int

	localClient  *Client
	localFactory *command.Factory
	localUnsubs  []func()

	processTotal    time.Duration
	processCount    int
	lastMetricsTime time.Duration

	onTurnReady       event.Signal[TurnReady]
	onEmptyTurnsReady event.Signal[EmptyTurnsReady]
}

type ServerOption func(*Server)

func WithServerConfig(cfg ServerConfig) ServerOption {
	return func(s *Server) { s.serverConfig = cfg }
}

func WithServerClock(clock Clock) ServerOption {
	return func(s *Server) { s.clock = clock }
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the statsd client turn processing metrics go to. Defaults to the global client.
func WithMetrics(c ddstatsd.ClientInterface) ServerOption {
	return func(s *Server) { s.metrics = c }
}

func NewServer(cfg Config, opts ...ServerOption) *Server {
	assert.That(cfg.Validate() == nil, "invalid lockstep config: %v", cfg.Validate())
	s := &Server{
		config:       cfg,
		serverConfig: DefaultServerConfig(),
		clock:        SystemClock(),
		logger:       zerolog.Nop(),
		open:         make(map[int]*ServerTurn),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = statsd.Client()
	}
	return s
}

func (s *Server) Config() Config { return s.config }

func (s *Server) Running() bool { return s.running }

func (s *Server) UpdateTime() time.Duration { return s.time }

// CurrentTurnNumber is the number of the last turn cut.
func (s *Server) CurrentTurnNumber() int { return int(s.lastCmdTime / s.config.CommandStep) }

// OnTurnReady subscribes to cut turns.
func (s *Server) OnTurnReady(fn func(TurnReady)) (unsubscribe func()) {
	return s.onTurnReady.Subscribe(fn)
}

// OnEmptyTurnsReady subscribes to batches of empty turns. Without listeners every empty turn goes
// through OnTurnReady with a nil turn.
func (s *Server) OnEmptyTurnsReady(fn func(EmptyTurnsReady)) (unsubscribe func()) {
	return s.onEmptyTurnsReady.Subscribe(fn)
}

// Start starts cutting turns. startTime is the current match time, negative while the match has
// not started yet.
func (s *Server) Start(startTime time.Duration) {
	s.running = true
	s.time = startTime
	s.lastCmdTime = 0
	clear(s.open)
	s.history = nil
	s.emptyFrom, s.emptyCount = 0, 0
	s.lastMetricsTime = max(startTime, 0)
	s.timestamp = s.clock.Now()
	s.logger.Info().Dur("start_time", startTime).Dur("command_step", s.config.CommandStep).Msg("server started")
	if s.localClient != nil {
		s.localClient.Start(startTime)
	}
}

// Stop halts the server and discards its turns. A registered local client is stopped too.
func (s *Server) Stop() {
	s.running = false
	s.time = 0
	s.lastCmdTime = 0
	clear(s.open)
	s.history = nil
	s.emptyFrom, s.emptyCount = 0, 0
	s.processTotal, s.processCount = 0, 0
	if s.localClient != nil {
		s.localClient.Stop()
	}
}

// AddCommand places the command in the turn of the current command step. A full turn rolls the
// command over into the next one.
func (s *Server) AddCommand(d *ServerCommandData) {
	k := int(s.lastCmdTime / s.config.CommandStep)
	for {
		turn, ok := s.open[k]
		if !ok {
			turn = &ServerTurn{}
			s.open[k] = turn
		}
		if turn.Len() < s.config.MaxCommandsPerTurn {
			_ = turn.Add(d) // bounded by MaxCommandsPerTurn
			return
		}
		k++
	}
}

// TurnsSince returns the turns cut after turn n, in order. Empty turns are nil.
func (s *Server) TurnsSince(n int) []*ServerTurn {
	if n < 0 {
		n = 0
	}
	if n >= len(s.history) {
		return nil
	}
	return append([]*ServerTurn(nil), s.history[n:]...)
}

// Tick advances the server by the real time elapsed since the previous Tick or Start.
func (s *Server) Tick() {
	now := s.clock.Now()
	dt := now.Sub(s.timestamp)
	s.timestamp = now
	s.Update(dt)
}

// Update advances the server clock and cuts every turn whose command step ended.
func (s *Server) Update(dt time.Duration) {
	if !s.running || dt < 0 {
		return
	}
	s.time += dt

	for s.lastCmdTime+s.config.CommandStep <= s.time {
		k := int(s.lastCmdTime / s.config.CommandStep)
		s.lastCmdTime += s.config.CommandStep
		s.cut(k+1, s.open[k])
		delete(s.open, k)
	}

	if s.localClient != nil {
		s.localClient.Update(dt)
	}
	s.sendMetrics()
}

func (s *Server) cut(n int, turn *ServerTurn) {
	if turn.IsEmpty() {
		s.history = append(s.history, nil)
		if s.emptyCount == 0 {
			s.emptyFrom = n
		}
		s.emptyCount++
		if s.config.MaxSkippedEmptyTurns <= 0 || s.emptyCount >= s.config.MaxSkippedEmptyTurns {
			s.flushEmptyTurns()
		}
		if s.localClient != nil {
			s.confirmLocal(n, nil)
		}
		return
	}

	s.flushEmptyTurns()
	s.history = append(s.history, turn)
	s.onTurnReady.Emit(TurnReady{Number: n, Turn: turn})
	if s.localClient != nil {
		s.confirmLocal(n, turn)
	}
}

// FlushEmptyTurns publishes the empty turns batched so far.
func (s *Server) FlushEmptyTurns() {
	s.flushEmptyTurns()
}

func (s *Server) flushEmptyTurns() {
	if s.emptyCount == 0 {
		return
	}
	from, count := s.emptyFrom, s.emptyCount
	s.emptyFrom, s.emptyCount = 0, 0
	if s.onEmptyTurnsReady.Len() > 0 {
		s.onEmptyTurnsReady.Emit(EmptyTurnsReady{From: from, Count: count})
		return
	}
	for i := range count {
		s.onTurnReady.Emit(TurnReady{Number: from + i})
	}
}

// -------------------------------------------------------------------------------------------------
// Local client
// -------------------------------------------------------------------------------------------------

// RegisterLocalClient hosts client in the server process. The server drives its Update, feeds its
// commands straight into AddCommand and confirms every turn to it as soon as it is cut. Passing
// nil unregisters the current local client.
func (s *Server) RegisterLocalClient(client *Client, factory *command.Factory) {
	for _, unsub := range s.localUnsubs {
		unsub()
	}
	s.localUnsubs = nil
	if s.localClient != nil {
		s.localClient.SetExternalUpdate(false)
	}
	s.localClient, s.localFactory = client, factory
	if client == nil {
		return
	}
	if s.localFactory == nil {
		s.localFactory = client.Factory()
	}
	err := client.SetConfig(s.config)
	assert.That(err == nil, "server config rejected by local client: %v", err)
	client.SetExternalUpdate(true)

	s.localUnsubs = append(s.localUnsubs,
		client.OnCommandAdded(s.onLocalCommandAdded),
		client.OnTurnApplied(s.onLocalTurnApplied),
	)
	if s.running {
		client.Start(s.time)
		s.confirmHistory()
	}
}

// confirmHistory hands every turn cut so far to the local client, in cut order.
func (s *Server) confirmHistory() {
	for i, turn := range s.history {
		s.confirmLocal(i+1, turn)
	}
}

func (s *Server) confirmLocal(n int, turn *ServerTurn) {
	if turn.IsEmpty() {
		s.localClient.ConfirmTurn(n, nil)
		return
	}
	ct, err := turn.ToClient(s.localFactory)
	if err != nil {
		s.logger.Warn().Err(err).Int("turn", n).Msg("local client cannot decode turn")
	}
	s.localClient.ConfirmTurn(n, ct)
}

func (s *Server) LocalClient() *Client { return s.localClient }

func (s *Server) onLocalCommandAdded(d *ClientCommandData) {
	sd, err := NewServerCommandData(d, s.localFactory)
	if err != nil {
		s.logger.Warn().Err(err).Uint32("id", d.ID).Msg("dropping local command")
		s.localClient.CancelPendingCommand(d, err)
		return
	}
	s.AddCommand(sd)
}

func (s *Server) onLocalTurnApplied(t TurnApplied) {
	s.processTotal += t.ProcessDuration
	s.processCount++
	statsd.Timing(s.metrics, MetricTurnDuration, t.ProcessDuration)
	if t.ProcessDuration > s.config.CommandStep {
		statsd.Count(s.metrics, MetricTurnProcessingOverrun, 1)
		s.logger.Warn().Int("turn", t.Number).Dur("duration", t.ProcessDuration).Msg("turn processing overran command step")
	}
}

func (s *Server) sendMetrics() {
	if s.time-s.lastMetricsTime < s.serverConfig.MetricSendInterval {
		return
	}
	s.lastMetricsTime = s.time
	if s.processCount == 0 {
		return
	}
	avg := s.processTotal / time.Duration(s.processCount)
	statsd.Gauge(s.metrics, MetricTurnProcessingTime, float64(avg)/float64(time.Millisecond))
	s.processTotal, s.processCount = 0, 0
}
