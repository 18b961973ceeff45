// Package netsync binds the lockstep controllers to a network: the match Server relays commands and
// turns between players over a ServerTransport, and the network Client feeds a lockstep.Client from
// a ClientTransport.
package netsync

import (
	"bytes"
	"context"
	"slices"
	"time"

	ddstatsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/argus-labs/lockstep/pkg/assert"
	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/internal/event"
	"github.com/argus-labs/lockstep/pkg/telemetry/statsd"
	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	MetricMatchStart     = "match_start"
	MetricMatchEnd       = "match_end"
	MetricMatchCorrected = "match_corrected"
	MetricRateLimited    = "command_rate_limited"
)

// MatchFinished is emitted when the match ends. Listeners may correct Results, keyed by player
// number, before they are sent to the players.
type MatchFinished struct {
	Results map[byte]json.RawMessage
}

type player struct {
	conn        ClientID
	id          string
	number      byte
	version     string
	ready       bool
	finished    bool
	connections int
	limiter     *rate.Limiter
}

// Server runs one match: it hands out player numbers, starts the lockstep server once enough
// players are ready, relays commands and turns, and collects the results.
//
// Transport events are queued and handled on the goroutine calling Tick or Update, so the match
// state is only ever touched from there.
type Server struct {
	transport  ServerTransport
	config     ServerConfig
	lockstep   *lockstep.Server
	auth       Authenticator
	clock      lockstep.Clock
	logger     zerolog.Logger
	metrics    ddstatsd.ClientInterface
	gameParams lockstep.GameParams
	endCheck   func() bool

	inbox       inbox
	players     []*player
	connections int
	results     map[byte]json.RawMessage
	matchEnded  bool
	endDeadline time.Time

	onMatchStarted       event.Signal[struct{}]
	onMatchFinished      event.Signal[*MatchFinished]
	onClientConnected    event.Signal[ClientID]
	onClientDisconnected event.Signal[ClientID]
	onMessage            event.Signal[ClientMessage]
}

// ClientMessage is a message of a type the match server does not handle itself.
type ClientMessage struct {
	Client  ClientID
	Message Message
}

type ServerOption func(*Server)

func WithServerConfig(cfg ServerConfig) ServerOption {
	return func(s *Server) { s.config = cfg }
}

// WithAuthenticator verifies PlayerReady tokens. Defaults to TokenAuthenticator.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

func WithGameParams(p lockstep.GameParams) ServerOption {
	return func(s *Server) { s.gameParams = p }
}

func WithClock(c lockstep.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithMetrics(c ddstatsd.ClientInterface) ServerOption {
	return func(s *Server) { s.metrics = c }
}

// WithMatchEndCheck sets the check consulted when only some players reported a finish. When it
// reports the match as over the match ends right away, otherwise the remaining players get
// MatchEndedWithoutConfirmationTimeout to report.
func WithMatchEndCheck(fn func() bool) ServerOption {
	return func(s *Server) { s.endCheck = fn }
}

func NewServer(transport ServerTransport, cfg lockstep.Config, opts ...ServerOption) *Server {
	s := &Server{
		transport: transport,
		config:    DefaultServerConfig(),
		auth:      TokenAuthenticator{},
		clock:     lockstep.SystemClock(),
		logger:    zerolog.Nop(),
		results:   make(map[byte]json.RawMessage),
	}
	for _, opt := range opts {
		opt(s)
	}
	assert.That(s.config.Validate() == nil, "invalid match config: %v", s.config.Validate())
	if s.metrics == nil {
		s.metrics = statsd.Client()
	}
	s.lockstep = lockstep.NewServer(cfg,
		lockstep.WithServerClock(s.clock),
		lockstep.WithServerLogger(s.logger),
		lockstep.WithMetrics(s.metrics),
	)
	s.lockstep.OnTurnReady(s.onTurnReady)
	s.lockstep.OnEmptyTurnsReady(s.onEmptyTurnsReady)
	return s
}

// Start begins accepting clients.
func (s *Server) Start(ctx context.Context) error {
	return s.transport.Start(ctx, serverHandler{s})
}

// Close ends a running match and shuts the transport down.
func (s *Server) Close() error {
	s.Stop()
	return s.transport.Close()
}

// Tick handles the queued transport events and advances the match by the elapsed real time.
func (s *Server) Tick() {
	s.inbox.drain()
	s.lockstep.Tick()
	s.checkMatchEndTimeout()
}

// Update is Tick with an explicit time step.
func (s *Server) Update(dt time.Duration) {
	s.inbox.drain()
	s.lockstep.Update(dt)
	s.checkMatchEndTimeout()
}

// Lockstep returns the turn cutting server of the match.
func (s *Server) Lockstep() *lockstep.Server { return s.lockstep }

func (s *Server) Config() ServerConfig { return s.config }

func (s *Server) Running() bool { return s.lockstep.Running() }

func (s *Server) MatchEnded() bool { return s.matchEnded }

// ClientUpdateTime is the match time as the clients see it.
func (s *Server) ClientUpdateTime() time.Duration {
	return s.lockstep.UpdateTime() - s.config.ClientSimulationDelay
}

// ConnectionCount is the number of open transport connections.
func (s *Server) ConnectionCount() int { return s.connections }

func (s *Server) PlayerCount() int { return len(s.players) }

func (s *Server) Full() bool { return len(s.players) >= s.config.MaxPlayers }

func (s *Server) ReadyPlayerCount() int {
	n := 0
	for _, p := range s.players {
		if p.ready {
			n++
		}
	}
	return n
}

func (s *Server) FinishedPlayerCount() int {
	n := 0
	for _, p := range s.players {
		if p.finished {
			n++
		}
	}
	return n
}

// PlayerIDs returns the player ids ordered by player number.
func (s *Server) PlayerIDs() []string {
	sorted := slices.Clone(s.players)
	slices.SortFunc(sorted, func(a, b *player) int { return int(a.number) - int(b.number) })
	ids := make([]string, len(sorted))
	for i, p := range sorted {
		ids[i] = p.id
	}
	return ids
}

// PlayerNumber returns the number assigned to a player id.
func (s *Server) PlayerNumber(playerID string) (byte, bool) {
	if p := s.playerByID(playerID); p != nil {
		return p.number, true
	}
	return 0, false
}

func (s *Server) OnMatchStarted(fn func()) (unsubscribe func()) {
	return s.onMatchStarted.Subscribe(func(struct{}) { fn() })
}

func (s *Server) OnMatchFinished(fn func(*MatchFinished)) (unsubscribe func()) {
	return s.onMatchFinished.Subscribe(fn)
}

func (s *Server) OnClientConnected(fn func(ClientID)) (unsubscribe func()) {
	return s.onClientConnected.Subscribe(fn)
}

func (s *Server) OnClientDisconnected(fn func(ClientID)) (unsubscribe func()) {
	return s.onClientDisconnected.Subscribe(fn)
}

// OnMessage subscribes to messages of types the match server does not handle.
func (s *Server) OnMessage(fn func(ClientMessage)) (unsubscribe func()) {
	return s.onMessage.Subscribe(fn)
}

// Stop ends the match if it is running.
func (s *Server) Stop() {
	if s.lockstep.Running() {
		s.endMatch()
	}
}

// -------------------------------------------------------------------------------------------------
// Transport events
// -------------------------------------------------------------------------------------------------

type serverHandler struct{ s *Server }

func (h serverHandler) OnClientConnected(id ClientID) {
	h.s.inbox.post(func() { h.s.handleConnected(id) })
}

func (h serverHandler) OnClientDisconnected(id ClientID) {
	h.s.inbox.post(func() { h.s.handleDisconnected(id) })
}

func (h serverHandler) OnMessage(id ClientID, msg Message) {
	h.s.inbox.post(func() { h.s.handleMessage(id, msg) })
}

func (s *Server) handleConnected(id ClientID) {
	s.connections++
	s.logger.Debug().Str("client", string(id)).Msg("client connected")
	s.onClientConnected.Emit(id)
	s.send(id, MsgClientSetup, &ClientSetup{Config: s.lockstep.Config(), GameParams: s.gameParams})
}

func (s *Server) handleDisconnected(id ClientID) {
	s.connections--
	p := s.playerByConn(id)
	ev := s.logger.Debug().Str("client", string(id))
	if p != nil {
		ev = ev.Str("player", p.id)
	}
	ev.Msg("client disconnected")
	s.onClientDisconnected.Emit(id)

	if p == nil {
		return
	}
	p.ready = false
	p.conn = ""
	s.sendConnectionStatus(p, false)
	if s.config.FinishOnClientDisconnection {
		s.checkAllPlayersEnded()
	}
}

func (s *Server) handleMessage(id ClientID, msg Message) {
	switch msg.Type {
	case MsgCommand:
		s.handleCommand(id, msg)
	case MsgPlayerReady:
		s.handlePlayerReady(id, msg)
	case MsgPlayerFinish:
		s.handlePlayerFinish(id, msg)
	default:
		s.onMessage.Emit(ClientMessage{Client: id, Message: msg})
	}
}

func (s *Server) handleCommand(id ClientID, msg Message) {
	p := s.playerByConn(id)
	if p == nil || !p.ready || !s.lockstep.Running() {
		// Only ready players of a running match send commands.
		return
	}
	if !p.limiter.AllowN(s.clock.Now(), 1) {
		statsd.Count(s.metrics, MetricRateLimited, 1)
		s.logger.Warn().Str("player", p.id).Msg("dropping rate limited command")
		return
	}
	d := &lockstep.ServerCommandData{}
	if err := d.Deserialize(msg.reader()); err != nil {
		s.logger.Warn().Err(err).Str("player", p.id).Msg("dropping malformed command")
		return
	}
	// The sender's own player number is not trusted.
	d.Player = p.number
	s.lockstep.AddCommand(d)
}

func (s *Server) handlePlayerReady(id ClientID, msg Message) {
	var m PlayerReady
	if err := m.Deserialize(msg.reader()); err != nil {
		s.logger.Warn().Err(err).Str("client", string(id)).Msg("dropping malformed ready message")
		return
	}
	playerID, err := s.auth.Authenticate(m.Token)
	if err != nil {
		s.logger.Warn().Err(err).Str("client", string(id)).Msg("rejected player")
		return
	}

	p := s.playerByID(playerID)
	if p == nil {
		if s.Full() {
			s.logger.Warn().Str("player", playerID).Msg("match is full")
			return
		}
		p = &player{id: playerID, number: s.freePlayerNumber(), limiter: s.config.newLimiter()}
		s.players = append(s.players, p)
	}
	p.connections++
	if p.conn != id && p.connections > 1 {
		s.sendConnectionStatus(p, true)
	}
	p.conn = id
	p.version = m.Version

	if p.ready || p.finished {
		return
	}
	p.ready = true
	s.logger.Info().Str("player", p.id).Uint8("number", p.number).Int("current_turn", m.CurrentTurn).
		Msg("player ready")

	if !s.lockstep.Running() {
		s.checkAllPlayersReady()
		return
	}
	s.sendStart(p)
	s.resendTurns(p, m.CurrentTurn)
}

func (s *Server) handlePlayerFinish(id ClientID, msg Message) {
	p := s.playerByConn(id)
	if p == nil || p.finished {
		return
	}
	var m Result
	if err := m.Deserialize(msg.reader()); err != nil {
		s.logger.Warn().Err(err).Str("player", p.id).Msg("dropping malformed result")
		return
	}
	p.finished = true
	s.results[p.number] = m.Data
	s.checkAllPlayersEnded()
}

// -------------------------------------------------------------------------------------------------
// Match lifecycle
// -------------------------------------------------------------------------------------------------

func (s *Server) checkAllPlayersReady() {
	if s.lockstep.Running() {
		return
	}
	ready := s.ReadyPlayerCount()
	if ready < s.config.MaxPlayers && (ready == 0 || !s.config.AllowMatchStartWithOnePlayerReady) {
		return
	}
	if s.matchEnded {
		s.logger.Error().Msg("not restarting a match that already ended")
		return
	}
	s.startMatch()
}

func (s *Server) startMatch() {
	s.lockstep.Start(s.config.ClientSimulationDelay - s.config.ClientStartDelay)
	statsd.Count(s.metrics, MetricMatchStart, 1)
	s.logger.Info().Strs("players", s.PlayerIDs()).Dur("client_start_delay", s.config.ClientStartDelay).
		Msg("match started")
	for _, p := range s.players {
		if p.conn != "" {
			s.sendStart(p)
		}
	}
	s.onMatchStarted.Emit(struct{}{})
}

func (s *Server) sendStart(p *player) {
	s.send(p.conn, MsgClientStart, &ClientStart{
		ServerTimestamp: s.clock.Now(),
		StartTime:       s.ClientUpdateTime(),
		PlayerNumber:    p.number,
		PlayerIDs:       s.PlayerIDs(),
	})
}

// resendTurns sends a late or reconnecting player every turn after from.
func (s *Server) resendTurns(p *player, from int) {
	from = max(from, 0)
	emptyFrom, emptyCount := 0, 0
	flush := func() {
		if emptyCount > 0 {
			s.send(p.conn, MsgEmptyTurns, &EmptyTurns{From: emptyFrom, Count: emptyCount})
			emptyCount = 0
		}
	}
	for i, turn := range s.lockstep.TurnsSince(from) {
		n := from + i + 1
		if turn.IsEmpty() {
			if emptyCount == 0 {
				emptyFrom = n
			}
			emptyCount++
			continue
		}
		flush()
		s.send(p.conn, MsgTurn, &Turn{Number: n, Turn: turn})
	}
	flush()
}

func (s *Server) checkAllPlayersEnded() {
	finished := s.FinishedPlayerCount()
	if !s.lockstep.Running() || finished == 0 {
		return
	}
	if finished >= s.ReadyPlayerCount() {
		s.endMatch()
		return
	}
	if s.endCheck == nil {
		return
	}
	if s.endCheck() {
		s.endMatch()
		return
	}
	s.logger.Warn().Int("turn", s.lockstep.CurrentTurnNumber()).Int("finished", finished).
		Msg("player reported a finish the match does not confirm")
	if s.endDeadline.IsZero() {
		s.endDeadline = s.clock.Now().Add(s.config.MatchEndedWithoutConfirmationTimeout)
	}
}

func (s *Server) checkMatchEndTimeout() {
	if !s.lockstep.Running() || s.endDeadline.IsZero() || s.clock.Now().Before(s.endDeadline) {
		return
	}
	s.logger.Error().Msg("timed out waiting for the remaining results")
	s.endMatch()
}

func (s *Server) endMatch() {
	s.matchEnded = true
	s.lockstep.Stop()
	s.endDeadline = time.Time{}

	original := make(map[byte]json.RawMessage, len(s.results))
	for k, v := range s.results {
		original[k] = slices.Clone(v)
	}
	finished := &MatchFinished{Results: s.results}
	s.onMatchFinished.Emit(finished)
	s.results = finished.Results

	corrected := len(original) != len(s.results)
	for k, v := range original {
		if !bytes.Equal(v, s.results[k]) {
			corrected = true
		}
	}
	if corrected {
		statsd.Count(s.metrics, MetricMatchCorrected, 1)
	} else {
		statsd.Count(s.metrics, MetricMatchEnd, 1)
	}

	byPlayer := make(map[string]json.RawMessage, len(s.results))
	for num, res := range s.results {
		if p := s.playerByNumber(num); p != nil {
			byPlayer[p.id] = res
		}
	}
	s.logger.Info().Int("results", len(byPlayer)).Bool("corrected", corrected).Msg("match ended")

	msg, err := NewResult(byPlayer)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode match results")
		return
	}
	for _, p := range s.players {
		if p.conn != "" {
			s.send(p.conn, MsgClientEnd, msg)
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Turns
// -------------------------------------------------------------------------------------------------

func (s *Server) onTurnReady(t lockstep.TurnReady) {
	if t.Turn.IsEmpty() {
		s.broadcastReady(MsgEmptyTurns, &EmptyTurns{From: t.Number, Count: 1})
		return
	}
	s.broadcastReady(MsgTurn, &Turn{Number: t.Number, Turn: t.Turn})
}

func (s *Server) onEmptyTurnsReady(e lockstep.EmptyTurnsReady) {
	s.broadcastReady(MsgEmptyTurns, &EmptyTurns{From: e.From, Count: e.Count})
}

func (s *Server) broadcastReady(t MsgType, body serializer) {
	msg, err := NewMessage(t, body)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode turn")
		return
	}
	for _, p := range s.players {
		if p.ready {
			s.sendMessage(p.conn, msg)
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------------------------------

func (s *Server) send(id ClientID, t MsgType, body serializer) {
	msg, err := NewMessage(t, body)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode message")
		return
	}
	s.sendMessage(id, msg)
}

func (s *Server) sendMessage(id ClientID, msg Message) {
	if err := s.transport.Send(id, msg); err != nil {
		s.logger.Warn().Err(eris.Cause(err)).Str("client", string(id)).Stringer("type", msg.Type).
			Msg("failed to send message")
	}
}

// sendConnectionStatus tells the other ready players that p dropped or came back.
func (s *Server) sendConnectionStatus(p *player, connected bool) {
	if !s.lockstep.Running() {
		return
	}
	for _, other := range s.players {
		if other.ready && other != p {
			s.send(other.conn, MsgClientConnectionStatus, &ConnectionStatus{Player: p.number, Connected: connected})
		}
	}
}

func (s *Server) playerByConn(id ClientID) *player {
	if id == "" {
		return nil
	}
	for _, p := range s.players {
		if p.conn == id {
			return p
		}
	}
	return nil
}

func (s *Server) playerByID(playerID string) *player {
	for _, p := range s.players {
		if p.id == playerID {
			return p
		}
	}
	return nil
}

func (s *Server) playerByNumber(n byte) *player {
	for _, p := range s.players {
		if p.number == n {
			return p
		}
	}
	return nil
}

func (s *Server) freePlayerNumber() byte {
	var n byte
	for s.playerByNumber(n) != nil {
		n++
	}
	return n
}
