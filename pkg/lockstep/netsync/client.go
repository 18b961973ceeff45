package netsync

import (
	"context"
	"errors"
	"time"

	"github.com/argus-labs/lockstep/pkg/lockstep"
	"github.com/argus-labs/lockstep/pkg/lockstep/internal/event"
	"github.com/argus-labs/lockstep/pkg/lockstep/wire"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// ErrProtocolMismatch is reported when the server runs another protocol version.
var ErrProtocolMismatch = errors.New("protocol version mismatch")

// Client connects a lockstep.Client to a match server. Its commands go to the server and the
// confirmed turns come back into it.
//
// Transport events are queued and handled on the goroutine calling Tick or Update, which also
// drives the lockstep client.
type Client struct {
	transport       ClientTransport
	lockstep        *lockstep.Client
	clock           lockstep.Clock
	logger          zerolog.Logger
	token           string
	version         string
	protocolVersion int32

	inbox         inbox
	setupReceived bool
	readyPending  bool
	playerIDs     []string
	unsubscribe   func()

	onStartScheduled   event.Signal[time.Duration]
	onReadySent        event.Signal[struct{}]
	onEnd              event.Signal[*Result]
	onConnectionStatus event.Signal[ConnectionStatus]
	onError            event.Signal[error]
	onMessage          event.Signal[Message]
}

type ClientOption func(*Client)

// WithToken sets the token sent with PlayerReady. Defaults to a random UUID.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithVersion sets the client version reported to the server.
func WithVersion(v string) ClientOption {
	return func(c *Client) { c.version = v }
}

func WithClientClock(clock lockstep.Clock) ClientOption {
	return func(c *Client) { c.clock = clock }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient takes over the update of client. The protocol version of the client's current Config
// is the one the server must run.
func NewClient(transport ClientTransport, client *lockstep.Client, opts ...ClientOption) *Client {
	c := &Client{
		transport:       transport,
		lockstep:        client,
		clock:           lockstep.SystemClock(),
		logger:          zerolog.Nop(),
		token:           uuid.NewString(),
		protocolVersion: client.Config().ProtocolVersion,
	}
	for _, opt := range opts {
		opt(c)
	}
	client.SetExternalUpdate(true)
	c.unsubscribe = client.OnCommandAdded(c.sendCommand)
	return c
}

// Connect opens the transport. Call SendPlayerReady to join the match.
func (c *Client) Connect(ctx context.Context) error {
	return c.transport.Connect(ctx, clientHandler{c})
}

// Close stops the lockstep client and closes the transport.
func (c *Client) Close() error {
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.lockstep.Stop()
	return c.transport.Close()
}

// Tick handles the queued transport events and advances the lockstep client by the elapsed real
// time.
func (c *Client) Tick() {
	c.inbox.drain()
	c.lockstep.Tick()
}

// Update is Tick with an explicit time step.
func (c *Client) Update(dt time.Duration) {
	c.inbox.drain()
	c.lockstep.Update(dt)
}

func (c *Client) Lockstep() *lockstep.Client { return c.lockstep }

func (c *Client) Token() string { return c.token }

// Running reports whether the transport is connected and the match is running.
func (c *Client) Running() bool { return c.transport.Connected() && c.lockstep.Running() }

// PlayerIDs returns the ids of the match players ordered by player number, known once the match
// started.
func (c *Client) PlayerIDs() []string { return c.playerIDs }

// OnStartScheduled reports the client time the lockstep client started at.
func (c *Client) OnStartScheduled(fn func(time.Duration)) (unsubscribe func()) {
	return c.onStartScheduled.Subscribe(fn)
}

func (c *Client) OnReadySent(fn func()) (unsubscribe func()) {
	return c.onReadySent.Subscribe(func(struct{}) { fn() })
}

// OnEnd receives the results of every player, keyed by player id.
func (c *Client) OnEnd(fn func(*Result)) (unsubscribe func()) {
	return c.onEnd.Subscribe(fn)
}

func (c *Client) OnConnectionStatus(fn func(ConnectionStatus)) (unsubscribe func()) {
	return c.onConnectionStatus.Subscribe(fn)
}

func (c *Client) OnError(fn func(error)) (unsubscribe func()) {
	return c.onError.Subscribe(fn)
}

// OnMessage subscribes to messages of types the client does not handle.
func (c *Client) OnMessage(fn func(Message)) (unsubscribe func()) {
	return c.onMessage.Subscribe(fn)
}

// SendPlayerReady joins the match as soon as the server setup arrived.
func (c *Client) SendPlayerReady() {
	c.readyPending = true
	c.trySendPlayerReady()
}

// SendPlayerFinish reports the local result of the match, encoded as JSON.
func (c *Client) SendPlayerFinish(result any) error {
	if !c.lockstep.Running() {
		return eris.Wrap(lockstep.ErrNotRunning, "match is not running")
	}
	body, err := NewResult(result)
	if err != nil {
		return err
	}
	return c.send(MsgPlayerFinish, body)
}

// Send sends an application message of a type the match server forwards to its OnMessage
// listeners.
func (c *Client) Send(msg Message) error {
	return eris.Wrap(c.transport.Send(msg), "failed to send message")
}

func (c *Client) trySendPlayerReady() {
	if !c.readyPending || !c.setupReceived || !c.transport.Connected() {
		return
	}
	c.readyPending = false
	err := c.send(MsgPlayerReady, &PlayerReady{
		Token:       c.token,
		CurrentTurn: c.lockstep.CurrentTurnNumber(),
		Version:     c.version,
	})
	if err != nil {
		c.fail(err)
		return
	}
	c.onReadySent.Emit(struct{}{})
}

func (c *Client) sendCommand(d *lockstep.ClientCommandData) {
	body, err := wire.Marshal(func(w wire.Writer) error { return d.Serialize(w, c.lockstep.Factory()) })
	if err == nil {
		err = c.transport.Send(Message{Type: MsgCommand, Body: body})
	}
	if err != nil {
		c.logger.Warn().Err(err).Uint32("id", d.ID).Msg("failed to send command")
		c.lockstep.CancelPendingCommand(d, eris.Wrap(err, "failed to send command"))
	}
}

func (c *Client) send(t MsgType, body serializer) error {
	msg, err := NewMessage(t, body)
	if err != nil {
		return err
	}
	return eris.Wrapf(c.transport.Send(msg), "failed to send %s", t)
}

func (c *Client) fail(err error) {
	c.logger.Error().Err(err).Msg("network client error")
	c.onError.Emit(err)
}

// -------------------------------------------------------------------------------------------------
// Transport events
// -------------------------------------------------------------------------------------------------

type clientHandler struct{ c *Client }

func (h clientHandler) OnConnected() {
	h.c.inbox.post(func() { h.c.setupReceived = false })
}

func (h clientHandler) OnDisconnected() {
	h.c.inbox.post(func() {
		h.c.setupReceived = false
		h.c.logger.Warn().Msg("disconnected from match server")
	})
}

func (h clientHandler) OnMessage(msg Message) {
	h.c.inbox.post(func() { h.c.handleMessage(msg) })
}

func (c *Client) handleMessage(msg Message) {
	var err error
	switch msg.Type {
	case MsgTurn:
		err = c.handleTurn(msg)
	case MsgEmptyTurns:
		var m EmptyTurns
		if err = m.Deserialize(msg.reader()); err == nil {
			c.lockstep.ConfirmEmptyTurns(m.From, m.Count)
		}
	case MsgClientSetup:
		err = c.handleSetup(msg)
	case MsgClientStart:
		err = c.handleStart(msg)
	case MsgClientEnd:
		var m Result
		if err = m.Deserialize(msg.reader()); err == nil {
			c.onEnd.Emit(&m)
			c.lockstep.Stop()
		}
	case MsgClientConnectionStatus:
		var m ConnectionStatus
		if err = m.Deserialize(msg.reader()); err == nil {
			c.onConnectionStatus.Emit(m)
		}
	default:
		c.onMessage.Emit(msg)
	}
	if err != nil {
		c.fail(eris.Wrapf(err, "failed to handle %s", msg.Type))
	}
}

func (c *Client) handleTurn(msg Message) error {
	n, turn, err := DecodeTurn(msg.Body, c.lockstep.Factory())
	if err != nil {
		var de *lockstep.DecodeError
		if !errors.As(err, &de) {
			return err
		}
		// The undecodable command fails when applied.
		c.logger.Warn().Err(err).Int("turn", n).Msg("turn has undecodable commands")
	}
	c.lockstep.ConfirmTurn(n, turn)
	return nil
}

func (c *Client) handleSetup(msg Message) error {
	var m ClientSetup
	if err := m.Deserialize(msg.reader()); err != nil {
		return err
	}
	if m.Config.ProtocolVersion != c.protocolVersion {
		return eris.Wrapf(ErrProtocolMismatch, "server runs %d, client %d", m.Config.ProtocolVersion, c.protocolVersion)
	}
	if err := c.lockstep.SetConfig(m.Config); err != nil {
		return err
	}
	c.lockstep.SetGameParams(m.GameParams)
	c.setupReceived = true
	c.trySendPlayerReady()
	return nil
}

func (c *Client) handleStart(msg Message) error {
	var m ClientStart
	if err := m.Deserialize(msg.reader()); err != nil {
		return err
	}
	c.playerIDs = m.PlayerIDs
	c.lockstep.SetPlayerNumber(m.PlayerNumber)
	if c.lockstep.Running() {
		// Rejoining a match this client is still simulating; the server resends the missing turns.
		c.logger.Info().Int("turn", c.lockstep.CurrentTurnNumber()).Msg("rejoined match")
		return nil
	}
	delay := max(c.clock.Now().Sub(m.ServerTimestamp), 0)
	start := m.StartTime + delay
	c.lockstep.Start(start)
	c.logger.Info().Dur("start_time", start).Uint8("player", m.PlayerNumber).Msg("match start scheduled")
	c.onStartScheduled.Emit(start)
	return nil
}
