package netsync

import (
	"context"
	"strconv"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	headerType   = "Lockstep-Type"
	headerClient = "Lockstep-Client"
)

func serverSubject(match string) string { return "lockstep." + match + ".server" }

func clientSubject(match string, id ClientID) string {
	return "lockstep." + match + ".client." + string(id)
}

func newNATSMsg(subject string, id ClientID, msg Message) *nats.Msg {
	m := nats.NewMsg(subject)
	m.Header.Set(headerType, strconv.Itoa(int(msg.Type)))
	m.Header.Set(headerClient, string(id))
	m.Data = msg.Body
	return m
}

func parseNATSMsg(m *nats.Msg) (ClientID, Message, error) {
	t, err := strconv.Atoi(m.Header.Get(headerType))
	if err != nil || t < 0 || t > 255 {
		return "", Message{}, eris.Errorf("invalid message type header %q", m.Header.Get(headerType))
	}
	return ClientID(m.Header.Get(headerClient)), Message{Type: MsgType(t), Body: m.Data}, nil
}

// NATSServerTransport receives on lockstep.<match>.server and replies on
// lockstep.<match>.client.<id>. Clients announce themselves with MsgConnect and MsgDisconnect.
type NATSServerTransport struct {
	nc     *nats.Conn
	match  string
	logger zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

var _ ServerTransport = (*NATSServerTransport)(nil)

func NewNATSServerTransport(nc *nats.Conn, match string, logger zerolog.Logger) *NATSServerTransport {
	return &NATSServerTransport{nc: nc, match: match, logger: logger}
}

func (t *NATSServerTransport) Start(_ context.Context, h ServerHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return eris.New("transport already started")
	}
	sub, err := t.nc.Subscribe(serverSubject(t.match), func(m *nats.Msg) {
		id, msg, err := parseNATSMsg(m)
		if err != nil || id == "" {
			t.logger.Warn().Err(err).Str("subject", m.Subject).Msg("dropping malformed message")
			return
		}
		switch msg.Type {
		case MsgConnect:
			h.OnClientConnected(id)
		case MsgDisconnect:
			h.OnClientDisconnected(id)
		default:
			h.OnMessage(id, msg)
		}
	})
	if err != nil {
		return eris.Wrapf(err, "failed to subscribe to %s", serverSubject(t.match))
	}
	t.sub = sub
	return eris.Wrap(t.nc.Flush(), "failed to flush subscription")
}

func (t *NATSServerTransport) Send(id ClientID, msg Message) error {
	if err := t.nc.PublishMsg(newNATSMsg(clientSubject(t.match, id), "", msg)); err != nil {
		return eris.Wrapf(err, "failed to send %s to client %s", msg.Type, id)
	}
	return nil
}

func (t *NATSServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub == nil {
		return nil
	}
	err := t.sub.Unsubscribe()
	t.sub = nil
	return eris.Wrap(err, "failed to unsubscribe")
}

// NATSClientTransport is the client side of NATSServerTransport.
type NATSClientTransport struct {
	nc    *nats.Conn
	match string
	id    ClientID

	mu        sync.Mutex
	sub       *nats.Subscription
	handler   ClientHandler
	connected bool
}

var _ ClientTransport = (*NATSClientTransport)(nil)

func NewNATSClientTransport(nc *nats.Conn, match string, id ClientID) *NATSClientTransport {
	return &NATSClientTransport{nc: nc, match: match, id: id}
}

func (t *NATSClientTransport) ID() ClientID { return t.id }

func (t *NATSClientTransport) Connect(_ context.Context, h ClientHandler) error {
	t.mu.Lock()
	if t.sub != nil {
		t.mu.Unlock()
		return eris.New("transport already connected")
	}
	sub, err := t.nc.Subscribe(clientSubject(t.match, t.id), func(m *nats.Msg) {
		_, msg, err := parseNATSMsg(m)
		if err != nil {
			return
		}
		h.OnMessage(msg)
	})
	if err != nil {
		t.mu.Unlock()
		return eris.Wrapf(err, "failed to subscribe to %s", clientSubject(t.match, t.id))
	}
	t.sub, t.handler = sub, h
	t.mu.Unlock()

	if err := t.nc.Flush(); err != nil {
		return eris.Wrap(err, "failed to flush subscription")
	}
	if err := t.publish(Message{Type: MsgConnect}); err != nil {
		return err
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	h.OnConnected()
	return nil
}

func (t *NATSClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.nc.IsConnected()
}

func (t *NATSClientTransport) Send(msg Message) error {
	if !t.Connected() {
		return eris.New("not connected")
	}
	return t.publish(msg)
}

func (t *NATSClientTransport) publish(msg Message) error {
	if err := t.nc.PublishMsg(newNATSMsg(serverSubject(t.match), t.id, msg)); err != nil {
		return eris.Wrapf(err, "failed to send %s", msg.Type)
	}
	return nil
}

// Close announces the disconnection and stops receiving.
func (t *NATSClientTransport) Close() error {
	t.mu.Lock()
	sub, h, wasConnected := t.sub, t.handler, t.connected
	t.sub, t.handler, t.connected = nil, nil, false
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	if wasConnected {
		_ = t.publish(Message{Type: MsgDisconnect})
		_ = t.nc.Flush()
	}
	err := sub.Unsubscribe()
	if wasConnected && h != nil {
		h.OnDisconnected()
	}
	return eris.Wrap(err, "failed to unsubscribe")
}
