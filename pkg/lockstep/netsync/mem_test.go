package netsync_test

import (
	"context"
	"errors"
	"strconv"

	"github.com/argus-labs/lockstep/pkg/lockstep/netsync"
)

// memNetwork is a synchronous in-memory transport. Handlers only queue work, so delivering inline
// is safe.
type memNetwork struct {
	handler netsync.ServerHandler
	clients map[netsync.ClientID]*memClient
	nextID  int
}

var _ netsync.ServerTransport = (*memNetwork)(nil)

func newMemNetwork() *memNetwork {
	return &memNetwork{clients: make(map[netsync.ClientID]*memClient)}
}

func (n *memNetwork) Start(_ context.Context, h netsync.ServerHandler) error {
	n.handler = h
	return nil
}

func (n *memNetwork) Send(id netsync.ClientID, msg netsync.Message) error {
	c, ok := n.clients[id]
	if !ok {
		return errors.New("unknown client")
	}
	c.handler.OnMessage(msg)
	return nil
}

func (n *memNetwork) Close() error {
	for _, c := range n.clients {
		_ = c.Close()
	}
	return nil
}

func (n *memNetwork) dial() *memClient {
	return &memClient{net: n}
}

type memClient struct {
	net     *memNetwork
	id      netsync.ClientID
	handler netsync.ClientHandler
}

var _ netsync.ClientTransport = (*memClient)(nil)

// Connect opens a new connection with a fresh id, like a real reconnect would.
func (c *memClient) Connect(_ context.Context, h netsync.ClientHandler) error {
	if c.id != "" {
		return errors.New("already connected")
	}
	c.net.nextID++
	c.id = netsync.ClientID("conn-" + strconv.Itoa(c.net.nextID))
	c.handler = h
	c.net.clients[c.id] = c
	h.OnConnected()
	c.net.handler.OnClientConnected(c.id)
	return nil
}

func (c *memClient) Connected() bool { return c.id != "" }

func (c *memClient) Send(msg netsync.Message) error {
	if c.id == "" {
		return errors.New("not connected")
	}
	c.net.handler.OnMessage(c.id, msg)
	return nil
}

func (c *memClient) Close() error {
	if c.id == "" {
		return nil
	}
	delete(c.net.clients, c.id)
	c.net.handler.OnClientDisconnected(c.id)
	c.handler.OnDisconnected()
	c.id = ""
	return nil
}
