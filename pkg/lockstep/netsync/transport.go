package netsync

import (
	"context"
	"sync"
)

// ClientID identifies one transport connection. A player keeps its identity across connections
// through the PlayerReady token, not the ClientID.
type ClientID string

// ServerHandler receives transport events on the server side. Transports may call it from any
// goroutine.
type ServerHandler interface {
	OnClientConnected(id ClientID)
	OnClientDisconnected(id ClientID)
	OnMessage(id ClientID, msg Message)
}

// ServerTransport carries messages between the match server and its clients.
type ServerTransport interface {
	// Start begins delivering events to h.
	Start(ctx context.Context, h ServerHandler) error
	Send(id ClientID, msg Message) error
	Close() error
}

// ClientHandler receives transport events on the client side. Transports may call it from any
// goroutine.
type ClientHandler interface {
	OnConnected()
	OnDisconnected()
	OnMessage(msg Message)
}

// ClientTransport carries messages between one client and the match server.
type ClientTransport interface {
	Connect(ctx context.Context, h ClientHandler) error
	Connected() bool
	Send(msg Message) error
	Close() error
}

// inbox queues work posted from transport goroutines until the owner drains it on its own
// goroutine.
type inbox struct {
	mu    sync.Mutex
	queue []func()
}

func (b *inbox) post(fn func()) {
	b.mu.Lock()
	b.queue = append(b.queue, fn)
	b.mu.Unlock()
}

func (b *inbox) drain() {
	b.mu.Lock()
	queue := b.queue
	b.queue = nil
	b.mu.Unlock()
	for _, fn := range queue {
		fn()
	}
}
