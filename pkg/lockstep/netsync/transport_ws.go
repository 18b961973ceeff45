package netsync

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 1 << 20
)

type wsConn struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// stop asks writeLoop to flush what is queued and say goodbye; written closes when it exits.
	stop     chan struct{}
	stopOnce sync.Once
	written  chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	conn.SetReadLimit(wsReadLimit)
	return &wsConn{
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		written: make(chan struct{}),
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// shutdown writes every queued frame and a close frame before closing, giving up after
// wsWriteTimeout.
func (c *wsConn) shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	timer := time.NewTimer(wsWriteTimeout)
	defer timer.Stop()
	select {
	case <-c.written:
	case <-timer.C:
	}
	c.close()
}

// enqueue queues frame for writeLoop. A peer that falls a full send buffer behind is
// disconnected rather than silently missing frames.
func (c *wsConn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return eris.New("connection closed")
	case <-c.stop:
		return eris.New("connection closing")
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.close()
		return eris.New("send buffer full, connection closed")
	}
}

func (c *wsConn) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) writeLoop() {
	defer close(c.written)
	defer c.close()
	for {
		select {
		case <-c.done:
			return
		case <-c.stop:
			c.flush()
			return
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
			return
		}
	}
}

// readLoop calls fn for every binary frame until the connection fails.
func (c *wsConn) readLoop(fn func(Message)) {
	defer c.close()
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		msg, err := ParseFrame(data)
		if err != nil {
			continue
		}
		fn(msg)
	}
}

// WebsocketServerTransport is an http.Handler upgrading every request to a client connection.
// Each message travels as one binary frame.
type WebsocketServerTransport struct {
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	handler ServerHandler
	conns   map[ClientID]*wsConn
}

var (
	_ ServerTransport = (*WebsocketServerTransport)(nil)
	_ http.Handler    = (*WebsocketServerTransport)(nil)
)

func NewWebsocketServerTransport(logger zerolog.Logger) *WebsocketServerTransport {
	return &WebsocketServerTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  2048,
			WriteBufferSize: 2048,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
		conns:  make(map[ClientID]*wsConn),
	}
}

func (t *WebsocketServerTransport) Start(_ context.Context, h ServerHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return eris.New("transport already started")
	}
	t.handler = h
	return nil
}

func (t *WebsocketServerTransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		http.Error(w, "match server not started", http.StatusServiceUnavailable)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id := ClientID(uuid.NewString())
	c := newWSConn(conn)

	t.mu.Lock()
	t.conns[id] = c
	t.mu.Unlock()

	go c.writeLoop()
	h.OnClientConnected(id)
	c.readLoop(func(msg Message) { h.OnMessage(id, msg) })

	t.mu.Lock()
	delete(t.conns, id)
	t.mu.Unlock()
	h.OnClientDisconnected(id)
}

func (t *WebsocketServerTransport) Send(id ClientID, msg Message) error {
	t.mu.Lock()
	c, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return eris.Errorf("unknown client %s", id)
	}
	return eris.Wrapf(c.enqueue(msg.Frame()), "failed to send %s to client %s", msg.Type, id)
}

// Close flushes the frames queued for every client and then drops the connections.
func (t *WebsocketServerTransport) Close() error {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[ClientID]*wsConn)
	t.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.shutdown()
		}()
	}
	wg.Wait()
	return nil
}

// WebsocketClientTransport dials a WebsocketServerTransport.
type WebsocketClientTransport struct {
	url    string
	header http.Header

	mu   sync.Mutex
	conn *wsConn
}

var _ ClientTransport = (*WebsocketClientTransport)(nil)

// NewWebsocketClientTransport dials url, a ws:// or wss:// address, sending header with the
// handshake.
func NewWebsocketClientTransport(url string, header http.Header) *WebsocketClientTransport {
	return &WebsocketClientTransport{url: url, header: header}
}

func (t *WebsocketClientTransport) Connect(ctx context.Context, h ClientHandler) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return eris.New("transport already connected")
	}
	t.mu.Unlock()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.url, t.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return eris.Wrapf(err, "failed to dial %s", t.url)
	}
	c := newWSConn(conn)

	t.mu.Lock()
	t.conn = c
	t.mu.Unlock()

	go c.writeLoop()
	h.OnConnected()
	go func() {
		c.readLoop(h.OnMessage)
		t.mu.Lock()
		if t.conn == c {
			t.conn = nil
		}
		t.mu.Unlock()
		h.OnDisconnected()
	}()
	return nil
}

func (t *WebsocketClientTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *WebsocketClientTransport) Send(msg Message) error {
	t.mu.Lock()
	c := t.conn
	t.mu.Unlock()
	if c == nil {
		return eris.New("not connected")
	}
	return eris.Wrapf(c.enqueue(msg.Frame()), "failed to send %s", msg.Type)
}

func (t *WebsocketClientTransport) Close() error {
	t.mu.Lock()
	c := t.conn
	t.conn = nil
	t.mu.Unlock()
	if c != nil {
		c.shutdown()
	}
	return nil
}
