// Package eventstream implements the per-subscription WebSocket server that
// streams queued data grains to every connected client.
package eventstream

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Clients only send control frames; anything larger is a protocol error.
	maxMessageSize = 4096

	// Outbound messages buffered per client before it is considered stalled.
	sendBuffer = 256
)

// DefaultCloseTimeout bounds how long Close waits on each client's close
// handshake.
const DefaultCloseTimeout = time.Second

// Options configures a Worker.
type Options struct {
	// Addr is the listen address, e.g. "0.0.0.0:5401". Port 0 picks a free port.
	Addr string

	// TLSConfig enables wss:// when non-nil.
	TLSConfig *tls.Config

	// ResourceType is used for logging only.
	ResourceType string

	// OnConnect runs for each new client, without any worker lock held. It
	// must call join exactly once to add the client; snapshot, when not nil,
	// is sent to that client only and ahead of every message queued after
	// join. Returning without calling join rejects the client.
	OnConnect func(join func(snapshot []byte))

	// CloseTimeout bounds the close handshake per client.
	CloseTimeout time.Duration
}

// Worker is a WebSocket server bound to a dedicated port.
type Worker struct {
	log          zerolog.Logger
	ln           net.Listener
	srv          *http.Server
	secure       bool
	onConnect    func(join func(snapshot []byte))
	closeTimeout time.Duration
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	queue   []queued
	seq     uint64
	closed  bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// queued is an outbound message numbered in queue order.
type queued struct {
	seq uint64
	msg []byte
}

// client is one connected subscriber socket.
type client struct {
	conn      *websocket.Conn
	send      chan []byte
	after     uint64 // last sequence number the client joined after
	done      chan struct{}
	closeOnce sync.Once
	worker    *Worker
}

// Listen binds the worker's port and starts its accept and send loops.
func Listen(log zerolog.Logger, opts Options) (*Worker, error) {
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, err
	}
	if opts.TLSConfig != nil {
		ln = tls.NewListener(ln, opts.TLSConfig)
	}

	closeTimeout := opts.CloseTimeout
	if closeTimeout <= 0 {
		closeTimeout = DefaultCloseTimeout
	}

	w := &Worker{
		log: log.With().
			Str("component", "eventstream").
			Str("resource_type", opts.ResourceType).
			Str("addr", ln.Addr().String()).
			Logger(),
		ln:           ln,
		secure:       opts.TLSConfig != nil,
		onConnect:    opts.OnConnect,
		closeTimeout: closeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	w.srv = &http.Server{
		Handler:           w,
		ReadHeaderTimeout: 10 * time.Second,
	}

	w.wg.Add(2)
	go func() {
		defer w.wg.Done()
		if err := w.srv.Serve(w.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			w.log.Error().Err(err).Msg("serve failed")
		}
	}()
	go func() {
		defer w.wg.Done()
		w.dispatch()
	}()

	w.log.Debug().Msg("subscription socket listening")
	return w, nil
}

// Port returns the bound TCP port.
func (w *Worker) Port() int {
	if addr, ok := w.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Secure reports whether the worker serves wss://.
func (w *Worker) Secure() bool {
	return w.secure
}

// Clients returns the number of connected clients.
func (w *Worker) Clients() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

// Done is closed once Close has started.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Queue appends a pre-serialized message to the outbound queue. It never
// blocks. It returns false once the worker is closed.
func (w *Worker) Queue(msg []byte) bool {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return false
	}
	w.seq++
	w.queue = append(w.queue, queued{seq: w.seq, msg: msg})
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting connections, disconnects every client and waits for
// all worker goroutines to exit. It is safe to call more than once.
func (w *Worker) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		clients := make([]*client, 0, len(w.clients))
		for c := range w.clients {
			clients = append(clients, c)
		}
		w.clients = make(map[*client]struct{})
		w.queue = nil
		w.mu.Unlock()

		close(w.done)
		err = w.srv.Close()

		for _, c := range clients {
			c.close(w.closeTimeout)
		}
		w.wg.Wait()
		w.log.Debug().Int("clients", len(clients)).Msg("subscription socket closed")
	})
	return err
}

// ServeHTTP upgrades the request and registers the client.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		worker: w,
	}

	joined := false
	join := func(snapshot []byte) {
		if !joined {
			joined = w.add(c, snapshot)
		}
	}
	if w.onConnect != nil {
		w.onConnect(join)
	} else {
		join(nil)
	}
	if !joined {
		_ = conn.Close()
		return
	}

	go func() {
		defer w.wg.Done()
		c.writePump()
	}()
	go func() {
		defer w.wg.Done()
		c.readPump()
	}()

	w.log.Debug().Str("remote", r.RemoteAddr).Msg("client connected")
}

// add registers c, queueing snapshot for it alone. Messages already queued
// are not delivered to c. It returns false once the worker is closed.
func (w *Worker) add(c *client, snapshot []byte) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if snapshot != nil {
		c.send <- snapshot
	}
	c.after = w.seq
	w.clients[c] = struct{}{}
	w.wg.Add(2)
	return true
}

// dispatch drains the queue onto every connected client in order.
func (w *Worker) dispatch() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		w.mu.Lock()
		msgs := w.queue
		w.queue = nil
		clients := make([]*client, 0, len(w.clients))
		for c := range w.clients {
			clients = append(clients, c)
		}
		w.mu.Unlock()

		for _, q := range msgs {
			for _, c := range clients {
				if q.seq <= c.after {
					continue
				}
				if !c.enqueue(q.msg) {
					w.drop(c)
				}
			}
		}
	}
}

// drop disconnects a client that closed or stalled.
func (w *Worker) drop(c *client) {
	w.mu.Lock()
	_, ok := w.clients[c]
	delete(w.clients, c)
	w.mu.Unlock()

	if ok {
		select {
		case <-c.done:
		default:
			w.log.Warn().Msg("client send buffer full, disconnecting")
		}
		c.close(w.closeTimeout)
	}
}

func (c *client) enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close sends a close frame and tears down the connection.
func (c *client) close(timeout time.Duration) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription closed"),
			time.Now().Add(timeout),
		)
		_ = c.conn.Close()
	})
}

// readPump discards client messages and notices disconnects.
func (c *client) readPump() {
	defer c.worker.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.worker.log.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.worker.drop(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.worker.drop(c)
				return
			}
		}
	}
}
