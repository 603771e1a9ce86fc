// Package peer wraps one accepted WebSocket connection with a bounded
// outbound queue drained by a single writer goroutine.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cortexuvula/roomrelay/internal/security"
)

var (
	// ErrSlowConsumer is returned by Enqueue when the outbound queue is full.
	// The connection is closed with StatusPolicyViolation.
	ErrSlowConsumer = errors.New("slow consumer")
	// ErrClosed is returned by Enqueue after the connection has closed.
	ErrClosed = errors.New("connection closed")
)

// Options configures a Conn.
type Options struct {
	ID       string
	Kind     string
	ClientIP string
	Identity security.Identity

	SendQueue    int
	ReadLimit    int64
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
	// MessagesPerSecond caps inbound frames; 0 disables the limit.
	MessagesPerSecond int
	// OriginPatterns is passed to websocket.Accept.
	OriginPatterns []string
}

// Observer is told about every accepted and closed connection.
type Observer interface {
	Opened(c *Conn)
	Closed(c *Conn)
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Conn is a live socket. Enqueue is safe for concurrent use; frames are
// written in enqueue order.
type Conn struct {
	id   string
	opts Options
	ws   *websocket.Conn

	send    chan frame
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	cause     error

	wg sync.WaitGroup
}

// Accept upgrades the request and starts the connection's writer and
// keepalive goroutines.
func Accept(w http.ResponseWriter, r *http.Request, opts Options) (*Conn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: opts.OriginPatterns,
	})
	if err != nil {
		return nil, err
	}
	c := New(ws, opts)
	c.Start()
	return c, nil
}

// New wraps an established socket. Call Start to begin writing.
func New(ws *websocket.Conn, opts Options) *Conn {
	if opts.ID == "" {
		if id, err := uuid.NewV7(); err == nil {
			opts.ID = id.String()
		} else {
			opts.ID = uuid.NewString()
		}
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	if opts.ReadLimit > 0 {
		ws.SetReadLimit(opts.ReadLimit)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     opts.ID,
		opts:   opts,
		ws:     ws,
		send:   make(chan frame, opts.SendQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.MessagesPerSecond), opts.MessagesPerSecond)
	}
	return c
}

// Start launches the writer and, when configured, the keepalive loop.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.writeLoop()
	if c.opts.PingInterval > 0 {
		c.wg.Add(1)
		go c.keepAlive()
	}
}

func (c *Conn) ID() string                  { return c.id }
func (c *Conn) Kind() string                { return c.opts.Kind }
func (c *Conn) ClientIP() string            { return c.opts.ClientIP }
func (c *Conn) Identity() security.Identity { return c.opts.Identity }

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context { return c.ctx }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Err returns why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Enqueue queues a frame without blocking. A full queue closes the
// connection and returns ErrSlowConsumer.
func (c *Conn) Enqueue(typ websocket.MessageType, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.send <- frame{typ: typ, data: data}:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	default:
		c.closeWith(websocket.StatusPolicyViolation, "slow consumer", ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Read blocks for the next inbound frame. It returns an error once the
// connection is closed from either side.
func (c *Conn) Read() (websocket.MessageType, []byte, error) {
	// A cancelled read context makes the library drop the socket without a
	// close frame, so reads are only ended by Close.
	return c.ws.Read(context.Background())
}

// Allow reports whether another inbound frame fits the rate budget.
func (c *Conn) Allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Throttle waits until another inbound frame fits the rate budget.
func (c *Conn) Throttle() error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(c.ctx)
}

// Close closes the connection with code and reason. Safe to call repeatedly;
// only the first call has effect.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeWith(code, reason, ErrClosed)
}

// Wait blocks until the writer and keepalive goroutines exit.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string, cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.cause = cause
		c.mu.Unlock()
		c.cancel()
		// Close waits for the peer's close frame; never block the caller,
		// which may be a broker holding a room lock.
		go c.ws.Close(code, reason)
		if errors.Is(cause, ErrSlowConsumer) {
			slog.Warn("closing slow consumer", "connection", c.id, "kind", c.opts.Kind, "client_ip", c.opts.ClientIP)
		}
	})
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			ctx, cancel := c.writeContext()
			err := c.ws.Write(ctx, f.typ, f.data)
			cancel()
			if err != nil {
				slog.Debug("write failed", "connection", c.id, "error", err)
				c.closeWith(websocket.StatusGoingAway, "write failed", err)
				return
			}
		}
	}
}

func (c *Conn) writeContext() (context.Context, context.CancelFunc) {
	if c.opts.WriteTimeout > 0 {
		return context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	}
	return context.WithCancel(context.Background())
}

// keepAlive pings on an interval; a missed pong closes the connection.
func (c *Conn) keepAlive() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			timeout := c.opts.PongTimeout
			if timeout <= 0 {
				timeout = c.opts.PingInterval
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.ws.Ping(ctx)
			cancel()
			if err != nil {
				slog.Debug("keepalive ping failed, closing connection", "connection", c.id, "error", err)
				c.closeWith(websocket.StatusGoingAway, "keepalive timeout", err)
				return
			}
		}
	}
}
