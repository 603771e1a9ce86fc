// Package reconcile keeps a client's view of one chat room complete by
// combining live socket delivery with periodic history polling.
package reconcile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/cortexuvula/roomrelay/internal/store"
)

// ErrDisconnected is returned by a socket send whose connection dropped
// before the server answered.
var ErrDisconnected = errors.New("live channel disconnected")

// State is the live channel state.
type State int

const (
	StateDisconnected State = iota
	StateSubscribing
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// ServerError is a request the server answered with an error.
type ServerError struct {
	// Status is the HTTP status for REST sends and 0 for socket sends.
	Status  int
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the server root, e.g. http://localhost:3000.
	BaseURL string
	RoomID  string
	// Token is sent as a bearer credential on every request.
	Token string

	// PollInterval defaults to 3s. Quiet surfaces use 15s.
	PollInterval time.Duration
	// HistoryLimit is the page size for history fetches; 0 uses the server default.
	HistoryLimit int
	HTTPClient   *http.Client
	DialTimeout  time.Duration
	SendTimeout  time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Client subscribes to one room and reconciles pushed and polled messages
// into a Timeline.
type Client struct {
	opts     Options
	timeline *Timeline

	mu     sync.Mutex
	state  State
	ws     *websocket.Conn
	connID string
	// pending holds socket sends waiting for an ack or error frame.
	pending map[string]chan event

	// fetchMu serializes history fetches so the cursor only moves forward.
	fetchMu sync.Mutex
	cursor  string
}

// New creates a client. Call Run to start it.
func New(opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	opts.BaseURL = strings.TrimSuffix(opts.BaseURL, "/")
	return &Client{
		opts:     opts,
		timeline: NewTimeline(),
		pending:  make(map[string]chan event),
	}
}

// request is a client → server chat frame.
type request struct {
	Type      string       `json:"type"`
	RoomID    string       `json:"roomId,omitempty"`
	RequestID string       `json:"requestId,omitempty"`
	Message   *store.Draft `json:"message,omitempty"`
}

// event is a server → client chat frame.
type event struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connectionId,omitempty"`
	RoomID       string         `json:"roomId,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Message      *store.Message `json:"message,omitempty"`
	Code         string         `json:"code,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// State returns the live channel state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		slog.Debug("live channel state", "room", c.opts.RoomID, "from", prev.String(), "to", s.String())
	}
}

// Messages returns the reconciled timeline.
func (c *Client) Messages() []store.Message {
	return c.timeline.Messages()
}

// Timeline returns the underlying timeline.
func (c *Client) Timeline() *Timeline {
	return c.timeline
}

// Run subscribes to the room and keeps the timeline reconciled until ctx
// ends. Every (re)subscribe is followed by a history fetch; the poll loop
// runs regardless of the live channel state.
func (c *Client) Run(ctx context.Context) error {
	if c.opts.RoomID == "" {
		return errors.New("room id is required")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.poll(ctx)
	}()
	defer wg.Wait()
	defer c.setState(StateDisconnected)

	c.setState(StateSubscribing)
	for {
		ws, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.subscribe(ctx)
		},
			backoff.WithBackOff(c.backOff()),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				slog.Warn("live channel connect failed", "room", c.opts.RoomID, "retry_in", next, "error", err)
			}),
		)
		if err != nil {
			return nil
		}

		c.fetch(ctx)
		c.listen(ctx, ws)

		if ctx.Err() != nil {
			return nil
		}
		c.setState(StateReconnecting)
	}
}

func (c *Client) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	return b
}

// subscribe dials the chat socket and joins the room.
func (c *Client) subscribe(ctx context.Context) (*websocket.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dctx, c.opts.BaseURL+"/ws/chat", &websocket.DialOptions{
		HTTPHeader: c.header(),
	})
	if err != nil {
		return nil, fmt.Errorf("dialing: %w", err)
	}

	welcome, err := readEvent(dctx, ws)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("reading welcome: %w", err)
	}
	if welcome.Type != "welcome" {
		ws.CloseNow()
		return nil, fmt.Errorf("unexpected first frame %q", welcome.Type)
	}
	if err := writeRequest(dctx, ws, request{Type: "subscribe", RoomID: c.opts.RoomID}); err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	reply, err := readEvent(dctx, ws)
	if err != nil {
		ws.CloseNow()
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	if reply.Type != "subscribed" {
		ws.CloseNow()
		return nil, fmt.Errorf("subscribing: %s: %s", reply.Code, reply.Error)
	}

	c.mu.Lock()
	c.ws = ws
	c.connID = welcome.ConnectionID
	c.mu.Unlock()
	c.setState(StateSubscribed)
	slog.Info("live channel subscribed", "room", c.opts.RoomID, "connection", welcome.ConnectionID)
	return ws, nil
}

// listen merges pushed messages until the socket fails or ctx ends.
func (c *Client) listen(ctx context.Context, ws *websocket.Conn) {
	stop := context.AfterFunc(ctx, func() {
		ws.Close(websocket.StatusNormalClosure, "")
	})
	defer stop()
	defer c.dropConn(ws)

	for {
		ev, err := readEvent(context.Background(), ws)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("live channel lost", "room", c.opts.RoomID, "error", err)
			}
			return
		}
		switch ev.Type {
		case "message":
			if ev.Message != nil {
				c.timeline.Merge(*ev.Message)
			}
		case "ack", "error":
			c.resolve(ev)
		}
	}
}

func (c *Client) dropConn(ws *websocket.Conn) {
	ws.CloseNow()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
		c.connID = ""
	}
	pending := c.pending
	c.pending = make(map[string]chan event)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) resolve(ev event) {
	c.mu.Lock()
	ch, ok := c.pending[ev.RequestID]
	delete(c.pending, ev.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- ev
	}
}

// poll re-fetches history every PollInterval until ctx ends.
func (c *Client) poll(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.fetch(ctx)
		}
	}
}

// fetch merges one page of history after the cursor. Failures are logged
// and retried on the next tick.
func (c *Client) fetch(ctx context.Context) {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()

	msgs, err := c.History(ctx, c.cursor)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("history fetch failed", "room", c.opts.RoomID, "error", err)
		}
		return
	}
	if len(msgs) > 0 {
		c.cursor = msgs[len(msgs)-1].ID
	}
	if added := c.timeline.Merge(msgs...); len(added) > 0 {
		slog.Debug("history merged", "room", c.opts.RoomID, "added", len(added))
	}
}

// History fetches persisted messages after since.
func (c *Client) History(ctx context.Context, since string) ([]store.Message, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if c.opts.HistoryLimit > 0 {
		q.Set("limit", strconv.Itoa(c.opts.HistoryLimit))
	}
	u := c.messagesURL()
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Messages []store.Message `json:"messages"`
	}
	if err := c.do(req, http.StatusOK, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

// Send persists d in the client's room and merges the stored message into
// the timeline. It uses the live socket when subscribed and the REST API
// otherwise.
func (c *Client) Send(ctx context.Context, d store.Draft) (store.Message, error) {
	d.RoomID = c.opts.RoomID

	var (
		m   store.Message
		err error
	)
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		m, err = c.sendLive(ctx, ws, d)
		if errors.Is(err, ErrDisconnected) {
			m, err = c.sendREST(ctx, d)
		}
	} else {
		m, err = c.sendREST(ctx, d)
	}
	if err != nil {
		return store.Message{}, err
	}
	c.timeline.Merge(m)
	return m, nil
}

func (c *Client) sendLive(ctx context.Context, ws *websocket.Conn, d store.Draft) (store.Message, error) {
	id := uuid.NewString()
	ch := make(chan event, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()
	// A write cut short by ctx closes the socket; Run reconnects.
	if err := writeRequest(ctx, ws, request{Type: "publish", RequestID: id, Message: &d}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return store.Message{}, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	select {
	case ev, ok := <-ch:
		if !ok {
			return store.Message{}, ErrDisconnected
		}
		if ev.Type == "error" {
			return store.Message{}, &ServerError{Code: ev.Code, Message: ev.Error}
		}
		if ev.Message == nil {
			return store.Message{}, errors.New("ack without message")
		}
		return *ev.Message, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return store.Message{}, ctx.Err()
	}
}

func (c *Client) sendREST(ctx context.Context, d store.Draft) (store.Message, error) {
	c.mu.Lock()
	connID := c.connID
	c.mu.Unlock()

	payload, err := json.Marshal(struct {
		store.Draft
		ConnectionID string `json:"connectionId,omitempty"`
	}{d, connID})
	if err != nil {
		return store.Message{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(payload))
	if err != nil {
		return store.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var body struct {
		Message store.Message `json:"message"`
	}
	if err := c.do(req, http.StatusCreated, &body); err != nil {
		return store.Message{}, err
	}
	return body.Message, nil
}

func (c *Client) messagesURL() string {
	return c.opts.BaseURL + "/api/v1/rooms/" + url.PathEscape(c.opts.RoomID) + "/messages"
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.opts.Token != "" {
		h.Set("Authorization", "Bearer "+c.opts.Token)
	}
	return h
}

func (c *Client) do(req *http.Request, want int, out any) error {
	for k, v := range c.header() {
		req.Header[k] = v
	}
	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var e struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		return &ServerError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	return json.Unmarshal(data, out)
}

func readEvent(ctx context.Context, ws *websocket.Conn) (event, error) {
	var ev event
	_, data, err := ws.Read(ctx)
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(data, &ev)
	return ev, err
}

func writeRequest(ctx context.Context, ws *websocket.Conn, r request) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}
