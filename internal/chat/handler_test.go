package chat

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/cortexuvula/roomrelay/internal/peer"
	"github.com/cortexuvula/roomrelay/internal/router"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

type testClient struct {
	t    *testing.T
	ws   *websocket.Conn
	id   string
	ctx  context.Context
	stop context.CancelFunc
}

func startServer(t *testing.T, p Persister, opts peer.Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(p, nil)
	h := &Handler{Hub: hub, Options: func(r *http.Request) peer.Options {
		o := opts
		o.ClientIP = security.ExtractClientIP(r.RemoteAddr)
		o.Identity = security.IdentityFrom(r.Context())
		return o
	}}
	srv := httptest.NewServer(router.New(h, nil, nil))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + router.ChatPath
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, ws: ws, ctx: ctx, stop: cancel}
	t.Cleanup(func() { ws.CloseNow(); cancel() })

	welcome := c.read()
	if welcome.Type != typeWelcome || welcome.ConnectionID == "" {
		t.Fatalf("first frame = %+v, want welcome", welcome)
	}
	c.id = welcome.ConnectionID
	return c
}

func (c *testClient) send(v any) {
	c.t.Helper()
	data, _ := json.Marshal(v)
	if err := c.ws.Write(c.ctx, websocket.MessageText, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read() outbound {
	c.t.Helper()
	_, data, err := c.ws.Read(c.ctx)
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var f outbound
	if err := json.Unmarshal(data, &f); err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

// expectSilence asserts no frame arrives within d. The expired read closes
// the connection, so it must be the client's last call.
func (c *testClient) expectSilence(d time.Duration) {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(c.ctx, d)
	defer cancel()
	if _, data, err := c.ws.Read(ctx); err == nil {
		c.t.Fatalf("unexpected frame %s", data)
	}
}

func (c *testClient) subscribe(room string) {
	c.t.Helper()
	c.send(inbound{Type: typeSubscribe, RoomID: room})
	if f := c.read(); f.Type != typeSubscribed || f.RoomID != room {
		c.t.Fatalf("subscribe reply = %+v", f)
	}
}

func publishFrame(req, content string) inbound {
	return inbound{Type: typePublish, RequestID: req, Message: &store.Draft{
		SenderID: "u-a", SenderName: "Alice", SenderType: store.SenderUser, Content: content,
	}}
}

func TestTwoClientsExchangeMessage(t *testing.T) {
	_, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	a, b := dial(t, url), dial(t, url)
	a.subscribe("room-42")
	b.subscribe("room-42")

	sent := time.Now()
	a.send(publishFrame("req-1", "hi"))

	ack := a.read()
	if ack.Type != typeAck || ack.RequestID != "req-1" || ack.Message == nil {
		t.Fatalf("ack = %+v", ack)
	}

	got := b.read()
	if got.Type != typeMessage || got.Message == nil {
		t.Fatalf("delivery = %+v", got)
	}
	m := got.Message
	if m.Content != "hi" || m.RoomID != "room-42" || m.ID == "" || m.ID != ack.Message.ID {
		t.Errorf("delivered message = %+v", m)
	}
	if d := m.Timestamp.Sub(sent); d < -time.Second || d > time.Second {
		t.Errorf("timestamp %v not within 1s of send", m.Timestamp)
	}

	a.expectSilence(100 * time.Millisecond)
}

func TestPersistFailureReachesSenderOnly(t *testing.T) {
	_, url := startServer(t, failingStore{}, peer.Options{})
	a, b := dial(t, url), dial(t, url)
	a.subscribe("room-42")
	b.subscribe("room-42")

	a.send(publishFrame("req-9", "lost"))
	f := a.read()
	if f.Type != typeError || f.RequestID != "req-9" || f.Code != CodePersistFailed {
		t.Fatalf("sender frame = %+v", f)
	}
	b.expectSilence(200 * time.Millisecond)
}

func TestProtocolErrors(t *testing.T) {
	_, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	c := dial(t, url)

	c.send(publishFrame("p1", "before subscribe"))
	if f := c.read(); f.Code != CodeNotSubscribed || f.RequestID != "p1" {
		t.Errorf("publish without room = %+v", f)
	}

	if err := c.ws.Write(c.ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if f := c.read(); f.Code != CodeBadRequest {
		t.Errorf("malformed frame = %+v", f)
	}

	c.send(inbound{Type: typeSubscribe})
	if f := c.read(); f.Code != CodeBadRequest {
		t.Errorf("subscribe without room = %+v", f)
	}

	c.send(inbound{Type: "dance"})
	if f := c.read(); f.Code != CodeBadRequest {
		t.Errorf("unknown type = %+v", f)
	}

	c.subscribe("r")
	bad := publishFrame("p2", "")
	bad.Message.Content = ""
	c.send(bad)
	if f := c.read(); f.Code != CodeInvalidMessage || f.RequestID != "p2" {
		t.Errorf("empty message = %+v", f)
	}

	c.send(inbound{Type: typePing, RequestID: "ping-1"})
	if f := c.read(); f.Type != typePong || f.RequestID != "ping-1" {
		t.Errorf("ping reply = %+v", f)
	}
}

func TestUnsubscribeAndSwitchRooms(t *testing.T) {
	hub, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	a, b := dial(t, url), dial(t, url)
	a.subscribe("r1")
	b.subscribe("r1")
	b.subscribe("r2")

	if hub.RoomOf(b.id) != "r2" {
		t.Fatalf("b in %q, want r2", hub.RoomOf(b.id))
	}
	a.send(publishFrame("x", "to r1"))
	a.read() // ack
	b.expectSilence(100 * time.Millisecond)

	a.send(inbound{Type: typeUnsubscribe, RoomID: "r1"})
	if f := a.read(); f.Type != typeUnsubscribed || f.RoomID != "r1" {
		t.Errorf("unsubscribe reply = %+v", f)
	}
	if hub.RoomOf(a.id) != "" {
		t.Error("a still subscribed")
	}
}

func TestUnsubscribeFromOtherRoomIsRefused(t *testing.T) {
	hub, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	a := dial(t, url)

	a.send(inbound{Type: typeUnsubscribe, RequestID: "u0"})
	if f := a.read(); f.Type != typeError || f.Code != CodeNotSubscribed || f.RequestID != "u0" {
		t.Errorf("unsubscribe without a room = %+v", f)
	}

	a.subscribe("r1")
	a.send(inbound{Type: typeUnsubscribe, RoomID: "r2", RequestID: "u1"})
	if f := a.read(); f.Type != typeError || f.Code != CodeNotSubscribed || f.RequestID != "u1" {
		t.Errorf("unsubscribe from another room = %+v", f)
	}
	if hub.RoomOf(a.id) != "r1" {
		t.Errorf("a moved to %q, want r1", hub.RoomOf(a.id))
	}
}

func TestSubscribeRoomIDBoundMatchesPublish(t *testing.T) {
	hub, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	a := dial(t, url)

	a.send(inbound{Type: typeSubscribe, RoomID: strings.Repeat("r", store.MaxRoomIDLen+1), RequestID: "s1"})
	if f := a.read(); f.Type != typeError || f.Code != CodeBadRequest || f.RequestID != "s1" {
		t.Errorf("oversized room subscribe = %+v", f)
	}
	if hub.RoomOf(a.id) != "" {
		t.Errorf("a joined %q", hub.RoomOf(a.id))
	}

	a.subscribe(strings.Repeat("r", store.MaxRoomIDLen))
	a.send(publishFrame("p1", "fits"))
	if f := a.read(); f.Type != typeAck || f.RequestID != "p1" {
		t.Errorf("publish in room at the limit = %+v", f)
	}
}

func TestPublishFailureLogsSubscribedRoom(t *testing.T) {
	var buf syncBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	_, url := startServer(t, failingStore{}, peer.Options{})
	a := dial(t, url)
	a.subscribe("r-logged")
	a.send(publishFrame("p1", "lost"))
	if f := a.read(); f.Code != CodePersistFailed {
		t.Fatalf("reply = %+v, want persist_failed", f)
	}
	if out := buf.String(); !strings.Contains(out, `"room":"r-logged"`) {
		t.Errorf("publish failure log lacks room: %s", out)
	}
}

func TestCloseRemovesMembership(t *testing.T) {
	hub, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{})
	a, b := dial(t, url), dial(t, url)
	a.subscribe("r")
	b.subscribe("r")

	b.ws.Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(5 * time.Second)
	for hub.RoomOf(b.id) != "" {
		if time.Now().After(deadline) {
			t.Fatal("closed connection still subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.Members("r"); len(got) != 1 || got[0] != a.id {
		t.Errorf("members after close = %v", got)
	}
}

func TestRateLimitedPublish(t *testing.T) {
	_, url := startServer(t, store.NewBridge(store.NewMemoryBackend(0), store.BridgeOptions{}), peer.Options{MessagesPerSecond: 1})
	c := dial(t, url)
	c.subscribe("r") // consumes the single token

	c.send(publishFrame("p", "too soon"))
	if f := c.read(); f.Code != CodeRateLimited || f.RequestID != "p" {
		t.Errorf("reply = %+v, want rate_limited", f)
	}
}

func TestApplyIdentity(t *testing.T) {
	d := store.Draft{SenderID: "spoofed", SenderName: "Spoof", SenderType: store.SenderUser}
	ApplyIdentity(&d, security.Identity{UserID: "u1", Name: "Ada"})
	if d.SenderID != "u1" || d.SenderName != "Ada" {
		t.Errorf("user draft = %+v", d)
	}

	ai := store.Draft{SenderID: "assistant", SenderName: "Helper", SenderType: store.SenderAI}
	ApplyIdentity(&ai, security.Identity{UserID: "u1", Name: "Ada"})
	if ai.SenderID != "assistant" {
		t.Errorf("ai draft rewritten: %+v", ai)
	}

	anon := store.Draft{SenderID: "x", SenderType: store.SenderUser}
	ApplyIdentity(&anon, security.Identity{})
	if anon.SenderID != "x" {
		t.Errorf("anonymous caller rewrote sender: %+v", anon)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
