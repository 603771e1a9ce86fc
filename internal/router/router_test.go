package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		path string
		kind Kind
		room string
	}{
		{"/ws/chat", KindChat, ""},
		{"/ws/yjs/doc-1", KindDocument, "doc-1"},
		{"/ws/yjs/project:42:notes", KindDocument, "project:42:notes"},
		{"/ws/yjs/", KindNone, ""},
		{"/ws/yjs", KindNone, ""},
		{"/ws/yjs/a/b", KindNone, ""},
		{"/ws/yjs/..", KindNone, ""},
		{"/ws/yjs/has space", KindNone, ""},
		{"/ws/yjs/" + strings.Repeat("x", maxRoomIDLen+1), KindNone, ""},
		{"/ws/chat/", KindNone, ""},
		{"/ws/chatroom", KindNone, ""},
		{"/ws/unknown", KindNone, ""},
		{"/WS/CHAT", KindNone, ""},
		{"/", KindNone, ""},
		{"", KindNone, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Resolve(tt.path)
			if tt.kind == KindNone {
				if !errors.Is(err, ErrNoRoute) {
					t.Fatalf("Resolve(%q) err = %v, want ErrNoRoute", tt.path, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q): %v", tt.path, err)
			}
			if got.Kind != tt.kind || got.RoomID != tt.room {
				t.Errorf("Resolve(%q) = %+v, want kind %v room %q", tt.path, got, tt.kind, tt.room)
			}
		})
	}
}

// Every table entry must be reachable and nothing outside it may resolve.
func TestRoutesExhaustive(t *testing.T) {
	seen := map[Kind]bool{}
	for _, rt := range Routes() {
		path := rt.Pattern
		if rt.Prefix {
			path += "room"
		}
		got, err := Resolve(path)
		if err != nil || got.Kind != rt.Kind {
			t.Errorf("route %+v not reachable: %+v, %v", rt, got, err)
		}
		seen[rt.Kind] = true
	}
	if !seen[KindChat] || !seen[KindDocument] {
		t.Errorf("routing table missing a broker: %v", seen)
	}
}

func TestKindString(t *testing.T) {
	if KindChat.String() != "chat" || KindDocument.String() != "document" || KindNone.String() != "none" {
		t.Error("unexpected kind names")
	}
}

type recorder struct {
	mu      sync.Mutex
	targets []Target
}

func (rc *recorder) ServeUpgrade(w http.ResponseWriter, r *http.Request, t Target) {
	rc.mu.Lock()
	rc.targets = append(rc.targets, t)
	rc.mu.Unlock()
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	for {
		typ, data, err := c.Read(context.Background())
		if err != nil {
			return
		}
		c.Write(context.Background(), typ, data)
	}
}

func (rc *recorder) got() []Target {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]Target(nil), rc.targets...)
}

func TestServeHTTPDispatch(t *testing.T) {
	chat, doc := &recorder{}, &recorder{}
	srv := httptest.NewServer(New(chat, doc, nil))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, _, err := websocket.Dial(ctx, base+"/ws/chat", nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	defer c1.CloseNow()
	c2, _, err := websocket.Dial(ctx, base+"/ws/yjs/doc-7", nil)
	if err != nil {
		t.Fatalf("dial document: %v", err)
	}
	defer c2.CloseNow()

	if got := chat.got(); len(got) != 1 || got[0].Kind != KindChat {
		t.Errorf("chat targets = %+v", got)
	}
	if got := doc.got(); len(got) != 1 || got[0].RoomID != "doc-7" {
		t.Errorf("document targets = %+v", got)
	}
}

// An unknown path is dropped without disturbing live connections.
func TestUnknownPathRejectedWithoutAffectingOthers(t *testing.T) {
	chat, doc := &recorder{}, &recorder{}
	srv := httptest.NewServer(New(chat, doc, nil))
	defer srv.Close()
	base := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	live, _, err := websocket.Dial(ctx, base+"/ws/chat", nil)
	if err != nil {
		t.Fatalf("dial chat: %v", err)
	}
	defer live.CloseNow()

	if _, _, err := websocket.Dial(ctx, base+"/ws/unknown", nil); err == nil {
		t.Fatal("upgrade to /ws/unknown succeeded")
	}
	if _, _, err := websocket.Dial(ctx, base+"/ws/yjs/", nil); err == nil {
		t.Fatal("upgrade to /ws/yjs/ succeeded")
	}

	if err := live.Write(ctx, websocket.MessageText, []byte("still here")); err != nil {
		t.Fatalf("write on live connection: %v", err)
	}
	_, data, err := live.Read(ctx)
	if err != nil || string(data) != "still here" {
		t.Fatalf("live connection echo = %q, %v", data, err)
	}
	if n := len(chat.got()) + len(doc.got()); n != 1 {
		t.Errorf("handlers invoked %d times, want 1", n)
	}
}

func TestRejectFallsBackTo404(t *testing.T) {
	rec := httptest.NewRecorder()
	New(nil, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMissingHandlerIsNoRoute(t *testing.T) {
	rec := httptest.NewRecorder()
	New(&recorder{}, nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/yjs/doc", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
