package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
)

type fakeSource struct {
	chat, document int
	total          int64
	chatRooms      int
	docRooms       int
	draining       bool
}

func (f *fakeSource) ActiveConnections(kind string) int {
	switch kind {
	case "chat":
		return f.chat
	case "document":
		return f.document
	default:
		return f.chat + f.document
	}
}
func (f *fakeSource) TotalConnections() int64 { return f.total }
func (f *fakeSource) Rooms() (int, int)       { return f.chatRooms, f.docRooms }
func (f *fakeSource) Draining() bool          { return f.draining }

type fakeStore struct {
	err     error
	breaker string
}

func (f *fakeStore) Ping(context.Context) error { return f.err }
func (f *fakeStore) BreakerState() string       { return f.breaker }

func serve(t *testing.T, h *Handler) (int, Response) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return rec.Code, resp
}

func TestHealthHandler_Healthy(t *testing.T) {
	h := NewHandler(&fakeSource{}, &fakeStore{breaker: "closed"}, "test-version", true)

	code, resp := serve(t, h)
	if code != http.StatusOK {
		t.Errorf("status code = %d, want %d", code, http.StatusOK)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if !resp.StoreReachable {
		t.Error("store_reachable should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveConnections != 0 {
		t.Errorf("active_connections = %d, want 0", resp.ActiveConnections)
	}
	if resp.Details == nil {
		t.Error("details should not be nil")
	}
}

func TestHealthHandler_StoreDown(t *testing.T) {
	h := NewHandler(&fakeSource{}, &fakeStore{err: errors.New("connection refused"), breaker: "closed"}, "v", false)

	code, resp := serve(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.StoreReachable {
		t.Error("store_reachable should be false")
	}
}

func TestHealthHandler_BreakerOpen(t *testing.T) {
	h := NewHandler(&fakeSource{}, &fakeStore{breaker: "open"}, "v", false)

	code, resp := serve(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if resp.BreakerState != "open" {
		t.Errorf("breaker_state = %q, want open", resp.BreakerState)
	}
}

func TestHealthHandler_Draining(t *testing.T) {
	h := NewHandler(&fakeSource{draining: true}, &fakeStore{breaker: "closed"}, "v", false)

	code, resp := serve(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if resp.Status != "draining" {
		t.Errorf("status = %q, want %q", resp.Status, "draining")
	}
}

func TestHealthHandler_WithConnections(t *testing.T) {
	src := &fakeSource{chat: 2, document: 3, total: 9, chatRooms: 1, docRooms: 2}
	h := NewHandler(src, &fakeStore{breaker: "disabled"}, "v", true)

	_, resp := serve(t, h)
	if resp.ActiveConnections != 5 {
		t.Errorf("active_connections = %d, want 5", resp.ActiveConnections)
	}
	if resp.Connections["chat"] != 2 || resp.Connections["document"] != 3 {
		t.Errorf("connections = %v", resp.Connections)
	}
	if resp.Details.TotalConnections != 9 {
		t.Errorf("total_connections = %d, want 9", resp.Details.TotalConnections)
	}
	if resp.Details.ChatRooms != 1 || resp.Details.DocumentRooms != 2 {
		t.Errorf("rooms = %d/%d, want 1/2", resp.Details.ChatRooms, resp.Details.DocumentRooms)
	}
}

func TestHealthHandler_NotDetailed(t *testing.T) {
	h := NewHandler(&fakeSource{}, &fakeStore{breaker: "closed"}, "v", false)

	_, resp := serve(t, h)
	if resp.Details != nil {
		t.Error("details should be omitted")
	}
	if resp.Version != "" {
		t.Errorf("version = %q, want empty", resp.Version)
	}
}
