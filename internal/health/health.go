package health

import (
	"context"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/goccy/go-json"
)

// Source reports live connection and room counts.
type Source interface {
	// ActiveConnections returns open sockets of kind, or of every kind for "".
	ActiveConnections(kind string) int
	TotalConnections() int64
	Rooms() (chat, document int)
	Draining() bool
}

// StoreChecker reports message store reachability.
type StoreChecker interface {
	Ping(ctx context.Context) error
	BreakerState() string
}

// Response is the JSON response from the /health endpoint.
type Response struct {
	Status            string         `json:"status"`
	Uptime            string         `json:"uptime"`
	ActiveConnections int            `json:"active_connections"`
	Connections       map[string]int `json:"connections"`
	StoreReachable    bool           `json:"store_reachable"`
	BreakerState      string         `json:"breaker_state"`
	Version           string         `json:"version,omitempty"`
	Timestamp         string         `json:"timestamp"`
	Details           *Details       `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	ChatRooms        int     `json:"chat_rooms"`
	DocumentRooms    int     `json:"document_rooms"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime time.Time
	source    Source
	store     StoreChecker
	version   string
	detailed  bool
	timeout   time.Duration
}

// NewHandler creates a new health check handler.
func NewHandler(src Source, st StoreChecker, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		source:    src,
		store:     st,
		version:   version,
		detailed:  detailed,
		timeout:   3 * time.Second,
	}
}

// ServeHTTP handles health check requests. It answers 503 while the store
// is unreachable, the breaker is open, or the server is draining.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())
	breaker := h.store.BreakerState()

	status := "ok"
	httpCode := http.StatusOK
	switch {
	case h.source.Draining():
		status = "draining"
		httpCode = http.StatusServiceUnavailable
	case !storeOK || breaker == "open":
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.source.ActiveConnections(""),
		Connections: map[string]int{
			"chat":     h.source.ActiveConnections("chat"),
			"document": h.source.ActiveConnections("document"),
		},
		StoreReachable: storeOK,
		BreakerState:   breaker,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		chatRooms, docRooms := h.source.Rooms()
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.source.TotalConnections(),
			ChatRooms:        chatRooms,
			DocumentRooms:    docRooms,
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Debug("failed to write health response", "error", err)
	}
}

func (h *Handler) checkStore(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
