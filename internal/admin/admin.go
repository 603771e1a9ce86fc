// Package admin serves the operator API on the loopback health listener:
// live status, connection and room breakdowns, a redacted config view and
// config reload.
package admin

import (
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/cortexuvula/roomrelay/internal/config"
)

// Source is the live view of the relay.
type Source interface {
	Draining() bool
	ActiveConnections(kind string) int
	TotalConnections() int64
	ActiveIPConnections() map[string]int
	RoomSizes() (chatRooms, documentRooms map[string]int)
}

// BreakerReporter reports the persistence circuit breaker state.
type BreakerReporter interface {
	BreakerState() string
}

// Dependencies holds everything the admin API reads from or acts on.
type Dependencies struct {
	Source    Source
	Breaker   BreakerReporter
	Config    func() *config.Config
	Reload    func() error
	Version   string
	BuildTime string
	GitCommit string
	StartTime time.Time
}

type admin struct {
	deps Dependencies
}

// New returns the /admin router.
func New(deps Dependencies) http.Handler {
	a := &admin{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Route("/admin", func(r chi.Router) {
		r.Get("/status", a.status)
		r.Get("/connections", a.connections)
		r.Get("/rooms", a.rooms)
		r.Get("/config", a.configView)
		r.Post("/reload", a.reload)
	})
	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

type statusResponse struct {
	Uptime            string         `json:"uptime"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
	Draining          bool           `json:"draining"`
	ActiveConnections int            `json:"active_connections"`
	Connections       map[string]int `json:"connections"`
	TotalConnections  int64          `json:"total_connections"`
	ChatRooms         int            `json:"chat_rooms"`
	DocumentRooms     int            `json:"document_rooms"`
	BreakerState      string         `json:"breaker_state,omitempty"`
	MemoryMB          float64        `json:"memory_mb"`
	Goroutines        int            `json:"goroutines"`
	Version           string         `json:"version"`
	BuildTime         string         `json:"build_time"`
	GitCommit         string         `json:"git_commit"`
}

func (a *admin) status(w http.ResponseWriter, r *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	src := a.deps.Source
	chatRooms, docRooms := src.RoomSizes()
	uptime := time.Since(a.deps.StartTime)

	resp := statusResponse{
		Uptime:            uptime.Round(time.Second).String(),
		UptimeSeconds:     uptime.Seconds(),
		Draining:          src.Draining(),
		ActiveConnections: src.ActiveConnections(""),
		Connections: map[string]int{
			"chat":     src.ActiveConnections("chat"),
			"document": src.ActiveConnections("document"),
		},
		TotalConnections: src.TotalConnections(),
		ChatRooms:        len(chatRooms),
		DocumentRooms:    len(docRooms),
		MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:       runtime.NumGoroutine(),
		Version:          a.deps.Version,
		BuildTime:        a.deps.BuildTime,
		GitCommit:        a.deps.GitCommit,
	}
	if a.deps.Breaker != nil {
		resp.BreakerState = a.deps.Breaker.BreakerState()
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectionEntry struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

func (a *admin) connections(w http.ResponseWriter, r *http.Request) {
	ipMap := a.deps.Source.ActiveIPConnections()
	entries := make([]connectionEntry, 0, len(ipMap))
	for ip, count := range ipMap {
		entries = append(entries, connectionEntry{IP: ip, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].IP < entries[j].IP
	})
	writeJSON(w, http.StatusOK, entries)
}

type roomEntry struct {
	RoomID  string `json:"roomId"`
	Members int    `json:"members"`
}

type roomsResponse struct {
	Chat     []roomEntry `json:"chat"`
	Document []roomEntry `json:"document"`
}

func (a *admin) rooms(w http.ResponseWriter, r *http.Request) {
	chatRooms, docRooms := a.deps.Source.RoomSizes()
	writeJSON(w, http.StatusOK, roomsResponse{
		Chat:     roomEntries(chatRooms),
		Document: roomEntries(docRooms),
	})
}

// roomEntries sorts by member count, busiest first.
func roomEntries(sizes map[string]int) []roomEntry {
	out := make([]roomEntry, 0, len(sizes))
	for id, n := range sizes {
		out = append(out, roomEntry{RoomID: id, Members: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Members != out[j].Members {
			return out[i].Members > out[j].Members
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out
}

// configResponse is the operator view of the running config. Secrets are
// reported only as set or unset.
type configResponse struct {
	ListenAddress       string   `json:"listen_address"`
	HealthAddress       string   `json:"health_address"`
	AllowedOrigins      []string `json:"allowed_origins"`
	AllowedNetworks     []string `json:"allowed_networks"`
	StoreDriver         string   `json:"store_driver"`
	BreakerEnabled      bool     `json:"breaker_enabled"`
	LogLevel            string   `json:"log_level"`
	MaxConnections      int      `json:"max_connections"`
	MaxConnectionsPerIP int      `json:"max_connections_per_ip"`
	MaxMessageSize      int64    `json:"max_message_size"`
	MaxContentLength    int      `json:"max_content_length"`
	MaxFrameSize        int64    `json:"max_frame_size"`
	RateLimitEnabled    bool     `json:"rate_limit_enabled"`
	ConnectionsPerMin   int      `json:"connections_per_minute"`
	MessagesPerSecond   int      `json:"messages_per_second"`
	AuthTokenSet        bool     `json:"auth_token_set"`
	JWTSecretSet        bool     `json:"jwt_secret_set"`
}

func (a *admin) configView(w http.ResponseWriter, r *http.Request) {
	cfg := a.deps.Config()
	writeJSON(w, http.StatusOK, configResponse{
		ListenAddress:       cfg.Server.ListenAddress,
		HealthAddress:       cfg.Health.ListenAddress,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		AllowedNetworks:     cfg.Security.AllowedNetworks,
		StoreDriver:         cfg.Store.Driver,
		BreakerEnabled:      cfg.Store.Breaker.Enabled,
		LogLevel:            cfg.Logging.Level,
		MaxConnections:      cfg.Security.MaxConnections,
		MaxConnectionsPerIP: cfg.Security.MaxConnectionsPerIP,
		MaxMessageSize:      cfg.Chat.MaxMessageSize,
		MaxContentLength:    cfg.Chat.MaxContentLength,
		MaxFrameSize:        cfg.Document.MaxFrameSize,
		RateLimitEnabled:    cfg.Security.RateLimit.Enabled,
		ConnectionsPerMin:   cfg.Security.RateLimit.ConnectionsPerMinute,
		MessagesPerSecond:   cfg.Security.RateLimit.MessagesPerSecond,
		AuthTokenSet:        cfg.Security.AuthToken != "",
		JWTSecretSet:        cfg.Security.JWTSecret != "",
	})
}

func (a *admin) reload(w http.ResponseWriter, r *http.Request) {
	// Plain form posts are refused.
	if r.Header.Get("Content-Type") != "application/json" {
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]string{"error": "Content-Type must be application/json"})
		return
	}
	if a.deps.Reload == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "reload not available"})
		return
	}
	if err := a.deps.Reload(); err != nil {
		slog.Warn("config reload via admin API failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}
