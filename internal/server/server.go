// Package server assembles the public listener: upgrade admission, the
// connection router, the REST API and static files.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/api"
	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/config"
	"github.com/cortexuvula/roomrelay/internal/document"
	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/peer"
	"github.com/cortexuvula/roomrelay/internal/router"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// Server owns the brokers and the admission state for one listener.
type Server struct {
	bridge   *store.Bridge
	chat     *chat.Hub
	docs     *document.Hub
	tracker  *Tracker
	limiter  *security.RateLimiter
	metrics  *metrics.Metrics
	draining atomic.Bool

	upgrades http.Handler
	rest     http.Handler

	// mu protects the reloadable state below.
	mu    sync.RWMutex
	cfg   *config.Config
	auth  *security.Authenticator
	allow *security.AllowList
}

// New builds a server over bridge. m may be nil.
func New(cfg *config.Config, bridge *store.Bridge, m *metrics.Metrics) (*Server, error) {
	auth, err := security.NewAuthenticator(cfg.Security)
	if err != nil {
		return nil, fmt.Errorf("configuring authentication: %w", err)
	}
	allow, err := security.ParseAllowList(cfg.Security.AllowedNetworks)
	if err != nil {
		return nil, fmt.Errorf("parsing allowed networks: %w", err)
	}

	s := &Server{
		bridge:  bridge,
		chat:    chat.NewHub(bridge, m),
		docs:    document.NewHub(m),
		tracker: NewTracker(m),
		limiter: security.NewRateLimiter(security.PerMinute(connectionsPerMinute(cfg))),
		metrics: m,
		cfg:     cfg,
		auth:    auth,
		allow:   allow,
	}

	chatHandler := &chat.Handler{Hub: s.chat, Options: s.chatOptions, Observer: s.tracker}
	docHandler := &document.Handler{Hub: s.docs, Options: s.documentOptions, Observer: s.tracker}
	s.upgrades = s.admit(router.New(chatHandler, docHandler, m))

	mux := http.NewServeMux()
	mux.Handle("/api/", api.New(bridge, s.chat, api.Options{
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: apiRequestsPerMinute(cfg),
		HistoryLimit:      cfg.Chat.HistoryLimit,
		MaxBodyBytes:      cfg.Chat.MaxMessageSize,
		Authenticator:     s.authenticator,
	}))
	if cfg.Server.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(cfg.Server.StaticDir)))
	}
	s.rest = mux

	return s, nil
}

func connectionsPerMinute(cfg *config.Config) int {
	if !cfg.Security.RateLimit.Enabled {
		return 0
	}
	return cfg.Security.RateLimit.ConnectionsPerMinute
}

func apiRequestsPerMinute(cfg *config.Config) int {
	if !cfg.Security.RateLimit.Enabled {
		return 0
	}
	return cfg.Security.RateLimit.APIRequestsPerMinute
}

// ServeHTTP sends WebSocket upgrades through admission and the router and
// everything else to the API or static files.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketUpgrade(r) {
		s.upgrades.ServeHTTP(w, r)
		return
	}
	s.rest.ServeHTTP(w, r)
}

// Config returns the current config (thread-safe for hot-reload).
func (s *Server) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *Server) authenticator() *security.Authenticator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.auth
}

func (s *Server) allowList() *security.AllowList {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.allow
}

// UpdateConfig applies a reloaded config. Fields that need a restart are
// ignored; see config.IsReloadSafe.
func (s *Server) UpdateConfig(cfg *config.Config) error {
	allow, err := security.ParseAllowList(cfg.Security.AllowedNetworks)
	if err != nil {
		return fmt.Errorf("parsing allowed networks: %w", err)
	}

	s.mu.Lock()
	s.cfg = cfg
	s.allow = allow
	s.auth = s.auth.WithToken(cfg.Security.AuthToken)
	s.mu.Unlock()

	s.limiter.UpdateRate(security.PerMinute(connectionsPerMinute(cfg)))
	s.bridge.SetMaxContentLength(cfg.Chat.MaxContentLength)
	return nil
}

// Drain stops admitting upgrades, closes every live socket with
// StatusGoingAway and waits for their handlers to return or ctx to end.
func (s *Server) Drain(ctx context.Context) error {
	s.draining.Store(true)
	n := s.tracker.CloseAll(websocket.StatusGoingAway, "server shutting down")
	slog.Info("draining connections", "count", n)
	return s.tracker.Wait(ctx)
}

// Close stops background work. The store is closed by its owner.
func (s *Server) Close() {
	s.limiter.Stop()
}

// Draining reports whether Drain has been called.
func (s *Server) Draining() bool { return s.draining.Load() }

// ActiveConnections returns open sockets of kind, or of every kind for "".
func (s *Server) ActiveConnections(kind string) int { return s.tracker.Active(kind) }

// TotalConnections returns the number of admitted upgrades since start.
func (s *Server) TotalConnections() int64 { return s.tracker.TotalConnections() }

// Rooms returns the number of live chat and document rooms.
func (s *Server) Rooms() (chatRooms, documentRooms int) {
	return s.chat.RoomCount(), s.docs.RoomCount()
}

// ActiveIPConnections returns open sockets per client IP.
func (s *Server) ActiveIPConnections() map[string]int { return s.tracker.ActiveIPConnections() }

// RoomSizes returns member counts per live room for the chat and document
// brokers.
func (s *Server) RoomSizes() (chatRooms, documentRooms map[string]int) {
	return s.chat.RoomSizes(), s.docs.RoomSizes()
}

func (s *Server) chatOptions(r *http.Request) peer.Options {
	cfg := s.Config()
	return peer.Options{
		ClientIP:          security.ExtractClientIP(r.RemoteAddr),
		Identity:          security.IdentityFrom(r.Context()),
		SendQueue:         cfg.Chat.SendQueueSize,
		ReadLimit:         cfg.Chat.MaxMessageSize,
		PingInterval:      cfg.Chat.PingInterval,
		PongTimeout:       cfg.Chat.PongTimeout,
		WriteTimeout:      cfg.Chat.WriteTimeout,
		MessagesPerSecond: messagesPerSecond(cfg),
		OriginPatterns:    originPatterns(cfg.Server.AllowedOrigins),
	}
}

func (s *Server) documentOptions(r *http.Request) peer.Options {
	cfg := s.Config()
	return peer.Options{
		ClientIP:          security.ExtractClientIP(r.RemoteAddr),
		Identity:          security.IdentityFrom(r.Context()),
		SendQueue:         cfg.Document.SendQueueSize,
		ReadLimit:         cfg.Document.MaxFrameSize,
		PingInterval:      cfg.Document.PingInterval,
		PongTimeout:       cfg.Document.PongTimeout,
		WriteTimeout:      cfg.Document.WriteTimeout,
		MessagesPerSecond: messagesPerSecond(cfg),
		OriginPatterns:    originPatterns(cfg.Server.AllowedOrigins),
	}
}

func messagesPerSecond(cfg *config.Config) int {
	if !cfg.Security.RateLimit.Enabled {
		return 0
	}
	return cfg.Security.RateLimit.MessagesPerSecond
}

// originPatterns converts configured origins to websocket.Accept host
// patterns. No origins means any origin is accepted.
func originPatterns(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if i := strings.Index(o, "://"); i >= 0 {
			o = o[i+3:]
		}
		out = append(out, strings.TrimSuffix(o, "/"))
	}
	return out
}

// isWebSocketUpgrade returns true if the request is a WebSocket upgrade per RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		headerContains(r.Header, "Connection", "upgrade")
}

// headerContains checks whether the header key contains the given value
// as a comma-separated token (case-insensitive).
func headerContains(h http.Header, key, value string) bool {
	for _, v := range h[http.CanonicalHeaderKey(key)] {
		for _, s := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(s), value) {
				return true
			}
		}
	}
	return false
}
