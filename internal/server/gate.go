package server

import (
	"log/slog"
	"net/http"

	"github.com/cortexuvula/roomrelay/internal/router"
	"github.com/cortexuvula/roomrelay/internal/security"
)

// admit wraps next with the upgrade admission checks. Unroutable requests
// are destroyed like the router does; other rejections get a plain HTTP
// status. Neither reaches a broker.
func (s *Server) admit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.Config()
		clientIP := security.ExtractClientIP(r.RemoteAddr)

		// 0. Unroutable paths are destroyed before any budget is spent
		t, err := router.Resolve(r.URL.Path)
		if err != nil {
			slog.Warn("rejected upgrade", "client_ip", clientIP, "path", r.URL.Path, "error", err)
			s.metrics.Upgrade(router.KindNone.String(), "no_route")
			router.Reject(w, r)
			return
		}
		kind := t.Kind.String()

		// 1. Draining servers admit nothing new
		if s.Draining() {
			s.metrics.Upgrade(kind, "draining")
			http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			return
		}

		// 2. Network allowlist
		if !s.allowList().Allows(r.RemoteAddr) {
			slog.Warn("rejected connection from disallowed network", "client_ip", clientIP)
			s.metrics.Upgrade(kind, "forbidden")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		// 3. Credential check (header first, query param fallback)
		id, err := s.authenticator().Authenticate(r)
		if err != nil {
			slog.Warn("rejected upgrade", "client_ip", clientIP, "path", r.URL.Path, "error", err)
			s.metrics.Upgrade(kind, "unauthorized")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		// 4. Rate limit check, per user when authenticated
		if !s.limiter.Allow(security.LimitKey(id, clientIP)) {
			slog.Warn("rate limit exceeded", "client_ip", clientIP, "user", id.UserID)
			s.metrics.Upgrade(kind, "rate_limited")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		// 5. Connection limits (atomic check-and-reserve)
		if reason := s.tracker.TryAcquire(clientIP, cfg.Security.MaxConnections, cfg.Security.MaxConnectionsPerIP); reason != "" {
			s.metrics.Upgrade(kind, reason)
			if reason == "max_connections" {
				slog.Warn("max connections reached", "current", s.tracker.Slots(), "max", cfg.Security.MaxConnections)
				http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
			} else {
				slog.Warn("max connections per IP reached", "client_ip", clientIP, "current", s.tracker.SlotsForIP(clientIP))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			}
			return
		}
		defer s.tracker.Release(clientIP)

		next.ServeHTTP(w, r.WithContext(security.WithIdentity(r.Context(), id)))
	})
}
