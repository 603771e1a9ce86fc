// Package api is the REST surface the UI uses next to the chat socket:
// room get-or-create, history fetch and message send.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"

	"github.com/cortexuvula/roomrelay/internal/chat"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// Publisher persists a message and fans it out to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, excludeID string, d store.Draft) (store.Message, error)
}

// Options configures the API.
type Options struct {
	AllowedOrigins []string
	// RequestsPerMinute is the per-IP request budget; 0 disables limiting.
	RequestsPerMinute int
	// HistoryLimit is the default and maximum page size for history.
	HistoryLimit int
	MaxBodyBytes int64
	// Authenticator returns the current authenticator. Nil means open access.
	Authenticator func() *security.Authenticator
}

type api struct {
	store     store.Store
	publisher Publisher
	opts      Options
}

// New returns the /api/v1 router.
func New(st store.Store, pub Publisher, opts Options) http.Handler {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	a := &api{store: st, publisher: pub, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   originsOrAll(opts.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if opts.RequestsPerMinute > 0 {
		r.Use(httprate.Limit(opts.RequestsPerMinute, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			}),
		))
	}
	r.Use(a.authenticate)

	r.Route("/api/v1/rooms", func(r chi.Router) {
		r.Post("/", a.getOrCreateRoom)
		r.Route("/{roomId}", func(r chi.Router) {
			r.Get("/", a.getRoom)
			r.Get("/messages", a.listMessages)
			r.Post("/messages", a.sendMessage)
		})
	})
	return r
}

func originsOrAll(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (a *api) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.opts.Authenticator == nil || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		id, err := a.opts.Authenticator().Authenticate(r)
		if err != nil {
			slog.Warn("rejected api request", "client_ip", security.ExtractClientIP(r.RemoteAddr), "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing token")
			return
		}
		next.ServeHTTP(w, r.WithContext(security.WithIdentity(r.Context(), id)))
	})
}

type roomRequest struct {
	ProjectID string `json:"projectId"`
	TeamID    string `json:"teamId"`
	UserID    string `json:"userId"`
	Name      string `json:"name"`
}

func (a *api) getOrCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !a.decode(w, r, &req) {
		return
	}
	userID := req.UserID
	if id := security.IdentityFrom(r.Context()); !id.Anonymous() {
		userID = id.UserID
	}
	room, err := a.store.GetOrCreateRoom(r.Context(), store.Scope{ProjectID: req.ProjectID, TeamID: req.TeamID}, userID, req.Name)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (a *api) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := a.store.GetRoom(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"room": room})
}

func (a *api) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := a.opts.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, a.opts.HistoryLimit)
	}
	msgs, err := a.store.FetchHistory(r.Context(), chi.URLParam(r, "roomId"), r.URL.Query().Get("since"), limit)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendRequest struct {
	store.Draft
	// ConnectionID names the sender's chat socket so it gets no echo.
	ConnectionID string `json:"connectionId"`
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !a.decode(w, r, &req) {
		return
	}
	d := req.Draft
	d.RoomID = chi.URLParam(r, "roomId")
	chat.ApplyIdentity(&d, security.IdentityFrom(r.Context()))

	// The write must complete even if the client goes away.
	msg, err := a.publisher.Publish(context.WithoutCancel(r.Context()), req.ConnectionID, d)
	if err != nil {
		a.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (a *api) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, a.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed JSON body")
		return false
	}
	return true
}

func (a *api) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, chat.CodeInvalidMessage, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "room not found")
	case errors.Is(err, store.ErrPersist):
		slog.Error("message persist failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusServiceUnavailable, chat.CodePersistFailed, "message could not be saved")
	default:
		slog.Error("store request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"code": code, "error": msg})
}
