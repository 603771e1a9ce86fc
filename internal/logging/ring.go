package logging

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Record is one captured log line.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`

	level slog.Level
}

// Ring keeps the most recent log records in a fixed-size circular buffer.
type Ring struct {
	mu      sync.RWMutex
	records []Record
	next    int
	size    int
}

// NewRing creates a ring holding up to capacity records. A capacity below one
// is raised to one.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{records: make([]Record, capacity)}
}

func (r *Ring) add(rec Record) {
	r.mu.Lock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.size < len(r.records) {
		r.size++
	}
	r.mu.Unlock()
}

// Len returns how many records are held.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Recent returns up to limit records at or above minLevel, newest first.
// limit <= 0 means no limit.
func (r *Ring) Recent(limit int, minLevel slog.Level) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Record
	for i := 0; i < r.size; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		rec := r.records[(r.next-1-i+len(r.records))%len(r.records)]
		if rec.level < minLevel {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// ServeHTTP renders the ring as JSON. Query parameters: limit, level.
func (r *Ring) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	level := ParseLevel(strings.ToLower(req.URL.Query().Get("level")))
	if req.URL.Query().Get("level") == "" {
		level = slog.LevelDebug
	}

	records := r.Recent(limit, level)
	if records == nil {
		records = []Record{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"records": records})
}

// teeHandler forwards to inner and copies every handled record into the ring.
type teeHandler struct {
	inner  slog.Handler
	ring   *Ring
	attrs  []slog.Attr
	prefix string
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	captured := Record{
		Time:    rec.Time,
		Level:   rec.Level.String(),
		Message: rec.Message,
		level:   rec.Level,
	}
	if len(h.attrs) > 0 || rec.NumAttrs() > 0 {
		captured.Attrs = make(map[string]any, len(h.attrs)+rec.NumAttrs())
		for _, a := range h.attrs {
			captured.Attrs[a.Key] = a.Value.Resolve().Any()
		}
		rec.Attrs(func(a slog.Attr) bool {
			captured.Attrs[h.prefix+a.Key] = a.Value.Resolve().Any()
			return true
		})
	}
	h.ring.add(captured)
	return h.inner.Handle(ctx, rec)
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next = append(next, h.attrs...)
	for _, a := range attrs {
		next = append(next, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &teeHandler{inner: h.inner.WithAttrs(attrs), ring: h.ring, attrs: next, prefix: h.prefix}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &teeHandler{inner: h.inner.WithGroup(name), ring: h.ring, attrs: h.attrs, prefix: h.prefix + name + "."}
}
