// Package router maps WebSocket upgrade paths to the broker that owns them.
package router

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode"

	"github.com/cortexuvula/roomrelay/internal/metrics"
	"github.com/cortexuvula/roomrelay/internal/security"
)

// ErrNoRoute is returned for paths no broker serves.
var ErrNoRoute = errors.New("no route")

const (
	ChatPath       = "/ws/chat"
	DocumentPrefix = "/ws/yjs/"

	maxRoomIDLen = 256
)

// Kind identifies a broker.
type Kind int

const (
	KindNone Kind = iota
	KindChat
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindDocument:
		return "document"
	default:
		return "none"
	}
}

// Target is a resolved route. RoomID is empty for chat, whose room is chosen
// after the handshake.
type Target struct {
	Kind   Kind
	RoomID string
}

// Route is one entry of the routing table. An exact route matches its
// pattern only; a prefix route matches the pattern followed by one room
// segment.
type Route struct {
	Kind    Kind
	Pattern string
	Prefix  bool
}

// table is ordered most specific first.
var table = []Route{
	{Kind: KindChat, Pattern: ChatPath},
	{Kind: KindDocument, Pattern: DocumentPrefix, Prefix: true},
}

// Routes returns a copy of the routing table.
func Routes() []Route {
	return append([]Route(nil), table...)
}

// Resolve maps a request path to a Target. Exact "/ws/chat" selects the chat
// broker; "/ws/yjs/<roomId>" selects the document broker for a single
// nonempty segment. Everything else is ErrNoRoute.
func Resolve(path string) (Target, error) {
	for _, rt := range table {
		if !rt.Prefix {
			if path == rt.Pattern {
				return Target{Kind: rt.Kind}, nil
			}
			continue
		}
		room, ok := strings.CutPrefix(path, rt.Pattern)
		if !ok {
			continue
		}
		if err := validRoomID(room); err != nil {
			return Target{}, fmt.Errorf("%w: %s: %v", ErrNoRoute, path, err)
		}
		return Target{Kind: rt.Kind, RoomID: room}, nil
	}
	return Target{}, fmt.Errorf("%w: %s", ErrNoRoute, path)
}

func validRoomID(room string) error {
	switch {
	case room == "":
		return errors.New("missing room segment")
	case len(room) > maxRoomIDLen:
		return errors.New("room segment too long")
	case strings.Contains(room, "/"):
		return errors.New("room segment contains '/'")
	case room == "." || room == "..":
		return errors.New("invalid room segment")
	}
	for _, r := range room {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.New("room segment contains control or space characters")
		}
	}
	return nil
}

// Handler accepts an upgrade the router resolved for it. Nothing has been
// read from the connection when ServeUpgrade is called.
type Handler interface {
	ServeUpgrade(w http.ResponseWriter, r *http.Request, t Target)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, t Target)

func (f HandlerFunc) ServeUpgrade(w http.ResponseWriter, r *http.Request, t Target) { f(w, r, t) }

// Router dispatches upgrade requests. Create with New.
type Router struct {
	routes  map[Kind]Handler
	metrics *metrics.Metrics
}

// New creates a router serving chat and document upgrades.
func New(chat, document Handler, m *metrics.Metrics) *Router {
	return &Router{
		routes:  map[Kind]Handler{KindChat: chat, KindDocument: document},
		metrics: m,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := Resolve(r.URL.Path)
	if err == nil && rt.routes[t.Kind] == nil {
		err = fmt.Errorf("%w: %s has no handler", ErrNoRoute, t.Kind)
	}
	if err != nil {
		slog.Warn("rejected upgrade", "client_ip", security.ExtractClientIP(r.RemoteAddr), "path", r.URL.Path, "error", err)
		rt.metrics.Upgrade(KindNone.String(), "no_route")
		Reject(w, r)
		return
	}
	rt.routes[t.Kind].ServeUpgrade(w, r, t)
}

// Reject destroys the underlying connection without a handshake response.
// If the connection cannot be hijacked it answers 404.
func Reject(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	conn, _, err := rc.Hijack()
	if err != nil {
		http.NotFound(w, r)
		return
	}
	conn.Close()
}
