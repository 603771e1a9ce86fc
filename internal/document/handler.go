package document

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/peer"
	"github.com/cortexuvula/roomrelay/internal/router"
)

// Handler accepts /ws/yjs/<room> upgrades.
type Handler struct {
	Hub      *Hub
	Options  func(r *http.Request) peer.Options
	Observer peer.Observer
}

// ServeUpgrade implements router.Handler.
func (h *Handler) ServeUpgrade(w http.ResponseWriter, r *http.Request, t router.Target) {
	opts := h.Options(r)
	opts.Kind = router.KindDocument.String()
	c, err := peer.Accept(w, r, opts)
	if err != nil {
		slog.Warn("failed to accept document connection", "client_ip", opts.ClientIP, "room", t.RoomID, "error", err)
		return
	}
	if h.Observer != nil {
		h.Observer.Opened(c)
		defer h.Observer.Closed(c)
	}
	defer c.Wait()
	defer c.Close(websocket.StatusNormalClosure, "")
	defer h.Hub.Unsubscribe(c.ID(), t.RoomID)

	h.Hub.Subscribe(c, t.RoomID)
	slog.Info("document connection established", "client_ip", c.ClientIP(), "connection", c.ID(), "room", t.RoomID)

	for {
		typ, data, err := c.Read()
		if err != nil {
			slog.Debug("document connection closed", "connection", c.ID(), "room", t.RoomID, "reason", err)
			return
		}
		// Excess traffic is delayed, never dropped.
		if err := c.Throttle(); err != nil {
			return
		}
		h.Hub.Relay(t.RoomID, typ, data, c.ID())
	}
}
