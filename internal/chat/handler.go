package chat

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/cortexuvula/roomrelay/internal/peer"
	"github.com/cortexuvula/roomrelay/internal/router"
	"github.com/cortexuvula/roomrelay/internal/security"
	"github.com/cortexuvula/roomrelay/internal/store"
)

// Handler accepts /ws/chat upgrades and runs the chat protocol.
type Handler struct {
	Hub *Hub
	// Options returns the peer options for an upgrade request.
	Options  func(r *http.Request) peer.Options
	Observer peer.Observer
}

// ServeUpgrade implements router.Handler.
func (h *Handler) ServeUpgrade(w http.ResponseWriter, r *http.Request, _ router.Target) {
	opts := h.Options(r)
	opts.Kind = router.KindChat.String()
	c, err := peer.Accept(w, r, opts)
	if err != nil {
		slog.Warn("failed to accept chat connection", "client_ip", opts.ClientIP, "error", err)
		return
	}
	if h.Observer != nil {
		h.Observer.Opened(c)
		defer h.Observer.Closed(c)
	}
	defer c.Wait()
	defer c.Close(websocket.StatusNormalClosure, "")
	defer h.Hub.Leave(c)

	slog.Info("chat connection established", "client_ip", c.ClientIP(), "connection", c.ID(), "user", c.Identity().UserID)
	h.reply(c, outbound{Type: typeWelcome, ConnectionID: c.ID()})

	for {
		typ, data, err := c.Read()
		if err != nil {
			slog.Debug("chat connection closed", "connection", c.ID(), "reason", err)
			return
		}
		if typ != websocket.MessageText {
			h.fail(c, "", CodeBadRequest, "binary frames are not supported")
			continue
		}
		f, err := decode(data)
		if err != nil {
			h.fail(c, "", CodeBadRequest, "malformed frame")
			continue
		}
		if !c.Allow() {
			h.fail(c, f.RequestID, CodeRateLimited, "too many messages")
			continue
		}
		h.handle(c, f)
	}
}

func (h *Handler) handle(c *peer.Conn, f inbound) {
	switch f.Type {
	case typeSubscribe:
		if err := store.ValidRoomID(f.RoomID); err != nil {
			h.fail(c, f.RequestID, CodeBadRequest, err.Error())
			return
		}
		if prev := h.Hub.Subscribe(c, f.RoomID); prev != "" {
			slog.Debug("connection switched rooms", "connection", c.ID(), "from", prev, "room", f.RoomID)
		}
		h.reply(c, outbound{Type: typeSubscribed, RoomID: f.RoomID, RequestID: f.RequestID})

	case typeUnsubscribe:
		room := f.RoomID
		if room == "" {
			room = h.Hub.RoomOf(c.ID())
		}
		if room == "" || !h.Hub.Unsubscribe(c, room) {
			h.fail(c, f.RequestID, CodeNotSubscribed, "not subscribed to that room")
			return
		}
		h.reply(c, outbound{Type: typeUnsubscribed, RoomID: room, RequestID: f.RequestID})

	case typePublish:
		if f.Message == nil {
			h.fail(c, f.RequestID, CodeBadRequest, "message is required")
			return
		}
		d := *f.Message
		ApplyIdentity(&d, c.Identity())
		// The store write must finish even if the sender disconnects meanwhile.
		msg, err := h.Hub.PublishFrom(context.WithoutCancel(c.Context()), c, d)
		if err != nil {
			code := errorCode(err)
			room := d.RoomID
			if room == "" {
				room = h.Hub.RoomOf(c.ID())
			}
			slog.Warn("chat publish failed", "connection", c.ID(), "room", room, "code", code, "error", err)
			text := err.Error()
			if code == CodePersistFailed {
				text = "message could not be saved"
			}
			h.fail(c, f.RequestID, code, text)
			return
		}
		h.reply(c, outbound{Type: typeAck, RequestID: f.RequestID, Message: &msg})

	case typePing:
		h.reply(c, outbound{Type: typePong, RequestID: f.RequestID})

	default:
		h.fail(c, f.RequestID, CodeBadRequest, "unknown frame type")
	}
}

func (h *Handler) reply(c *peer.Conn, f outbound) {
	data, err := encode(f)
	if err != nil {
		slog.Error("encode chat frame", "type", f.Type, "error", err)
		return
	}
	if err := c.Enqueue(websocket.MessageText, data); err != nil {
		slog.Debug("reply dropped", "connection", c.ID(), "type", f.Type, "error", err)
	}
}

func (h *Handler) fail(c *peer.Conn, requestID, code, msg string) {
	h.reply(c, outbound{Type: typeError, RequestID: requestID, Code: code, Error: msg})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNoRoom):
		return CodeNotSubscribed
	case errors.Is(err, store.ErrInvalidMessage):
		return CodeInvalidMessage
	default:
		return CodePersistFailed
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, peer.ErrSlowConsumer):
		return "slow_consumer"
	case errors.Is(err, peer.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// ApplyIdentity makes an authenticated user the author of a user message.
// Assistant messages and anonymous callers keep the submitted sender fields.
func ApplyIdentity(d *store.Draft, id security.Identity) {
	if id.Anonymous() || d.SenderType != store.SenderUser {
		return
	}
	d.SenderID = id.UserID
	if id.Name != "" {
		d.SenderName = id.Name
	}
	if id.Avatar != "" {
		d.SenderAvatar = id.Avatar
	}
}
