// Package ws serves the session protocol over a websocket transport: one
// upgraded connection per operator/projector client, decoded frames handed
// to the follow manager, encoded frames written back from its per-connection
// send channel.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/ratelimit"
	"lyricfollow/server/internal/registry"
)

const writeTimeout = 5 * time.Second

// Dispatcher is the subset of *follow.Manager the transport needs. Declared
// here (not in follow) so this package only depends on the shape it uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, msg protocol.Message)
	HandleDisconnect(connID string)
}

// Handler owns websocket transport for the session protocol.
type Handler struct {
	reg        *registry.Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	control    func() ratelimit.Config
	audio      func() ratelimit.Config
}

// NewHandler builds a websocket Handler. control/audio are called fresh for
// every new connection, so a hot-reloaded rate limit budget applies to
// every connection opened after the reload without a process restart.
func NewHandler(reg *registry.Registry, dispatcher Dispatcher, control, audio func() ratelimit.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		reg:        reg,
		dispatcher: dispatcher,
		logger:     logger,
		control:    control,
		audio:      audio,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds the websocket route on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	remoteAddr := c.RealIP()
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "remote", remoteAddr, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(c.Request().Context(), conn, remoteAddr)
	return nil
}

func (h *Handler) serveConn(ctx context.Context, conn *websocket.Conn, remoteAddr string) {
	defer conn.Close()

	connID := newConnID()
	conn.SetReadLimit(1 << 20)

	limiter := ratelimit.NewState(h.control(), h.audio())

	// Connect gives this connection a send channel immediately, so replies
	// (including errors a failed START_SESSION returns) always have
	// somewhere to go even before any session exists.
	send := h.reg.Connect(connID)
	defer h.reg.Unbind(connID)

	done := make(chan struct{})
	defer close(done)

	go h.writePump(conn, connID, send, done)
	h.logger.Info("ws connected", "conn_id", connID, "remote", remoteAddr)

	defer func() {
		h.dispatcher.HandleDisconnect(connID)
		h.logger.Info("ws disconnected", "conn_id", connID, "remote", remoteAddr)
	}()

	// Mark the connection inactive first, so a broadcast racing the rest
	// of this teardown never hands it a message on a socket already on
	// its way out.
	defer h.reg.SetActive(connID, false)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws unexpected close", "conn_id", connID, "err", err)
			}
			return
		}

		var in protocol.Message
		if err := json.Unmarshal(data, &in); err != nil {
			h.logger.Debug("ws malformed frame", "conn_id", connID, "err", err)
			h.reg.SendTo(connID, protocol.NewError(protocol.CodeInvalidJSON, "malformed JSON frame").ToMessage())
			continue
		}

		allowed := limiter.AllowControl()
		if in.Type == protocol.TypeAudioData {
			allowed = limiter.AllowAudio()
		}
		if !allowed {
			h.reg.SendTo(connID, protocol.NewError(protocol.CodeRateLimited, "rate limit exceeded for this message type").ToMessage())
			continue
		}

		h.dispatcher.Dispatch(ctx, connID, in)
	}
}

// writePump drains connID's send channel onto the wire until it closes
// (Unbind on disconnect) or a write fails.
func (h *Handler) writePump(conn *websocket.Conn, connID string, ch chan protocol.Message, done chan struct{}) {
	for {
		select {
		case out, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				h.logger.Debug("ws write error", "conn_id", connID, "type", out.Type, "err", err)
				return
			}
		case <-done:
			return
		}
	}
}
