// Package wtransport serves the session protocol over WebTransport/HTTP3,
// for clients on networks where a long-lived WebSocket upgrade is blocked
// but outbound UDP/QUIC is not. It frames the same newline-delimited JSON
// protocol.Message the teacher's original WebTransport control stream used,
// dispatched through the same follow.Manager contract the websocket
// transport uses.
package wtransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"lyricfollow/server/internal/protocol"
	"lyricfollow/server/internal/ratelimit"
	"lyricfollow/server/internal/registry"
)

// Dispatcher is the subset of *follow.Manager the transport needs, matching
// internal/ws's contract so both transports can share a follow.Manager.
type Dispatcher interface {
	Dispatch(ctx context.Context, connID string, msg protocol.Message)
	HandleDisconnect(connID string)
}

// Handler owns a WebTransport/HTTP3 listener for the session protocol.
type Handler struct {
	reg        *registry.Registry
	dispatcher Dispatcher
	logger     *slog.Logger
	control    func() ratelimit.Config
	audio      func() ratelimit.Config

	wt *webtransport.Server
}

// NewHandler builds a WebTransport Handler bound to addr, serving /wt over
// HTTP/3 with tlsConfig (WebTransport requires TLS; a self-signed config is
// acceptable for operator/projector clients on a LAN). control/audio are
// called fresh for every new session, so a hot-reloaded rate limit budget
// applies without a process restart.
func NewHandler(addr string, tlsConfig *tls.Config, reg *registry.Registry, dispatcher Dispatcher, control, audio func() ratelimit.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		reg:        reg,
		dispatcher: dispatcher,
		logger:     logger,
		control:    control,
		audio:      audio,
	}

	mux := http.NewServeMux()
	h.wt = &webtransport.Server{
		H3: http3.Server{
			Addr:      addr,
			TLSConfig: tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(_ *http.Request) bool { return true },
	}
	mux.HandleFunc("/wt", h.handleUpgrade)
	return h
}

func (h *Handler) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	remoteAddr := r.RemoteAddr
	sess, err := h.wt.Upgrade(w, r)
	if err != nil {
		h.logger.Error("wt upgrade failed", "remote", remoteAddr, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.serveSession(r.Context(), sess, remoteAddr)
}

// ListenAndServe blocks serving HTTP/3 until ctx is canceled.
func (h *Handler) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.wt.H3.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		h.logger.Info("shutting down webtransport server")
		_ = h.wt.Close()
		return nil
	}
}

func (h *Handler) serveSession(ctx context.Context, sess *webtransport.Session, remoteAddr string) {
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		h.logger.Error("wt accept stream failed", "remote", remoteAddr, "err", err)
		return
	}
	defer stream.Close()

	connID := newConnID()
	limiter := ratelimit.NewState(h.control(), h.audio())

	send := h.reg.Connect(connID)
	defer h.reg.Unbind(connID)

	done := make(chan struct{})
	defer close(done)

	go h.writePump(stream, connID, send, done)
	h.logger.Info("wt connected", "conn_id", connID, "remote", remoteAddr)

	defer func() {
		h.dispatcher.HandleDisconnect(connID)
		h.logger.Info("wt disconnected", "conn_id", connID, "remote", remoteAddr)
	}()

	// Mark the connection inactive first, so a broadcast racing the rest
	// of this teardown never hands it a message on a stream already on
	// its way out.
	defer h.reg.SetActive(connID, false)

	reader := bufio.NewReader(stream)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var in protocol.Message
		if err := json.Unmarshal(line, &in); err != nil {
			h.logger.Debug("wt malformed frame", "conn_id", connID, "err", err)
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

const writeTimeout = 5 * time.Second

func (h *Handler) writePump(stream *webtransport.Stream, connID string, ch chan protocol.Message, done chan struct{}) {
	for {
		select {
		case out, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(out)
			if err != nil {
				h.logger.Error("wt marshal failed", "conn_id", connID, "err", err)
				continue
			}
			_ = stream.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := stream.Write(append(data, '\n')); err != nil {
				h.logger.Debug("wt write error", "conn_id", connID, "type", out.Type, "err", err)
				return
			}
		case <-done:
			return
		}
	}
}
