// Package session exposes the live session over HTTP for the presentation layer.
package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	sessionService "github.com/zhouzirui/vera/client/internal/service/session"
	"github.com/zhouzirui/vera/client/pkg/utils"
)

// Controller is the subset of the orchestrator the handler drives.
type Controller interface {
	SendText(ctx context.Context, text string) error
	ToggleCall(ctx context.Context) (bool, error)
	EndCall(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Snapshot() sessionService.View
	Subscribe() (<-chan sessionService.Update, func())
}

const heartbeatInterval = 15 * time.Second

// Handler 会话控制接口
type Handler struct {
	ctrl      Controller
	logger    zerolog.Logger
	heartbeat time.Duration
}

// New 创建会话处理器
func New(ctrl Controller) *Handler {
	return &Handler{
		ctrl:      ctrl,
		logger:    logging.WithComponent("handler.session"),
		heartbeat: heartbeatInterval,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/session", func(r chi.Router) {
		r.Get("/", h.handleSnapshot)
		r.Get("/transcript", h.handleTranscript)
		r.Get("/events", h.handleEvents)
		r.Post("/messages", h.handleSendMessage)
		r.Post("/call", h.handleToggleCall)
		r.Delete("/call", h.handleEndCall)
		r.Post("/reconnect", h.handleReconnect)
	})
}

func (h *Handler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.ctrl.Snapshot())
}

func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	view := h.ctrl.Snapshot()
	transcript := view.Transcript
	if transcript == nil {
		transcript = []chat.Message{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"conversation_id": view.ConversationID,
		"messages":        transcript,
	})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Message string `json:"message"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.ctrl.SendText(r.Context(), payload.Message); err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (h *Handler) handleToggleCall(w http.ResponseWriter, r *http.Request) {
	active, err := h.ctrl.ToggleCall(r.Context())
	if err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"active": active})
}

func (h *Handler) handleEndCall(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.EndCall(r.Context()); err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"active": false})
}

func (h *Handler) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Reconnect(r.Context()); err != nil {
		h.respondSessionError(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"connectivity": h.ctrl.Snapshot().Connectivity})
}

// handleEvents streams session updates as SSE until the client goes away or
// the session shuts down.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	updates, cancel := h.ctrl.Subscribe()
	defer cancel()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	h.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")
	if err := utils.SendSSEEvent(w, flusher, "snapshot", h.ctrl.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug().Str("remote", r.RemoteAddr).Msg("event stream closed by client")
			return
		case u, ok := <-updates:
			if !ok {
				_ = utils.SendSSEEvent(w, flusher, "closed", map[string]string{"reason": "session ended"})
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(u.Kind), u); err != nil {
				h.logger.Debug().Err(err).Msg("event stream write failed")
				return
			}
		case <-ticker.C:
			if err := utils.SendSSEComment(w, flusher, "heartbeat"); err != nil {
				return
			}
		}
	}
}

func (h *Handler) respondSessionError(w http.ResponseWriter, err error) {
	kind := chat.Kind(err)
	utils.RespondKindError(w, statusFor(err), kind, err.Error())
}

// statusFor maps the session error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrTurnInFlight), errors.Is(err, chat.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, chat.ErrUnsupportedCapability):
		return http.StatusNotImplemented
	case errors.Is(err, chat.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, chat.ErrRecognitionFailure), errors.Is(err, chat.ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, sessionService.ErrClosed):
		return http.StatusGone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
