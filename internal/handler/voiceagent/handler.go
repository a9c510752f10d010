// Package voiceagent receives lifecycle events from the embedded voice agent
// and imports finished conversations into the session history.
package voiceagent

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	voiceagentService "github.com/zhouzirui/vera/client/internal/service/voiceagent"
	"github.com/zhouzirui/vera/client/pkg/utils"
)

// Syncer imports voice-agent transcripts.
type Syncer interface {
	Started(conversationID string)
	Ended(ctx context.Context, session chat.Session, conversationID string) (voiceagentService.Result, error)
}

// Reporter surfaces failures to the user.
type Reporter interface {
	Report(ctx context.Context, err error) error
}

// SessionSource returns the credentials the import is saved under.
type SessionSource func() chat.Session

// Handler 语音代理事件处理器
type Handler struct {
	syncer   Syncer
	reporter Reporter
	session  SessionSource
	logger   zerolog.Logger
}

// New 创建语音代理处理器
func New(syncer Syncer, reporter Reporter, session SessionSource) *Handler {
	return &Handler{
		syncer:   syncer,
		reporter: reporter,
		session:  session,
		logger:   logging.WithComponent("handler.voiceagent"),
	}
}

// RegisterRoutes 注册语音代理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/voice-agent/events", h.handleEvent)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Type           string `json:"type"`
		ConversationID string `json:"conversation_id"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payload.ConversationID = strings.TrimSpace(payload.ConversationID)

	switch payload.Type {
	case "started":
		h.syncer.Started(payload.ConversationID)
		utils.RespondJSON(w, http.StatusAccepted, map[string]string{"status": "tracking"})

	case "ended":
		h.handleEnded(w, r, payload.ConversationID)

	default:
		utils.RespondError(w, http.StatusBadRequest, "type must be started or ended")
	}
}

func (h *Handler) handleEnded(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()
	result, err := h.syncer.Ended(ctx, h.session(), conversationID)
	switch {
	case errors.Is(err, voiceagentService.ErrNoConversation):
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.report(ctx, err)
		utils.RespondKindError(w, http.StatusBadGateway, chat.Kind(err), err.Error())
		return
	}

	for _, failure := range result.Errors {
		h.report(ctx, failure)
	}
	utils.RespondJSON(w, http.StatusOK, result)
}

func (h *Handler) report(ctx context.Context, err error) {
	if h.reporter == nil {
		return
	}
	if rerr := h.reporter.Report(ctx, err); rerr != nil {
		h.logger.Debug().Err(rerr).Msg("could not surface voice-agent failure")
	}
}
