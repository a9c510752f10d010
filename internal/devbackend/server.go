package devbackend

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/stream"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/service/backend"
	"github.com/zhouzirui/vera/client/pkg/utils"
)

// ReplyStreamer produces assistant replies.
type ReplyStreamer interface {
	Stream(ctx context.Context, history []Record, query string) (*schema.StreamReader[*schema.Message], error)
}

const writeWait = 10 * time.Second

// Server 本地聊天后端。
type Server struct {
	store       Store
	replies     ReplyStreamer
	tokens      *TokenIssuer
	historySize int
	speech      Synthesizer
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

// Option customises a Server.
type Option func(*Server)

// WithSynthesizer sends an audio envelope after each completed reply.
func WithSynthesizer(speech Synthesizer) Option {
	return func(s *Server) { s.speech = speech }
}

// NewServer wires the store, reply generator and token issuer.
func NewServer(store Store, replies ReplyStreamer, tokens *TokenIssuer, historySize int, opts ...Option) *Server {
	if historySize <= 0 {
		historySize = 50
	}
	s := &Server{
		store:       store,
		replies:     replies,
		tokens:      tokens,
		historySize: historySize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logging.WithComponent("devbackend"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router exposes the REST and websocket endpoints under /api/v1.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Post("/auth/login", s.handleLogin)
		api.Route("/chat", func(chat chi.Router) {
			chat.Get("/ws/chat", s.handleWebsocket)
			chat.Group(func(authed chi.Router) {
				authed.Use(s.requireToken)
				authed.Post("/history", s.handleHistory)
				authed.Post("/save-message", s.handleSaveMessage)
			})
		})
	})
	return r
}

type researchIDKey struct{}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			utils.RespondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		researchID, err := s.tokens.Verify(token)
		if err != nil {
			utils.RespondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), researchIDKey{}, researchID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerID(ctx context.Context) string {
	id, _ := ctx.Value(researchIDKey{}).(string)
	return id
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ResearchID string `json:"research_id"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	researchID := strings.TrimSpace(payload.ResearchID)
	if err := s.store.EnsureResearchID(r.Context(), researchID); err != nil {
		if errors.Is(err, ErrResearchIDRequired) {
			utils.RespondError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error().Err(err).Msg("register research id failed")
		utils.RespondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, expires, err := s.tokens.Issue(researchID)
	if err != nil {
		s.logger.Error().Err(err).Msg("issue token failed")
		utils.RespondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	s.logger.Info().Str("researchId", researchID).Msg("login")
	utils.RespondJSON(w, http.StatusOK, backend.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresAt:   expires.Format(time.RFC3339),
		ResearchID:  researchID,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var req backend.HistoryRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResearchID != callerID(r.Context()) {
		utils.RespondError(w, http.StatusForbidden, "Research ID mismatch")
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 500 || req.Offset < 0 {
		utils.RespondError(w, http.StatusUnprocessableEntity, "limit must be at most 500 and offset non-negative")
		return
	}

	records, total, err := s.store.History(r.Context(), req.ResearchID, req.ConversationID, req.Limit, req.Offset)
	if err != nil {
		s.logger.Error().Err(err).Msg("load history failed")
		utils.RespondError(w, http.StatusInternalServerError, "history unavailable")
		return
	}

	messages := make([]backend.HistoryMessage, 0, len(records))
	for _, rec := range records {
		messages = append(messages, backend.HistoryMessage{
			ID:             rec.ID,
			ConversationID: rec.ConversationID,
			Role:           rec.Role,
			Content:        rec.Content,
			Timestamp:      rec.Timestamp.UTC().Format(time.RFC3339Nano),
			ModelUsed:      rec.ModelUsed,
			AudioURL:       rec.AudioURL,
		})
	}
	utils.RespondJSON(w, http.StatusOK, backend.HistoryResponse{
		Messages:   messages,
		Total:      total,
		ResearchID: req.ResearchID,
	})
}

func (s *Server) handleSaveMessage(w http.ResponseWriter, r *http.Request) {
	var req backend.SaveMessageRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ResearchID != callerID(r.Context()) {
		utils.RespondError(w, http.StatusForbidden, "Research ID mismatch")
		return
	}
	switch req.Role {
	case "user", "assistant", "system":
	default:
		utils.RespondError(w, http.StatusUnprocessableEntity, "role must be user, assistant or system")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		utils.RespondError(w, http.StatusUnprocessableEntity, "content is required")
		return
	}

	rec := Record{
		ResearchID:             req.ResearchID,
		ConversationID:         req.ConversationID,
		Role:                   req.Role,
		Content:                req.Content,
		Provider:               req.Provider,
		ExternalConversationID: req.ExternalConversationID,
		ExternalMessageID:      req.ExternalMessageID,
	}
	if ts, err := time.Parse(time.RFC3339Nano, req.Timestamp); err == nil {
		rec.Timestamp = ts.UTC()
	}

	saved, err := s.store.SaveMessage(r.Context(), rec)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrUnknownResearchID) {
			status = http.StatusNotFound
		}
		utils.RespondError(w, status, err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, map[string]any{"id": saved.ID, "status": "saved"})
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	peer := &wsPeer{conn: conn}
	ctx := r.Context()
	logger := s.logger.With().Str("connectionId", r.Header.Get("X-Connection-ID")).Logger()
	logger.Info().Msg("websocket connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn().Err(err).Msg("websocket read failed")
			} else {
				logger.Info().Msg("websocket disconnected")
			}
			return
		}

		req, err := stream.DecodeRequest(data)
		if err != nil {
			peer.fail("Invalid request")
			continue
		}
		if err := s.serveTurn(ctx, peer, req, logger); err != nil {
			logger.Warn().Err(err).Msg("turn failed")
			if errors.Is(err, errPeerGone) {
				return
			}
			peer.fail(err.Error())
		}
	}
}

var errPeerGone = errors.New("websocket peer gone")

// serveTurn mirrors the backend flow: validate, save the user message,
// acknowledge, stream the reply, complete, then save the reply.
func (s *Server) serveTurn(ctx context.Context, peer *wsPeer, req stream.Request, logger zerolog.Logger) error {
	if req.Token == "" {
		peer.fail("No token provided")
		return nil
	}
	researchID, err := s.tokens.Verify(req.Token)
	if err != nil {
		peer.fail("Invalid token")
		return nil
	}
	if researchID != req.ResearchID {
		peer.fail("Research ID mismatch")
		return nil
	}
	if req.Model == "" {
		req.Model = stream.DefaultModel
	}

	userRec, err := s.store.SaveMessage(ctx, Record{
		ResearchID:     req.ResearchID,
		ConversationID: req.ConversationID,
		Role:           "user",
		Content:        req.Message,
	})
	if err != nil {
		return err
	}
	if err := peer.send(stream.Envelope{Type: stream.KindUserMessageSaved, ConversationID: req.ConversationID}); err != nil {
		return errPeerGone
	}

	history, _, err := s.store.History(ctx, req.ResearchID, req.ConversationID, s.historySize, 0)
	if err != nil {
		return err
	}
	if n := len(history); n > 0 && history[n-1].ID == userRec.ID {
		history = history[:n-1]
	}

	reply, err := s.replies.Stream(ctx, history, req.Message)
	if err != nil {
		return err
	}
	defer reply.Close()

	var full strings.Builder
	for {
		chunk, err := reply.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if err := peer.send(stream.Envelope{Type: stream.KindChunk, Content: chunk.Content}); err != nil {
			return errPeerGone
		}
	}

	if err := peer.send(stream.Envelope{Type: stream.KindComplete, FullResponse: full.String()}); err != nil {
		return errPeerGone
	}

	// 语音合成失败只记录日志，文本回复已经送达。
	if s.speech != nil && full.Len() > 0 {
		audio, err := s.speech.Synthesize(ctx, full.String())
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("speech synthesis failed")
		case len(audio) > 0:
			env := stream.Envelope{Type: stream.KindAudio, AudioBase64: base64.StdEncoding.EncodeToString(audio)}
			if err := peer.send(env); err != nil {
				return errPeerGone
			}
		}
	}

	if _, err := s.store.SaveMessage(ctx, Record{
		ResearchID:     req.ResearchID,
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        full.String(),
		ModelUsed:      req.Model,
	}); err != nil {
		logger.Error().Err(err).Msg("save assistant message failed")
	}

	logger.Info().
		Str("conversationId", req.ConversationID).
		Int("replyLen", full.Len()).
		Msg("turn completed")
	return nil
}

type wsPeer struct {
	conn *websocket.Conn
}

func (p *wsPeer) send(env stream.Envelope) error {
	payload, err := stream.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, payload)
}

func (p *wsPeer) fail(message string) {
	_ = p.send(stream.Envelope{Type: stream.KindError, Error: message})
}
