package voiceagent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/observability/metrics"
	"github.com/zhouzirui/vera/client/internal/service/backend"
)

// Fetcher loads a conversation transcript.
type Fetcher interface {
	Conversation(ctx context.Context, conversationID string) (Conversation, error)
}

// Saver persists one message.
type Saver interface {
	SaveMessage(ctx context.Context, token string, req backend.SaveMessageRequest) error
}

// Result summarizes one import.
type Result struct {
	ConversationID string  `json:"conversation_id"`
	Saved          int     `json:"messages_synced"`
	Failed         int     `json:"messages_failed"`
	Errors         []error `json:"-"`
}

// ErrNoConversation is returned when an end event carries no id and none was
// seen starting.
var ErrNoConversation = errors.New("no voice-agent conversation to sync")

// Syncer tracks voice-agent conversation lifecycle and imports transcripts
// when a conversation ends.
type Syncer struct {
	fetcher Fetcher
	saver   Saver
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last string
}

// NewSyncer 创建转录同步器。
func NewSyncer(fetcher Fetcher, saver Saver, m *metrics.Metrics) *Syncer {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Syncer{
		fetcher: fetcher,
		saver:   saver,
		metrics: m,
		logger:  logging.WithComponent("voiceagent"),
		now:     time.Now,
	}
}

// Started records the id of a conversation that just began.
func (s *Syncer) Started(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	s.last = conversationID
	s.mu.Unlock()
	s.logger.Info().Str("voiceConversationId", conversationID).Msg("voice-agent conversation started")
}

// LastConversationID returns the most recently started conversation.
func (s *Syncer) LastConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Ended imports the transcript of conversationID, or of the last started
// conversation when it is empty. Entries are forwarded one by one; a failed
// entry does not stop the rest.
func (s *Syncer) Ended(ctx context.Context, session chat.Session, conversationID string) (Result, error) {
	if conversationID == "" {
		conversationID = s.LastConversationID()
	}
	if conversationID == "" {
		return Result{}, ErrNoConversation
	}

	conv, err := s.fetcher.Conversation(ctx, conversationID)
	if err != nil {
		s.logger.Warn().Err(err).Str("voiceConversationId", conversationID).Msg("failed to fetch transcript")
		return Result{ConversationID: conversationID}, err
	}

	result := Result{ConversationID: conversationID}
	for _, entry := range conv.Transcript {
		req := backend.SaveMessageRequest{
			ResearchID:             session.ResearchID,
			ConversationID:         session.ConversationID,
			Role:                   string(entry.ChatRole()),
			Content:                entry.Content(),
			Timestamp:              entry.Time(s.now()).UTC().Format(time.RFC3339Nano),
			Provider:               Provider,
			ExternalConversationID: conversationID,
			ExternalMessageID:      entry.ID,
		}

		start := time.Now()
		err := s.saver.SaveMessage(ctx, session.Token, req)
		s.metrics.RecordSave(Provider, err, time.Since(start))
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Errorf("entry %s: %w", entry.ID, err))
			continue
		}
		result.Saved++
	}

	s.logger.Info().
		Str("voiceConversationId", conversationID).
		Int("saved", result.Saved).
		Int("failed", result.Failed).
		Msg("voice-agent transcript imported")
	return result, nil
}
