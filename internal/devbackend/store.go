// Package devbackend is a local stand-in for the chat backend: it issues
// tokens, stores conversations and streams replies over the websocket
// protocol the session core speaks.
package devbackend

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrResearchIDRequired = errors.New("research id is required")
	ErrUnknownResearchID  = errors.New("research id not registered")
)

// Record 一条持久化的会话消息。
type Record struct {
	ID                     int64
	ResearchID             string
	ConversationID         string
	Role                   string
	Content                string
	Timestamp              time.Time
	ModelUsed              string
	AudioURL               string
	Provider               string
	ExternalConversationID string
	ExternalMessageID      string
}

// Store persists research ids and conversation messages.
type Store interface {
	EnsureResearchID(ctx context.Context, researchID string) error
	SaveMessage(ctx context.Context, rec Record) (Record, error)
	// History returns up to limit messages, newest window first skipped by
	// offset, ordered oldest to newest. An empty conversationID spans every
	// conversation of the research id.
	History(ctx context.Context, researchID, conversationID string, limit, offset int) ([]Record, int, error)
	Close()
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	ids      map[string]struct{}
	messages []Record
	nextID   int64
}

// NewMemoryStore bootstraps an in-memory store suitable for local runs and tests.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ids:      make(map[string]struct{}),
		messages: make([]Record, 0, 64),
	}
}

// EnsureResearchID registers a research id if it is new.
func (s *MemoryStore) EnsureResearchID(_ context.Context, researchID string) error {
	if researchID == "" {
		return ErrResearchIDRequired
	}
	s.mu.Lock()
	s.ids[researchID] = struct{}{}
	s.mu.Unlock()
	return nil
}

// SaveMessage appends a message and assigns its id.
func (s *MemoryStore) SaveMessage(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[rec.ResearchID]; !ok {
		return Record{}, ErrUnknownResearchID
	}

	s.nextID++
	rec.ID = s.nextID
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Provider == "" {
		rec.Provider = "openai"
	}
	s.messages = append(s.messages, rec)
	return rec, nil
}

// History returns stored messages for the research id.
func (s *MemoryStore) History(_ context.Context, researchID, conversationID string, limit, offset int) ([]Record, int, error) {
	s.mu.RLock()
	matched := make([]Record, 0, 16)
	for _, rec := range s.messages {
		if rec.ResearchID != researchID {
			continue
		}
		if conversationID != "" && rec.ConversationID != conversationID {
			continue
		}
		matched = append(matched, rec)
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	return window(matched, limit, offset), len(matched), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// window keeps the most recent limit records after skipping offset from the end.
func window(sorted []Record, limit, offset int) []Record {
	end := len(sorted) - offset
	if end <= 0 {
		return []Record{}
	}
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	out := make([]Record, end-start)
	copy(out, sorted[start:end])
	return out
}
