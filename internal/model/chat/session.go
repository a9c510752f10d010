package chat

import (
	"fmt"
	"strings"
	"time"
)

// Session 描述一次研究会话的凭证上下文。
type Session struct {
	ResearchID     string    `json:"research_id"`
	Token          string    `json:"token"`
	ConversationID string    `json:"conversation_id"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// NewConversationID derives a conversation id from the research id and a
// millisecond nonce.
func NewConversationID(researchID string, now time.Time) string {
	return fmt.Sprintf("%s_%d", researchID, now.UnixMilli())
}

// Validate checks that the fields needed on the wire are present.
func (s Session) Validate() error {
	switch {
	case strings.TrimSpace(s.ResearchID) == "":
		return fmt.Errorf("%w: research id is required", ErrNotReady)
	case strings.TrimSpace(s.Token) == "":
		return fmt.Errorf("%w: token is required", ErrNotReady)
	case strings.TrimSpace(s.ConversationID) == "":
		return fmt.Errorf("%w: conversation id is required", ErrNotReady)
	}
	return nil
}

// Expired reports whether the token expiry is at or before now. A zero expiry
// never expires.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !s.ExpiresAt.After(now)
}

// CallState 通话状态，每次通话结束都会回到零值。
type CallState struct {
	Active         bool `json:"active"`
	ElapsedSeconds int  `json:"elapsed_seconds"`
	WarningIssued  bool `json:"warning_issued"`
}
