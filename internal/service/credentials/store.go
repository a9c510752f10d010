// Package credentials persists and restores the research session across
// process restarts.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zhouzirui/vera/client/internal/model/chat"
)

type record struct {
	Token          string `json:"vera_token"`
	ResearchID     string `json:"vera_research_id"`
	Expiry         string `json:"vera_token_expiry"`
	ConversationID string `json:"vera_conversation_id,omitempty"`
}

// Store 基于文件的会话存储。
type Store struct {
	path string
	now  func() time.Time
}

// NewStore stores the session at path.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Load restores a stored session. It reports false when nothing usable is
// stored; an expired session is removed from disk, all fields together.
func (s *Store) Load() (chat.Session, bool, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return chat.Session{}, false, nil
	}
	if err != nil {
		return chat.Session{}, false, fmt.Errorf("read session file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return chat.Session{}, false, s.Clear()
	}
	if rec.Token == "" || rec.ResearchID == "" || rec.Expiry == "" {
		return chat.Session{}, false, nil
	}

	expiry, err := ParseExpiry(rec.Expiry)
	if err != nil || !expiry.After(s.now()) {
		return chat.Session{}, false, s.Clear()
	}

	return chat.Session{
		ResearchID:     rec.ResearchID,
		Token:          rec.Token,
		ConversationID: rec.ConversationID,
		ExpiresAt:      expiry,
	}, true, nil
}

// Save writes the session atomically with owner-only permissions.
func (s *Store) Save(session chat.Session) error {
	rec := record{
		Token:          session.Token,
		ResearchID:     session.ResearchID,
		Expiry:         session.ExpiresAt.UTC().Format(time.RFC3339),
		ConversationID: session.ConversationID,
	}
	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write session file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

// Clear removes every stored field.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear session file: %w", err)
	}
	return nil
}

var expiryLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
}

// ParseExpiry accepts RFC3339 timestamps and the zone-less ISO form the
// backend emits, which is read as UTC.
func ParseExpiry(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry %q", raw)
}

// ExpiryFromToken reads the exp claim without verifying the signature. The
// client never holds the signing key; the backend verifies on use.
func ExpiryFromToken(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token carries no exp claim")
	}
	return exp.Time, nil
}
