package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/zhouzirui/vera/client/internal/model/chat"
	"github.com/zhouzirui/vera/client/internal/observability/logging"
	"github.com/zhouzirui/vera/client/internal/service/backend"
)

// Authenticator issues tokens for a research id.
type Authenticator interface {
	Login(ctx context.Context, researchID string) (backend.LoginResponse, error)
}

// Provider resolves the session the core runs with: a restored one when
// possible, otherwise a fresh login.
type Provider struct {
	store  *Store
	auth   Authenticator
	now    func() time.Time
	logger zerolog.Logger
}

// NewProvider 创建凭证提供者。
func NewProvider(store *Store, auth Authenticator) *Provider {
	return &Provider{
		store:  store,
		auth:   auth,
		now:    time.Now,
		logger: logging.WithComponent("credentials"),
	}
}

// Session returns a usable session for researchID. An empty researchID
// accepts whatever session is stored.
func (p *Provider) Session(ctx context.Context, researchID string) (chat.Session, error) {
	researchID = strings.TrimSpace(researchID)

	stored, ok, err := p.store.Load()
	if err != nil {
		p.logger.Warn().Err(err).Msg("stored session unreadable")
	}
	if ok && (researchID == "" || stored.ResearchID == researchID) {
		if stored.ConversationID == "" {
			stored.ConversationID = chat.NewConversationID(stored.ResearchID, p.now())
			if err := p.store.Save(stored); err != nil {
				p.logger.Warn().Err(err).Msg("failed to persist conversation id")
			}
		}
		p.logger.Info().Str("researchId", stored.ResearchID).Msg("restored stored session")
		return stored, nil
	}

	if researchID == "" {
		return chat.Session{}, fmt.Errorf("%w: no stored session and no research id configured", chat.ErrNotReady)
	}
	return p.Login(ctx, researchID)
}

// Login always obtains a new token and starts a new conversation.
func (p *Provider) Login(ctx context.Context, researchID string) (chat.Session, error) {
	resp, err := p.auth.Login(ctx, researchID)
	if err != nil {
		return chat.Session{}, err
	}

	expiry, err := ParseExpiry(resp.ExpiresAt)
	if err != nil {
		expiry, err = ExpiryFromToken(resp.AccessToken)
		if err != nil {
			return chat.Session{}, fmt.Errorf("login response has no usable expiry: %w", err)
		}
	}

	session := chat.Session{
		ResearchID:     researchID,
		Token:          resp.AccessToken,
		ConversationID: chat.NewConversationID(researchID, p.now()),
		ExpiresAt:      expiry,
	}
	if err := p.store.Save(session); err != nil {
		p.logger.Warn().Err(err).Msg("failed to persist session")
	}
	p.logger.Info().Str("researchId", researchID).Time("expiresAt", expiry).Msg("logged in")
	return session, nil
}

// Forget clears the stored session.
func (p *Provider) Forget() error {
	return p.store.Clear()
}
