package devbackend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMemoryStoreRequiresRegisteredResearchID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.EnsureResearchID(ctx, ""); !errors.Is(err, ErrResearchIDRequired) {
		t.Fatalf("expected ErrResearchIDRequired, got %v", err)
	}
	if _, err := s.SaveMessage(ctx, Record{ResearchID: "R1", Role: "user", Content: "hi"}); !errors.Is(err, ErrUnknownResearchID) {
		t.Fatalf("expected ErrUnknownResearchID, got %v", err)
	}
}

func TestMemoryStoreHistoryWindow(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.EnsureResearchID(ctx, "R1"); err != nil {
		t.Fatalf("EnsureResearchID: %v", err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rec := Record{
			ResearchID:     "R1",
			ConversationID: "c1",
			Role:           "user",
			Content:        fmt.Sprintf("m%d", i),
			Timestamp:      base.Add(time.Duration(i) * time.Second),
		}
		if _, err := s.SaveMessage(ctx, rec); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	if _, err := s.SaveMessage(ctx, Record{ResearchID: "R1", ConversationID: "c2", Role: "user", Content: "other"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	cases := []struct {
		name   string
		conv   string
		limit  int
		offset int
		want   []string
		total  int
	}{
		{name: "latest two", conv: "c1", limit: 2, want: []string{"m3", "m4"}, total: 5},
		{name: "with offset", conv: "c1", limit: 2, offset: 1, want: []string{"m2", "m3"}, total: 5},
		{name: "offset past end", conv: "c1", limit: 2, offset: 9, want: []string{}, total: 5},
		{name: "all conversations", conv: "", limit: 50, total: 6},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := s.History(ctx, "R1", tc.conv, tc.limit, tc.offset)
			if err != nil {
				t.Fatalf("History: %v", err)
			}
			if total != tc.total {
				t.Fatalf("total = %d, want %d", total, tc.total)
			}
			if tc.want == nil {
				if len(got) != tc.total {
					t.Fatalf("expected %d records, got %d", tc.total, len(got))
				}
				return
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %v, got %d records", tc.want, len(got))
			}
			for i, rec := range got {
				if rec.Content != tc.want[i] {
					t.Fatalf("record %d = %q, want %q", i, rec.Content, tc.want[i])
				}
			}
		})
	}
}

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Hour)
	token, expires, err := issuer.Issue("R1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expiry in the past: %v", expires)
	}

	id, err := issuer.Verify(token)
	if err != nil || id != "R1" {
		t.Fatalf("Verify: id=%q err=%v", id, err)
	}

	other := NewTokenIssuer("different", time.Hour)
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestTokenIssuerRejectsExpired(t *testing.T) {
	issuer := NewTokenIssuer("secret", time.Minute)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, _, err := issuer.Issue("R1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	issuer.now = time.Now
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
