package devbackend

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

var _ Store = (*PostgresStore)(nil)

// PostgresStore persists conversations in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and applies pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// EnsureResearchID registers a research id if it is new.
func (s *PostgresStore) EnsureResearchID(ctx context.Context, researchID string) error {
	if researchID == "" {
		return ErrResearchIDRequired
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO vera_research_ids (research_id)
		VALUES ($1)
		ON CONFLICT (research_id) DO NOTHING`, researchID)
	if err != nil {
		return fmt.Errorf("register research id: %w", err)
	}
	return nil
}

// SaveMessage inserts one message.
func (s *PostgresStore) SaveMessage(ctx context.Context, rec Record) (Record, error) {
	if rec.Provider == "" {
		rec.Provider = "openai"
	}

	query := `
		INSERT INTO vera_conversations (
			research_id_fk, conversation_id, timestamp, role, content,
			model_used, audio_url, provider, elevenlabs_conversation_id, elevenlabs_message_id)
		SELECT r.id, $2, COALESCE($3, now()), $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8,
			NULLIF($9, ''), NULLIF($10, '')
		FROM vera_research_ids r
		WHERE r.research_id = $1 AND r.is_active
		RETURNING id, timestamp`

	var ts any
	if !rec.Timestamp.IsZero() {
		ts = rec.Timestamp
	}

	err := s.db.QueryRow(ctx, query,
		rec.ResearchID,
		rec.ConversationID,
		ts,
		rec.Role,
		rec.Content,
		rec.ModelUsed,
		rec.AudioURL,
		rec.Provider,
		rec.ExternalConversationID,
		rec.ExternalMessageID,
	).Scan(&rec.ID, &rec.Timestamp)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrUnknownResearchID
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return Record{}, fmt.Errorf("save message: %s (%s)", pgErr.Message, pgErr.Code)
		}
		return Record{}, fmt.Errorf("save message: %w", err)
	}
	return rec, nil
}

// History returns the newest window of messages, oldest first.
func (s *PostgresStore) History(ctx context.Context, researchID, conversationID string, limit, offset int) ([]Record, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	err := s.db.QueryRow(ctx, `
		SELECT count(*)
		FROM vera_conversations c
		JOIN vera_research_ids r ON r.id = c.research_id_fk
		WHERE r.research_id = $1 AND ($2 = '' OR c.conversation_id = $2)`,
		researchID, conversationID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count history: %w", err)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, timestamp, role, content,
			COALESCE(model_used, ''), COALESCE(audio_url, ''), COALESCE(provider, ''),
			COALESCE(elevenlabs_conversation_id, ''), COALESCE(elevenlabs_message_id, '')
		FROM (
			SELECT c.*
			FROM vera_conversations c
			JOIN vera_research_ids r ON r.id = c.research_id_fk
			WHERE r.research_id = $1 AND ($2 = '' OR c.conversation_id = $2)
			ORDER BY c.timestamp DESC, c.id DESC
			LIMIT $3 OFFSET $4
		) recent
		ORDER BY timestamp ASC, id ASC`,
		researchID, conversationID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		rec := Record{ResearchID: researchID}
		if err := rows.Scan(
			&rec.ID,
			&rec.ConversationID,
			&rec.Timestamp,
			&rec.Role,
			&rec.Content,
			&rec.ModelUsed,
			&rec.AudioURL,
			&rec.Provider,
			&rec.ExternalConversationID,
			&rec.ExternalMessageID,
		); err != nil {
			return nil, 0, fmt.Errorf("scan history: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate history: %w", err)
	}
	return records, total, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}
