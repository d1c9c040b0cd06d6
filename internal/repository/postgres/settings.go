package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

// SettingsRepo stores the singleton dispatch settings row. All durations are
// persisted as integer milliseconds; the retry schedule is a Postgres array.
type SettingsRepo struct{ db *sql.DB }

// NewSettingsRepo creates a Postgres-backed settings repository.
func NewSettingsRepo(db *sql.DB) *SettingsRepo { return &SettingsRepo{db: db} }

// Get returns the stored settings, or the shipped defaults when the row was
// never written.
func (r *SettingsRepo) Get(ctx context.Context) (domain.DispatchSettings, error) {
	var (
		s                             domain.DispatchSettings
		chunkDelayMS                  int64
		connMS, greetMS, sockMS, mailMS int64
		sizes                         pq.Int64Array
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT use_bcc, chunk_size, chunk_delay_ms, max_connections, max_messages,
		       connection_timeout_ms, greeting_timeout_ms, socket_timeout_ms,
		       email_timeout_ms, max_retries, retry_chunk_sizes
		FROM dispatch_settings
		WHERE id = 1
	`).Scan(
		&s.UseBCC, &s.ChunkSize, &chunkDelayMS, &s.MaxConnections, &s.MaxMessages,
		&connMS, &greetMS, &sockMS,
		&mailMS, &s.MaxRetries, &sizes,
	)
	if err == sql.ErrNoRows {
		return domain.DefaultDispatchSettings(), nil
	}
	if err != nil {
		return domain.DispatchSettings{}, fmt.Errorf("get settings: %w", err)
	}

	s.ChunkDelay = time.Duration(chunkDelayMS) * time.Millisecond
	s.ConnectionTimeout = time.Duration(connMS) * time.Millisecond
	s.GreetingTimeout = time.Duration(greetMS) * time.Millisecond
	s.SocketTimeout = time.Duration(sockMS) * time.Millisecond
	s.EmailTimeout = time.Duration(mailMS) * time.Millisecond
	s.RetryChunkSizes = make([]int, len(sizes))
	for i, v := range sizes {
		s.RetryChunkSizes[i] = int(v)
	}
	return s, nil
}

// Update upserts the singleton row.
func (r *SettingsRepo) Update(ctx context.Context, s domain.DispatchSettings) error {
	sizes := make(pq.Int64Array, len(s.RetryChunkSizes))
	for i, v := range s.RetryChunkSizes {
		sizes[i] = int64(v)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dispatch_settings
			(id, use_bcc, chunk_size, chunk_delay_ms, max_connections, max_messages,
			 connection_timeout_ms, greeting_timeout_ms, socket_timeout_ms,
			 email_timeout_ms, max_retries, retry_chunk_sizes, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		ON CONFLICT (id) DO UPDATE SET
			use_bcc = EXCLUDED.use_bcc,
			chunk_size = EXCLUDED.chunk_size,
			chunk_delay_ms = EXCLUDED.chunk_delay_ms,
			max_connections = EXCLUDED.max_connections,
			max_messages = EXCLUDED.max_messages,
			connection_timeout_ms = EXCLUDED.connection_timeout_ms,
			greeting_timeout_ms = EXCLUDED.greeting_timeout_ms,
			socket_timeout_ms = EXCLUDED.socket_timeout_ms,
			email_timeout_ms = EXCLUDED.email_timeout_ms,
			max_retries = EXCLUDED.max_retries,
			retry_chunk_sizes = EXCLUDED.retry_chunk_sizes,
			updated_at = NOW()
	`, s.UseBCC, s.ChunkSize, s.ChunkDelay.Milliseconds(),
		s.MaxConnections, s.MaxMessages,
		s.ConnectionTimeout.Milliseconds(), s.GreetingTimeout.Milliseconds(),
		s.SocketTimeout.Milliseconds(), s.EmailTimeout.Milliseconds(),
		s.MaxRetries, sizes)
	if err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return nil
}
