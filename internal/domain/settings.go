package domain

import (
	"fmt"
	"time"
)

// DispatchSettings is the singleton dispatch configuration. The dispatcher
// takes a copy of this struct at send start; a concurrent settings edit never
// affects an in-flight send.
type DispatchSettings struct {
	// UseBCC selects the sending mode: one message with all chunk recipients
	// hidden in the envelope vs. one message per recipient.
	UseBCC bool `json:"use_bcc" db:"use_bcc"`

	// ChunkSize and ChunkDelay control BCC-mode batching and the pause
	// between consecutive chunk sends.
	ChunkSize  int           `json:"chunk_size" db:"chunk_size"`
	ChunkDelay time.Duration `json:"chunk_delay_ms" db:"chunk_delay_ms"`

	// Connection pool tuning. Honored only in individual mode; BCC mode uses
	// a fresh connection per chunk and ignores both fields.
	MaxConnections int `json:"max_connections" db:"max_connections"`
	MaxMessages    int `json:"max_messages" db:"max_messages"`

	ConnectionTimeout time.Duration `json:"connection_timeout_ms" db:"connection_timeout_ms"`
	GreetingTimeout   time.Duration `json:"greeting_timeout_ms" db:"greeting_timeout_ms"`
	SocketTimeout     time.Duration `json:"socket_timeout_ms" db:"socket_timeout_ms"`
	EmailTimeout      time.Duration `json:"email_timeout_ms" db:"email_timeout_ms"`

	// Retry policy: round i uses RetryChunkSizes[i-1], clamped to the last
	// entry when MaxRetries exceeds the list length. MaxRetries is the
	// authoritative number of retry rounds.
	MaxRetries      int   `json:"max_retries" db:"max_retries"`
	RetryChunkSizes []int `json:"retry_chunk_sizes" db:"retry_chunk_sizes"`
}

// DefaultDispatchSettings returns the settings used to seed a fresh install.
func DefaultDispatchSettings() DispatchSettings {
	return DispatchSettings{
		UseBCC:            true,
		ChunkSize:         50,
		ChunkDelay:        2 * time.Second,
		MaxConnections:    5,
		MaxMessages:       100,
		ConnectionTimeout: 30 * time.Second,
		GreetingTimeout:   30 * time.Second,
		SocketTimeout:     60 * time.Second,
		EmailTimeout:      2 * time.Minute,
		MaxRetries:        3,
		RetryChunkSizes:   []int{10, 5, 1},
	}
}

// Validate checks that every numeric field is positive and the retry schedule
// is usable. A non-decreasing retry schedule is legal but defeats the purpose
// of shrinking chunks; callers may warn on it via IsShrinking.
func (s DispatchSettings) Validate() error {
	if s.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", s.ChunkSize)
	}
	if s.ChunkDelay <= 0 {
		return fmt.Errorf("chunk_delay_ms must be positive, got %d", s.ChunkDelay.Milliseconds())
	}
	if s.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive, got %d", s.MaxConnections)
	}
	if s.MaxMessages <= 0 {
		return fmt.Errorf("max_messages must be positive, got %d", s.MaxMessages)
	}
	for name, d := range map[string]time.Duration{
		"connection_timeout_ms": s.ConnectionTimeout,
		"greeting_timeout_ms":   s.GreetingTimeout,
		"socket_timeout_ms":     s.SocketTimeout,
		"email_timeout_ms":      s.EmailTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, d.Milliseconds())
		}
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", s.MaxRetries)
	}
	if s.MaxRetries > 0 && len(s.RetryChunkSizes) == 0 {
		return fmt.Errorf("retry_chunk_sizes must not be empty when max_retries is %d", s.MaxRetries)
	}
	for i, size := range s.RetryChunkSizes {
		if size <= 0 {
			return fmt.Errorf("retry_chunk_sizes[%d] must be positive, got %d", i, size)
		}
	}
	return nil
}

// IsShrinking reports whether the retry schedule is strictly decreasing.
func (s DispatchSettings) IsShrinking() bool {
	for i := 1; i < len(s.RetryChunkSizes); i++ {
		if s.RetryChunkSizes[i] >= s.RetryChunkSizes[i-1] {
			return false
		}
	}
	return true
}

// RetryChunkSize returns the chunk size for the given retry round (1-based).
// Rounds beyond the schedule length clamp to the last entry.
func (s DispatchSettings) RetryChunkSize(round int) int {
	if len(s.RetryChunkSizes) == 0 {
		return 1
	}
	if round < 1 {
		round = 1
	}
	if round > len(s.RetryChunkSizes) {
		round = len(s.RetryChunkSizes)
	}
	return s.RetryChunkSizes[round-1]
}

// PoolActive reports whether the connection pool fields have any effect under
// the current sending mode. Surfaced by the settings API so the admin form
// can grey the fields out instead of carrying dead configuration.
func (s DispatchSettings) PoolActive() bool {
	return !s.UseBCC
}
