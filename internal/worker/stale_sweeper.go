package worker

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ortsverband/newsletter-dispatch/internal/pkg/distlock"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
)

const (
	// DefaultSweepInterval is how often the sweeper looks for stuck sends.
	DefaultSweepInterval = time.Minute

	// DefaultStaleThreshold is how long a sending newsletter may go without a
	// progress write before it is considered abandoned. A dispatch updates
	// the row after every chunk, so a healthy send never comes close.
	DefaultStaleThreshold = 30 * time.Minute
)

// StaleSweeper force-fails newsletters stuck in the sending status. A send
// can only end up there when its process died between MarkSending and the
// finalize; the row would otherwise block editing and resending forever.
type StaleSweeper struct {
	db          *sql.DB
	redisClient *redis.Client // optional; nil falls back to PG advisory locks

	interval  time.Duration
	threshold time.Duration

	swept int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewStaleSweeper creates a sweeper with the default interval and threshold.
func NewStaleSweeper(db *sql.DB) *StaleSweeper {
	return &StaleSweeper{
		db:        db,
		interval:  DefaultSweepInterval,
		threshold: DefaultStaleThreshold,
	}
}

// SetRedisClient enables Redis-based locking so only one sweeper runs across
// hosts.
func (s *StaleSweeper) SetRedisClient(client *redis.Client) {
	s.redisClient = client
}

// SetInterval overrides the poll interval. Used in tests.
func (s *StaleSweeper) SetInterval(d time.Duration) {
	s.interval = d
}

// SetThreshold overrides the staleness threshold.
func (s *StaleSweeper) SetThreshold(d time.Duration) {
	s.threshold = d
}

// Start begins the sweep loop.
func (s *StaleSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("stale sweeper already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	logger.Info("stale sweeper starting", "interval", s.interval.String(), "threshold", s.threshold.String())

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop gracefully stops the sweeper.
func (s *StaleSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	logger.Info("stale sweeper stopped", "swept", atomic.LoadInt64(&s.swept))
}

// Swept returns how many newsletters this instance has force-failed.
func (s *StaleSweeper) Swept() int64 {
	return atomic.LoadInt64(&s.swept)
}

func (s *StaleSweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.SweepOnce(s.ctx); err != nil {
				logger.Error("stale sweep failed", "error", err.Error())
			} else if n > 0 {
				atomic.AddInt64(&s.swept, int64(n))
				logger.Warn("abandoned sends force-failed", "count", n)
			}
		}
	}
}

// SweepOnce closes out every newsletter whose send has made no progress for
// longer than the threshold: partially_failed when something was delivered,
// failed otherwise. Returns how many rows were closed.
func (s *StaleSweeper) SweepOnce(ctx context.Context) (int, error) {
	lock := distlock.NewLock(s.redisClient, s.db, "newsletter:stale-sweeper", s.interval)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		// Another instance holds the sweep.
		return 0, nil
	}
	defer lock.Release(ctx)

	summary := fmt.Sprintf("send abandoned: no progress for over %s", s.threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE newsletters
		SET status = CASE WHEN delivered_count > 0 THEN 'partially_failed' ELSE 'failed' END,
		    failed_count = recipient_count - delivered_count,
		    error_summary = $1,
		    updated_at = NOW()
		WHERE status = 'sending'
		  AND updated_at < NOW() - $2::interval
	`, summary, fmt.Sprintf("%d milliseconds", s.threshold.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("sweep stale sends: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
