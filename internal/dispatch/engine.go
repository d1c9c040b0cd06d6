package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
)

// Transport is the contract the engine consumes. SendChunk delivers one
// message to every address in rcpts: as a single BCC envelope in BCC mode,
// or a single-recipient message in individual mode (rcpts has length 1).
// Implementations must honor ctx cancellation and return *TransportError
// for classified failures.
type Transport interface {
	SendChunk(ctx context.Context, msg OutboundMessage, rcpts []string) error
}

// OutboundMessage is the fully-rendered message handed to the transport.
// All templating and header-image injection is complete by this point.
type OutboundMessage struct {
	FromName  string
	FromEmail string
	ReplyTo   string
	Subject   string
	HTML      string
	Text      string
}

// Phase is the engine's tagged dispatch state.
type Phase int

const (
	PhasePlanned Phase = iota
	PhaseSending
	PhaseRetrying
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhasePlanned:
		return "planned"
	case PhaseSending:
		return "sending"
	case PhaseRetrying:
		return "retrying"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// FailedRecipient is an address the engine gave up on, with the reason of
// its final failure.
type FailedRecipient struct {
	Address string `json:"address"`
	Reason  string `json:"reason"`
}

// Summary is the engine's complete account of one send. Every recipient is
// counted exactly once: Delivered + len(Failed) == Total, no matter how many
// retry rounds ran or how the send ended.
type Summary struct {
	Total       int               `json:"total"`
	Delivered   int               `json:"delivered"`
	Failed      []FailedRecipient `json:"failed,omitempty"`
	RetryRounds int               `json:"retry_rounds"`
	Aborted     bool              `json:"aborted,omitempty"`
	Cancelled   bool              `json:"cancelled,omitempty"`
	AbortReason string            `json:"abort_reason,omitempty"`
}

// FailedAddresses returns just the addresses from Failed.
func (s Summary) FailedAddresses() []string {
	if len(s.Failed) == 0 {
		return nil
	}
	out := make([]string, len(s.Failed))
	for i, f := range s.Failed {
		out[i] = f.Address
	}
	return out
}

// Status maps the summary onto the newsletter status enum.
func (s Summary) Status() domain.NewsletterStatus {
	return domain.StatusFor(s.Delivered, len(s.Failed))
}

// Engine drives chunks through the transport sequentially and re-partitions
// failed addresses into shrinking chunks per the retry schedule.
type Engine struct {
	transport Transport
	throttle  *Throttle

	// cancelled, when set, is polled before each chunk dispatch. An
	// in-flight chunk always completes; cancellation takes effect at the
	// next gate.
	cancelled func(ctx context.Context) bool

	// onProgress, when set, receives the running tally after every chunk.
	onProgress func(delivered, failedSoFar int)

	// onPhase, when set, observes every phase transition.
	onPhase func(Phase)

	// sleep is swapped out in tests to avoid real chunk delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a dispatch engine over the given transport.
func NewEngine(transport Transport) *Engine {
	return &Engine{
		transport: transport,
		sleep:     sleepCtx,
	}
}

// SetThrottle installs an optional cross-send provider throttle.
func (e *Engine) SetThrottle(t *Throttle) { e.throttle = t }

// SetCancelCheck installs the admin-cancel poll.
func (e *Engine) SetCancelCheck(fn func(ctx context.Context) bool) { e.cancelled = fn }

// SetProgress installs the running-tally callback.
func (e *Engine) SetProgress(fn func(delivered, failedSoFar int)) { e.onProgress = fn }

// SetPhaseHook installs the phase-transition observer.
func (e *Engine) SetPhaseHook(fn func(Phase)) { e.onPhase = fn }

// sendState carries the mutable dispatch state of one Run call. It is never
// shared between sends.
type sendState struct {
	phase      Phase
	pending    []Chunk
	retryQueue []string
	round      int
	delivered  int
	failed     []FailedRecipient
	// lastReason remembers the most recent retryable failure per address so
	// retries-exhausted entries can say what actually went wrong.
	lastReason map[string]string
}

func (e *Engine) transition(st *sendState, p Phase) {
	st.phase = p
	if e.onPhase != nil {
		e.onPhase(p)
	}
}

// Run executes one complete send. It never returns an error and never lets
// a transport failure escape: every recipient ends up either delivered or in
// the failed list. The settings value is the caller's snapshot; Run never
// re-reads configuration.
func (e *Engine) Run(ctx context.Context, msg OutboundMessage, recipients []string, settings domain.DispatchSettings) Summary {
	st := &sendState{
		phase:      PhasePlanned,
		lastReason: make(map[string]string),
	}
	if e.onPhase != nil {
		e.onPhase(PhasePlanned)
	}

	summary := Summary{Total: len(recipients)}
	if len(recipients) == 0 {
		e.transition(st, PhaseDone)
		return summary
	}

	if !settings.IsShrinking() {
		logger.Warn("retry schedule is not strictly decreasing", "retry_chunk_sizes", fmt.Sprint(settings.RetryChunkSizes))
	}

	st.pending = Plan(recipients, settings)
	first := true

sending:
	for {
		e.transition(st, PhaseSending)

		for i := 0; i < len(st.pending); i++ {
			chunk := st.pending[i]

			// Cancellation gate: stop before the next chunk goes out,
			// never mid-flight.
			if e.isCancelled(ctx) {
				e.drainAsCancelled(st, st.pending[i:])
				summary.Cancelled = true
				break sending
			}

			if !first {
				if err := e.sleep(ctx, settings.ChunkDelay); err != nil {
					e.drainAsCancelled(st, st.pending[i:])
					summary.Cancelled = true
					break sending
				}
			}
			first = false

			if err := e.reserve(ctx, len(chunk)); err != nil {
				e.drainAsCancelled(st, st.pending[i:])
				summary.Cancelled = true
				break sending
			}

			err := e.sendChunk(ctx, msg, chunk, settings)
			switch {
			case err == nil:
				st.delivered += len(chunk)
			case IsRetryable(err):
				logger.Warn("chunk failed, queued for retry",
					"size", len(chunk), "round", st.round, "error", err.Error())
				for _, addr := range chunk {
					st.lastReason[addr] = err.Error()
				}
				st.retryQueue = append(st.retryQueue, chunk...)
			default:
				// Permanent failure (auth, configuration): abort the whole
				// send without consuming retries.
				logger.Error("permanent transport failure, aborting send", "error", err.Error())
				reason := fmt.Sprintf("send aborted: %v", err)
				e.markFailed(st, chunk, reason)
				for _, rest := range st.pending[i+1:] {
					e.markFailed(st, rest, reason)
				}
				e.markFailed(st, st.retryQueue, reason)
				st.retryQueue = nil
				summary.Aborted = true
				summary.AbortReason = err.Error()
				break sending
			}
			e.progress(st)
		}
		st.pending = nil

		if len(st.retryQueue) == 0 || st.round >= settings.MaxRetries {
			break
		}

		// Re-partition the failed addresses at the next (smaller) chunk
		// size, preserving their relative order.
		st.round++
		e.transition(st, PhaseRetrying)
		st.pending = planWithSize(st.retryQueue, settings.RetryChunkSize(st.round))
		st.retryQueue = nil
	}

	// Whatever is left in the retry queue is permanently failed.
	for _, addr := range st.retryQueue {
		reason := fmt.Sprintf("retries exhausted after %d rounds", st.round)
		if last := st.lastReason[addr]; last != "" {
			reason += ": " + last
		}
		st.failed = append(st.failed, FailedRecipient{Address: addr, Reason: reason})
	}
	st.retryQueue = nil
	e.progress(st)
	e.transition(st, PhaseDone)

	summary.Delivered = st.delivered
	summary.Failed = st.failed
	summary.RetryRounds = st.round
	return summary
}

// sendChunk performs one transport call under the per-chunk email timeout.
// A panicking transport is contained here and surfaces as a retryable error.
func (e *Engine) sendChunk(ctx context.Context, msg OutboundMessage, chunk Chunk, settings domain.DispatchSettings) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewTransportError("send", true, fmt.Errorf("transport panic: %v", r))
		}
	}()

	cctx, cancel := context.WithTimeout(ctx, settings.EmailTimeout)
	defer cancel()
	return e.transport.SendChunk(cctx, msg, chunk)
}

func (e *Engine) reserve(ctx context.Context, n int) error {
	if e.throttle == nil {
		return nil
	}
	for {
		wait, err := e.throttle.Reserve(ctx, n)
		if err != nil {
			// A broken throttle backend must not block sends.
			logger.Warn("throttle check failed, proceeding", "error", err.Error())
			return nil
		}
		if wait <= 0 {
			return nil
		}
		if err := e.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) isCancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return e.cancelled != nil && e.cancelled(ctx)
}

func (e *Engine) drainAsCancelled(st *sendState, remaining []Chunk) {
	for _, c := range remaining {
		e.markFailed(st, c, "send cancelled")
	}
	e.markFailed(st, st.retryQueue, "send cancelled")
	st.retryQueue = nil
	e.progress(st)
}

func (e *Engine) markFailed(st *sendState, addrs []string, reason string) {
	for _, addr := range addrs {
		st.failed = append(st.failed, FailedRecipient{Address: addr, Reason: reason})
	}
}

func (e *Engine) progress(st *sendState) {
	if e.onProgress != nil {
		e.onProgress(st.delivered, len(st.failed))
	}
}

// sleepCtx waits for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
