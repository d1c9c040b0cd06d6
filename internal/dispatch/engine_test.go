package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

// mockTransport records every chunk it receives and answers each call from a
// scripted respond function.
type mockTransport struct {
	mu    sync.Mutex
	calls [][]string

	// respond decides the outcome of the nth call (0-based). Nil means
	// every call succeeds.
	respond func(call int, rcpts []string) error
}

func (m *mockTransport) SendChunk(ctx context.Context, msg OutboundMessage, rcpts []string) error {
	m.mu.Lock()
	call := len(m.calls)
	cp := make([]string, len(rcpts))
	copy(cp, rcpts)
	m.calls = append(m.calls, cp)
	m.mu.Unlock()

	if m.respond == nil {
		return nil
	}
	return m.respond(call, rcpts)
}

func (m *mockTransport) callSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.calls))
	for i, c := range m.calls {
		sizes[i] = len(c)
	}
	return sizes
}

func testSettings() domain.DispatchSettings {
	s := domain.DefaultDispatchSettings()
	s.ChunkSize = 10
	s.ChunkDelay = time.Millisecond
	s.MaxRetries = 3
	s.RetryChunkSizes = []int{5, 2, 1}
	return s
}

// newTestEngine returns an engine whose sleeps are instantaneous but still
// honor context cancellation.
func newTestEngine(tr Transport) *Engine {
	e := NewEngine(tr)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func checkNoLoss(t *testing.T, s Summary) {
	t.Helper()
	if s.Delivered+len(s.Failed) != s.Total {
		t.Errorf("Delivered (%d) + Failed (%d) != Total (%d)", s.Delivered, len(s.Failed), s.Total)
	}
}

func TestEngine_AllDelivered(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(tr)

	recipients := makeRecipients(25)
	summary := e.Run(context.Background(), OutboundMessage{Subject: "Test"}, recipients, testSettings())

	if summary.Delivered != 25 {
		t.Errorf("Delivered = %d, want 25", summary.Delivered)
	}
	if len(summary.Failed) != 0 {
		t.Errorf("Failed has %d entries, want 0", len(summary.Failed))
	}
	if summary.RetryRounds != 0 {
		t.Errorf("RetryRounds = %d, want 0", summary.RetryRounds)
	}
	if got := tr.callSizes(); len(got) != 3 {
		t.Errorf("transport received %d chunks, want 3 (10+10+5)", len(got))
	}
	checkNoLoss(t, summary)
}

func TestEngine_EmptyRecipients(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(tr)

	var phases []Phase
	e.SetPhaseHook(func(p Phase) { phases = append(phases, p) })

	summary := e.Run(context.Background(), OutboundMessage{}, nil, testSettings())

	if summary.Total != 0 || summary.Delivered != 0 || len(summary.Failed) != 0 {
		t.Errorf("unexpected summary for empty send: %+v", summary)
	}
	if len(tr.calls) != 0 {
		t.Errorf("transport was called %d times, want 0", len(tr.calls))
	}
	if len(phases) != 2 || phases[0] != PhasePlanned || phases[1] != PhaseDone {
		t.Errorf("phases = %v, want [planned done]", phases)
	}
}

func TestEngine_RetrySucceedsWithSmallerChunks(t *testing.T) {
	// First chunk (10 recipients) fails once, then everything succeeds.
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			if call == 0 {
				return NewTransportError("data", true, errors.New("connection reset"))
			}
			return nil
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(20)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if summary.Delivered != 20 {
		t.Errorf("Delivered = %d, want 20", summary.Delivered)
	}
	if summary.RetryRounds != 1 {
		t.Errorf("RetryRounds = %d, want 1", summary.RetryRounds)
	}

	// Initial pass: 10, 10. Retry round 1 re-chunks the 10 failed
	// addresses at size 5: two more calls.
	sizes := tr.callSizes()
	want := []int{10, 10, 5, 5}
	if len(sizes) != len(want) {
		t.Fatalf("call sizes = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("call sizes = %v, want %v", sizes, want)
		}
	}
	checkNoLoss(t, summary)
}

func TestEngine_RetriesExhausted(t *testing.T) {
	// One poisoned address makes every chunk containing it fail. With the
	// shrinking schedule it ends up isolated in a size-1 chunk, still fails,
	// and is reported; the rest deliver.
	poisoned := "member3@example.org"
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			for _, r := range rcpts {
				if r == poisoned {
					return NewTransportError("rcpt", true, errors.New("451 try again later"))
				}
			}
			return nil
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(20)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if summary.Delivered != 19 {
		t.Errorf("Delivered = %d, want 19", summary.Delivered)
	}
	if len(summary.Failed) != 1 {
		t.Fatalf("Failed has %d entries, want 1", len(summary.Failed))
	}
	if summary.Failed[0].Address != poisoned {
		t.Errorf("failed address = %q, want %q", summary.Failed[0].Address, poisoned)
	}
	if !strings.Contains(summary.Failed[0].Reason, "retries exhausted") {
		t.Errorf("failure reason %q should mention retries exhausted", summary.Failed[0].Reason)
	}
	if !strings.Contains(summary.Failed[0].Reason, "451") {
		t.Errorf("failure reason %q should carry the last transport error", summary.Failed[0].Reason)
	}
	if summary.RetryRounds != 3 {
		t.Errorf("RetryRounds = %d, want 3", summary.RetryRounds)
	}
	checkNoLoss(t, summary)
}

func TestEngine_PermanentFailureAborts(t *testing.T) {
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			return NewTransportError("auth", false, errors.New("535 authentication failed"))
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(25)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if !summary.Aborted {
		t.Fatal("summary.Aborted = false, want true")
	}
	if summary.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0", summary.Delivered)
	}
	if len(summary.Failed) != 25 {
		t.Errorf("Failed has %d entries, want 25", len(summary.Failed))
	}
	if summary.RetryRounds != 0 {
		t.Errorf("RetryRounds = %d, want 0 (permanent failures consume no retries)", summary.RetryRounds)
	}
	// Only the first chunk may have been attempted.
	if len(tr.calls) != 1 {
		t.Errorf("transport was called %d times, want 1", len(tr.calls))
	}
	if !strings.Contains(summary.AbortReason, "535") {
		t.Errorf("AbortReason = %q, should carry the auth error", summary.AbortReason)
	}
	checkNoLoss(t, summary)
}

func TestEngine_PermanentFailureMidSend(t *testing.T) {
	// Second chunk hits a permanent error: first chunk stays delivered,
	// everything not yet delivered is failed.
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			if call == 1 {
				return NewTransportError("auth", false, errors.New("535 authentication failed"))
			}
			return nil
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(25)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if !summary.Aborted {
		t.Fatal("summary.Aborted = false, want true")
	}
	if summary.Delivered != 10 {
		t.Errorf("Delivered = %d, want 10", summary.Delivered)
	}
	if len(summary.Failed) != 15 {
		t.Errorf("Failed has %d entries, want 15", len(summary.Failed))
	}
	checkNoLoss(t, summary)
}

func TestEngine_CancelBetweenChunks(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(tr)

	var calls int
	e.SetCancelCheck(func(ctx context.Context) bool {
		calls++
		return calls > 1 // cancel after the first chunk went out
	})

	recipients := makeRecipients(30)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if !summary.Cancelled {
		t.Fatal("summary.Cancelled = false, want true")
	}
	if summary.Delivered != 10 {
		t.Errorf("Delivered = %d, want 10 (one chunk before the cancel gate)", summary.Delivered)
	}
	if len(summary.Failed) != 20 {
		t.Errorf("Failed has %d entries, want 20", len(summary.Failed))
	}
	for _, f := range summary.Failed {
		if f.Reason != "send cancelled" {
			t.Fatalf("failure reason = %q, want %q", f.Reason, "send cancelled")
		}
	}
	if len(tr.calls) != 1 {
		t.Errorf("transport was called %d times, want 1 (in-flight chunk completes, no new ones start)", len(tr.calls))
	}
	checkNoLoss(t, summary)
}

func TestEngine_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			cancel() // cancel while the first chunk is in flight
			return nil
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(30)
	summary := e.Run(ctx, OutboundMessage{}, recipients, testSettings())

	if !summary.Cancelled {
		t.Fatal("summary.Cancelled = false, want true")
	}
	if summary.Delivered != 10 {
		t.Errorf("Delivered = %d, want 10", summary.Delivered)
	}
	checkNoLoss(t, summary)
}

func TestEngine_TransportPanicIsRetryable(t *testing.T) {
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			if call == 0 {
				panic("boom")
			}
			return nil
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(10)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if summary.Delivered != 10 {
		t.Errorf("Delivered = %d, want 10 (panic chunk retried)", summary.Delivered)
	}
	if summary.RetryRounds != 1 {
		t.Errorf("RetryRounds = %d, want 1", summary.RetryRounds)
	}
	checkNoLoss(t, summary)
}

func TestEngine_RetryChunkSizesFollowSchedule(t *testing.T) {
	// MaxRetries exceeds the schedule length: later rounds clamp to the
	// last entry instead of failing.
	s := testSettings()
	s.ChunkSize = 10
	s.MaxRetries = 4
	s.RetryChunkSizes = []int{5, 2}

	// Everything fails, every round runs.
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			return NewTransportError("data", true, errors.New("timeout"))
		},
	}
	e := newTestEngine(tr)

	recipients := makeRecipients(10)
	summary := e.Run(context.Background(), OutboundMessage{}, recipients, s)

	// Initial: one chunk of 10. Round 1: 5,5. Rounds 2 through 4: five
	// chunks of 2 each, the last two rounds clamped to size 2.
	sizes := tr.callSizes()
	want := []int{10, 5, 5}
	for i := 0; i < 15; i++ {
		want = append(want, 2)
	}
	if len(sizes) != len(want) {
		t.Fatalf("got %d transport calls %v, want %d %v", len(sizes), sizes, len(want), want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("call sizes = %v, want %v", sizes, want)
		}
	}

	if summary.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0", summary.Delivered)
	}
	if len(summary.Failed) != 10 {
		t.Errorf("Failed has %d entries, want 10", len(summary.Failed))
	}
	if summary.RetryRounds != 4 {
		t.Errorf("RetryRounds = %d, want 4", summary.RetryRounds)
	}
	checkNoLoss(t, summary)
}

func TestEngine_ProgressCallback(t *testing.T) {
	tr := &mockTransport{}
	e := newTestEngine(tr)

	var lastDelivered, lastFailed int
	e.SetProgress(func(delivered, failed int) {
		lastDelivered, lastFailed = delivered, failed
	})

	recipients := makeRecipients(25)
	e.Run(context.Background(), OutboundMessage{}, recipients, testSettings())

	if lastDelivered != 25 || lastFailed != 0 {
		t.Errorf("final progress = (%d, %d), want (25, 0)", lastDelivered, lastFailed)
	}
}

func TestEngine_PhaseTransitions(t *testing.T) {
	tr := &mockTransport{
		respond: func(call int, rcpts []string) error {
			if call == 0 {
				return NewTransportError("data", true, errors.New("timeout"))
			}
			return nil
		},
	}
	e := newTestEngine(tr)

	var phases []Phase
	e.SetPhaseHook(func(p Phase) { phases = append(phases, p) })

	e.Run(context.Background(), OutboundMessage{}, makeRecipients(10), testSettings())

	want := []Phase{PhasePlanned, PhaseSending, PhaseRetrying, PhaseSending, PhaseDone}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"temporary transport error", NewTransportError("dial", true, errors.New("refused")), true},
		{"permanent transport error", NewTransportError("auth", false, errors.New("535")), false},
		{"wrapped permanent", errors.Join(errors.New("outer"), NewTransportError("auth", false, errors.New("535"))), false},
		{"deadline", context.DeadlineExceeded, true},
		{"plain error", errors.New("something"), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tc.want)
			}
		})
	}
}
