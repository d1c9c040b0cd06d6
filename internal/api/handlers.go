package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/content"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/httputil"
	"github.com/ortsverband/newsletter-dispatch/internal/service/newsletter"
)

// NewsletterService is the slice of the newsletter service the handlers use.
type NewsletterService interface {
	Get(ctx context.Context, id string) (*domain.Newsletter, error)
	List(ctx context.Context, f newsletter.ListFilter) ([]domain.Newsletter, int, error)
	Create(ctx context.Context, input newsletter.CreateInput) (*domain.Newsletter, error)
	Update(ctx context.Context, id string, u newsletter.UpdateFields) error
	Delete(ctx context.Context, id string) error
	StartDispatch(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Resend(ctx context.Context, id string) error
	Settings(ctx context.Context) (domain.DispatchSettings, error)
	UpdateSettings(ctx context.Context, cfg domain.DispatchSettings) error
}

// ContentGenerator produces newsletter copy from meeting notes.
type ContentGenerator interface {
	ExtractTopics(ctx context.Context, notes string) ([]content.Topic, error)
	GenerateIntro(ctx context.Context, topics []content.Topic, tone string) (string, error)
	Refine(ctx context.Context, intro, instruction string) (string, error)
}

// HeaderPublisher stores an uploaded header image and returns its public URL.
type HeaderPublisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
}

// Handlers bundles the HTTP handlers and their dependencies.
type Handlers struct {
	svc       NewsletterService
	generator ContentGenerator
	headers   HeaderPublisher
	started   time.Time
}

// NewHandlers creates the handler set. generator and headers may be nil when
// the corresponding features are not configured; their endpoints then return
// 503.
func NewHandlers(svc NewsletterService, generator ContentGenerator, headers HeaderPublisher) *Handlers {
	return &Handlers{
		svc:       svc,
		generator: generator,
		headers:   headers,
		started:   time.Now(),
	}
}

// HealthCheck reports liveness and uptime.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}
