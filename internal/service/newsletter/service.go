package newsletter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ortsverband/newsletter-dispatch/internal/content"
	"github.com/ortsverband/newsletter-dispatch/internal/dispatch"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/distlock"
	"github.com/ortsverband/newsletter-dispatch/internal/pkg/logger"
)

// SendCloser is what a transport factory hands the service: the engine's
// transport contract plus connection teardown.
type SendCloser interface {
	dispatch.Transport
	Close() error
}

// TransportFactory builds a transport from the settings snapshot of one send.
type TransportFactory func(settings domain.DispatchSettings) SendCloser

// LockFactory builds the distributed lock guarding one newsletter's send.
type LockFactory func(key string, ttl time.Duration) distlock.DistLock

// Sender is the chapter's sending identity, configured once per deployment.
type Sender struct {
	FromName  string
	FromEmail string
	ReplyTo   string
}

// Service implements the newsletter lifecycle. All public methods are safe
// for concurrent use if the underlying repositories are concurrency-safe.
type Service struct {
	repo       Repository
	settings   SettingsRepository
	recipients RecipientSource
	templates  *content.TemplateService
	transport  TransportFactory
	newLock    LockFactory
	throttle   *dispatch.Throttle
	sender     Sender
}

// NewService wires the newsletter service. throttle may be nil when no Redis
// is configured.
func NewService(repo Repository, settings SettingsRepository, recipients RecipientSource,
	templates *content.TemplateService, transport TransportFactory, newLock LockFactory,
	throttle *dispatch.Throttle, sender Sender) *Service {
	return &Service{
		repo:       repo,
		settings:   settings,
		recipients: recipients,
		templates:  templates,
		transport:  transport,
		newLock:    newLock,
		throttle:   throttle,
		sender:     sender,
	}
}

// Get returns a single newsletter.
func (s *Service) Get(ctx context.Context, id string) (*domain.Newsletter, error) {
	return s.repo.Get(ctx, id)
}

// List returns newsletters matching the filter.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.Newsletter, int, error) {
	return s.repo.List(ctx, f)
}

// CreateInput holds the fields for creating a new draft.
type CreateInput struct {
	Subject          string `json:"subject"`
	IntroductionText string `json:"introduction_text"`
	HTMLContent      string `json:"html_content"`
	HeaderImageURL   string `json:"header_image_url"`
}

// Create validates and persists a new newsletter in draft status.
func (s *Service) Create(ctx context.Context, input CreateInput) (*domain.Newsletter, error) {
	if input.Subject == "" {
		return nil, fmt.Errorf("subject is required")
	}
	if input.HTMLContent == "" {
		return nil, fmt.Errorf("html_content is required")
	}
	if err := s.templates.Parse(input.HTMLContent); err != nil {
		return nil, fmt.Errorf("html_content has template errors: %w", err)
	}

	n := &domain.Newsletter{
		ID:               uuid.New().String(),
		Subject:          input.Subject,
		IntroductionText: input.IntroductionText,
		HTMLContent:      input.HTMLContent,
		HeaderImageURL:   input.HeaderImageURL,
		Status:           domain.NewsletterDraft,
	}

	id, err := s.repo.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	n.ID = id
	return n, nil
}

// Update modifies a draft. Editing is refused once a send has started.
func (s *Service) Update(ctx context.Context, id string, u UpdateFields) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != domain.NewsletterDraft {
		return ErrNotDraft
	}
	if u.HTMLContent != nil {
		if err := s.templates.Parse(*u.HTMLContent); err != nil {
			return fmt.Errorf("html_content has template errors: %w", err)
		}
		s.templates.ClearCacheKey(id)
	}
	return s.repo.Update(ctx, id, u)
}

// Delete removes a newsletter unless a send is running.
func (s *Service) Delete(ctx context.Context, id string) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status == domain.NewsletterSending {
		return ErrAlreadySending
	}
	return s.repo.Delete(ctx, id)
}

// Settings returns the current dispatch settings.
func (s *Service) Settings(ctx context.Context) (domain.DispatchSettings, error) {
	return s.settings.Get(ctx)
}

// UpdateSettings validates and stores new dispatch settings. Active sends
// keep their snapshot; the new values apply from the next dispatch.
func (s *Service) UpdateSettings(ctx context.Context, cfg domain.DispatchSettings) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if !cfg.IsShrinking() {
		logger.Warn("saving non-decreasing retry schedule", "retry_chunk_sizes", fmt.Sprint(cfg.RetryChunkSizes))
	}
	return s.settings.Update(ctx, cfg)
}

// StartDispatch validates that a send may begin and runs it in the
// background. The synchronous part covers everything an API caller needs a
// proper status code for; the send itself outlives the request.
func (s *Service) StartDispatch(ctx context.Context, id string) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch n.Status {
	case domain.NewsletterDraft:
	case domain.NewsletterSending:
		return ErrAlreadySending
	default:
		return ErrNotDraft
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	bctx := context.WithoutCancel(ctx)
	go func() {
		if _, err := s.Dispatch(bctx, id); err != nil {
			logger.Error("background dispatch failed", "newsletter_id", id, "error", err.Error())
		}
	}()
	return nil
}

// Dispatch runs one complete send synchronously and returns the engine
// summary. Concurrent calls for the same newsletter are serialized by the
// distributed lock and the atomic draft -> sending transition.
func (s *Service) Dispatch(ctx context.Context, id string) (dispatch.Summary, error) {
	var summary dispatch.Summary

	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return summary, err
	}
	switch n.Status {
	case domain.NewsletterDraft:
	case domain.NewsletterSending:
		return summary, ErrAlreadySending
	default:
		return summary, ErrNotDraft
	}

	// Snapshot settings before anything else; the whole send runs on this
	// copy.
	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return summary, fmt.Errorf("loading settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return summary, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	lock := s.newLock("newsletter:send:"+id, 2*time.Hour)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return summary, fmt.Errorf("acquiring send lock: %w", err)
	}
	if !acquired {
		return summary, ErrAlreadySending
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("releasing send lock failed", "newsletter_id", id, "error", err.Error())
		}
	}()

	recipients, err := s.recipients.ActiveRecipients(ctx)
	if err != nil {
		return summary, fmt.Errorf("resolving recipients: %w", err)
	}

	if err := s.repo.MarkSending(ctx, id, len(recipients)); err != nil {
		return summary, err
	}

	msg, err := s.buildMessage(n)
	if err != nil {
		// The draft guard passed but the body cannot be rendered; the send
		// is over before it started. Every recipient counts as failed so the
		// archived record maps to failed, not sent.
		aborted := dispatch.Summary{
			Total:       len(recipients),
			Aborted:     true,
			AbortReason: err.Error(),
		}
		for _, addr := range recipients {
			aborted.Failed = append(aborted.Failed, dispatch.FailedRecipient{
				Address: addr, Reason: "send aborted: body failed to render",
			})
		}
		s.finalize(ctx, id, aborted)
		return summary, err
	}

	transport := s.transport(cfg)
	defer transport.Close()

	engine := dispatch.NewEngine(transport)
	engine.SetThrottle(s.throttle)
	engine.SetCancelCheck(func(cctx context.Context) bool {
		cancelled, err := s.repo.CancelRequested(cctx, id)
		if err != nil {
			logger.Warn("cancel poll failed", "newsletter_id", id, "error", err.Error())
			return false
		}
		return cancelled
	})
	engine.SetProgress(func(delivered, failed int) {
		if err := s.repo.UpdateProgress(ctx, id, delivered, failed); err != nil {
			logger.Warn("progress update failed", "newsletter_id", id, "error", err.Error())
		}
	})

	logger.Info("dispatch started", "newsletter_id", id,
		"recipients", len(recipients), "use_bcc", cfg.UseBCC, "chunk_size", cfg.ChunkSize)

	summary = s.runGuarded(ctx, engine, msg, recipients, cfg)

	s.finalize(ctx, id, summary)

	logger.Info("dispatch finished", "newsletter_id", id,
		"delivered", summary.Delivered, "failed", len(summary.Failed),
		"retry_rounds", summary.RetryRounds, "status", string(summary.Status()))
	return summary, nil
}

// runGuarded contains an engine panic so the newsletter can never be left in
// sending with no one working on it.
func (s *Service) runGuarded(ctx context.Context, engine *dispatch.Engine, msg dispatch.OutboundMessage, recipients []string, cfg domain.DispatchSettings) (summary dispatch.Summary) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch panicked", "panic", fmt.Sprint(r))
			summary = dispatch.Summary{
				Total:       len(recipients),
				Aborted:     true,
				AbortReason: fmt.Sprintf("internal error: %v", r),
			}
			for _, addr := range recipients {
				summary.Failed = append(summary.Failed, dispatch.FailedRecipient{
					Address: addr, Reason: "send aborted: internal error",
				})
			}
		}
	}()
	return engine.Run(ctx, msg, recipients, cfg)
}

// Cancel flags an active send for cancellation. The in-flight chunk
// completes; remaining chunks are not sent.
func (s *Service) Cancel(ctx context.Context, id string) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != domain.NewsletterSending {
		return ErrNotSending
	}
	return s.repo.RequestCancel(ctx, id)
}

// Resend returns a finished newsletter to draft and starts a fresh dispatch
// to the current member list.
func (s *Service) Resend(ctx context.Context, id string) error {
	n, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !n.IsTerminal() {
		return ErrNotTerminal
	}
	if err := s.repo.ResetForResend(ctx, id); err != nil {
		return err
	}
	return s.StartDispatch(ctx, id)
}

// buildMessage renders the newsletter body into the outbound message. The
// header image and introduction are prepended when the body does not already
// carry them.
func (s *Service) buildMessage(n *domain.Newsletter) (dispatch.OutboundMessage, error) {
	body := n.HTMLContent
	if n.IntroductionText != "" && !strings.Contains(body, n.IntroductionText) {
		body = fmt.Sprintf("<p>%s</p>\n%s", n.IntroductionText, body)
	}
	if n.HeaderImageURL != "" && !strings.Contains(body, n.HeaderImageURL) {
		body = fmt.Sprintf(`<img src=%q alt="" width="600" style="max-width:100%%">`+"\n%s", n.HeaderImageURL, body)
	}

	rendered, err := s.templates.Render(n.ID, body, map[string]interface{}{
		"chapter": s.sender.FromName,
	})
	if err != nil {
		return dispatch.OutboundMessage{}, fmt.Errorf("rendering newsletter body: %w", err)
	}

	return dispatch.OutboundMessage{
		FromName:  s.sender.FromName,
		FromEmail: s.sender.FromEmail,
		ReplyTo:   s.sender.ReplyTo,
		Subject:   n.Subject,
		HTML:      rendered,
		Text:      htmlToText(rendered),
	}, nil
}

// finalize persists the terminal outcome, retrying on repository errors so a
// transient database blip cannot strand the newsletter in sending.
func (s *Service) finalize(ctx context.Context, id string, summary dispatch.Summary) {
	status := summary.Status()
	errorSummary := summarizeFailures(summary)
	sentAt := time.Now().UTC()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		err = s.repo.Finalize(ctx, id, status, summary.Delivered, len(summary.Failed), errorSummary, sentAt)
		if err == nil {
			return
		}
		logger.Warn("finalize attempt failed", "newsletter_id", id, "attempt", attempt, "error", err.Error())
		time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
	}
	logger.Error("finalize gave up, newsletter left stale", "newsletter_id", id, "error", err.Error())
}

// summarizeFailures compresses the failure list into a short text for the
// archive view.
func summarizeFailures(summary dispatch.Summary) string {
	if summary.Aborted {
		return "aborted: " + summary.AbortReason
	}
	if summary.Cancelled {
		return fmt.Sprintf("cancelled after %d of %d deliveries", summary.Delivered, summary.Total)
	}
	if len(summary.Failed) == 0 {
		return ""
	}
	return fmt.Sprintf("%d of %d recipients failed (first: %s)",
		len(summary.Failed), summary.Total, summary.Failed[0].Reason)
}

// htmlToText produces a crude plain-text alternative for the multipart body.
var htmlTagReplacer = strings.NewReplacer("</p>", "\n\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n")

func htmlToText(html string) string {
	text := htmlTagReplacer.Replace(html)
	var b strings.Builder
	inTag := false
	for _, r := range text {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
