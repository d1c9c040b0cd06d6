package newsletter

import (
	"context"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

// Repository defines the data access contract for newsletters.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single newsletter. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Newsletter, error)

	// List returns newsletters matching the filter, newest first.
	List(ctx context.Context, filter ListFilter) ([]domain.Newsletter, int, error)

	// Create inserts a new draft and returns its ID.
	Create(ctx context.Context, n *domain.Newsletter) (string, error)

	// Update modifies a draft. Only non-nil fields are applied.
	Update(ctx context.Context, id string, u UpdateFields) error

	// Delete removes a newsletter. Sending newsletters cannot be deleted.
	Delete(ctx context.Context, id string) error

	// MarkSending atomically transitions draft -> sending and records the
	// recipient count. Returns ErrAlreadySending when the newsletter is not
	// in draft (the guard against double dispatch).
	MarkSending(ctx context.Context, id string, recipientCount int) error

	// UpdateProgress stores the running delivered/failed tally of an active
	// send so the admin UI can poll it.
	UpdateProgress(ctx context.Context, id string, delivered, failed int) error

	// Finalize records the terminal outcome of a send.
	Finalize(ctx context.Context, id string, status domain.NewsletterStatus, delivered, failed int, errorSummary string, sentAt time.Time) error

	// RequestCancel flags an active send for cancellation.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reports whether cancellation was requested. Polled by
	// the engine between chunks.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ResetForResend returns a terminal newsletter to draft, clearing
	// counters, the error summary and the cancel flag.
	ResetForResend(ctx context.Context, id string) error
}

// SettingsRepository stores the singleton dispatch settings row.
type SettingsRepository interface {
	// Get returns the current settings, or the defaults if none were saved
	// yet.
	Get(ctx context.Context) (domain.DispatchSettings, error)

	// Update replaces the settings.
	Update(ctx context.Context, s domain.DispatchSettings) error
}

// RecipientSource resolves the member addresses a send goes to.
type RecipientSource interface {
	// ActiveRecipients returns the addresses of all confirmed, subscribed
	// members in a stable order.
	ActiveRecipients(ctx context.Context) ([]string, error)
}

// ListFilter controls pagination and filtering for newsletter lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}

// UpdateFields holds the mutable fields for a draft update.
// Nil fields are not applied.
type UpdateFields struct {
	Subject          *string
	IntroductionText *string
	HTMLContent      *string
	HeaderImageURL   *string
}
