package domain

import "time"

// NewsletterStatus enumerates the lifecycle states of a newsletter send.
type NewsletterStatus string

const (
	NewsletterDraft           NewsletterStatus = "draft"
	NewsletterSending         NewsletterStatus = "sending"
	NewsletterSent            NewsletterStatus = "sent"
	NewsletterFailed          NewsletterStatus = "failed"
	NewsletterPartiallyFailed NewsletterStatus = "partially_failed"
)

// Newsletter represents one bulk send with its content and delivery tally.
// A record is created in draft, moves to sending when dispatch starts, and
// ends in exactly one terminal status. Terminal records are immutable except
// for deletion.
type Newsletter struct {
	ID               string           `json:"id" db:"id"`
	Subject          string           `json:"subject" db:"subject"`
	IntroductionText string           `json:"introduction_text" db:"introduction_text"`
	HTMLContent      string           `json:"html_content" db:"html_content"`
	HeaderImageURL   string           `json:"header_image_url" db:"header_image_url"`
	Status           NewsletterStatus `json:"status" db:"status"`
	RecipientCount   int              `json:"recipient_count" db:"recipient_count"`
	DeliveredCount   int              `json:"delivered_count" db:"delivered_count"`
	FailedCount      int              `json:"failed_count" db:"failed_count"`
	ErrorSummary     string           `json:"error_summary,omitempty" db:"error_summary"`
	CancelRequested  bool             `json:"cancel_requested" db:"cancel_requested"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	SentAt           *time.Time       `json:"sent_at" db:"sent_at"`
}

// IsTerminal returns true if the newsletter is in a final state.
func (n *Newsletter) IsTerminal() bool {
	return n.Status == NewsletterSent || n.Status == NewsletterFailed || n.Status == NewsletterPartiallyFailed
}

// StatusFor maps a delivery tally to the terminal status: everything
// delivered is sent, nothing delivered is failed, anything in between is
// partially_failed. A zero-recipient send counts as sent.
func StatusFor(delivered, failed int) NewsletterStatus {
	switch {
	case failed == 0:
		return NewsletterSent
	case delivered == 0:
		return NewsletterFailed
	default:
		return NewsletterPartiallyFailed
	}
}
