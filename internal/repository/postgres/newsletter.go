package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
	"github.com/ortsverband/newsletter-dispatch/internal/service/newsletter"
)

// NewsletterRepo implements newsletter.Repository against PostgreSQL.
type NewsletterRepo struct{ db *sql.DB }

// NewNewsletterRepo creates a Postgres-backed newsletter repository.
func NewNewsletterRepo(db *sql.DB) *NewsletterRepo { return &NewsletterRepo{db: db} }

func (r *NewsletterRepo) Get(ctx context.Context, id string) (*domain.Newsletter, error) {
	n := &domain.Newsletter{}
	var sentAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, subject, COALESCE(introduction_text,''), COALESCE(html_content,''),
		       COALESCE(header_image_url,''), status, recipient_count, delivered_count,
		       failed_count, COALESCE(error_summary,''), cancel_requested, created_at, sent_at
		FROM newsletters
		WHERE id = $1
	`, id).Scan(
		&n.ID, &n.Subject, &n.IntroductionText, &n.HTMLContent,
		&n.HeaderImageURL, &n.Status, &n.RecipientCount, &n.DeliveredCount,
		&n.FailedCount, &n.ErrorSummary, &n.CancelRequested, &n.CreatedAt, &sentAt,
	)
	if err == sql.ErrNoRows {
		return nil, newsletter.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get newsletter: %w", err)
	}
	if sentAt.Valid {
		t := sentAt.Time
		n.SentAt = &t
	}
	return n, nil
}

func (r *NewsletterRepo) List(ctx context.Context, f newsletter.ListFilter) ([]domain.Newsletter, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Search != "" {
		where += fmt.Sprintf(" AND subject ILIKE $%d", idx)
		args = append(args, "%"+f.Search+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM newsletters"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count newsletters: %w", err)
	}

	q := `
		SELECT id, subject, COALESCE(header_image_url,''), status,
		       recipient_count, delivered_count, failed_count,
		       COALESCE(error_summary,''), created_at, sent_at
		FROM newsletters` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list newsletters: %w", err)
	}
	defer rows.Close()

	var out []domain.Newsletter
	for rows.Next() {
		var n domain.Newsletter
		var sentAt sql.NullTime
		if err := rows.Scan(
			&n.ID, &n.Subject, &n.HeaderImageURL, &n.Status,
			&n.RecipientCount, &n.DeliveredCount, &n.FailedCount,
			&n.ErrorSummary, &n.CreatedAt, &sentAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan newsletter: %w", err)
		}
		if sentAt.Valid {
			t := sentAt.Time
			n.SentAt = &t
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func (r *NewsletterRepo) Create(ctx context.Context, n *domain.Newsletter) (string, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletters
			(id, subject, introduction_text, html_content, header_image_url,
			 status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, n.ID, n.Subject, n.IntroductionText, n.HTMLContent, n.HeaderImageURL, n.Status)
	if err != nil {
		return "", fmt.Errorf("create newsletter: %w", err)
	}
	return n.ID, nil
}

func (r *NewsletterRepo) Update(ctx context.Context, id string, u newsletter.UpdateFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if u.Subject != nil {
		add("subject", *u.Subject)
	}
	if u.IntroductionText != nil {
		add("introduction_text", *u.IntroductionText)
	}
	if u.HTMLContent != nil {
		add("html_content", *u.HTMLContent)
	}
	if u.HeaderImageURL != nil {
		add("header_image_url", *u.HeaderImageURL)
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	q := fmt.Sprintf("UPDATE newsletters SET %s WHERE id = $%d AND status = 'draft'",
		strings.Join(sets, ", "), idx)
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update newsletter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, id, newsletter.ErrNotDraft)
	}
	return nil
}

func (r *NewsletterRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM newsletters
		WHERE id = $1 AND status <> 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("delete newsletter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, id, newsletter.ErrAlreadySending)
	}
	return nil
}

// MarkSending is the database-level guard against double dispatch: the status
// predicate makes the draft -> sending transition atomic, so only one caller
// can win it.
func (r *NewsletterRepo) MarkSending(ctx context.Context, id string, recipientCount int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET status = 'sending', recipient_count = $2,
		    delivered_count = 0, failed_count = 0,
		    error_summary = '', cancel_requested = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`, id, recipientCount)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, id, newsletter.ErrAlreadySending)
	}
	return nil
}

func (r *NewsletterRepo) UpdateProgress(ctx context.Context, id string, delivered, failed int) error {
	// A progress write racing the finalize is harmless and dropped by the
	// status predicate.
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET delivered_count = $2, failed_count = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id, delivered, failed)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (r *NewsletterRepo) Finalize(ctx context.Context, id string, status domain.NewsletterStatus, delivered, failed int, errorSummary string, sentAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET status = $2, delivered_count = $3, failed_count = $4,
		    error_summary = $5, sent_at = $6, updated_at = NOW()
		WHERE id = $1
	`, id, status, delivered, failed, errorSummary, sentAt)
	if err != nil {
		return fmt.Errorf("finalize newsletter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return newsletter.ErrNotFound
	}
	return nil
}

func (r *NewsletterRepo) RequestCancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletters SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, id, newsletter.ErrNotSending)
	}
	return nil
}

func (r *NewsletterRepo) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := r.db.QueryRowContext(ctx, `
		SELECT cancel_requested FROM newsletters WHERE id = $1
	`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, newsletter.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("cancel requested: %w", err)
	}
	return flag, nil
}

func (r *NewsletterRepo) ResetForResend(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE newsletters
		SET status = 'draft', recipient_count = 0, delivered_count = 0,
		    failed_count = 0, error_summary = '', cancel_requested = FALSE,
		    sent_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('sent','failed','partially_failed')
	`, id)
	if err != nil {
		return fmt.Errorf("reset for resend: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.classifyMiss(ctx, id, newsletter.ErrNotTerminal)
	}
	return nil
}

// classifyMiss resolves a zero-row update into the right sentinel: the row is
// either missing or in a status the statement's predicate excluded.
func (r *NewsletterRepo) classifyMiss(ctx context.Context, id string, statusErr error) error {
	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM newsletters WHERE id = $1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return newsletter.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("classify miss: %w", err)
	}
	return statusErr
}
