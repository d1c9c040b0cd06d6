package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// SubscriberRepo resolves the member addresses a send goes to.
type SubscriberRepo struct{ db *sql.DB }

// NewSubscriberRepo creates a Postgres-backed recipient source.
func NewSubscriberRepo(db *sql.DB) *SubscriberRepo { return &SubscriberRepo{db: db} }

// ActiveRecipients returns every confirmed, still-subscribed member address.
// The ordering is stable so repeated dispatch runs chunk the list the same
// way, which keeps retry behavior reproducible.
func (r *SubscriberRepo) ActiveRecipients(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT email FROM subscribers
		WHERE confirmed = TRUE AND unsubscribed_at IS NULL
		ORDER BY LOWER(email)
	`)
	if err != nil {
		return nil, fmt.Errorf("active recipients: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var email string
		if err := rows.Scan(&email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, email)
	}
	return out, rows.Err()
}
