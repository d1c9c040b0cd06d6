package postgres

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/ortsverband/newsletter-dispatch/internal/domain"
)

func TestSettingsRepo_GetDefaultsWhenUnsaved(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewSettingsRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM dispatch_settings").
		WillReturnRows(sqlmock.NewRows([]string{"use_bcc"}))

	got, err := repo.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !reflect.DeepEqual(got, domain.DefaultDispatchSettings()) {
		t.Errorf("Get() = %+v, want shipped defaults", got)
	}
}

func TestSettingsRepo_Get(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewSettingsRepo(db)

	mock.ExpectQuery("SELECT (.+) FROM dispatch_settings").
		WillReturnRows(sqlmock.NewRows([]string{
			"use_bcc", "chunk_size", "chunk_delay_ms", "max_connections", "max_messages",
			"connection_timeout_ms", "greeting_timeout_ms", "socket_timeout_ms",
			"email_timeout_ms", "max_retries", "retry_chunk_sizes",
		}).AddRow(false, 25, 1500, 3, 50, 10000, 10000, 30000, 90000, 2, "{8,2}"))

	got, err := repo.Get(context.Background())
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.UseBCC || got.ChunkSize != 25 {
		t.Errorf("unexpected settings: %+v", got)
	}
	if got.ChunkDelay != 1500*time.Millisecond || got.SocketTimeout != 30*time.Second {
		t.Errorf("durations not converted from milliseconds: %+v", got)
	}
	if !reflect.DeepEqual(got.RetryChunkSizes, []int{8, 2}) {
		t.Errorf("RetryChunkSizes = %v, want [8 2]", got.RetryChunkSizes)
	}
}

func TestSettingsRepo_Update(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewSettingsRepo(db)

	s := domain.DefaultDispatchSettings()
	s.ChunkSize = 30
	s.RetryChunkSizes = []int{6, 3, 1}

	mock.ExpectExec("INSERT INTO dispatch_settings").
		WithArgs(true, 30, int64(2000), 5, 100,
			int64(30000), int64(30000), int64(60000), int64(120000),
			3, pq.Int64Array{6, 3, 1}).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Update(context.Background(), s); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestSubscriberRepo_ActiveRecipients(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	repo := NewSubscriberRepo(db)

	mock.ExpectQuery("SELECT email FROM subscribers").
		WillReturnRows(sqlmock.NewRows([]string{"email"}).
			AddRow("anna@example.org").
			AddRow("bernd@example.org"))

	got, err := repo.ActiveRecipients(context.Background())
	if err != nil {
		t.Fatalf("ActiveRecipients() error: %v", err)
	}
	want := []string{"anna@example.org", "bernd@example.org"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ActiveRecipients() = %v, want %v", got, want)
	}
}
