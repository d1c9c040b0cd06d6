package worker

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func setupTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestStaleSweeper_StartStop(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	sweeper := NewStaleSweeper(db)
	sweeper.SetInterval(time.Hour)

	if err := sweeper.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := sweeper.Start(); err == nil {
		t.Error("double Start() should return error")
	}
	sweeper.Stop()

	// Stopping twice must be safe.
	sweeper.Stop()
}

func TestStaleSweeper_SweepOnce(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	redisClient, redisCleanup := setupTestRedis(t)
	defer redisCleanup()

	mock.ExpectExec("UPDATE newsletters").
		WillReturnResult(sqlmock.NewResult(0, 2))

	sweeper := NewStaleSweeper(db)
	sweeper.SetRedisClient(redisClient)
	sweeper.SetThreshold(10 * time.Minute)

	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if n != 2 {
		t.Errorf("SweepOnce() = %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStaleSweeper_KeepsPartialDeliveries(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	redisClient, redisCleanup := setupTestRedis(t)
	defer redisCleanup()

	// A stale send that already delivered something is archived as
	// partially_failed, not failed.
	mock.ExpectExec("SET status = CASE WHEN delivered_count > 0 THEN 'partially_failed' ELSE 'failed' END").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sweeper := NewStaleSweeper(db)
	sweeper.SetRedisClient(redisClient)

	if _, err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}

func TestStaleSweeper_SweepSkippedWhenLockHeld(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()
	redisClient, redisCleanup := setupTestRedis(t)
	defer redisCleanup()

	// Another instance already holds the sweep lock.
	if err := redisClient.Set(context.Background(), "lock:newsletter:stale-sweeper", "other", time.Minute).Err(); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	sweeper := NewStaleSweeper(db)
	sweeper.SetRedisClient(redisClient)

	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce() error: %v", err)
	}
	if n != 0 {
		t.Errorf("SweepOnce() = %d, want 0 while lock is held", n)
	}
	// The database must not have been touched.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
