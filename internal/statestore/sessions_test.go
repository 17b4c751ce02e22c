package statestore

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/r3e-network/dalston/internal/platform/apierr"
)

func TestRetentionPurgeAfter_TransientKeepsAndDays(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if got := retentionPurgeAfter(0, now); got == nil || !got.Equal(now) {
		t.Fatalf("expected purge-now for retentionDays=0, got %v", got)
	}
	if got := retentionPurgeAfter(-1, now); got != nil {
		t.Fatalf("expected nil (keep forever) for retentionDays=-1, got %v", got)
	}
	want := now.AddDate(0, 0, 30)
	if got := retentionPurgeAfter(30, now); got == nil || !got.Equal(want) {
		t.Fatalf("expected %v for retentionDays=30, got %v", want, got)
	}
}

func TestEndSession_AlreadyTerminalWhenNoRowsAffected(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE realtime_sessions SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.EndSession(ctx, "session-1", SessionCompleted, 30)
	if err == nil {
		t.Fatal("expected an already-terminal error")
	}
	apiErr, ok := apierr.As(err)
	if !ok || apiErr.Code != apierr.CodeAlreadyTerminal {
		t.Fatalf("expected CodeAlreadyTerminal, got %#v", err)
	}
}

func TestEndSession_Succeeds(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`UPDATE realtime_sessions SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.EndSession(ctx, "session-1", SessionCompleted, 30); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
