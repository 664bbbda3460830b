package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassifiers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err      error
		conflict bool
		missing  bool
	}{
		{nil, false, false},
		{errors.New("SQLITE_BUSY: database busy"), true, false},
		{errors.New("database is locked (5)"), true, false},
		{errors.New("SQL logic error: no such table: history_x (1)"), false, true},
		{errors.New("constraint failed"), false, false},
	}
	for _, tt := range tests {
		if got := IsSQLiteConflictError(tt.err); got != tt.conflict {
			t.Errorf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.conflict)
		}
		if got := IsSQLiteMissingTableError(tt.err); got != tt.missing {
			t.Errorf("IsSQLiteMissingTableError(%v) = %v, want %v", tt.err, got, tt.missing)
		}
	}
}

func TestRetryOnConflict(t *testing.T) {
	t.Parallel()

	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	permanent := errors.New("disk I/O error")
	err = RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected immediate failure, got err=%v calls=%d", err, calls)
	}
}
