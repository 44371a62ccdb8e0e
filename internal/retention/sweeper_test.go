package retention

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	calls     atomic.Int32
	olderThan atomic.Int64
	err       error
}

func (f *fakeStore) DeleteStaleSessions(_ context.Context, olderThan time.Duration) (int64, error) {
	f.calls.Add(1)
	f.olderThan.Store(int64(olderThan))
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

func TestStartSweeperDisabledByDefault(t *testing.T) {
	repo := &fakeStore{}
	if StartSweeper(context.Background(), repo, 0, time.Millisecond) {
		t.Fatal("expected sweeper to be disabled for zero retention")
	}
	time.Sleep(20 * time.Millisecond)
	if n := repo.calls.Load(); n != 0 {
		t.Errorf("expected no sweeps, got %d", n)
	}
}

func TestStartSweeperRunsUntilCanceled(t *testing.T) {
	repo := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())

	if !StartSweeper(ctx, repo, 72*time.Hour, 5*time.Millisecond) {
		t.Fatal("expected sweeper to start")
	}

	deadline := time.Now().Add(time.Second)
	for repo.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if n := repo.calls.Load(); n < 2 {
		t.Fatalf("expected at least two sweeps, got %d", n)
	}
	if got := time.Duration(repo.olderThan.Load()); got != 72*time.Hour {
		t.Errorf("expected retention 72h, got %v", got)
	}

	time.Sleep(20 * time.Millisecond)
	after := repo.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if repo.calls.Load() != after {
		t.Error("sweeper kept running after cancellation")
	}
}

func TestSweepReportsErrors(t *testing.T) {
	repo := &fakeStore{err: errors.New("disk I/O error")}
	if _, err := Sweep(context.Background(), repo, time.Hour); err == nil {
		t.Fatal("expected error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Sweep(ctx, repo, time.Hour); err != nil {
		t.Errorf("expected canceled sweep to be quiet, got %v", err)
	}
}

func TestSweepCountsDeleted(t *testing.T) {
	n, err := Sweep(context.Background(), &fakeStore{}, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
}
