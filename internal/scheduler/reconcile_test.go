package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/vedfolnir/vedfolnir/internal/domain"
)

type fakeTaskRepo struct {
	domain.CaptionTaskRepository
	resetCount int
	resetErr   error
	calls      int
}

func (f *fakeTaskRepo) ResetStuckRunning(ctx domain.Context, olderThan time.Duration) (int, error) {
	f.calls++
	return f.resetCount, f.resetErr
}

func TestReconcileOnce_ReturnsResetCount(t *testing.T) {
	repo := &fakeTaskRepo{resetCount: 3}
	r := NewReconciler(repo, time.Minute, time.Second)

	n, err := r.ReconcileOnce(context.Background())
	if err != nil {
		t.Fatalf("ReconcileOnce failed: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 reset tasks, got %d", n)
	}
	if repo.calls != 1 {
		t.Fatalf("expected ResetStuckRunning called once, got %d", repo.calls)
	}
}

func TestRun_SweepsUntilCancelled(t *testing.T) {
	repo := &fakeTaskRepo{resetCount: 0}
	r := NewReconciler(repo, time.Minute, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 35*time.Millisecond)
	defer cancel()

	r.Run(ctx)

	if repo.calls == 0 {
		t.Fatalf("expected at least one sweep before cancellation")
	}
}
