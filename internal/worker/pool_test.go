package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution_service/internal/controller"
	"execution_service/internal/driver"
	"execution_service/internal/models"
)

var errDriverUnavailable = errors.New("fake: driver unavailable")

type noopDriver struct{}

func (noopDriver) Prepare(ctx context.Context, task *models.JudgeTask) error { return nil }
func (noopDriver) Close(ctx context.Context) error                          { return nil }
func (noopDriver) Compile(ctx context.Context, task *models.JudgeTask) (*models.AgentCompilationResult, models.Verdict, error) {
	return nil, models.VerdictWaiting, nil
}
func (noopDriver) Tests(ctx context.Context, task *models.JudgeTask, onStart driver.OnStartTest, onResult driver.OnTestResult) error {
	return nil
}

type noopStore struct{}

func (noopStore) SetResultRunning(ctx context.Context, contestID, problemID string, submissionID int64, testID string) error {
	return nil
}
func (noopStore) WriteResult(ctx context.Context, jr models.JudgeResult) error { return nil }
func (noopStore) FinishSubmission(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict, compileTimeMs, maxTimeMs, maxMemoryKb *int64) error {
	return nil
}
func (noopStore) PropagateVerdict(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict) error {
	return nil
}

func TestPoolRunsSubmittedJobAndCountsProcessed(t *testing.T) {
	ctrl, err := controller.New(noopStore{})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	pool := NewPool(2, ctrl, func() (driver.Driver, error) { return noopDriver{}, nil })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	done := make(chan models.Verdict, 1)
	pool.Submit(ctx, &models.JudgeTask{}, func(verdict models.Verdict, err error) {
		done <- verdict
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not complete")
	}

	if pool.Processed() != 1 {
		t.Fatalf("Processed() = %d, want 1", pool.Processed())
	}
}

func TestPoolDriverFactoryErrorCountsAsError(t *testing.T) {
	ctrl, err := controller.New(noopStore{})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	pool := NewPool(1, ctrl, func() (driver.Driver, error) { return nil, errDriverUnavailable })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	done := make(chan error, 1)
	pool.Submit(ctx, &models.JudgeTask{}, func(verdict models.Verdict, err error) {
		done <- err
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatalf("expected an error from a failed driver factory")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job did not complete")
	}

	if pool.Errors() != 1 {
		t.Fatalf("Errors() = %d, want 1", pool.Errors())
	}
}
