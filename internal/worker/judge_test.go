package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execution_service/internal/controller"
	"execution_service/internal/driver"
	"execution_service/internal/models"
	"execution_service/internal/queue"
)

type fakeBroker struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  map[uint64]bool
}

func (b *fakeBroker) Start(ctx context.Context, handle queue.Handler) error { return nil }
func (b *fakeBroker) Ack(deliveryTag uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, deliveryTag)
	return nil
}
func (b *fakeBroker) Nack(deliveryTag uint64, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nacked == nil {
		b.nacked = make(map[uint64]bool)
	}
	b.nacked[deliveryTag] = requeue
	return nil
}

type fakeClaimStore struct {
	task    *models.JudgeTask
	claimed bool
	err     error
}

func (s *fakeClaimStore) ClaimSubmission(ctx context.Context, contestID, problemID string, submissionID int64) (*models.JudgeTask, bool, error) {
	return s.task, s.claimed, s.err
}

func newTestPool() *Pool {
	p := NewPool(1, nil, nil)
	return p
}

func TestHandleMalformedEnvelopeAcksAndDrops(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeClaimStore{}
	wl := NewWorkLoop(store, broker, newTestPool())

	wl.handle(context.Background(), []byte{0xFF}, 42)

	if len(broker.acked) != 1 || broker.acked[0] != 42 {
		t.Fatalf("expected delivery 42 to be acked, got acked=%v nacked=%v", broker.acked, broker.nacked)
	}
}

func TestHandleClaimErrorNacksWithRequeue(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeClaimStore{err: errors.New("db down")}
	wl := NewWorkLoop(store, broker, newTestPool())

	body, _ := queue.EncodeEnvelope(queue.Envelope{ContestID: "c", ProblemID: "p", SubmissionID: 1})
	wl.handle(context.Background(), body, 7)

	if requeue, ok := broker.nacked[7]; !ok || !requeue {
		t.Fatalf("expected delivery 7 to be nacked with requeue, got acked=%v nacked=%v", broker.acked, broker.nacked)
	}
}

func TestHandleNotClaimableAcksAndDrops(t *testing.T) {
	broker := &fakeBroker{}
	store := &fakeClaimStore{claimed: false}
	wl := NewWorkLoop(store, broker, newTestPool())

	body, _ := queue.EncodeEnvelope(queue.Envelope{ContestID: "c", ProblemID: "p", SubmissionID: 1})
	wl.handle(context.Background(), body, 3)

	if len(broker.acked) != 1 || broker.acked[0] != 3 {
		t.Fatalf("expected delivery 3 to be acked, got acked=%v nacked=%v", broker.acked, broker.nacked)
	}
}

// TestHandleCompletionErrorStillAcks covers spec §4.2 step 9: once a
// claimed task has actually run through the Executor, completion is
// always acked, even when it errored, so a deterministically-failing
// submission is not redelivered forever as a poison message. The
// error surfaces instead through Worker.error_count (spec §4.6).
func TestHandleCompletionErrorStillAcks(t *testing.T) {
	ctrl, err := controller.New(noopStore{})
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	pool := NewPool(1, ctrl, func() (driver.Driver, error) { return nil, errDriverUnavailable })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	broker := &fakeBroker{}
	store := &fakeClaimStore{claimed: true, task: &models.JudgeTask{}}
	wl := NewWorkLoop(store, broker, pool)

	body, _ := queue.EncodeEnvelope(queue.Envelope{ContestID: "c", ProblemID: "p", SubmissionID: 1})
	wl.handle(ctx, body, 9)

	deadline := time.After(2 * time.Second)
	for {
		broker.mu.Lock()
		acked := len(broker.acked) == 1 && broker.acked[0] == 9
		nacked := len(broker.nacked) != 0
		broker.mu.Unlock()
		if acked {
			return
		}
		if nacked {
			t.Fatalf("expected delivery 9 to be acked despite the task erroring, got nacked instead")
		}
		select {
		case <-deadline:
			t.Fatalf("delivery 9 was never acked")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestShuffleTestsPreservesSet(t *testing.T) {
	tests := []models.TaskTest{
		{TestCase: models.TestCase{ID: "1"}},
		{TestCase: models.TestCase{ID: "2"}},
		{TestCase: models.TestCase{ID: "3"}},
		{TestCase: models.TestCase{ID: "4"}},
	}
	shuffleTests(tests)

	seen := make(map[string]bool)
	for _, tc := range tests {
		seen[tc.TestCase.ID] = true
	}
	for _, id := range []string{"1", "2", "3", "4"} {
		if !seen[id] {
			t.Fatalf("shuffleTests lost test %s", id)
		}
	}
}
