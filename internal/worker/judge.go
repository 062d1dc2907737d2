package worker

import (
	"context"
	"math/rand"

	"execution_service/internal/models"
	"execution_service/internal/queue"
)

// ClaimStore is the slice of the Persistence Adapter (C7) the Work
// Loop needs to turn a delivered envelope into a runnable JudgeTask.
type ClaimStore interface {
	ClaimSubmission(ctx context.Context, contestID, problemID string, submissionID int64) (*models.JudgeTask, bool, error)
}

// Broker is the slice of the Broker Client (C1) the Work Loop needs:
// it drives delivery via Start and acknowledges via Ack/Nack.
type Broker interface {
	Start(ctx context.Context, handle queue.Handler) error
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// WorkLoop is the Work Loop (C2): it turns judge_queue deliveries into
// claimed JudgeTasks and hands them to the Executor pool.
type WorkLoop struct {
	store  ClaimStore
	broker Broker
	pool   *Pool
}

func NewWorkLoop(store ClaimStore, broker Broker, pool *Pool) *WorkLoop {
	return &WorkLoop{store: store, broker: broker, pool: pool}
}

// Run blocks until ctx is cancelled, consuming judge_queue via the
// broker and dispatching each delivery through handle (spec §4.2).
func (wl *WorkLoop) Run(ctx context.Context) error {
	return wl.broker.Start(ctx, wl.handle)
}

// handle implements spec §4.2 steps 1-7: decode the envelope, claim
// the submission, and submit the resulting task to the Executor. A
// malformed envelope or a submission that is missing/already-judged
// is acked and dropped without touching any row; a claim-transaction
// error is nacked with requeue so the broker's at-least-once delivery
// gives it another attempt.
func (wl *WorkLoop) handle(ctx context.Context, body []byte, deliveryTag uint64) {
	env, err := queue.DecodeEnvelope(body)
	if err != nil {
		wl.broker.Ack(deliveryTag)
		return
	}

	task, claimed, err := wl.store.ClaimSubmission(ctx, env.ContestID, env.ProblemID, env.SubmissionID)
	if err != nil {
		wl.broker.Nack(deliveryTag, true)
		return
	}
	if !claimed {
		wl.broker.Ack(deliveryTag)
		return
	}

	shuffleTests(task.Tests)

	wl.pool.Submit(ctx, task, func(verdict models.Verdict, err error) {
		// Always ack on completion, even when the task errored: a
		// judging attempt that ran (however it ended) has already
		// consumed this delivery, and requeuing it would turn a
		// deterministic failure into a poison message redelivered
		// forever. Redelivery is reserved for crashes/channel loss
		// (spec §7), which the resume guard in ClaimSubmission already
		// handles idempotently; a completed-with-error attempt instead
		// surfaces through Worker.error_count (spec §4.6).
		wl.broker.Ack(deliveryTag)
	})
}

// shuffleTests randomizes the order in which a task's tests run, so no
// fixed ordering of a problem's tests is ever relied on (spec §4.2 step 8).
func shuffleTests(tests []models.TaskTest) {
	rand.Shuffle(len(tests), func(i, j int) {
		tests[i], tests[j] = tests[j], tests[i]
	})
}
