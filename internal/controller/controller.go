// Package controller implements the Judge Controller (C5): decompress
// a claimed task, drive it through a Driver, apply the output
// comparison rule, aggregate per-test verdicts, and persist the
// result — grounded on
// original_source/backend/penguin_judge/judge/main.py's run/_prepare/
// _compile/_tests pipeline.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"execution_service/internal/driver"
	"execution_service/internal/models"

	"github.com/klauspost/compress/zstd"
)

// ErrDecompression is returned when a submission's code or a test
// case's input/output cannot be zstd-decompressed.
var ErrDecompression = errors.New("controller: decompression failed")

// Store is the slice of the Persistence Adapter (C7) the Controller
// needs to record progress and the final verdict.
type Store interface {
	SetResultRunning(ctx context.Context, contestID, problemID string, submissionID int64, testID string) error
	WriteResult(ctx context.Context, jr models.JudgeResult) error
	FinishSubmission(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict, compileTimeMs, maxTimeMs, maxMemoryKb *int64) error
	PropagateVerdict(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict) error
}

// ArtifactCache is the supplementary compiled-binary cache (spec §11,
// `internal/storage.ArtifactCache`). It is optional: a nil cache, a
// miss, or a cache-layer error all fall back to running Compile.
type ArtifactCache interface {
	GetBinary(ctx context.Context, contestID, problemID string, submissionID int64) ([]byte, bool, error)
	PutBinary(ctx context.Context, contestID, problemID string, submissionID int64, binary []byte) error
}

// Metrics is the slice of services.MetricsService the Controller
// records judging outcomes through. Optional like ArtifactCache: a nil
// Metrics turns every recording call into a no-op.
type Metrics interface {
	RecordSubmissionVerdict(verdict, image string)
	RecordSubmissionDuration(image, verdict string, duration time.Duration)
	RecordCompilationTime(image string, timeMs float64)
	RecordExecutionTime(image string, timeMs float64)
	RecordMemoryUsage(image string, memoryKb float64)
}

// Controller is the Judge Controller (C5).
type Controller struct {
	store   Store
	cache   ArtifactCache
	metrics Metrics
	events  EventPublisher
	zdec    *zstd.Decoder
}

func New(store Store) (*Controller, error) {
	zdec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("controller: failed to build zstd decoder: %w", err)
	}
	return &Controller{store: store, zdec: zdec}, nil
}

// WithArtifactCache attaches the optional compiled-binary cache.
func (c *Controller) WithArtifactCache(cache ArtifactCache) *Controller {
	c.cache = cache
	return c
}

// WithMetrics attaches the optional Prometheus recorder.
func (c *Controller) WithMetrics(metrics Metrics) *Controller {
	c.metrics = metrics
	return c
}

// EventPublisher is the slice of queue.Client the Controller uses to
// publish the judge.events fan-out notification (spec §11) on every
// submission finish. Optional: a nil EventPublisher is a no-op.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data map[string]any) error
}

// WithEventPublisher attaches the optional judge.events publisher.
func (c *Controller) WithEventPublisher(events EventPublisher) *Controller {
	c.events = events
	return c
}

// Judge runs one JudgeTask to completion against drv, which must have
// already been constructed fresh for this task; Judge calls Prepare
// and always calls Close before returning, regardless of outcome
// (spec §4.4: the driver owns the lifetime of the containers it
// starts for the scope of one task).
func (c *Controller) Judge(ctx context.Context, drv driver.Driver, task *models.JudgeTask) (models.Verdict, error) {
	defer drv.Close(ctx)
	start := time.Now()

	decompressed, err := c.decompressTask(task)
	if err != nil {
		if finishErr := c.store.FinishSubmission(ctx, task.ContestID, task.ProblemID, task.SubmissionID, models.VerdictInternalError, nil, nil, nil); finishErr != nil {
			return models.VerdictInternalError, fmt.Errorf("%w (also failed to record: %v)", err, finishErr)
		}
		c.onFinish(ctx, task, models.VerdictInternalError, start)
		return models.VerdictInternalError, err
	}
	task = decompressed

	if err := drv.Prepare(ctx, task); err != nil {
		if finishErr := c.store.FinishSubmission(ctx, task.ContestID, task.ProblemID, task.SubmissionID, models.VerdictInternalError, nil, nil, nil); finishErr != nil {
			return models.VerdictInternalError, fmt.Errorf("driver prepare failed: %w (also failed to record: %v)", err, finishErr)
		}
		c.onFinish(ctx, task, models.VerdictInternalError, start)
		return models.VerdictInternalError, fmt.Errorf("driver prepare failed: %w", err)
	}

	var compileTimeMs *int64
	if task.CompileImageName != nil {
		if cached, hit := c.cachedBinary(ctx, task); hit {
			task.Code = cached
		} else {
			result, verdict, err := drv.Compile(ctx, task)
			if err != nil {
				verdict = models.VerdictInternalError
			}
			if result == nil {
				if propagateErr := c.store.PropagateVerdict(ctx, task.ContestID, task.ProblemID, task.SubmissionID, verdict); propagateErr != nil {
					return verdict, fmt.Errorf("compile failed (%s), also failed to record: %w", verdict, propagateErr)
				}
				c.onFinish(ctx, task, verdict, start)
				return verdict, nil
			}
			task.Code = result.Binary
			compileTimeMs = &result.TimeMs
			if c.metrics != nil {
				c.metrics.RecordCompilationTime(*task.CompileImageName, float64(result.TimeMs))
			}
			if c.cache != nil {
				c.cache.PutBinary(ctx, task.ContestID, task.ProblemID, task.SubmissionID, result.Binary)
			}
		}
	}

	status, maxTimeMs, maxMemoryKb, err := c.runTests(ctx, drv, task)
	if err != nil {
		status = models.VerdictInternalError
	}

	if finishErr := c.store.FinishSubmission(ctx, task.ContestID, task.ProblemID, task.SubmissionID, status, compileTimeMs, maxTimeMs, maxMemoryKb); finishErr != nil {
		return status, fmt.Errorf("failed to persist final status %s: %w", status, finishErr)
	}
	c.onFinish(ctx, task, status, start)
	return status, nil
}

// recordOutcome reports the submission's terminal verdict and total
// wall time, labeled by the test image that ran it (spec has no
// "language" concept; the image name is this domain's equivalent
// dimension). A nil Metrics makes this a no-op.
func (c *Controller) recordOutcome(task *models.JudgeTask, status models.Verdict, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordSubmissionVerdict(status.String(), task.TestImageName)
	c.metrics.RecordSubmissionDuration(task.TestImageName, status.String(), time.Since(start))
}

// publishEvent notifies judge.events that this submission has reached
// a terminal status (spec §11). Best-effort: a publish failure does not
// fail the judging attempt, since the submission's authoritative status
// is already committed to the database.
func (c *Controller) publishEvent(ctx context.Context, task *models.JudgeTask, status models.Verdict) {
	if c.events == nil {
		return
	}
	c.events.PublishEvent(ctx, "judged", map[string]any{
		"contest_id":    task.ContestID,
		"problem_id":    task.ProblemID,
		"submission_id": task.SubmissionID,
		"status":        status.String(),
	})
}

// onFinish runs every side effect that accompanies a submission
// reaching a terminal status: metrics and the judge.events fan-out.
func (c *Controller) onFinish(ctx context.Context, task *models.JudgeTask, status models.Verdict, start time.Time) {
	c.recordOutcome(task, status, start)
	c.publishEvent(ctx, task, status)
}

// runTests drives drv.Tests, persisting each test's Running transition
// and final result as they complete, then aggregates (spec §4.5).
func (c *Controller) runTests(ctx context.Context, drv driver.Driver, task *models.JudgeTask) (models.Verdict, *int64, *int64, error) {
	var verdicts []models.Verdict
	var maxTimeMs, maxMemoryKb *int64
	var testErr error

	// A resumed run must aggregate over every test, not just the ones
	// re-executed this attempt (spec §4.2 step 6, R2/S5): fold in the
	// already-terminal results ClaimSubmission chose not to re-run.
	for _, jr := range task.Retained {
		verdicts = append(verdicts, jr.Status)
		maxTimeMs = maxInt64Ptr(maxTimeMs, jr.TimeMs)
		maxMemoryKb = maxInt64Ptr(maxMemoryKb, jr.MemoryKb)
	}

	onStart := func(testID string) {
		if err := c.store.SetResultRunning(ctx, task.ContestID, task.ProblemID, task.SubmissionID, testID); err != nil {
			testErr = fmt.Errorf("failed to mark test %s running: %w", testID, err)
		}
	}

	onResult := func(test models.TaskTest, result driver.AgentResult) {
		jr := models.JudgeResult{
			ContestID: task.ContestID, ProblemID: task.ProblemID,
			SubmissionID: task.SubmissionID, TestID: test.TestCase.ID,
		}

		switch {
		case result.Test != nil:
			timeMs, memKb := result.Test.TimeMs, result.Test.MemoryBytes/1024
			jr.TimeMs, jr.MemoryKb = &timeMs, &memKb
			if CompareOutput(test.TestCase.Output, result.Test.Output) {
				jr.Status = models.VerdictAccepted
			} else {
				jr.Status = models.VerdictWrongAnswer
			}
			maxTimeMs = maxInt64Ptr(maxTimeMs, &timeMs)
			maxMemoryKb = maxInt64Ptr(maxMemoryKb, &memKb)
			if c.metrics != nil {
				c.metrics.RecordExecutionTime(task.TestImageName, float64(timeMs))
				c.metrics.RecordMemoryUsage(task.TestImageName, float64(memKb))
			}
		case result.Err != nil:
			verdict, ok := models.VerdictFromName(result.Err.Kind)
			if !ok {
				verdict = models.VerdictInternalError
			}
			jr.Status = verdict
			jr.TimeMs, jr.MemoryKb = result.Err.TimeMs, memKbFromBytes(result.Err.MemoryBytes)
			maxTimeMs = maxInt64Ptr(maxTimeMs, jr.TimeMs)
			maxMemoryKb = maxInt64Ptr(maxMemoryKb, jr.MemoryKb)
		}

		verdicts = append(verdicts, jr.Status)
		if err := c.store.WriteResult(ctx, jr); err != nil {
			testErr = fmt.Errorf("failed to write result for test %s: %w", test.TestCase.ID, err)
		}
	}

	if err := drv.Tests(ctx, task, onStart, onResult); err != nil {
		verdicts = append(verdicts, models.VerdictInternalError)
	}

	if len(verdicts) == 0 {
		return models.VerdictInternalError, nil, nil, testErr
	}
	return models.Aggregate(verdicts), maxTimeMs, maxMemoryKb, testErr
}

// cachedBinary consults the artifact cache, if any. A nil cache, a
// miss, or a cache error all resolve to (nil, false): the caller
// always has a valid fallback in running Compile.
func (c *Controller) cachedBinary(ctx context.Context, task *models.JudgeTask) ([]byte, bool) {
	if c.cache == nil {
		return nil, false
	}
	binary, hit, err := c.cache.GetBinary(ctx, task.ContestID, task.ProblemID, task.SubmissionID)
	if err != nil || !hit {
		return nil, false
	}
	return binary, true
}

func memKbFromBytes(b *int64) *int64 {
	if b == nil {
		return nil
	}
	kb := *b / 1024
	return &kb
}

func maxInt64Ptr(a, b *int64) *int64 {
	if b == nil {
		return a
	}
	if a == nil || *b > *a {
		return b
	}
	return a
}

// decompressTask returns a copy of task with Code and every test's
// Input/Output zstd-decompressed (spec §6), leaving the original
// (still-compressed) task untouched.
func (c *Controller) decompressTask(task *models.JudgeTask) (*models.JudgeTask, error) {
	out := *task

	code, err := c.zdec.DecodeAll(task.Code, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: submission code: %v", ErrDecompression, err)
	}
	out.Code = code

	out.Tests = make([]models.TaskTest, len(task.Tests))
	for i, t := range task.Tests {
		input, err := c.zdec.DecodeAll(t.TestCase.Input, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: test %s input: %v", ErrDecompression, t.TestCase.ID, err)
		}
		output, err := c.zdec.DecodeAll(t.TestCase.Output, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: test %s output: %v", ErrDecompression, t.TestCase.ID, err)
		}
		t.TestCase.Input = input
		t.TestCase.Output = output
		out.Tests[i] = t
	}

	return &out, nil
}

// CompareOutput implements the canonical comparison rule (spec §4.5):
// split on '\n', trim a trailing '\r' per line, drop one trailing
// empty line on either side, then compare the resulting line
// sequences for equal length and byte-equal lines.
func CompareOutput(expected, actual []byte) bool {
	el := canonicalLines(expected)
	al := canonicalLines(actual)
	if len(el) != len(al) {
		return false
	}
	for i := range el {
		if el[i] != al[i] {
			return false
		}
	}
	return true
}

func canonicalLines(b []byte) []string {
	lines := strings.Split(string(b), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
