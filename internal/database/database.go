// Package database implements the Persistence Adapter (C7): transactions,
// row locking, and upserts over Postgres (spec §4.7). Grounded on the
// teacher's internal/database/database.go BeginTxx/defer-Rollback/Commit
// pattern, generalized from the teacher's submission-tracking schema to
// the judging pipeline's schema in §3.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"execution_service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps a Postgres connection pool.
type DB struct {
	conn *sqlx.DB
}

func NewDB(databaseURL string, maxOpenConns, maxIdleConns int, connMaxLifetime time.Duration) (*DB, error) {
	conn, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("database: failed to connect: %w", err)
	}

	conn.SetMaxOpenConns(maxOpenConns)
	conn.SetMaxIdleConns(maxIdleConns)
	conn.SetConnMaxLifetime(connMaxLifetime)

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// RetryOnSchemaRace runs op, retrying with a 50-100ms jitter when the
// underlying error looks like a concurrent first-boot CREATE TABLE race
// (spec §4.7: "table creation can race between co-starting processes").
// Bounded to 20 attempts — in steady state op succeeds on the first try
// and this is a no-op wrapper.
func RetryOnSchemaRace(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !looksLikeSchemaRace(lastErr) {
			return lastErr
		}
		delay := time.Duration(50+rand.Intn(50)) * time.Millisecond
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return lastErr
}

func looksLikeSchemaRace(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "does not exist") ||
		strings.Contains(msg, "duplicate key value")
}

// claimable reports whether a Submission.status value may be claimed by a
// re-delivered message (spec §4.2 step 2).
func claimable(v models.Verdict) bool {
	return v == models.VerdictWaiting || v == models.VerdictRunning || v == models.VerdictInternalError
}

// resumable is the set of JudgeResult.status values whose test must be
// re-run when a submission is resumed (spec §4.2 step 6).
func resumable(v models.Verdict) bool {
	return v == models.VerdictWaiting || v == models.VerdictRunning || v == models.VerdictInternalError
}

// ClaimSubmission implements spec §4.2 steps 2-7: in a serializable
// transaction, select the submission FOR UPDATE, reject if missing or
// already judged, fetch Environment/Problem/TestCases, materialize the
// JudgeTask (inserting fresh JudgeResult rows and reusing resumable
// ones), set status=Running, and commit. The returned bool is false
// (with nil error) exactly when the message is to be acked and dropped:
// row missing, already judged, or its Environment or Problem missing.
func (db *DB) ClaimSubmission(ctx context.Context, contestID, problemID string, submissionID int64) (*models.JudgeTask, bool, error) {
	tx, err := db.conn.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, fmt.Errorf("database: begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	var sub models.Submission
	err = tx.GetContext(ctx, &sub, `
		SELECT contest_id, problem_id, id, user_id, code, environment_id, status,
		       compile_time_ms, max_time_ms, max_memory_kb, created, updated
		FROM submissions
		WHERE contest_id = $1 AND problem_id = $2 AND id = $3
		FOR UPDATE`,
		contestID, problemID, submissionID)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("database: select submission for update: %w", err)
	}

	if !claimable(sub.Status) {
		return nil, false, nil
	}

	var env models.Environment
	if err := tx.GetContext(ctx, &env, `
		SELECT id, name, active, published, compile_image_name, test_image_name
		FROM environments WHERE id = $1`, sub.EnvironmentID); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("database: environment %d not found: %w", sub.EnvironmentID, err)
	}

	var prob models.Problem
	if err := tx.GetContext(ctx, &prob, `
		SELECT contest_id, id, time_limit_sec, memory_limit_mb
		FROM problems WHERE contest_id = $1 AND id = $2`, contestID, problemID); err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("database: problem (%s,%s) not found: %w", contestID, problemID, err)
	}

	var existing []models.JudgeResult
	if err := tx.SelectContext(ctx, &existing, `
		SELECT contest_id, problem_id, submission_id, test_id, status, time_ms, memory_kb
		FROM judge_results
		WHERE contest_id = $1 AND problem_id = $2 AND submission_id = $3`,
		contestID, problemID, submissionID); err != nil {
		return nil, false, fmt.Errorf("database: load existing judge results: %w", err)
	}
	existingByTest := make(map[string]models.JudgeResult, len(existing))
	for _, jr := range existing {
		existingByTest[jr.TestID] = jr
	}

	var testCases []models.TestCase
	if err := tx.SelectContext(ctx, &testCases, `
		SELECT contest_id, problem_id, id, input, output
		FROM test_cases WHERE contest_id = $1 AND problem_id = $2`,
		contestID, problemID); err != nil {
		return nil, false, fmt.Errorf("database: load test cases: %w", err)
	}

	task := &models.JudgeTask{
		ContestID:        contestID,
		ProblemID:        problemID,
		SubmissionID:     submissionID,
		Code:             sub.Code,
		CompileImageName: env.CompileImageName,
		TestImageName:    env.TestImageName,
		TimeLimitSec:     prob.TimeLimitSec,
		MemoryLimitMb:    prob.MemoryLimitMb,
	}

	const insertResult = `
		INSERT INTO judge_results (contest_id, problem_id, submission_id, test_id, status)
		VALUES ($1, $2, $3, $4, $5)`

	for _, tc := range testCases {
		prior, ok := existingByTest[tc.ID]
		if !ok {
			jr := models.JudgeResult{
				ContestID: contestID, ProblemID: problemID,
				SubmissionID: submissionID, TestID: tc.ID,
				Status: models.VerdictWaiting,
			}
			if _, err := tx.ExecContext(ctx, insertResult, contestID, problemID, submissionID, tc.ID, jr.Status); err != nil {
				return nil, false, fmt.Errorf("database: insert judge result for test %s: %w", tc.ID, err)
			}
			task.Tests = append(task.Tests, models.TaskTest{TestCase: tc, Result: jr})
			continue
		}
		if resumable(prior.Status) {
			task.Tests = append(task.Tests, models.TaskTest{TestCase: tc, Result: prior})
		} else {
			// Already-terminal: not re-run, but still counts toward the
			// submission's final aggregation and max_time/max_memory.
			task.Retained = append(task.Retained, prior)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions SET status = $1, updated = NOW()
		WHERE contest_id = $2 AND problem_id = $3 AND id = $4`,
		models.VerdictRunning, contestID, problemID, submissionID); err != nil {
		return nil, false, fmt.Errorf("database: set submission running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("database: commit claim transaction: %w", err)
	}

	return task, true, nil
}

// SetResultRunning marks one JudgeResult Running in its own short
// transaction, without locking Submission (spec §4.5 on_start, §5
// shared-resource policy).
func (db *DB) SetResultRunning(ctx context.Context, contestID, problemID string, submissionID int64, testID string) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE judge_results SET status = $1
		WHERE contest_id = $2 AND problem_id = $3 AND submission_id = $4 AND test_id = $5`,
		models.VerdictRunning, contestID, problemID, submissionID, testID)
	if err != nil {
		return fmt.Errorf("database: set result running: %w", err)
	}
	return nil
}

// WriteResult persists one final JudgeResult in its own short
// transaction (spec §4.5 on_result).
func (db *DB) WriteResult(ctx context.Context, jr models.JudgeResult) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE judge_results SET status = $1, time_ms = $2, memory_kb = $3
		WHERE contest_id = $4 AND problem_id = $5 AND submission_id = $6 AND test_id = $7`,
		jr.Status, jr.TimeMs, jr.MemoryKb, jr.ContestID, jr.ProblemID, jr.SubmissionID, jr.TestID)
	if err != nil {
		return fmt.Errorf("database: write judge result: %w", err)
	}
	return nil
}

// FinishSubmission persists the final submission state: status,
// compile_time, max_time, max_memory (spec §4.5 step 6).
func (db *DB) FinishSubmission(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict, compileTimeMs, maxTimeMs, maxMemoryKb *int64) error {
	_, err := db.conn.ExecContext(ctx, `
		UPDATE submissions
		SET status = $1, compile_time_ms = $2, max_time_ms = $3, max_memory_kb = $4, updated = NOW()
		WHERE contest_id = $5 AND problem_id = $6 AND id = $7`,
		status, compileTimeMs, maxTimeMs, maxMemoryKb, contestID, problemID, submissionID)
	if err != nil {
		return fmt.Errorf("database: finish submission: %w", err)
	}
	return nil
}

// PropagateVerdict sets the submission status and every existing
// JudgeResult for it to the same verdict (spec §4.5 step 3, the
// CompilationError / pre-test-Verdict path), in one transaction.
func (db *DB) PropagateVerdict(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict) error {
	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin propagate transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE submissions SET status = $1, updated = NOW()
		WHERE contest_id = $2 AND problem_id = $3 AND id = $4`,
		status, contestID, problemID, submissionID); err != nil {
		return fmt.Errorf("database: propagate to submission: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE judge_results SET status = $1
		WHERE contest_id = $2 AND problem_id = $3 AND submission_id = $4`,
		status, contestID, problemID, submissionID); err != nil {
		return fmt.Errorf("database: propagate to judge results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit propagate transaction: %w", err)
	}
	return nil
}

// UpsertWorker inserts or refreshes a Worker liveness row (spec §4.6).
func (db *DB) UpsertWorker(ctx context.Context, w models.Worker) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO workers (hostname, pid, max_processes, startup_time, last_contact, processed_count, error_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hostname, pid) DO UPDATE SET
			last_contact = EXCLUDED.last_contact,
			processed_count = EXCLUDED.processed_count,
			error_count = EXCLUDED.error_count`,
		w.Hostname, w.Pid, w.MaxProcesses, w.StartupTime, w.LastContact, w.ProcessedCount, w.ErrorCount)
	if err != nil {
		return fmt.Errorf("database: upsert worker: %w", err)
	}
	return nil
}

// SweepStaleWorkers deletes Worker rows whose last_contact is older than
// staleAfter (spec §4.6: a pure GC, ten heartbeat intervals).
func (db *DB) SweepStaleWorkers(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		DELETE FROM workers WHERE last_contact < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int64(staleAfter.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("database: sweep stale workers: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
