package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Verdict is the enumerated status of a submission or a single test
// result. Ordinal values are what Scan/Value persist to Postgres; the
// agent protocol names verdicts by string instead (see VerdictFromName).
type Verdict uint8

const (
	VerdictWaiting             Verdict = 0x00
	VerdictRunning             Verdict = 0x01
	VerdictAccepted            Verdict = 0x10
	VerdictCompilationError    Verdict = 0x20
	VerdictRuntimeError        Verdict = 0x21
	VerdictWrongAnswer         Verdict = 0x22
	VerdictMemoryLimitExceeded Verdict = 0x30
	VerdictTimeLimitExceeded   Verdict = 0x31
	VerdictOutputLimitExceeded Verdict = 0x32
	VerdictInternalError       Verdict = 0xFF
)

var verdictNames = map[Verdict]string{
	VerdictWaiting:             "Waiting",
	VerdictRunning:             "Running",
	VerdictAccepted:            "Accepted",
	VerdictCompilationError:    "CompilationError",
	VerdictRuntimeError:        "RuntimeError",
	VerdictWrongAnswer:         "WrongAnswer",
	VerdictMemoryLimitExceeded: "MemoryLimitExceeded",
	VerdictTimeLimitExceeded:   "TimeLimitExceeded",
	VerdictOutputLimitExceeded: "OutputLimitExceeded",
	VerdictInternalError:       "InternalError",
}

var verdictByLowerName = func() map[string]Verdict {
	m := make(map[string]Verdict, len(verdictNames))
	for v, name := range verdictNames {
		m[toLower(name)] = v
	}
	return m
}()

func toLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (v Verdict) String() string {
	if name, ok := verdictNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Verdict(0x%02X)", uint8(v))
}

// VerdictFromName converts an agent-reported `kind` string to a Verdict,
// case-insensitively (spec §4.4: "kind is converted to the Verdict of the
// same name (case-insensitive)"). Returns VerdictInternalError and false
// when the name does not match any known verdict (spec §7: "Unknown agent
// kind string" → InternalError for that test).
func VerdictFromName(name string) (Verdict, bool) {
	v, ok := verdictByLowerName[toLower(name)]
	if !ok {
		return VerdictInternalError, false
	}
	return v, true
}

// Terminal reports whether a submission in this status has finished
// judging (P1: a completed submission is never Waiting or Running).
func (v Verdict) Terminal() bool {
	return v != VerdictWaiting && v != VerdictRunning
}

func (v Verdict) Value() (driver.Value, error) {
	return int64(v), nil
}

func (v *Verdict) Scan(value interface{}) error {
	switch x := value.(type) {
	case nil:
		*v = VerdictWaiting
		return nil
	case int64:
		*v = Verdict(x)
		return nil
	case int32:
		*v = Verdict(x)
		return nil
	case int:
		*v = Verdict(x)
		return nil
	default:
		return fmt.Errorf("models: cannot scan %T into Verdict", value)
	}
}

// aggregationPriority is the order in which a non-uniform set of test
// verdicts is resolved into a submission verdict (spec §4.5 step 5).
// Accepted never wins when the set is non-uniform; CompilationError
// cannot occur here (it is a pre-test verdict handled separately).
var aggregationPriority = []Verdict{
	VerdictInternalError,
	VerdictRuntimeError,
	VerdictWrongAnswer,
	VerdictMemoryLimitExceeded,
	VerdictTimeLimitExceeded,
	VerdictOutputLimitExceeded,
}

// Aggregate computes the submission verdict from the set of per-test
// verdicts already observed (spec §4.5 step 5 / testable properties
// P2, P3). Panics on an empty slice — callers must have at least one
// test result.
func Aggregate(verdicts []Verdict) Verdict {
	if len(verdicts) == 0 {
		panic("models: Aggregate called with no verdicts")
	}
	seen := make(map[Verdict]bool, len(verdicts))
	for _, v := range verdicts {
		seen[v] = true
	}
	if len(seen) == 1 {
		return verdicts[0]
	}
	for _, candidate := range aggregationPriority {
		if seen[candidate] {
			return candidate
		}
	}
	return VerdictInternalError
}

// Submission is the unit of work (spec §3).
type Submission struct {
	ContestID     string     `db:"contest_id" json:"contest_id"`
	ProblemID     string     `db:"problem_id" json:"problem_id"`
	ID            int64      `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"user_id"`
	Code          []byte     `db:"code" json:"-"`
	EnvironmentID int64      `db:"environment_id" json:"environment_id"`
	Status        Verdict    `db:"status" json:"status"`
	CompileTimeMs *int64     `db:"compile_time_ms" json:"compile_time_ms,omitempty"`
	MaxTimeMs     *int64     `db:"max_time_ms" json:"max_time_ms,omitempty"`
	MaxMemoryKb   *int64     `db:"max_memory_kb" json:"max_memory_kb,omitempty"`
	Created       time.Time  `db:"created" json:"created"`
	Updated       *time.Time `db:"updated" json:"updated,omitempty"`
}

// JudgeResult is one row per (submission, test case) (spec §3).
type JudgeResult struct {
	ContestID    string  `db:"contest_id" json:"contest_id"`
	ProblemID    string  `db:"problem_id" json:"problem_id"`
	SubmissionID int64   `db:"submission_id" json:"submission_id"`
	TestID       string  `db:"test_id" json:"test_id"`
	Status       Verdict `db:"status" json:"status"`
	TimeMs       *int64  `db:"time_ms" json:"time_ms,omitempty"`
	MemoryKb     *int64  `db:"memory_kb" json:"memory_kb,omitempty"`
}

// TestCase is immutable during judging (spec §3).
type TestCase struct {
	ContestID string `db:"contest_id" json:"contest_id"`
	ProblemID string `db:"problem_id" json:"problem_id"`
	ID        string `db:"id" json:"id"`
	Input     []byte `db:"input" json:"-"`
	Output    []byte `db:"output" json:"-"`
}

// Environment describes the sandbox images used to judge a submission
// (spec §3). CompileImageName absent (nil) means no compile phase.
type Environment struct {
	ID               int64   `db:"id" json:"id"`
	Name             string  `db:"name" json:"name"`
	Active           bool    `db:"active" json:"active"`
	Published        bool    `db:"published" json:"published"`
	CompileImageName *string `db:"compile_image_name" json:"compile_image_name,omitempty"`
	TestImageName    string  `db:"test_image_name" json:"test_image_name"`
}

// Problem carries the resource limits a submission is judged under
// (spec §3).
type Problem struct {
	ContestID     string `db:"contest_id" json:"contest_id"`
	ID            string `db:"id" json:"id"`
	TimeLimitSec  int    `db:"time_limit_sec" json:"time_limit_sec"`
	MemoryLimitMb int    `db:"memory_limit_mb" json:"memory_limit_mb"`
}

// Worker is a liveness row keyed by (hostname, pid) (spec §3, §4.6).
type Worker struct {
	Hostname       string    `db:"hostname" json:"hostname"`
	Pid            int       `db:"pid" json:"pid"`
	MaxProcesses   int       `db:"max_processes" json:"max_processes"`
	StartupTime    time.Time `db:"startup_time" json:"startup_time"`
	LastContact    time.Time `db:"last_contact" json:"last_contact"`
	ProcessedCount int64     `db:"processed_count" json:"processed_count"`
	ErrorCount     int64     `db:"error_count" json:"error_count"`
}

// JudgeTask is the in-memory bundle consumed by the Controller
// (spec §4.2 step 6, GLOSSARY).
type JudgeTask struct {
	ContestID        string
	ProblemID        string
	SubmissionID     int64
	Code             []byte
	CompileImageName *string
	TestImageName    string
	TimeLimitSec     int
	MemoryLimitMb    int
	CompileTimeMs    int64
	Tests            []TaskTest
	// Retained holds already-terminal JudgeResults from a prior attempt
	// at this submission that ClaimSubmission chose not to re-run (spec
	// §4.2 step 6). The Controller must fold these into the final
	// aggregation and max_time/max_memory alongside Tests' fresh
	// results — a resumed run aggregates over every test, not just the
	// ones it re-executed.
	Retained []JudgeResult
}

// TaskTest pairs a TestCase with the JudgeResult row created for it when
// the task was claimed (spec §4.2 step 6).
type TaskTest struct {
	TestCase TestCase
	Result   JudgeResult
}

// AgentCompilationResult is the agent's success response to a
// Compilation message (spec §4.4).
type AgentCompilationResult struct {
	Binary []byte
	TimeMs int64
}

// AgentTestResult is the agent's success response to a Test message
// (spec §4.4). Carrying (time, memory) implies normal execution;
// correctness is judged by the Controller, not the agent.
type AgentTestResult struct {
	Output      []byte
	TimeMs      int64
	MemoryBytes int64
}

// AgentError is the agent's terminal-failure response, carried for both
// compile and test phases (spec §4.4).
type AgentError struct {
	Kind        string
	TimeMs      *int64
	MemoryBytes *int64
}

// EventMessage is published to the secondary judge.events exchange
// (SPEC_FULL.md §11) — a low-volume fan-out notification, not the hot
// dequeue path, so it keeps the teacher's JSON envelope shape.
type EventMessage struct {
	EventType string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}
