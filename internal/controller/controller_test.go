package controller

import (
	"context"
	"testing"

	"execution_service/internal/driver"
	"execution_service/internal/models"
)

func TestCompareOutput(t *testing.T) {
	cases := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{"exact match", "3 4\n", "3 4\n", true},
		{"missing trailing newline on one side", "3 4\n", "3 4", true},
		{"CRLF vs LF", "3 4\r\n", "3 4\n", true},
		{"extra trailing blank lines beyond one are significant", "3 4\n\n", "3 4", false},
		{"whitespace within a line matters", "3 4\n", "3  4\n", false},
		{"wrong value", "3 4\n", "3 5\n", false},
		{"multi-line match", "1\n2\n3\n", "1\n2\n3\n", true},
		{"multi-line mismatch order", "1\n2\n3\n", "1\n3\n2\n", false},
		{"both empty", "", "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CompareOutput([]byte(tc.expected), []byte(tc.actual))
			if got != tc.want {
				t.Errorf("CompareOutput(%q, %q) = %v, want %v", tc.expected, tc.actual, got, tc.want)
			}
		})
	}
}

// fakeDriver is a scripted driver.Driver for exercising Controller.Judge
// without a real Docker daemon.
type fakeDriver struct {
	prepareErr  error
	compileRes  *models.AgentCompilationResult
	compileVer  models.Verdict
	compileErr  error
	testResults []driver.AgentResult
	testsErr    error
	closed      bool
}

func (f *fakeDriver) Prepare(ctx context.Context, task *models.JudgeTask) error { return f.prepareErr }
func (f *fakeDriver) Close(ctx context.Context) error                          { f.closed = true; return nil }
func (f *fakeDriver) Compile(ctx context.Context, task *models.JudgeTask) (*models.AgentCompilationResult, models.Verdict, error) {
	return f.compileRes, f.compileVer, f.compileErr
}
func (f *fakeDriver) Tests(ctx context.Context, task *models.JudgeTask, onStart driver.OnStartTest, onResult driver.OnTestResult) error {
	for i, res := range f.testResults {
		testID := task.Tests[i].TestCase.ID
		onStart(testID)
		onResult(task.Tests[i], res)
	}
	return f.testsErr
}

type fakeStore struct {
	running   []string
	results   []models.JudgeResult
	finished  *models.Verdict
	propagated *models.Verdict
}

func (s *fakeStore) SetResultRunning(ctx context.Context, contestID, problemID string, submissionID int64, testID string) error {
	s.running = append(s.running, testID)
	return nil
}
func (s *fakeStore) WriteResult(ctx context.Context, jr models.JudgeResult) error {
	s.results = append(s.results, jr)
	return nil
}
func (s *fakeStore) FinishSubmission(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict, compileTimeMs, maxTimeMs, maxMemoryKb *int64) error {
	v := status
	s.finished = &v
	return nil
}
func (s *fakeStore) PropagateVerdict(ctx context.Context, contestID, problemID string, submissionID int64, status models.Verdict) error {
	v := status
	s.propagated = &v
	return nil
}

func testTask() *models.JudgeTask {
	return &models.JudgeTask{
		ContestID: "c1", ProblemID: "p1", SubmissionID: 1,
		Tests: []models.TaskTest{
			{TestCase: models.TestCase{ID: "1", Output: []byte("7\n")}},
		},
	}
}

func TestJudgeAcceptedPath(t *testing.T) {
	drv := &fakeDriver{
		testResults: []driver.AgentResult{
			{Test: &models.AgentTestResult{Output: []byte("7\n"), TimeMs: 10, MemoryBytes: 2048}},
		},
	}
	store := &fakeStore{}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task := testTask()
	task.Code = emptyZstdFrame(t)
	task.Tests[0].TestCase.Input = emptyZstdFrame(t)
	task.Tests[0].TestCase.Output = zstdOf(t, []byte("7\n"))

	verdict, err := c.Judge(context.Background(), drv, task)
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if verdict != models.VerdictAccepted {
		t.Fatalf("verdict = %v, want Accepted", verdict)
	}
	if store.finished == nil || *store.finished != models.VerdictAccepted {
		t.Fatalf("finished status = %v, want Accepted", store.finished)
	}
	if !drv.closed {
		t.Fatalf("expected driver Close to be called")
	}
}

func TestJudgeCompileErrorPropagatesToAllResults(t *testing.T) {
	img := "gcc:latest"
	drv := &fakeDriver{compileVer: models.VerdictCompilationError}
	store := &fakeStore{}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task := testTask()
	task.CompileImageName = &img
	task.Code = emptyZstdFrame(t)
	task.Tests[0].TestCase.Input = emptyZstdFrame(t)
	task.Tests[0].TestCase.Output = emptyZstdFrame(t)

	verdict, err := c.Judge(context.Background(), drv, task)
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if verdict != models.VerdictCompilationError {
		t.Fatalf("verdict = %v, want CompilationError", verdict)
	}
	if store.propagated == nil || *store.propagated != models.VerdictCompilationError {
		t.Fatalf("propagated status = %v, want CompilationError", store.propagated)
	}
	if store.finished != nil {
		t.Fatalf("FinishSubmission should not be called on the compile-error path")
	}
}

type fakeArtifactCache struct {
	binary []byte
	hit    bool
	put    []byte
}

func (c *fakeArtifactCache) GetBinary(ctx context.Context, contestID, problemID string, submissionID int64) ([]byte, bool, error) {
	return c.binary, c.hit, nil
}
func (c *fakeArtifactCache) PutBinary(ctx context.Context, contestID, problemID string, submissionID int64, binary []byte) error {
	c.put = binary
	return nil
}

func TestJudgeSkipsCompileOnCacheHit(t *testing.T) {
	img := "gcc:latest"
	drv := &fakeDriver{
		compileErr: errFakePrepare, // Compile must never be called on a cache hit.
		testResults: []driver.AgentResult{
			{Test: &models.AgentTestResult{Output: []byte("7\n"), TimeMs: 10, MemoryBytes: 2048}},
		},
	}
	store := &fakeStore{}
	cache := &fakeArtifactCache{binary: []byte("cached-elf"), hit: true}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithArtifactCache(cache)

	task := testTask()
	task.CompileImageName = &img
	task.Code = emptyZstdFrame(t)
	task.Tests[0].TestCase.Input = emptyZstdFrame(t)
	task.Tests[0].TestCase.Output = zstdOf(t, []byte("7\n"))

	verdict, err := c.Judge(context.Background(), drv, task)
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if verdict != models.VerdictAccepted {
		t.Fatalf("verdict = %v, want Accepted", verdict)
	}
}

func TestJudgeCachesBinaryAfterCompile(t *testing.T) {
	img := "gcc:latest"
	drv := &fakeDriver{
		compileRes: &models.AgentCompilationResult{Binary: []byte("fresh-elf"), TimeMs: 5},
		testResults: []driver.AgentResult{
			{Test: &models.AgentTestResult{Output: []byte("7\n"), TimeMs: 10, MemoryBytes: 2048}},
		},
	}
	store := &fakeStore{}
	cache := &fakeArtifactCache{}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.WithArtifactCache(cache)

	task := testTask()
	task.CompileImageName = &img
	task.Code = emptyZstdFrame(t)
	task.Tests[0].TestCase.Input = emptyZstdFrame(t)
	task.Tests[0].TestCase.Output = zstdOf(t, []byte("7\n"))

	if _, err := c.Judge(context.Background(), drv, task); err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if string(cache.put) != "fresh-elf" {
		t.Fatalf("cache.put = %q, want %q", cache.put, "fresh-elf")
	}
}

func TestJudgePrepareFailureIsInternalError(t *testing.T) {
	drv := &fakeDriver{prepareErr: errFakePrepare}
	store := &fakeStore{}
	c, err := New(store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task := testTask()
	task.Code = emptyZstdFrame(t)
	task.Tests[0].TestCase.Input = emptyZstdFrame(t)
	task.Tests[0].TestCase.Output = emptyZstdFrame(t)

	verdict, err := c.Judge(context.Background(), drv, task)
	if err == nil {
		t.Fatalf("expected an error from Judge")
	}
	if verdict != models.VerdictInternalError {
		t.Fatalf("verdict = %v, want InternalError", verdict)
	}
	if store.finished == nil || *store.finished != models.VerdictInternalError {
		t.Fatalf("finished status = %v, want InternalError", store.finished)
	}
	if store.propagated != nil {
		t.Fatalf("PropagateVerdict should not be called on the prepare-failure path")
	}
}
