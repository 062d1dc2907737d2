// Package driver implements the Judge Driver (C4): per-task container
// lifecycle and the agent wire protocol, grounded on
// original_source/backend/penguin_judge/judge/docker.py's attach-based
// design and adapted to the Docker Go client the way
// teradata-labs-loom/pkg/docker/executor.go wires it.
package driver

import (
	"context"
	"errors"
	"fmt"

	"execution_service/internal/models"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ErrAgentFraming is returned when a frame or stream cannot be parsed
// the way the agent protocol requires.
var ErrAgentFraming = errors.New("driver: malformed agent frame")

// ErrUnknownVerdictKind is returned when an Error message names a kind
// that does not map to a Verdict.
var ErrUnknownVerdictKind = errors.New("driver: unknown verdict kind")

// OnStartTest is invoked immediately before a test case's input is sent
// to the agent; the Controller uses it to commit the Running status
// (spec §4.5).
type OnStartTest func(testID string)

// OnTestResult is invoked once a test case's result (success or error)
// has arrived.
type OnTestResult func(test models.TaskTest, result AgentResult)

// AgentResult is the tagged union returned by the agent for a completed
// test: exactly one of Test or Err is non-nil.
type AgentResult struct {
	Test *models.AgentTestResult
	Err  *models.AgentError
}

// Driver is the Judge Driver (C4) contract: prepare a scope for one
// task's containers, compile inside it, then run every test inside it.
type Driver interface {
	// Prepare creates and starts the compile/test containers for task.
	Prepare(ctx context.Context, task *models.JudgeTask) error

	// Compile sends the Compilation message and returns either the
	// compiled artifact or a terminal Verdict (CompilationError or
	// InternalError) when compilation did not produce a runnable binary.
	Compile(ctx context.Context, task *models.JudgeTask) (*models.AgentCompilationResult, models.Verdict, error)

	// Tests sends the Preparation message followed by one Test message
	// per test case, in task.Tests order, invoking onStart immediately
	// before each send and onResult immediately after each reply.
	Tests(ctx context.Context, task *models.JudgeTask, onStart OnStartTest, onResult OnTestResult) error

	// Close kills every container started for this task's scope,
	// regardless of how the scope exits (spec §4.4: on scope exit the
	// driver kills all started containers).
	Close(ctx context.Context) error
}

// DockerDriver is the Driver backed by the real Docker daemon. One
// DockerDriver instance is scoped to a single JudgeTask: an Executor
// slot (spec §4.3) constructs a fresh DockerDriver per task via
// NewDockerDriver and calls Close when the task completes.
type DockerDriver struct {
	cli               *client.Client
	compileContainer  string
	testContainer     string
	compileTimeoutSec int
	compileMemoryMb   int
	testPidsLimit     int
	testOutputLimitMb int
}

// NewDockerDriver dials the Docker daemon named by dockerHost (empty
// string defers to the client library's own DOCKER_HOST/default-socket
// resolution, matching client.FromEnv semantics).
func NewDockerDriver(dockerHost string, compileTimeoutSec, compileMemoryMb, testPidsLimit, testOutputLimitMb int) (*DockerDriver, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("driver: failed to create docker client: %w", err)
	}

	if _, err := cli.Ping(context.Background()); err != nil {
		cli.Close()
		return nil, fmt.Errorf("driver: failed to ping docker daemon: %w", err)
	}

	return &DockerDriver{
		cli:               cli,
		compileTimeoutSec: compileTimeoutSec,
		compileMemoryMb:   compileMemoryMb,
		testPidsLimit:     testPidsLimit,
		testOutputLimitMb: testOutputLimitMb,
	}, nil
}

// Prepare implements spec §4.4's container-creation rules: the compile
// container (if the environment has one) gets a fixed 1 GiB ceiling
// with no time cap of its own (the agent enforces the compile time
// limit from the Compilation message); the test container gets the
// problem's memory limit, a pids_limit of 20, no network, and every
// capability dropped.
func (d *DockerDriver) Prepare(ctx context.Context, task *models.JudgeTask) error {
	commonHostCfg := func(memLimitBytes int64) *container.HostConfig {
		return &container.HostConfig{
			AutoRemove:  true,
			CapDrop:     []string{"ALL"},
			NetworkMode: "none",
			Resources: container.Resources{
				Memory:     memLimitBytes,
				MemorySwap: memLimitBytes,
			},
		}
	}

	if task.CompileImageName != nil {
		const oneGiB = int64(1) << 30
		resp, err := d.cli.ContainerCreate(ctx,
			&container.Config{Image: *task.CompileImageName, OpenStdin: true, StdinOnce: false, Tty: false},
			commonHostCfg(oneGiB),
			nil, nil, "")
		if err != nil {
			return fmt.Errorf("driver: create compile container: %w", err)
		}
		if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("driver: start compile container: %w", err)
		}
		d.compileContainer = resp.ID
	}

	memLimitBytes := int64(task.MemoryLimitMb) << 20
	testHostCfg := commonHostCfg(memLimitBytes)
	pids := int64(d.testPidsLimit)
	testHostCfg.PidsLimit = &pids

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{Image: task.TestImageName, OpenStdin: true, StdinOnce: false, Tty: false},
		testHostCfg,
		nil, nil, "")
	if err != nil {
		return fmt.Errorf("driver: create test container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("driver: start test container: %w", err)
	}
	d.testContainer = resp.ID

	return nil
}

// Close kills whichever containers were started; AutoRemove reclaims
// them once killed. Errors are collected but do not stop the attempt
// to kill the other container.
func (d *DockerDriver) Close(ctx context.Context) error {
	var errs []error
	for _, id := range []string{d.compileContainer, d.testContainer} {
		if id == "" {
			continue
		}
		if err := d.cli.ContainerKill(ctx, id, "KILL"); err != nil {
			errs = append(errs, err)
		}
	}
	d.cli.Close()
	return errors.Join(errs...)
}

// Compile implements spec §4.4's compile step over the attach-based
// agent protocol.
func (d *DockerDriver) Compile(ctx context.Context, task *models.JudgeTask) (*models.AgentCompilationResult, models.Verdict, error) {
	if d.compileContainer == "" {
		return nil, models.VerdictWaiting, fmt.Errorf("driver: compile called without a compile container")
	}

	sess, err := attach(ctx, d.cli, d.compileContainer)
	if err != nil {
		return nil, models.VerdictInternalError, fmt.Errorf("driver: attach compile container: %w", err)
	}
	defer sess.Close()

	if err := writeFrame(sess.Writer(), encodeCompilation(task.Code, d.compileTimeoutSec, d.compileMemoryMb)); err != nil {
		return nil, models.VerdictInternalError, fmt.Errorf("driver: send compilation message: %w", err)
	}

	// A failure to receive a well-formed Compilation reply — including
	// the agent simply closing stdout without one — is not an infra
	// fault: it means compilation did not produce a runnable binary,
	// the same as original_source's judge/docker.py compile() treating
	// any non-success receive on this path as CompilationError. Only
	// attach/send failures above remain InternalError.
	msg, err := readFrame(sess.StreamReader())
	if err != nil {
		return nil, models.VerdictCompilationError, nil
	}

	result, verdict, err := decodeCompilationReply(msg)
	if err != nil {
		return nil, models.VerdictCompilationError, nil
	}
	return result, verdict, nil
}

// Tests implements spec §4.4/§4.5's test loop over the attach-based
// agent protocol: one Preparation message, then one Test message per
// test case in order, each followed by a reply that is either an
// AgentTestResult or an AgentError.
func (d *DockerDriver) Tests(ctx context.Context, task *models.JudgeTask, onStart OnStartTest, onResult OnTestResult) error {
	sess, err := attach(ctx, d.cli, d.testContainer)
	if err != nil {
		return fmt.Errorf("driver: attach test container: %w", err)
	}
	defer sess.Close()

	if err := writeFrame(sess.Writer(), encodePreparation(task.Code, task.TimeLimitSec, task.MemoryLimitMb, d.testOutputLimitMb)); err != nil {
		return fmt.Errorf("driver: send preparation message: %w", err)
	}

	for _, test := range task.Tests {
		onStart(test.TestCase.ID)

		if err := writeFrame(sess.Writer(), encodeTest(test.TestCase.Input)); err != nil {
			return fmt.Errorf("driver: send test message for %s: %w", test.TestCase.ID, err)
		}

		msg, err := readFrame(sess.StreamReader())
		if err != nil {
			return fmt.Errorf("driver: read test reply for %s: %w", test.TestCase.ID, err)
		}

		result, err := decodeTestReply(msg)
		if err != nil {
			return fmt.Errorf("driver: decode test reply for %s: %w", test.TestCase.ID, err)
		}
		onResult(test, result)
	}

	return nil
}
