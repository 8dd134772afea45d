package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/registry"
)

// Executor runs one job and reports its JSON result. Cancelling ctx must stop
// the job at once; that is how a cold shutdown kills an in-flight job.
type Executor interface {
	Execute(ctx context.Context, task registry.Task) (json.RawMessage, error)
}

// InlineExecutor runs handlers in the worker process. A crashing handler
// takes the worker down with it, so it is meant for tests and trusted code.
type InlineExecutor struct {
	Registry *registry.Registry
}

func (e *InlineExecutor) Execute(ctx context.Context, task registry.Task) (json.RawMessage, error) {
	result, err := e.Registry.Invoke(ctx, task)
	if err != nil && ctx.Err() != nil && !errors.Is(err, domain.ErrJobTimeout) {
		return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("job killed: %w", ctx.Err()))
	}
	return result, err
}

// ProcessExecutor runs every job in a fresh child process: the current
// binary (or Path) started with ChildEnv set, which must call ServeChild
// before doing anything else.
type ProcessExecutor struct {
	// Path of the binary to run; defaults to os.Executable.
	Path string
	Args []string
	Env  []string
	// KillGrace is how long a child may outlive its job timeout before it is
	// killed.
	KillGrace time.Duration
	Logger    *slog.Logger
}

func (e *ProcessExecutor) Execute(ctx context.Context, task registry.Task) (json.RawMessage, error) {
	path := e.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("failed to resolve executable: %w", err))
		}
		path = exe
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, task.Timeout+e.KillGrace)
	}
	defer cancel()

	replyR, replyW, err := os.Pipe()
	if err != nil {
		return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("failed to create reply pipe: %w", err))
	}
	defer replyR.Close()

	cmd := exec.CommandContext(runCtx, path, e.Args...)
	cmd.Env = append(append(os.Environ(), ChildEnv+"=1"), e.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{replyW}

	if err := cmd.Start(); err != nil {
		replyW.Close()
		return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("failed to start child: %w", err))
	}
	replyW.Close()

	e.logger().Debug("Child process started",
		slog.Int("pid", cmd.Process.Pid),
		slog.Int64("job_id", task.JobID),
	)

	raw, readErr := io.ReadAll(replyR)
	waitErr := cmd.Wait()

	if readErr == nil && len(bytes.TrimSpace(raw)) > 0 {
		var rep reply
		if err := json.Unmarshal(raw, &rep); err == nil {
			return rep.Result, rep.err()
		}
	}

	switch {
	case ctx.Err() != nil:
		return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("job killed: %w", ctx.Err()))
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return nil, domain.NewJobError(domain.FailureTimeout,
			fmt.Errorf("%w (%s), child killed", domain.ErrJobTimeout, task.Timeout))
	case waitErr != nil:
		return nil, domain.NewJobError(domain.FailureCrash, fmt.Errorf("child process died: %w", waitErr))
	default:
		return nil, domain.NewJobError(domain.FailureCrash, errors.New("child process exited without a reply"))
	}
}

func (e *ProcessExecutor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}
