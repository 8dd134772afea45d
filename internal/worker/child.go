package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/pgqueue/internal/domain"
	"github.com/cuongbtq/pgqueue/internal/registry"
)

// ChildEnv marks a process started by ProcessExecutor.
const ChildEnv = "PGQUEUE_WORKER_CHILD"

// replyFD is the descriptor the child writes its reply to; stdout and stderr
// stay free for handler output.
const replyFD = 3

// reply is the child's report on fd 3.
type reply struct {
	Result json.RawMessage    `json:"result,omitempty"`
	Error  string             `json:"error,omitempty"`
	Kind   domain.FailureKind `json:"kind,omitempty"`
}

func (r reply) err() error {
	if r.Error == "" {
		return nil
	}
	var cause error
	switch r.Kind {
	case domain.FailureTimeout:
		cause = domain.ErrJobTimeout
	case domain.FailureLookup:
		cause = domain.ErrUnknownFunction
	}
	return domain.NewJobError(r.Kind, &remoteError{msg: r.Error, cause: cause})
}

// remoteError carries an error message from the child, keeping the sentinel
// it wrapped there reachable with errors.Is.
type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.cause }

// IsChild reports whether this process was started to run a single job.
func IsChild() bool {
	return os.Getenv(ChildEnv) == "1"
}

// ServeChild runs the job handed over on stdin and writes the reply to the
// reply descriptor. Interrupts are ignored so only the parent decides when a
// job dies; terminate keeps its default action so the parent can kill it.
func ServeChild(ctx context.Context, reg *registry.Registry) error {
	signal.Ignore(syscall.SIGINT)
	signal.Reset(syscall.SIGTERM)

	out := os.NewFile(replyFD, "reply")
	if out == nil {
		return fmt.Errorf("reply descriptor %d is not open", replyFD)
	}
	defer out.Close()

	return serveChild(ctx, reg, os.Stdin, out)
}

func serveChild(ctx context.Context, reg *registry.Registry, in io.Reader, out io.Writer) error {
	var task registry.Task
	if err := json.NewDecoder(in).Decode(&task); err != nil {
		return fmt.Errorf("failed to read task: %w", err)
	}

	result, err := reg.Invoke(ctx, task)
	rep := reply{Result: result}
	if err != nil {
		rep.Kind = domain.KindOf(err)
		var jobErr *domain.JobError
		if errors.As(err, &jobErr) {
			rep.Error = jobErr.Err.Error()
		} else {
			rep.Error = err.Error()
		}
	}
	return json.NewEncoder(out).Encode(rep)
}
