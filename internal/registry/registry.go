// Package registry maps stable function names to job handlers and runs them
// under a deadline.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

// Call carries the decoded payload of a job to its handler.
type Call struct {
	JobID    int64
	UUID     uuid.UUID
	Func     string
	Instance json.RawMessage
	Args     []any
	Kwargs   map[string]any
}

// Handler executes one job. The context is cancelled when the job timeout
// elapses; handlers should return promptly once it is done.
type Handler func(ctx context.Context, call Call) (any, error)

// Task is the serializable unit handed to an executor, either in-process or
// across the child process boundary.
type Task struct {
	JobID    int64           `json:"job_id"`
	UUID     uuid.UUID       `json:"uuid"`
	Func     string          `json:"func"`
	Instance json.RawMessage `json:"instance,omitempty"`
	Args     json.RawMessage `json:"args,omitempty"`
	Kwargs   json.RawMessage `json:"kwargs,omitempty"`
	Timeout  time.Duration   `json:"timeout"`
}

// TaskFromJob builds the execution unit for a claimed job.
func TaskFromJob(j *domain.Job, timeout time.Duration) Task {
	return Task{
		JobID:    j.ID,
		UUID:     j.UUID,
		Func:     j.Func,
		Instance: j.Instance,
		Args:     j.Args,
		Kwargs:   j.Kwargs,
		Timeout:  timeout,
	}
}

// Registry maps function names to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under name. Names must be unique.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return errors.New("function name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; ok {
		return fmt.Errorf("function %q is already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// MustRegister is Register that panics on error, for use during start-up.
func (r *Registry) MustRegister(name string, h Handler) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Lookup resolves a function name. Unknown names yield a lookup JobError.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, domain.NewJobError(domain.FailureLookup, fmt.Errorf("%w: %q", domain.ErrUnknownFunction, name))
	}
	return h, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, err := r.Lookup(name)
	return err == nil
}

// Names returns all registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke resolves and runs the task's handler with the task timeout armed,
// returning the JSON-encoded result. A handler still running when the
// deadline fires is abandoned and a timeout JobError is returned.
func (r *Registry) Invoke(ctx context.Context, task Task) (json.RawMessage, error) {
	h, err := r.Lookup(task.Func)
	if err != nil {
		return nil, err
	}

	call, err := decodeCall(task)
	if err != nil {
		return nil, err
	}

	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v\n%s", p, debug.Stack())}
			}
		}()
		v, err := h(ctx, call)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, domain.NewJobError(domain.FailureTimeout, fmt.Errorf("%w (%s)", domain.ErrJobTimeout, task.Timeout))
			}
			return nil, out.err
		}
		return encodeResult(out.value)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewJobError(domain.FailureTimeout, fmt.Errorf("%w (%s)", domain.ErrJobTimeout, task.Timeout))
		}
		return nil, ctx.Err()
	}
}

func decodeCall(task Task) (Call, error) {
	call := Call{
		JobID:    task.JobID,
		UUID:     task.UUID,
		Func:     task.Func,
		Instance: task.Instance,
	}
	if len(task.Args) > 0 && string(task.Args) != "null" {
		if err := json.Unmarshal(task.Args, &call.Args); err != nil {
			return Call{}, fmt.Errorf("%w: args: %v", domain.ErrInvalidPayload, err)
		}
	}
	if len(task.Kwargs) > 0 && string(task.Kwargs) != "null" {
		if err := json.Unmarshal(task.Kwargs, &call.Kwargs); err != nil {
			return Call{}, fmt.Errorf("%w: kwargs: %v", domain.ErrInvalidPayload, err)
		}
	}
	return call, nil
}

func encodeResult(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: result: %v", domain.ErrInvalidPayload, err)
	}
	return b, nil
}
