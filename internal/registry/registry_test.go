package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/pgqueue/internal/domain"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	r.MustRegister("sum", func(_ context.Context, c Call) (any, error) {
		var total float64
		for _, a := range c.Args {
			total += a.(float64)
		}
		if scale, ok := c.Kwargs["scale"].(float64); ok {
			total *= scale
		}
		return total, nil
	})
	r.MustRegister("fail", func(_ context.Context, _ Call) (any, error) {
		return nil, errors.New("division by zero")
	})
	r.MustRegister("sleep", func(ctx context.Context, _ Call) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return "woke", nil
		}
	})
	r.MustRegister("stubborn", func(_ context.Context, _ Call) (any, error) {
		time.Sleep(time.Second)
		return "late", nil
	})
	r.MustRegister("panic", func(_ context.Context, _ Call) (any, error) {
		panic("kaboom")
	})
	r.MustRegister("instance", func(_ context.Context, c Call) (any, error) {
		return c.Instance, nil
	})
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := New()
	noop := func(context.Context, Call) (any, error) { return nil, nil }

	require.NoError(t, r.Register("a", noop))
	assert.Error(t, r.Register("a", noop))
	assert.Error(t, r.Register("", noop))
	assert.Error(t, r.Register("b", nil))
	assert.Panics(t, func() { r.MustRegister("a", noop) })

	require.NoError(t, r.Register("c", noop))
	assert.Equal(t, []string{"a", "c"}, r.Names())
	assert.True(t, r.Has("c"))
	assert.False(t, r.Has("z"))
}

func TestRegistry_LookupUnknown(t *testing.T) {
	_, err := New().Lookup("os.remove")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownFunction)
	assert.Equal(t, domain.FailureLookup, domain.KindOf(err))
}

func TestRegistry_Invoke(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name     string
		task     Task
		want     string
		wantKind domain.FailureKind
		wantErr  error
	}{
		{
			name: "args and kwargs",
			task: Task{Func: "sum", Args: json.RawMessage(`[1, 2, 3]`), Kwargs: json.RawMessage(`{"scale": 2}`)},
			want: `12`,
		},
		{
			name: "null payload",
			task: Task{Func: "sum", Args: json.RawMessage(`null`)},
			want: `0`,
		},
		{
			name:     "handler error",
			task:     Task{Func: "fail"},
			wantKind: domain.FailureBody,
		},
		{
			name:     "unknown function",
			task:     Task{Func: "missing"},
			wantKind: domain.FailureLookup,
			wantErr:  domain.ErrUnknownFunction,
		},
		{
			name:     "cooperative timeout",
			task:     Task{Func: "sleep", Timeout: 50 * time.Millisecond},
			wantKind: domain.FailureTimeout,
			wantErr:  domain.ErrJobTimeout,
		},
		{
			name:     "uncooperative timeout",
			task:     Task{Func: "stubborn", Timeout: 50 * time.Millisecond},
			wantKind: domain.FailureTimeout,
			wantErr:  domain.ErrJobTimeout,
		},
		{
			name:     "panic is recovered",
			task:     Task{Func: "panic"},
			wantKind: domain.FailureBody,
		},
		{
			name:    "malformed args",
			task:    Task{Func: "sum", Args: json.RawMessage(`{"not": "a list"}`)},
			wantErr: domain.ErrInvalidPayload,
		},
		{
			name: "instance passed through",
			task: Task{Func: "instance", Instance: json.RawMessage(`{"id":9}`)},
			want: `{"id":9}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Invoke(context.Background(), tt.task)
			if tt.want != "" {
				require.NoError(t, err)
				assert.JSONEq(t, tt.want, string(got))
				return
			}
			require.Error(t, err)
			if tt.wantKind != "" {
				assert.Equal(t, tt.wantKind, domain.KindOf(err))
			}
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTaskFromJob(t *testing.T) {
	id := uuid.New()
	j := &domain.Job{ID: 3, UUID: id, Func: "sum", Args: json.RawMessage(`[1]`)}

	task := TaskFromJob(j, time.Minute)
	assert.Equal(t, int64(3), task.JobID)
	assert.Equal(t, id, task.UUID)
	assert.Equal(t, "sum", task.Func)
	assert.Equal(t, time.Minute, task.Timeout)
}
