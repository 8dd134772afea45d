package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/pgqueue/internal/registry"
)

// newRegistry lists every function this binary can run. The child process
// builds the same registry, so it must not depend on config.
func newRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister("echo", echo)
	reg.MustRegister("sleep", sleep)
	reg.MustRegister("sum", sum)
	reg.MustRegister("fail", fail)
	return reg
}

func echo(_ context.Context, c registry.Call) (any, error) {
	return map[string]any{"args": c.Args, "kwargs": c.Kwargs}, nil
}

// sleep waits for args[0] seconds or until the job is cancelled.
func sleep(ctx context.Context, c registry.Call) (any, error) {
	if len(c.Args) != 1 {
		return nil, fmt.Errorf("sleep takes one argument, got %d", len(c.Args))
	}
	secs, ok := c.Args[0].(float64)
	if !ok {
		return nil, fmt.Errorf("sleep duration must be a number")
	}

	t := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer t.Stop()
	select {
	case <-t.C:
		return secs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func sum(_ context.Context, c registry.Call) (any, error) {
	var total float64
	for i, a := range c.Args {
		n, ok := a.(float64)
		if !ok {
			return nil, fmt.Errorf("argument %d is not a number", i)
		}
		total += n
	}
	return total, nil
}

func fail(_ context.Context, c registry.Call) (any, error) {
	msg, _ := c.Kwargs["message"].(string)
	if msg == "" {
		msg = "failed on purpose"
	}
	return nil, errors.New(msg)
}
