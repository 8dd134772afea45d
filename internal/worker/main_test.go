package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/cuongbtq/pgqueue/internal/registry"
)

// TestMain doubles as the child entry point: ProcessExecutor tests re-run
// this binary with ChildEnv set.
func TestMain(m *testing.M) {
	if IsChild() {
		if err := ServeChild(context.Background(), testRegistry()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.MustRegister("sum", func(_ context.Context, c registry.Call) (any, error) {
		var total float64
		for _, a := range c.Args {
			n, ok := a.(float64)
			if !ok {
				return nil, fmt.Errorf("argument %v is not a number", a)
			}
			total += n
		}
		return total, nil
	})
	reg.MustRegister("fail", func(context.Context, registry.Call) (any, error) {
		return nil, errors.New("exploded")
	})
	reg.MustRegister("sleep", func(_ context.Context, c registry.Call) (any, error) {
		secs, _ := c.Args[0].(float64)
		time.Sleep(time.Duration(secs * float64(time.Second)))
		return "slept", nil
	})
	reg.MustRegister("crash", func(context.Context, registry.Call) (any, error) {
		os.Exit(3)
		return nil, nil
	})
	reg.MustRegister("wait", func(ctx context.Context, _ registry.Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return reg
}
