package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/ratelimit"
)

type funcWorker struct {
	name string
	run  func(ctx context.Context) error
}

func (f funcWorker) Name() string                    { return f.name }
func (f funcWorker) Run(ctx context.Context) error   { return f.run(ctx) }

func TestRunnerStopsAllOnFirstError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	otherStopped := make(chan struct{})

	r := NewRunner(
		funcWorker{name: "failing", run: func(context.Context) error { return boom }},
		funcWorker{name: "looping", run: func(ctx context.Context) error {
			<-ctx.Done()
			close(otherStopped)
			return nil
		}},
	)

	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	select {
	case <-otherStopped:
	case <-time.After(2 * time.Second):
		t.Fatal("sibling worker was not cancelled")
	}
}

func TestRunnerCleanShutdown(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRunner(funcWorker{name: "idle", run: func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestLimiterGCEvicts(t *testing.T) {
	t.Parallel()
	reg := ratelimit.NewRegistry(10)
	reg.Allow("idle-identity")

	gc := NewLimiterGC(reg, 10*time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gc.Run(ctx)
	}()

	// maxIdle 0 means everything seen before the sweep is stale.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if n := reg.EvictStale(time.Now()); n != 0 {
		t.Fatalf("limiter survived the sweep, EvictStale removed %d", n)
	}
}
