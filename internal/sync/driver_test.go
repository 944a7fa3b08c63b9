package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bridgecal/bridgecal/internal/adapter"
	"github.com/bridgecal/bridgecal/internal/event"
)

func newTestDriver(t *testing.T) (*Driver, *fakeConnector, *fakeConnector) {
	t.Helper()
	e, outlook, google, _ := newTestEngine(t)
	return NewDriver(e, zerolog.Nop()), outlook, google
}

func TestRunOnceRunsASingleTick(t *testing.T) {
	d, outlook, google := newTestDriver(t)
	outlook.events["O1"] = planningEvent()

	summary, err := d.RunOnce(context.Background(), testOptions())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if summary.CreatedGoogle != 1 || len(google.created) != 1 {
		t.Errorf("summary = %+v, google creates = %d", summary, len(google.created))
	}
	if outlook.listCalls != 1 {
		t.Errorf("outlook listed %d times, want 1", outlook.listCalls)
	}
}

func TestRunLoopTicksUntilCancelled(t *testing.T) {
	d, outlook, _ := newTestDriver(t)
	outlook.events["O1"] = planningEvent()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	provider := func() (Options, time.Duration) {
		calls++
		if calls == 3 {
			cancel()
		}
		return testOptions(), time.Millisecond
	}

	done := make(chan error, 1)
	go func() { done <- d.RunLoop(ctx, provider) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunLoop did not stop after cancellation")
	}
	if calls < 3 {
		t.Errorf("provider consulted %d times, want at least 3", calls)
	}
}

func TestRunLoopFirstTickIsImmediate(t *testing.T) {
	d, outlook, _ := newTestDriver(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listed := make(chan struct{}, 1)
	outlook.onList = func() {
		select {
		case listed <- struct{}{}:
		default:
		}
		cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- d.RunLoop(ctx, func() (Options, time.Duration) {
			return testOptions(), time.Hour
		})
	}()

	select {
	case <-listed:
	case <-time.After(5 * time.Second):
		t.Fatal("no tick ran before the interval elapsed")
	}
	if err := <-done; err != nil {
		t.Fatalf("RunLoop: %v", err)
	}
}

func TestRunLoopStopsOnAuthError(t *testing.T) {
	d, outlook, _ := newTestDriver(t)
	outlook.listErr = &adapter.AuthError{Side: event.Outlook, Op: "list", Err: errors.New("token expired")}

	var calls int
	err := d.RunLoop(context.Background(), func() (Options, time.Duration) {
		calls++
		return testOptions(), time.Millisecond
	})
	if err == nil || !adapter.IsAuth(err) {
		t.Fatalf("err = %v, want auth error", err)
	}
	if calls != 1 {
		t.Errorf("provider consulted %d times, want 1", calls)
	}
}

func TestRunLoopContinuesPastTransientFailures(t *testing.T) {
	d, outlook, _ := newTestDriver(t)
	outlook.listErr = &adapter.TransientError{Side: event.Outlook, Op: "list", Err: errors.New("http 503")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls int
	provider := func() (Options, time.Duration) {
		calls++
		if calls == 3 {
			cancel()
		}
		return testOptions(), time.Millisecond
	}

	done := make(chan error, 1)
	go func() { done <- d.RunLoop(ctx, provider) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("RunLoop: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("RunLoop did not stop after cancellation")
	}
	if calls < 3 {
		t.Errorf("loop stopped after %d ticks, want it to outlive failures", calls)
	}
}
