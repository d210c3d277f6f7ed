package automation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sumire-labs/poolkeeper/internal/loginflow"
)

func TestRunAttemptWithoutFactory(t *testing.T) {
	driver := NewDriver(nil, Options{})

	outcome := driver.RunAttempt(context.Background(), "a@example.com", nil, false)
	if outcome.Success {
		t.Fatal("expected failure without a session factory")
	}
	if !strings.Contains(outcome.Reason, ErrNoBrowser.Error()) {
		t.Errorf("reason = %q, expected it to mention the missing factory", outcome.Reason)
	}
}

func TestRunAttemptCancelledBeforeSessionOpens(t *testing.T) {
	factory := func(ctx context.Context, opts Options) (loginflow.Session, func(), error) {
		return nil, nil, errors.New("browser exited")
	}
	driver := NewDriver(factory, Options{Headless: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := driver.RunAttempt(ctx, "a@example.com", nil, false)
	if outcome.Reason != loginflow.ReasonCancelled {
		t.Errorf("reason = %q, expected cancelled", outcome.Reason)
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	driver := NewDriver(nil, Options{})
	driver.Abort()
	driver.Abort() // no attempt in flight, must not panic

	started := make(chan struct{})
	factory := func(ctx context.Context, opts Options) (loginflow.Session, func(), error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}
	driver = NewDriver(factory, Options{})

	done := make(chan loginflow.Outcome, 1)
	go func() {
		done <- driver.RunAttempt(context.Background(), "a@example.com", nil, false)
	}()
	<-started
	driver.Abort()
	driver.Abort()

	outcome := <-done
	if outcome.Reason != loginflow.ReasonCancelled {
		t.Errorf("reason = %q, expected cancelled after abort", outcome.Reason)
	}
}
