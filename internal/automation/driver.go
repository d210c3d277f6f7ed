// Package automation bridges the login flow to a concrete browser
// session. The browser itself is out of tree: embedding builds register
// a SessionFactory, and without one every attempt fails with
// ErrNoBrowser.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sumire-labs/poolkeeper/internal/loginflow"
	"github.com/sumire-labs/poolkeeper/internal/mail"
)

// ErrNoBrowser is returned when no browser session factory has been
// registered.
var ErrNoBrowser = errors.New("no browser session factory registered")

// Options is passed through to the session factory.
type Options struct {
	Headless bool
	Proxy    string
}

// SessionFactory opens a fresh page session. The returned close func
// releases the underlying browser resources and must always be called.
type SessionFactory func(ctx context.Context, opts Options) (loginflow.Session, func(), error)

// Driver runs one authentication attempt at a time over a heavyweight
// browser session. Abort may be called concurrently with RunAttempt.
type Driver struct {
	factory SessionFactory
	opts    Options

	// Logf receives flow progress lines; nil means the stdlib logger.
	Logf func(format string, args ...any)

	mu    sync.Mutex
	abort context.CancelFunc
}

func NewDriver(factory SessionFactory, opts Options) *Driver {
	if factory == nil {
		factory = func(ctx context.Context, opts Options) (loginflow.Session, func(), error) {
			return nil, nil, ErrNoBrowser
		}
	}
	return &Driver{factory: factory, opts: opts}
}

// RunAttempt opens a session and drives the login flow for the given
// identity. The outcome is terminal; errors opening the session become
// failure outcomes rather than panics or partial state.
func (d *Driver) RunAttempt(ctx context.Context, identity string, provider mail.Provider, registration bool) loginflow.Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.mu.Lock()
	d.abort = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.abort = nil
		d.mu.Unlock()
	}()

	session, closeSession, err := d.factory(ctx, d.opts)
	if err != nil {
		if ctx.Err() != nil {
			return loginflow.Outcome{Reason: loginflow.ReasonCancelled}
		}
		return loginflow.Outcome{Reason: fmt.Sprintf("failed to open browser session: %v", err)}
	}
	defer closeSession()

	flow := &loginflow.Flow{Mail: provider, Logf: d.Logf}
	return flow.Run(ctx, session, identity, registration)
}

// Abort cancels the in-flight attempt, if any. Idempotent and safe to
// call when nothing is running.
func (d *Driver) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.abort != nil {
		d.abort()
	}
}
