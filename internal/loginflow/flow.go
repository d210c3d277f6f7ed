// Package loginflow implements the multi-step authentication state
// machine that refreshes or registers one account: request a
// verification code, acquire it from the account's mailbox, submit it,
// and extract the resulting session material. It drives an opaque page
// Session and never touches the DOM itself.
package loginflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sumire-labs/poolkeeper/internal/mail"
)

// SendCodeStatus is the observed result of a send-verification-code action.
type SendCodeStatus int

const (
	SendOK SendCodeStatus = iota
	SendFailed
	// SendRiskControl means the provider reported a captcha or abuse
	// check. Likely IP or reputation blocking, not a timing issue.
	SendRiskControl
)

// Cookie is a browser cookie as seen by the Session.
type Cookie struct {
	Name    string
	Value   string
	Domain  string
	Expires *time.Time
}

// Session is the page-driver boundary: the primitive actions one
// authentication attempt needs. Concrete implementations live outside
// this package and wrap an actual browser.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Refresh(ctx context.Context) error
	CurrentURL() string
	PageHTML(ctx context.Context) (string, error)
	SetCookie(ctx context.Context, name, value, domain string) error
	Cookies(ctx context.Context) ([]Cookie, error)

	TriggerSendCode(ctx context.Context, address string) (SendCodeStatus, error)
	TriggerResendCode(ctx context.Context) error
	HasCodeInput(ctx context.Context) bool
	SubmitCode(ctx context.Context, code string) error
	ClickVerifyFallback(ctx context.Context) error

	HasDisplayNameField(ctx context.Context) bool
	SubmitDisplayName(ctx context.Context, name string) error
	ClickFirstEnabledButton(ctx context.Context) error
	AcceptAgreementIfPresent(ctx context.Context) error
}

// SessionConfig is the session material a successful attempt produces.
// SecureCSes and HostCOses may be empty when the cookies never showed
// up; callers decide whether a partial config is acceptable.
type SessionConfig struct {
	ConfigID   string
	CSesIdx    string
	SecureCSes string
	HostCOses  string
	ExpiresAt  time.Time
	TrialEnd   *time.Time
}

// Terminal failure reasons.
const (
	ReasonSendCodeFailed     = "send-code-failed"
	ReasonCodeInputNotFound  = "code-input-not-found"
	ReasonCodeTimeout        = "code-timeout"
	ReasonVerifySubmitFailed = "verification-submit-failed"
	ReasonParamsNotFound     = "params-not-found"
	ReasonCancelled          = "cancelled"
)

// Outcome is the terminal result of one attempt. Success implies a
// non-nil Config; a failure carries the reason and, for send-code
// failures, whether a risk-control signal was observed.
type Outcome struct {
	Success     bool
	Config      *SessionConfig
	Reason      string
	RiskControl bool
}

// Retry and wait budgets. Hand-tuned against the provider; the delay
// sequence escalates and caps at its last value.
var sendCodeDelays = []time.Duration{15 * time.Second, 30 * time.Second, 60 * time.Second}

const (
	sendCodeAttempts = 3

	codeInputWait     = 30 * time.Second
	codeInputInterval = 2 * time.Second

	codePollTimeout  = 15 * time.Second
	codePollInterval = 5 * time.Second
	resendGap        = 5 * time.Second

	submitGrace = 3 * time.Second
	settleDelay = 12 * time.Second

	nameFieldWait  = 30 * time.Second
	nameParamsWait = 15 * time.Second

	paramsWaitRefresh      = 30 * time.Second
	paramsWaitRegistration = 45 * time.Second
	paramsRetryWait        = 15 * time.Second

	cookieWait = 10 * time.Second
	pollTick   = 2 * time.Second
)

// Flow runs authentication attempts. Zero value plus a Mail provider is
// usable; Logf, Now and Sleep exist so callers can capture logs and
// tests can collapse the waits.
type Flow struct {
	Mail  mail.Provider
	Logf  func(format string, args ...any)
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run drives one attempt for the given address. Registration mode adds
// the display-name step and stretches the parameter waits.
func (f *Flow) Run(ctx context.Context, session Session, address string, registration bool) Outcome {
	start := f.now()

	// Open the entry point, seed the anti-forgery cookie, and land on
	// the email login sub-flow.
	if err := session.Navigate(ctx, authHomeURL); err != nil {
		return f.failOrCancelled(ctx, fmt.Sprintf("failed to open auth page: %v", err))
	}
	token := defaultXSRFToken
	if html, err := session.PageHTML(ctx); err == nil {
		token = extractXSRFToken(html)
	} else {
		f.logf("[flow] %s: could not read entry page, using default xsrf token: %v", address, err)
	}
	if err := session.SetCookie(ctx, xsrfCookieName, token, authHomeURL); err != nil {
		f.logf("[flow] %s: failed to seed xsrf cookie: %v", address, err)
	}
	if err := session.Navigate(ctx, emailLoginURL(address)); err != nil {
		return f.failOrCancelled(ctx, fmt.Sprintf("failed to open email login: %v", err))
	}

	// An existing session may carry us straight onto the business URL.
	if hasBusinessParams(session.CurrentURL()) {
		f.logf("[flow] %s: already authenticated, skipping verification", address)
		return f.completeSession(ctx, session, address, registration)
	}

	if outcome, ok := f.requestCode(ctx, session, address); !ok {
		return outcome
	}

	if !f.pollUntil(ctx, codeInputWait, codeInputInterval, func() bool {
		return session.HasCodeInput(ctx)
	}) {
		if ctx.Err() != nil {
			return cancelledOutcome()
		}
		f.logf("[flow] %s: code input field never appeared", address)
		return failureOutcome(ReasonCodeInputNotFound)
	}

	codePageURL := session.CurrentURL()
	if outcome, ok := f.acquireAndSubmitCode(ctx, session, address, start); !ok {
		return outcome
	}

	if registration {
		if err := f.registrationNameSetup(ctx, session, address); err != nil {
			return cancelledOutcome()
		}
	}

	// Settle: the page redirects on its own after a successful submit.
	if err := f.sleep(ctx, settleDelay); err != nil {
		return cancelledOutcome()
	}
	if session.CurrentURL() == codePageURL {
		f.logf("[flow] %s: still on the code page after settling", address)
		return failureOutcome(ReasonVerifySubmitFailed)
	}

	return f.completeSession(ctx, session, address, registration)
}

// requestCode triggers the send-code action with bounded, escalating
// retries. ok=false carries the terminal outcome.
func (f *Flow) requestCode(ctx context.Context, session Session, address string) (Outcome, bool) {
	riskControl := false
	for attempt := 1; attempt <= sendCodeAttempts; attempt++ {
		status, err := session.TriggerSendCode(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return cancelledOutcome(), false
			}
			f.logf("[flow] %s: send code attempt %d/%d errored: %v", address, attempt, sendCodeAttempts, err)
		}
		switch status {
		case SendOK:
			return Outcome{}, true
		case SendRiskControl:
			riskControl = true
			f.logf("[flow] %s: send code attempt %d/%d hit risk control", address, attempt, sendCodeAttempts)
		default:
			f.logf("[flow] %s: send code attempt %d/%d failed", address, attempt, sendCodeAttempts)
		}
		if attempt < sendCodeAttempts {
			if err := f.sleep(ctx, sendCodeDelays[attempt-1]); err != nil {
				return cancelledOutcome(), false
			}
		}
	}
	return Outcome{Reason: ReasonSendCodeFailed, RiskControl: riskControl}, false
}

// acquireAndSubmitCode polls the mailbox for the verification code,
// resending once if the first poll budget runs out, and submits it.
func (f *Flow) acquireAndSubmitCode(ctx context.Context, session Session, address string, since time.Time) (Outcome, bool) {
	code, err := f.Mail.PollForCode(ctx, codePollTimeout, codePollInterval, since)
	if errors.Is(err, mail.ErrNoCode) {
		f.logf("[flow] %s: no code yet, requesting a resend", address)
		if err := f.sleep(ctx, resendGap); err != nil {
			return cancelledOutcome(), false
		}
		if err := session.TriggerResendCode(ctx); err != nil {
			if ctx.Err() != nil {
				return cancelledOutcome(), false
			}
			f.logf("[flow] %s: resend action failed: %v", address, err)
		}
		code, err = f.Mail.PollForCode(ctx, codePollTimeout, codePollInterval, since)
	}
	if err != nil {
		if ctx.Err() != nil {
			return cancelledOutcome(), false
		}
		f.logf("[flow] %s: verification code never arrived: %v", address, err)
		return failureOutcome(ReasonCodeTimeout), false
	}

	before := session.CurrentURL()
	if err := session.SubmitCode(ctx, code); err != nil {
		if ctx.Err() != nil {
			return cancelledOutcome(), false
		}
		f.logf("[flow] %s: code submit errored: %v", address, err)
	}
	if err := f.sleep(ctx, submitGrace); err != nil {
		return cancelledOutcome(), false
	}
	if session.CurrentURL() == before {
		// Enter did not advance the page; click the explicit control.
		if err := session.ClickVerifyFallback(ctx); err != nil && ctx.Err() != nil {
			return cancelledOutcome(), false
		}
	}
	return Outcome{}, true
}

// registrationNameSetup fills the display-name field when it appears.
// Failures fall through to the generic post-verification path; only
// cancellation is returned.
func (f *Flow) registrationNameSetup(ctx context.Context, session Session, address string) error {
	if !f.pollUntil(ctx, nameFieldWait, pollTick, func() bool {
		return session.HasDisplayNameField(ctx)
	}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logf("[flow] %s: no display name field, continuing", address)
		return nil
	}

	name := randomDisplayName()
	before := session.CurrentURL()
	if err := session.SubmitDisplayName(ctx, name); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logf("[flow] %s: display name submit errored: %v", address, err)
	}
	if err := f.sleep(ctx, submitGrace); err != nil {
		return err
	}
	if session.CurrentURL() == before {
		if err := session.ClickFirstEnabledButton(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}

	// Short best-effort wait for the workspace identifier; the main
	// parameter wait runs later regardless.
	if !f.pollUntil(ctx, nameParamsWait, pollTick, func() bool {
		return hasBusinessParams(session.CurrentURL())
	}) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := session.Refresh(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// completeSession is the shared tail of the flow: interstitials, the
// business URL, the parameter wait, and config extraction.
func (f *Flow) completeSession(ctx context.Context, session Session, address string, registration bool) Outcome {
	if err := session.AcceptAgreementIfPresent(ctx); err != nil && ctx.Err() != nil {
		return cancelledOutcome()
	}
	if !strings.HasPrefix(session.CurrentURL(), businessURL) {
		if err := session.Navigate(ctx, businessURL); err != nil {
			return f.failOrCancelled(ctx, fmt.Sprintf("failed to open business page: %v", err))
		}
	}

	// Refresh attempts can land on a workspace that still wants a
	// display name; handle it the same way registration does.
	if !registration && !hasBusinessParams(session.CurrentURL()) && session.HasDisplayNameField(ctx) {
		if err := f.registrationNameSetup(ctx, session, address); err != nil {
			return cancelledOutcome()
		}
	}

	firstWait := paramsWaitRefresh
	if registration {
		firstWait = paramsWaitRegistration
	}
	if !f.awaitBusinessParams(ctx, session, firstWait) {
		if ctx.Err() != nil {
			return cancelledOutcome()
		}
		f.logf("[flow] %s: business parameters never appeared", address)
		return failureOutcome(ReasonParamsNotFound)
	}

	return f.extractConfig(ctx, session, address)
}

// awaitBusinessParams waits for the session index and config identifier
// to show up in the URL, refreshing once when the first budget runs out.
func (f *Flow) awaitBusinessParams(ctx context.Context, session Session, firstWait time.Duration) bool {
	check := func() bool { return hasBusinessParams(session.CurrentURL()) }
	if f.pollUntil(ctx, firstWait, pollTick, check) {
		return true
	}
	if ctx.Err() != nil {
		return false
	}
	if err := session.Refresh(ctx); err != nil {
		return false
	}
	return f.pollUntil(ctx, paramsRetryWait, pollTick, check)
}

func (f *Flow) extractConfig(ctx context.Context, session Session, address string) Outcome {
	configID, csesIdx := extractBusinessParams(session.CurrentURL())
	cfg := &SessionConfig{ConfigID: configID, CSesIdx: csesIdx}

	var cookieExpiry *time.Time
	f.pollUntil(ctx, cookieWait, pollTick, func() bool {
		cookies, err := session.Cookies(ctx)
		if err != nil {
			return false
		}
		for _, cookie := range cookies {
			switch cookie.Name {
			case sessionCookieName:
				cfg.SecureCSes = cookie.Value
				cookieExpiry = cookie.Expires
			case osesCookieName:
				cfg.HostCOses = cookie.Value
			}
		}
		return cfg.SecureCSes != "" && cfg.HostCOses != ""
	})
	if ctx.Err() != nil {
		return cancelledOutcome()
	}
	if cfg.SecureCSes == "" || cfg.HostCOses == "" {
		// Partial config is still returned; callers decide.
		f.logf("[flow] %s: session cookies incomplete after wait", address)
	}

	cfg.ExpiresAt = computeExpiry(cookieExpiry, f.now())
	cfg.TrialEnd = f.scanTrialEnd(ctx, session, address, cfg)

	return Outcome{Success: true, Config: cfg}
}

// scanTrialEnd looks for a trial-remaining signal on the current page,
// the workspace settings page, then the workspace home. Absence is fine.
func (f *Flow) scanTrialEnd(ctx context.Context, session Session, address string, cfg *SessionConfig) *time.Time {
	pages := []string{"", trialScanURL(cfg, "settings"), trialScanURL(cfg, "")}
	for _, target := range pages {
		if target != "" {
			if err := session.Navigate(ctx, target); err != nil {
				continue
			}
		}
		html, err := session.PageHTML(ctx)
		if err != nil {
			continue
		}
		if end := parseTrialEnd(html, f.now()); end != nil {
			return end
		}
	}
	f.logf("[flow] %s: no trial end signal found", address)
	return nil
}

func (f *Flow) pollUntil(ctx context.Context, timeout, interval time.Duration, cond func() bool) bool {
	deadline := f.now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if f.now().Add(interval).After(deadline) {
			return false
		}
		if err := f.sleep(ctx, interval); err != nil {
			return false
		}
	}
}

func (f *Flow) failOrCancelled(ctx context.Context, reason string) Outcome {
	if ctx.Err() != nil {
		return cancelledOutcome()
	}
	f.logf("[flow] %s", reason)
	return failureOutcome(reason)
}

func cancelledOutcome() Outcome {
	return Outcome{Reason: ReasonCancelled}
}

func failureOutcome(reason string) Outcome {
	return Outcome{Reason: reason}
}

func (f *Flow) logf(format string, args ...any) {
	if f.Logf != nil {
		f.Logf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (f *Flow) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Flow) sleep(ctx context.Context, d time.Duration) error {
	if f.Sleep != nil {
		return f.Sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
