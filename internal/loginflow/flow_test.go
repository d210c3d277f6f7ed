package loginflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire-labs/poolkeeper/internal/mail"
)

type pollResult struct {
	code string
	err  error
}

type fakeMail struct {
	results []pollResult
	calls   int
}

func (m *fakeMail) Address() string { return "box@example.com" }

func (m *fakeMail) Register(ctx context.Context, domain string) (string, error) {
	return "", errors.New("not supported")
}

func (m *fakeMail) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	defer func() { m.calls++ }()
	if m.calls < len(m.results) {
		r := m.results[m.calls]
		return r.code, r.err
	}
	return "", mail.ErrNoCode
}

type fakeSession struct {
	url     string
	html    string
	visited []string

	// navigateHook rewrites the landing URL, simulating redirects.
	navigateHook func(target string) string

	sendResults []SendCodeStatus
	sendCalls   int
	resendCalls int

	codeInput       bool
	codeInputChecks int
	submitted       []string
	urlAfterSubmit  string
	verifyClicks    int

	nameField       bool
	names           []string
	urlAfterName    string
	firstButtonHits int
	cookies         []Cookie
}

func (s *fakeSession) Navigate(ctx context.Context, target string) error {
	s.visited = append(s.visited, target)
	if s.navigateHook != nil {
		s.url = s.navigateHook(target)
		return nil
	}
	s.url = target
	return nil
}

func (s *fakeSession) Refresh(ctx context.Context) error { return nil }
func (s *fakeSession) CurrentURL() string                { return s.url }

func (s *fakeSession) PageHTML(ctx context.Context) (string, error) { return s.html, nil }

func (s *fakeSession) SetCookie(ctx context.Context, name, value, domain string) error { return nil }

func (s *fakeSession) Cookies(ctx context.Context) ([]Cookie, error) { return s.cookies, nil }

func (s *fakeSession) TriggerSendCode(ctx context.Context, address string) (SendCodeStatus, error) {
	defer func() { s.sendCalls++ }()
	if s.sendCalls < len(s.sendResults) {
		return s.sendResults[s.sendCalls], nil
	}
	return SendFailed, nil
}

func (s *fakeSession) TriggerResendCode(ctx context.Context) error {
	s.resendCalls++
	return nil
}

func (s *fakeSession) HasCodeInput(ctx context.Context) bool {
	s.codeInputChecks++
	return s.codeInput
}

func (s *fakeSession) SubmitCode(ctx context.Context, code string) error {
	s.submitted = append(s.submitted, code)
	if s.urlAfterSubmit != "" {
		s.url = s.urlAfterSubmit
	}
	return nil
}

func (s *fakeSession) ClickVerifyFallback(ctx context.Context) error {
	s.verifyClicks++
	return nil
}

func (s *fakeSession) HasDisplayNameField(ctx context.Context) bool { return s.nameField }

func (s *fakeSession) SubmitDisplayName(ctx context.Context, name string) error {
	s.names = append(s.names, name)
	if s.urlAfterName != "" {
		s.url = s.urlAfterName
	}
	return nil
}

func (s *fakeSession) ClickFirstEnabledButton(ctx context.Context) error {
	s.firstButtonHits++
	return nil
}

func (s *fakeSession) AcceptAgreementIfPresent(ctx context.Context) error { return nil }

// testClock replaces the flow's wall clock: sleeps advance it instantly,
// so wait budgets elapse without real time passing.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	return nil
}

func newTestFlow(t *testing.T, provider mail.Provider) (*Flow, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 8, 31, 8, 0, 0, 0, time.UTC)}
	return &Flow{
		Mail:  provider,
		Logf:  t.Logf,
		Now:   clock.Now,
		Sleep: clock.Sleep,
	}, clock
}

func TestRunSendCodeExhaustedByRiskControl(t *testing.T) {
	session := &fakeSession{
		sendResults: []SendCodeStatus{SendRiskControl, SendRiskControl, SendRiskControl},
	}
	flow, _ := newTestFlow(t, &fakeMail{})

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.False(t, outcome.Success)
	assert.Equal(t, ReasonSendCodeFailed, outcome.Reason)
	assert.True(t, outcome.RiskControl)
	assert.Equal(t, 3, session.sendCalls)
	assert.Zero(t, session.codeInputChecks, "must fail before waiting for the code input")
}

func TestRunCodeArrivesAfterResend(t *testing.T) {
	provider := &fakeMail{results: []pollResult{
		{err: mail.ErrNoCode},
		{code: "482913"},
	}}
	flow, clock := newTestFlow(t, provider)
	expiry := clock.Now().Add(48 * time.Hour)
	session := &fakeSession{
		sendResults:    []SendCodeStatus{SendOK},
		codeInput:      true,
		urlAfterSubmit: businessURL + "workspace/cid/cfg123?csesidx=idx9",
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses-value", Expires: &expiry},
			{Name: osesCookieName, Value: "oses-value"},
		},
		html: `{"daysLeft":7}`,
	}

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	require.NotNil(t, outcome.Config)
	assert.Equal(t, []string{"482913"}, session.submitted)
	assert.Equal(t, 1, session.resendCalls)
	assert.Equal(t, 2, provider.calls)
	assert.Zero(t, session.verifyClicks, "page advanced, fallback should stay untouched")

	assert.Equal(t, "cfg123", outcome.Config.ConfigID)
	assert.Equal(t, "idx9", outcome.Config.CSesIdx)
	assert.Equal(t, "ses-value", outcome.Config.SecureCSes)
	assert.Equal(t, "oses-value", outcome.Config.HostCOses)
	assert.Equal(t, expiry.Add(-12*time.Hour), outcome.Config.ExpiresAt)
	require.NotNil(t, outcome.Config.TrialEnd)
}

func TestRunCodeNeverArrives(t *testing.T) {
	session := &fakeSession{
		sendResults: []SendCodeStatus{SendOK},
		codeInput:   true,
	}
	provider := &fakeMail{} // every poll times out
	flow, _ := newTestFlow(t, provider)

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.False(t, outcome.Success)
	assert.Equal(t, ReasonCodeTimeout, outcome.Reason)
	assert.Equal(t, 1, session.resendCalls)
	assert.Equal(t, 2, provider.calls)
	assert.Empty(t, session.submitted)
}

func TestRunCodeInputNeverAppears(t *testing.T) {
	session := &fakeSession{
		sendResults: []SendCodeStatus{SendOK},
	}
	provider := &fakeMail{}
	flow, _ := newTestFlow(t, provider)

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.False(t, outcome.Success)
	assert.Equal(t, ReasonCodeInputNotFound, outcome.Reason)
	assert.Zero(t, provider.calls, "mailbox must not be polled without a code input")
}

func TestRunAlreadyAuthenticated(t *testing.T) {
	flow, clock := newTestFlow(t, &fakeMail{})
	expiry := clock.Now().Add(24 * time.Hour)
	session := &fakeSession{
		navigateHook: func(target string) string {
			if target == businessURL {
				return businessURL + "workspace/cid/cfg7?csesidx=idx2"
			}
			if target == authHomeURL {
				return target
			}
			// The email login redirects straight onto the workspace.
			return businessURL + "workspace/cid/cfg7?csesidx=idx2"
		},
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses", Expires: &expiry},
			{Name: osesCookieName, Value: "oses"},
		},
	}

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	assert.Zero(t, session.sendCalls, "no verification needed")
	assert.Equal(t, "cfg7", outcome.Config.ConfigID)
	assert.Nil(t, outcome.Config.TrialEnd)
}

func TestRunCancelledDuringRetryDelay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &fakeSession{
		sendResults: []SendCodeStatus{SendFailed, SendFailed, SendFailed},
	}
	flow, _ := newTestFlow(t, &fakeMail{})

	outcome := flow.Run(ctx, session, "a@example.com", false)

	require.False(t, outcome.Success)
	assert.Equal(t, ReasonCancelled, outcome.Reason)
	assert.Equal(t, 1, session.sendCalls, "cancellation must stop further attempts")
}

func TestRunRegistrationSubmitsDisplayName(t *testing.T) {
	provider := &fakeMail{results: []pollResult{{code: "271054"}}}
	flow, clock := newTestFlow(t, provider)
	expiry := clock.Now().Add(48 * time.Hour)
	session := &fakeSession{
		sendResults:    []SendCodeStatus{SendOK},
		codeInput:      true,
		urlAfterSubmit: businessURL + "welcome",
		nameField:      true,
		urlAfterName:   businessURL + "workspace/cid/cfgR?csesidx=idxR",
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses", Expires: &expiry},
			{Name: osesCookieName, Value: "oses"},
		},
	}

	outcome := flow.Run(context.Background(), session, "new@example.com", true)

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	require.Len(t, session.names, 1)
	assert.NotEmpty(t, session.names[0])
	assert.Zero(t, session.firstButtonHits, "name submit advanced the page")
	assert.Equal(t, "cfgR", outcome.Config.ConfigID)
	assert.Equal(t, "idxR", outcome.Config.CSesIdx)
}

func TestRunRegistrationWithoutNameField(t *testing.T) {
	provider := &fakeMail{results: []pollResult{{code: "271054"}}}
	flow, clock := newTestFlow(t, provider)
	expiry := clock.Now().Add(48 * time.Hour)
	session := &fakeSession{
		sendResults:    []SendCodeStatus{SendOK},
		codeInput:      true,
		urlAfterSubmit: businessURL + "workspace/cid/cfgR?csesidx=idxR",
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses", Expires: &expiry},
			{Name: osesCookieName, Value: "oses"},
		},
	}

	outcome := flow.Run(context.Background(), session, "new@example.com", true)

	require.True(t, outcome.Success, "a missing name field must not abort the attempt")
	assert.Empty(t, session.names)
	assert.Equal(t, "cfgR", outcome.Config.ConfigID)
}

func TestRunRefreshHandlesDisplayNamePrompt(t *testing.T) {
	provider := &fakeMail{results: []pollResult{{code: "271054"}}}
	flow, clock := newTestFlow(t, provider)
	expiry := clock.Now().Add(48 * time.Hour)
	session := &fakeSession{
		sendResults:    []SendCodeStatus{SendOK},
		codeInput:      true,
		urlAfterSubmit: businessURL + "onboarding",
		nameField:      true,
		urlAfterName:   businessURL + "workspace/cid/cfg5?csesidx=idx5",
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses", Expires: &expiry},
			{Name: osesCookieName, Value: "oses"},
		},
	}

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	require.Len(t, session.names, 1, "a refresh landing on the name prompt must fill it")
	assert.Equal(t, "cfg5", outcome.Config.ConfigID)
}

func TestRunTrialScanVisitsWorkspacePages(t *testing.T) {
	provider := &fakeMail{results: []pollResult{{code: "271054"}}}
	flow, clock := newTestFlow(t, provider)
	expiry := clock.Now().Add(48 * time.Hour)
	session := &fakeSession{
		sendResults:    []SendCodeStatus{SendOK},
		codeInput:      true,
		urlAfterSubmit: businessURL + "workspace/cid/cfg123?csesidx=idx9",
		cookies: []Cookie{
			{Name: sessionCookieName, Value: "ses", Expires: &expiry},
			{Name: osesCookieName, Value: "oses"},
		},
		// No trial signal anywhere, forcing the fallback pages.
	}

	outcome := flow.Run(context.Background(), session, "a@example.com", false)

	require.True(t, outcome.Success, "reason: %s", outcome.Reason)
	assert.Nil(t, outcome.Config.TrialEnd)
	assert.Contains(t, session.visited, businessURL+"cid/cfg123/settings?csesidx=idx9")
	assert.Contains(t, session.visited, businessURL+"cid/cfg123?csesidx=idx9")
}
