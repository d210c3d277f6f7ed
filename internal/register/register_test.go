package register

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/loginflow"
	"github.com/sumire-labs/poolkeeper/internal/mail"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

type fakeInserter struct {
	inserted []*models.Account
	err      error
}

func (s *fakeInserter) Insert(ctx context.Context, account *models.Account) error {
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, account)
	return nil
}

type fakeProvider struct {
	address     string
	secret      string
	registerErr error
	domain      string
}

func (p *fakeProvider) Address() string { return p.address }
func (p *fakeProvider) Secret() string  { return p.secret }

func (p *fakeProvider) Register(ctx context.Context, domain string) (string, error) {
	p.domain = domain
	if p.registerErr != nil {
		return "", p.registerErr
	}
	return p.address, nil
}

func (p *fakeProvider) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	return "", mail.ErrNoCode
}

type fakeRegAdapter struct {
	outcome       loginflow.Outcome
	registrations int
}

func (a *fakeRegAdapter) RunAttempt(ctx context.Context, identity string, provider mail.Provider, registration bool) loginflow.Outcome {
	if registration {
		a.registrations++
	}
	return a.outcome
}

func factoryFor(provider mail.Provider) ProviderFactory {
	return func(tag models.MailProviderTag, cfg *config.Config) (mail.Provider, error) {
		return provider, nil
	}
}

func TestRegisterOnePersistsBinding(t *testing.T) {
	trialEnd := time.Date(2026, 9, 14, 0, 0, 0, 0, time.UTC)
	store := &fakeInserter{}
	adapter := &fakeRegAdapter{outcome: loginflow.Outcome{
		Success: true,
		Config: &loginflow.SessionConfig{
			ConfigID:   "cfg1",
			CSesIdx:    "3",
			SecureCSes: "ses",
			HostCOses:  "oses",
			ExpiresAt:  time.Now().Add(36 * time.Hour),
			TrialEnd:   &trialEnd,
		},
	}}
	provider := &fakeProvider{address: "new@duck.example.com", secret: "mailbox-jwt"}

	cfg := config.Defaults()
	cfg.TempMailProvider = "duckmail"
	cfg.DuckmailBaseURL = "https://duck.example.com"
	cfg.DuckmailAPIKey = "admin-key"
	cfg.RegisterDomain = "duck.example.com"

	r := NewWithFactory(store, adapter, factoryFor(provider))
	account, err := r.RegisterOne(context.Background(), cfg)
	require.NoError(t, err)
	require.Len(t, store.inserted, 1)
	assert.Equal(t, 1, adapter.registrations)

	assert.Equal(t, "new@duck.example.com", account.ID)
	assert.Equal(t, "duckmail", account.MailProvider)
	assert.Equal(t, "mailbox-jwt", account.MailPassword)
	assert.Equal(t, "https://duck.example.com", account.MailBaseURL)
	assert.Equal(t, "admin-key", account.MailAPIKey)
	assert.Equal(t, "cfg1", account.ConfigID)
	assert.Equal(t, "duck.example.com", provider.domain)
	require.NotNil(t, account.TrialEnd)
	assert.True(t, account.TrialEnd.Equal(trialEnd))
}

func TestRegisterOneDomainIsDuckmailOnly(t *testing.T) {
	store := &fakeInserter{}
	adapter := &fakeRegAdapter{outcome: loginflow.Outcome{
		Success: true,
		Config:  &loginflow.SessionConfig{ExpiresAt: time.Now().Add(12 * time.Hour)},
	}}
	provider := &fakeProvider{address: "new@moe.example.com", secret: "mailbox-id"}

	cfg := config.Defaults()
	cfg.TempMailProvider = "moemail"
	cfg.RegisterDomain = "duck.example.com"

	r := NewWithFactory(store, adapter, factoryFor(provider))
	_, err := r.RegisterOne(context.Background(), cfg)
	require.NoError(t, err)
	assert.Empty(t, provider.domain, "the domain override only applies to duckmail")
}

func TestRegisterOneFreemailPrefersMailboxSecret(t *testing.T) {
	store := &fakeInserter{}
	adapter := &fakeRegAdapter{outcome: loginflow.Outcome{
		Success: true,
		Config:  &loginflow.SessionConfig{ExpiresAt: time.Now().Add(12 * time.Hour)},
	}}
	provider := &fakeProvider{address: "new@free.example.com", secret: "mailbox-token"}

	cfg := config.Defaults()
	cfg.TempMailProvider = "freemail"
	cfg.FreemailBaseURL = "https://free.example.com"
	cfg.FreemailJWTToken = "global-token"

	r := NewWithFactory(store, adapter, factoryFor(provider))
	account, err := r.RegisterOne(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "mailbox-token", account.MailJWTToken)
	assert.Empty(t, account.MailPassword)
}

func TestRegisterOneFlowFailure(t *testing.T) {
	store := &fakeInserter{}
	adapter := &fakeRegAdapter{outcome: loginflow.Outcome{Reason: loginflow.ReasonParamsNotFound}}
	provider := &fakeProvider{address: "new@duck.example.com"}

	cfg := config.Defaults()
	cfg.TempMailProvider = "duckmail"

	var results []bool
	r := NewWithFactory(store, adapter, factoryFor(provider))
	r.OnResult = func(success bool) { results = append(results, success) }

	_, err := r.RegisterOne(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), loginflow.ReasonParamsNotFound)
	assert.Empty(t, store.inserted, "failed registrations must not persist anything")
	assert.Equal(t, []bool{false}, results)
}

func TestRegisterOneMailboxFailure(t *testing.T) {
	store := &fakeInserter{}
	adapter := &fakeRegAdapter{}
	provider := &fakeProvider{registerErr: errors.New("no domains available")}

	cfg := config.Defaults()
	cfg.TempMailProvider = "duckmail"

	r := NewWithFactory(store, adapter, factoryFor(provider))
	_, err := r.RegisterOne(context.Background(), cfg)
	require.Error(t, err)
	assert.Zero(t, adapter.registrations, "flow must not run without a mailbox")
}
