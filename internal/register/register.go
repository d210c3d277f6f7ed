// Package register provisions new accounts: it creates a temp mailbox,
// runs the registration variant of the login flow against it, and
// persists the resulting account with its mail binding.
package register

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/loginflow"
	"github.com/sumire-labs/poolkeeper/internal/mail"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

// Inserter is the slice of the account repository registration needs.
type Inserter interface {
	Insert(ctx context.Context, account *models.Account) error
}

// Adapter runs the registration attempt.
type Adapter interface {
	RunAttempt(ctx context.Context, identity string, provider mail.Provider, registration bool) loginflow.Outcome
}

// ProviderFactory builds a registration-capable mail provider.
type ProviderFactory func(tag models.MailProviderTag, cfg *config.Config) (mail.Provider, error)

// secretCarrier is implemented by providers whose Register call yields a
// mailbox secret that must be persisted on the account.
type secretCarrier interface {
	Secret() string
}

type Registerer struct {
	accounts Inserter
	adapter  Adapter
	factory  ProviderFactory

	// OnResult fires once per registration attempt, for metrics.
	OnResult func(success bool)
}

func New(accounts Inserter, adapter Adapter) *Registerer {
	return &Registerer{accounts: accounts, adapter: adapter, factory: mail.ForRegistration}
}

// NewWithFactory is used by tests to stub the provider factory.
func NewWithFactory(accounts Inserter, adapter Adapter, factory ProviderFactory) *Registerer {
	return &Registerer{accounts: accounts, adapter: adapter, factory: factory}
}

// RegisterOne provisions a single account and returns the stored record.
func (r *Registerer) RegisterOne(ctx context.Context, cfg *config.Config) (*models.Account, error) {
	account, err := r.registerOne(ctx, cfg)
	if r.OnResult != nil {
		r.OnResult(err == nil)
	}
	return account, err
}

func (r *Registerer) registerOne(ctx context.Context, cfg *config.Config) (*models.Account, error) {
	tag := models.MailProviderTag(strings.ToLower(strings.TrimSpace(cfg.TempMailProvider)))

	provider, err := r.factory(tag, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build mail provider: %w", err)
	}

	// The domain override is a duckmail feature; the other services
	// assign their own domains.
	domain := ""
	if tag == models.ProviderDuckMail {
		domain = cfg.RegisterDomain
	}
	address, err := provider.Register(ctx, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to register mailbox: %w", err)
	}
	log.Printf("[register] mailbox %s created, starting registration flow", address)

	outcome := r.adapter.RunAttempt(ctx, address, provider, true)
	if !outcome.Success {
		return nil, fmt.Errorf("registration flow failed for %s: %s", address, outcome.Reason)
	}

	account := buildAccount(tag, address, provider, cfg, outcome.Config)
	if err := r.accounts.Insert(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to persist account %s: %w", address, err)
	}
	log.Printf("[register] account %s registered, expires %s", address, account.ExpiresAt.Format(time.RFC3339))
	return account, nil
}

// buildAccount assembles the account record, persisting the binding
// fields each provider needs to poll the mailbox again later.
func buildAccount(tag models.MailProviderTag, address string, provider mail.Provider, cfg *config.Config, sc *loginflow.SessionConfig) *models.Account {
	account := &models.Account{
		ID:           address,
		MailProvider: string(tag),
		MailAddress:  address,
	}

	var secret string
	if carrier, ok := provider.(secretCarrier); ok {
		secret = carrier.Secret()
	}

	switch tag {
	case models.ProviderDuckMail:
		account.MailPassword = secret
		account.MailBaseURL = cfg.DuckmailBaseURL
		account.MailAPIKey = cfg.DuckmailAPIKey
	case models.ProviderMoeMail:
		// The mailbox id doubles as the password-equivalent secret.
		account.MailPassword = secret
		account.MailBaseURL = cfg.MoemailBaseURL
		account.MailAPIKey = cfg.MoemailAPIKey
	case models.ProviderFreeMail:
		account.MailJWTToken = cfg.FreemailJWTToken
		if secret != "" {
			account.MailJWTToken = secret
		}
		account.MailBaseURL = cfg.FreemailBaseURL
	case models.ProviderGptMail:
		account.MailBaseURL = cfg.GptmailBaseURL
		account.MailAPIKey = cfg.GptmailAPIKey
	}

	if sc != nil {
		account.ConfigID = sc.ConfigID
		account.CSesIdx = sc.CSesIdx
		account.SecureCSes = sc.SecureCSes
		account.HostCOses = sc.HostCOses
		account.ExpiresAt = sc.ExpiresAt
		account.TrialEnd = sc.TrialEnd
	}
	return account
}
