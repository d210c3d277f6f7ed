// Package mail implements the mailbox capability the refresh and
// registration flows depend on: registering a fresh address and polling
// for a verification code sent to it.
package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

// ErrNoCode is returned when polling ends without a verification code.
var ErrNoCode = errors.New("no verification code received")

// Provider is one account's mailbox capability.
type Provider interface {
	// Address returns the mailbox address, once known.
	Address() string

	// Register creates a new mailbox, optionally on the given domain, and
	// returns its address.
	Register(ctx context.Context, domain string) (string, error)

	// PollForCode polls the mailbox until a verification code arrives or
	// the timeout elapses. Only messages created at or after since are
	// considered, so stale codes from earlier attempts are never reused.
	PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error)
}

// ForAccount resolves an account's mail binding into a concrete provider.
// Missing secrets yield a descriptive, non-retryable error.
func ForAccount(account *models.Account, cfg *config.Config) (Provider, error) {
	switch tag := account.ProviderTag(); tag {
	case models.ProviderMicrosoft:
		if account.MailClientID == "" || account.MailRefreshToken == "" {
			return nil, fmt.Errorf("microsoft oauth config missing for %s", account.ID)
		}
		tenant := account.MailTenant
		if tenant == "" {
			tenant = cfg.MicrosoftTenant
		}
		return NewMicrosoftClient(account.MailClientID, account.MailRefreshToken, tenant, account.Address()), nil

	case models.ProviderDuckMail, models.ProviderMoeMail:
		if account.MailPassword == "" {
			return nil, fmt.Errorf("mail password missing for %s", account.ID)
		}
		client := NewTempMailClient(tag, tempMailOptions(tag, account, cfg))
		client.SetCredentials(account.Address(), account.MailPassword)
		return client, nil

	case models.ProviderFreeMail:
		opts := tempMailOptions(tag, account, cfg)
		if opts.JWTToken == "" {
			return nil, fmt.Errorf("freemail jwt token not configured for %s", account.ID)
		}
		client := NewTempMailClient(tag, opts)
		client.SetCredentials(account.Address(), opts.JWTToken)
		return client, nil

	case models.ProviderGptMail:
		client := NewTempMailClient(tag, tempMailOptions(tag, account, cfg))
		client.SetCredentials(account.Address(), "")
		return client, nil
	}
	return nil, fmt.Errorf("unsupported mail provider for %s", account.ID)
}

// ForRegistration builds a fresh temp-mail provider for registering a new
// mailbox, using the globally configured endpoints.
func ForRegistration(tag models.MailProviderTag, cfg *config.Config) (Provider, error) {
	switch tag {
	case models.ProviderDuckMail, models.ProviderMoeMail, models.ProviderGptMail:
		return NewTempMailClient(tag, tempMailOptions(tag, nil, cfg)), nil
	case models.ProviderFreeMail:
		opts := tempMailOptions(tag, nil, cfg)
		if opts.JWTToken == "" {
			return nil, errors.New("freemail jwt token not configured")
		}
		return NewTempMailClient(tag, opts), nil
	case models.ProviderMicrosoft:
		return nil, errors.New("microsoft mailboxes cannot be registered")
	}
	return nil, fmt.Errorf("unsupported mail provider %q", tag)
}

// tempMailOptions merges global provider settings with the account-level
// overrides, account values winning.
func tempMailOptions(tag models.MailProviderTag, account *models.Account, cfg *config.Config) TempMailOptions {
	var opts TempMailOptions
	switch tag {
	case models.ProviderDuckMail:
		opts = TempMailOptions{BaseURL: cfg.DuckmailBaseURL, APIKey: cfg.DuckmailAPIKey, VerifySSL: true}
	case models.ProviderMoeMail:
		opts = TempMailOptions{BaseURL: cfg.MoemailBaseURL, APIKey: cfg.MoemailAPIKey, Domain: cfg.MoemailDomain, VerifySSL: true}
	case models.ProviderFreeMail:
		opts = TempMailOptions{BaseURL: cfg.FreemailBaseURL, JWTToken: cfg.FreemailJWTToken, Domain: cfg.FreemailDomain, VerifySSL: cfg.FreemailVerifySSL}
	case models.ProviderGptMail:
		opts = TempMailOptions{BaseURL: cfg.GptmailBaseURL, APIKey: cfg.GptmailAPIKey, Domain: cfg.GptmailDomain, VerifySSL: cfg.GptmailVerifySSL}
	}
	if account == nil {
		return opts
	}
	if account.MailBaseURL != "" {
		opts.BaseURL = account.MailBaseURL
	}
	if account.MailAPIKey != "" {
		opts.APIKey = account.MailAPIKey
	}
	if account.MailJWTToken != "" {
		opts.JWTToken = account.MailJWTToken
	}
	if account.MailDomain != "" {
		opts.Domain = account.MailDomain
	}
	if account.MailVerifySSL != nil {
		opts.VerifySSL = *account.MailVerifySSL
	}
	return opts
}
