package mail

import (
	"strings"
	"testing"

	"github.com/sumire-labs/poolkeeper/internal/config"
	"github.com/sumire-labs/poolkeeper/internal/models"
)

func TestForAccount(t *testing.T) {
	cfg := config.Defaults()
	cfg.DuckmailBaseURL = "https://duck.example.com"
	cfg.FreemailBaseURL = "https://free.example.com"
	cfg.FreemailJWTToken = "global-jwt"
	cfg.GptmailBaseURL = "https://gpt.example.com"

	tests := []struct {
		name    string
		account *models.Account
		wantErr string
	}{
		{
			name: "microsoft with oauth secrets",
			account: &models.Account{
				ID:               "bob@outlook.com",
				MailProvider:     "microsoft",
				MailClientID:     "client",
				MailRefreshToken: "refresh",
			},
		},
		{
			name: "microsoft missing refresh token",
			account: &models.Account{
				ID:           "bob@outlook.com",
				MailProvider: "microsoft",
				MailClientID: "client",
			},
			wantErr: "oauth config missing",
		},
		{
			name: "duckmail with password",
			account: &models.Account{
				ID:           "a@duck.example.com",
				MailProvider: "duckmail",
				MailPassword: "jwt-secret",
			},
		},
		{
			name: "moemail without password",
			account: &models.Account{
				ID:           "a@moe.example.com",
				MailProvider: "moemail",
			},
			wantErr: "mail password missing",
		},
		{
			name: "freemail falls back to global jwt",
			account: &models.Account{
				ID:           "a@free.example.com",
				MailProvider: "freemail",
			},
		},
		{
			name: "gptmail needs no secret",
			account: &models.Account{
				ID:           "a@gpt.example.com",
				MailProvider: "gptmail",
			},
		},
		{
			name: "empty tag with oauth fields resolves to microsoft",
			account: &models.Account{
				ID:               "legacy@outlook.com",
				MailClientID:     "client",
				MailRefreshToken: "refresh",
			},
		},
		{
			name: "empty tag without oauth fields needs a password",
			account: &models.Account{
				ID: "legacy@duck.example.com",
			},
			wantErr: "mail password missing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := ForAccount(tt.account, cfg)
			if tt.wantErr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q, got provider %T", tt.wantErr, provider)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %q, expected it to contain %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if provider == nil {
				t.Fatal("expected a provider")
			}
			if provider.Address() != tt.account.Address() {
				t.Errorf("Address() = %q, expected %q", provider.Address(), tt.account.Address())
			}
		})
	}
}

func TestForAccountFreemailWithoutAnyJWT(t *testing.T) {
	cfg := config.Defaults()
	cfg.FreemailBaseURL = "https://free.example.com"

	_, err := ForAccount(&models.Account{ID: "a@free.example.com", MailProvider: "freemail"}, cfg)
	if err == nil || !strings.Contains(err.Error(), "jwt token not configured") {
		t.Fatalf("expected jwt configuration error, got %v", err)
	}
}

func TestForRegistration(t *testing.T) {
	cfg := config.Defaults()
	cfg.DuckmailBaseURL = "https://duck.example.com"

	if _, err := ForRegistration(models.ProviderDuckMail, cfg); err != nil {
		t.Fatalf("duckmail registration provider: %v", err)
	}
	if _, err := ForRegistration(models.ProviderMicrosoft, cfg); err == nil {
		t.Fatal("expected microsoft registration to be rejected")
	}
	if _, err := ForRegistration(models.ProviderFreeMail, cfg); err == nil {
		t.Fatal("expected freemail registration without jwt to be rejected")
	}
}

func TestTempMailOptionsAccountOverrides(t *testing.T) {
	cfg := config.Defaults()
	cfg.MoemailBaseURL = "https://moe.example.com"
	cfg.MoemailAPIKey = "global-key"
	cfg.MoemailDomain = "moe.example.com"

	verify := false
	account := &models.Account{
		ID:            "a@custom.example.com",
		MailProvider:  "moemail",
		MailBaseURL:   "https://custom.example.com",
		MailDomain:    "custom.example.com",
		MailVerifySSL: &verify,
	}

	opts := tempMailOptions(models.ProviderMoeMail, account, cfg)
	if opts.BaseURL != "https://custom.example.com" {
		t.Errorf("BaseURL = %q, expected account override", opts.BaseURL)
	}
	if opts.APIKey != "global-key" {
		t.Errorf("APIKey = %q, expected global value to survive", opts.APIKey)
	}
	if opts.Domain != "custom.example.com" {
		t.Errorf("Domain = %q, expected account override", opts.Domain)
	}
	if opts.VerifySSL {
		t.Error("VerifySSL = true, expected account override to false")
	}
}
