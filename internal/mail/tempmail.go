package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sumire-labs/poolkeeper/internal/models"
)

// TempMailOptions configures a temp-mail endpoint.
type TempMailOptions struct {
	BaseURL   string
	APIKey    string
	JWTToken  string
	Domain    string
	VerifySSL bool
	Client    *http.Client // optional, mainly for tests
}

// TempMailClient talks to a Cloudflare-style temp mail service: create an
// address, list mails, fetch a mail body. The duckmail, moemail, freemail
// and gptmail variants share the API shape and differ only in auth.
type TempMailClient struct {
	variant    models.MailProviderTag
	baseURL    string
	apiKey     string
	jwtToken   string
	domain     string
	httpClient *http.Client

	address string
	secret  string
}

func NewTempMailClient(variant models.MailProviderTag, opts TempMailOptions) *TempMailClient {
	client := opts.Client
	if client == nil {
		transport := http.DefaultTransport
		if !opts.VerifySSL {
			transport = &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			}
		}
		client = &http.Client{Timeout: 30 * time.Second, Transport: transport}
	}
	return &TempMailClient{
		variant:    variant,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		jwtToken:   opts.JWTToken,
		domain:     opts.Domain,
		httpClient: client,
	}
}

// SetCredentials binds the client to an existing mailbox. For duckmail the
// secret is the mailbox JWT; for moemail it is the mailbox id.
func (c *TempMailClient) SetCredentials(address, secret string) {
	c.address = address
	c.secret = secret
	if secret != "" && c.jwtToken == "" {
		c.jwtToken = secret
	}
}

func (c *TempMailClient) Address() string {
	return c.address
}

type newAddressResponse struct {
	Address string `json:"address"`
	JWT     string `json:"jwt"`
}

// Register creates a new mailbox and returns its address.
func (c *TempMailClient) Register(ctx context.Context, domain string) (string, error) {
	if domain == "" {
		domain = c.domain
	}
	if domain == "" {
		domains, err := c.availableDomains(ctx)
		if err != nil {
			return "", err
		}
		if len(domains) == 0 {
			return "", fmt.Errorf("%s: no mail domains available", c.variant)
		}
		domain = domains[0]
	}

	local := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	body := map[string]string{"name": local, "domain": domain}

	var resp newAddressResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/new_address", body, &resp); err != nil {
		return "", fmt.Errorf("%s: failed to register mailbox: %w", c.variant, err)
	}
	if resp.Address == "" {
		return "", fmt.Errorf("%s: registration returned no address", c.variant)
	}
	c.address = resp.Address
	c.secret = resp.JWT
	if resp.JWT != "" {
		c.jwtToken = resp.JWT
	}
	return resp.Address, nil
}

// Secret returns the mailbox secret established at registration time; for
// duckmail variants this is the mailbox JWT.
func (c *TempMailClient) Secret() string {
	return c.secret
}

type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexibleID(s)
		return nil
	}
	*f = flexibleID(bytes.NewBuffer(data).String())
	return nil
}

type mailSummary struct {
	ID        flexibleID `json:"id"`
	Subject   string     `json:"subject"`
	CreatedAt string     `json:"created_at"`
}

type mailListResponse struct {
	Results []mailSummary `json:"results"`
}

type mailDetail struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	Raw     string `json:"raw"`
}

// PollForCode polls the mailbox until a verification code arrives.
func (c *TempMailClient) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		code, err := c.scanOnce(ctx, since)
		if err != nil {
			// Transient listing failures count against the budget.
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
		} else if code != "" {
			return code, nil
		}

		if time.Now().Add(interval).After(deadline) {
			return "", ErrNoCode
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *TempMailClient) scanOnce(ctx context.Context, since time.Time) (string, error) {
	var list mailListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/mails?limit=20&offset=0", nil, &list); err != nil {
		return "", err
	}
	for _, summary := range list.Results {
		if created, ok := parseMailTime(summary.CreatedAt); ok && created.Before(since) {
			continue
		}
		if code := ExtractCode(summary.Subject, ""); code != "" {
			return code, nil
		}
		var detail mailDetail
		if err := c.doJSON(ctx, http.MethodGet, "/api/mail/"+string(summary.ID), nil, &detail); err != nil {
			continue
		}
		body := detail.Text
		if body == "" {
			body = detail.Raw
		}
		if code := ExtractCode(detail.Subject, body); code != "" {
			return code, nil
		}
	}
	return "", nil
}

type settingsResponse struct {
	Domains []string `json:"domains"`
}

func (c *TempMailClient) availableDomains(ctx context.Context) ([]string, error) {
	var settings settingsResponse
	if err := c.doJSON(ctx, http.MethodGet, "/open_api/settings", nil, &settings); err != nil {
		return nil, fmt.Errorf("%s: failed to fetch settings: %w", c.variant, err)
	}
	return settings.Domains, nil
}

func (c *TempMailClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("%s: base url not configured", c.variant)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("x-admin-auth", c.apiKey)
	}
	if c.jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwtToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var mailTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func parseMailTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range mailTimeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
