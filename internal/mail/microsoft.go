package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const graphMessagesURL = "https://graph.microsoft.com/v1.0/me/messages"

// MicrosoftClient reads verification mails from an Outlook mailbox via the
// Graph API, minting access tokens from a long-lived refresh token.
type MicrosoftClient struct {
	address string
	conf    *oauth2.Config
	seed    *oauth2.Token
}

func NewMicrosoftClient(clientID, refreshToken, tenant, address string) *MicrosoftClient {
	if tenant == "" {
		tenant = "consumers"
	}
	base := "https://login.microsoftonline.com/" + tenant + "/oauth2/v2.0"
	return &MicrosoftClient{
		address: address,
		conf: &oauth2.Config{
			ClientID: clientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:  base + "/authorize",
				TokenURL: base + "/token",
			},
			Scopes: []string{"https://graph.microsoft.com/Mail.Read", "offline_access"},
		},
		seed: &oauth2.Token{RefreshToken: refreshToken},
	}
}

func (c *MicrosoftClient) Address() string {
	return c.address
}

// Register is not supported: microsoft mailboxes are provisioned out of
// band and bound to accounts with their OAuth secrets.
func (c *MicrosoftClient) Register(ctx context.Context, domain string) (string, error) {
	return "", errors.New("microsoft mailboxes cannot be registered")
}

type graphMessage struct {
	Subject          string `json:"subject"`
	BodyPreview      string `json:"bodyPreview"`
	ReceivedDateTime string `json:"receivedDateTime"`
}

type graphMessageList struct {
	Value []graphMessage `json:"value"`
}

// PollForCode polls the mailbox until a verification code arrives.
func (c *MicrosoftClient) PollForCode(ctx context.Context, timeout, interval time.Duration, since time.Time) (string, error) {
	client := c.conf.Client(ctx, c.seed)
	deadline := time.Now().Add(timeout)
	for {
		code, err := c.scanOnce(ctx, client, since)
		if err != nil && ctx.Err() != nil {
			return "", ctx.Err()
		}
		if code != "" {
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

func (c *MicrosoftClient) scanOnce(ctx context.Context, client *http.Client, since time.Time) (string, error) {
	url := graphMessagesURL + "?$top=10&$orderby=receivedDateTime%20desc&$select=subject,bodyPreview,receivedDateTime"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("graph returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var list graphMessageList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return "", fmt.Errorf("failed to decode graph response: %w", err)
	}

	for _, msg := range list.Value {
		if received, ok := parseMailTime(msg.ReceivedDateTime); ok && received.Before(since) {
			continue
		}
		if code := ExtractCode(msg.Subject, msg.BodyPreview); code != "" {
			return code, nil
		}
	}
	return "", nil
}
