package loginflow

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	authHomeURL = "https://auth.business.gemini.google/"
	businessURL = "https://business.gemini.google/"

	xsrfCookieName   = "__Host-AP_SignInXsrf"
	defaultXSRFToken = "KdLRzKwwBTD5wo8nUollAbY6cW0"

	sessionCookieName = "__Secure-C_SES"
	osesCookieName    = "__Host-C_OSES"
)

var xsrfPatterns = []*regexp.Regexp{
	regexp.MustCompile(`"` + xsrfCookieName + `"\s*[:=]\s*"([A-Za-z0-9_-]{16,})"`),
	regexp.MustCompile(`SignInXsrf[^"']*["']([A-Za-z0-9_-]{16,})["']`),
	regexp.MustCompile(`name=["']xsrf["']\s+value=["']([A-Za-z0-9_-]{16,})["']`),
}

// extractXSRFToken pulls the anti-forgery token out of the entry page.
// The provider embeds it under a handful of shapes; when none match we
// fall back to the well-known static token, which the endpoint accepts.
func extractXSRFToken(html string) string {
	for _, pattern := range xsrfPatterns {
		if m := pattern.FindStringSubmatch(html); m != nil {
			return m[1]
		}
	}
	return defaultXSRFToken
}

func emailLoginURL(address string) string {
	return authHomeURL + "signin/email?email=" + url.QueryEscape(address)
}

// hasBusinessParams reports whether the URL carries both the session index
// query parameter and the config-identifier path segment.
func hasBusinessParams(raw string) bool {
	return strings.Contains(raw, "csesidx=") && strings.Contains(raw, "/cid/")
}

var cidPattern = regexp.MustCompile(`/cid/([^/?#]+)`)

// extractBusinessParams reads the config identifier and session index out
// of a business URL. Either value may come back empty.
func extractBusinessParams(raw string) (configID, csesIdx string) {
	if m := cidPattern.FindStringSubmatch(raw); m != nil {
		configID = m[1]
	}
	if u, err := url.Parse(raw); err == nil {
		csesIdx = u.Query().Get("csesidx")
	}
	return configID, csesIdx
}

// trialScanURL builds a workspace page URL scoped to the extracted
// session, falling back to the bare business host when the parameters
// came back empty.
func trialScanURL(cfg *SessionConfig, page string) string {
	if cfg.ConfigID == "" {
		return businessURL + page
	}
	target := businessURL + "cid/" + url.PathEscape(cfg.ConfigID)
	if page != "" {
		target += "/" + page
	}
	if cfg.CSesIdx != "" {
		target += "?csesidx=" + url.QueryEscape(cfg.CSesIdx)
	}
	return target
}

const (
	expirySafetyMargin   = 12 * time.Hour
	defaultExpiryHorizon = 12 * time.Hour
)

// computeExpiry derives the account expiry from the session cookie's own
// expiry minus a safety margin, or a fixed horizon when the cookie does
// not carry one.
func computeExpiry(cookieExpiry *time.Time, now time.Time) time.Time {
	if cookieExpiry != nil && cookieExpiry.After(now) {
		return cookieExpiry.Add(-expirySafetyMargin)
	}
	return now.Add(defaultExpiryHorizon)
}

var (
	daysLeftJSONPattern  = regexp.MustCompile(`"daysLeft"\s*:\s*(\d+)`)
	trialDaysJSONPattern = regexp.MustCompile(`"trialDaysRemaining"\s*:\s*(\d+)`)
	dateArrayPattern     = regexp.MustCompile(`\[(\d{4}),(\d{1,2}),(\d{1,2})\][^\[\]]{0,40}\[(\d{4}),(\d{1,2}),(\d{1,2})\]`)
	daysLeftTextPattern  = regexp.MustCompile(`(\d+)\s*days?\s*left`)
	daysLeftCNPattern    = regexp.MustCompile(`还剩\s*(\d+)\s*天`)
)

// parseTrialEnd scans page markup for a trial-remaining signal and turns
// it into an end date. Supports the JSON daysLeft / trialDaysRemaining
// fields, a two-date-array marker (start and end date), and the free-text
// English and Chinese "days left" phrasings. Returns nil when no signal
// is present; absence is not an error.
func parseTrialEnd(html string, now time.Time) *time.Time {
	if m := daysLeftJSONPattern.FindStringSubmatch(html); m != nil {
		return trialEndFromDays(m[1], now)
	}
	if m := trialDaysJSONPattern.FindStringSubmatch(html); m != nil {
		return trialEndFromDays(m[1], now)
	}
	if m := dateArrayPattern.FindStringSubmatch(html); m != nil {
		year, _ := strconv.Atoi(m[4])
		month, _ := strconv.Atoi(m[5])
		day, _ := strconv.Atoi(m[6])
		if month >= 1 && month <= 12 && day >= 1 && day <= 31 {
			end := time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
			return &end
		}
	}
	if m := daysLeftTextPattern.FindStringSubmatch(html); m != nil {
		return trialEndFromDays(m[1], now)
	}
	if m := daysLeftCNPattern.FindStringSubmatch(html); m != nil {
		return trialEndFromDays(m[1], now)
	}
	return nil
}

func trialEndFromDays(digits string, now time.Time) *time.Time {
	days, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).
		AddDate(0, 0, days)
	return &end
}
