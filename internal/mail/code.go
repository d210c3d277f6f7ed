package mail

import (
	"regexp"
	"strings"
)

// Patterns ordered by specificity; the first match wins. Codes are the
// 4-8 digit one-time values the identity provider mails out.
var codePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:verification|security|login|one[\s-]?time)\s*code[^0-9]{0,24}([0-9]{4,8})`),
	regexp.MustCompile(`验证码[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)\bcode\b[^0-9]{0,16}([0-9]{6})`),
	regexp.MustCompile(`\b([0-9]{6})\b`),
}

// ExtractCode scans a message subject and body for a verification code.
// Returns the empty string when no code is present.
func ExtractCode(subject, body string) string {
	for _, source := range []string{subject, body} {
		source = strings.TrimSpace(source)
		if source == "" {
			continue
		}
		for _, pattern := range codePatterns {
			if m := pattern.FindStringSubmatch(source); m != nil {
				return m[1]
			}
		}
	}
	return ""
}
