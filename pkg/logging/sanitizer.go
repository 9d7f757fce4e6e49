package logging

import (
	"regexp"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match potential passwords in connection strings
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match bearer tokens in headers or error messages.
	// OAuth access tokens are opaque strings, not always JWTs.
	bearerPattern = regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/-]+=*`)

	// Pattern to match credential fields in JSON bodies or form payloads:
	// "access_token":"xxx", refresh_token=xxx, client_secret=xxx, api_key=xxx
	credentialFieldPattern = regexp.MustCompile(`(?i)"?(access_token|refresh_token|client_secret|api[_-]?key|apikey)"?\s*[:=]\s*"?[A-Za-z0-9._~+/-]+=*"?`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// Sanitize removes OAuth tokens, API keys and connection credentials from a
// string. Use this on any third-party response body or URL before logging it.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = bearerPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = credentialFieldPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeConnectionString removes sensitive data from connection strings
// Use this before logging any connection string
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Errors from token endpoints and connector calls can echo request payloads.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return Sanitize(err.Error())
}

// TokenTail returns the last four characters of a token for log correlation.
// Anything shorter than eight characters is fully redacted.
func TokenTail(token string) string {
	if len(token) < 8 {
		return RedactedText
	}
	return "..." + token[len(token)-4:]
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
