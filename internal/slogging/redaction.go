package slogging

import (
	"regexp"
	"strings"
)

// Patterns for values that must never reach the log stream.
var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	tokenParamPattern  = regexp.MustCompile(`(?i)(token=)[^&\s"]+`)
	jwtPattern         = regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
)

// SanitizeLogMessage flattens raw wire bytes into a single log-safe line.
// Newlines, carriage returns and tabs are collapsed so that untrusted input
// cannot forge log records.
func SanitizeLogMessage(message string) string {
	message = strings.ReplaceAll(message, "\n", " ")
	message = strings.ReplaceAll(message, "\r", " ")
	message = strings.ReplaceAll(message, "\t", " ")
	return strings.TrimSpace(strings.Join(strings.Fields(message), " "))
}

// RedactTokens masks credentials embedded in a string before logging.
func RedactTokens(input string) string {
	input = bearerTokenPattern.ReplaceAllString(input, "${1}[REDACTED]")
	input = tokenParamPattern.ReplaceAllString(input, "${1}[REDACTED]")
	input = jwtPattern.ReplaceAllString(input, "[REDACTED-JWT]")
	return input
}
