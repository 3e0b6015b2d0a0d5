package errclass

import (
	"regexp"
	"strings"
)

// MaxStoredErrorLength bounds error text persisted on outbox and dead-letter
// records.
const MaxStoredErrorLength = 512

const (
	redacted        = "[REDACTED]"
	truncatedSuffix = "... (truncated)"
)

var secretPatterns = []struct {
	re   *regexp.Regexp
	repl string
}{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redacted + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redacted},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redacted},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;&]+)`), `$1=` + redacted},
}

// Redact returns err's message with credentials masked and its length
// bounded, suitable for storing next to a record. A nil error yields "".
func Redact(err error) string {
	if err == nil {
		return ""
	}

	msg := strings.TrimSpace(err.Error())
	for _, p := range secretPatterns {
		msg = p.re.ReplaceAllString(msg, p.repl)
	}

	runes := []rune(msg)
	if len(runes) <= MaxStoredErrorLength {
		return msg
	}

	return string(runes[:MaxStoredErrorLength-len(truncatedSuffix)]) + truncatedSuffix
}
