// Reel is a media transcoding service.
// Copyright (C) 2025 The Reel Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package errdefs

import (
	"regexp"
	"runtime"
)

// Substitution order matters: credential patterns run before URL and
// path patterns so that a secret embedded in a URL is redacted rather
// than generically replaced.
var sanitizeRules = []struct {
	re   *regexp.Regexp
	repl string
}{
	// key=value / key: value credential assignments
	{regexp.MustCompile(`(?i)\b(password|passwd|secret|token|api[_-]?key|authorization)\b\s*[=:]\s*\S+`), "$1=[REDACTED]"},
	// HTTP auth schemes
	{regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=\-]{4,}`), "$1 [REDACTED]"},
	// URLs and connection strings (scheme://...)
	{regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.\-]*://[^\s"']+`), "[URL]"},
	// email addresses
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	// windows paths
	{regexp.MustCompile(`\b[A-Za-z]:\\[^\s"']+`), "[PATH]"},
	// unix paths with at least two segments
	{regexp.MustCompile(`(?:/[A-Za-z0-9_.\-]+){2,}/?`), "[PATH]"},
	// long opaque tokens; UUIDs keep their dashes and survive
	{regexp.MustCompile(`\b[A-Za-z0-9_]{32,}\b`), "[REDACTED]"},
}

// Sanitize strips file paths, email addresses, credentials, URLs, and
// long opaque tokens from a message. Applied to every message that
// crosses the API boundary or lands in a webhook payload.
func Sanitize(msg string) string {
	for _, rule := range sanitizeRules {
		msg = rule.re.ReplaceAllString(msg, rule.repl)
	}
	return msg
}

// SanitizedMessage returns the error's message after sanitization.
func (e *Error) SanitizedMessage() string {
	return Sanitize(e.Message)
}

// SanitizedDetails returns a copy of Details with string values
// sanitized. Non-string values pass through unchanged.
func (e *Error) SanitizedDetails() map[string]any {
	if len(e.Details) == 0 {
		return nil
	}
	out := make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		if s, ok := v.(string); ok {
			out[k] = Sanitize(s)
		} else {
			out[k] = v
		}
	}
	return out
}

// Stack captures the current goroutine's stack trace with source paths
// sanitized. Only included in responses when debug mode is enabled and
// severity is low or medium.
func Stack() string {
	buf := make([]byte, 16<<10)
	n := runtime.Stack(buf, false)
	return Sanitize(string(buf[:n]))
}
