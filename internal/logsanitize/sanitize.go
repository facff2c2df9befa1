// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import "strings"

// maxFieldLen bounds how much of an untrusted value reaches the log.
const maxFieldLen = 256

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117) and truncates overly long values.
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)

	if len(cleaned) > maxFieldLen {
		return cleaned[:maxFieldLen] + "..."
	}
	return cleaned
}

// MaskToken renders a bearer credential in a form safe for logs:
// only the last four characters survive.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-4:]
}
