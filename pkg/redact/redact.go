// Package redact scrubs caller PII from anything bound for logs or
// disk. A process-wide switch keeps call sites unconditional; the
// config layer decides once at startup.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailPattern = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phonePattern = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled flips the process-wide redaction switch.
func SetEnabled(v bool) { enabled.Store(v) }

// Text scrubs email addresses and phone numbers from free text.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailPattern.ReplaceAllString(in, "[REDACTED_EMAIL]")
	return phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
}

// Number masks a dialing number down to its last four digits, enough
// to correlate calls in logs without keeping the caller's identity.
func Number(in string) string {
	if !enabled.Load() {
		return in
	}
	digits := 0
	for _, r := range in {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits <= 4 {
		return in
	}
	masked := digits - 4
	var b strings.Builder
	b.Grow(len(in))
	seen := 0
	for _, r := range in {
		if r >= '0' && r <= '9' {
			seen++
			if seen <= masked {
				b.WriteRune('*')
				continue
			}
		}
		b.WriteRune(r)
	}
	return b.String()
}
