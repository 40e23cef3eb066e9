package redact

import (
	"strings"
	"testing"
)

func TestTextPassthroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "reach me at sam@example.com or +1 510 555 0100"
	if got := Text(in); got != in {
		t.Fatalf("expected passthrough, got %q", got)
	}
}

func TestTextScrubsEmailAndPhone(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("reach me at sam@example.com or +1 510 555 0100")
	if strings.Contains(got, "example.com") || strings.Contains(got, "555") {
		t.Fatalf("pii survived: %q", got)
	}
	if !strings.Contains(got, "[REDACTED_EMAIL]") || !strings.Contains(got, "[REDACTED_PHONE]") {
		t.Fatalf("missing placeholders: %q", got)
	}
}

func TestNumberKeepsLastFour(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Number("+15105550100"); got != "+*******0100" {
		t.Fatalf("masked number = %q", got)
	}
	if got := Number("0100"); got != "0100" {
		t.Fatalf("short number changed: %q", got)
	}
}

func TestNumberPassthroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	if got := Number("+15105550100"); got != "+15105550100" {
		t.Fatalf("expected passthrough, got %q", got)
	}
}
