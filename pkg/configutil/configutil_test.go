package configutil

import (
	"strings"
	"testing"
)

func TestValidateSettingsReportsEveryProblem(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"api_key": "",
		"modle":   "typo",
		"extra":   1,
	}, Schema{
		Required: []string{"api_key", "region"},
		Optional: []string{"model"},
	})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	msg := err.Error()
	for _, want := range []string{"api_key", "region", "modle", "extra"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error %q missing %q", msg, want)
		}
	}
}

func TestValidateSettingsMatchesLoosely(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"API-Key":       "sk-123",
		"UtteranceEnd":  250,
		"server_vad":    false,
		"Transcribe_In": true,
	}, Schema{
		Required: []string{"api_key"},
		Optional: []string{"utterance_end", "server-vad", "transcribein"},
	})
	if err != nil {
		t.Fatalf("loose key matching rejected valid settings: %v", err)
	}
}

func TestValidateSettingsAcceptsZeroValues(t *testing.T) {
	// 0 and false are legitimate explicit settings; only nil and blank
	// strings count as absent.
	if err := ValidateSettings(map[string]any{"threshold": 0}, Schema{Required: []string{"threshold"}}); err != nil {
		t.Fatalf("zero int rejected: %v", err)
	}
	if err := ValidateSettings(map[string]any{"threshold": nil}, Schema{Required: []string{"threshold"}}); err == nil {
		t.Fatal("nil value should count as missing")
	}
	if err := ValidateSettings(map[string]any{"name": "  "}, Schema{Required: []string{"name"}}); err == nil {
		t.Fatal("blank string should count as missing")
	}
}

func TestDecodeSettingsCoercesScalars(t *testing.T) {
	var out struct {
		SampleRate int     `mapstructure:"sample_rate"`
		Threshold  float64 `mapstructure:"threshold"`
		Enabled    bool    `mapstructure:"enabled"`
	}
	err := DecodeSettings(map[string]any{
		"Sample-Rate": "8000",
		"threshold":   "0.5",
		"ENABLED":     "true",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.SampleRate != 8000 || out.Threshold != 0.5 || !out.Enabled {
		t.Fatalf("decoded = %+v", out)
	}
}

func TestDecodeSettingsEmptyInputLeavesDefaults(t *testing.T) {
	out := struct {
		Model string `mapstructure:"model"`
	}{Model: "preset"}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Model != "preset" {
		t.Fatalf("model = %q", out.Model)
	}
}

func TestValueDistinguishesAbsentFromZero(t *testing.T) {
	if got := Value[int](nil, 1000); got != 1000 {
		t.Fatalf("absent = %d, want fallback", got)
	}
	zero := 0
	if got := Value(&zero, 1000); got != 0 {
		t.Fatalf("explicit zero = %d, want 0", got)
	}
	off := false
	if Value(&off, true) {
		t.Fatal("explicit false overridden by fallback")
	}
}

func TestStringValue(t *testing.T) {
	if got := StringValue("", "fallback"); got != "fallback" {
		t.Fatalf("empty = %q", got)
	}
	if got := StringValue("  ", "fallback"); got != "fallback" {
		t.Fatalf("blank = %q", got)
	}
	if got := StringValue("set", "fallback"); got != "set" {
		t.Fatalf("set = %q", got)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString("", "transports.settings.auth_token"); err == nil ||
		!strings.Contains(err.Error(), "transports.settings.auth_token") {
		t.Fatalf("error = %v", err)
	}
	if err := RequireString("secret", "transports.settings.auth_token"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
