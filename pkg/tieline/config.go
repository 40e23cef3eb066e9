package tieline

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/tielinehq/tieline/pkg/pipeline"
)

type Config struct {
	Pipeline      pipeline.Config       `mapstructure:"pipeline"`
	Engine        pipeline.EngineConfig `mapstructure:"engine"`
	Transports    TransportsConfig      `mapstructure:"transports"`
	Agent         VendorConfig          `mapstructure:"agent"`
	Transcriber   VendorConfig          `mapstructure:"transcriber"`
	Turn          TurnConfig            `mapstructure:"turn"`
	Recovery      RecoveryConfig        `mapstructure:"recovery"`
	Summary       SummaryConfig         `mapstructure:"summary"`
	Notify        NotifyConfig          `mapstructure:"notify"`
	Dial          DialConfig            `mapstructure:"dial"`
	Observability ObservabilityConfig   `mapstructure:"observability"`
	Privacy       PrivacyConfig         `mapstructure:"privacy"`
	Greeting      string                `mapstructure:"greeting"`
	BasePrompt    string                `mapstructure:"base_prompt"`
	Environment   string                `mapstructure:"environment"`
	LogLevel      string                `mapstructure:"log_level"`
	LogFormat     string                `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type TurnConfig struct {
	VADThreshold       float64 `mapstructure:"vad_threshold"`
	PollIntervalMS     int     `mapstructure:"poll_interval_ms"`
	SilenceWindowMS    int     `mapstructure:"silence_window_ms"`
	BargeInThresholdMS int     `mapstructure:"barge_in_threshold_ms"`
	MinBargeInMS       int     `mapstructure:"min_barge_in_ms"`
}

type RecoveryConfig struct {
	DeadAirMS int `mapstructure:"dead_air_ms"`
	PollMS    int `mapstructure:"poll_ms"`
}

type SummaryConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`
	MaxChars  int    `mapstructure:"max_chars"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

type NotifyConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	From           string `mapstructure:"from"`
	To             string `mapstructure:"to"`
	AccountSID     string `mapstructure:"account_sid"`
	AuthToken      string `mapstructure:"auth_token"`
	Retries        int    `mapstructure:"retries"`
	RetryBackoffMS int    `mapstructure:"retry_backoff_ms"`
}

type DialConfig struct {
	BreakerThreshold  int `mapstructure:"breaker_threshold"`
	BreakerCooldownMS int `mapstructure:"breaker_cooldown_ms"`
}

type ObservabilityConfig struct {
	ArtifactsDir      string  `mapstructure:"artifacts_dir"`
	RecordAudio       bool    `mapstructure:"record_audio"`
	RetentionDays     int     `mapstructure:"retention_days"`
	MetricsSampleRate float64 `mapstructure:"metrics_sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

// configDefaults are the values a key takes when the yaml leaves it
// out. Keys use viper's dotted form.
var configDefaults = map[string]any{
	"pipeline.async":         false,
	"pipeline.stagebuffer":   128,
	"pipeline.highcapacity":  256,
	"pipeline.lowcapacity":   512,
	"pipeline.fairnessratio": 3,
	"pipeline.backpressure":  "drop",

	"engine.samplerate":       8000,
	"engine.pacer_frame_size": 160,
	"engine.pacer_tick_ms":    20,

	"turn.vad_threshold":         600,
	"turn.poll_interval_ms":      100,
	"turn.silence_window_ms":     700,
	"turn.barge_in_threshold_ms": 500,
	"turn.min_barge_in_ms":       300,

	"recovery.dead_air_ms": 45000,
	"recovery.poll_ms":     5000,

	"summary.enabled":    false,
	"summary.model":      "gpt-4o-mini",
	"summary.max_chars":  600,
	"summary.timeout_ms": 30000,

	"notify.enabled":          false,
	"notify.retries":          2,
	"notify.retry_backoff_ms": 500,

	"dial.breaker_threshold":   3,
	"dial.breaker_cooldown_ms": 30000,

	"environment": "development",
	"log_level":   "info",
	"log_format":  "text",

	"observability.artifacts_dir":       "",
	"observability.record_audio":        false,
	"observability.retention_days":      0,
	"observability.metrics_sample_rate": 1.0,

	"privacy.redact_pii": true,
}

// LoadConfig reads the yaml at path into a Config. ${VAR} references
// anywhere in the file are replaced from the environment before
// parsing, so secrets can stay out of the file itself.
func LoadConfig(path string) (Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}
	if err := v.ReadConfig(strings.NewReader(os.ExpandEnv(string(body)))); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// decodeHooks restores viper's stock hooks and adds the backpressure
// mode conversion on top, since passing any hook replaces the stock
// set.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		backpressureHook,
	)
}

// backpressureHook turns the yaml strings "drop" and "wait" into the
// pipeline's BackpressureMode.
func backpressureHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(pipeline.BackpressureDrop) {
		return data, nil
	}
	return parseBackpressure(data.(string)), nil
}

func parseBackpressure(v string) pipeline.BackpressureMode {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "wait" {
		return pipeline.BackpressureWait
	}
	if n, err := strconv.Atoi(v); err == nil {
		return pipeline.BackpressureMode(n)
	}
	return pipeline.BackpressureDrop
}

// Validate fails fast on anything the engine cannot run without. A
// missing agent credential surfaces here, at startup, never mid-call.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Agent.Provider) == "" {
		return fmt.Errorf("agent.provider is required")
	}
	if strings.EqualFold(strings.TrimSpace(c.Agent.Provider), "openai") {
		if settingString(c.Agent.Settings, "api_key") == "" {
			return fmt.Errorf("agent.settings.api_key is required for the openai provider")
		}
	}
	if strings.EqualFold(strings.TrimSpace(c.Transcriber.Provider), "deepgram") {
		if settingString(c.Transcriber.Settings, "api_key") == "" {
			return fmt.Errorf("transcriber.settings.api_key is required for the deepgram provider")
		}
	}
	if c.Summary.Enabled && strings.TrimSpace(c.Summary.APIKey) == "" {
		return fmt.Errorf("summary.api_key is required when summary is enabled")
	}
	if c.Notify.Enabled {
		for path, value := range map[string]string{
			"notify.from":        c.Notify.From,
			"notify.to":          c.Notify.To,
			"notify.account_sid": c.Notify.AccountSID,
			"notify.auth_token":  c.Notify.AuthToken,
		} {
			if strings.TrimSpace(value) == "" {
				return fmt.Errorf("%s is required when notify is enabled", path)
			}
		}
	}
	return nil
}

func settingString(settings map[string]any, key string) string {
	want := normalizeSettingKey(key)
	for k, v := range settings {
		if normalizeSettingKey(k) != want {
			continue
		}
		if s, ok := v.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func normalizeSettingKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	key = strings.ReplaceAll(key, "-", "")
	return key
}
