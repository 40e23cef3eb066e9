package tieline

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/tielinehq/tieline/pkg/adapters/agent"
	"github.com/tielinehq/tieline/pkg/adapters/transcribe"
	"github.com/tielinehq/tieline/pkg/configutil"
	"github.com/tielinehq/tieline/pkg/metrics"
	"github.com/tielinehq/tieline/pkg/providers/deepgram"
	"github.com/tielinehq/tieline/pkg/providers/mock"
	"github.com/tielinehq/tieline/pkg/providers/openai"
)

// SessionInfo carries the per-call identifiers and hooks a provider
// factory needs when building a session.
type SessionInfo struct {
	StreamID string
	CallSID  string
	TraceID  string
	Observer metrics.Observer
	Logger   *slog.Logger
}

type AgentFactory func(cfg Config, sess SessionInfo) (agent.StreamingAgent, error)
type TranscriberFactory func(cfg Config, sess SessionInfo) (transcribe.StreamingTranscriber, error)

type ProviderRegistry struct {
	agents       map[string]AgentFactory
	transcribers map[string]TranscriberFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		agents:       make(map[string]AgentFactory),
		transcribers: make(map[string]TranscriberFactory),
	}
}

func (r *ProviderRegistry) RegisterAgent(name string, factory AgentFactory) {
	r.agents[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) RegisterTranscriber(name string, factory TranscriberFactory) {
	r.transcribers[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildAgent(provider string, cfg Config, sess SessionInfo) (agent.StreamingAgent, error) {
	fn := r.agents[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("agent provider not registered: %s", provider)
	}
	return fn(cfg, sess)
}

func (r *ProviderRegistry) BuildTranscriber(provider string, cfg Config, sess SessionInfo) (transcribe.StreamingTranscriber, error) {
	fn := r.transcribers[strings.ToLower(strings.TrimSpace(provider))]
	if fn == nil {
		return nil, fmt.Errorf("transcriber provider not registered: %s", provider)
	}
	return fn(cfg, sess)
}

// DefaultProviders returns a registry with the built-in providers.
func DefaultProviders() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterAgent("openai", buildOpenAIAgent)
	r.RegisterAgent("mock", buildMockAgent)
	r.RegisterTranscriber("deepgram", buildDeepgramTranscriber)
	return r
}

func buildOpenAIAgent(cfg Config, sess SessionInfo) (agent.StreamingAgent, error) {
	if err := configutil.ValidateSettings(cfg.Agent.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "voice", "temperature", "server_vad", "transcribe_input", "base_url"},
	}); err != nil {
		return nil, fmt.Errorf("agent settings: %w", err)
	}
	var s struct {
		APIKey          string  `mapstructure:"api_key"`
		Model           string  `mapstructure:"model"`
		Voice           string  `mapstructure:"voice"`
		Temperature     float64 `mapstructure:"temperature"`
		ServerVAD       bool    `mapstructure:"server_vad"`
		TranscribeInput bool    `mapstructure:"transcribe_input"`
		BaseURL         string  `mapstructure:"base_url"`
	}
	if err := configutil.DecodeSettings(cfg.Agent.Settings, &s); err != nil {
		return nil, fmt.Errorf("agent settings: %w", err)
	}
	return openai.NewRealtimeAgent(openai.RealtimeConfig{
		APIKey:          s.APIKey,
		Model:           s.Model,
		BaseURL:         s.BaseURL,
		Voice:           s.Voice,
		Instructions:    cfg.BasePrompt,
		Temperature:     s.Temperature,
		ServerVAD:       s.ServerVAD,
		TranscribeInput: s.TranscribeInput,
		StreamID:        sess.StreamID,
		CallSID:         sess.CallSID,
		TraceID:         sess.TraceID,
		Logger:          sess.Logger,
		Observer:        sess.Observer,
	}), nil
}

func buildMockAgent(cfg Config, sess SessionInfo) (agent.StreamingAgent, error) {
	var s struct {
		ReplyText   string `mapstructure:"reply_text"`
		ChunkSize   int    `mapstructure:"chunk_size"`
		AutoRespond bool   `mapstructure:"auto_respond"`
		FailStart   bool   `mapstructure:"fail_start"`
	}
	if err := configutil.DecodeSettings(cfg.Agent.Settings, &s); err != nil {
		return nil, fmt.Errorf("agent settings: %w", err)
	}
	return mock.NewAgent(mock.AgentConfig{
		StreamID:    sess.StreamID,
		CallSID:     sess.CallSID,
		ReplyText:   s.ReplyText,
		ChunkSize:   s.ChunkSize,
		AutoRespond: s.AutoRespond,
		FailStart:   s.FailStart,
	}), nil
}

func buildDeepgramTranscriber(cfg Config, sess SessionInfo) (transcribe.StreamingTranscriber, error) {
	if err := configutil.ValidateSettings(cfg.Transcriber.Settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim", "utterance_end_ms"},
	}); err != nil {
		return nil, fmt.Errorf("transcriber settings: %w", err)
	}
	var s struct {
		APIKey         string `mapstructure:"api_key"`
		Model          string `mapstructure:"model"`
		Language       string `mapstructure:"language"`
		Interim        *bool  `mapstructure:"interim"`
		UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
	}
	if err := configutil.DecodeSettings(cfg.Transcriber.Settings, &s); err != nil {
		return nil, fmt.Errorf("transcriber settings: %w", err)
	}
	return deepgram.New(deepgram.Config{
		APIKey:         s.APIKey,
		Model:          s.Model,
		Language:       s.Language,
		SampleRate:     cfg.Engine.SampleRate,
		Interim:        configutil.Value(s.Interim, true),
		UtteranceEndMS: configutil.Value(s.UtteranceEndMS, 1000),
		StreamID:       sess.StreamID,
		CallSID:        sess.CallSID,
		TraceID:        sess.TraceID,
	}), nil
}
