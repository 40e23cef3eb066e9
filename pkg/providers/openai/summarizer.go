package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/resilience"
)

const summarizerPrompt = "You summarize phone call transcripts. Reply with a short factual summary: who called, what they wanted, and any follow-up that was agreed. No preamble."

const (
	defaultChatURL   = "https://api.openai.com/v1"
	defaultChatModel = "gpt-4o-mini"
	chatTimeout      = 60 * time.Second
)

// Summarizer produces a post-call summary of a transcript via the chat
// completions endpoint.
type Summarizer struct {
	APIKey  string
	Model   string
	BaseURL string
	Client  *http.Client
}

func NewSummarizer(apiKey, model string) *Summarizer {
	if model == "" {
		model = defaultChatModel
	}
	return &Summarizer{
		APIKey:  apiKey,
		Model:   model,
		BaseURL: defaultChatURL,
		Client:  &http.Client{Timeout: chatTimeout},
	}
}

func (s *Summarizer) Name() string { return "openai_summarizer" }

// Summarize returns a short summary of the transcript.
func (s *Summarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return "", nil
	}
	payload := map[string]any{
		"model": s.Model,
		"messages": []map[string]any{
			{"role": "system", "content": summarizerPrompt},
			{"role": "user", "content": transcript},
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/chat/completions", bytes.NewBuffer(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.APIKey)

	resp, err := s.client().Do(req)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSummaryGenerate)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(resp.Body)
		return "", errorsx.Wrap(resilience.RateLimitError{Provider: "openai", Message: string(body)}, errorsx.ReasonSummaryRateLimit)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", errorsx.Wrap(errors.New(string(body)), errorsx.ReasonSummaryGenerate)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSummaryGenerate)
	}
	if len(parsed.Choices) == 0 {
		return "", errorsx.Wrap(errors.New("no choices in completion response"), errorsx.ReasonSummaryGenerate)
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (s *Summarizer) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}
