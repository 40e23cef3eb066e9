package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/tielinehq/tieline/pkg/errorsx"
	"github.com/tielinehq/tieline/pkg/resilience"
)

func TestSummarizerSendsTranscriptAndParsesReply(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": "  Caller asked about hours.  "}},
			},
		})
	}))
	defer srv.Close()

	s := NewSummarizer("sk-test", "gpt-4o-mini")
	s.BaseURL = srv.URL
	got, err := s.Summarize(context.Background(), "caller: when are you open?")
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if got != "Caller asked about hours." {
		t.Fatalf("summary = %q", got)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotPath != "/chat/completions" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" {
		t.Fatalf("messages = %+v", gotBody.Messages)
	}
	if gotBody.Messages[1].Content != "caller: when are you open?" {
		t.Fatalf("transcript not forwarded: %q", gotBody.Messages[1].Content)
	}
}

func TestSummarizerEmptyTranscriptSkipsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	s := NewSummarizer("sk-test", "")
	s.BaseURL = srv.URL
	got, err := s.Summarize(context.Background(), "  \n ")
	if err != nil || got != "" {
		t.Fatalf("blank transcript: %q, %v", got, err)
	}
	if calls.Load() != 0 {
		t.Fatalf("request sent for blank transcript")
	}
}

func TestSummarizerRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s := NewSummarizer("sk-test", "")
	s.BaseURL = srv.URL
	_, err := s.Summarize(context.Background(), "caller: hello")
	if err == nil {
		t.Fatal("expected error on 429")
	}
	if !resilience.IsRateLimit(err) {
		t.Fatalf("429 not surfaced as rate limit: %v", err)
	}
	if !errorsx.HasReason(err, errorsx.ReasonSummaryRateLimit) {
		t.Fatalf("wrong reason: %v", err)
	}
}

func TestSummarizerRejectsResponseWithoutChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	s := NewSummarizer("sk-test", "")
	s.BaseURL = srv.URL
	_, err := s.Summarize(context.Background(), "caller: hello")
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
	if !errorsx.HasReason(err, errorsx.ReasonSummaryGenerate) {
		t.Fatalf("wrong reason: %v", err)
	}
}
