package tieline

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type stubCreator struct {
	mu       sync.Mutex
	bodies   []string
	tos      []string
	failures int
	calls    int
}

func (s *stubCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("carrier unavailable")
	}
	var body, to string
	if params.Body != nil {
		body = *params.Body
	}
	if params.To != nil {
		to = *params.To
	}
	s.bodies = append(s.bodies, body)
	s.tos = append(s.tos, to)
	return &api.ApiV2010Message{}, nil
}

func (s *stubCreator) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.bodies...)
}

func (s *stubCreator) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tos...)
}

func (s *stubCreator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Enabled:        true,
		From:           "+15105550000",
		To:             "+15105550001",
		AccountSID:     "AC00000000000000000000000000000000",
		AuthToken:      "secret",
		Retries:        1,
		RetryBackoffMS: 1,
	}
}

func newStubNotifier(t *testing.T, cfg NotifyConfig) (*Notifier, *stubCreator) {
	t.Helper()
	stub := &stubCreator{}
	n := NewNotifier(cfg)
	n.client = stub
	t.Cleanup(n.Close)
	return n, stub
}

func TestNotifierDeliversMessage(t *testing.T) {
	n, stub := newStubNotifier(t, testNotifyConfig())

	n.Notify(Notification{CallSID: "CA1", Body: "caller asked about pricing"})
	waitFor(t, 2*time.Second, func() bool { return len(stub.sent()) == 1 })

	if got := stub.sent()[0]; got != "caller asked about pricing" {
		t.Fatalf("body = %q", got)
	}
	if got := stub.recipients()[0]; got != "+15105550001" {
		t.Fatalf("recipient = %q", got)
	}
}

func TestNotifierRetriesTransientFailure(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.Retries = 2
	n, stub := newStubNotifier(t, cfg)
	stub.failures = 1

	n.Notify(Notification{CallSID: "CA1", Body: "hello"})
	waitFor(t, 2*time.Second, func() bool { return len(stub.sent()) == 1 })

	if got := stub.callCount(); got != 2 {
		t.Fatalf("create calls = %d, want 2", got)
	}
}

func TestNotifierGivesUpAfterRetries(t *testing.T) {
	n, stub := newStubNotifier(t, testNotifyConfig())
	stub.failures = 5

	n.Notify(Notification{CallSID: "CA1", Body: "hello"})
	waitFor(t, 2*time.Second, func() bool { return stub.callCount() == 2 })
	time.Sleep(20 * time.Millisecond)

	if got := stub.callCount(); got != 2 {
		t.Fatalf("create calls = %d, want 2", got)
	}
	if got := len(stub.sent()); got != 0 {
		t.Fatalf("messages delivered = %d, want 0", got)
	}
}

func TestNotifierClampsLongBody(t *testing.T) {
	n, stub := newStubNotifier(t, testNotifyConfig())

	n.Notify(Notification{CallSID: "CA1", Body: strings.Repeat("a", smsBodyLimit+500)})
	waitFor(t, 2*time.Second, func() bool { return len(stub.sent()) == 1 })

	if got := len(stub.sent()[0]); got != smsBodyLimit {
		t.Fatalf("body length = %d, want %d", got, smsBodyLimit)
	}
}

func TestNotifierRequiresRecipients(t *testing.T) {
	cfg := testNotifyConfig()
	cfg.To = ""
	n, stub := newStubNotifier(t, cfg)

	n.Notify(Notification{CallSID: "CA1", Body: "hello"})
	time.Sleep(50 * time.Millisecond)

	if got := stub.callCount(); got != 0 {
		t.Fatalf("create calls = %d, want 0", got)
	}
}

func TestNotifierCloseIsIdempotent(t *testing.T) {
	n, stub := newStubNotifier(t, testNotifyConfig())

	n.Close()
	n.Close()
	// A late notification after close is dropped, not a panic.
	n.Notify(Notification{CallSID: "CA1", Body: "hello"})
	time.Sleep(20 * time.Millisecond)

	if got := stub.callCount(); got != 0 {
		t.Fatalf("create calls = %d, want 0", got)
	}
}
