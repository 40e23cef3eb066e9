// Package transcript accumulates the call record: finalized speech
// segments from both sides of the conversation plus keypad notes, in
// arrival order, ready to be rendered for the post-call summary.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Roles recorded in a transcript.
const (
	RoleCaller    = "caller"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Entry is one finalized line of the call record.
type Entry struct {
	ID     string
	Role   string
	Text   string
	Source string
	At     time.Time
}

// Config bounds one recorder.
type Config struct {
	// MaxEntries caps the record; the oldest lines are trimmed first.
	MaxEntries int
}

// Recorder collects transcript lines for one call. Partial deltas
// accumulate per role until a final segment lands; the final text wins
// when present, the accumulated deltas serve as the fallback.
type Recorder struct {
	mu       sync.Mutex
	cfg      Config
	partials map[string]*strings.Builder
	entries  []Entry
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 500
	}
	return &Recorder{
		cfg:      cfg,
		partials: make(map[string]*strings.Builder),
	}
}

// AddDelta appends partial text for a role. Deltas are provisional and
// only surface in the record once a final segment arrives.
func (r *Recorder) AddDelta(role, text string) {
	if text == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sb := r.partials[role]
	if sb == nil {
		sb = &strings.Builder{}
		r.partials[role] = sb
	}
	sb.WriteString(text)
}

// AddFinal records one finished segment. An empty final falls back to
// the deltas accumulated for the role; either way the partial state for
// that role is consumed.
func (r *Recorder) AddFinal(role, text, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if text == "" {
		if sb := r.partials[role]; sb != nil {
			text = sb.String()
		}
	}
	delete(r.partials, role)
	r.append(role, text, source)
}

// AddNote records an out-of-band line, such as a keypad press.
func (r *Recorder) AddNote(role, text, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.append(role, text, source)
}

func (r *Recorder) append(role, text, source string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.entries = append(r.entries, Entry{
		ID:     ulid.Make().String(),
		Role:   role,
		Text:   text,
		Source: source,
		At:     time.Now(),
	})
	if len(r.entries) > r.cfg.MaxEntries {
		r.entries = r.entries[len(r.entries)-r.cfg.MaxEntries:]
	}
}

// Entries returns a copy of the record so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len reports the number of finalized lines.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Render flattens the record into "role: text" lines for the
// summarizer prompt.
func (r *Recorder) Render() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sb strings.Builder
	for i, e := range r.entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Role)
		sb.WriteString(": ")
		sb.WriteString(e.Text)
	}
	return sb.String()
}
