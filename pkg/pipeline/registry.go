package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrDraining is returned by GetOrCreate once the registry is draining
// and no longer accepts new sessions.
var ErrDraining = errors.New("pipeline: registry draining")

type Session struct {
	StreamID string
	CallSID  string
	TraceID  string
	Created  time.Time
	Orch     Orchestrator
	Ctx      context.Context
	Cancel   context.CancelFunc
}

type SessionFactory func(ctx context.Context, streamID, callSID, traceID string) (Orchestrator, error)

// SessionRegistry tracks live call sessions keyed by stream id. A
// session can be created under a provisional id before the call is
// known and rekeyed once the real stream id and call sid arrive.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	count    atomic.Int64
	factory  SessionFactory
	draining atomic.Bool
}

func NewSessionRegistry(factory SessionFactory) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		factory:  factory,
	}
}

func (r *SessionRegistry) GetOrCreate(streamID, callSID, traceID string) (*Session, bool, error) {
	if streamID == "" {
		return nil, false, nil
	}
	r.mu.Lock()
	if sess, ok := r.sessions[streamID]; ok {
		r.mu.Unlock()
		return sess, false, nil
	}
	r.mu.Unlock()
	if r.draining.Load() {
		return nil, false, ErrDraining
	}

	ctx, cancel := context.WithCancel(context.Background())
	orch, err := r.buildAndStart(ctx, streamID, callSID, traceID)
	if err != nil {
		cancel()
		return nil, false, err
	}
	sess := &Session{
		StreamID: streamID,
		CallSID:  callSID,
		TraceID:  traceID,
		Created:  time.Now(),
		Orch:     orch,
		Ctx:      ctx,
		Cancel:   cancel,
	}

	r.mu.Lock()
	if existing, ok := r.sessions[streamID]; ok {
		r.mu.Unlock()
		_ = orch.Stop()
		cancel()
		return existing, false, nil
	}
	r.sessions[streamID] = sess
	r.mu.Unlock()
	r.count.Add(1)
	return sess, true, nil
}

// buildAndStart runs the session factory and starts the resulting
// orchestrator, so GetOrCreate has a single failure path to unwind.
func (r *SessionRegistry) buildAndStart(ctx context.Context, streamID, callSID, traceID string) (Orchestrator, error) {
	orch, err := r.factory(ctx, streamID, callSID, traceID)
	if err != nil {
		return nil, err
	}
	if err := orch.Start(); err != nil {
		return nil, err
	}
	return orch, nil
}

// Rekey moves a session from its provisional id to the real stream id
// and binds the call sid. Returns the session, or nil when the old id
// is unknown.
func (r *SessionRegistry) Rekey(oldStreamID, newStreamID, callSID, traceID string) *Session {
	if oldStreamID == "" || newStreamID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[oldStreamID]
	if !ok {
		return nil
	}
	delete(r.sessions, oldStreamID)
	sess.StreamID = newStreamID
	if callSID != "" {
		sess.CallSID = callSID
	}
	if traceID != "" {
		sess.TraceID = traceID
	}
	r.sessions[newStreamID] = sess
	return sess
}

func (r *SessionRegistry) Get(streamID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[streamID]
	return sess, ok
}

func (r *SessionRegistry) Remove(streamID string) {
	r.mu.Lock()
	sess, ok := r.sessions[streamID]
	if ok {
		delete(r.sessions, streamID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	if sess.Cancel != nil {
		sess.Cancel()
	}
	if sess.Orch != nil {
		_ = sess.Orch.Stop()
	}
	r.count.Add(-1)
}

func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

func (r *SessionRegistry) Count() int64 {
	return r.count.Load()
}

// SetDraining flips the registry into drain mode: existing sessions
// remain reachable, new ones are refused.
func (r *SessionRegistry) SetDraining(v bool) {
	r.draining.Store(v)
}

// WaitForEmpty polls until every session is gone or ctx expires,
// reporting whether the registry drained in time.
func (r *SessionRegistry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for r.Count() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return true
}
