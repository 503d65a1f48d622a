package security

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// seqWindow is the replay window advertised to GSS initiators.
const seqWindow = 128

// session is one established security context plus its sequence state.
type session struct {
	ctx      Context
	created  time.Time
	lastUsed time.Time

	seqMu   sync.Mutex
	highSeq uint32
}

// acceptSeq enforces strictly increasing sequence numbers within the
// advertised window. A repeat or an out-of-window number is a replay.
func (s *session) acceptSeq(seq uint32) bool {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	if seq <= s.highSeq {
		return false
	}
	s.highSeq = seq
	return true
}

// sessionTable owns session lifecycle: creation, validation with
// expiry, idempotent destruction, and a periodic sweep.
type sessionTable struct {
	mu      sync.Mutex
	timeout time.Duration
	entries map[string]*session
}

func newSessionTable(timeout time.Duration) *sessionTable {
	t := &sessionTable{
		timeout: timeout,
		entries: make(map[string]*session),
	}
	go t.sweep()
	return t
}

// create registers a context and returns its 32-hex-character id.
func (t *sessionTable) create(ctx *Context) string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])
	id := hex.EncodeToString(raw[:])

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.entries[id] = &session{ctx: *ctx, created: now, lastUsed: now}
	return id
}

// validate returns the live session for id, refusing expired entries.
func (t *sessionTable) validate(id string) (*session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	now := time.Now()
	if now.Sub(s.ctx.AuthTime) > t.timeout {
		delete(t.entries, id)
		return nil, false
	}
	s.lastUsed = now
	return s, true
}

// destroy removes a session. Destroying an unknown id is a no-op, so
// repeated destroys are safe.
func (t *sessionTable) destroy(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// sweep removes expired sessions once a minute so abandoned contexts do
// not accumulate between validations.
func (t *sessionTable) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		t.mu.Lock()
		for id, s := range t.entries {
			if now.Sub(s.ctx.AuthTime) > t.timeout {
				delete(t.entries, id)
			}
		}
		t.mu.Unlock()
	}
}

// CreateSession promotes a context into the session table, for flavors
// that carry an explicit session handle.
func (m *Manager) CreateSession(ctx *Context) string {
	return m.sessions.create(ctx)
}

// ValidateSession returns the context for a live session id.
func (m *Manager) ValidateSession(id string) (*Context, bool) {
	s, ok := m.sessions.validate(id)
	if !ok {
		return nil, false
	}
	ctx := s.ctx
	return &ctx, true
}

// DestroySession removes a session; idempotent.
func (m *Manager) DestroySession(id string) {
	m.sessions.destroy(id)
}
