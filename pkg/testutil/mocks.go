// Package testutil provides common testing utilities and mock implementations.
package testutil

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/service_kernel/internal/transport"
)

// MockSession is a fixed transport session.
type MockSession struct {
	SessionID string
	Remote    string
	Seen      time.Time
}

func (s MockSession) ID() string          { return s.SessionID }
func (s MockSession) RemoteAddr() string  { return s.Remote }
func (s MockSession) LastSeen() time.Time { return s.Seen }

// MockLiveness is an in-memory transport.Liveness. Sessions are either
// active or idle; Hangup removes them and records the id.
type MockLiveness struct {
	mu       sync.Mutex
	sessions map[string]MockSession
	active   map[string]bool
	hungUp   []string
	hangErr  error
}

// NewMockLiveness creates an empty mock transport.
func NewMockLiveness() *MockLiveness {
	return &MockLiveness{
		sessions: make(map[string]MockSession),
		active:   make(map[string]bool),
	}
}

// AddSession registers a session under id, or a random id when id is empty.
func (l *MockLiveness) AddSession(id string, active bool) MockSession {
	if id == "" {
		id = uuid.NewString()
	}
	s := MockSession{SessionID: id, Remote: "10.0.0.1:" + id, Seen: time.Now()}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[id] = s
	l.active[id] = active
	return s
}

// SetActive flips the activity of a session.
func (l *MockLiveness) SetActive(id string, active bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active[id] = active
}

// FailHangups makes every later Hangup return err.
func (l *MockLiveness) FailHangups(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hangErr = err
}

// Sessions returns the open sessions ordered by id.
func (l *MockLiveness) Sessions() []transport.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]transport.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (l *MockLiveness) IsActive(s transport.Session) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[s.ID()]
}

func (l *MockLiveness) Hangup(s transport.Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hangErr != nil {
		return l.hangErr
	}
	if _, ok := l.sessions[s.ID()]; !ok {
		return errors.New("session not found: " + s.ID())
	}
	l.hungUp = append(l.hungUp, s.ID())
	delete(l.sessions, s.ID())
	delete(l.active, s.ID())
	return nil
}

// Hangups returns the ids hung up so far, in order.
func (l *MockLiveness) Hangups() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.hungUp...)
}

var _ transport.Liveness = (*MockLiveness)(nil)
