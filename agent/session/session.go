// Package session holds in-flight reflection conversations. Sessions are
// deliberately memory-only; durable artifacts of a conversation exist only
// as the summary persisted after it ends.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

type Turn struct {
	Input    string
	Response string
	At       time.Time
}

type Session struct {
	UserID    string
	Status    Status
	Turns     []Turn
	StartedAt time.Time
	UpdatedAt time.Time
}

func (s *Session) Append(input, response string, now time.Time) {
	s.Turns = append(s.Turns, Turn{Input: input, Response: response, At: now})
	s.UpdatedAt = now
}

// Transcript renders the whole conversation oldest first.
func (s *Session) Transcript() string {
	var b strings.Builder
	for _, t := range s.Turns {
		fmt.Fprintf(&b, "USER: %s\nASSISTANT: %s\n", t.Input, t.Response)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RecentTranscript renders at most maxMessages individual messages from
// the tail of the conversation, keeping prompts bounded on long sessions.
func (s *Session) RecentTranscript(maxMessages int) string {
	if maxMessages < 1 {
		return ""
	}

	type line struct{ role, text string }
	var lines []line
	for _, t := range s.Turns {
		lines = append(lines, line{"USER", t.Input}, line{"ASSISTANT", t.Response})
	}
	if len(lines) > maxMessages {
		lines = lines[len(lines)-maxMessages:]
	}

	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "%s: %s\n", l.role, l.text)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Arena is the in-memory home of active sessions, at most one per user.
type Arena struct {
	mu       sync.Mutex
	sessions map[string]*Session
	userMu   map[string]*sync.Mutex
}

func NewArena() *Arena {
	return &Arena{
		sessions: make(map[string]*Session),
		userMu:   make(map[string]*sync.Mutex),
	}
}

// LockUser serializes all session operations for one user and returns the
// unlock func. Different users proceed independently.
func (a *Arena) LockUser(userID string) func() {
	a.mu.Lock()
	l, ok := a.userMu[userID]
	if !ok {
		l = &sync.Mutex{}
		a.userMu[userID] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (a *Arena) Get(userID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[userID]
	return s, ok
}

// Create registers a new active session; contract.ErrSessionActive if one
// already exists for the user.
func (a *Arena) Create(userID string, now time.Time) (*Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.sessions[userID]; ok {
		return nil, fmt.Errorf("%w: user %s", contract.ErrSessionActive, userID)
	}

	s := &Session{
		UserID:    userID,
		Status:    StatusActive,
		StartedAt: now,
		UpdatedAt: now,
	}
	a.sessions[userID] = s
	return s, nil
}

func (a *Arena) Evict(userID string) {
	a.mu.Lock()
	delete(a.sessions, userID)
	a.mu.Unlock()
}

func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}
