package session

import (
	"errors"
	"testing"
	"time"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

func TestArenaCreateEnforcesSingleSession(t *testing.T) {
	t.Parallel()

	a := NewArena()
	now := time.Now()

	if _, err := a.Create("u1", now); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := a.Create("u1", now); !errors.Is(err, contract.ErrSessionActive) {
		t.Fatalf("second Create err = %v, want ErrSessionActive", err)
	}
	if _, err := a.Create("u2", now); err != nil {
		t.Fatalf("Create for other user: %v", err)
	}
	if a.Len() != 2 {
		t.Fatalf("Len = %d, want 2", a.Len())
	}
}

func TestArenaEvict(t *testing.T) {
	t.Parallel()

	a := NewArena()
	if _, err := a.Create("u1", time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	a.Evict("u1")
	if _, ok := a.Get("u1"); ok {
		t.Fatal("session survived eviction")
	}
	if _, err := a.Create("u1", time.Now()); err != nil {
		t.Fatalf("Create after evict: %v", err)
	}
}

func TestRecentTranscriptWindow(t *testing.T) {
	t.Parallel()

	s := &Session{UserID: "u1", Status: StatusActive}
	now := time.Now()
	s.Append("one", "reply one", now)
	s.Append("two", "reply two", now)
	s.Append("three", "reply three", now)
	s.Append("four", "reply four", now)

	got := s.RecentTranscript(6)
	want := "USER: two\nASSISTANT: reply two\nUSER: three\nASSISTANT: reply three\nUSER: four\nASSISTANT: reply four"
	if got != want {
		t.Fatalf("RecentTranscript = %q, want %q", got, want)
	}

	full := s.Transcript()
	if full == got {
		t.Fatal("full transcript should include the first exchange")
	}
}

func TestLockUserSerializes(t *testing.T) {
	t.Parallel()

	a := NewArena()
	unlock := a.LockUser("u1")

	acquired := make(chan struct{})
	go func() {
		u := a.LockUser("u1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}
