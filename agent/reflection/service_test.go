package reflection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	calls   int
	delay   time.Duration
}

func (f *scriptedModel) Generate(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}

	reply := ""
	if len(f.replies) > 0 {
		if i >= len(f.replies) {
			i = len(f.replies) - 1
		}
		reply = f.replies[i]
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *scriptedModel) Stream(_ context.Context, _ []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("stream not supported in fake")
}

type fakeMemory struct {
	recs map[contract.Collection][]contract.Record
	err  error
}

func (f *fakeMemory) Read(_ context.Context, col contract.Collection, _, _ string, _ int) ([]contract.Record, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.recs[col], nil
}

const summaryJSON = `{"summary":"Explored late night snacking triggers.","emotional_tone":"hopeful","key_themes":["snacking","stress"],"insights":["stress drives the habit"]}`

func newService(t *testing.T, m *scriptedModel, mem contract.MemoryReader) *Service {
	t.Helper()
	if mem == nil {
		mem = &fakeMemory{}
	}
	s, err := New(context.Background(), m, mem)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []string{"opening reply", "follow-up reply", summaryJSON}}
	mem := &fakeMemory{recs: map[contract.Collection][]contract.Record{
		contract.CollectionReflections: {{ID: "r1", UserID: "u1", Text: "old reflection"}},
		contract.CollectionStates:      {{ID: "state-u1", UserID: "u1", Text: "making progress"}},
	}}
	s := newService(t, m, mem)
	ctx := context.Background()

	reply, err := s.Start(ctx, "u1", "I keep snacking late at night")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if reply != "opening reply" {
		t.Fatalf("Start reply = %q", reply)
	}

	reply, err = s.Continue(ctx, "u1", "mostly when I'm stressed")
	if err != nil {
		t.Fatalf("Continue: %v", err)
	}
	if reply != "follow-up reply" {
		t.Fatalf("Continue reply = %q", reply)
	}

	sum, err := s.End(ctx, "u1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if sum.UserID != "u1" {
		t.Errorf("summary user = %q", sum.UserID)
	}
	if sum.Summary != "Explored late night snacking triggers." {
		t.Errorf("summary text = %q", sum.Summary)
	}
	if sum.EmotionalTone != "hopeful" {
		t.Errorf("tone = %q", sum.EmotionalTone)
	}
	if len(sum.KeyThemes) != 2 || len(sum.Insights) != 1 {
		t.Errorf("themes/insights = %v / %v", sum.KeyThemes, sum.Insights)
	}
	if sum.CreatedAt.IsZero() {
		t.Error("summary missing timestamp")
	}

	// Session is gone; a fresh start must succeed.
	if _, err := s.Start(ctx, "u1", "new day"); err != nil {
		t.Fatalf("Start after End: %v", err)
	}
}

func TestStartWhileActive(t *testing.T) {
	t.Parallel()

	s := newService(t, &scriptedModel{replies: []string{"hi"}}, nil)
	ctx := context.Background()

	if _, err := s.Start(ctx, "u1", "first"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start(ctx, "u1", "second"); !errors.Is(err, contract.ErrSessionActive) {
		t.Fatalf("err = %v, want ErrSessionActive", err)
	}
}

func TestContinueAndEndWithoutSession(t *testing.T) {
	t.Parallel()

	s := newService(t, &scriptedModel{replies: []string{"hi"}}, nil)
	ctx := context.Background()

	if _, err := s.Continue(ctx, "u1", "hello?"); !errors.Is(err, contract.ErrNoActiveSession) {
		t.Fatalf("Continue err = %v, want ErrNoActiveSession", err)
	}
	if _, err := s.End(ctx, "u1"); !errors.Is(err, contract.ErrNoActiveSession) {
		t.Fatalf("End err = %v, want ErrNoActiveSession", err)
	}
}

func TestEndWithZeroTurns(t *testing.T) {
	t.Parallel()

	s := newService(t, &scriptedModel{replies: []string{summaryJSON}}, nil)
	if _, err := s.arena.Create("u1", time.Now()); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := s.End(context.Background(), "u1"); !errors.Is(err, contract.ErrEmptySession) {
		t.Fatalf("err = %v, want ErrEmptySession", err)
	}

	// The degenerate session is gone afterwards.
	if _, err := s.Start(context.Background(), "u1", "hello"); err != nil {
		t.Fatalf("Start after empty end: %v", err)
	}
}

func TestTurnFallsBackWhenProvidersExhausted(t *testing.T) {
	t.Parallel()

	exhausted := fmt.Errorf("%w: last error: boom", contract.ErrProviderExhausted)
	m := &scriptedModel{errs: []error{exhausted}, replies: []string{"later reply"}}
	s := newService(t, m, nil)

	reply, err := s.Start(context.Background(), "u1", "rough day")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if reply != fallbackReply {
		t.Fatalf("reply = %q, want fallback", reply)
	}

	// The session exists despite the degraded turn.
	if _, err := s.Continue(context.Background(), "u1", "still here"); err != nil {
		t.Fatalf("Continue after fallback: %v", err)
	}
}

func TestEndWithUnparseableSummary(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []string{"opening", "this is not json at all"}}
	s := newService(t, m, nil)
	ctx := context.Background()

	if _, err := s.Start(ctx, "u1", "hello"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	sum, err := s.End(ctx, "u1")
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if sum.Summary != "this is not json at all" {
		t.Errorf("fallback summary = %q", sum.Summary)
	}
	if sum.EmotionalTone != "reflective" {
		t.Errorf("fallback tone = %q", sum.EmotionalTone)
	}
	if len(sum.KeyThemes) != 1 || sum.KeyThemes[0] != "self-reflection" {
		t.Errorf("fallback themes = %v", sum.KeyThemes)
	}
}

func TestMemoryFailureDoesNotBlockTurn(t *testing.T) {
	t.Parallel()

	mem := &fakeMemory{err: errors.New("store offline")}
	s := newService(t, &scriptedModel{replies: []string{"still works"}}, mem)

	reply, err := s.Start(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if reply != "still works" {
		t.Fatalf("reply = %q", reply)
	}
}

func TestEmptyMessageRejected(t *testing.T) {
	t.Parallel()

	s := newService(t, &scriptedModel{replies: []string{"hi"}}, nil)
	if _, err := s.Start(context.Background(), "u1", "   "); !errors.Is(err, contract.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestConcurrentStartAdmitsExactlyOne(t *testing.T) {
	t.Parallel()

	m := &scriptedModel{replies: []string{"hi"}, delay: 10 * time.Millisecond}
	s := newService(t, m, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := s.Start(context.Background(), "u1", "race")
			errs <- err
		}()
	}

	var ok, rejected int
	for i := 0; i < 2; i++ {
		switch err := <-errs; {
		case err == nil:
			ok++
		case errors.Is(err, contract.ErrSessionActive):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || rejected != 1 {
		t.Fatalf("ok=%d rejected=%d, want exactly one of each", ok, rejected)
	}
}
