package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type indexOp struct {
	kind string
	col  contract.Collection
	id   string
}

type fakeIndex struct {
	mu      sync.Mutex
	ops     []indexOp
	results map[contract.Collection][]contract.Record
	err     error

	// When set, the next Search reports in on searchStarted after taking
	// its result snapshot and then blocks until searchRelease closes.
	searchStarted chan struct{}
	searchRelease chan struct{}
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{results: make(map[contract.Collection][]contract.Record)}
}

func (f *fakeIndex) Upsert(_ context.Context, col contract.Collection, rec contract.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ops = append(f.ops, indexOp{kind: "upsert", col: col, id: rec.ID})
	return nil
}

func (f *fakeIndex) Search(_ context.Context, col contract.Collection, _, _ string, _ int) ([]contract.Record, error) {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	f.ops = append(f.ops, indexOp{kind: "search", col: col})
	snapshot := f.results[col]
	started, release := f.searchStarted, f.searchRelease
	f.searchStarted, f.searchRelease = nil, nil
	f.mu.Unlock()

	if started != nil {
		close(started)
		<-release
	}
	return snapshot, nil
}

func (f *fakeIndex) setResults(col contract.Collection, recs []contract.Record) {
	f.mu.Lock()
	f.results[col] = recs
	f.mu.Unlock()
}

func (f *fakeIndex) Drop(_ context.Context, col contract.Collection, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, indexOp{kind: "drop", col: col})
	return nil
}

func (f *fakeIndex) count(kind string, col contract.Collection) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, op := range f.ops {
		if op.kind == kind && op.col == col {
			n++
		}
	}
	return n
}

func TestPolicyMatrix(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex()
	g, err := NewGateway(idx)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	ctx := context.Background()

	rec := contract.Record{ID: "r1", UserID: "u1", Text: "note", CreatedAt: time.Now()}

	cases := []struct {
		name    string
		agent   contract.AgentType
		col     contract.Collection
		write   bool
		allowed bool
	}{
		{"reflection reads reflections", contract.AgentTypeReflection, contract.CollectionReflections, false, true},
		{"reflection reads states", contract.AgentTypeReflection, contract.CollectionStates, false, true},
		{"reflection cannot read goals", contract.AgentTypeReflection, contract.CollectionGoals, false, false},
		{"reflection cannot write", contract.AgentTypeReflection, contract.CollectionReflections, true, false},
		{"planner cannot read", contract.AgentTypePlanner, contract.CollectionGoals, false, false},
		{"planner cannot write", contract.AgentTypePlanner, contract.CollectionGoals, true, false},
		{"support cannot read", contract.AgentTypeSupport, contract.CollectionInteractions, false, false},
		{"support cannot write", contract.AgentTypeSupport, contract.CollectionInteractions, true, false},
		{"assessment reads all", contract.AgentTypeAssessment, contract.CollectionInteractions, false, true},
		{"assessment writes all", contract.AgentTypeAssessment, contract.CollectionGoals, true, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := g.Grant(tc.agent)

			var err error
			if tc.write {
				err = h.Write(ctx, tc.col, "u1", rec)
			} else {
				_, err = h.Read(ctx, tc.col, "u1", "query", 3)
			}

			if tc.allowed && err != nil {
				t.Fatalf("expected allow, got %v", err)
			}
			if !tc.allowed && !errors.Is(err, contract.ErrAccessDenied) {
				t.Fatalf("err = %v, want ErrAccessDenied", err)
			}
		})
	}
}

func TestDeniedWriteNeverReachesIndex(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex()
	g, err := NewGateway(idx)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	h := g.Grant(contract.AgentTypeReflection)
	rec := contract.Record{ID: "r1", UserID: "u1", Text: "note"}
	if err := h.Write(context.Background(), contract.CollectionReflections, "u1", rec); !errors.Is(err, contract.ErrAccessDenied) {
		t.Fatalf("err = %v, want ErrAccessDenied", err)
	}

	if got := idx.count("upsert", contract.CollectionReflections); got != 0 {
		t.Fatalf("denied write reached index %d times", got)
	}
}

func TestStateCacheIsWriteThrough(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex()
	idx.results[contract.CollectionStates] = []contract.Record{{ID: "state-u1", UserID: "u1", Text: "narrative"}}

	g, err := NewGateway(idx)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	ctx := context.Background()
	h := g.Grant(contract.AgentTypeAssessment)

	// Reads never populate the cache; each one hits the index.
	for i := 0; i < 2; i++ {
		if _, err := h.Read(ctx, contract.CollectionStates, "u1", "current state", 1); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	g.cache.Wait()
	if got := idx.count("search", contract.CollectionStates); got != 2 {
		t.Fatalf("searches before any write = %d, want 2", got)
	}

	rec := contract.Record{ID: "state-u1", UserID: "u1", Text: "updated"}
	if err := h.Write(ctx, contract.CollectionStates, "u1", rec); err != nil {
		t.Fatalf("write: %v", err)
	}
	g.cache.Wait()

	got, err := h.Read(ctx, contract.CollectionStates, "u1", "current state", 1)
	if err != nil {
		t.Fatalf("read after write: %v", err)
	}
	if idx.count("search", contract.CollectionStates) != 2 {
		t.Fatal("read after write should be served from the cache")
	}
	if len(got) != 1 || got[0].Text != "updated" {
		t.Fatalf("cached state = %+v, want the written record", got)
	}
}

func TestStateReadRacingWriteCannotResurrectOldState(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex()
	idx.setResults(contract.CollectionStates, []contract.Record{{ID: "state-u1", UserID: "u1", Text: "v1"}})

	g, err := NewGateway(idx)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	ctx := context.Background()
	reflect := g.Grant(contract.AgentTypeReflection)
	assess := g.Grant(contract.AgentTypeAssessment)

	// Park a reflection read inside the index after it has taken its v1
	// snapshot but before it returns.
	started := make(chan struct{})
	release := make(chan struct{})
	idx.mu.Lock()
	idx.searchStarted, idx.searchRelease = started, release
	idx.mu.Unlock()

	readDone := make(chan []contract.Record, 1)
	go func() {
		recs, err := reflect.Read(ctx, contract.CollectionStates, "u1", "current state", 1)
		if err != nil {
			t.Errorf("reflection read: %v", err)
		}
		readDone <- recs
	}()
	<-started

	// Commit v2 while the v1 read is still in flight.
	v2 := contract.Record{ID: "state-u1", UserID: "u1", Text: "v2"}
	idx.setResults(contract.CollectionStates, []contract.Record{v2})
	if err := assess.Write(ctx, contract.CollectionStates, "u1", v2); err != nil {
		t.Fatalf("write: %v", err)
	}

	close(release)
	<-readDone
	g.cache.Wait()

	got, err := assess.Read(ctx, contract.CollectionStates, "u1", "current state", 1)
	if err != nil {
		t.Fatalf("read after race: %v", err)
	}
	if len(got) != 1 || got[0].Text != "v2" {
		t.Fatalf("state after racing read = %+v, want v2", got)
	}
}

func TestWriteRejectsMismatchedUser(t *testing.T) {
	t.Parallel()

	g, err := NewGateway(newFakeIndex())
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	h := g.Grant(contract.AgentTypeAssessment)
	rec := contract.Record{ID: "r1", UserID: "someone-else", Text: "note"}
	if err := h.Write(context.Background(), contract.CollectionReflections, "u1", rec); !errors.Is(err, contract.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestPurgeDropsEveryCollection(t *testing.T) {
	t.Parallel()

	idx := newFakeIndex()
	g, err := NewGateway(idx)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}

	if err := g.Grant(contract.AgentTypeReflection).Purge(context.Background(), "u1"); !errors.Is(err, contract.ErrAccessDenied) {
		t.Fatalf("reflection purge err = %v, want ErrAccessDenied", err)
	}

	if err := g.Grant(contract.AgentTypeAssessment).Purge(context.Background(), "u1"); err != nil {
		t.Fatalf("assessment purge: %v", err)
	}
	for _, col := range contract.Collections {
		if got := idx.count("drop", col); got != 1 {
			t.Errorf("drop count for %s = %d, want 1", col, got)
		}
	}
}
