package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type access uint8

const (
	accessRead access = iota
	accessWrite
)

func (a access) String() string {
	if a == accessWrite {
		return "write"
	}
	return "read"
}

type grantKey struct {
	agent contract.AgentType
	col   contract.Collection
	mode  access
}

// defaultPolicy encodes who may touch what. The assessment agent is the
// sole writer; the reflection agent reads its own context; the planner and
// support agents receive everything they need in their requests and get no
// memory access at all.
func defaultPolicy() map[grantKey]struct{} {
	policy := make(map[grantKey]struct{})

	allow := func(agent contract.AgentType, col contract.Collection, mode access) {
		policy[grantKey{agent: agent, col: col, mode: mode}] = struct{}{}
	}

	allow(contract.AgentTypeReflection, contract.CollectionReflections, accessRead)
	allow(contract.AgentTypeReflection, contract.CollectionStates, accessRead)

	for _, col := range contract.Collections {
		allow(contract.AgentTypeAssessment, col, accessRead)
		allow(contract.AgentTypeAssessment, col, accessWrite)
	}

	return policy
}

// Gateway owns the index and hands out per-agent capability handles. All
// reads and writes flow through a handle so the policy check cannot be
// bypassed.
type Gateway struct {
	index  Index
	policy map[grantKey]struct{}
	cache  *ristretto.Cache

	mu        sync.Mutex
	stateLock map[string]*sync.Mutex
}

func NewGateway(index Index) (*Gateway, error) {
	if index == nil {
		return nil, fmt.Errorf("memory: index is required")
	}

	// States are read on every reflection turn; a small write-through
	// cache keeps those reads off the vector store between assessments.
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("memory: build state cache: %w", err)
	}

	return &Gateway{
		index:     index,
		policy:    defaultPolicy(),
		cache:     cache,
		stateLock: make(map[string]*sync.Mutex),
	}, nil
}

// Grant returns the capability handle for one agent type. Handles are
// cheap and safe for concurrent use.
func (g *Gateway) Grant(agent contract.AgentType) *Handle {
	return &Handle{gateway: g, agent: agent}
}

func (g *Gateway) allowed(agent contract.AgentType, col contract.Collection, mode access) bool {
	_, ok := g.policy[grantKey{agent: agent, col: col, mode: mode}]
	return ok
}

func (g *Gateway) userStateLock(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.stateLock[userID]
	if !ok {
		l = &sync.Mutex{}
		g.stateLock[userID] = l
	}
	return l
}

func stateCacheKey(userID string) string { return "state:" + userID }

// Handle is a per-agent capability for shared memory. Every operation is
// checked against the gateway policy before it reaches the index.
type Handle struct {
	gateway *Gateway
	agent   contract.AgentType
}

var _ contract.MemoryReadWriter = (*Handle)(nil)

func (h *Handle) Read(ctx context.Context, col contract.Collection, userID, query string, topK int) ([]contract.Record, error) {
	g := h.gateway
	if !g.allowed(h.agent, col, accessRead) {
		return nil, fmt.Errorf("%w: agent=%s collection=%s mode=read", contract.ErrAccessDenied, h.agent, col)
	}

	if col == contract.CollectionStates {
		if v, ok := g.cache.Get(stateCacheKey(userID)); ok {
			if recs, ok := v.([]contract.Record); ok {
				return recs, nil
			}
		}
	}

	// Never populate the cache from a read: a search snapshot taken
	// before a concurrent state write would resurrect the superseded
	// state after that write's invalidation. Only Write, holding the
	// per-user state lock, may fill the cache.
	return g.index.Search(ctx, col, userID, query, topK)
}

// Write upserts one record. Writes to the states collection serialize per
// user so two concurrent assessments cannot interleave a read-modify-write.
func (h *Handle) Write(ctx context.Context, col contract.Collection, userID string, rec contract.Record) error {
	g := h.gateway
	if !g.allowed(h.agent, col, accessWrite) {
		log.Warn().
			Str("agent", string(h.agent)).
			Str("collection", string(col)).
			Msg("memory write denied")
		return fmt.Errorf("%w: agent=%s collection=%s mode=write", contract.ErrAccessDenied, h.agent, col)
	}
	if rec.UserID == "" {
		rec.UserID = userID
	}
	if rec.UserID != userID {
		return fmt.Errorf("%w: record user %q does not match %q", contract.ErrValidation, rec.UserID, userID)
	}

	if col == contract.CollectionStates {
		l := g.userStateLock(userID)
		l.Lock()
		defer l.Unlock()

		if err := g.index.Upsert(ctx, col, rec); err != nil {
			g.cache.Del(stateCacheKey(userID))
			return err
		}
		g.cache.Set(stateCacheKey(userID), []contract.Record{rec}, 1)
		return nil
	}

	return g.index.Upsert(ctx, col, rec)
}

// Purge drops every collection of one user. Only the assessment agent
// holds write access across the board, so only its handle can purge.
func (h *Handle) Purge(ctx context.Context, userID string) error {
	g := h.gateway
	for _, col := range contract.Collections {
		if !g.allowed(h.agent, col, accessWrite) {
			return fmt.Errorf("%w: agent=%s collection=%s mode=purge", contract.ErrAccessDenied, h.agent, col)
		}
	}

	for _, col := range contract.Collections {
		if err := g.index.Drop(ctx, col, userID); err != nil {
			return err
		}
	}
	g.cache.Del(stateCacheKey(userID))

	log.Info().Str("user_id", userID).Msg("user memory purged")
	return nil
}
