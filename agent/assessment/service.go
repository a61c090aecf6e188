// Package assessment persists session artifacts and maintains each user's
// evolving state. It is the only agent holding a write-capable memory
// handle.
package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
	promptx "github.com/unhabit/unhabit-agent/agent/prompt"
)

type Service struct {
	memory   contract.MemoryReadWriter
	generate contract.Generator
	prompt   string
	now      func() time.Time

	mu     sync.Mutex
	userMu map[string]*sync.Mutex
}

var _ contract.Assessor = (*Service)(nil)

func New(mem contract.MemoryReadWriter, gen contract.Generator) (*Service, error) {
	if mem == nil {
		return nil, fmt.Errorf("assessment: memory handle is required")
	}
	if gen == nil {
		return nil, fmt.Errorf("assessment: generator is required")
	}

	prompts := promptx.LoadPromptSet()
	if prompts.StateAnalysis == "" {
		return nil, fmt.Errorf("%w: state analysis prompt", contract.ErrPromptMissing)
	}

	return &Service{
		memory:   mem,
		generate: gen,
		prompt:   prompts.StateAnalysis,
		now:      time.Now,
		userMu:   make(map[string]*sync.Mutex),
	}, nil
}

// Assess persists everything in the request and then rewrites the user's
// state with updated counters and narrative. Concurrent assessments of the
// same user serialize; each request's inputs are counted exactly once.
// Record ids derive from the inputs, so retrying a failed request cannot
// double-store.
func (s *Service) Assess(ctx context.Context, req contract.AssessRequest) (contract.AssessResult, error) {
	if req.UserID == "" {
		return contract.AssessResult{}, fmt.Errorf("%w: missing user id", contract.ErrValidation)
	}

	unlock := s.lockUser(req.UserID)
	defer unlock()

	var res contract.AssessResult

	if req.Summary != nil {
		rec := summaryRecord(req.UserID, *req.Summary)
		if err := s.memory.Write(ctx, contract.CollectionReflections, req.UserID, rec); err != nil {
			return res, fmt.Errorf("%w: reflection %s: %v", contract.ErrAssessmentPersist, rec.ID, err)
		}
		res.ReflectionsStored++
	}

	if req.Tasks != nil {
		for _, g := range req.Tasks.Goals {
			rec := goalRecord(req.UserID, *req.Tasks, g)
			if err := s.memory.Write(ctx, contract.CollectionGoals, req.UserID, rec); err != nil {
				return res, fmt.Errorf("%w: goal %s: %v", contract.ErrAssessmentPersist, g.ID, err)
			}
			res.GoalsStored++
		}
	}

	for _, it := range req.Interactions {
		rec := interactionRecord(req.UserID, it)
		if err := s.memory.Write(ctx, contract.CollectionInteractions, req.UserID, rec); err != nil {
			return res, fmt.Errorf("%w: interaction %s: %v", contract.ErrAssessmentPersist, it.ResultID, err)
		}
		res.InteractionsStored++
	}

	// State goes last so counters never run ahead of the raw records.
	state, err := s.loadState(ctx, req.UserID)
	if err != nil {
		return res, fmt.Errorf("%w: load state: %v", contract.ErrAssessmentPersist, err)
	}

	state.UserID = req.UserID
	state.Reflections += res.ReflectionsStored
	state.Goals += res.GoalsStored
	state.Interactions += res.InteractionsStored
	state.UpdatedAt = s.now()
	state.Narrative = s.reviseNarrative(ctx, state.Narrative, req)

	if err := s.memory.Write(ctx, contract.CollectionStates, req.UserID, stateRecord(state)); err != nil {
		return res, fmt.Errorf("%w: state: %v", contract.ErrAssessmentPersist, err)
	}

	res.State = state
	log.Info().
		Str("user_id", req.UserID).
		Int("reflections", res.ReflectionsStored).
		Int("goals", res.GoalsStored).
		Int("interactions", res.InteractionsStored).
		Msg("assessment persisted")
	return res, nil
}

// Stats returns the user's current state; a user with no history gets a
// zero state rather than an error.
func (s *Service) Stats(ctx context.Context, userID string) (contract.UserState, error) {
	if userID == "" {
		return contract.UserState{}, fmt.Errorf("%w: missing user id", contract.ErrValidation)
	}

	state, err := s.loadState(ctx, userID)
	if err != nil {
		return contract.UserState{}, err
	}
	state.UserID = userID
	return state, nil
}

// Wipe removes every trace of the user from shared memory.
func (s *Service) Wipe(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: missing user id", contract.ErrValidation)
	}

	unlock := s.lockUser(userID)
	defer unlock()

	return s.memory.Purge(ctx, userID)
}

func (s *Service) lockUser(userID string) func() {
	s.mu.Lock()
	l, ok := s.userMu[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userMu[userID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Service) loadState(ctx context.Context, userID string) (contract.UserState, error) {
	recs, err := s.memory.Read(ctx, contract.CollectionStates, userID, "current state", 1)
	if err != nil {
		return contract.UserState{}, err
	}
	if len(recs) == 0 {
		return contract.UserState{}, nil
	}

	rec := recs[0]
	state := contract.UserState{
		UserID:    userID,
		Narrative: rec.Text,
		UpdatedAt: rec.CreatedAt,
	}
	state.Reflections = atoiOr(rec.Metadata["total_reflections"], 0)
	state.Goals = atoiOr(rec.Metadata["total_goals"], 0)
	state.Interactions = atoiOr(rec.Metadata["total_interactions"], 0)
	return state, nil
}

// reviseNarrative asks the LLM for an updated journey narrative. When
// every provider is down the previous narrative is kept; counters still
// advance.
func (s *Service) reviseNarrative(ctx context.Context, previous string, req contract.AssessRequest) string {
	var b strings.Builder
	b.WriteString(s.prompt)
	b.WriteString("\n\nPREVIOUS NARRATIVE:\n")
	if previous == "" {
		b.WriteString("(none yet)\n")
	} else {
		b.WriteString(previous + "\n")
	}

	if req.Summary != nil {
		b.WriteString("\nNEW SESSION SUMMARY:\n" + req.Summary.Summary + "\n")
		if req.Summary.EmotionalTone != "" {
			b.WriteString("Tone: " + req.Summary.EmotionalTone + "\n")
		}
		if len(req.Summary.KeyThemes) > 0 {
			b.WriteString("Themes: " + strings.Join(req.Summary.KeyThemes, ", ") + "\n")
		}
	}
	if req.Tasks != nil && len(req.Tasks.Goals) > 0 {
		b.WriteString("\nNEW GOALS:\n")
		for _, g := range req.Tasks.Goals {
			fmt.Fprintf(&b, "- %s (%s, %d min)\n", g.Title, g.Priority, g.DurationMinutes)
		}
	}
	if len(req.Interactions) > 0 {
		b.WriteString("\nCOMMUNITY FEEDBACK:\n")
		for _, it := range req.Interactions {
			fmt.Fprintf(&b, "- %s: %s\n", it.Title, it.Value)
		}
	}

	narrative, err := s.generate.GenerateText(ctx, b.String())
	if err != nil || strings.TrimSpace(narrative) == "" {
		log.Warn().Err(err).Msg("narrative revision unavailable, keeping previous narrative")
		return previous
	}
	return strings.TrimSpace(narrative)
}

func summaryRecord(userID string, sum contract.Summary) contract.Record {
	meta := map[string]string{
		"emotional_tone": sum.EmotionalTone,
	}
	if len(sum.KeyThemes) > 0 {
		meta["key_themes"] = strings.Join(sum.KeyThemes, ",")
	}
	if len(sum.Insights) > 0 {
		if b, err := json.Marshal(sum.Insights); err == nil {
			meta["insights"] = string(b)
		}
	}

	return contract.Record{
		ID:        fmt.Sprintf("refl-%s-%d", userID, sum.CreatedAt.UnixNano()),
		UserID:    userID,
		Text:      sum.Summary,
		Metadata:  meta,
		CreatedAt: sum.CreatedAt,
	}
}

func goalRecord(userID string, tasks contract.TaskPayload, g contract.Goal) contract.Record {
	return contract.Record{
		ID:     "goal-" + g.ID,
		UserID: userID,
		Text:   g.Title + ": " + g.Description,
		Metadata: map[string]string{
			"priority":         string(g.Priority),
			"duration_minutes": strconv.Itoa(g.DurationMinutes),
			"recurrence":       string(g.Recurrence),
			"delivery_status":  string(g.Delivery),
			"source_summary":   tasks.SourceSummary,
		},
		CreatedAt: tasks.CreatedAt,
	}
}

// Interaction records key on the result id, so repeated feedback on one
// recommendation overwrites instead of accumulating.
func interactionRecord(userID string, it contract.Interaction) contract.Record {
	return contract.Record{
		ID:     "fb-" + it.ResultID,
		UserID: userID,
		Text:   fmt.Sprintf("Feedback on %q: %s", it.Title, it.Value),
		Metadata: map[string]string{
			"result_id": it.ResultID,
			"value":     string(it.Value),
		},
		CreatedAt: it.CreatedAt,
	}
}

func stateRecord(state contract.UserState) contract.Record {
	return contract.Record{
		ID:     "state-" + state.UserID,
		UserID: state.UserID,
		Text:   state.Narrative,
		Metadata: map[string]string{
			"total_reflections":  strconv.Itoa(state.Reflections),
			"total_goals":        strconv.Itoa(state.Goals),
			"total_interactions": strconv.Itoa(state.Interactions),
		},
		CreatedAt: state.UpdatedAt,
	}
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
