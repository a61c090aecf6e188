// Package orchestrator is the single entry point callers use; it routes
// every operation to the right agent and owns the session-end pipeline.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

// EndSessionResult is what a finished session produces: the summary, the
// planned goals and the assessment outcome. AssessmentPending is set when
// persistence failed and will be retried on the user's next operation.
type EndSessionResult struct {
	Summary           contract.Summary       `json:"summary"`
	Tasks             *contract.TaskPayload  `json:"tasks,omitempty"`
	Assessment        *contract.AssessResult `json:"assessment,omitempty"`
	AssessmentPending bool                   `json:"assessment_pending,omitempty"`
}

type endInput struct {
	UserID string
}

type endState struct {
	UserID  string
	Summary contract.Summary
	Tasks   *contract.TaskPayload
}

type Orchestrator struct {
	reflector contract.Reflector
	planner   contract.Planner
	support   contract.Supporter
	assessor  contract.Assessor

	endRunner compose.Runnable[endInput, *EndSessionResult]

	mu     sync.Mutex
	parked map[string][]contract.AssessRequest
}

func New(ctx context.Context, reflector contract.Reflector, planner contract.Planner, support contract.Supporter, assessor contract.Assessor) (*Orchestrator, error) {
	if reflector == nil {
		return nil, fmt.Errorf("orchestrator: reflector is required")
	}
	if planner == nil {
		return nil, fmt.Errorf("orchestrator: planner is required")
	}
	if support == nil {
		return nil, fmt.Errorf("orchestrator: support agent is required")
	}
	if assessor == nil {
		return nil, fmt.Errorf("orchestrator: assessor is required")
	}

	o := &Orchestrator{
		reflector: reflector,
		planner:   planner,
		support:   support,
		assessor:  assessor,
		parked:    make(map[string][]contract.AssessRequest),
	}

	runner, err := o.compileEndGraph(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: compile end graph: %w", err)
	}
	o.endRunner = runner

	return o, nil
}

// compileEndGraph wires the session-end pipeline: end the conversation,
// plan goals from its summary, then hand everything to assessment.
func (o *Orchestrator) compileEndGraph(ctx context.Context) (compose.Runnable[endInput, *EndSessionResult], error) {
	g := compose.NewGraph[endInput, *EndSessionResult]()

	endSession := compose.InvokableLambda(func(ctx context.Context, in endInput) (*endState, error) {
		summary, err := o.reflector.End(ctx, in.UserID)
		if err != nil {
			return nil, err
		}
		return &endState{UserID: in.UserID, Summary: summary}, nil
	})

	planGoals := compose.InvokableLambda(func(ctx context.Context, st *endState) (*endState, error) {
		tasks, err := o.planner.Plan(ctx, st.Summary)
		if err != nil {
			// The summary must still reach assessment even when
			// planning is impossible.
			log.Warn().Str("user_id", st.UserID).Err(err).Msg("goal planning failed, continuing without goals")
			return st, nil
		}
		st.Tasks = &tasks
		return st, nil
	})

	assess := compose.InvokableLambda(func(ctx context.Context, st *endState) (*EndSessionResult, error) {
		out := &EndSessionResult{Summary: st.Summary, Tasks: st.Tasks}

		req := contract.AssessRequest{
			UserID:  st.UserID,
			Summary: &st.Summary,
			Tasks:   st.Tasks,
		}
		res, err := o.assessor.Assess(ctx, req)
		if err != nil {
			log.Error().Str("user_id", st.UserID).Err(err).Msg("assessment failed, parking for retry")
			o.park(st.UserID, req)
			out.AssessmentPending = true
			return out, nil
		}
		out.Assessment = &res
		return out, nil
	})

	type node struct {
		key    string
		lambda *compose.Lambda
	}
	nodes := []node{
		{"end_session", endSession},
		{"plan_goals", planGoals},
		{"assess", assess},
	}
	for _, n := range nodes {
		if err := g.AddLambdaNode(n.key, n.lambda); err != nil {
			return nil, fmt.Errorf("add node %s: %w", n.key, err)
		}
	}

	edges := [][2]string{
		{compose.START, "end_session"},
		{"end_session", "plan_goals"},
		{"plan_goals", "assess"},
		{"assess", compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e[0], e[1], err)
		}
	}

	return g.Compile(ctx, compose.WithGraphName("end_reflection"))
}

func (o *Orchestrator) StartReflection(ctx context.Context, userID, text string) (string, error) {
	if err := requireUser(userID); err != nil {
		return "", err
	}
	o.flushParked(ctx, userID)
	return o.reflector.Start(ctx, userID, text)
}

func (o *Orchestrator) ContinueReflection(ctx context.Context, userID, text string) (string, error) {
	if err := requireUser(userID); err != nil {
		return "", err
	}
	o.flushParked(ctx, userID)
	return o.reflector.Continue(ctx, userID, text)
}

func (o *Orchestrator) EndReflection(ctx context.Context, userID string) (*EndSessionResult, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	o.flushParked(ctx, userID)
	return o.endRunner.Invoke(ctx, endInput{UserID: userID})
}

func (o *Orchestrator) SearchSupport(ctx context.Context, userID, query, category string) ([]contract.CommunityResult, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	o.flushParked(ctx, userID)
	return o.support.Search(ctx, userID, query, category)
}

// SubmitFeedback records the reaction with the support agent and forwards
// it to assessment. A persistence failure parks the interaction; the
// feedback itself is accepted either way.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, userID, resultID string, value contract.FeedbackValue) (contract.Interaction, error) {
	if err := requireUser(userID); err != nil {
		return contract.Interaction{}, err
	}
	o.flushParked(ctx, userID)

	interaction, err := o.support.Feedback(ctx, userID, resultID, value)
	if err != nil {
		return contract.Interaction{}, err
	}

	req := contract.AssessRequest{
		UserID:       userID,
		Interactions: []contract.Interaction{interaction},
	}
	if _, err := o.assessor.Assess(ctx, req); err != nil {
		log.Error().Str("user_id", userID).Err(err).Msg("feedback assessment failed, parking for retry")
		o.park(userID, req)
	}
	return interaction, nil
}

func (o *Orchestrator) GetUserStats(ctx context.Context, userID string) (contract.UserState, error) {
	if err := requireUser(userID); err != nil {
		return contract.UserState{}, err
	}
	o.flushParked(ctx, userID)
	return o.assessor.Stats(ctx, userID)
}

func (o *Orchestrator) WipeUser(ctx context.Context, userID string) error {
	if err := requireUser(userID); err != nil {
		return err
	}

	// Parked requests refer to memory about to vanish; drop them.
	o.mu.Lock()
	delete(o.parked, userID)
	o.mu.Unlock()

	return o.assessor.Wipe(ctx, userID)
}

// PendingAssessments reports how many assessment requests await retry for
// the user.
func (o *Orchestrator) PendingAssessments(userID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.parked[userID])
}

func (o *Orchestrator) park(userID string, req contract.AssessRequest) {
	o.mu.Lock()
	o.parked[userID] = append(o.parked[userID], req)
	o.mu.Unlock()
}

// flushParked retries parked assessments in arrival order, stopping at the
// first failure so order is preserved for the next trigger.
func (o *Orchestrator) flushParked(ctx context.Context, userID string) {
	o.mu.Lock()
	pending := o.parked[userID]
	delete(o.parked, userID)
	o.mu.Unlock()

	for i, req := range pending {
		if _, err := o.assessor.Assess(ctx, req); err != nil {
			log.Warn().Str("user_id", userID).Err(err).Msg("parked assessment retry failed")
			o.mu.Lock()
			o.parked[userID] = append(pending[i:], o.parked[userID]...)
			o.mu.Unlock()
			return
		}
		log.Info().Str("user_id", userID).Msg("parked assessment flushed")
	}
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: missing user id", contract.ErrValidation)
	}
	return nil
}
