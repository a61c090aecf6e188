// Package planner turns session summaries into scheduled goals.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
	"github.com/unhabit/unhabit-agent/agent/llmgraph"
	promptx "github.com/unhabit/unhabit-agent/agent/prompt"
)

const (
	maxGoals        = 3
	minDurationMins = 5
	maxDurationMins = 120
	maxTitleLen     = 60
)

// Service plans goals from a summary and hands each one to the scheduler.
// It holds no memory access; everything it needs arrives in the summary.
type Service struct {
	runner    compose.Runnable[map[string]any, []goalOutput]
	scheduler contract.Scheduler
	now       func() time.Time
	newID     func() string
}

var _ contract.Planner = (*Service)(nil)

func New(ctx context.Context, chatModel model.BaseChatModel, sched contract.Scheduler) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("planner: chat model is required")
	}
	if sched == nil {
		return nil, fmt.Errorf("planner: scheduler is required")
	}

	prompts := promptx.LoadPromptSet()
	if prompts.GoalPlanning == "" {
		return nil, fmt.Errorf("%w: goal planning prompt", contract.ErrPromptMissing)
	}

	runner, err := llmgraph.CompileStructured[[]goalOutput](ctx, chatModel, prompts.GoalPlanning, "goal_planning")
	if err != nil {
		return nil, fmt.Errorf("planner: compile graph: %w", err)
	}

	return &Service{
		runner:    runner,
		scheduler: sched,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

type planPayload struct {
	Summary       string   `json:"summary"`
	EmotionalTone string   `json:"emotional_tone"`
	KeyThemes     []string `json:"key_themes"`
	Insights      []string `json:"insights,omitempty"`
}

type goalOutput struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	Priority        string `json:"priority"`
	DurationMinutes int    `json:"duration_minutes"`
	Recurrence      string `json:"recurrence"`
}

// Plan proposes goals for the summary and delivers each accepted goal to
// the scheduling webhook. Delivery failures mark the individual goal
// failed and never abort the plan.
func (s *Service) Plan(ctx context.Context, summary contract.Summary) (contract.TaskPayload, error) {
	if summary.UserID == "" {
		return contract.TaskPayload{}, fmt.Errorf("%w: summary has no user", contract.ErrValidation)
	}

	goals, err := s.proposeGoals(ctx, summary)
	if err != nil {
		return contract.TaskPayload{}, err
	}

	payload := contract.TaskPayload{
		UserID:        summary.UserID,
		Goals:         goals,
		SourceSummary: summary.Summary,
		CreatedAt:     s.now(),
	}

	for i := range payload.Goals {
		g := &payload.Goals[i]
		if err := s.scheduler.Deliver(ctx, contract.TaskDelivery{
			GoalID:          g.ID,
			UserID:          summary.UserID,
			Title:           g.Title,
			Description:     g.Description,
			Priority:        string(g.Priority),
			DurationMinutes: g.DurationMinutes,
			Recurrence:      string(g.Recurrence),
			CreatedAt:       payload.CreatedAt,
		}); err != nil {
			g.Delivery = contract.DeliveryFailed
			log.Error().
				Str("user_id", summary.UserID).
				Str("goal_id", g.ID).
				Err(err).
				Msg("goal delivery failed")
			continue
		}
		g.Delivery = contract.DeliverySent
	}

	return payload, nil
}

func (s *Service) proposeGoals(ctx context.Context, summary contract.Summary) ([]contract.Goal, error) {
	in, err := llmgraph.Input(planPayload{
		Summary:       summary.Summary,
		EmotionalTone: summary.EmotionalTone,
		KeyThemes:     summary.KeyThemes,
		Insights:      summary.Insights,
	})
	if err != nil {
		return nil, err
	}

	raw, err := s.runner.Invoke(ctx, in)
	if err != nil {
		if contract.IsProviderExhausted(err) {
			return nil, err
		}
		// Unparseable plans degrade to the stock check-in goal rather
		// than losing the session's momentum.
		log.Warn().Str("user_id", summary.UserID).Err(err).Msg("goal plan unusable, using fallback goal")
		return s.fallbackGoals(), nil
	}

	goals := make([]contract.Goal, 0, len(raw))
	for _, g := range raw {
		goal, err := s.validate(g)
		if err != nil {
			log.Warn().Str("user_id", summary.UserID).Str("title", g.Title).Err(err).Msg("dropping invalid goal")
			continue
		}
		goals = append(goals, goal)
		if len(goals) == maxGoals {
			break
		}
	}

	if len(goals) == 0 {
		log.Warn().Str("user_id", summary.UserID).Msg("no usable goals in plan, using fallback goal")
		return s.fallbackGoals(), nil
	}
	return goals, nil
}

func (s *Service) validate(g goalOutput) (contract.Goal, error) {
	title := strings.TrimSpace(g.Title)
	if title == "" {
		return contract.Goal{}, fmt.Errorf("%w: empty title", contract.ErrValidation)
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}

	priority := contract.GoalPriority(strings.ToLower(strings.TrimSpace(g.Priority)))
	switch priority {
	case contract.PriorityHigh, contract.PriorityMedium, contract.PriorityLow:
	default:
		return contract.Goal{}, fmt.Errorf("%w: priority %q", contract.ErrValidation, g.Priority)
	}

	if g.DurationMinutes < minDurationMins || g.DurationMinutes > maxDurationMins {
		return contract.Goal{}, fmt.Errorf("%w: duration %d minutes", contract.ErrValidation, g.DurationMinutes)
	}

	recurrence := contract.Recurrence(strings.ToLower(strings.TrimSpace(g.Recurrence)))
	switch recurrence {
	case contract.RecurrenceNone, contract.RecurrenceDaily, contract.RecurrenceWeekly, contract.RecurrenceMonthly:
	default:
		return contract.Goal{}, fmt.Errorf("%w: recurrence %q", contract.ErrValidation, g.Recurrence)
	}

	return contract.Goal{
		ID:              s.newID(),
		Title:           title,
		Description:     strings.TrimSpace(g.Description),
		Priority:        priority,
		DurationMinutes: g.DurationMinutes,
		Recurrence:      recurrence,
		Delivery:        contract.DeliveryPending,
	}, nil
}

func (s *Service) fallbackGoals() []contract.Goal {
	return []contract.Goal{{
		ID:              s.newID(),
		Title:           "Daily Reflection Check-in",
		Description:     "Take a short moment to check in with yourself about how today went.",
		Priority:        contract.PriorityMedium,
		DurationMinutes: 10,
		Recurrence:      contract.RecurrenceDaily,
		Delivery:        contract.DeliveryPending,
	}}
}
