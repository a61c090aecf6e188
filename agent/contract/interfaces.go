package contract

import (
	"context"
	"time"
)

// Generator produces free-form text for a single prompt. The provider
// manager implements it on top of the failover chain.
type Generator interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// MemoryReader is the read half of a shared memory capability handle.
type MemoryReader interface {
	Read(ctx context.Context, col Collection, userID, query string, topK int) ([]Record, error)
}

// MemoryWriter is the write half. Only the assessment handle passes the
// gateway policy for it.
type MemoryWriter interface {
	Write(ctx context.Context, col Collection, userID string, rec Record) error
	Purge(ctx context.Context, userID string) error
}

type MemoryReadWriter interface {
	MemoryReader
	MemoryWriter
}

// SearchResult is one raw hit from an external web search provider.
type SearchResult struct {
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	URL      string `json:"url"`
	Position int    `json:"position"`
}

type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// TaskDelivery is the per-goal payload handed to the external scheduler.
type TaskDelivery struct {
	GoalID          string    `json:"goal_id"`
	UserID          string    `json:"user_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description"`
	Priority        string    `json:"priority"`
	DurationMinutes int       `json:"duration_minutes"`
	Recurrence      string    `json:"recurrence,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type Scheduler interface {
	Deliver(ctx context.Context, task TaskDelivery) error
}

// Reflector drives the conversational reflection session lifecycle.
type Reflector interface {
	Start(ctx context.Context, userID, text string) (string, error)
	Continue(ctx context.Context, userID, text string) (string, error)
	End(ctx context.Context, userID string) (Summary, error)
}

type Planner interface {
	Plan(ctx context.Context, summary Summary) (TaskPayload, error)
}

type Supporter interface {
	Search(ctx context.Context, userID, query, category string) ([]CommunityResult, error)
	Feedback(ctx context.Context, userID, resultID string, value FeedbackValue) (Interaction, error)
}

// Assessor is the sole writer to shared memory.
type Assessor interface {
	Assess(ctx context.Context, req AssessRequest) (AssessResult, error)
	Stats(ctx context.Context, userID string) (UserState, error)
	Wipe(ctx context.Context, userID string) error
}
