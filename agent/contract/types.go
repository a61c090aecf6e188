package contract

import "time"

type AgentType string

const (
	AgentTypeReflection AgentType = "reflection"
	AgentTypePlanner    AgentType = "planner"
	AgentTypeSupport    AgentType = "support"
	AgentTypeAssessment AgentType = "assessment"
)

// Collection names the four shared memory partitions.
type Collection string

const (
	CollectionReflections  Collection = "reflections"
	CollectionGoals        Collection = "goals"
	CollectionStates       Collection = "states"
	CollectionInteractions Collection = "interactions"
)

// Collections lists every partition in write order; states is last so a
// partial failure never leaves counters ahead of the raw records.
var Collections = []Collection{
	CollectionReflections,
	CollectionGoals,
	CollectionInteractions,
	CollectionStates,
}

// Record is the unit of storage in shared memory. Score is populated on
// reads only.
type Record struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Score     float64           `json:"score,omitempty"`
}

// Summary is the structured outcome of a finished reflection session.
type Summary struct {
	UserID        string    `json:"user_id"`
	Summary       string    `json:"summary"`
	EmotionalTone string    `json:"emotional_tone"`
	KeyThemes     []string  `json:"key_themes"`
	Insights      []string  `json:"insights,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type GoalPriority string

const (
	PriorityHigh   GoalPriority = "high"
	PriorityMedium GoalPriority = "medium"
	PriorityLow    GoalPriority = "low"
)

type Recurrence string

const (
	RecurrenceNone    Recurrence = ""
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

type Goal struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	Description     string         `json:"description"`
	Priority        GoalPriority   `json:"priority"`
	DurationMinutes int            `json:"duration_minutes"`
	Recurrence      Recurrence     `json:"recurrence,omitempty"`
	Delivery        DeliveryStatus `json:"delivery_status"`
}

// TaskPayload bundles the goals planned from one session summary.
type TaskPayload struct {
	UserID        string    `json:"user_id"`
	Goals         []Goal    `json:"goals"`
	SourceSummary string    `json:"source_summary"`
	CreatedAt     time.Time `json:"created_at"`
}

type Platform string

const (
	PlatformReddit        Platform = "reddit"
	PlatformDiscord       Platform = "discord"
	PlatformForum         Platform = "forum"
	PlatformFacebookGroup Platform = "facebook_group"
	PlatformOther         Platform = "other"
)

type FeedbackValue string

const (
	FeedbackHelpful     FeedbackValue = "helpful"
	FeedbackInterested  FeedbackValue = "interested"
	FeedbackNotRelevant FeedbackValue = "not_relevant"
)

// CommunityResult is one ranked support community recommendation.
type CommunityResult struct {
	ID          string        `json:"id"`
	Title       string        `json:"title"`
	URL         string        `json:"url"`
	Description string        `json:"description,omitempty"`
	Platform    Platform      `json:"platform"`
	Relevance   float64       `json:"relevance"`
	Feedback    FeedbackValue `json:"feedback,omitempty"`
}

// Interaction records user feedback on a support recommendation.
type Interaction struct {
	UserID    string        `json:"user_id"`
	ResultID  string        `json:"result_id"`
	Title     string        `json:"title,omitempty"`
	Value     FeedbackValue `json:"value"`
	CreatedAt time.Time     `json:"created_at"`
}

// UserState is the single evolving per-user document in the states
// collection.
type UserState struct {
	UserID       string    `json:"user_id"`
	Narrative    string    `json:"narrative"`
	Reflections  int       `json:"total_reflections"`
	Goals        int       `json:"total_goals"`
	Interactions int       `json:"total_interactions"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AssessRequest aggregates the artifacts of one trigger for persistence.
// Any subset of the fields may be set.
type AssessRequest struct {
	UserID       string        `json:"user_id"`
	Summary      *Summary      `json:"summary,omitempty"`
	Tasks        *TaskPayload  `json:"tasks,omitempty"`
	Interactions []Interaction `json:"interactions,omitempty"`
}

type AssessResult struct {
	ReflectionsStored  int       `json:"reflections_stored"`
	GoalsStored        int       `json:"goals_stored"`
	InteractionsStored int       `json:"interactions_stored"`
	State              UserState `json:"state"`
}
