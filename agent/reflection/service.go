// Package reflection implements the conversational reflection agent.
package reflection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
	"github.com/unhabit/unhabit-agent/agent/llmgraph"
	promptx "github.com/unhabit/unhabit-agent/agent/prompt"
	"github.com/unhabit/unhabit-agent/agent/session"
)

const (
	// How many individual messages of history feed a continuation turn.
	historyWindow = 6
	// How many past reflections seed the opening turn's context.
	contextTopK = 3

	fallbackReply = "I'm sorry, I'm having trouble finding the right words just now. I'm still here with you. Could you tell me a little more about that?"

	fallbackSummaryClip = 300
)

// Service drives reflection sessions. It holds a read-only memory handle;
// nothing it produces is persisted until the assessment agent stores the
// session summary.
type Service struct {
	memory contract.MemoryReader
	arena  *session.Arena

	initialRunner  compose.Runnable[map[string]any, *schema.Message]
	continueRunner compose.Runnable[map[string]any, *schema.Message]
	summaryRunner  compose.Runnable[map[string]any, *schema.Message]

	now func() time.Time
}

var _ contract.Reflector = (*Service)(nil)

func New(ctx context.Context, chatModel model.BaseChatModel, mem contract.MemoryReader) (*Service, error) {
	if chatModel == nil {
		return nil, fmt.Errorf("reflection: chat model is required")
	}
	if mem == nil {
		return nil, fmt.Errorf("reflection: memory reader is required")
	}

	prompts := promptx.LoadPromptSet()
	if prompts.ReflectionInitial == "" || prompts.ReflectionContinue == "" || prompts.SessionSummary == "" {
		return nil, fmt.Errorf("%w: reflection prompts", contract.ErrPromptMissing)
	}

	initialRunner, err := llmgraph.CompileText(ctx, chatModel, prompts.ReflectionInitial, "reflection_initial")
	if err != nil {
		return nil, fmt.Errorf("reflection: compile initial graph: %w", err)
	}
	continueRunner, err := llmgraph.CompileText(ctx, chatModel, prompts.ReflectionContinue, "reflection_continue")
	if err != nil {
		return nil, fmt.Errorf("reflection: compile continue graph: %w", err)
	}
	summaryRunner, err := llmgraph.CompileText(ctx, chatModel, prompts.SessionSummary, "session_summary")
	if err != nil {
		return nil, fmt.Errorf("reflection: compile summary graph: %w", err)
	}

	return &Service{
		memory:         mem,
		arena:          session.NewArena(),
		initialRunner:  initialRunner,
		continueRunner: continueRunner,
		summaryRunner:  summaryRunner,
		now:            time.Now,
	}, nil
}

type initialPayload struct {
	Context     string `json:"context"`
	UserMessage string `json:"user_message"`
}

type continuePayload struct {
	ConversationHistory string `json:"conversation_history"`
	UserMessage         string `json:"user_message"`
}

type summaryPayload struct {
	Transcript string `json:"transcript"`
}

// Start opens a session with the user's first message and returns the
// opening reply. A user has at most one active session.
func (s *Service) Start(ctx context.Context, userID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty message", contract.ErrValidation)
	}

	unlock := s.arena.LockUser(userID)
	defer unlock()

	if _, ok := s.arena.Get(userID); ok {
		return "", fmt.Errorf("%w: user %s", contract.ErrSessionActive, userID)
	}

	reply, err := s.invoke(ctx, s.initialRunner, initialPayload{
		Context:     s.buildContext(ctx, userID, text),
		UserMessage: text,
	})
	if err != nil {
		return "", err
	}

	sess, err := s.arena.Create(userID, s.now())
	if err != nil {
		return "", err
	}
	sess.Append(text, reply, s.now())
	return reply, nil
}

// Continue appends one exchange to the active session.
func (s *Service) Continue(ctx context.Context, userID, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty message", contract.ErrValidation)
	}

	unlock := s.arena.LockUser(userID)
	defer unlock()

	sess, ok := s.arena.Get(userID)
	if !ok {
		return "", fmt.Errorf("%w: user %s", contract.ErrNoActiveSession, userID)
	}

	reply, err := s.invoke(ctx, s.continueRunner, continuePayload{
		ConversationHistory: sess.RecentTranscript(historyWindow),
		UserMessage:         text,
	})
	if err != nil {
		return "", err
	}

	sess.Append(text, reply, s.now())
	return reply, nil
}

// End closes the session and distills it into a Summary. The session is
// evicted on success; a provider failure leaves it active so the user can
// end again.
func (s *Service) End(ctx context.Context, userID string) (contract.Summary, error) {
	unlock := s.arena.LockUser(userID)
	defer unlock()

	sess, ok := s.arena.Get(userID)
	if !ok {
		return contract.Summary{}, fmt.Errorf("%w: user %s", contract.ErrNoActiveSession, userID)
	}
	if len(sess.Turns) == 0 {
		s.arena.Evict(userID)
		return contract.Summary{}, fmt.Errorf("%w: user %s", contract.ErrEmptySession, userID)
	}

	in, err := llmgraph.Input(summaryPayload{Transcript: sess.Transcript()})
	if err != nil {
		return contract.Summary{}, err
	}
	msg, err := s.summaryRunner.Invoke(ctx, in)
	if err != nil {
		return contract.Summary{}, err
	}

	summary := parseSummary(msg.Content)
	summary.UserID = userID
	summary.CreatedAt = s.now()

	sess.Status = session.StatusEnded
	s.arena.Evict(userID)

	log.Info().
		Str("user_id", userID).
		Int("turns", len(sess.Turns)).
		Str("tone", summary.EmotionalTone).
		Msg("reflection session ended")
	return summary, nil
}

func (s *Service) invoke(ctx context.Context, runner compose.Runnable[map[string]any, *schema.Message], payload any) (string, error) {
	in, err := llmgraph.Input(payload)
	if err != nil {
		return "", err
	}

	msg, err := runner.Invoke(ctx, in)
	if err != nil {
		if contract.IsProviderExhausted(err) {
			log.Warn().Err(err).Msg("turn generation exhausted all providers, using fallback reply")
			return fallbackReply, nil
		}
		return "", err
	}

	reply := strings.TrimSpace(msg.Content)
	if reply == "" {
		return fallbackReply, nil
	}
	return reply, nil
}

// buildContext gathers past reflections and the current state for the
// opening prompt. Read failures degrade to an empty context; a turn must
// not fail because retrieval did.
func (s *Service) buildContext(ctx context.Context, userID, query string) string {
	var b strings.Builder

	if recs, err := s.memory.Read(ctx, contract.CollectionReflections, userID, query, contextTopK); err != nil {
		log.Warn().Str("user_id", userID).Err(err).Msg("reflection context read failed")
	} else if len(recs) > 0 {
		b.WriteString("PAST REFLECTIONS:\n")
		for _, r := range recs {
			b.WriteString("- " + r.Text + "\n")
		}
	}

	if recs, err := s.memory.Read(ctx, contract.CollectionStates, userID, "current state", 1); err != nil {
		log.Warn().Str("user_id", userID).Err(err).Msg("state context read failed")
	} else if len(recs) > 0 {
		b.WriteString("CURRENT STATE:\n" + recs[0].Text + "\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

type summaryOutput struct {
	Summary       string   `json:"summary"`
	EmotionalTone string   `json:"emotional_tone"`
	KeyThemes     []string `json:"key_themes"`
	Insights      []string `json:"insights"`
}

// parseSummary extracts the structured summary from the model reply,
// falling back to a basic summary built from the raw text when the reply
// is not usable JSON.
func parseSummary(content string) contract.Summary {
	raw := strings.TrimSpace(content)

	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		var out summaryOutput
		if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err == nil && strings.TrimSpace(out.Summary) != "" {
			return contract.Summary{
				Summary:       strings.TrimSpace(out.Summary),
				EmotionalTone: strings.TrimSpace(out.EmotionalTone),
				KeyThemes:     out.KeyThemes,
				Insights:      out.Insights,
			}
		}
	}

	log.Warn().Msg("summary reply was not valid json, building fallback summary")

	clip := raw
	if len(clip) > fallbackSummaryClip {
		clip = clip[:fallbackSummaryClip]
	}
	if clip == "" {
		clip = "The user completed a reflection session."
	}
	return contract.Summary{
		Summary:       clip,
		EmotionalTone: "reflective",
		KeyThemes:     []string{"self-reflection"},
	}
}
