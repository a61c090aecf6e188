// Package provider multiplexes chat generation over an ordered chain of
// LLM backends with retry, failover and temporary demotion.
package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
	openrouterx "github.com/unhabit/unhabit-agent/pkg/openrouter"
)

type Config struct {
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BaseBackoff    time.Duration `envconfig:"BASE_BACKOFF" split_words:"true" default:"500ms"`
	MaxBackoff     time.Duration `envconfig:"MAX_BACKOFF" split_words:"true" default:"5s"`
	DemoteAfter    int           `envconfig:"DEMOTE_AFTER" split_words:"true" default:"3"`
	Cooldown       time.Duration `envconfig:"COOLDOWN" split_words:"true" default:"30s"`
	FallbackModels string        `envconfig:"FALLBACK_MODELS" split_words:"true"`
}

// Backend is one named chat model in the failover chain.
type Backend struct {
	Name  string
	Model model.BaseChatModel
}

// BackendHealth is a point-in-time view of one backend's failure state.
type BackendHealth struct {
	Name                string
	ConsecutiveFailures int
	DemotedUntil        time.Time
}

type backendState struct {
	backend Backend

	mu                  sync.Mutex
	consecutiveFailures int
	demotedUntil        time.Time
}

// Manager implements model.BaseChatModel so compiled graphs mount the whole
// failover chain as their chat model node. It also implements
// contract.Generator for single-prompt callers.
type Manager struct {
	conf     Config
	backends []*backendState
	now      func() time.Time
}

var (
	_ model.BaseChatModel = (*Manager)(nil)
	_ contract.Generator  = (*Manager)(nil)
)

func New(conf Config, backends ...Backend) (*Manager, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("provider: at least one backend is required")
	}
	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}
	if conf.DemoteAfter < 1 {
		conf.DemoteAfter = 1
	}

	states := make([]*backendState, 0, len(backends))
	for _, b := range backends {
		if b.Model == nil {
			return nil, fmt.Errorf("provider: backend %q has no model", b.Name)
		}
		states = append(states, &backendState{backend: b})
	}

	return &Manager{conf: conf, backends: states, now: time.Now}, nil
}

// NewFromConfig builds the chain from a primary OpenRouter config plus the
// comma separated fallback model names in conf. Fallbacks share the
// primary's endpoint and key.
func NewFromConfig(ctx context.Context, conf Config, primary openrouterx.Config) (*Manager, error) {
	configs := []openrouterx.Config{primary}
	for _, name := range strings.Split(conf.FallbackModels, ",") {
		if name = strings.TrimSpace(name); name != "" {
			configs = append(configs, primary.WithModel(name))
		}
	}

	backends := make([]Backend, 0, len(configs))
	for _, c := range configs {
		m, err := c.New(ctx)
		if err != nil {
			return nil, fmt.Errorf("provider: build backend %q: %w", c.Model, err)
		}
		backends = append(backends, Backend{Name: c.Model, Model: m})
	}

	return New(conf, backends...)
}

// Generate walks the chain in order, retrying transient failures on each
// backend with exponential backoff before failing over. Demoted backends
// are skipped on the first pass and consulted again only when every healthy
// backend has failed. Demotion status is snapshotted once at entry so a
// backend that crosses the threshold while failing here is not dialed a
// second time by the demoted pass.
func (m *Manager) Generate(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	var lastErr error
	skippedDemoted := false

	now := m.now()
	demotedAtEntry := make([]bool, len(m.backends))
	for i, st := range m.backends {
		demotedAtEntry[i] = st.isDemoted(now)
	}

	for pass := 0; pass < 2; pass++ {
		for i, st := range m.backends {
			if pass == 0 && demotedAtEntry[i] {
				skippedDemoted = true
				continue
			}
			if pass == 1 && !demotedAtEntry[i] {
				continue
			}

			msg, err := m.tryGenerate(ctx, st, in, opts)
			if err == nil {
				return msg, nil
			}
			if ctx.Err() != nil {
				return nil, err
			}
			lastErr = err
			log.Warn().
				Str("backend", st.backend.Name).
				Err(err).
				Msg("backend exhausted, failing over")
		}
		if !skippedDemoted {
			break
		}
	}

	return nil, fmt.Errorf("%w: last error: %v", contract.ErrProviderExhausted, lastErr)
}

// Stream fails over across backends but does not retry within one; a
// broken stream cannot be resumed transparently.
func (m *Manager) Stream(ctx context.Context, in []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	var lastErr error

	for _, st := range m.backends {
		if st.isDemoted(m.now()) {
			continue
		}
		sr, err := st.backend.Model.Stream(ctx, in, opts...)
		if err == nil {
			st.recordSuccess()
			return sr, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		st.recordFailure(m.conf, m.now())
		lastErr = err
	}

	return nil, fmt.Errorf("%w: last error: %v", contract.ErrProviderExhausted, lastErr)
}

// GenerateText sends a single user prompt and returns the reply content.
func (m *Manager) GenerateText(ctx context.Context, prompt string) (string, error) {
	msg, err := m.Generate(ctx, []*schema.Message{schema.UserMessage(prompt)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(msg.Content), nil
}

// Health reports the failure state of every backend in chain order.
func (m *Manager) Health() []BackendHealth {
	out := make([]BackendHealth, 0, len(m.backends))
	for _, st := range m.backends {
		st.mu.Lock()
		out = append(out, BackendHealth{
			Name:                st.backend.Name,
			ConsecutiveFailures: st.consecutiveFailures,
			DemotedUntil:        st.demotedUntil,
		})
		st.mu.Unlock()
	}
	return out
}

func (m *Manager) tryGenerate(ctx context.Context, st *backendState, in []*schema.Message, opts []model.Option) (*schema.Message, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.conf.BaseBackoff
	bo.MaxInterval = m.conf.MaxBackoff
	bo.Reset()

	for attempt := 1; ; attempt++ {
		msg, err := st.backend.Model.Generate(ctx, in, opts...)
		if err == nil {
			st.recordSuccess()
			return msg, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		st.recordFailure(m.conf, m.now())

		if isFatal(err) {
			return nil, err
		}
		if attempt >= m.conf.MaxAttempts {
			return nil, err
		}

		wait := bo.NextBackOff()
		log.Debug().
			Str("backend", st.backend.Name).
			Int("attempt", attempt).
			Dur("wait", wait).
			Err(err).
			Msg("transient generation failure, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (st *backendState) recordSuccess() {
	st.mu.Lock()
	st.consecutiveFailures = 0
	st.demotedUntil = time.Time{}
	st.mu.Unlock()
}

func (st *backendState) recordFailure(conf Config, now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.consecutiveFailures++
	if st.consecutiveFailures >= conf.DemoteAfter && now.After(st.demotedUntil) {
		st.demotedUntil = now.Add(conf.Cooldown)
		log.Warn().
			Str("backend", st.backend.Name).
			Int("consecutive_failures", st.consecutiveFailures).
			Time("until", st.demotedUntil).
			Msg("backend demoted")
	}
}

func (st *backendState) isDemoted(now time.Time) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return now.Before(st.demotedUntil)
}

// Fatal failures are request-shape or credential problems; retrying the
// same backend cannot help, the next backend might.
func isFatal(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"401", "403", "unauthorized", "forbidden",
		"invalid api key", "invalid_request", "bad request", "status 400",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
