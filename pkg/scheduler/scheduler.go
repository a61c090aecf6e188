// Package scheduler posts planned goals to the external scheduling webhook.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

type Config struct {
	WebhookURL  string        `envconfig:"WEBHOOK_URL" split_words:"true" required:"true"`
	AuthToken   string        `envconfig:"AUTH_TOKEN" split_words:"true"`
	Timeout     time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
	MaxAttempts int           `envconfig:"MAX_ATTEMPTS" split_words:"true" default:"3"`
	BaseBackoff time.Duration `envconfig:"BASE_BACKOFF" split_words:"true" default:"1s"`
}

type Client struct {
	conf Config
	http *http.Client
}

var _ contract.Scheduler = (*Client)(nil)

func MustNew(conf Config) *Client {
	c, err := New(conf)
	if err != nil {
		panic(err)
	}
	return c
}

func New(conf Config) (*Client, error) {
	if strings.TrimSpace(conf.WebhookURL) == "" {
		return nil, fmt.Errorf("scheduler: webhook url is required")
	}
	if conf.MaxAttempts < 1 {
		conf.MaxAttempts = 1
	}

	return &Client{
		conf: conf,
		http: &http.Client{Timeout: conf.Timeout},
	}, nil
}

// Deliver posts one goal to the webhook, retrying transient failures with
// exponential backoff. The goal id is the idempotency key; retries of the
// same goal reuse it so the receiver can deduplicate.
func (c *Client) Deliver(ctx context.Context, task contract.TaskDelivery) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("scheduler: marshal task: %w", err)
	}

	op := func() error {
		return c.post(ctx, task.GoalID, body)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.conf.BaseBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.conf.MaxAttempts-1)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: goal %s: %v", contract.ErrDeliveryFailed, task.GoalID, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, goalID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.conf.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", goalID)
	if c.conf.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.conf.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Str("goal_id", goalID).Err(err).Msg("scheduler webhook request failed")
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = fmt.Errorf("scheduler: webhook status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))

	// Client errors will not heal on retry.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
