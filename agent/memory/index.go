// Package memory implements the access-controlled shared memory the agents
// communicate through.
package memory

import (
	"context"

	"github.com/unhabit/unhabit-agent/agent/contract"
)

// Index is the physical vector store beneath the gateway. Upsert with an
// existing id replaces the stored record.
type Index interface {
	Upsert(ctx context.Context, col contract.Collection, rec contract.Record) error
	Search(ctx context.Context, col contract.Collection, userID, query string, topK int) ([]contract.Record, error)
	Drop(ctx context.Context, col contract.Collection, userID string) error
}
