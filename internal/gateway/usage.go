package gateway

import (
	"context"
	"fmt"

	"exec-gateway/internal/ledger"
	"exec-gateway/internal/storage"
)

// GetExecution returns one of principal's own execution records. Records of
// other clients are reported as not found.
func (g *Gateway) GetExecution(ctx context.Context, principal, id string) (*storage.ExecutionRecord, error) {
	rec, err := g.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ClientID != principal {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Usage lists principal's executions created in r, newest first.
func (g *Gateway) Usage(ctx context.Context, principal string, r ledger.Range, limit, offset int) ([]storage.ExecutionRecord, error) {
	if err := checkRange(r); err != nil {
		return nil, err
	}
	return g.ledger.QueryUsage(ctx, principal, r, limit, offset)
}

func (g *Gateway) UsageSummary(ctx context.Context, principal string, r ledger.Range) (*storage.UsageStats, error) {
	if err := checkRange(r); err != nil {
		return nil, err
	}
	return g.ledger.Aggregate(ctx, principal, r)
}

func checkRange(r ledger.Range) error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return invalid("range end is before its start")
	}
	return nil
}
