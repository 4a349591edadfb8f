package domain

import "context"

// Answerer produces a reply for a user question. Ask returns an error for
// any failure (transport, timeout, non-200, malformed body); callers are
// expected to substitute a fallback reply rather than propagate.
type Answerer interface {
	Name() string
	Ask(ctx context.Context, question string) (string, error)
	Healthy(ctx context.Context) error
}

// Ledger records message identifiers that have already been accepted.
// CheckAndAdd must be atomic: of any number of concurrent calls with the
// same id, exactly one returns true.
type Ledger interface {
	CheckAndAdd(id string) bool
	Len() int
}
