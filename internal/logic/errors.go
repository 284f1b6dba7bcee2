// Package logic holds the matching pipeline: query analysis, eligibility
// filtering, relevance ranking, frequency/budget admission and the delivery
// orchestrator that composes them. Stage implementations live in the
// sub-packages; this package carries the shared error taxonomy and the
// request audience resolution.
package logic

import "errors"

var (
	// ErrInvalidQuery is returned for empty or whitespace-only query text.
	// It is the only error surfaced to callers of a delivery decision.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrRetrievalTimeout means the retrieval collaborator did not answer in
	// time. The pipeline treats it as zero candidates.
	ErrRetrievalTimeout = errors.New("retrieval timed out")
	// ErrStateConflict means a concurrent admission for the same counters won
	// the race. The losing ad is simply not admitted.
	ErrStateConflict = errors.New("admission state conflict")
	// ErrNilRedisStore is returned when a Redis-backed component has no client.
	ErrNilRedisStore = errors.New("redis store is nil")
)
