// Package pool implements the shared mappings used for cross-instance
// coordination: an in-process map for single-instance deployments, and Redis
// hashes or NATS JetStream key-value buckets when several instances share state.
package pool

import "errors"

// Sentinel errors for the pool package.
var (
	ErrEmptyKey   = errors.New("pool: key must not be empty")
	ErrEmptyName  = errors.New("pool: name must not be empty")
	ErrDecodeItem = errors.New("pool: stored value does not decode")
)
