package node

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the key has no live value.
	ErrNotFound = errors.New("node: key not found")
	// ErrUnavailable is returned when the node could not be reached or
	// did not answer within the call's deadline.
	ErrUnavailable = errors.New("node: unavailable")
)

// Node is one independent cache node. Every method is atomic at the node
// and bounded by ctx. Nodes know nothing about partitioning or quorum.
type Node interface {
	// ID returns the node's stable identifier.
	ID() string
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// CompareAndDelete removes key only if its value equals expected.
	CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error)
	// Close releases the node's connection resources.
	Close() error
}
