package cinder

import (
	"errors"
)

var (
	// ErrInvalidTTL is returned when a caller supplies a non-positive TTL.
	ErrInvalidTTL = errors.New("ttl must be positive")

	// ErrKeyNotFound reports a definite miss on an operation that needs to
	// distinguish absence from failure.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSerialization wraps encode/decode failures. These are misuse errors
	// and are surfaced to the caller, never swallowed.
	ErrSerialization = errors.New("serialization failed")

	// ErrBackendUnavailable wraps any transport, timeout or open-breaker
	// failure on the remote tier. Callers inside the cache treat it as a
	// miss; it never crosses the cache boundary as a fatal condition.
	ErrBackendUnavailable = errors.New("cache backend unavailable")
)
