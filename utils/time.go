package utils

import "time"

// ResolveTTL returns the TTL to apply: the explicit override when given,
// otherwise the default.
func ResolveTTL(defaultTTL time.Duration, ttl ...time.Duration) time.Duration {

	if len(ttl) > 0 {
		return ttl[0]
	}

	return defaultTTL
}
