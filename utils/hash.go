package utils

import (
	"fmt"
	"hash/fnv"
)

// HashKey returns a stable fnv64a digest of the given parts, hex encoded.
func HashKey(parts ...[]byte) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
