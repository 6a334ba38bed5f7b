package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// DigestKey returns the MD5 hex digest of s. Used wherever the design keys
// a cache by a single input string.
func DigestKey(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SearchKey builds the canonical cache key for a search: the MD5 of the
// query, image path, filters sorted by key, and limit. Identical logical
// requests always produce the same key regardless of filter map order.
func SearchKey(query, imagePath string, filters map[string]any, limit int) string {
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(query)
	b.WriteByte(0x1f)
	b.WriteString(imagePath)
	for _, k := range keys {
		b.WriteByte(0x1f)
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", filters[k])
	}
	fmt.Fprintf(&b, "\x1f%d", limit)
	return DigestKey(b.String())
}

// PairKey builds a symmetric-free key from two digests, for caches keyed by
// an ordered pair such as conflict adjudications.
func PairKey(a, b string) string {
	return a + ":" + b
}
