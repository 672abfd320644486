package cache

import (
	"strconv"
	"strings"
	"time"
)

const (
	// MinTTL and MaxTTL bound the TTL a cache name may request.
	MinTTL = time.Second
	MaxTTL = 24 * time.Hour

	ttlMarker = ":ttl="
)

// ParseName splits a cache name of the form "<base>(:ttl=<seconds>)?". When
// the suffix is present and parses as a positive integer, ok is true and ttl
// carries the clamped duration. A malformed suffix is treated as part of the
// base name.
func ParseName(name string) (base string, ttl time.Duration, ok bool) {
	idx := strings.LastIndex(name, ttlMarker)
	if idx < 0 {
		return name, 0, false
	}
	raw := name[idx+len(ttlMarker):]
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return name, 0, false
	}
	return name[:idx], ClampTTL(time.Duration(seconds) * time.Second), true
}

// ClampTTL forces a requested TTL into the supported window.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Name composes the full cache name for a base and an effective TTL.
func Name(base string, ttl time.Duration) string {
	return base + ttlMarker + strconv.Itoa(int(ttl/time.Second))
}
