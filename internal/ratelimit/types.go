// Package ratelimit implements C4: sliding-window and token-bucket
// distributed rate limiting via atomic server-side scripts, plus the
// composite user/tenant/ip/endpoint evaluator and its fail-open policy.
// Grounded on original_source's rate_limiter.py (exact algorithms and
// default limits) and internal/resilience (DistributedLimiter interface
// shape, RedisLimiter's use of redis scripting).
package ratelimit

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies which dimension a check applies to.
type Kind string

const (
	KindUser     Kind = "user"
	KindProject  Kind = "project"
	KindIP       Kind = "ip"
	KindEndpoint Kind = "endpoint"
)

// Cost models the default request costs from §4.4.3.
const (
	CostRead = 1
	CostWrite = 2
)

// Config is one sliding-window or token-bucket rule.
type Config struct {
	Limit    int64 // sliding window: requests per window; token bucket: capacity
	Window   time.Duration
	Rate     float64 // token bucket refill rate, tokens/sec (ignored for sliding window)
	IsBucket bool
}

// DefaultUserLimit: 1000 req/hour, grounded on rate_limiter.py's
// DEFAULT_USER_LIMIT.
func DefaultUserLimit() Config { return Config{Limit: 1000, Window: time.Hour} }

// DefaultProjectLimit: 5000 req/hour (tenant-wide).
func DefaultProjectLimit() Config { return Config{Limit: 5000, Window: time.Hour} }

// DefaultIPLimit: 100 req/minute.
func DefaultIPLimit() Config { return Config{Limit: 100, Window: time.Minute} }

// EndpointLimits mirrors rate_limiter.py's API_ENDPOINT_LIMITS, keyed on a
// normalized path (dynamic segments collapsed to "id").
var EndpointLimits = map[string]Config{
	"/api/v1/documents": {Limit: 50, Window: time.Minute},
	"/api/v1/agents":    {Limit: 20, Window: time.Minute},
	"/api/v1/projects":  {Limit: 30, Window: time.Minute},
}

// Result is the outcome of a single check, shaped for a thin HTTP layer to
// map directly onto the 429 headers in §6.
type Result struct {
	Allowed      bool
	Current      int64
	Remaining    int64
	Limit        int64
	Window       time.Duration
	ResetSeconds int64
	RetryAfter   int64
	Identifier   string
	Kind         Kind
}

// Descriptor names one applicable check for a composite evaluation.
type Descriptor struct {
	Kind       Kind
	Identifier string
	Cost       int64
	Config     Config
}

func slidingWindowKey(identifier string, kind Kind, windowSeconds int64) string {
	return fmt.Sprintf("rate_limit:%s:%s:%d", kind, identifier, windowSeconds)
}

func tokenBucketKey(identifier string) string {
	return fmt.Sprintf("rate_limit:token_bucket:%s", identifier)
}

// NormalizeEndpoint collapses numeric/UUID path segments to "id" so
// per-endpoint limits apply regardless of the specific resource addressed,
// e.g. "/api/v1/projects/3fa8.../documents" -> "/api/v1/projects/id/documents".
func NormalizeEndpoint(path string) string {
	segments := splitPath(path)
	for i, seg := range segments {
		if looksLikeID(seg) {
			segments[i] = "id"
		}
	}
	return joinPath(segments)
}

func splitPath(path string) []string {
	raw := strings.Split(path, "/")
	segs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

func joinPath(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	return "/" + strings.Join(segs, "/")
}

func looksLikeID(seg string) bool {
	if len(seg) == 0 {
		return false
	}
	allDigits := true
	for _, r := range seg {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return true
	}
	// UUID shape: 8-4-4-4-12 hex groups.
	return len(seg) == 36 && seg[8] == '-' && seg[13] == '-' && seg[18] == '-' && seg[23] == '-'
}
