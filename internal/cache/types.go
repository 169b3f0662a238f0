// Package cache implements C6: tenant-scoped project-data caching, user
// sessions, and operation progress trackers, all layered on the same
// tenant-isolated Redis pool as the rest of the core.
//
// Grounded on cache_manager.py (original_source) for the operation shapes
// (cache/invalidate/session/progress) and teacher's internal/cache.Handler
// for the Go Get/Set/Stats API shape and goccy/go-json entry encoding.
package cache

import "time"

// Entry is a cached value with tag-based invalidation and optimistic
// versioning, mirroring cache_manager.py's ProjectCache entity.
type Entry struct {
	Key         string         `json:"key"`
	Data        map[string]any `json:"data"`
	Version     int64          `json:"version"`
	Tags        []string       `json:"tags"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
	AccessCount int64          `json:"access_count"`
	LastAccess  time.Time      `json:"last_access"`
}

func (e Entry) isExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

func (e Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Session is a single-session-per-user authentication record, mirroring
// cache_manager.py's UserSession entity.
type Session struct {
	SessionID      string         `json:"session_id"`
	UserID         string         `json:"user_id"`
	UserData       map[string]any `json:"user_data"`
	ProjectAccess  []string       `json:"project_access"`
	CreatedAt      time.Time      `json:"created_at"`
	LastActivityAt time.Time      `json:"last_activity_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Active         bool           `json:"active"`
}

func (s Session) isValid(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

func (s Session) hasProjectAccess(projectID string) bool {
	for _, p := range s.ProjectAccess {
		if p == projectID {
			return true
		}
	}
	return false
}

// Progress is a long-running-operation tracker, mirroring cache_manager.py's
// Progress entity. Step messages are capped to the most recent N to keep
// the record bounded.
type Progress struct {
	CorrelationID string    `json:"correlation_id"`
	TotalSteps    int       `json:"total_steps"`
	CurrentStep   int       `json:"current_step"`
	Message       string    `json:"message"`
	StepMessages  []string  `json:"step_messages"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

const maxStepMessages = 50

func (p Progress) Percentage() float64 {
	if p.TotalSteps == 0 {
		return 0
	}
	return float64(p.CurrentStep) / float64(p.TotalSteps) * 100
}

func (p Progress) IsCompleted() bool { return p.CompletedAt != nil && p.ErrorMessage == "" }
func (p Progress) IsFailed() bool    { return p.ErrorMessage != "" }
func (p Progress) IsActive() bool    { return !p.IsCompleted() && !p.IsFailed() }

const (
	// DefaultEntryTTL mirrors TTL.project_data()'s default.
	DefaultEntryTTL = time.Hour
	// DefaultSessionTTL mirrors UserSession's 2-hour default window.
	DefaultSessionTTL = 2 * time.Hour
	// DefaultProgressTTL is the refresh window for progress trackers.
	DefaultProgressTTL = 30 * time.Minute
)

func entryKey(key string) string       { return "cache:entry:" + key }
func tagIndexKey(tag string) string    { return "cache:tag:" + tag }
func sessionKey(sessionID string) string { return "cache:session:" + sessionID }
func userSessionsKey(userID string) string { return "cache:user_sessions:" + userID }
func progressKey(correlationID string) string { return "cache:progress:" + correlationID }

// tenantTag is the tag every entry carries automatically, per
// cache_manager.py's "Add project tag automatically" — required so
// InvalidateTenant can find every entry belonging to a tenant regardless of
// what other tags it was stored with.
func tenantTag(tenantID string) string { return "tenant:" + tenantID }
