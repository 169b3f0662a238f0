package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/arcbound/tenantcore/internal/connfactory"
	"github.com/arcbound/tenantcore/pkg/corerr"
)

func (c *Cache) getSession(ctx context.Context, tc connfactory.TenantConn, sessionID string) (*Session, error) {
	raw, err := tc.Get(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, nil
	}
	return &s, nil
}

func (c *Cache) putSession(ctx context.Context, tc connfactory.TenantConn, s Session, ttl time.Duration) error {
	body, err := json.Marshal(s)
	if err != nil {
		return corerr.NewInvalidArgument("session is not serializable: " + err.Error())
	}
	return tc.Set(ctx, sessionKey(s.SessionID), string(body), ttl)
}

// CreateSession creates a new session for userID, first invalidating any
// existing session for that user (single-session-per-user policy, per
// cache_manager.py's create_session / "single session policy" comment).
func (c *Cache) CreateSession(ctx context.Context, tenantID, userID string, userData map[string]any, projectAccess []string, ttl time.Duration) (*Session, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	now := time.Now().UTC()
	session := Session{
		SessionID:      uuid.New().String(),
		UserID:         userID,
		UserData:       userData,
		ProjectAccess:  append([]string{}, projectAccess...),
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(ttl),
		Active:         true,
	}

	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		if existingID, err := tc.Get(ctx, userSessionsKey(userID)); err == nil && existingID != "" {
			_, _ = tc.Del(ctx, sessionKey(existingID))
		}
		if err := c.putSession(ctx, tc, session, ttl); err != nil {
			return err
		}
		return tc.Set(ctx, userSessionsKey(userID), session.SessionID, ttl)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// ValidateSession returns the session if it exists and is active and
// unexpired, sliding its expiration forward by DefaultSessionTTL on every
// successful validation (matching SessionManagementService.validate_session).
// A missing, expired, or inactive session returns (nil, nil) and, for an
// expired/inactive record, deletes the stale key.
func (c *Cache) ValidateSession(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	var result *Session
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		session, err := c.getSession(ctx, tc, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return nil
		}
		now := time.Now().UTC()
		if !session.isValid(now) {
			_, _ = tc.Del(ctx, sessionKey(sessionID))
			return nil
		}

		session.LastActivityAt = now
		session.ExpiresAt = now.Add(DefaultSessionTTL)
		if err := c.putSession(ctx, tc, *session, DefaultSessionTTL); err != nil {
			return err
		}
		result = session
		return nil
	})
	return result, err
}

// RevokeSession flips a session inactive; reason is recorded for operator
// visibility only (no behavioral difference between reasons).
func (c *Cache) RevokeSession(ctx context.Context, tenantID, sessionID, reason string) error {
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		session, err := c.getSession(ctx, tc, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return corerr.NewKeyNotFound(tenantID, sessionID)
		}
		session.Active = false
		ttl, err := tc.TTL(ctx, sessionKey(sessionID))
		if err != nil || ttl <= 0 {
			ttl = time.Minute
		}
		return c.putSession(ctx, tc, *session, ttl)
	})
}

// GrantProjectAccess adds projectID to a session's access list. This is a
// plain read-modify-write under the per-connection factory, not a
// script-backed atomic update; concurrent grants on the same session can
// race.
func (c *Cache) GrantProjectAccess(ctx context.Context, tenantID, sessionID, projectID string) error {
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		session, err := c.getSession(ctx, tc, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return corerr.NewKeyNotFound(tenantID, sessionID)
		}
		if !session.hasProjectAccess(projectID) {
			session.ProjectAccess = append(session.ProjectAccess, projectID)
		}
		ttl, err := tc.TTL(ctx, sessionKey(sessionID))
		if err != nil || ttl <= 0 {
			ttl = DefaultSessionTTL
		}
		return c.putSession(ctx, tc, *session, ttl)
	})
}
