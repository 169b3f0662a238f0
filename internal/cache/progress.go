package cache

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/arcbound/tenantcore/pkg/corerr"

	"github.com/arcbound/tenantcore/internal/connfactory"
)

func (c *Cache) getProgress(ctx context.Context, tc connfactory.TenantConn, correlationID string) (*Progress, error) {
	raw, err := tc.Get(ctx, progressKey(correlationID))
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var p Progress
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, nil
	}
	return &p, nil
}

func (c *Cache) putProgress(ctx context.Context, tc connfactory.TenantConn, p Progress) error {
	body, err := json.Marshal(p)
	if err != nil {
		return corerr.NewInvalidArgument("progress is not serializable: " + err.Error())
	}
	return tc.Set(ctx, progressKey(p.CorrelationID), string(body), DefaultProgressTTL)
}

func appendStepMessage(p *Progress, message string) {
	if len(p.StepMessages) == 0 || p.StepMessages[len(p.StepMessages)-1] != message {
		p.StepMessages = append(p.StepMessages, message)
		if len(p.StepMessages) > maxStepMessages {
			p.StepMessages = p.StepMessages[len(p.StepMessages)-maxStepMessages:]
		}
	}
}

// StartProgress creates a tracker for a correlation ID with totalSteps steps.
func (c *Cache) StartProgress(ctx context.Context, tenantID, correlationID string, totalSteps int) error {
	if totalSteps <= 0 {
		return corerr.NewInvalidArgument("total_steps must be positive")
	}
	now := time.Now().UTC()
	p := Progress{CorrelationID: correlationID, TotalSteps: totalSteps, StartedAt: now, UpdatedAt: now}
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		return c.putProgress(ctx, tc, p)
	})
}

// UpdateStep sets the tracker's current step and message, refreshing its
// TTL (progress trackers use a sliding 30-minute window, per §4.6).
func (c *Cache) UpdateStep(ctx context.Context, tenantID, correlationID string, step int, message string) error {
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		p, err := c.getProgress(ctx, tc, correlationID)
		if err != nil {
			return err
		}
		if p == nil {
			return corerr.NewKeyNotFound(tenantID, correlationID)
		}
		if step < 0 || step > p.TotalSteps {
			return corerr.NewInvalidArgument("step out of range")
		}
		p.CurrentStep = step
		p.Message = message
		p.UpdatedAt = time.Now().UTC()
		appendStepMessage(p, message)
		return c.putProgress(ctx, tc, *p)
	})
}

// Increment advances the tracker by one step.
func (c *Cache) Increment(ctx context.Context, tenantID, correlationID, message string) error {
	var current int
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		p, err := c.getProgress(ctx, tc, correlationID)
		if err != nil {
			return err
		}
		if p == nil {
			return corerr.NewKeyNotFound(tenantID, correlationID)
		}
		current = p.CurrentStep
		return nil
	})
	if err != nil {
		return err
	}
	return c.UpdateStep(ctx, tenantID, correlationID, current+1, message)
}

// CompleteProgress marks a tracker completed at its final step.
func (c *Cache) CompleteProgress(ctx context.Context, tenantID, correlationID, message string) error {
	if message == "" {
		message = "Operation completed"
	}
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		p, err := c.getProgress(ctx, tc, correlationID)
		if err != nil {
			return err
		}
		if p == nil {
			return corerr.NewKeyNotFound(tenantID, correlationID)
		}
		now := time.Now().UTC()
		p.CurrentStep = p.TotalSteps
		p.Message = message
		p.CompletedAt = &now
		p.UpdatedAt = now
		return c.putProgress(ctx, tc, *p)
	})
}

// FailProgress records a terminal error on a tracker.
func (c *Cache) FailProgress(ctx context.Context, tenantID, correlationID, errMsg string) error {
	return c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		p, err := c.getProgress(ctx, tc, correlationID)
		if err != nil {
			return err
		}
		if p == nil {
			return corerr.NewKeyNotFound(tenantID, correlationID)
		}
		p.ErrorMessage = errMsg
		p.UpdatedAt = time.Now().UTC()
		return c.putProgress(ctx, tc, *p)
	})
}

// GetProgress returns the current tracker state, or nil if not found.
func (c *Cache) GetProgress(ctx context.Context, tenantID, correlationID string) (*Progress, error) {
	var result *Progress
	err := c.factory.WithConnection(ctx, tenantID, func(ctx context.Context, tc connfactory.TenantConn) error {
		p, err := c.getProgress(ctx, tc, correlationID)
		if err != nil {
			return err
		}
		result = p
		return nil
	})
	return result, err
}
