package health

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/arcbound/tenantcore/pkg/tenant"
)

// Alert is an active or historical rule firing, mirroring alert_manager.py's
// Alert dataclass. Tenant is a mandatory field on every alert; every rule
// currently registered via DefaultRules is infrastructure-wide rather than
// scoped to a client tenant, so Tenant is always tenant.Admin here — the
// designated system tenant already used elsewhere for non-tenant-scoped
// admin-path operations (agent config, health sampling), not an invented
// magic UUID.
type Alert struct {
	ID           string
	RuleID       string
	Tenant       string
	Category     Category
	Severity     Severity
	Title        string
	Message      string
	CurrentValue float64
	Threshold    float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
	Acknowledged   bool
	AcknowledgedBy string
}

func (a *Alert) acknowledge(by string) {
	a.Acknowledged = true
	a.AcknowledgedBy = by
	a.UpdatedAt = time.Now().UTC()
}

func (a *Alert) resolve() {
	now := time.Now().UTC()
	a.ResolvedAt = &now
	a.UpdatedAt = now
}

type ruleState struct {
	rule         Rule
	lastFiredAt  time.Time
	suppressedAt time.Time
	active       *Alert
	seq          int
}

// Manager evaluates registered rules against samples, applying the same
// cooldown/suppression state machine as alert_manager.py's
// _should_evaluate_rule/_trigger_alert/_cleanup_suppressions: every firing
// starts both the rule's cooldown window and its suppression window, and
// the rule fires no new alert until both have elapsed since that firing,
// whether or not the condition cleared in between. While an alert is
// active and the condition stays breached, only its value is updated.
type Manager struct {
	mu      sync.Mutex
	states  map[string]*ruleState
	history []Alert
}

// NewManager builds a Manager over rules, in registration order.
func NewManager(rules []Rule) *Manager {
	states := make(map[string]*ruleState, len(rules))
	for _, r := range rules {
		states[r.ID] = &ruleState{rule: r}
	}
	return &Manager{states: states}
}

// Evaluate runs every registered rule against sample and returns the alerts
// newly fired on this call (not ones still active from a prior call).
func (m *Manager) Evaluate(sample Sample) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var fired []Alert
	for _, st := range m.states {
		breached, value := st.rule.Check(sample)

		if !breached {
			if st.active != nil {
				st.active.resolve()
				st.active = nil
			}
			continue
		}

		if st.active != nil {
			// Already firing; just keep the value current.
			st.active.CurrentValue = value
			st.active.UpdatedAt = now
			continue
		}

		if !st.lastFiredAt.IsZero() && now.Sub(st.lastFiredAt) < st.rule.cooldown() {
			continue
		}
		if !st.suppressedAt.IsZero() && now.Sub(st.suppressedAt) < st.rule.suppression() {
			continue
		}

		st.seq++
		alert := Alert{
			ID:           st.rule.ID + "-" + strconv.Itoa(st.seq),
			RuleID:       st.rule.ID,
			Tenant:       tenant.Admin,
			Category:     st.rule.Category,
			Severity:     st.rule.Severity,
			Title:        st.rule.Name,
			Message:      st.rule.Description,
			CurrentValue: value,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		st.active = &alert
		st.lastFiredAt = now
		st.suppressedAt = now
		m.history = append(m.history, alert)
		fired = append(fired, alert)

		AlertsFiredTotal.WithLabelValues(st.rule.ID, string(st.rule.Severity)).Inc()
	}
	return fired
}

// Active returns every currently-firing alert.
func (m *Manager) Active() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Alert
	for _, st := range m.states {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	return out
}

// Acknowledge marks a rule's currently active alert acknowledged, recording
// who acknowledged it, mirroring alert_manager.py's acknowledge_alert(alert_id, by).
func (m *Manager) Acknowledge(ruleID, by string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ruleID]
	if !ok || st.active == nil {
		return false
	}
	st.active.acknowledge(by)
	return true
}

// Resolve manually resolves a rule's currently active alert (Active or
// Acknowledged -> Resolved), mirroring alert_manager.py's resolve_alert.
// Resolved is terminal per §3; a subsequent breach of the same rule starts
// a fresh Active alert instance.
func (m *Manager) Resolve(ruleID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ruleID]
	if !ok || st.active == nil {
		return false
	}
	st.active.resolve()
	st.active = nil
	return true
}

// Suppress mutes future triggers of ruleID for the given duration and
// resolves its currently active alert, mirroring alert_manager.py's
// suppress_alert. d is rounded up to whole hours and also replaces the
// rule's suppression window for every later firing. A zero or negative
// duration mutes the rule effectively indefinitely (2^20 hours); Resolve
// does not lift a suppression.
func (m *Manager) Suppress(ruleID string, d time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[ruleID]
	if !ok {
		return false
	}
	if st.active != nil {
		st.active.resolve()
		st.active = nil
	}
	st.rule.SuppressionHours = int(math.Ceil(d.Hours()))
	if st.rule.SuppressionHours <= 0 {
		st.rule.SuppressionHours = 1 << 20 // effectively indefinite
	}
	st.suppressedAt = time.Now().UTC()
	return true
}
