// Package tenant defines the identifier type every coordination-core
// operation is scoped by, and the key-prefixing rule that enforces
// isolation between tenants sharing one Redis endpoint.
package tenant

import (
	"fmt"

	"github.com/google/uuid"
)

// Admin is the designated system tenant used for infrastructure-wide
// concerns (agent config, health sampling) that are mediated through the
// admin connection rather than a per-tenant pool. It is never derived from
// client input.
const Admin = "admin"

// ID is a validated tenant identifier: a 36-char lowercase hyphenated UUID,
// or the sentinel Admin value.
type ID string

// Parse validates s as a tenant identifier. Any string that is not a valid
// UUID and not the Admin sentinel is rejected before any I/O is attempted,
// per the isolation invariant: no key is ever derived from an unchecked
// tenant string.
func Parse(s string) (ID, error) {
	if s == Admin {
		return ID(Admin), nil
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidTenant, s)
	}
	return ID(parsed.String()), nil
}

// ErrInvalidTenant is returned by Parse when the input is neither Admin nor
// a well-formed UUID.
var ErrInvalidTenant = fmt.Errorf("tenant id must be a UUID or %q", Admin)

// Prefix returns the deterministic key prefix for this tenant: every Redis
// key the core reads or writes for this tenant begins with this string.
func (t ID) Prefix() string {
	return fmt.Sprintf("proj:%s:", string(t))
}

// Key rewrites a logical key into its tenant-prefixed physical form.
func (t ID) Key(logical string) string {
	return t.Prefix() + logical
}

// String returns the raw identifier.
func (t ID) String() string {
	return string(t)
}
