package ratelimit

// Helper constructors build the descriptor set for a typical inbound
// request, per §4.4.3's "most restrictive wins" composite: user, project
// (tenant-wide), client IP, and per-endpoint limits are all checked, and
// every one must pass.

// UserDescriptor builds a sliding-window check scoped to one user within a
// tenant.
func UserDescriptor(userID string, cfg Config, cost int64) Descriptor {
	return Descriptor{Kind: KindUser, Identifier: userID, Cost: cost, Config: cfg}
}

// ProjectDescriptor builds a tenant-wide sliding-window check; identifier is
// the tenant ID itself so the key is shared by every caller in that tenant.
func ProjectDescriptor(tenantID string, cfg Config, cost int64) Descriptor {
	return Descriptor{Kind: KindProject, Identifier: tenantID, Cost: cost, Config: cfg}
}

// IPDescriptor builds a client-IP sliding-window check.
func IPDescriptor(ip string, cfg Config, cost int64) Descriptor {
	return Descriptor{Kind: KindIP, Identifier: ip, Cost: cost, Config: cfg}
}

// EndpointDescriptor looks up the configured limit for a normalized path,
// falling back to fallback when the path has no specific entry.
func EndpointDescriptor(path string, cost int64, fallback Config) Descriptor {
	normalized := NormalizeEndpoint(path)
	cfg, ok := EndpointLimits[normalized]
	if !ok {
		cfg = fallback
	}
	return Descriptor{Kind: KindEndpoint, Identifier: normalized, Cost: cost, Config: cfg}
}

// StandardDescriptors assembles the default composite set described in
// §4.4.3: user limit, tenant-wide project limit, client IP limit, and the
// per-endpoint limit (or defaultEndpoint if the path isn't in EndpointLimits).
func StandardDescriptors(tenantID, userID, ip, path string, cost int64, defaultEndpoint Config) []Descriptor {
	return []Descriptor{
		UserDescriptor(userID, DefaultUserLimit(), cost),
		ProjectDescriptor(tenantID, DefaultProjectLimit(), cost),
		IPDescriptor(ip, DefaultIPLimit(), cost),
		EndpointDescriptor(path, cost, defaultEndpoint),
	}
}
