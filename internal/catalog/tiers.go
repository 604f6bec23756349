package catalog

// Entry defines the entitlements for one tier.
type Entry struct {
	Tier       Tier
	Limits     Limits
	Features   map[Capability]bool
	RateLimits map[EndpointClass]int // requests per window
}

// catalog is the hardcoded tier table. Changes here require a Version bump
// and must keep higher tiers a superset of lower ones (see Validate).
var catalog = map[Tier]Entry{
	TierStarter: {
		Tier: TierStarter,
		Limits: Limits{
			MaxExternalUsers:   25,
			MaxLibraries:       25,
			APICallsPerMonth:   10_000,
			MaxClientSpaces:    0,
			AuditRetentionDays: 30,
			MaxAdmins:          1,
		},
		Features: map[Capability]bool{
			CapViewSubscription:   true,
			CapListLibraries:      true,
			CapInviteExternalUser: true,
			CapRemoveExternalUser: true,
			CapCreateLibrary:      true,
			CapAddAdmin:           true,
			CapAPIAccess:          true,
		},
		RateLimits: map[EndpointClass]int{
			ClassRead:   120,
			ClassWrite:  30,
			ClassExport: 5,
		},
	},
	TierProfessional: {
		Tier: TierProfessional,
		Limits: Limits{
			MaxExternalUsers:   100,
			MaxLibraries:       100,
			APICallsPerMonth:   100_000,
			MaxClientSpaces:    0,
			AuditRetentionDays: 90,
			MaxAdmins:          3,
		},
		Features: map[Capability]bool{
			CapViewSubscription:   true,
			CapListLibraries:      true,
			CapInviteExternalUser: true,
			CapRemoveExternalUser: true,
			CapCreateLibrary:      true,
			CapAddAdmin:           true,
			CapAPIAccess:          true,
			CapExportAuditLog:     true,
			CapBulkInvite:         true,
		},
		RateLimits: map[EndpointClass]int{
			ClassRead:   300,
			ClassWrite:  120,
			ClassExport: 20,
		},
	},
	TierBusiness: {
		Tier: TierBusiness,
		Limits: Limits{
			MaxExternalUsers:   500,
			MaxLibraries:       500,
			APICallsPerMonth:   1_000_000,
			MaxClientSpaces:    25,
			AuditRetentionDays: 365,
			MaxAdmins:          10,
		},
		Features: map[Capability]bool{
			CapViewSubscription:   true,
			CapListLibraries:      true,
			CapInviteExternalUser: true,
			CapRemoveExternalUser: true,
			CapCreateLibrary:      true,
			CapCreateClientSpace:  true,
			CapAddAdmin:           true,
			CapAPIAccess:          true,
			CapExportAuditLog:     true,
			CapBulkInvite:         true,
			CapManageBranding:     true,
			CapPrioritySupport:    true,
		},
		RateLimits: map[EndpointClass]int{
			ClassRead:   600,
			ClassWrite:  300,
			ClassExport: 60,
		},
	},
	TierEnterprise: {
		Tier: TierEnterprise,
		Limits: Limits{
			MaxExternalUsers:   Unlimited,
			MaxLibraries:       Unlimited,
			APICallsPerMonth:   Unlimited,
			MaxClientSpaces:    Unlimited,
			AuditRetentionDays: Unlimited,
			MaxAdmins:          Unlimited,
		},
		Features: map[Capability]bool{
			CapViewSubscription:   true,
			CapListLibraries:      true,
			CapInviteExternalUser: true,
			CapRemoveExternalUser: true,
			CapCreateLibrary:      true,
			CapCreateClientSpace:  true,
			CapAddAdmin:           true,
			CapAPIAccess:          true,
			CapExportAuditLog:     true,
			CapBulkInvite:         true,
			CapManageBranding:     true,
			CapCustomRetention:    true,
			CapPrioritySupport:    true,
		},
		RateLimits: map[EndpointClass]int{
			ClassRead:   1200,
			ClassWrite:  600,
			ClassExport: 120,
		},
	},
}

// capabilityLimits maps each limit-consuming capability to its dimension.
var capabilityLimits = map[Capability]LimitKey{
	CapInviteExternalUser: LimitExternalUsers,
	CapBulkInvite:         LimitExternalUsers,
	CapCreateLibrary:      LimitLibraries,
	CapCreateClientSpace:  LimitClientSpaces,
	CapAddAdmin:           LimitAdmins,
	CapAPIAccess:          LimitAPICallsMonthly,
}
