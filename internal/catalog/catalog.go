// Package catalog defines the entitlement catalog: the static, versioned
// mapping from subscription tier to capabilities and numeric limits.
package catalog

import (
	"fmt"
)

// Version identifies the catalog revision. Bump when tiers, capabilities,
// or limits change so audit detail payloads stay interpretable.
const Version = 1

// Unlimited is the sentinel for limits without a numeric ceiling.
// It is never represented as a large integer.
const Unlimited = -1

// Tier identifies a subscription level. Tiers are totally ordered:
// Starter < Professional < Business < Enterprise.
type Tier string

const (
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierBusiness     Tier = "business"
	TierEnterprise   Tier = "enterprise"
)

// tierOrder defines the total order used for comparisons and upgrade hints.
var tierOrder = []Tier{TierStarter, TierProfessional, TierBusiness, TierEnterprise}

// Index returns the tier's position in the total order, or -1 if unknown.
func (t Tier) Index() int {
	for i, tier := range tierOrder {
		if tier == t {
			return i
		}
	}
	return -1
}

// AtLeast reports whether t is the same tier as other or a higher one.
func (t Tier) AtLeast(other Tier) bool {
	ti, oi := t.Index(), other.Index()
	return ti >= 0 && oi >= 0 && ti >= oi
}

// Valid reports whether the tier is recognised.
func (t Tier) Valid() bool {
	return t.Index() >= 0
}

// ParseTier normalises a tier name from external input (billing events, API).
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("catalog: unknown tier %q", s)
	}
	return t, nil
}

// Tiers returns all tiers in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// Capability names an operation a tenant may be entitled to perform.
type Capability string

const (
	CapViewSubscription   Capability = "viewSubscription"
	CapListLibraries      Capability = "listLibraries"
	CapInviteExternalUser Capability = "inviteExternalUser"
	CapRemoveExternalUser Capability = "removeExternalUser"
	CapCreateLibrary      Capability = "createLibrary"
	CapCreateClientSpace  Capability = "createClientSpace"
	CapAddAdmin           Capability = "addAdmin"
	CapAPIAccess          Capability = "apiAccess"
	CapExportAuditLog     Capability = "exportAuditLog"
	CapBulkInvite         Capability = "bulkInvite"
	CapManageBranding     Capability = "manageBranding"
	CapCustomRetention    Capability = "customRetention"
	CapPrioritySupport    Capability = "prioritySupport"
)

// ReadOnly is the set of capabilities that remain available to cancelled
// and expired subscriptions so tenants can still see their own data.
var ReadOnly = map[Capability]bool{
	CapViewSubscription: true,
	CapListLibraries:    true,
	CapExportAuditLog:   true,
}

// LimitKey names a numeric limit dimension.
type LimitKey string

const (
	LimitExternalUsers   LimitKey = "maxExternalUsers"
	LimitLibraries       LimitKey = "maxLibraries"
	LimitAPICallsMonthly LimitKey = "apiCallsPerMonth"
	LimitClientSpaces    LimitKey = "maxClientSpaces"
	LimitAuditRetention  LimitKey = "auditRetentionDays"
	LimitAdmins          LimitKey = "maxAdmins"
)

// Limits holds the numeric ceilings for one tier. Unlimited means no ceiling.
type Limits struct {
	MaxExternalUsers   int `json:"maxExternalUsers"`
	MaxLibraries       int `json:"maxLibraries"`
	APICallsPerMonth   int `json:"apiCallsPerMonth"`
	MaxClientSpaces    int `json:"maxClientSpaces"`
	AuditRetentionDays int `json:"auditRetentionDays"`
	MaxAdmins          int `json:"maxAdmins"`
}

// Get returns the value for a named limit dimension.
func (l Limits) Get(key LimitKey) (int, bool) {
	switch key {
	case LimitExternalUsers:
		return l.MaxExternalUsers, true
	case LimitLibraries:
		return l.MaxLibraries, true
	case LimitAPICallsMonthly:
		return l.APICallsPerMonth, true
	case LimitClientSpaces:
		return l.MaxClientSpaces, true
	case LimitAuditRetention:
		return l.AuditRetentionDays, true
	case LimitAdmins:
		return l.MaxAdmins, true
	default:
		return 0, false
	}
}

// limitKeys enumerates every dimension for monotonicity validation.
var limitKeys = []LimitKey{
	LimitExternalUsers,
	LimitLibraries,
	LimitAPICallsMonthly,
	LimitClientSpaces,
	LimitAuditRetention,
	LimitAdmins,
}

// EndpointClass buckets API routes for rate limiting.
type EndpointClass string

const (
	ClassRead   EndpointClass = "read"
	ClassWrite  EndpointClass = "write"
	ClassExport EndpointClass = "export"
)

var endpointClasses = []EndpointClass{ClassRead, ClassWrite, ClassExport}

// EndpointClasses returns all rate-limit classes.
func EndpointClasses() []EndpointClass {
	out := make([]EndpointClass, len(endpointClasses))
	copy(out, endpointClasses)
	return out
}

// LimitsFor returns the numeric limits for a tier. Unknown tiers get the
// lowest tier's limits, matching how unrecognised plans degrade elsewhere.
func LimitsFor(tier Tier) Limits {
	e, ok := catalog[tier]
	if !ok {
		return catalog[TierStarter].Limits
	}
	return e.Limits
}

// FeaturesFor returns the capability set granted by a tier.
func FeaturesFor(tier Tier) map[Capability]bool {
	e, ok := catalog[tier]
	if !ok {
		e = catalog[TierStarter]
	}
	out := make(map[Capability]bool, len(e.Features))
	for c := range e.Features {
		out[c] = true
	}
	return out
}

// HasFeature reports whether a tier grants a capability.
func HasFeature(tier Tier, cap Capability) bool {
	e, ok := catalog[tier]
	if !ok {
		e = catalog[TierStarter]
	}
	return e.Features[cap]
}

// MinimumTierFor returns the lowest tier that grants a capability.
// ok is false when no tier grants it.
func MinimumTierFor(cap Capability) (Tier, bool) {
	for _, tier := range tierOrder {
		if catalog[tier].Features[cap] {
			return tier, true
		}
	}
	return "", false
}

// RateLimitFor returns the per-window request ceiling for a tier and
// endpoint class. Looked up fresh on every check so a mid-window tier
// change applies on the next request.
func RateLimitFor(tier Tier, class EndpointClass) int {
	e, ok := catalog[tier]
	if !ok {
		e = catalog[TierStarter]
	}
	limit, ok := e.RateLimits[class]
	if !ok {
		return e.RateLimits[ClassRead]
	}
	return limit
}

// LimitKeyFor returns the limit dimension a capability consumes, if any.
// Handlers use this to attach usage counts to authorization requests.
func LimitKeyFor(cap Capability) (LimitKey, bool) {
	key, ok := capabilityLimits[cap]
	return key, ok
}

// Validate checks the catalog's structural invariants: every tier present,
// limits and rate limits monotonically non-decreasing up the tier order, and
// features forming supersets. Called once at startup; a failure means the
// binary must not serve traffic.
func Validate() error {
	for _, tier := range tierOrder {
		if _, ok := catalog[tier]; !ok {
			return fmt.Errorf("catalog: tier %q missing from catalog", tier)
		}
	}

	for i := 1; i < len(tierOrder); i++ {
		lower, higher := tierOrder[i-1], tierOrder[i]
		lo, hi := catalog[lower], catalog[higher]

		for _, key := range limitKeys {
			lv, _ := lo.Limits.Get(key)
			hv, _ := hi.Limits.Get(key)
			if !limitGTE(hv, lv) {
				return fmt.Errorf("catalog: limit %s regresses from %s (%d) to %s (%d)",
					key, lower, lv, higher, hv)
			}
		}

		for cap := range lo.Features {
			if !hi.Features[cap] {
				return fmt.Errorf("catalog: capability %s granted by %s but not by %s",
					cap, lower, higher)
			}
		}

		for _, class := range endpointClasses {
			if hi.RateLimits[class] < lo.RateLimits[class] {
				return fmt.Errorf("catalog: rate limit %s regresses from %s (%d) to %s (%d)",
					class, lower, lo.RateLimits[class], higher, hi.RateLimits[class])
			}
		}
	}

	for cap, key := range capabilityLimits {
		found := false
		for _, k := range limitKeys {
			if k == key {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("catalog: capability %s maps to unknown limit %s", cap, key)
		}
	}

	return nil
}

// limitGTE compares limit values treating Unlimited as greater than any number.
func limitGTE(a, b int) bool {
	if a == Unlimited {
		return true
	}
	if b == Unlimited {
		return false
	}
	return a >= b
}
