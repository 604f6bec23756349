package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, Validate())
}

// Higher tiers must never grant less than lower tiers: every numeric limit
// is non-decreasing and every capability set is a superset up the order.
func TestTierMonotonicity(t *testing.T) {
	tiers := Tiers()
	for i := 1; i < len(tiers); i++ {
		lower, higher := tiers[i-1], tiers[i]

		lo, hi := LimitsFor(lower), LimitsFor(higher)
		for _, key := range limitKeys {
			lv, ok := lo.Get(key)
			require.True(t, ok)
			hv, ok := hi.Get(key)
			require.True(t, ok)
			assert.True(t, limitGTE(hv, lv),
				"%s: %s (%d) must be >= %s (%d)", key, higher, hv, lower, lv)
		}

		for cap := range FeaturesFor(lower) {
			assert.True(t, HasFeature(higher, cap),
				"%s grants %s but %s does not", lower, cap, higher)
		}

		for _, class := range endpointClasses {
			assert.GreaterOrEqual(t, RateLimitFor(higher, class), RateLimitFor(lower, class),
				"rate limit %s must not regress from %s to %s", class, lower, higher)
		}
	}
}

func TestMinimumTierFor(t *testing.T) {
	tests := []struct {
		cap  Capability
		want Tier
		ok   bool
	}{
		{CapViewSubscription, TierStarter, true},
		{CapInviteExternalUser, TierStarter, true},
		{CapRemoveExternalUser, TierStarter, true},
		{CapAPIAccess, TierStarter, true},
		{CapExportAuditLog, TierProfessional, true},
		{CapBulkInvite, TierProfessional, true},
		{CapCreateClientSpace, TierBusiness, true},
		{CapManageBranding, TierBusiness, true},
		{CapPrioritySupport, TierBusiness, true},
		{CapCustomRetention, TierEnterprise, true},
		{Capability("deleteEverything"), "", false},
	}

	for _, tt := range tests {
		got, ok := MinimumTierFor(tt.cap)
		assert.Equal(t, tt.ok, ok, "capability %s", tt.cap)
		assert.Equal(t, tt.want, got, "capability %s", tt.cap)
	}
}

func TestHasFeature(t *testing.T) {
	assert.False(t, HasFeature(TierStarter, CapCreateClientSpace))
	assert.False(t, HasFeature(TierProfessional, CapCreateClientSpace))
	assert.True(t, HasFeature(TierBusiness, CapCreateClientSpace))
	assert.True(t, HasFeature(TierEnterprise, CapCreateClientSpace))

	assert.False(t, HasFeature(TierStarter, CapExportAuditLog))
	assert.True(t, HasFeature(TierProfessional, CapExportAuditLog))

	assert.False(t, HasFeature(TierBusiness, CapCustomRetention))
	assert.True(t, HasFeature(TierEnterprise, CapCustomRetention))
}

func TestLimitsFor_UnknownTierFallsBackToStarter(t *testing.T) {
	assert.Equal(t, LimitsFor(TierStarter), LimitsFor(Tier("platinum")))
	assert.False(t, HasFeature(Tier("platinum"), CapCreateClientSpace))
}

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierProfessional.AtLeast(TierStarter))
	assert.True(t, TierProfessional.AtLeast(TierProfessional))
	assert.False(t, TierProfessional.AtLeast(TierBusiness))
	assert.False(t, Tier("platinum").AtLeast(TierStarter))

	assert.Equal(t, 0, TierStarter.Index())
	assert.Equal(t, 3, TierEnterprise.Index())
	assert.Equal(t, -1, Tier("platinum").Index())
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("business")
	require.NoError(t, err)
	assert.Equal(t, TierBusiness, tier)

	_, err = ParseTier("platinum")
	assert.Error(t, err)
}

func TestUnlimitedSentinel(t *testing.T) {
	limits := LimitsFor(TierEnterprise)
	assert.Equal(t, Unlimited, limits.MaxExternalUsers)
	assert.Equal(t, Unlimited, limits.MaxLibraries)
	assert.Equal(t, Unlimited, limits.APICallsPerMonth)

	// Unlimited compares above any finite value, and nothing exceeds it.
	assert.True(t, limitGTE(Unlimited, 1_000_000))
	assert.False(t, limitGTE(1_000_000, Unlimited))
	assert.True(t, limitGTE(Unlimited, Unlimited))
}

func TestLimitKeyFor(t *testing.T) {
	key, ok := LimitKeyFor(CapInviteExternalUser)
	require.True(t, ok)
	assert.Equal(t, LimitExternalUsers, key)

	key, ok = LimitKeyFor(CapCreateLibrary)
	require.True(t, ok)
	assert.Equal(t, LimitLibraries, key)

	// Bulk invites draw on the same pool as single invites.
	key, ok = LimitKeyFor(CapBulkInvite)
	require.True(t, ok)
	assert.Equal(t, LimitExternalUsers, key)

	_, ok = LimitKeyFor(CapViewSubscription)
	assert.False(t, ok)
}

func TestRateLimitFor(t *testing.T) {
	assert.Equal(t, 30, RateLimitFor(TierStarter, ClassWrite))
	assert.Equal(t, 600, RateLimitFor(TierEnterprise, ClassWrite))

	// Unknown class falls back to the read class.
	assert.Equal(t, RateLimitFor(TierStarter, ClassRead), RateLimitFor(TierStarter, EndpointClass("mystery")))
}

func TestReadOnlySet(t *testing.T) {
	assert.True(t, ReadOnly[CapViewSubscription])
	assert.True(t, ReadOnly[CapListLibraries])
	assert.False(t, ReadOnly[CapCreateLibrary])
	assert.False(t, ReadOnly[CapInviteExternalUser])
}

func TestLimitsGet_UnknownKey(t *testing.T) {
	_, ok := LimitsFor(TierStarter).Get(LimitKey("maxUnicorns"))
	assert.False(t, ok)
}
