package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuotaPolicy_LimitsFor(t *testing.T) {
	policy := DefaultQuotaPolicy()

	free := policy.LimitsFor(SubscriptionTierFree)
	assert.Equal(t, Limit(3), free.CampaignsPerMonth)
	assert.Equal(t, Limit(5), free.CodesPerMonth)

	assert.True(t, policy.LimitsFor(SubscriptionTierPro).CampaignsPerMonth.IsUnlimited())
	assert.True(t, policy.LimitsFor(SubscriptionTierProTrial).CodesPerMonth.IsUnlimited())

	assert.Equal(t, free, policy.LimitsFor("enterprise"), "unknown tier gets the strictest limits")
	assert.Equal(t, free, QuotaPolicy{}.LimitsFor(SubscriptionTierFree), "zero policy behaves as default")
}

func TestLimit_Allows(t *testing.T) {
	assert.True(t, Limit(5).Allows(3, 2))
	assert.False(t, Limit(5).Allows(3, 3))
	assert.False(t, Limit(0).Allows(0, 1))
	assert.True(t, Unlimited.Allows(1<<62, 1<<62))
}

func TestLimit_MarshalJSON(t *testing.T) {
	out, err := json.Marshal(TierQuota{CampaignsPerMonth: 3, CodesPerMonth: Unlimited})
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaigns_per_month":3,"codes_per_month":"unlimited"}`, string(out))
}

func TestParseQuotaPolicy(t *testing.T) {
	policy, err := ParseQuotaPolicy([]byte(`
tiers:
  free:
    campaigns_per_month: 1
    codes_per_month: 10
  pro:
    campaigns_per_month: 50
    codes_per_month: unlimited
`))
	require.NoError(t, err)

	assert.Equal(t, TierQuota{CampaignsPerMonth: 1, CodesPerMonth: 10}, policy.LimitsFor(SubscriptionTierFree))
	assert.Equal(t, Limit(50), policy.LimitsFor(SubscriptionTierPro).CampaignsPerMonth)
	assert.True(t, policy.LimitsFor(SubscriptionTierPro).CodesPerMonth.IsUnlimited())
	assert.True(t, policy.LimitsFor(SubscriptionTierProTrial).CampaignsPerMonth.IsUnlimited(), "missing tier keeps its default")

	strictest := policy.LimitsFor("unknown")
	assert.Equal(t, Limit(1), strictest.CampaignsPerMonth)
	assert.Equal(t, Limit(10), strictest.CodesPerMonth)
}

func TestParseQuotaPolicy_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown tier", "tiers:\n  gold:\n    campaigns_per_month: 1\n    codes_per_month: 1\n"},
		{"missing field", "tiers:\n  free:\n    campaigns_per_month: 1\n"},
		{"negative", "tiers:\n  free:\n    campaigns_per_month: -2\n    codes_per_month: 1\n"},
		{"not a number", "tiers:\n  free:\n    campaigns_per_month: lots\n    codes_per_month: 1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseQuotaPolicy([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadQuotaPolicy_EmptyPath(t *testing.T) {
	policy, err := LoadQuotaPolicy("")
	require.NoError(t, err)
	assert.Equal(t, Limit(3), policy.LimitsFor(SubscriptionTierFree).CampaignsPerMonth)
}
