package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, time.May, 10, 12, 0, 0, 0, time.UTC)

func activeCampaign(limit int) *Campaign {
	return &Campaign{ID: uuid.New(), OwnerAccountID: uuid.New(), Name: "Spring", RedemptionLimitPerCode: limit, IsActive: true}
}

func TestCode_State(t *testing.T) {
	tests := []struct {
		count int
		limit int
		want  CodeState
	}{
		{0, 3, CodeStateFresh},
		{1, 3, CodeStatePartiallyUsed},
		{2, 3, CodeStatePartiallyUsed},
		{3, 3, CodeStateExhausted},
		{1, 1, CodeStateExhausted},
	}

	for _, tt := range tests {
		c := &Code{UsageCount: tt.count, UsageLimit: tt.limit}
		assert.Equal(t, tt.want, c.State(), "%d/%d", tt.count, tt.limit)
	}
}

func TestNewCode_SnapshotsLimit(t *testing.T) {
	campaign := activeCampaign(4)
	code := NewCode(campaign, "abc12345", "codes/x.png", t0)

	campaign.RedemptionLimitPerCode = 10
	assert.Equal(t, 4, code.UsageLimit)
	assert.Equal(t, campaign.ID, code.CampaignID)
	assert.Equal(t, CodeStateFresh, code.State())
}

func TestCode_Redeem(t *testing.T) {
	campaign := activeCampaign(2)
	code := NewCode(campaign, "abc12345", "ref", t0)

	outcome, err := code.Redeem("test", campaign, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedeemed, outcome)
	assert.Equal(t, 1, code.UsageCount)
	assert.Equal(t, t0, *code.LastRedeemedAt)

	outcome, err = code.Redeem("test", campaign, t0.Add(4*time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 1, code.UsageCount)
	assert.Equal(t, t0, *code.LastRedeemedAt, "window stays anchored to the successful redemption")

	outcome, err = code.Redeem("test", campaign, t0.Add(RedemptionWindow))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedeemed, outcome)
	assert.Equal(t, 2, code.UsageCount)
	assert.Equal(t, CodeStateExhausted, code.State())

	_, err = code.Redeem("test", campaign, t0.Add(time.Minute))
	assert.Equal(t, ELIMITREACHED, ErrorCode(err))
	assert.Equal(t, 2, code.UsageCount)
}

func TestCode_Redeem_LimitBeforeWindow(t *testing.T) {
	campaign := activeCampaign(1)
	code := NewCode(campaign, "abc12345", "ref", t0)

	_, err := code.Redeem("test", campaign, t0)
	require.NoError(t, err)

	_, err = code.Redeem("test", campaign, t0.Add(time.Second))
	assert.Equal(t, ELIMITREACHED, ErrorCode(err))
}

func TestCode_Redeem_CampaignState(t *testing.T) {
	t.Run("inactive", func(t *testing.T) {
		campaign := activeCampaign(1)
		campaign.IsActive = false
		code := NewCode(campaign, "abc12345", "ref", t0)

		_, err := code.Redeem("test", campaign, t0)
		assert.Equal(t, ECAMPAIGNINACTIVE, ErrorCode(err))
		assert.Equal(t, 0, code.UsageCount)
	})

	t.Run("expired", func(t *testing.T) {
		campaign := activeCampaign(1)
		expired := t0.Add(-time.Minute)
		campaign.ExpiresAt = &expired
		code := NewCode(campaign, "abc12345", "ref", t0)

		_, err := code.Redeem("test", campaign, t0)
		assert.Equal(t, ECAMPAIGNEXPIRED, ErrorCode(err))
		assert.Nil(t, code.LastRedeemedAt)
	})

	t.Run("inactive wins over exhausted", func(t *testing.T) {
		campaign := activeCampaign(1)
		campaign.IsActive = false
		code := &Code{UsageCount: 1, UsageLimit: 1}

		_, err := code.Redeem("test", campaign, t0)
		assert.Equal(t, ECAMPAIGNINACTIVE, ErrorCode(err))
	})
}

func TestCode_Adjust(t *testing.T) {
	admin := Actor{AccountID: uuid.New(), Admin: true}
	code := &Code{ID: uuid.New(), UsageCount: 3, UsageLimit: 3}

	_, err := code.Adjust("test", Actor{AccountID: uuid.New()}, 1, "refund", t0)
	assert.Equal(t, EUNAUTHORIZED, ErrorCode(err))

	_, err = code.Adjust("test", admin, 4, "too many", t0)
	assert.Equal(t, EINVALID, ErrorCode(err))

	_, err = code.Adjust("test", admin, 1, "  ", t0)
	assert.Equal(t, EINVALID, ErrorCode(err))

	adj, err := code.Adjust("test", admin, 1, "double scan at till", t0)
	require.NoError(t, err)
	assert.Equal(t, 3, adj.PreviousCount)
	assert.Equal(t, 1, adj.NewCount)
	assert.Equal(t, admin.AccountID, adj.ActorID)
	assert.Equal(t, CodeStatePartiallyUsed, code.State())
}

func TestTokens(t *testing.T) {
	assert.Equal(t, "ab12cd34", NormalizeToken("  AB12cd34 \n"))
	assert.True(t, IsWellFormedToken("ab12cd34"))
	assert.False(t, IsWellFormedToken("AB12CD34"))
	assert.False(t, IsWellFormedToken("ab12cd3"))
	assert.False(t, IsWellFormedToken("ab12-d34"))
}

func TestSharePlatform_IsValid(t *testing.T) {
	for _, p := range []SharePlatform{"whatsapp", "sms", "telegram", "facebook", "twitter", "email", "link"} {
		assert.True(t, p.IsValid(), p)
	}
	assert.False(t, SharePlatform("myspace").IsValid())
}
