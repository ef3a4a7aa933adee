package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Redeem
// =============================================================================

func TestRedeem_ConcurrentSingleUse(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	code := f.campaign(t, actor, 1, 1).Codes[0]

	const attempts = 50
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok      int
		reached int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Spread the attempts well outside the duplicate window.
			at := fixtureStart.Add(time.Duration(i) * time.Minute)
			res, err := f.redemption.Redeem(context.Background(), code.Token, at, domain.ScanOrigin{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil && !res.Duplicate:
				ok++
			case domain.ErrorCode(err) == domain.ELIMITREACHED:
				reached++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, attempts-1, reached)

	detail, err := f.redemption.GetCode(context.Background(), actor, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.Code.UsageCount)
	assert.Equal(t, domain.CodeStateExhausted, detail.State)
	assert.Len(t, detail.Scans, 1)
}

func TestRedeem_ConcurrentSameInstant(t *testing.T) {
	tests := []struct {
		limit int
		// refusal is what the 49 losers see: duplicates while uses remain,
		// limit_reached once the winner exhausted the code.
		refusal string
	}{
		{limit: 5, refusal: "duplicate"},
		{limit: 1, refusal: domain.ELIMITREACHED},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit %d", tt.limit), func(t *testing.T) {
			f := newFixture(t)
			_, actor := f.account(t, domain.SubscriptionTierPro)
			code := f.campaign(t, actor, 1, tt.limit).Codes[0]

			const attempts = 50
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				outcomes = make(map[string]int)
			)
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := f.redemption.Redeem(context.Background(), code.Token, fixtureStart, domain.ScanOrigin{})
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						outcomes[domain.ErrorCode(err)]++
					case res.Duplicate:
						outcomes["duplicate"]++
						assert.Equal(t, 1, res.Code.UsageCount, "duplicates see the winning increment")
					default:
						outcomes["redeemed"]++
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, map[string]int{"redeemed": 1, tt.refusal: attempts - 1}, outcomes)

			view, err := f.redemption.Lookup(context.Background(), code.Token)
			require.NoError(t, err)
			assert.Equal(t, 1, view.UsageCount)
		})
	}
}

func TestRedeem_DuplicateWindow(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	code := f.campaign(t, actor, 1, 3).Codes[0]
	ctx := context.Background()

	steps := []struct {
		offset    time.Duration
		duplicate bool
		count     int
		errCode   string
	}{
		{0, false, 1, ""},
		{time.Second, true, 1, ""},
		{-2 * time.Second, true, 1, ""},
		{domain.RedemptionWindow, false, 2, ""},
		{domain.RedemptionWindow + 4*time.Second, true, 2, ""},
		{3 * domain.RedemptionWindow, false, 3, ""},
		{10 * domain.RedemptionWindow, false, 0, domain.ELIMITREACHED},
	}

	for _, step := range steps {
		res, err := f.redemption.Redeem(ctx, code.Token, fixtureStart.Add(step.offset), domain.ScanOrigin{})
		if step.errCode != "" {
			assert.Equal(t, step.errCode, domain.ErrorCode(err), "offset %s", step.offset)
			continue
		}
		require.NoError(t, err, "offset %s", step.offset)
		assert.Equal(t, step.duplicate, res.Duplicate, "offset %s", step.offset)
		assert.Equal(t, step.count, res.Code.UsageCount, "offset %s", step.offset)
		assert.Equal(t, 3-step.count, res.Remaining, "offset %s", step.offset)
	}

	detail, err := f.redemption.GetCode(ctx, actor, code.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Scans, 3, "duplicates are not recorded")
}

func TestRedeem_CampaignChecksComeFirst(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	ctx := context.Background()
	expiry := fixtureStart.Add(time.Hour)

	res, err := f.campaigns.Create(ctx, actor, domain.CreateCampaignParams{
		Name:      "Short lived",
		CodeCount: 1,
		ExpiresAt: &expiry,
	})
	require.NoError(t, err)
	token := res.Codes[0].Token

	_, err = f.redemption.Redeem(ctx, token, expiry, domain.ScanOrigin{})
	assert.Equal(t, domain.ECAMPAIGNEXPIRED, domain.ErrorCode(err), "expiry instant is already expired")

	inactive := false
	_, err = f.campaigns.Update(ctx, actor, domain.UpdateCampaignParams{ID: res.Campaign.ID, IsActive: &inactive})
	require.NoError(t, err)

	_, err = f.redemption.Redeem(ctx, token, expiry.Add(time.Hour), domain.ScanOrigin{})
	assert.Equal(t, domain.ECAMPAIGNINACTIVE, domain.ErrorCode(err), "inactive wins over expired")

	_, err = f.redemption.Redeem(ctx, token, fixtureStart, domain.ScanOrigin{})
	assert.Equal(t, domain.ECAMPAIGNINACTIVE, domain.ErrorCode(err))

	view, err := f.redemption.Lookup(ctx, token)
	require.NoError(t, err)
	assert.Zero(t, view.UsageCount, "rejected redemptions change nothing")
}

func TestRedeem_TokenHandling(t *testing.T) {
	f := newFixture(t, WithTokenGenerator(&sequenceTokens{
		tokens: []string{"promo123"},
		next:   NewRandomTokenGenerator(),
	}))
	_, actor := f.account(t, domain.SubscriptionTierPro)
	f.campaign(t, actor, 1, 5)
	ctx := context.Background()

	res, err := f.redemption.Redeem(ctx, "  PROMO123 ", fixtureStart, domain.ScanOrigin{
		IP:        "203.0.113.7",
		UserAgent: "test-agent",
		Device:    "mobile",
	})
	require.NoError(t, err)
	assert.Equal(t, "promo123", res.Code.Token)
	assert.Equal(t, domain.CodeStatePartiallyUsed, res.State)

	_, err = f.redemption.Redeem(ctx, "nosuch00", fixtureStart, domain.ScanOrigin{})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = f.redemption.Redeem(ctx, "   ", fixtureStart, domain.ScanOrigin{})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	detail, err := f.redemption.GetCode(ctx, actor, res.Code.ID)
	require.NoError(t, err)
	require.Len(t, detail.Scans, 1)
	assert.Equal(t, "203.0.113.7", detail.Scans[0].Origin.IP)
	assert.Equal(t, "mobile", detail.Scans[0].Origin.Device)
	assert.True(t, detail.Scans[0].ScannedAt.Equal(fixtureStart))
}

func TestLookup(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	res := f.campaign(t, actor, 1, 2)
	ctx := context.Background()

	view, err := f.redemption.Lookup(ctx, res.Codes[0].Token)
	require.NoError(t, err)
	assert.Equal(t, "Spring promo", view.CampaignName)
	assert.Equal(t, domain.CodeStateFresh, view.State)
	assert.Equal(t, 2, view.Remaining)
	assert.True(t, view.CampaignActive)
	assert.Equal(t, fakeImageHost+res.Codes[0].ImageAssetRef, view.ImageURL)

	_, err = f.redemption.Lookup(ctx, "zzzzzzzz")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

// =============================================================================
// Shares and adjustments
// =============================================================================

func TestShare(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	_, stranger := f.account(t, domain.SubscriptionTierPro)
	code := f.campaign(t, actor, 1, 1).Codes[0]
	ctx := context.Background()

	_, err := f.redemption.Share(ctx, actor, uuid.New(), domain.SharePlatformSMS, "")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = f.redemption.Share(ctx, stranger, code.ID, domain.SharePlatformSMS, "")
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))

	_, err = f.redemption.Share(ctx, actor, code.ID, domain.SharePlatform("myspace"), "")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	first, err := f.redemption.Share(ctx, actor, code.ID, domain.SharePlatformWhatsApp, "Grab it")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	f.clock.Set(fixtureStart.Add(time.Minute))
	second, err := f.redemption.Share(ctx, actor, code.ID, "EMAIL", "")
	require.NoError(t, err)
	assert.Equal(t, domain.SharePlatformEmail, second.Platform)

	history, err := f.redemption.ListShares(ctx, actor, code.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, history.TotalShares)
	require.Len(t, history.Shares, 2)
	assert.Equal(t, second.ID, history.Shares[0].ID, "newest first")
	assert.Equal(t, "Grab it", history.Shares[1].Message)

	_, err = f.redemption.ListShares(ctx, stranger, code.ID)
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err))

	view, err := f.redemption.Lookup(ctx, code.Token)
	require.NoError(t, err)
	assert.Zero(t, view.UsageCount, "sharing does not redeem")
}

func TestAdjustUsage(t *testing.T) {
	f := newFixture(t)
	_, actor := f.account(t, domain.SubscriptionTierPro)
	code := f.campaign(t, actor, 1, 3).Codes[0]
	ctx := context.Background()

	_, err := f.redemption.Redeem(ctx, code.Token, fixtureStart, domain.ScanOrigin{})
	require.NoError(t, err)

	_, err = f.redemption.AdjustUsage(ctx, actor, code.ID, 0, "refund")
	assert.Equal(t, domain.EUNAUTHORIZED, domain.ErrorCode(err), "owners cannot adjust")

	admin := domain.AdminActor()
	_, err = f.redemption.AdjustUsage(ctx, admin, code.ID, 4, "too many")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = f.redemption.AdjustUsage(ctx, admin, code.ID, 0, " ")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	adjusted, err := f.redemption.AdjustUsage(ctx, admin, code.ID, 3, "redeemed at the till")
	require.NoError(t, err)
	assert.Equal(t, 3, adjusted.UsageCount)
	assert.True(t, adjusted.IsExhausted())

	_, err = f.redemption.Redeem(ctx, code.Token, fixtureStart.Add(time.Hour), domain.ScanOrigin{})
	assert.Equal(t, domain.ELIMITREACHED, domain.ErrorCode(err))

	detail, err := f.redemption.GetCode(ctx, admin, code.ID)
	require.NoError(t, err)
	require.Len(t, detail.Adjustments, 1)
	assert.Equal(t, 1, detail.Adjustments[0].PreviousCount)
	assert.Equal(t, 3, detail.Adjustments[0].NewCount)
	assert.Equal(t, "redeemed at the till", detail.Adjustments[0].Reason)
}
