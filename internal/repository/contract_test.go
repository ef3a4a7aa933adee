package repository

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

// testRepository runs the behavior every Repository implementation must
// share. newRepo returns an empty store.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	tests := []struct {
		name string
		fn   func(t *testing.T, r Repository)
	}{
		{"accounts", testAccounts},
		{"insert campaign", testInsertCampaign},
		{"insert campaign admission", testInsertCampaignAdmission},
		{"mutate code", testMutateCode},
		{"concurrent redemption", testConcurrentRedemption},
		{"delete campaign", testDeleteCampaign},
		{"list codes", testListCodes},
		{"list codes by owner", testListCodesByOwner},
		{"list campaigns", testListCampaigns},
		{"count owned", testCountOwned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newRepo(t))
		})
	}
}

// testNow is truncated to what Postgres stores.
func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func seedAccount(t *testing.T, r Repository, tier domain.SubscriptionTier) *domain.Account {
	t.Helper()
	now := testNow()
	a := &domain.Account{
		ID:               uuid.New(),
		Email:            uuid.NewString() + "@example.com",
		SubscriptionTier: tier,
		CountedMonth:     domain.MonthOf(now),
		CreatedAt:        now,
	}
	require.NoError(t, r.CreateAccount(context.Background(), a))
	return a
}

func seedCampaign(t *testing.T, r Repository, owner uuid.UUID, tokens []string, limit int) (*domain.Campaign, []*domain.Code) {
	t.Helper()
	now := testNow()
	c := domain.NewCampaign(domain.CreateCampaignParams{
		OwnerAccountID:         owner,
		Name:                   "Contract",
		RedemptionLimitPerCode: limit,
		CodeCount:              len(tokens),
	}, now)
	codes := make([]*domain.Code, len(tokens))
	for i, tok := range tokens {
		codes[i] = domain.NewCode(c, tok, fmt.Sprintf("codes/%s/%s.png", c.ID, tok), now)
	}
	_, err := r.InsertCampaign(context.Background(), c, codes, func(a *domain.Account) error {
		a.RecordCampaignCreated(now)
		a.RecordCodesCreated(now, int64(len(codes)))
		return nil
	})
	require.NoError(t, err)
	return c, codes
}

func uniqueTokens(n int) []string {
	prefix := uuid.NewString()[:4]
	tokens := make([]string, n)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("%s%04d", prefix, i)
	}
	return tokens
}

func testAccounts(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierFree)

	got, err := r.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Email, got.Email)
	assert.Equal(t, domain.SubscriptionTierFree, got.SubscriptionTier)

	_, err = r.GetAccount(ctx, uuid.New())
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	dup := *a
	dup.ID = uuid.New()
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(r.CreateAccount(ctx, &dup)))

	updated, err := r.MutateAccount(ctx, a.ID, func(acc *domain.Account) error {
		acc.SubscriptionTier = domain.SubscriptionTierPro
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionTierPro, updated.SubscriptionTier)

	_, err = r.MutateAccount(ctx, a.ID, func(acc *domain.Account) error {
		acc.SubscriptionTier = domain.SubscriptionTierFree
		return domain.Invalid("test", "rejected")
	})
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	got, err = r.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubscriptionTierPro, got.SubscriptionTier, "rejected mutation is not stored")

	ids, err := r.ListAccountIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, ids, a.ID)
}

func testInsertCampaign(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	tokens := uniqueTokens(3)
	c, codes := seedCampaign(t, r, a.ID, tokens, 2)

	got, err := r.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Contract", got.Name)
	assert.Equal(t, 2, got.RedemptionLimitPerCode)

	code, err := r.GetCode(ctx, ByToken(tokens[1]))
	require.NoError(t, err)
	assert.Equal(t, codes[1].ID, code.ID)
	assert.Equal(t, 2, code.UsageLimit)

	taken, err := r.TokensExist(ctx, []string{tokens[0], "zzzzzzzz"})
	require.NoError(t, err)
	assert.Equal(t, []string{tokens[0]}, taken)

	account, err := r.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, account.CampaignsThisMonth)
	assert.EqualValues(t, 3, account.CodesThisMonth)

	// A reused token rejects the whole unit.
	other := domain.NewCampaign(domain.CreateCampaignParams{OwnerAccountID: a.ID, Name: "Clash", RedemptionLimitPerCode: 1, CodeCount: 1}, testNow())
	clash := domain.NewCode(other, tokens[0], "codes/x.png", testNow())
	_, err = r.InsertCampaign(ctx, other, []*domain.Code{clash}, func(*domain.Account) error { return nil })
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	_, err = r.GetCampaign(ctx, other.ID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func testInsertCampaignAdmission(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierFree)

	c := domain.NewCampaign(domain.CreateCampaignParams{OwnerAccountID: a.ID, Name: "Refused", RedemptionLimitPerCode: 1, CodeCount: 1}, testNow())
	code := domain.NewCode(c, uniqueTokens(1)[0], "codes/y.png", testNow())
	_, err := r.InsertCampaign(ctx, c, []*domain.Code{code}, func(acc *domain.Account) error {
		acc.CampaignsThisMonth = 99
		return domain.QuotaExceeded("test", domain.QuotaTypeCampaign, 3, 3)
	})
	assert.Equal(t, domain.EQUOTA, domain.ErrorCode(err))

	_, err = r.GetCampaign(ctx, c.ID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	_, err = r.GetCode(ctx, ByID(code.ID))
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	account, err := r.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.Zero(t, account.CampaignsThisMonth)
}

func testMutateCode(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	_, codes := seedCampaign(t, r, a.ID, uniqueTokens(1), 1)
	key := ByID(codes[0].ID)
	at := testNow()

	unchanged, err := r.MutateCode(ctx, key, func(c *domain.Code, _ *domain.Campaign) (*CodeMutation, error) {
		c.UsageCount = 1
		return nil, nil
	})
	require.NoError(t, err)
	assert.Zero(t, unchanged.UsageCount, "nil mutation writes nothing")

	redeemed, err := r.MutateCode(ctx, key, func(c *domain.Code, campaign *domain.Campaign) (*CodeMutation, error) {
		if _, err := c.Redeem("test", campaign, at); err != nil {
			return nil, err
		}
		return &CodeMutation{Redeemed: true, Scan: &domain.ScanEvent{ScannedAt: at, Origin: domain.ScanOrigin{IP: "198.51.100.1"}}}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, redeemed.UsageCount)
	require.NotNil(t, redeemed.LastRedeemedAt)

	// The ceiling holds even when the decision function ignores it.
	_, err = r.MutateCode(ctx, key, func(c *domain.Code, _ *domain.Campaign) (*CodeMutation, error) {
		return &CodeMutation{Redeemed: true}, nil
	})
	assert.Equal(t, domain.ELIMITREACHED, domain.ErrorCode(err))

	share := &domain.ShareEvent{Platform: domain.SharePlatformLink, SharedAt: at, ActorID: a.ID}
	_, err = r.MutateCode(ctx, key, func(*domain.Code, *domain.Campaign) (*CodeMutation, error) {
		return &CodeMutation{Share: share}, nil
	})
	require.NoError(t, err)
	assert.NotZero(t, share.ID)

	adj := &domain.UsageAdjustment{AdjustedAt: at, ActorID: a.ID, PreviousCount: 1, NewCount: 0, Reason: "test"}
	adjusted, err := r.MutateCode(ctx, key, func(*domain.Code, *domain.Campaign) (*CodeMutation, error) {
		return &CodeMutation{Adjustment: adj}, nil
	})
	require.NoError(t, err)
	assert.Zero(t, adjusted.UsageCount)

	scans, err := r.ListScans(ctx, codes[0].ID)
	require.NoError(t, err)
	require.Len(t, scans, 1)
	assert.Equal(t, "198.51.100.1", scans[0].Origin.IP)

	shares, err := r.ListShares(ctx, codes[0].ID)
	require.NoError(t, err)
	require.Len(t, shares, 1)
	assert.Equal(t, domain.SharePlatformLink, shares[0].Platform)

	adjustments, err := r.ListAdjustments(ctx, codes[0].ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, "test", adjustments[0].Reason)

	_, err = r.MutateCode(ctx, ByToken("nosuchtk"), func(*domain.Code, *domain.Campaign) (*CodeMutation, error) {
		return nil, nil
	})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func testConcurrentRedemption(t *testing.T, r Repository) {
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	_, codes := seedCampaign(t, r, a.ID, uniqueTokens(1), 3)
	start := testNow()

	const attempts = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		refused int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			at := start.Add(time.Duration(i) * time.Minute)
			_, err := r.MutateCode(context.Background(), ByID(codes[0].ID), func(c *domain.Code, campaign *domain.Campaign) (*CodeMutation, error) {
				outcome, err := c.Redeem("test", campaign, at)
				if err != nil || outcome == domain.OutcomeDuplicate {
					return nil, err
				}
				return &CodeMutation{Redeemed: true}, nil
			})
			if err == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if domain.ErrorCode(err) == domain.ELIMITREACHED {
				refused++
			}
		}(i)
	}
	wg.Wait()

	code, err := r.GetCode(context.Background(), ByID(codes[0].ID))
	require.NoError(t, err)
	assert.Equal(t, 3, code.UsageCount)
	assert.Equal(t, attempts-3, refused, "the rest are refused at the limit")
}

func testDeleteCampaign(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	c, codes := seedCampaign(t, r, a.ID, uniqueTokens(3), 1)

	_, err := r.MutateCode(ctx, ByID(codes[0].ID), func(*domain.Code, *domain.Campaign) (*CodeMutation, error) {
		return &CodeMutation{Redeemed: true, Scan: &domain.ScanEvent{ScannedAt: testNow()}}, nil
	})
	require.NoError(t, err)

	refs, err := r.DeleteCampaign(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.IsIncreasing(t, refs)

	for _, code := range codes {
		_, err := r.GetCode(ctx, ByID(code.ID))
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	}
	scans, err := r.ListScans(ctx, codes[0].ID)
	require.NoError(t, err)
	assert.Empty(t, scans)

	taken, err := r.TokensExist(ctx, []string{codes[0].Token})
	require.NoError(t, err)
	assert.Empty(t, taken, "tokens are released")

	_, err = r.DeleteCampaign(ctx, c.ID)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	account, err := r.GetAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, account.CodesThisMonth, "counters are untouched")
}

func testListCodes(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	tokens := uniqueTokens(5)
	c, _ := seedCampaign(t, r, a.ID, tokens, 1)

	page, total, err := r.ListCodes(ctx, ListCodesParams{CampaignID: c.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 2)

	rest, _, err := r.ListCodes(ctx, ListCodesParams{CampaignID: c.ID, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, rest, 1)

	found, total, err := r.ListCodes(ctx, ListCodesParams{CampaignID: c.ID, Search: tokens[3][4:]})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, found, 1)
	assert.Equal(t, tokens[3], found[0].Token)
}

func testListCodesByOwner(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	other := seedAccount(t, r, domain.SubscriptionTierPro)
	first, _ := seedCampaign(t, r, a.ID, uniqueTokens(2), 1)
	second, _ := seedCampaign(t, r, a.ID, uniqueTokens(3), 1)
	seedCampaign(t, r, other.ID, uniqueTokens(4), 1)

	codes, total, err := r.ListCodes(ctx, ListCodesParams{OwnerAccountID: a.ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, codes, 5)
	for _, c := range codes {
		assert.Contains(t, []uuid.UUID{first.ID, second.ID}, c.CampaignID)
	}

	page, total, err := r.ListCodes(ctx, ListCodesParams{OwnerAccountID: a.ID, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	none, total, err := r.ListCodes(ctx, ListCodesParams{OwnerAccountID: seedAccount(t, r, domain.SubscriptionTierFree).ID})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, none)
}

func testListCampaigns(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	other := seedAccount(t, r, domain.SubscriptionTierPro)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		c, _ := seedCampaign(t, r, a.ID, uniqueTokens(1), 1)
		ids = append(ids, c.ID)
		time.Sleep(time.Millisecond)
	}
	seedCampaign(t, r, other.ID, uniqueTokens(1), 1)

	page, total, err := r.ListCampaigns(ctx, ListCampaignsParams{OwnerAccountID: a.ID, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID, "newest first")
	assert.Equal(t, ids[1], page[1].ID)

	rest, _, err := r.ListCampaigns(ctx, ListCampaignsParams{OwnerAccountID: a.ID, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[0], rest[0].ID)
}

func testCountOwned(t *testing.T, r Repository) {
	ctx := context.Background()
	a := seedAccount(t, r, domain.SubscriptionTierPro)
	before := testNow()
	seedCampaign(t, r, a.ID, uniqueTokens(2), 1)
	seedCampaign(t, r, a.ID, uniqueTokens(3), 1)

	campaigns, codes, err := r.CountOwned(ctx, a.ID, time.Time{})
	require.NoError(t, err)
	assert.EqualValues(t, 2, campaigns)
	assert.EqualValues(t, 5, codes)

	campaigns, codes, err = r.CountOwned(ctx, a.ID, before.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, campaigns)
	assert.Zero(t, codes)
}
