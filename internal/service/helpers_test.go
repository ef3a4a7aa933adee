package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/repository"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testClock is a settable clock shared by the services under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// fakeRenderer records renders and removals and fails for selected tokens.
type fakeRenderer struct {
	mu      sync.Mutex
	fail    map[string]bool
	failAll bool
	stored  map[string]bool
	removed []string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{fail: make(map[string]bool), stored: make(map[string]bool)}
}

var errRenderBroken = errors.New("renderer broken")

func (r *fakeRenderer) Render(ctx context.Context, campaignID uuid.UUID, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAll || r.fail[token] {
		return "", domain.Wrap(errRenderBroken, domain.ERENDER, "fake.render", "render failed")
	}
	ref := fmt.Sprintf("codes/%s/%s.png", campaignID, token)
	r.stored[ref] = true
	return ref, nil
}

// fakeImageHost is the URL prefix fakeRenderer resolves references under.
const fakeImageHost = "https://img.test/"

func (r *fakeRenderer) URL(ctx context.Context, assetRef string) (string, error) {
	if assetRef == "" {
		return "", nil
	}
	return fakeImageHost + assetRef, nil
}

func (r *fakeRenderer) Remove(ctx context.Context, assetRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stored, assetRef)
	r.removed = append(r.removed, assetRef)
	return nil
}

func (r *fakeRenderer) storedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stored)
}

// sequenceTokens hands out a fixed list of tokens, then falls back to
// random ones.
type sequenceTokens struct {
	mu     sync.Mutex
	tokens []string
	next   TokenGenerator
}

func (g *sequenceTokens) Generate() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tokens) == 0 {
		return g.next.Generate()
	}
	t := g.tokens[0]
	g.tokens = g.tokens[1:]
	return t, nil
}

type fixture struct {
	repo       *repository.Memory
	clock      *testClock
	renderer   *fakeRenderer
	quota      QuotaService
	campaigns  CampaignService
	redemption RedemptionService
}

var fixtureStart = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		repo:     repository.NewMemory(),
		clock:    newTestClock(fixtureStart),
		renderer: newFakeRenderer(),
	}
	opts = append([]Option{WithClock(f.clock.Now)}, opts...)
	policy := domain.DefaultQuotaPolicy()
	f.quota = NewQuotaService(f.repo, policy, 1000, discardLogger(), opts...)
	f.campaigns = NewCampaignService(f.repo, f.renderer, policy, discardLogger(), opts...)
	f.redemption = NewRedemptionService(f.repo, f.renderer, discardLogger(), opts...)
	return f
}

func (f *fixture) account(t *testing.T, tier domain.SubscriptionTier) (*domain.Account, domain.Actor) {
	t.Helper()
	now := f.clock.Now()
	a := &domain.Account{
		ID:               uuid.New(),
		Email:            uuid.NewString() + "@example.com",
		SubscriptionTier: tier,
		CountedMonth:     domain.MonthOf(now),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.repo.CreateAccount(context.Background(), a))
	return a, domain.Actor{AccountID: a.ID}
}

func (f *fixture) campaign(t *testing.T, actor domain.Actor, codes, limit int) *CreateCampaignResult {
	t.Helper()
	res, err := f.campaigns.Create(context.Background(), actor, domain.CreateCampaignParams{
		Name:                   "Spring promo",
		RedemptionLimitPerCode: limit,
		CodeCount:              codes,
	})
	require.NoError(t, err)
	return res
}
