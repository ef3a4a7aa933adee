// Package service contains the business logic layer.
//
// This file implements the quota service: the monthly creation counters
// kept on each account, the admission checks against the tier limits and
// the operator recount that repairs drifted counters.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/metrics"
	"github.com/DukeRupert/promokit/internal/repository"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// =============================================================================
// Interface Definition
// =============================================================================

// QuotaService defines operations on account usage counters.
type QuotaService interface {
	// CreateAccount opens an account on tier. Admin only.
	CreateAccount(ctx context.Context, actor domain.Actor, email string, tier domain.SubscriptionTier, expiresAt *time.Time) (*domain.Account, error)

	// EnsureCurrentMonth resets the monthly counts if the stored month is
	// not the current one and returns the up-to-date account.
	EnsureCurrentMonth(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// CanCreateCampaign reports whether one more campaign fits this month.
	CanCreateCampaign(ctx context.Context, accountID uuid.UUID) (domain.Admission, error)

	// CanCreateCodes reports whether n more codes fit this month.
	CanCreateCodes(ctx context.Context, accountID uuid.UUID, n int) (domain.Admission, error)

	// RecordCampaignCreated re-checks the campaign quota under the account
	// lock and increments the counters.
	RecordCampaignCreated(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// RecordCodesCreated re-checks the code quota under the account lock and
	// increments the counters by n.
	RecordCodesCreated(ctx context.Context, accountID uuid.UUID, n int) (*domain.Account, error)

	// IsPlanActive returns false once the subscription has expired.
	IsPlanActive(ctx context.Context, accountID uuid.UUID) (bool, error)

	// GetUsage returns the account's quota position.
	GetUsage(ctx context.Context, accountID uuid.UUID) (*domain.QuotaUsage, error)

	// SetSubscription changes the account's tier and expiry. Admin only.
	SetSubscription(ctx context.Context, actor domain.Actor, accountID uuid.UUID, tier domain.SubscriptionTier, expiresAt *time.Time) (*domain.Account, error)

	// Recount rebuilds the account's counters from the campaigns and codes
	// it actually owns.
	Recount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error)

	// RecountAll recounts every account, paced by the configured rate.
	RecountAll(ctx context.Context) (*RecountSummary, error)
}

// RecountSummary reports the outcome of RecountAll.
type RecountSummary struct {
	Accounts int `json:"accounts"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// =============================================================================
// Implementation
// =============================================================================

// DefaultRecountRate is the number of accounts recounted per second.
const DefaultRecountRate = 20

// recountAttempts bounds the optimistic retries of Recount when the account
// changes between counting and writing.
const recountAttempts = 3

type quotaService struct {
	repo        repository.Repository
	policy      domain.QuotaPolicy
	recountRate float64
	now         Clock
	logger      *slog.Logger
}

// NewQuotaService creates a new QuotaService. A non-positive recountRate
// uses DefaultRecountRate.
func NewQuotaService(repo repository.Repository, policy domain.QuotaPolicy, recountRate float64, logger *slog.Logger, opts ...Option) QuotaService {
	o := buildOptions(opts)
	if recountRate <= 0 {
		recountRate = DefaultRecountRate
	}
	return &quotaService{
		repo:        repo,
		policy:      policy,
		recountRate: recountRate,
		now:         o.clock,
		logger:      logger,
	}
}

func (s *quotaService) CreateAccount(ctx context.Context, actor domain.Actor, email string, tier domain.SubscriptionTier, expiresAt *time.Time) (*domain.Account, error) {
	const op = "quota.create_account"

	if !actor.Admin {
		return nil, domain.Unauthorized(op, "only administrators can create accounts")
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if tier == "" {
		tier = domain.SubscriptionTierFree
	}

	var verr *domain.ValidationError
	if email == "" || !strings.Contains(email, "@") {
		verr = domain.NewValidationError(op, "email", "a valid email is required")
	}
	if !tier.IsValid() {
		if verr == nil {
			verr = domain.NewValidationError(op, "tier", "unknown subscription tier")
		} else {
			verr.Fields["tier"] = "unknown subscription tier"
		}
	}
	if verr != nil {
		return nil, verr
	}

	now := s.now()
	account := &domain.Account{
		ID:                    uuid.New(),
		Email:                 email,
		SubscriptionTier:      tier,
		SubscriptionExpiresAt: expiresAt,
		CountedMonth:          domain.MonthOf(now),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.CreateAccount(ctx, account); err != nil {
		return nil, err
	}

	s.logger.Info("account created", "account_id", account.ID, "tier", tier)
	return account, nil
}

func (s *quotaService) EnsureCurrentMonth(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	return ensureCurrentMonth(ctx, s.repo, accountID, s.now(), s.logger)
}

// ensureCurrentMonth reads the account and persists a month reset only when
// the stored month is stale.
func ensureCurrentMonth(ctx context.Context, repo repository.Repository, accountID uuid.UUID, now time.Time, logger *slog.Logger) (*domain.Account, error) {
	account, err := repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.CountedMonth == domain.MonthOf(now) {
		return account, nil
	}

	return repo.MutateAccount(ctx, accountID, func(a *domain.Account) error {
		if a.EnsureCurrentMonth(now) {
			metrics.MonthRolloversTotal.Inc()
			logger.Debug("monthly counters reset", "account_id", a.ID, "month", a.CountedMonth)
		}
		return nil
	})
}

func (s *quotaService) CanCreateCampaign(ctx context.Context, accountID uuid.UUID) (domain.Admission, error) {
	account, err := s.EnsureCurrentMonth(ctx, accountID)
	if err != nil {
		return domain.Admission{}, err
	}
	adm := account.CanCreateCampaign(s.policy, s.now())
	s.recordDecision(account, adm)
	return adm, nil
}

func (s *quotaService) CanCreateCodes(ctx context.Context, accountID uuid.UUID, n int) (domain.Admission, error) {
	account, err := s.EnsureCurrentMonth(ctx, accountID)
	if err != nil {
		return domain.Admission{}, err
	}
	adm := account.CanCreateCodes(s.policy, s.now(), int64(n))
	s.recordDecision(account, adm)
	return adm, nil
}

func (s *quotaService) recordDecision(account *domain.Account, adm domain.Admission) {
	result := "allowed"
	if !adm.Allowed {
		result = "denied"
		s.logger.Info("quota exceeded",
			"account_id", account.ID,
			"tier", account.SubscriptionTier,
			"type", adm.Type,
			"used", adm.Used,
			"requested", adm.Requested,
			"limit", adm.Limit.String(),
		)
	}
	metrics.AdmissionDecided(string(adm.Type), result)
}

func (s *quotaService) RecordCampaignCreated(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	const op = "quota.record_campaign"
	return s.record(ctx, op, accountID, 1, 0)
}

func (s *quotaService) RecordCodesCreated(ctx context.Context, accountID uuid.UUID, n int) (*domain.Account, error) {
	const op = "quota.record_codes"
	if n < 1 {
		return nil, domain.Invalid(op, "code quantity must be at least 1")
	}
	return s.record(ctx, op, accountID, 0, int64(n))
}

func (s *quotaService) record(ctx context.Context, op string, accountID uuid.UUID, campaigns, codes int64) (*domain.Account, error) {
	account, err := s.repo.MutateAccount(ctx, accountID, func(a *domain.Account) error {
		return a.AdmitCreation(op, s.policy, s.now(), campaigns, codes)
	})
	if err != nil {
		s.logRejection(op, accountID, err)
		return nil, err
	}
	return account, nil
}

func (s *quotaService) logRejection(op string, accountID uuid.UUID, err error) {
	switch domain.ErrorCode(err) {
	case domain.EQUOTA:
		detail, _ := domain.QuotaDetailOf(err)
		s.logger.Info("quota exceeded",
			"op", op,
			"account_id", accountID,
			"type", detail.Type,
			"used", detail.Used,
			"limit", detail.Limit,
		)
	case domain.EPLANINACTIVE:
		s.logger.Info("creation refused on inactive plan", "op", op, "account_id", accountID)
	}
}

func (s *quotaService) IsPlanActive(ctx context.Context, accountID uuid.UUID) (bool, error) {
	account, err := s.EnsureCurrentMonth(ctx, accountID)
	if err != nil {
		return false, err
	}
	return account.IsPlanActive(s.now()), nil
}

func (s *quotaService) GetUsage(ctx context.Context, accountID uuid.UUID) (*domain.QuotaUsage, error) {
	account, err := s.EnsureCurrentMonth(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return account.Usage(s.policy, s.now()), nil
}

func (s *quotaService) SetSubscription(ctx context.Context, actor domain.Actor, accountID uuid.UUID, tier domain.SubscriptionTier, expiresAt *time.Time) (*domain.Account, error) {
	const op = "quota.set_subscription"

	if !actor.Admin {
		return nil, domain.Unauthorized(op, "only administrators can change subscriptions")
	}
	if !tier.IsValid() {
		return nil, domain.NewValidationError(op, "tier", "unknown subscription tier")
	}

	account, err := s.repo.MutateAccount(ctx, accountID, func(a *domain.Account) error {
		a.EnsureCurrentMonth(s.now())
		a.SubscriptionTier = tier
		a.SubscriptionExpiresAt = expiresAt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("subscription changed",
		"account_id", accountID,
		"tier", tier,
		"expires_at", expiresAt,
	)
	return account, nil
}

// errAccountChanged aborts a Recount write when the account moved on since
// it was counted.
var errAccountChanged = errors.New("account changed during recount")

func (s *quotaService) Recount(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	const op = "quota.recount"

	for attempt := 1; ; attempt++ {
		snapshot, err := s.repo.GetAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}

		now := s.now()
		monthCampaigns, monthCodes, err := s.repo.CountOwned(ctx, accountID, domain.MonthStart(now))
		if err != nil {
			return nil, domain.Internal(err, op, "failed to count monthly usage")
		}
		totalCampaigns, totalCodes, err := s.repo.CountOwned(ctx, accountID, time.Time{})
		if err != nil {
			return nil, domain.Internal(err, op, "failed to count lifetime usage")
		}

		account, err := s.repo.MutateAccount(ctx, accountID, func(a *domain.Account) error {
			if !a.UpdatedAt.Equal(snapshot.UpdatedAt) {
				return errAccountChanged
			}
			a.CountedMonth = domain.MonthOf(now)
			a.CampaignsThisMonth = monthCampaigns
			a.CodesThisMonth = monthCodes
			a.CampaignsTotal = totalCampaigns
			a.CodesTotal = totalCodes
			return nil
		})
		if errors.Is(err, errAccountChanged) {
			if attempt < recountAttempts {
				continue
			}
			return nil, domain.Conflict(op, "account kept changing during recount")
		}
		if err != nil {
			return nil, err
		}

		if snapshot.CampaignsThisMonth != monthCampaigns || snapshot.CodesThisMonth != monthCodes ||
			snapshot.CampaignsTotal != totalCampaigns || snapshot.CodesTotal != totalCodes {
			s.logger.Info("account counters corrected",
				"account_id", accountID,
				"campaigns_this_month", monthCampaigns,
				"codes_this_month", monthCodes,
				"campaigns_total", totalCampaigns,
				"codes_total", totalCodes,
			)
		}
		return account, nil
	}
}

func (s *quotaService) RecountAll(ctx context.Context) (*RecountSummary, error) {
	const op = "quota.recount_all"

	ids, err := s.repo.ListAccountIDs(ctx)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list accounts")
	}

	limiter := rate.NewLimiter(rate.Limit(s.recountRate), 1)
	summary := &RecountSummary{Accounts: len(ids)}

	for _, id := range ids {
		if err := limiter.Wait(ctx); err != nil {
			return summary, err
		}
		if _, err := s.Recount(ctx, id); err != nil {
			summary.Failed++
			metrics.AccountsRecounted.WithLabelValues("failed").Inc()
			s.logger.Error("recount failed", "account_id", id, "error", err)
			continue
		}
		summary.Updated++
		metrics.AccountsRecounted.WithLabelValues("ok").Inc()
	}

	s.logger.Info("recount finished",
		"accounts", summary.Accounts,
		"updated", summary.Updated,
		"failed", summary.Failed,
	)
	return summary, nil
}
