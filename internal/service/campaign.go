// Package service contains the business logic layer.
//
// This file implements the campaign service. Creating a campaign generates
// its codes, renders an image for each and stores everything together with
// the quota increments in a single repository call.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/metrics"
	"github.com/DukeRupert/promokit/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// CampaignService defines operations on campaigns and their codes.
type CampaignService interface {
	// Create creates a campaign with params.CodeCount codes. Codes whose
	// image fails to render are left out and reported in the result.
	Create(ctx context.Context, actor domain.Actor, params domain.CreateCampaignParams) (*CreateCampaignResult, error)

	// Get returns a campaign the actor can manage.
	Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Campaign, error)

	// Update applies an owner or administrator edit.
	Update(ctx context.Context, actor domain.Actor, params domain.UpdateCampaignParams) (*domain.Campaign, error)

	// Delete removes the campaign and every one of its codes.
	Delete(ctx context.Context, actor domain.Actor, id uuid.UUID) (*DeleteCampaignResult, error)

	// ListCampaigns returns one page of the account's campaigns, newest
	// first, with the account's current quota usage.
	ListCampaigns(ctx context.Context, actor domain.Actor, accountID uuid.UUID, limit, offset int) (*ListCampaignsResult, error)

	// ListCodes returns one page of a campaign's codes, or of every code the
	// account owns when no campaign is given.
	ListCodes(ctx context.Context, actor domain.Actor, params ListCodesParams) (*ListCodesResult, error)
}

// CodeFailure describes a code that could not be created.
type CodeFailure struct {
	Index int    `json:"index"`
	Token string `json:"token"`
	Error string `json:"error"`

	err error
}

// CreateCampaignResult is the outcome of a successful Create.
type CreateCampaignResult struct {
	Campaign *domain.Campaign   `json:"campaign"`
	Codes    []*domain.Code     `json:"codes"`
	Failures []CodeFailure      `json:"failures,omitempty"`
	Usage    *domain.QuotaUsage `json:"usage"`
}

// DeleteCampaignResult reports what a Delete removed.
type DeleteCampaignResult struct {
	CampaignID     uuid.UUID `json:"campaign_id"`
	CodesDeleted   int       `json:"codes_deleted"`
	AssetsOrphaned int       `json:"assets_orphaned"`
}

// ListCampaignsResult is one page of campaigns.
type ListCampaignsResult struct {
	Campaigns []domain.Campaign  `json:"campaigns"`
	Total     int                `json:"total"`
	Limit     int                `json:"limit"`
	Offset    int                `json:"offset"`
	HasMore   bool               `json:"has_more"`
	Usage     *domain.QuotaUsage `json:"usage"`
}

// ListCodesParams selects a page of codes. AccountID is used only when
// CampaignID is empty and defaults to the actor's account.
type ListCodesParams struct {
	CampaignID uuid.UUID
	AccountID  uuid.UUID
	Search     string
	Limit      int
	Offset     int
}

// ListCodesResult is one page of codes.
type ListCodesResult struct {
	Codes   []domain.Code `json:"codes"`
	Total   int           `json:"total"`
	Limit   int           `json:"limit"`
	Offset  int           `json:"offset"`
	HasMore bool          `json:"has_more"`
}

// =============================================================================
// Implementation
// =============================================================================

// tokenRounds bounds how many times colliding tokens are redrawn.
const tokenRounds = 5

type campaignService struct {
	repo     repository.Repository
	renderer CodeRenderer
	policy   domain.QuotaPolicy
	now      Clock
	tokens   TokenGenerator
	logger   *slog.Logger
}

// NewCampaignService creates a new CampaignService.
func NewCampaignService(repo repository.Repository, renderer CodeRenderer, policy domain.QuotaPolicy, logger *slog.Logger, opts ...Option) CampaignService {
	o := buildOptions(opts)
	return &campaignService{
		repo:     repo,
		renderer: renderer,
		policy:   policy,
		now:      o.clock,
		tokens:   o.tokens,
		logger:   logger,
	}
}

func (s *campaignService) Create(ctx context.Context, actor domain.Actor, params domain.CreateCampaignParams) (*CreateCampaignResult, error) {
	const op = "campaign.create"

	if params.OwnerAccountID == uuid.Nil {
		params.OwnerAccountID = actor.AccountID
	}
	if !actor.CanManage(params.OwnerAccountID) {
		return nil, domain.Unauthorized(op, "cannot create campaigns for another account")
	}

	params.Normalize()
	now := s.now()
	if err := params.Validate(op, now); err != nil {
		return nil, err
	}

	// Refuse early so no images are rendered for a request that cannot fit.
	// The binding check runs again under the account lock below.
	account, err := s.repo.GetAccount(ctx, params.OwnerAccountID)
	if err != nil {
		return nil, err
	}
	if err := account.AdmitCreation(op, s.policy, now, 1, int64(params.CodeCount)); err != nil {
		s.logRejection(account, err)
		return nil, err
	}

	tokens, err := s.generateTokens(ctx, op, params.CodeCount)
	if err != nil {
		return nil, err
	}

	campaign := domain.NewCampaign(params, now)
	codes, failures := s.render(ctx, campaign, tokens, now)
	if len(codes) == 0 {
		return nil, &domain.Error{
			Code:    domain.ERENDER,
			Op:      op,
			Message: "no code images could be rendered",
			Err:     failures[0].err,
		}
	}

	updated, err := s.repo.InsertCampaign(ctx, campaign, codes, func(a *domain.Account) error {
		return a.AdmitCreation(op, s.policy, now, 1, int64(len(codes)))
	})
	if err != nil {
		s.removeAssets(ctx, codes)
		s.logRejection(account, err)
		return nil, err
	}

	metrics.CampaignsCreated.Inc()
	metrics.CodesCreated.Add(float64(len(codes)))
	metrics.AdmissionDecided(string(domain.QuotaTypeCampaign), "allowed")
	metrics.AdmissionDecided(string(domain.QuotaTypeCode), "allowed")

	s.logger.Info("campaign created",
		"campaign_id", campaign.ID,
		"owner_account_id", campaign.OwnerAccountID,
		"codes", len(codes),
		"failed", len(failures),
	)

	return &CreateCampaignResult{
		Campaign: campaign,
		Codes:    codes,
		Failures: failures,
		Usage:    updated.Usage(s.policy, now),
	}, nil
}

// generateTokens draws n distinct tokens that are not yet in use.
func (s *campaignService) generateTokens(ctx context.Context, op string, n int) ([]string, error) {
	tokens := make([]string, 0, n)
	seen := make(map[string]bool, n)

	for round := 0; len(tokens) < n; round++ {
		if round == tokenRounds {
			return nil, domain.Conflict(op, "could not generate enough unique code tokens")
		}

		missing := n - len(tokens)
		candidates := make([]string, 0, missing)
		for i := 0; i < missing; i++ {
			token, err := s.tokens.Generate()
			if err != nil {
				return nil, domain.Internal(err, op, "failed to generate code token")
			}
			if seen[token] {
				continue
			}
			seen[token] = true
			candidates = append(candidates, token)
		}

		if len(candidates) == 0 {
			continue
		}
		taken, err := s.repo.TokensExist(ctx, candidates)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to check code tokens")
		}
		used := make(map[string]bool, len(taken))
		for _, t := range taken {
			used[t] = true
		}
		for _, t := range candidates {
			if !used[t] {
				tokens = append(tokens, t)
			}
		}
	}
	return tokens, nil
}

// render produces one image per token. A failed render drops that code.
func (s *campaignService) render(ctx context.Context, campaign *domain.Campaign, tokens []string, now time.Time) ([]*domain.Code, []CodeFailure) {
	codes := make([]*domain.Code, 0, len(tokens))
	var failures []CodeFailure

	for i, token := range tokens {
		ref, err := s.renderer.Render(ctx, campaign.ID, token)
		if err != nil {
			metrics.CodeRenderFailures.Inc()
			s.logger.Warn("code render failed",
				"campaign_id", campaign.ID,
				"token", token,
				"error", err,
			)
			failures = append(failures, CodeFailure{
				Index: i,
				Token: token,
				Error: domain.ErrorMessage(err),
				err:   err,
			})
			continue
		}
		codes = append(codes, domain.NewCode(campaign, token, ref, now))
	}
	return codes, failures
}

func (s *campaignService) removeAssets(ctx context.Context, codes []*domain.Code) {
	for _, code := range codes {
		s.removeAsset(ctx, code.ImageAssetRef)
	}
}

func (s *campaignService) removeAsset(ctx context.Context, ref string) bool {
	if err := s.renderer.Remove(ctx, ref); err != nil {
		metrics.AssetCleanupFailures.Inc()
		s.logger.Warn("failed to remove code image", "asset_ref", ref, "error", err)
		return false
	}
	return true
}

func (s *campaignService) logRejection(account *domain.Account, err error) {
	switch domain.ErrorCode(err) {
	case domain.EQUOTA:
		detail, _ := domain.QuotaDetailOf(err)
		metrics.AdmissionDecided(string(detail.Type), "denied")
		s.logger.Info("quota exceeded",
			"account_id", account.ID,
			"tier", account.SubscriptionTier,
			"type", detail.Type,
			"used", detail.Used,
			"limit", detail.Limit,
		)
	case domain.EPLANINACTIVE:
		s.logger.Info("creation refused on inactive plan", "account_id", account.ID)
	}
}

func (s *campaignService) Get(ctx context.Context, actor domain.Actor, id uuid.UUID) (*domain.Campaign, error) {
	const op = "campaign.get"

	campaign, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(campaign.OwnerAccountID) {
		return nil, domain.Unauthorized(op, "cannot access this campaign")
	}
	return campaign, nil
}

func (s *campaignService) Update(ctx context.Context, actor domain.Actor, params domain.UpdateCampaignParams) (*domain.Campaign, error) {
	const op = "campaign.update"

	campaign, err := s.repo.UpdateCampaign(ctx, params.ID, func(c *domain.Campaign) error {
		if !actor.CanManage(c.OwnerAccountID) {
			return domain.Unauthorized(op, "cannot modify this campaign")
		}
		return params.Apply(op, c, s.now())
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("campaign updated", "campaign_id", campaign.ID, "is_active", campaign.IsActive)
	return campaign, nil
}

func (s *campaignService) Delete(ctx context.Context, actor domain.Actor, id uuid.UUID) (*DeleteCampaignResult, error) {
	const op = "campaign.delete"

	campaign, err := s.repo.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(campaign.OwnerAccountID) {
		return nil, domain.Unauthorized(op, "cannot delete this campaign")
	}

	refs, err := s.repo.DeleteCampaign(ctx, id)
	if err != nil {
		return nil, err
	}
	metrics.CampaignDeleted(len(refs))

	result := &DeleteCampaignResult{CampaignID: id, CodesDeleted: len(refs)}
	for _, ref := range refs {
		if !s.removeAsset(ctx, ref) {
			result.AssetsOrphaned++
		}
	}

	s.logger.Info("campaign deleted",
		"campaign_id", id,
		"codes_deleted", result.CodesDeleted,
		"assets_orphaned", result.AssetsOrphaned,
	)
	return result, nil
}

func (s *campaignService) ListCampaigns(ctx context.Context, actor domain.Actor, accountID uuid.UUID, limit, offset int) (*ListCampaignsResult, error) {
	const op = "campaign.list"

	if accountID == uuid.Nil {
		accountID = actor.AccountID
	}
	if accountID == uuid.Nil {
		return nil, domain.Invalid(op, "account is required")
	}
	if !actor.CanManage(accountID) {
		return nil, domain.Unauthorized(op, "cannot list campaigns of this account")
	}

	now := s.now()
	account, err := ensureCurrentMonth(ctx, s.repo, accountID, now, s.logger)
	if err != nil {
		return nil, err
	}

	limit, offset = page(limit, offset)
	campaigns, total, err := s.repo.ListCampaigns(ctx, repository.ListCampaignsParams{
		OwnerAccountID: accountID,
		Limit:          limit,
		Offset:         offset,
	})
	if err != nil {
		return nil, err
	}

	return &ListCampaignsResult{
		Campaigns: campaigns,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
		HasMore:   offset+len(campaigns) < total,
		Usage:     account.Usage(s.policy, now),
	}, nil
}

func (s *campaignService) ListCodes(ctx context.Context, actor domain.Actor, params ListCodesParams) (*ListCodesResult, error) {
	const op = "campaign.list_codes"

	query := repository.ListCodesParams{CampaignID: params.CampaignID, Search: params.Search}
	if params.CampaignID != uuid.Nil {
		campaign, err := s.repo.GetCampaign(ctx, params.CampaignID)
		if err != nil {
			return nil, err
		}
		if !actor.CanManage(campaign.OwnerAccountID) {
			return nil, domain.Unauthorized(op, "cannot access this campaign")
		}
	} else {
		owner := params.AccountID
		if owner == uuid.Nil {
			owner = actor.AccountID
		}
		if owner == uuid.Nil {
			return nil, domain.Invalid(op, "campaign or account is required")
		}
		if !actor.CanManage(owner) {
			return nil, domain.Unauthorized(op, "cannot access codes of this account")
		}
		query.OwnerAccountID = owner
	}

	query.Limit, query.Offset = page(params.Limit, params.Offset)
	codes, total, err := s.repo.ListCodes(ctx, query)
	if err != nil {
		return nil, err
	}

	return &ListCodesResult{
		Codes:   codes,
		Total:   total,
		Limit:   query.Limit,
		Offset:  query.Offset,
		HasMore: query.Offset+len(codes) < total,
	}, nil
}

// page applies the default page size and clamps a negative offset.
func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = repository.DefaultPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
