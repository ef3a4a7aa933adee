// Package service contains the business logic layer.
//
// This file implements code redemption and the per-code histories. Every
// state change runs inside repository.MutateCode so the decision and the
// write happen while the code row is locked.
package service

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/DukeRupert/promokit/internal/metrics"
	"github.com/DukeRupert/promokit/internal/repository"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// RedemptionService defines operations on individual codes.
type RedemptionService interface {
	// Redeem applies one redemption attempt for token at time at. A repeat
	// inside domain.RedemptionWindow returns the unchanged code with
	// Duplicate set.
	Redeem(ctx context.Context, token string, at time.Time, origin domain.ScanOrigin) (*domain.RedemptionResult, error)

	// Lookup returns the public view of a code without changing it.
	Lookup(ctx context.Context, token string) (*domain.CodeView, error)

	// GetCode returns a code with its scan, share and adjustment histories.
	GetCode(ctx context.Context, actor domain.Actor, codeID uuid.UUID) (*domain.CodeDetail, error)

	// Share records that the code was shared on platform.
	Share(ctx context.Context, actor domain.Actor, codeID uuid.UUID, platform domain.SharePlatform, message string) (*domain.ShareEvent, error)

	// ListShares returns the code's share events, newest first.
	ListShares(ctx context.Context, actor domain.Actor, codeID uuid.UUID) (*ShareHistory, error)

	// AdjustUsage overwrites the usage count as an audited correction.
	AdjustUsage(ctx context.Context, actor domain.Actor, codeID uuid.UUID, newCount int, reason string) (*domain.Code, error)
}

// ShareHistory is a code's share log.
type ShareHistory struct {
	Shares      []domain.ShareEvent `json:"shares"`
	TotalShares int                 `json:"total_shares"`
}

// =============================================================================
// Implementation
// =============================================================================

type redemptionService struct {
	repo     repository.Repository
	renderer CodeRenderer
	now      Clock
	logger   *slog.Logger
}

// NewRedemptionService creates a new RedemptionService. The renderer
// resolves image URLs for public lookups.
func NewRedemptionService(repo repository.Repository, renderer CodeRenderer, logger *slog.Logger, opts ...Option) RedemptionService {
	o := buildOptions(opts)
	return &redemptionService{
		repo:     repo,
		renderer: renderer,
		now:      o.clock,
		logger:   logger,
	}
}

func (s *redemptionService) Redeem(ctx context.Context, token string, at time.Time, origin domain.ScanOrigin) (*domain.RedemptionResult, error) {
	const op = "code.redeem"
	start := time.Now()

	token = domain.NormalizeToken(token)
	if token == "" {
		return nil, domain.Errorf(domain.ENOTFOUND, op, "code not found")
	}
	if at.IsZero() {
		at = s.now()
	}

	var outcome domain.RedeemOutcome
	code, err := s.repo.MutateCode(ctx, repository.ByToken(token), func(c *domain.Code, campaign *domain.Campaign) (*repository.CodeMutation, error) {
		o, err := c.Redeem(op, campaign, at)
		if err != nil {
			return nil, err
		}
		outcome = o
		if o == domain.OutcomeDuplicate {
			return nil, nil
		}
		return &repository.CodeMutation{
			Redeemed: true,
			Scan:     &domain.ScanEvent{ScannedAt: at, Origin: origin},
		}, nil
	})
	if err != nil {
		label := domain.ErrorCode(err)
		metrics.RedemptionObserved(label, time.Since(start))
		if label == domain.EINTERNAL {
			s.logger.Error("redemption failed", "token", token, "error", err)
		} else {
			s.logger.Info("redemption rejected", "token", token, "reason", label)
		}
		return nil, err
	}

	duplicate := outcome == domain.OutcomeDuplicate
	label := "redeemed"
	if duplicate {
		label = "duplicate"
	}
	metrics.RedemptionObserved(label, time.Since(start))

	s.logger.Info("code redeemed",
		"token", token,
		"code_id", code.ID,
		"usage_count", code.UsageCount,
		"usage_limit", code.UsageLimit,
		"duplicate", duplicate,
	)

	return &domain.RedemptionResult{
		Code:      *code,
		State:     code.State(),
		Remaining: code.Remaining(),
		Duplicate: duplicate,
	}, nil
}

func (s *redemptionService) Lookup(ctx context.Context, token string) (*domain.CodeView, error) {
	code, err := s.repo.GetCode(ctx, repository.ByToken(token))
	if err != nil {
		return nil, err
	}
	campaign, err := s.repo.GetCampaign(ctx, code.CampaignID)
	if err != nil {
		return nil, err
	}

	view := domain.NewCodeView(code, campaign)
	url, err := s.renderer.URL(ctx, code.ImageAssetRef)
	if err != nil {
		s.logger.Warn("failed to resolve code image url", "token", code.Token, "asset_ref", code.ImageAssetRef, "error", err)
	}
	view.ImageURL = url
	return view, nil
}

// authorize loads the code and checks the actor manages its campaign.
func (s *redemptionService) authorize(ctx context.Context, op string, actor domain.Actor, codeID uuid.UUID) (*domain.Code, error) {
	code, err := s.repo.GetCode(ctx, repository.ByID(codeID))
	if err != nil {
		return nil, err
	}
	campaign, err := s.repo.GetCampaign(ctx, code.CampaignID)
	if err != nil {
		return nil, err
	}
	if !actor.CanManage(campaign.OwnerAccountID) {
		return nil, domain.Unauthorized(op, "cannot access this code")
	}
	return code, nil
}

func (s *redemptionService) GetCode(ctx context.Context, actor domain.Actor, codeID uuid.UUID) (*domain.CodeDetail, error) {
	const op = "code.get"

	code, err := s.authorize(ctx, op, actor, codeID)
	if err != nil {
		return nil, err
	}

	scans, err := s.repo.ListScans(ctx, code.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list scans")
	}
	shares, err := s.repo.ListShares(ctx, code.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list shares")
	}
	adjustments, err := s.repo.ListAdjustments(ctx, code.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list adjustments")
	}

	return &domain.CodeDetail{
		Code:        *code,
		State:       code.State(),
		Scans:       scans,
		Shares:      shares,
		Adjustments: adjustments,
	}, nil
}

func (s *redemptionService) Share(ctx context.Context, actor domain.Actor, codeID uuid.UUID, platform domain.SharePlatform, message string) (*domain.ShareEvent, error) {
	const op = "code.share"

	platform = domain.SharePlatform(strings.ToLower(strings.TrimSpace(string(platform))))
	if !platform.IsValid() {
		return nil, domain.NewValidationError(op, "platform", "unknown share platform")
	}
	message = strings.TrimSpace(message)
	if utf8.RuneCountInString(message) > domain.MaxShareMessageLength {
		return nil, domain.NewValidationError(op, "message", "must be at most 1000 characters")
	}

	event := &domain.ShareEvent{
		Platform: platform,
		SharedAt: s.now(),
		ActorID:  actor.AccountID,
		Message:  message,
	}
	_, err := s.repo.MutateCode(ctx, repository.ByID(codeID), func(c *domain.Code, campaign *domain.Campaign) (*repository.CodeMutation, error) {
		if !actor.CanManage(campaign.OwnerAccountID) {
			return nil, domain.Unauthorized(op, "cannot share this code")
		}
		return &repository.CodeMutation{Share: event}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ShareEventsTotal.WithLabelValues(string(platform)).Inc()
	s.logger.Debug("code shared", "code_id", codeID, "platform", platform)
	return event, nil
}

func (s *redemptionService) ListShares(ctx context.Context, actor domain.Actor, codeID uuid.UUID) (*ShareHistory, error) {
	const op = "code.list_shares"

	code, err := s.authorize(ctx, op, actor, codeID)
	if err != nil {
		return nil, err
	}
	shares, err := s.repo.ListShares(ctx, code.ID)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to list shares")
	}
	return &ShareHistory{Shares: shares, TotalShares: len(shares)}, nil
}

func (s *redemptionService) AdjustUsage(ctx context.Context, actor domain.Actor, codeID uuid.UUID, newCount int, reason string) (*domain.Code, error) {
	const op = "code.adjust_usage"

	var adjustment *domain.UsageAdjustment
	code, err := s.repo.MutateCode(ctx, repository.ByID(codeID), func(c *domain.Code, _ *domain.Campaign) (*repository.CodeMutation, error) {
		adj, err := c.Adjust(op, actor, newCount, reason, s.now())
		if err != nil {
			return nil, err
		}
		adjustment = adj
		return &repository.CodeMutation{Adjustment: adj}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.UsageAdjustmentsTotal.Inc()
	s.logger.Info("code usage adjusted",
		"code_id", code.ID,
		"actor_id", adjustment.ActorID,
		"previous_count", adjustment.PreviousCount,
		"new_count", adjustment.NewCount,
		"reason", adjustment.Reason,
	)
	return code, nil
}
