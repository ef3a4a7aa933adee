// Package repository persists accounts, campaigns and codes.
//
// Two implementations share the Repository interface:
// - Postgres: sqlx over the pgx driver, row locks inside transactions
// - Memory: a mutex-guarded store used by tests and local tooling
//
// Every read-check-write sequence is expressed as a Mutate* call that runs
// the caller's decision function while the row is locked, so the check and
// the write form one unit.
package repository

import (
	"context"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Repository is the storage contract used by the service layer.
type Repository interface {
	// CreateAccount inserts a new account.
	CreateAccount(ctx context.Context, account *domain.Account) error

	// GetAccount returns the account or a not_found error.
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// ListAccountIDs returns all account IDs in creation order.
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)

	// MutateAccount locks the account, runs fn and persists the result if fn
	// returns nil.
	MutateAccount(ctx context.Context, id uuid.UUID, fn func(*domain.Account) error) (*domain.Account, error)

	// CountOwned counts campaigns and codes owned by the account that were
	// created at or after since. A zero since counts everything.
	CountOwned(ctx context.Context, accountID uuid.UUID, since time.Time) (campaigns, codes int64, err error)

	// InsertCampaign locks the owning account, runs admit against it and, if
	// admit succeeds, stores the updated counters, the campaign and its codes
	// as one unit.
	InsertCampaign(ctx context.Context, campaign *domain.Campaign, codes []*domain.Code, admit func(*domain.Account) error) (*domain.Account, error)

	// ListCampaigns returns one page of an account's campaigns, newest
	// first, and the total number the account owns.
	ListCampaigns(ctx context.Context, params ListCampaignsParams) ([]domain.Campaign, int, error)

	// GetCampaign returns the campaign or a not_found error.
	GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)

	// UpdateCampaign locks the campaign, runs fn and persists the result if fn
	// returns nil.
	UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error)

	// DeleteCampaign removes the campaign and all of its codes as one unit and
	// returns the image asset references of the removed codes.
	DeleteCampaign(ctx context.Context, id uuid.UUID) ([]string, error)

	// GetCode returns the code or a not_found error.
	GetCode(ctx context.Context, key CodeKey) (*domain.Code, error)

	// ListCodes returns one page of codes, newest first, and the total
	// number of matching codes.
	ListCodes(ctx context.Context, params ListCodesParams) ([]domain.Code, int, error)

	// TokensExist returns the subset of tokens already in use.
	TokensExist(ctx context.Context, tokens []string) ([]string, error)

	// MutateCode locks the code and reads its campaign, runs fn and applies
	// the returned mutation. A nil mutation writes nothing.
	MutateCode(ctx context.Context, key CodeKey, fn func(*domain.Code, *domain.Campaign) (*CodeMutation, error)) (*domain.Code, error)

	// ListScans returns a code's scan history, newest first.
	ListScans(ctx context.Context, codeID uuid.UUID) ([]domain.ScanEvent, error)

	// ListShares returns a code's share events, newest first.
	ListShares(ctx context.Context, codeID uuid.UUID) ([]domain.ShareEvent, error)

	// ListAdjustments returns a code's usage adjustments, newest first.
	ListAdjustments(ctx context.Context, codeID uuid.UUID) ([]domain.UsageAdjustment, error)
}

// =============================================================================
// Data Types
// =============================================================================

// CodeKey selects a code by ID or by token. ID wins when both are set.
type CodeKey struct {
	ID    uuid.UUID
	Token string
}

// ByID selects a code by its ID.
func ByID(id uuid.UUID) CodeKey {
	return CodeKey{ID: id}
}

// ByToken selects a code by its token.
func ByToken(token string) CodeKey {
	return CodeKey{Token: domain.NormalizeToken(token)}
}

func (k CodeKey) String() string {
	if k.ID != uuid.Nil {
		return k.ID.String()
	}
	return k.Token
}

func (k CodeKey) notFound(op string) error {
	if k.ID != uuid.Nil {
		return domain.NotFound(op, "code", k.ID.String())
	}
	return domain.Errorf(domain.ENOTFOUND, op, "code %q not found", k.Token)
}

// CodeMutation describes what MutateCode persists after the decision
// function ran. Redeemed increments usage_count by one only while it is
// below usage_limit.
type CodeMutation struct {
	Redeemed   bool
	Scan       *domain.ScanEvent
	Share      *domain.ShareEvent
	Adjustment *domain.UsageAdjustment
}

// ListCodesParams selects a page of codes. CampaignID narrows the page to
// one campaign; without it the page spans every campaign of
// OwnerAccountID.
type ListCodesParams struct {
	CampaignID     uuid.UUID
	OwnerAccountID uuid.UUID
	Search         string // token substring, case-insensitive
	Limit          int
	Offset         int
}

// ListCampaignsParams selects a page of an account's campaigns.
type ListCampaignsParams struct {
	OwnerAccountID uuid.UUID
	Limit          int
	Offset         int
}

// DefaultPageSize applies when Limit is not positive.
const DefaultPageSize = 20

func pageLimit(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func pageOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}

func (p ListCodesParams) limit() int  { return pageLimit(p.Limit) }
func (p ListCodesParams) offset() int { return pageOffset(p.Offset) }

func (p ListCampaignsParams) limit() int  { return pageLimit(p.Limit) }
func (p ListCampaignsParams) offset() int { return pageOffset(p.Offset) }
