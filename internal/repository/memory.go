package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/google/uuid"
)

var _ Repository = (*Memory)(nil)

// Memory is an in-process Repository. A single mutex serializes every
// operation, which gives the same atomicity as the Postgres row locks.
type Memory struct {
	mu sync.Mutex

	accounts     map[uuid.UUID]domain.Account
	accountOrder []uuid.UUID
	campaigns    map[uuid.UUID]domain.Campaign
	codes        map[uuid.UUID]domain.Code
	tokens       map[string]uuid.UUID
	scans        map[uuid.UUID][]domain.ScanEvent
	shares       map[uuid.UUID][]domain.ShareEvent
	adjustments  map[uuid.UUID][]domain.UsageAdjustment
	nextEventID  int64
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		accounts:    make(map[uuid.UUID]domain.Account),
		campaigns:   make(map[uuid.UUID]domain.Campaign),
		codes:       make(map[uuid.UUID]domain.Code),
		tokens:      make(map[string]uuid.UUID),
		scans:       make(map[uuid.UUID][]domain.ScanEvent),
		shares:      make(map[uuid.UUID][]domain.ShareEvent),
		adjustments: make(map[uuid.UUID][]domain.UsageAdjustment),
	}
}

// =============================================================================
// Accounts
// =============================================================================

func (m *Memory) CreateAccount(ctx context.Context, account *domain.Account) error {
	const op = "repository.create_account"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.ID]; ok {
		return domain.Conflict(op, "account already exists")
	}
	for _, a := range m.accounts {
		if a.Email == account.Email {
			return domain.Conflict(op, "account already exists")
		}
	}
	m.accounts[account.ID] = *account
	m.accountOrder = append(m.accountOrder, account.ID)
	return nil
}

func (m *Memory) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	const op = "repository.get_account"

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.NotFound(op, "account", id.String())
	}
	return &a, nil
}

func (m *Memory) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]uuid.UUID(nil), m.accountOrder...), nil
}

func (m *Memory) MutateAccount(ctx context.Context, id uuid.UUID, fn func(*domain.Account) error) (*domain.Account, error) {
	const op = "repository.mutate_account"

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[id]
	if !ok {
		return nil, domain.NotFound(op, "account", id.String())
	}
	if err := fn(&a); err != nil {
		return nil, err
	}
	a.UpdatedAt = time.Now()
	m.accounts[id] = a
	return &a, nil
}

func (m *Memory) CountOwned(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var campaigns, codes int64
	owned := make(map[uuid.UUID]bool)
	for id, c := range m.campaigns {
		if c.OwnerAccountID != accountID {
			continue
		}
		owned[id] = true
		if !c.CreatedAt.Before(since) {
			campaigns++
		}
	}
	for _, code := range m.codes {
		if owned[code.CampaignID] && !code.CreatedAt.Before(since) {
			codes++
		}
	}
	return campaigns, codes, nil
}

// =============================================================================
// Campaigns
// =============================================================================

func (m *Memory) InsertCampaign(ctx context.Context, campaign *domain.Campaign, codes []*domain.Code, admit func(*domain.Account) error) (*domain.Account, error) {
	const op = "repository.insert_campaign"

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[campaign.OwnerAccountID]
	if !ok {
		return nil, domain.NotFound(op, "account", campaign.OwnerAccountID.String())
	}
	if _, ok := m.campaigns[campaign.ID]; ok {
		return nil, domain.Conflict(op, "campaign already exists")
	}

	seen := make(map[string]bool, len(codes))
	for _, code := range codes {
		if _, taken := m.tokens[code.Token]; taken || seen[code.Token] {
			return nil, domain.Conflict(op, "code token already in use")
		}
		seen[code.Token] = true
	}

	if err := admit(&a); err != nil {
		return nil, err
	}

	a.UpdatedAt = time.Now()
	m.accounts[a.ID] = a
	m.campaigns[campaign.ID] = *campaign
	for _, code := range codes {
		m.codes[code.ID] = *code
		m.tokens[code.Token] = code.ID
	}
	return &a, nil
}

func (m *Memory) ListCampaigns(ctx context.Context, params ListCampaignsParams) ([]domain.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []domain.Campaign
	for _, c := range m.campaigns {
		if c.OwnerAccountID == params.OwnerAccountID {
			owned = append(owned, c)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].CreatedAt.Equal(owned[j].CreatedAt) {
			return owned[i].ID.String() < owned[j].ID.String()
		}
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	start, end := pageBounds(len(owned), params.offset(), params.limit())
	return owned[start:end], len(owned), nil
}

func (m *Memory) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	const op = "repository.get_campaign"

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, domain.NotFound(op, "campaign", id.String())
	}
	return &c, nil
}

func (m *Memory) UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error) {
	const op = "repository.update_campaign"

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.campaigns[id]
	if !ok {
		return nil, domain.NotFound(op, "campaign", id.String())
	}
	if err := fn(&c); err != nil {
		return nil, err
	}
	m.campaigns[id] = c
	return &c, nil
}

func (m *Memory) DeleteCampaign(ctx context.Context, id uuid.UUID) ([]string, error) {
	const op = "repository.delete_campaign"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.campaigns[id]; !ok {
		return nil, domain.NotFound(op, "campaign", id.String())
	}

	var refs []string
	for codeID, code := range m.codes {
		if code.CampaignID != id {
			continue
		}
		refs = append(refs, code.ImageAssetRef)
		delete(m.codes, codeID)
		delete(m.tokens, code.Token)
		delete(m.scans, codeID)
		delete(m.shares, codeID)
		delete(m.adjustments, codeID)
	}
	delete(m.campaigns, id)
	sort.Strings(refs)
	return refs, nil
}

// =============================================================================
// Codes
// =============================================================================

func (m *Memory) lookup(key CodeKey) (domain.Code, bool) {
	if key.ID != uuid.Nil {
		c, ok := m.codes[key.ID]
		return c, ok
	}
	id, ok := m.tokens[key.Token]
	if !ok {
		return domain.Code{}, false
	}
	c, ok := m.codes[id]
	return c, ok
}

func (m *Memory) GetCode(ctx context.Context, key CodeKey) (*domain.Code, error) {
	const op = "repository.get_code"

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.lookup(key)
	if !ok {
		return nil, key.notFound(op)
	}
	return &c, nil
}

func (m *Memory) ListCodes(ctx context.Context, params ListCodesParams) ([]domain.Code, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	search := strings.ToLower(strings.TrimSpace(params.Search))
	var matched []domain.Code
	for _, c := range m.codes {
		if params.CampaignID != uuid.Nil {
			if c.CampaignID != params.CampaignID {
				continue
			}
		} else if m.campaigns[c.CampaignID].OwnerAccountID != params.OwnerAccountID {
			continue
		}
		if search != "" && !strings.Contains(c.Token, search) {
			continue
		}
		matched = append(matched, c)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Token < matched[j].Token
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	start, end := pageBounds(len(matched), params.offset(), params.limit())
	return matched[start:end], len(matched), nil
}

func pageBounds(total, offset, limit int) (int, int) {
	start := offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return start, end
}

func (m *Memory) TokensExist(ctx context.Context, tokens []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var taken []string
	for _, t := range tokens {
		if _, ok := m.tokens[t]; ok {
			taken = append(taken, t)
		}
	}
	return taken, nil
}

func (m *Memory) MutateCode(ctx context.Context, key CodeKey, fn func(*domain.Code, *domain.Campaign) (*CodeMutation, error)) (*domain.Code, error) {
	const op = "repository.mutate_code"

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.lookup(key)
	if !ok {
		return nil, key.notFound(op)
	}
	campaign, ok := m.campaigns[stored.CampaignID]
	if !ok {
		return nil, key.notFound(op)
	}

	code := stored
	mut, err := fn(&code, &campaign)
	if err != nil {
		return nil, err
	}
	if mut == nil {
		return &stored, nil
	}

	next := stored
	if mut.Redeemed {
		if next.UsageCount >= next.UsageLimit {
			return nil, &domain.Error{Code: domain.ELIMITREACHED, Op: op, Message: "code has reached its usage limit"}
		}
		next.UsageCount++
		next.LastRedeemedAt = code.LastRedeemedAt
	}
	if mut.Adjustment != nil {
		next.UsageCount = mut.Adjustment.NewCount
	}
	m.codes[next.ID] = next

	if mut.Scan != nil {
		m.nextEventID++
		mut.Scan.ID = m.nextEventID
		mut.Scan.CodeID = next.ID
		m.scans[next.ID] = append(m.scans[next.ID], *mut.Scan)
	}
	if mut.Share != nil {
		m.nextEventID++
		mut.Share.ID = m.nextEventID
		mut.Share.CodeID = next.ID
		m.shares[next.ID] = append(m.shares[next.ID], *mut.Share)
	}
	if mut.Adjustment != nil {
		m.nextEventID++
		mut.Adjustment.ID = m.nextEventID
		mut.Adjustment.CodeID = next.ID
		m.adjustments[next.ID] = append(m.adjustments[next.ID], *mut.Adjustment)
	}
	return &next, nil
}

func (m *Memory) ListScans(ctx context.Context, codeID uuid.UUID) ([]domain.ScanEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.scans[codeID]), nil
}

func (m *Memory) ListShares(ctx context.Context, codeID uuid.UUID) ([]domain.ShareEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.shares[codeID]), nil
}

func (m *Memory) ListAdjustments(ctx context.Context, codeID uuid.UUID) ([]domain.UsageAdjustment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.adjustments[codeID]), nil
}

// newestFirst copies an append-only log in reverse insertion order.
func newestFirst[T any](events []T) []T {
	out := make([]T, len(events))
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}
