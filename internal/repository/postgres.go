package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DukeRupert/promokit/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sqlc-dev/pqtype"
)

var _ Repository = (*Postgres)(nil)

// Postgres error codes handled explicitly.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// codeBatchSize keeps a bulk insert under the bind parameter limit.
const codeBatchSize = 500

// DBExecutor is satisfied by *sqlx.DB and *sqlx.Tx.
type DBExecutor interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// Postgres is the production Repository.
type Postgres struct {
	db         *sqlx.DB
	logger     *slog.Logger
	maxRetries int
}

// NewPostgres wraps an open database. The handle must use the "pgx" driver.
func NewPostgres(db *sqlx.DB, logger *slog.Logger) *Postgres {
	return &Postgres{
		db:         db,
		logger:     logger,
		maxRetries: 3,
	}
}

// =============================================================================
// Transactions
// =============================================================================

// inTx runs fn in a transaction, retrying serialization failures and
// deadlocks. When retries run out the error becomes a conflict.
func (p *Postgres) inTx(ctx context.Context, op string, fn func(tx *sqlx.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := p.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		if attempt >= p.maxRetries {
			return domain.Wrap(err, domain.ECONFLICT, op, "concurrent update, please retry")
		}

		p.logger.Warn("retrying transaction",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return domain.Internal(ctx.Err(), op, "transaction retry cancelled")
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (p *Postgres) runTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	code := pgCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

// passOrWrap wraps infrastructure errors and passes domain errors through.
func passOrWrap(err error, op, message string) error {
	var de *domain.Error
	var ve *domain.ValidationError
	if errors.As(err, &de) || errors.As(err, &ve) {
		return err
	}
	if isRetryable(err) {
		return err
	}
	return domain.Internal(err, op, message)
}

// =============================================================================
// Row Types
// =============================================================================

type accountRow struct {
	ID                    uuid.UUID    `db:"id"`
	Email                 string       `db:"email"`
	SubscriptionTier      string       `db:"subscription_tier"`
	SubscriptionExpiresAt sql.NullTime `db:"subscription_expires_at"`
	CountedMonth          string       `db:"counted_month"`
	CampaignsThisMonth    int64        `db:"campaigns_this_month"`
	CodesThisMonth        int64        `db:"codes_this_month"`
	CampaignsTotal        int64        `db:"campaigns_total"`
	CodesTotal            int64        `db:"codes_total"`
	CreatedAt             time.Time    `db:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at"`
}

func (r accountRow) toDomain() *domain.Account {
	return &domain.Account{
		ID:                    r.ID,
		Email:                 r.Email,
		SubscriptionTier:      domain.SubscriptionTier(r.SubscriptionTier),
		SubscriptionExpiresAt: nullTime(r.SubscriptionExpiresAt),
		CountedMonth:          r.CountedMonth,
		CampaignsThisMonth:    r.CampaignsThisMonth,
		CodesThisMonth:        r.CodesThisMonth,
		CampaignsTotal:        r.CampaignsTotal,
		CodesTotal:            r.CodesTotal,
		CreatedAt:             r.CreatedAt,
		UpdatedAt:             r.UpdatedAt,
	}
}

type campaignRow struct {
	ID                     uuid.UUID    `db:"id"`
	OwnerAccountID         uuid.UUID    `db:"owner_account_id"`
	Name                   string       `db:"name"`
	Description            string       `db:"description"`
	RedemptionLimitPerCode int          `db:"redemption_limit_per_code"`
	RequestedCodeCount     int          `db:"requested_code_count"`
	IsActive               bool         `db:"is_active"`
	ExpiresAt              sql.NullTime `db:"expires_at"`
	CreatedAt              time.Time    `db:"created_at"`
	UpdatedAt              time.Time    `db:"updated_at"`
}

func (r campaignRow) toDomain() *domain.Campaign {
	return &domain.Campaign{
		ID:                     r.ID,
		OwnerAccountID:         r.OwnerAccountID,
		Name:                   r.Name,
		Description:            r.Description,
		RedemptionLimitPerCode: r.RedemptionLimitPerCode,
		RequestedCodeCount:     r.RequestedCodeCount,
		IsActive:               r.IsActive,
		ExpiresAt:              nullTime(r.ExpiresAt),
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

type codeRow struct {
	ID             uuid.UUID    `db:"id"`
	Token          string       `db:"token"`
	CampaignID     uuid.UUID    `db:"campaign_id"`
	UsageCount     int          `db:"usage_count"`
	UsageLimit     int          `db:"usage_limit"`
	LastRedeemedAt sql.NullTime `db:"last_redeemed_at"`
	ImageAssetRef  string       `db:"image_asset_ref"`
	CreatedAt      time.Time    `db:"created_at"`
}

func (r codeRow) toDomain() domain.Code {
	return domain.Code{
		ID:             r.ID,
		Token:          r.Token,
		CampaignID:     r.CampaignID,
		UsageCount:     r.UsageCount,
		UsageLimit:     r.UsageLimit,
		LastRedeemedAt: nullTime(r.LastRedeemedAt),
		ImageAssetRef:  r.ImageAssetRef,
		CreatedAt:      r.CreatedAt,
	}
}

type scanRow struct {
	ID        int64                 `db:"id"`
	CodeID    uuid.UUID             `db:"code_id"`
	ScannedAt time.Time             `db:"scanned_at"`
	Origin    pqtype.NullRawMessage `db:"origin"`
}

type shareRow struct {
	ID       int64     `db:"id"`
	CodeID   uuid.UUID `db:"code_id"`
	Platform string    `db:"platform"`
	SharedAt time.Time `db:"shared_at"`
	ActorID  uuid.UUID `db:"actor_id"`
	Message  string    `db:"message"`
}

type adjustmentRow struct {
	ID            int64     `db:"id"`
	CodeID        uuid.UUID `db:"code_id"`
	AdjustedAt    time.Time `db:"adjusted_at"`
	ActorID       uuid.UUID `db:"actor_id"`
	PreviousCount int       `db:"previous_count"`
	NewCount      int       `db:"new_count"`
	Reason        string    `db:"reason"`
}

func nullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		t := nt.Time
		return &t
	}
	return nil
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func originJSON(o domain.ScanOrigin) (pqtype.NullRawMessage, error) {
	if o.IsZero() {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}

const (
	accountColumns  = `id, email, subscription_tier, subscription_expires_at, counted_month, campaigns_this_month, codes_this_month, campaigns_total, codes_total, created_at, updated_at`
	campaignColumns = `id, owner_account_id, name, description, redemption_limit_per_code, requested_code_count, is_active, expires_at, created_at, updated_at`
	codeColumns     = `id, token, campaign_id, usage_count, usage_limit, last_redeemed_at, image_asset_ref, created_at`
)

// =============================================================================
// Accounts
// =============================================================================

func (p *Postgres) CreateAccount(ctx context.Context, a *domain.Account) error {
	const op = "repository.create_account"

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := p.db.ExecContext(ctx, query,
		a.ID, a.Email, string(a.SubscriptionTier), toNullTime(a.SubscriptionExpiresAt), a.CountedMonth,
		a.CampaignsThisMonth, a.CodesThisMonth, a.CampaignsTotal, a.CodesTotal, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return domain.Conflict(op, "account already exists")
		}
		return domain.Internal(err, op, "failed to create account")
	}
	return nil
}

func (p *Postgres) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	const op = "repository.get_account"

	var row accountRow
	err := p.db.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "account", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get account")
	}
	return row.toDomain(), nil
}

func (p *Postgres) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	const op = "repository.list_account_ids"

	var ids []uuid.UUID
	if err := p.db.SelectContext(ctx, &ids, `SELECT id FROM accounts ORDER BY created_at, id`); err != nil {
		return nil, domain.Internal(err, op, "failed to list accounts")
	}
	return ids, nil
}

// lockAccount takes a row lock that still lets other transactions insert
// campaigns referencing the account.
func lockAccount(ctx context.Context, tx DBExecutor, op string, id uuid.UUID) (*domain.Account, error) {
	var row accountRow
	err := tx.GetContext(ctx, &row, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR NO KEY UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "account", id.String())
		}
		return nil, err
	}
	return row.toDomain(), nil
}

func saveAccount(ctx context.Context, tx DBExecutor, a *domain.Account) error {
	query := `
		UPDATE accounts
		SET subscription_tier = $2,
			subscription_expires_at = $3,
			counted_month = $4,
			campaigns_this_month = $5,
			codes_this_month = $6,
			campaigns_total = $7,
			codes_total = $8,
			updated_at = $9
		WHERE id = $1
	`
	a.UpdatedAt = time.Now().UTC()
	_, err := tx.ExecContext(ctx, query,
		a.ID, string(a.SubscriptionTier), toNullTime(a.SubscriptionExpiresAt), a.CountedMonth,
		a.CampaignsThisMonth, a.CodesThisMonth, a.CampaignsTotal, a.CodesTotal, a.UpdatedAt,
	)
	return err
}

func (p *Postgres) MutateAccount(ctx context.Context, id uuid.UUID, fn func(*domain.Account) error) (*domain.Account, error) {
	const op = "repository.mutate_account"

	var result *domain.Account
	err := p.inTx(ctx, op, func(tx *sqlx.Tx) error {
		a, err := lockAccount(ctx, tx, op, id)
		if err != nil {
			return err
		}
		if err := fn(a); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}
		result = a
		return nil
	})
	if err != nil {
		return nil, passOrWrap(err, op, "failed to update account")
	}
	return result, nil
}

func (p *Postgres) CountOwned(ctx context.Context, accountID uuid.UUID, since time.Time) (int64, int64, error) {
	const op = "repository.count_owned"

	var counts struct {
		Campaigns int64 `db:"campaigns"`
		Codes     int64 `db:"codes"`
	}
	query := `
		SELECT
			(SELECT count(*) FROM campaigns
			 WHERE owner_account_id = $1 AND created_at >= $2) AS campaigns,
			(SELECT count(*) FROM codes c
			 JOIN campaigns p ON p.id = c.campaign_id
			 WHERE p.owner_account_id = $1 AND c.created_at >= $2) AS codes
	`
	if err := p.db.GetContext(ctx, &counts, query, accountID, since.UTC()); err != nil {
		return 0, 0, domain.Internal(err, op, "failed to count owned records")
	}
	return counts.Campaigns, counts.Codes, nil
}

// =============================================================================
// Campaigns
// =============================================================================

func (p *Postgres) InsertCampaign(ctx context.Context, c *domain.Campaign, codes []*domain.Code, admit func(*domain.Account) error) (*domain.Account, error) {
	const op = "repository.insert_campaign"

	var result *domain.Account
	err := p.inTx(ctx, op, func(tx *sqlx.Tx) error {
		a, err := lockAccount(ctx, tx, op, c.OwnerAccountID)
		if err != nil {
			return err
		}
		if err := admit(a); err != nil {
			return err
		}
		if err := saveAccount(ctx, tx, a); err != nil {
			return err
		}

		query := `
			INSERT INTO campaigns (` + campaignColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`
		_, err = tx.ExecContext(ctx, query,
			c.ID, c.OwnerAccountID, c.Name, c.Description, c.RedemptionLimitPerCode,
			c.RequestedCodeCount, c.IsActive, toNullTime(c.ExpiresAt), c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return err
		}

		for i := 0; i < len(codes); i += codeBatchSize {
			end := i + codeBatchSize
			if end > len(codes) {
				end = len(codes)
			}
			if err := insertCodeBatch(ctx, tx, codes[i:end]); err != nil {
				return err
			}
		}

		result = a
		return nil
	})
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return nil, domain.Wrap(err, domain.ECONFLICT, op, "code token already in use")
		}
		return nil, passOrWrap(err, op, "failed to insert campaign")
	}
	return result, nil
}

// insertCodeBatch inserts codes using a single multi-row statement.
func insertCodeBatch(ctx context.Context, tx DBExecutor, codes []*domain.Code) error {
	if len(codes) == 0 {
		return nil
	}

	const cols = 8
	values := make([]string, len(codes))
	args := make([]interface{}, 0, len(codes)*cols)
	for i, code := range codes {
		n := i * cols
		values[i] = fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args, code.ID, code.Token, code.CampaignID, code.UsageCount,
			code.UsageLimit, toNullTime(code.LastRedeemedAt), code.ImageAssetRef, code.CreatedAt)
	}

	query := fmt.Sprintf(`INSERT INTO codes (%s) VALUES %s`, codeColumns, strings.Join(values, ", "))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (p *Postgres) ListCampaigns(ctx context.Context, params ListCampaignsParams) ([]domain.Campaign, int, error) {
	const op = "repository.list_campaigns"

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT count(*) FROM campaigns WHERE owner_account_id = $1`, params.OwnerAccountID); err != nil {
		return nil, 0, domain.Internal(err, op, "failed to count campaigns")
	}

	var rows []campaignRow
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE owner_account_id = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`
	if err := p.db.SelectContext(ctx, &rows, query, params.OwnerAccountID, params.limit(), params.offset()); err != nil {
		return nil, 0, domain.Internal(err, op, "failed to list campaigns")
	}

	campaigns := make([]domain.Campaign, len(rows))
	for i, row := range rows {
		campaigns[i] = *row.toDomain()
	}
	return campaigns, total, nil
}

func (p *Postgres) GetCampaign(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	const op = "repository.get_campaign"

	var row campaignRow
	err := p.db.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(op, "campaign", id.String())
		}
		return nil, domain.Internal(err, op, "failed to get campaign")
	}
	return row.toDomain(), nil
}

func (p *Postgres) UpdateCampaign(ctx context.Context, id uuid.UUID, fn func(*domain.Campaign) error) (*domain.Campaign, error) {
	const op = "repository.update_campaign"

	var result *domain.Campaign
	err := p.inTx(ctx, op, func(tx *sqlx.Tx) error {
		var row campaignRow
		err := tx.GetContext(ctx, &row, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR UPDATE`, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.NotFound(op, "campaign", id.String())
			}
			return err
		}

		c := row.toDomain()
		if err := fn(c); err != nil {
			return err
		}

		query := `
			UPDATE campaigns
			SET name = $2,
				description = $3,
				redemption_limit_per_code = $4,
				is_active = $5,
				expires_at = $6,
				updated_at = $7
			WHERE id = $1
		`
		if _, err := tx.ExecContext(ctx, query,
			c.ID, c.Name, c.Description, c.RedemptionLimitPerCode, c.IsActive, toNullTime(c.ExpiresAt), c.UpdatedAt,
		); err != nil {
			return err
		}
		result = c
		return nil
	})
	if err != nil {
		return nil, passOrWrap(err, op, "failed to update campaign")
	}
	return result, nil
}

// DeleteCampaign removes codes first and the campaign second inside one
// transaction. Scan, share and adjustment rows go with their codes through
// ON DELETE CASCADE.
func (p *Postgres) DeleteCampaign(ctx context.Context, id uuid.UUID) ([]string, error) {
	const op = "repository.delete_campaign"

	var refs []string
	err := p.inTx(ctx, op, func(tx *sqlx.Tx) error {
		refs = nil

		var deleted pq.StringArray
		query := `
			WITH removed AS (
				DELETE FROM codes WHERE campaign_id = $1 RETURNING image_asset_ref
			)
			SELECT coalesce(array_agg(image_asset_ref ORDER BY image_asset_ref), '{}') FROM removed
		`
		if err := tx.GetContext(ctx, &deleted, query, id); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.NotFound(op, "campaign", id.String())
		}

		refs = []string(deleted)
		return nil
	})
	if err != nil {
		return nil, passOrWrap(err, op, "failed to delete campaign")
	}
	return refs, nil
}

// =============================================================================
// Codes
// =============================================================================

func codeWhere(key CodeKey) (string, interface{}) {
	if key.ID != uuid.Nil {
		return "id = $1", key.ID
	}
	return "token = $1", key.Token
}

func (p *Postgres) GetCode(ctx context.Context, key CodeKey) (*domain.Code, error) {
	const op = "repository.get_code"

	where, arg := codeWhere(key)
	var row codeRow
	if err := p.db.GetContext(ctx, &row, `SELECT `+codeColumns+` FROM codes WHERE `+where, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, key.notFound(op)
		}
		return nil, domain.Internal(err, op, "failed to get code")
	}
	code := row.toDomain()
	return &code, nil
}

func (p *Postgres) ListCodes(ctx context.Context, params ListCodesParams) ([]domain.Code, int, error) {
	const op = "repository.list_codes"

	scope, scopeArg := `campaign_id = $1`, params.CampaignID
	if params.CampaignID == uuid.Nil {
		scope = `campaign_id IN (SELECT id FROM campaigns WHERE owner_account_id = $1)`
		scopeArg = params.OwnerAccountID
	}
	search := strings.ToLower(strings.TrimSpace(params.Search))
	filter := scope + ` AND ($2 = '' OR strpos(token, $2) > 0)`

	var total int
	if err := p.db.GetContext(ctx, &total, `SELECT count(*) FROM codes WHERE `+filter, scopeArg, search); err != nil {
		return nil, 0, domain.Internal(err, op, "failed to count codes")
	}

	var rows []codeRow
	query := `SELECT ` + codeColumns + ` FROM codes WHERE ` + filter + ` ORDER BY created_at DESC, token LIMIT $3 OFFSET $4`
	if err := p.db.SelectContext(ctx, &rows, query, scopeArg, search, params.limit(), params.offset()); err != nil {
		return nil, 0, domain.Internal(err, op, "failed to list codes")
	}

	codes := make([]domain.Code, len(rows))
	for i, row := range rows {
		codes[i] = row.toDomain()
	}
	return codes, total, nil
}

func (p *Postgres) TokensExist(ctx context.Context, tokens []string) ([]string, error) {
	const op = "repository.tokens_exist"

	if len(tokens) == 0 {
		return nil, nil
	}
	var taken []string
	if err := p.db.SelectContext(ctx, &taken, `SELECT token FROM codes WHERE token = ANY($1)`, pq.Array(tokens)); err != nil {
		return nil, domain.Internal(err, op, "failed to check tokens")
	}
	return taken, nil
}

// MutateCode locks the code row, reads the campaign under a share lock and
// applies the mutation. The usage increment is additionally guarded by
// usage_count < usage_limit so the ceiling holds even without the lock.
func (p *Postgres) MutateCode(ctx context.Context, key CodeKey, fn func(*domain.Code, *domain.Campaign) (*CodeMutation, error)) (*domain.Code, error) {
	const op = "repository.mutate_code"

	var result *domain.Code
	err := p.inTx(ctx, op, func(tx *sqlx.Tx) error {
		where, arg := codeWhere(key)
		var row codeRow
		if err := tx.GetContext(ctx, &row, `SELECT `+codeColumns+` FROM codes WHERE `+where+` FOR UPDATE`, arg); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return key.notFound(op)
			}
			return err
		}

		var crow campaignRow
		if err := tx.GetContext(ctx, &crow, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1 FOR SHARE`, row.CampaignID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return key.notFound(op)
			}
			return err
		}

		stored := row.toDomain()
		code := stored
		mut, err := fn(&code, crow.toDomain())
		if err != nil {
			return err
		}
		if mut == nil {
			result = &stored
			return nil
		}

		if err := applyCodeMutation(ctx, tx, op, &code, mut); err != nil {
			return err
		}
		result = &code
		return nil
	})
	if err != nil {
		return nil, passOrWrap(err, op, "failed to update code")
	}
	return result, nil
}

func applyCodeMutation(ctx context.Context, tx DBExecutor, op string, code *domain.Code, mut *CodeMutation) error {
	if mut.Redeemed {
		res, err := tx.ExecContext(ctx, `
			UPDATE codes
			SET usage_count = usage_count + 1, last_redeemed_at = $2
			WHERE id = $1 AND usage_count < usage_limit
		`, code.ID, toNullTime(code.LastRedeemedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return &domain.Error{Code: domain.ELIMITREACHED, Op: op, Message: "code has reached its usage limit"}
		}
	}

	if adj := mut.Adjustment; adj != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE codes SET usage_count = $2 WHERE id = $1`, code.ID, adj.NewCount); err != nil {
			return err
		}
		adj.CodeID = code.ID
		err := tx.GetContext(ctx, &adj.ID, `
			INSERT INTO code_adjustments (code_id, adjusted_at, actor_id, previous_count, new_count, reason)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, adj.CodeID, adj.AdjustedAt, adj.ActorID, adj.PreviousCount, adj.NewCount, adj.Reason)
		if err != nil {
			return err
		}
	}

	if scan := mut.Scan; scan != nil {
		origin, err := originJSON(scan.Origin)
		if err != nil {
			return err
		}
		scan.CodeID = code.ID
		err = tx.GetContext(ctx, &scan.ID, `
			INSERT INTO code_scans (code_id, scanned_at, origin)
			VALUES ($1, $2, $3)
			RETURNING id
		`, scan.CodeID, scan.ScannedAt, origin)
		if err != nil {
			return err
		}
	}

	if share := mut.Share; share != nil {
		share.CodeID = code.ID
		err := tx.GetContext(ctx, &share.ID, `
			INSERT INTO code_shares (code_id, platform, shared_at, actor_id, message)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, share.CodeID, string(share.Platform), share.SharedAt, share.ActorID, share.Message)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *Postgres) ListScans(ctx context.Context, codeID uuid.UUID) ([]domain.ScanEvent, error) {
	const op = "repository.list_scans"

	var rows []scanRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, code_id, scanned_at, origin FROM code_scans WHERE code_id = $1 ORDER BY id DESC`, codeID); err != nil {
		return nil, domain.Internal(err, op, "failed to list scans")
	}

	scans := make([]domain.ScanEvent, len(rows))
	for i, row := range rows {
		scans[i] = domain.ScanEvent{ID: row.ID, CodeID: row.CodeID, ScannedAt: row.ScannedAt}
		if row.Origin.Valid {
			if err := json.Unmarshal(row.Origin.RawMessage, &scans[i].Origin); err != nil {
				p.logger.Warn("ignoring malformed scan origin", "scan_id", row.ID, "error", err)
			}
		}
	}
	return scans, nil
}

func (p *Postgres) ListShares(ctx context.Context, codeID uuid.UUID) ([]domain.ShareEvent, error) {
	const op = "repository.list_shares"

	var rows []shareRow
	if err := p.db.SelectContext(ctx, &rows, `SELECT id, code_id, platform, shared_at, actor_id, message FROM code_shares WHERE code_id = $1 ORDER BY id DESC`, codeID); err != nil {
		return nil, domain.Internal(err, op, "failed to list shares")
	}

	shares := make([]domain.ShareEvent, len(rows))
	for i, row := range rows {
		shares[i] = domain.ShareEvent{
			ID:       row.ID,
			CodeID:   row.CodeID,
			Platform: domain.SharePlatform(row.Platform),
			SharedAt: row.SharedAt,
			ActorID:  row.ActorID,
			Message:  row.Message,
		}
	}
	return shares, nil
}

func (p *Postgres) ListAdjustments(ctx context.Context, codeID uuid.UUID) ([]domain.UsageAdjustment, error) {
	const op = "repository.list_adjustments"

	var rows []adjustmentRow
	query := `
		SELECT id, code_id, adjusted_at, actor_id, previous_count, new_count, reason
		FROM code_adjustments WHERE code_id = $1 ORDER BY id DESC
	`
	if err := p.db.SelectContext(ctx, &rows, query, codeID); err != nil {
		return nil, domain.Internal(err, op, "failed to list adjustments")
	}

	adjustments := make([]domain.UsageAdjustment, len(rows))
	for i, row := range rows {
		adjustments[i] = domain.UsageAdjustment(row)
	}
	return adjustments, nil
}
