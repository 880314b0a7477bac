package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"omen-backend/internal/apperr"
	"omen-backend/internal/storage"
	"omen-backend/pkg/types"
)

// Markets maps the markets, market_assets and market_approval_events tables.
type Markets struct {
	db *sql.DB
}

// NewMarkets creates the market repository.
func NewMarkets(db *sql.DB) *Markets {
	return &Markets{db: db}
}

const marketCols = `id, name, owner_id, COALESCE(issuer_id, ''), category, status,
	token_symbol, token_name, total_supply::text, COALESCE(contract_address, ''),
	COALESCE(deployment_tx, ''), COALESCE(approved_by, ''), approved_at, metadata,
	created_at, updated_at`

func scanMarket(s interface{ Scan(...any) error }) (*types.Market, error) {
	var (
		m          types.Market
		supplyStr  string
		approvedAt sql.NullTime
		metadata   []byte
	)
	err := s.Scan(&m.ID, &m.Name, &m.OwnerID, &m.IssuerID, &m.Category, &m.Status,
		&m.TokenSymbol, &m.TokenName, &supplyStr, &m.ContractAddress,
		&m.DeploymentTxHash, &m.ApprovedBy, &approvedAt, &metadata,
		&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if m.TotalSupply, err = scanAmount(supplyStr); err != nil {
		return nil, err
	}
	if approvedAt.Valid {
		t := approvedAt.Time
		m.ApprovedAt = &t
	}
	if err := unmarshalJSON(metadata, &m.Metadata); err != nil {
		return nil, fmt.Errorf("market metadata: %w", err)
	}
	return &m, nil
}

// Create inserts the market and its asset row in one transaction.
func (r *Markets) Create(ctx context.Context, m *types.Market, asset *types.MarketAsset) error {
	metadata, err := jsonArg(m.Metadata)
	if err != nil {
		return err
	}
	docs, err := json.Marshal(orSlice(asset.DocumentIDs))
	if err != nil {
		return err
	}
	regInfo, err := jsonArg(asset.RegulatoryInfo)
	if err != nil {
		return err
	}
	attrs, err := jsonArg(asset.Attributes)
	if err != nil {
		return err
	}

	return storage.InTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO markets (id, name, owner_id, issuer_id, category, status,
				token_symbol, token_name, total_supply, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)`,
			m.ID, m.Name, m.OwnerID, strArg(m.IssuerID), string(m.Category), string(m.Status),
			m.TokenSymbol, m.TokenName, amountArg(m.TotalSupply), metadata)
		if err != nil {
			return fmt.Errorf("insert market: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO market_assets (id, market_id, valuation, currency, description,
				document_ids, regulatory_info, attributes)
			VALUES ($1, $2, $3::numeric, $4, NULLIF($5, ''), $6, $7, $8)`,
			asset.ID, m.ID, amountArg(asset.Valuation), asset.Currency, asset.Description,
			docs, regInfo, attrs)
		if err != nil {
			return fmt.Errorf("insert market asset: %w", err)
		}
		return nil
	})
}

// Get returns one market.
func (r *Markets) Get(ctx context.Context, id string) (*types.Market, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeMarketNotFound, "market %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	return m, nil
}

// GetAsset returns the asset row for a market.
func (r *Markets) GetAsset(ctx context.Context, marketID string) (*types.MarketAsset, error) {
	var (
		a         types.MarketAsset
		valStr    string
		desc      sql.NullString
		docs      []byte
		regInfo   []byte
		attrs     []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, market_id, valuation::text, currency, description, document_ids,
			regulatory_info, attributes, created_at
		FROM market_assets WHERE market_id = $1`, marketID).
		Scan(&a.ID, &a.MarketID, &valStr, &a.Currency, &desc, &docs, &regInfo, &attrs, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeMarketNotFound, "asset for market %s not found", marketID)
	}
	if err != nil {
		return nil, fmt.Errorf("get market asset: %w", err)
	}
	if a.Valuation, err = scanAmount(valStr); err != nil {
		return nil, err
	}
	a.Description = nullStr(desc)
	if err := json.Unmarshal(docs, &a.DocumentIDs); err != nil {
		return nil, fmt.Errorf("asset documents: %w", err)
	}
	if err := unmarshalJSON(regInfo, &a.RegulatoryInfo); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(attrs, &a.Attributes); err != nil {
		return nil, err
	}
	return &a, nil
}

// ListFilter narrows List.
type ListFilter struct {
	Status        types.MarketStatus
	OwnerID       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Page          int
	PageSize      int
}

// List returns a page of markets plus the total count.
func (r *Markets) List(ctx context.Context, f ListFilter) ([]*types.Market, int, error) {
	if f.PageSize <= 0 || f.PageSize > 100 {
		f.PageSize = 20
	}
	if f.Page <= 0 {
		f.Page = 1
	}

	where := " WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where += " AND status = " + arg(string(f.Status))
	}
	if f.OwnerID != "" {
		where += " AND owner_id = " + arg(f.OwnerID)
	}
	if f.CreatedAfter != nil {
		where += " AND created_at >= " + arg(*f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		where += " AND created_at <= " + arg(*f.CreatedBefore)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM markets`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count markets: %w", err)
	}

	query := `SELECT ` + marketCols + ` FROM markets` + where +
		` ORDER BY created_at DESC LIMIT ` + arg(f.PageSize) + ` OFFSET ` + arg((f.Page-1)*f.PageSize)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list markets: %w", err)
	}
	defer rows.Close()

	var out []*types.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// Transition moves the market between statuses, guarded by the expected
// current status, and appends the audit row atomically. Fails with
// invalid_status when the market is not in `from`.
func (r *Markets) Transition(ctx context.Context, marketID string, from, to types.MarketStatus, evt types.MarketApprovalEvent) error {
	return storage.InTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE markets SET status = $3, updated_at = now()
			WHERE id = $1 AND status = $2`,
			marketID, string(from), string(to))
		if err != nil {
			return fmt.Errorf("transition market: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.Newf(apperr.CodeInvalidStatus,
				"market %s is not in status %s", marketID, from)
		}
		return appendApprovalEvent(ctx, tx, evt)
	})
}

// SetApproval records the approver on the market row.
func (r *Markets) SetApproval(ctx context.Context, marketID, approvedBy string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets SET approved_by = $2, approved_at = now(), updated_at = now()
		WHERE id = $1`, marketID, approvedBy)
	if err != nil {
		return fmt.Errorf("set approval: %w", err)
	}
	return nil
}

// SetDeployment stores the deployed contract address and tx hash.
func (r *Markets) SetDeployment(ctx context.Context, marketID, contractAddr, txHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE markets SET contract_address = $2, deployment_tx = $3, updated_at = now()
		WHERE id = $1`, marketID, contractAddr, txHash)
	if err != nil {
		return fmt.Errorf("set deployment: %w", err)
	}
	return nil
}

// MergeMetadata shallow-merges fields into the metadata map.
func (r *Markets) MergeMetadata(ctx context.Context, marketID string, fields map[string]any) error {
	patch, err := jsonArg(fields)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE markets SET metadata = metadata || $2::jsonb, updated_at = now()
		WHERE id = $1`, marketID, patch)
	if err != nil {
		return fmt.Errorf("merge metadata: %w", err)
	}
	return nil
}

// ApprovalEvents returns the audit trail for one market, oldest first.
func (r *Markets) ApprovalEvents(ctx context.Context, marketID string) ([]types.MarketApprovalEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, market_id, from_status, to_status, actor_id,
			COALESCE(decision, ''), COALESCE(reason, ''), created_at
		FROM market_approval_events WHERE market_id = $1 ORDER BY created_at`, marketID)
	if err != nil {
		return nil, fmt.Errorf("list approval events: %w", err)
	}
	defer rows.Close()

	var out []types.MarketApprovalEvent
	for rows.Next() {
		var e types.MarketApprovalEvent
		if err := rows.Scan(&e.ID, &e.MarketID, &e.FromStatus, &e.ToStatus,
			&e.ActorID, &e.Decision, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func appendApprovalEvent(ctx context.Context, q storage.Execer, evt types.MarketApprovalEvent) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO market_approval_events (id, market_id, from_status, to_status, actor_id, decision, reason)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))`,
		evt.ID, evt.MarketID, string(evt.FromStatus), string(evt.ToStatus),
		evt.ActorID, evt.Decision, evt.Reason)
	if err != nil {
		return fmt.Errorf("append approval event: %w", err)
	}
	return nil
}

func orSlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
