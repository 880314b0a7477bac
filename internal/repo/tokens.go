package repo

import (
	"context"
	"database/sql"
	"fmt"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

// Tokens maps the tokens table.
type Tokens struct {
	db *sql.DB
}

// NewTokens creates the token repository.
func NewTokens(db *sql.DB) *Tokens {
	return &Tokens{db: db}
}

const tokenCols = `id, symbol, name, type, COALESCE(contract_address, ''),
	blockchain, decimals, total_supply::text, is_active, created_at`

func scanToken(s interface{ Scan(...any) error }) (*types.Token, error) {
	var (
		t      types.Token
		supply sql.NullString
	)
	err := s.Scan(&t.ID, &t.Symbol, &t.Name, &t.Type, &t.ContractAddress,
		&t.Blockchain, &t.Decimals, &supply, &t.IsActive, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.TotalSupply, err = scanNullAmount(supply); err != nil {
		return nil, err
	}
	return &t, nil
}

// Upsert creates the token if its symbol is new and returns the stored row
// either way, so token creation is idempotent by symbol.
func (r *Tokens) Upsert(ctx context.Context, t *types.Token) (*types.Token, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO tokens (id, symbol, name, type, contract_address, blockchain,
			decimals, total_supply, is_active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8::numeric, $9)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING `+tokenCols,
		t.ID, t.Symbol, t.Name, string(t.Type), t.ContractAddress, t.Blockchain,
		t.Decimals, amountArg(t.TotalSupply), t.IsActive)
	stored, err := scanToken(row)
	if err != nil {
		return nil, fmt.Errorf("upsert token %s: %w", t.Symbol, err)
	}
	return stored, nil
}

// Get returns one token by id.
func (r *Tokens) Get(ctx context.Context, id string) (*types.Token, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenCols+` FROM tokens WHERE id = $1`, id)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeValidation, "token %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return t, nil
}

// GetBySymbol returns one token by its unique symbol.
func (r *Tokens) GetBySymbol(ctx context.Context, symbol string) (*types.Token, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenCols+` FROM tokens WHERE symbol = $1`, symbol)
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeValidation, "token %s not found", symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("get token by symbol: %w", err)
	}
	return t, nil
}

// Stable returns the distinguished active STABLE token that quotes all
// RWA pairs.
func (r *Tokens) Stable(ctx context.Context) (*types.Token, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+tokenCols+` FROM tokens
		WHERE type = $1 AND is_active ORDER BY created_at LIMIT 1`, string(types.TokenStable))
	t, err := scanToken(row)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.CodeInternal, "no active stable token configured")
	}
	if err != nil {
		return nil, fmt.Errorf("get stable token: %w", err)
	}
	return t, nil
}

// ActiveWithContract lists active tokens that have an on-chain contract,
// for reconciliation.
func (r *Tokens) ActiveWithContract(ctx context.Context) ([]*types.Token, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+tokenCols+` FROM tokens
		WHERE is_active AND contract_address IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list active tokens: %w", err)
	}
	defer rows.Close()

	var out []*types.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetSupply updates the stored total supply (admin/reconciliation path).
func (r *Tokens) SetSupply(ctx context.Context, id string, supply string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE tokens SET total_supply = $2::numeric WHERE id = $1`, id, supply)
	if err != nil {
		return fmt.Errorf("set token supply: %w", err)
	}
	return nil
}
