package repo

import (
	"context"
	"database/sql"
	"fmt"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

// Swaps maps the swaps table.
type Swaps struct {
	db *sql.DB
}

// NewSwaps creates the swap repository.
func NewSwaps(db *sql.DB) *Swaps {
	return &Swaps{db: db}
}

const swapCols = `id, user_id, source_token_id, target_token_id, source_chain, target_chain,
	source_amount::text, expected_target::text, destination,
	COALESCE(bridge_contract, ''), status, COALESCE(bridge_swap_id, ''),
	COALESCE(source_tx_hash, ''), COALESCE(target_tx_hash, ''),
	COALESCE(failure_reason, ''), created_at, updated_at, completed_at`

func scanSwap(s interface{ Scan(...any) error }) (*types.SwapRecord, error) {
	var (
		sw          types.SwapRecord
		srcAmount   string
		expected    string
		completedAt sql.NullTime
	)
	err := s.Scan(&sw.ID, &sw.UserID, &sw.SourceTokenID, &sw.TargetTokenID,
		&sw.SourceChain, &sw.TargetChain, &srcAmount, &expected,
		&sw.Destination, &sw.BridgeContract, &sw.Status, &sw.BridgeSwapID,
		&sw.SourceTxHash, &sw.TargetTxHash, &sw.FailureReason,
		&sw.CreatedAt, &sw.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if sw.SourceAmount, err = scanAmount(srcAmount); err != nil {
		return nil, err
	}
	if sw.ExpectedTarget, err = scanAmount(expected); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		sw.CompletedAt = &completedAt.Time
	}
	return &sw, nil
}

// Create persists a new swap record.
func (r *Swaps) Create(ctx context.Context, sw *types.SwapRecord) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO swaps (id, user_id, source_token_id, target_token_id,
			source_chain, target_chain, source_amount, expected_target,
			destination, bridge_contract, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8::numeric, $9, $10, $11)
		RETURNING created_at, updated_at`,
		sw.ID, sw.UserID, sw.SourceTokenID, sw.TargetTokenID,
		sw.SourceChain, sw.TargetChain, amountArg(sw.SourceAmount),
		amountArg(sw.ExpectedTarget), sw.Destination,
		strArg(sw.BridgeContract), string(sw.Status)).
		Scan(&sw.CreatedAt, &sw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert swap: %w", err)
	}
	return nil
}

// Get returns one swap.
func (r *Swaps) Get(ctx context.Context, id string) (*types.SwapRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+swapCols+` FROM swaps WHERE id = $1`, id)
	sw, err := scanSwap(row)
	if err == sql.ErrNoRows {
		return nil, apperr.Newf(apperr.CodeSwapNotFound, "swap %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get swap: %w", err)
	}
	return sw, nil
}

// ListByUser returns a user's swaps, newest first.
func (r *Swaps) ListByUser(ctx context.Context, userID string, limit int) ([]*types.SwapRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+swapCols+` FROM swaps
		WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list swaps: %w", err)
	}
	defer rows.Close()

	var out []*types.SwapRecord
	for rows.Next() {
		sw, err := scanSwap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, rows.Err()
}

// Transition moves the swap between statuses, guarded by the expected
// current status. A terminal target status also stamps completed_at.
func (r *Swaps) Transition(ctx context.Context, id string, from, to types.SwapStatus) error {
	completed := "completed_at"
	if to.Terminal() {
		completed = "now()"
	}
	res, err := r.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE swaps SET status = $3, updated_at = now(), completed_at = %s
		WHERE id = $1 AND status = $2`, completed),
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("swap transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.Newf(apperr.CodeInvalidStatus, "swap %s is not %s", id, from)
	}
	return nil
}

// SetBridgeResult records the bridge identifiers after submission.
func (r *Swaps) SetBridgeResult(ctx context.Context, id, bridgeSwapID, sourceTxHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE swaps SET bridge_swap_id = $2, source_tx_hash = $3, updated_at = now()
		WHERE id = $1`, id, strArg(bridgeSwapID), strArg(sourceTxHash))
	if err != nil {
		return fmt.Errorf("set swap bridge result: %w", err)
	}
	return nil
}

// SetTargetTx records the destination-chain transaction on completion.
func (r *Swaps) SetTargetTx(ctx context.Context, id, targetTxHash string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE swaps SET target_tx_hash = $2, updated_at = now()
		WHERE id = $1`, id, strArg(targetTxHash))
	if err != nil {
		return fmt.Errorf("set swap target tx: %w", err)
	}
	return nil
}

// SetFailure records why the swap failed.
func (r *Swaps) SetFailure(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE swaps SET failure_reason = $2, updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("set swap failure: %w", err)
	}
	return nil
}
