// Package balance implements the balance book: per-(user, token) available
// and locked funds. It is the sole authority over balance rows; every other
// component goes through the Keeper interface.
//
// Every write takes a row-level lock on its (user, token) row. Multi-row
// writes (trade settlement touches up to four rows) must acquire locks in
// canonical lexicographic order via AcquireLocks to stay deadlock-free.
package balance

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"sort"

	"omen-backend/internal/apperr"
	"omen-backend/internal/storage"
	"omen-backend/pkg/types"
)

// Keeper is the balance API consumed by matching, swaps and reconciliation.
type Keeper interface {
	// Get returns (available, locked); a missing row reads as (0, 0).
	Get(ctx context.Context, userID, tokenID string) (*big.Int, *big.Int, error)
	// Lock moves amount from available to locked; fails with
	// insufficient_balance when available < amount.
	Lock(ctx context.Context, userID, tokenID string, amount *big.Int) error
	// Unlock moves amount from locked back to available.
	Unlock(ctx context.Context, userID, tokenID string, amount *big.Int) error
	// Credit applies signed deltas; the resulting values must be >= 0.
	Credit(ctx context.Context, userID, tokenID string, availDelta, lockedDelta *big.Int) error
	// Upsert replaces both values outright. Reconciliation only.
	Upsert(ctx context.Context, userID, tokenID string, available, locked *big.Int) error
}

// Book is the Postgres-backed Keeper.
type Book struct {
	db *sql.DB
}

// NewBook creates the balance book over the shared pool.
func NewBook(db *sql.DB) *Book {
	return &Book{db: db}
}

var _ Keeper = (*Book)(nil)

// Key identifies one balance row.
type Key struct {
	UserID  string
	TokenID string
}

// Get implements Keeper.
func (b *Book) Get(ctx context.Context, userID, tokenID string) (*big.Int, *big.Int, error) {
	var availStr, lockedStr string
	err := b.db.QueryRowContext(ctx,
		`SELECT available::text, locked::text FROM user_balances WHERE user_id = $1 AND token_id = $2`,
		userID, tokenID).Scan(&availStr, &lockedStr)
	if err == sql.ErrNoRows {
		return new(big.Int), new(big.Int), nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get balance: %w", err)
	}
	avail, err := types.ParseAmount(availStr)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt available for %s/%s: %w", userID, tokenID, err)
	}
	locked, err := types.ParseAmount(lockedStr)
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt locked for %s/%s: %w", userID, tokenID, err)
	}
	return avail, locked, nil
}

// Lock implements Keeper.
func (b *Book) Lock(ctx context.Context, userID, tokenID string, amount *big.Int) error {
	return storage.InTx(ctx, b.db, func(tx *sql.Tx) error {
		return LockQ(ctx, tx, userID, tokenID, amount, "lock", "")
	})
}

// Unlock implements Keeper.
func (b *Book) Unlock(ctx context.Context, userID, tokenID string, amount *big.Int) error {
	return storage.InTx(ctx, b.db, func(tx *sql.Tx) error {
		return UnlockQ(ctx, tx, userID, tokenID, amount, "unlock", "")
	})
}

// Credit implements Keeper.
func (b *Book) Credit(ctx context.Context, userID, tokenID string, availDelta, lockedDelta *big.Int) error {
	return storage.InTx(ctx, b.db, func(tx *sql.Tx) error {
		return CreditQ(ctx, tx, userID, tokenID, availDelta, lockedDelta, "credit", "")
	})
}

// Upsert implements Keeper.
func (b *Book) Upsert(ctx context.Context, userID, tokenID string, available, locked *big.Int) error {
	if available.Sign() < 0 || locked.Sign() < 0 {
		return apperr.New(apperr.CodeValidation, "balances must be non-negative")
	}
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, token_id, available, locked, updated_at)
		VALUES ($1, $2, $3::numeric, $4::numeric, now())
		ON CONFLICT (user_id, token_id) DO UPDATE
		SET available = EXCLUDED.available, locked = EXCLUDED.locked, updated_at = now()`,
		userID, tokenID, available.String(), locked.String())
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// Entry is one balance row with its current values.
type Entry struct {
	UserID    string
	TokenID   string
	Available *big.Int
	Locked    *big.Int
}

// Nonzero lists every balance row where available or locked is positive,
// for reconciliation sweeps.
func (b *Book) Nonzero(ctx context.Context) ([]Entry, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT user_id, token_id, available::text, locked::text
		FROM user_balances WHERE available > 0 OR locked > 0
		ORDER BY user_id, token_id`)
	if err != nil {
		return nil, fmt.Errorf("list nonzero balances: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var availStr, lockedStr string
		if err := rows.Scan(&e.UserID, &e.TokenID, &availStr, &lockedStr); err != nil {
			return nil, fmt.Errorf("scan balance row: %w", err)
		}
		if e.Available, err = types.ParseAmount(availStr); err != nil {
			return nil, fmt.Errorf("corrupt available for %s/%s: %w", e.UserID, e.TokenID, err)
		}
		if e.Locked, err = types.ParseAmount(lockedStr); err != nil {
			return nil, fmt.Errorf("corrupt locked for %s/%s: %w", e.UserID, e.TokenID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AcquireLocks row-locks every key in canonical (user, token) order,
// creating missing rows first. Callers updating more than one balance row
// in a transaction must go through here.
func AcquireLocks(ctx context.Context, q storage.Execer, keys ...Key) error {
	sorted := make([]Key, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].UserID != sorted[j].UserID {
			return sorted[i].UserID < sorted[j].UserID
		}
		return sorted[i].TokenID < sorted[j].TokenID
	})

	seen := map[Key]bool{}
	for _, k := range sorted {
		if seen[k] {
			continue
		}
		seen[k] = true
		if _, _, err := getForUpdate(ctx, q, k.UserID, k.TokenID); err != nil {
			return err
		}
	}
	return nil
}

// LockQ moves amount available→locked inside an existing transaction.
func LockQ(ctx context.Context, q storage.Execer, userID, tokenID string, amount *big.Int, kind, refID string) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.CodeValidation, "lock amount must be positive")
	}
	avail, locked, err := getForUpdate(ctx, q, userID, tokenID)
	if err != nil {
		return err
	}
	if avail.Cmp(amount) < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: available %s < %s", userID, tokenID, avail, amount)
	}
	newAvail := new(big.Int).Sub(avail, amount)
	newLocked := new(big.Int).Add(locked, amount)
	if err := setBalances(ctx, q, userID, tokenID, newAvail, newLocked); err != nil {
		return err
	}
	return writeAudit(ctx, q, userID, tokenID, kind, refID,
		new(big.Int).Neg(amount), amount)
}

// UnlockQ moves amount locked→available inside an existing transaction.
func UnlockQ(ctx context.Context, q storage.Execer, userID, tokenID string, amount *big.Int, kind, refID string) error {
	if amount.Sign() <= 0 {
		return apperr.New(apperr.CodeValidation, "unlock amount must be positive")
	}
	avail, locked, err := getForUpdate(ctx, q, userID, tokenID)
	if err != nil {
		return err
	}
	if locked.Cmp(amount) < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: locked %s < %s", userID, tokenID, locked, amount)
	}
	newAvail := new(big.Int).Add(avail, amount)
	newLocked := new(big.Int).Sub(locked, amount)
	if err := setBalances(ctx, q, userID, tokenID, newAvail, newLocked); err != nil {
		return err
	}
	return writeAudit(ctx, q, userID, tokenID, kind, refID,
		amount, new(big.Int).Neg(amount))
}

// CreditQ applies signed deltas inside an existing transaction, enforcing
// that neither balance goes negative.
func CreditQ(ctx context.Context, q storage.Execer, userID, tokenID string, availDelta, lockedDelta *big.Int, kind, refID string) error {
	avail, locked, err := getForUpdate(ctx, q, userID, tokenID)
	if err != nil {
		return err
	}
	newAvail := new(big.Int).Add(avail, availDelta)
	newLocked := new(big.Int).Add(locked, lockedDelta)
	if newAvail.Sign() < 0 || newLocked.Sign() < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: delta (%s, %s) would go negative", userID, tokenID, availDelta, lockedDelta)
	}
	if err := setBalances(ctx, q, userID, tokenID, newAvail, newLocked); err != nil {
		return err
	}
	return writeAudit(ctx, q, userID, tokenID, kind, refID, availDelta, lockedDelta)
}

// getForUpdate creates the row if missing and returns it under FOR UPDATE.
func getForUpdate(ctx context.Context, q storage.Execer, userID, tokenID string) (*big.Int, *big.Int, error) {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO user_balances (user_id, token_id, available, locked)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (user_id, token_id) DO NOTHING`, userID, tokenID); err != nil {
		return nil, nil, fmt.Errorf("ensure balance row: %w", err)
	}

	var availStr, lockedStr string
	err := q.QueryRowContext(ctx, `
		SELECT available::text, locked::text FROM user_balances
		WHERE user_id = $1 AND token_id = $2
		FOR UPDATE`, userID, tokenID).Scan(&availStr, &lockedStr)
	if err != nil {
		return nil, nil, fmt.Errorf("lock balance row: %w", err)
	}
	avail, err := types.ParseAmount(availStr)
	if err != nil {
		return nil, nil, err
	}
	locked, err := types.ParseAmount(lockedStr)
	if err != nil {
		return nil, nil, err
	}
	return avail, locked, nil
}

func setBalances(ctx context.Context, q storage.Execer, userID, tokenID string, avail, locked *big.Int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE user_balances SET available = $3::numeric, locked = $4::numeric, updated_at = now()
		WHERE user_id = $1 AND token_id = $2`,
		userID, tokenID, avail.String(), locked.String())
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	return nil
}

func writeAudit(ctx context.Context, q storage.Execer, userID, tokenID, kind, refID string, availDelta, lockedDelta *big.Int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balance_audit (user_id, token_id, kind, ref_id, avail_delta, lock_delta)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5::numeric, $6::numeric)`,
		userID, tokenID, kind, refID, availDelta.String(), lockedDelta.String())
	if err != nil {
		return fmt.Errorf("write balance audit: %w", err)
	}
	return nil
}
