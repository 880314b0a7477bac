package balance

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"omen-backend/internal/apperr"
)

// Memory is an in-memory Keeper used by tests and by engine-level tests in
// other packages.
type Memory struct {
	mu   sync.Mutex
	rows map[Key]*entry
}

type entry struct {
	available *big.Int
	locked    *big.Int
}

// NewMemory creates an empty in-memory balance book.
func NewMemory() *Memory {
	return &Memory{rows: make(map[Key]*entry)}
}

var _ Keeper = (*Memory)(nil)

func (m *Memory) row(userID, tokenID string) *entry {
	k := Key{UserID: userID, TokenID: tokenID}
	e, ok := m.rows[k]
	if !ok {
		e = &entry{available: new(big.Int), locked: new(big.Int)}
		m.rows[k] = e
	}
	return e
}

// Get implements Keeper.
func (m *Memory) Get(_ context.Context, userID, tokenID string) (*big.Int, *big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.row(userID, tokenID)
	return new(big.Int).Set(e.available), new(big.Int).Set(e.locked), nil
}

// Lock implements Keeper.
func (m *Memory) Lock(_ context.Context, userID, tokenID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.row(userID, tokenID)
	if e.available.Cmp(amount) < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: available %s < %s", userID, tokenID, e.available, amount)
	}
	e.available.Sub(e.available, amount)
	e.locked.Add(e.locked, amount)
	return nil
}

// Unlock implements Keeper.
func (m *Memory) Unlock(_ context.Context, userID, tokenID string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.row(userID, tokenID)
	if e.locked.Cmp(amount) < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: locked %s < %s", userID, tokenID, e.locked, amount)
	}
	e.locked.Sub(e.locked, amount)
	e.available.Add(e.available, amount)
	return nil
}

// Credit implements Keeper.
func (m *Memory) Credit(_ context.Context, userID, tokenID string, availDelta, lockedDelta *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.row(userID, tokenID)
	newAvail := new(big.Int).Add(e.available, availDelta)
	newLocked := new(big.Int).Add(e.locked, lockedDelta)
	if newAvail.Sign() < 0 || newLocked.Sign() < 0 {
		return apperr.Newf(apperr.CodeInsufficientBalance,
			"user %s token %s: delta would go negative", userID, tokenID)
	}
	e.available = newAvail
	e.locked = newLocked
	return nil
}

// Upsert implements Keeper.
func (m *Memory) Upsert(_ context.Context, userID, tokenID string, available, locked *big.Int) error {
	if available.Sign() < 0 || locked.Sign() < 0 {
		return apperr.New(apperr.CodeValidation, "balances must be non-negative")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.row(userID, tokenID)
	e.available = new(big.Int).Set(available)
	e.locked = new(big.Int).Set(locked)
	return nil
}

// Nonzero lists rows with a positive available or locked value, sorted for
// deterministic iteration.
func (m *Memory) Nonzero(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for k, e := range m.rows {
		if e.available.Sign() <= 0 && e.locked.Sign() <= 0 {
			continue
		}
		out = append(out, Entry{
			UserID:    k.UserID,
			TokenID:   k.TokenID,
			Available: new(big.Int).Set(e.available),
			Locked:    new(big.Int).Set(e.locked),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].TokenID < out[j].TokenID
	})
	return out, nil
}
