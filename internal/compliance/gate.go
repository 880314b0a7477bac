// Package compliance gates RWA-token operations on the user's KYC and
// whitelist state.
package compliance

import (
	"context"
	"time"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

// Records resolves the governing compliance record for (user, token).
type Records interface {
	Find(ctx context.Context, userID, tokenID string) (*types.ComplianceRecord, error)
}

// Gate enforces eligibility.
type Gate struct {
	records Records
	now     func() time.Time
}

// NewGate creates the gate.
func NewGate(records Records) *Gate {
	return &Gate{records: records, now: time.Now}
}

// Require fails with compliance_failed unless the user holds an approved,
// whitelisted, unexpired record covering the token.
func (g *Gate) Require(ctx context.Context, userID, tokenID string) error {
	rec, err := g.records.Find(ctx, userID, tokenID)
	if err != nil {
		return err
	}
	if rec == nil {
		return apperr.Newf(apperr.CodeComplianceFailed,
			"user %s has no compliance record for token %s", userID, tokenID)
	}
	if !rec.Eligible(g.now()) {
		return apperr.Newf(apperr.CodeComplianceFailed,
			"user %s is not eligible for token %s", userID, tokenID)
	}
	return nil
}
