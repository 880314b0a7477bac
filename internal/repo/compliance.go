package repo

import (
	"context"
	"database/sql"
	"fmt"

	"omen-backend/pkg/types"
)

// Compliance maps the compliance_records table. A record scoped to a token
// takes precedence over the user's global record (token_id NULL).
type Compliance struct {
	db *sql.DB
}

// NewCompliance creates the compliance repository.
func NewCompliance(db *sql.DB) *Compliance {
	return &Compliance{db: db}
}

const complianceCols = `id, user_id, COALESCE(token_id::text, ''), kyc_status, kyc_level,
	COALESCE(accreditation_status, ''), whitelisted, COALESCE(jurisdiction, ''), expires_at`

func scanCompliance(s interface{ Scan(...any) error }) (*types.ComplianceRecord, error) {
	var (
		c         types.ComplianceRecord
		expiresAt sql.NullTime
	)
	err := s.Scan(&c.ID, &c.UserID, &c.TokenID, &c.KYCStatus, &c.KYCLevel,
		&c.AccreditationStatus, &c.Whitelisted, &c.Jurisdiction, &expiresAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	return &c, nil
}

// Find returns the record governing (user, token): the token-scoped record
// when one exists, otherwise the user's global record, otherwise nil.
func (r *Compliance) Find(ctx context.Context, userID, tokenID string) (*types.ComplianceRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+complianceCols+` FROM compliance_records
		WHERE user_id = $1 AND (token_id = $2 OR token_id IS NULL)
		ORDER BY token_id NULLS LAST
		LIMIT 1`, userID, tokenID)
	c, err := scanCompliance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find compliance record: %w", err)
	}
	return c, nil
}

// Upsert writes a record keyed by (user, token).
func (r *Compliance) Upsert(ctx context.Context, c *types.ComplianceRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO compliance_records (id, user_id, token_id, kyc_status, kyc_level,
			accreditation_status, whitelisted, jurisdiction, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, token_id) DO UPDATE SET
			kyc_status = EXCLUDED.kyc_status,
			kyc_level = EXCLUDED.kyc_level,
			accreditation_status = EXCLUDED.accreditation_status,
			whitelisted = EXCLUDED.whitelisted,
			jurisdiction = EXCLUDED.jurisdiction,
			expires_at = EXCLUDED.expires_at`,
		c.ID, c.UserID, strArg(c.TokenID), string(c.KYCStatus), c.KYCLevel,
		strArg(c.AccreditationStatus), c.Whitelisted, strArg(c.Jurisdiction),
		c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert compliance record: %w", err)
	}
	return nil
}
