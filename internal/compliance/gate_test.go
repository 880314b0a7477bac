package compliance

import (
	"context"
	"testing"
	"time"

	"omen-backend/internal/apperr"
	"omen-backend/pkg/types"
)

type staticRecords struct{ rec *types.ComplianceRecord }

func (s staticRecords) Find(context.Context, string, string) (*types.ComplianceRecord, error) {
	return s.rec, nil
}

func TestRequire(t *testing.T) {
	t.Parallel()
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	cases := []struct {
		name string
		rec  *types.ComplianceRecord
		ok   bool
	}{
		{"approved whitelisted", &types.ComplianceRecord{
			KYCStatus: types.KYCApproved, Whitelisted: true}, true},
		{"unexpired", &types.ComplianceRecord{
			KYCStatus: types.KYCApproved, Whitelisted: true, ExpiresAt: &future}, true},
		{"expired", &types.ComplianceRecord{
			KYCStatus: types.KYCApproved, Whitelisted: true, ExpiresAt: &past}, false},
		{"not whitelisted", &types.ComplianceRecord{
			KYCStatus: types.KYCApproved}, false},
		{"kyc pending", &types.ComplianceRecord{
			KYCStatus: types.KYCPending, Whitelisted: true}, false},
		{"no record", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate(staticRecords{rec: tc.rec})
			err := g.Require(context.Background(), "u1", "tok1")
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !apperr.Is(err, apperr.CodeComplianceFailed) {
				t.Fatalf("err = %v, want compliance_failed", err)
			}
		})
	}
}
