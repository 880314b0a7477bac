// Package repo contains the row↔struct mappers above Postgres, one file per
// table. Numeric columns are NUMERIC(78,0); they cross the boundary as
// strings and are validated into big integers here, never as floats.
package repo

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"

	"omen-backend/pkg/types"
)

// scanAmount parses a numeric column into a big integer.
func scanAmount(s string) (*big.Int, error) {
	v, err := types.ParseAmount(s)
	if err != nil {
		return nil, fmt.Errorf("corrupt numeric column: %w", err)
	}
	return v, nil
}

// scanNullAmount parses an optional numeric column; NULL maps to nil.
func scanNullAmount(ns sql.NullString) (*big.Int, error) {
	if !ns.Valid {
		return nil, nil
	}
	return scanAmount(ns.String)
}

// amountArg renders an amount for a NUMERIC placeholder; nil maps to NULL.
func amountArg(v *big.Int) any {
	if v == nil {
		return nil
	}
	return v.String()
}

// jsonArg marshals a map for a JSONB placeholder.
func jsonArg(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

// unmarshalJSON decodes a JSONB column into a map, tolerating NULL.
func unmarshalJSON(raw []byte, dst *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// nullStr converts an optional text column.
func nullStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// strArg renders an optional text value; empty maps to NULL.
func strArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}
