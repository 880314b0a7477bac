package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"omen-backend/internal/apperr"
)

// maxBodyBytes caps every request body read by the edge.
const maxBodyBytes = 1 << 20

// errorBody is the wire shape for every error response.
type errorBody struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // headers already sent
	}
}

func writeError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	ae := apperr.From(err)
	if ae.HTTPStatus() >= http.StatusInternalServerError {
		logger.Error("request failed",
			"code", string(ae.Code),
			"path", r.URL.Path,
			"request_id", RequestID(r.Context()),
			"error", err)
	}
	var body errorBody
	body.Error.Code = string(ae.Code)
	body.Error.Message = ae.Message
	body.Error.Details = ae.Details
	writeJSON(w, ae.HTTPStatus(), body)
}

// decode reads a JSON body into dst, capping the body at 1 MB.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed JSON body", err)
	}
	return nil
}
