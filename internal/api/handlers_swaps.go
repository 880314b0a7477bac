package api

import (
	"net/http"

	"omen-backend/internal/apperr"
	"omen-backend/internal/swap"
)

type quoteRequest struct {
	SourceTokenID string `json:"sourceTokenId"`
	TargetTokenID string `json:"targetTokenId"`
	Amount        string `json:"amount"`
}

func (s *Server) handleSwapQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	q, err := s.deps.Swaps.QuoteSwap(r.Context(), req.SourceTokenID, req.TargetTokenID, req.Amount)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleRequestSwap(w http.ResponseWriter, r *http.Request) {
	var in swap.RequestInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	sw, err := s.deps.Swaps.RequestSwap(r.Context(), in)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	// The swap settles asynchronously; the caller polls by id.
	writeJSON(w, http.StatusAccepted, map[string]any{"swap": sw})
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, err := s.deps.Swaps.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swap": sw})
}

func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		writeError(w, r, s.logger, apperr.New(apperr.CodeValidation, "userId query parameter is required"))
		return
	}
	swaps, err := s.deps.Swaps.ListByUser(r.Context(), userID, intQuery(q.Get("limit"), 50))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": swaps})
}
