package api

import (
	"net/http"
	"time"

	"omen-backend/internal/apperr"
	"omen-backend/internal/lifecycle"
	"omen-backend/internal/repo"
	"omen-backend/pkg/types"
)

type marketResponse struct {
	Market *types.Market      `json:"market"`
	Asset  *types.MarketAsset `json:"asset,omitempty"`
}

func (s *Server) handleRegisterMarket(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.RegisterInput
	if err := decode(r, &in); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	m, asset, err := s.deps.Markets.Register(r.Context(), in)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, marketResponse{Market: m, Asset: asset})
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleApproveMarket(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, true)
}

func (s *Server) handleRejectMarket(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, false)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, approved bool) {
	var req decisionRequest
	if r.ContentLength > 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, s.logger, err)
			return
		}
	}
	m, err := s.deps.Markets.ProcessApprovalDecision(r.Context(), r.PathValue("id"), approved, adminActor(r.Context()), req.Reason)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{Market: m})
}

func (s *Server) handleActivateMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Markets.Activate(r.Context(), r.PathValue("id"), adminActor(r.Context()))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{Market: m})
}

func (s *Server) handlePauseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Markets.Pause(r.Context(), r.PathValue("id"), adminActor(r.Context()))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{Market: m})
}

func (s *Server) handleArchiveMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Markets.Archive(r.Context(), r.PathValue("id"), adminActor(r.Context()))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, marketResponse{Market: m})
}

func (s *Server) handleGetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.MarketReads.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	// The asset row is created with the market; a miss here is a data
	// problem, not a client error, so surface the market regardless.
	asset, err := s.deps.MarketReads.GetAsset(r.Context(), m.ID)
	if err != nil {
		s.logger.Warn("market asset lookup failed", "market_id", m.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, marketResponse{Market: m, Asset: asset})
}

type listMarketsResponse struct {
	Markets []*types.Market `json:"markets"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
}

func (s *Server) handleListMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := repo.ListFilter{
		Status:   types.MarketStatus(q.Get("status")),
		OwnerID:  q.Get("ownerId"),
		Page:     intQuery(q.Get("page"), 1),
		PageSize: intQuery(q.Get("pageSize"), 0),
	}
	var err error
	if f.CreatedAfter, err = timeQuery(q.Get("createdAfter")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	if f.CreatedBefore, err = timeQuery(q.Get("createdBefore")); err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	markets, total, err := s.deps.MarketReads.List(r.Context(), f)
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{Markets: markets, Total: total, Page: f.Page})
}

func (s *Server) handleMarketEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := s.deps.MarketReads.ApprovalEvents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

func timeQuery(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperr.New(apperr.CodeValidation, "invalid timestamp, expected RFC 3339")
	}
	return &t, nil
}
