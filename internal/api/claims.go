package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/queue"
)

type claimRequest struct {
	TTL   int64 `json:"ttl"`
	Grace int64 `json:"grace"`
}

type claimResponse struct {
	ID       string            `json:"id"`
	TTL      int64             `json:"ttl"`
	Grace    int64             `json:"grace"`
	Age      int64             `json:"age"`
	Messages []messageResponse `json:"messages"`
}

func toClaimResponse(c queue.Claim, now time.Time) claimResponse {
	return claimResponse{
		ID:       c.ID,
		TTL:      seconds(c.TTL),
		Grace:    seconds(c.Grace),
		Age:      seconds(c.Age(now)),
		Messages: toMessageResponses(c.Messages, now),
	}
}

// ---------- Handlers ----------

// POST /v1/queues/{queue}/claims?limit= with {"ttl":30,"grace":10}.
// 201 with the claim, or 204 when nothing was claimable.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var in claimRequest
	if err := decodeJSON(r, &in); err != nil {
		s.mapError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	lim := s.engine.Limits()
	ttl, err := fromSeconds(in.TTL, lim.ClaimTTLMax, queue.ErrInvalidTTL, "ttl")
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	grace, err := fromSeconds(in.Grace, lim.ClaimGraceMax, queue.ErrInvalidGrace, "grace")
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	claim, err := s.engine.Claims().Claim(r.Context(), engine.ClaimRequest{
		Project: project(r),
		Queue:   queueParam(r),
		TTL:     ttl,
		Grace:   grace,
		Limit:   limit,
	})
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if claim.Empty() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Location", r.URL.Path+"/"+claim.ID)
	writeJSON(w, http.StatusCreated, toClaimResponse(claim, s.engine.Now()))
}

func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.engine.Claims().Get(r.Context(), project(r), queueParam(r), chi.URLParam(r, "claim"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toClaimResponse(claim, s.engine.Now()))
}

// PATCH /v1/queues/{queue}/claims/{claim} with {"ttl":60}.
func (s *Server) handleRenewClaim(w http.ResponseWriter, r *http.Request) {
	var in claimRequest
	if err := decodeJSON(r, &in); err != nil {
		s.mapError(w, r, err)
		return
	}
	ttl, err := fromSeconds(in.TTL, s.engine.Limits().ClaimTTLMax, queue.ErrInvalidTTL, "ttl")
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if err := s.engine.Claims().Renew(r.Context(), project(r), queueParam(r), chi.URLParam(r, "claim"), ttl); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseClaim(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Claims().Release(r.Context(), project(r), queueParam(r), chi.URLParam(r, "claim")); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
