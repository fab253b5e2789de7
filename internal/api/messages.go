package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/queue"
)

type postMessage struct {
	TTL  int64           `json:"ttl"`
	Body json.RawMessage `json:"body"`
}

type postMessagesResponse struct {
	IDs []string `json:"ids"`
}

type messageResponse struct {
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	TTL     int64           `json:"ttl"`
	Age     int64           `json:"age"`
	ClaimID string          `json:"claim_id,omitempty"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
	Marker   string            `json:"marker,omitempty"`
}

func toMessageResponse(m queue.Message, now time.Time) messageResponse {
	resp := messageResponse{
		ID:   m.ID,
		Body: m.Body,
		TTL:  seconds(m.TTL),
		Age:  seconds(m.Age(now)),
	}
	if m.Claimed(now) {
		resp.ClaimID = m.ClaimID
	}
	return resp
}

func toMessageResponses(msgs []queue.Message, now time.Time) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m, now))
	}
	return out
}

// ---------- Handlers ----------

// POST /v1/queues/{queue}/messages with [{"ttl":300,"body":{...}}, ...]
func (s *Server) handlePostMessages(w http.ResponseWriter, r *http.Request) {
	var in []postMessage
	if err := decodeJSON(r, &in); err != nil {
		s.mapError(w, r, err)
		return
	}

	batch := make([]queue.NewMessage, 0, len(in))
	for i, m := range in {
		if m.TTL <= 0 {
			s.mapError(w, r, fmt.Errorf("%w: message %d: ttl must be positive seconds", queue.ErrInvalidTTL, i))
			return
		}
		ttl, err := fromSeconds(m.TTL, s.engine.Limits().MessageTTLMax, queue.ErrInvalidTTL, fmt.Sprintf("message %d: ttl", i))
		if err != nil {
			s.mapError(w, r, err)
			return
		}
		batch = append(batch, queue.NewMessage{Body: m.Body, TTL: ttl})
	}

	ids, err := s.engine.Messages().Post(r.Context(), engine.PostRequest{
		Project:  project(r),
		Queue:    queueParam(r),
		ClientID: r.Header.Get(ClientIDHeader),
		Messages: batch,
	})
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, postMessagesResponse{IDs: ids})
}

// GET /v1/queues/{queue}/messages?marker=&limit=&echo=&include_claimed=
// or, for a bulk read, ?ids=1,2,3.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if ids, ok := queryIDs(r); ok {
		msgs, err := s.engine.Messages().GetMany(r.Context(), project(r), queueParam(r), ids)
		if err != nil {
			s.mapError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listMessagesResponse{Messages: toMessageResponses(msgs, s.engine.Now())})
		return
	}

	limit, err := queryInt(r, "limit")
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	echo, err := queryBool(r, "echo", false)
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	includeClaimed, err := queryBool(r, "include_claimed", false)
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	page, err := s.engine.Messages().List(r.Context(), engine.ListMessagesOptions{
		Project:        project(r),
		Queue:          queueParam(r),
		Marker:         r.URL.Query().Get("marker"),
		Limit:          limit,
		IncludeClaimed: includeClaimed,
		Echo:           echo,
		ClientID:       r.Header.Get(ClientIDHeader),
	})
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if len(page.Messages) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, listMessagesResponse{
		Messages: toMessageResponses(page.Messages, s.engine.Now()),
		Marker:   page.Marker,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.Messages().Get(r.Context(), project(r), queueParam(r), chi.URLParam(r, "id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMessageResponse(m, s.engine.Now()))
}

// DELETE /v1/queues/{queue}/messages/{id}?claim_id=
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	err := s.engine.Messages().Delete(r.Context(), project(r), queueParam(r),
		chi.URLParam(r, "id"), r.URL.Query().Get("claim_id"))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/queues/{queue}/messages?ids=1,2,3
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	ids, ok := queryIDs(r)
	if !ok || len(ids) == 0 {
		s.mapError(w, r, fmt.Errorf("%w: ids query parameter is required", queue.ErrValidation))
		return
	}
	if err := s.engine.Messages().DeleteMany(r.Context(), project(r), queueParam(r), ids); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
