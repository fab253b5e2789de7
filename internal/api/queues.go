package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/aridsondez/claimq/internal/engine"
	"github.com/aridsondez/claimq/internal/queue"
)

type queueResponse struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Created  time.Time      `json:"created"`
}

type listQueuesResponse struct {
	Queues []queueResponse `json:"queues"`
	Marker string          `json:"marker,omitempty"`
}

type messageStat struct {
	ID      string    `json:"id"`
	Created time.Time `json:"created"`
	Age     int64     `json:"age"`
}

type statsResponse struct {
	Messages struct {
		Free    int          `json:"free"`
		Claimed int          `json:"claimed"`
		Total   int          `json:"total"`
		Oldest  *messageStat `json:"oldest,omitempty"`
		Newest  *messageStat `json:"newest,omitempty"`
	} `json:"messages"`
}

// ---------- Handlers ----------

// PUT /v1/queues/{queue}: 201 when created, 204 when it already existed.
func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var md map[string]any
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &md); err != nil {
			s.mapError(w, r, err)
			return
		}
	}

	_, err := s.engine.Queues().Create(r.Context(), project(r), queueParam(r), md)
	switch {
	case errors.Is(err, queue.ErrQueueExists):
		w.WriteHeader(http.StatusNoContent)
	case err != nil:
		s.mapError(w, r, err)
	default:
		w.Header().Set("Location", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Queues().Get(r.Context(), project(r), queueParam(r))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Name: q.Name, Metadata: q.Metadata, Created: q.CreatedAt})
}

func (s *Server) handleDeleteQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Queues().Delete(r.Context(), project(r), queueParam(r)); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/queues?marker=&limit=&detailed=
func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	detailed, err := queryBool(r, "detailed", false)
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	page, err := s.engine.Queues().List(r.Context(), engine.ListQueuesOptions{
		Project:  project(r),
		Marker:   r.URL.Query().Get("marker"),
		Limit:    limit,
		Detailed: detailed,
	})
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	resp := listQueuesResponse{Queues: make([]queueResponse, 0, len(page.Queues)), Marker: page.Marker}
	for _, q := range page.Queues {
		resp.Queues = append(resp.Queues, queueResponse{Name: q.Name, Metadata: q.Metadata, Created: q.CreatedAt})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := s.engine.Queues().GetMetadata(r.Context(), project(r), queueParam(r))
	if err != nil {
		s.mapError(w, r, err)
		return
	}
	if md == nil {
		md = map[string]any{}
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleSetMetadata(w http.ResponseWriter, r *http.Request) {
	var md map[string]any
	if err := decodeJSON(r, &md); err != nil {
		s.mapError(w, r, err)
		return
	}
	if err := s.engine.Queues().SetMetadata(r.Context(), project(r), queueParam(r), md); err != nil {
		s.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Queues().Stats(r.Context(), project(r), queueParam(r))
	if err != nil {
		s.mapError(w, r, err)
		return
	}

	var resp statsResponse
	resp.Messages.Free = st.Free
	resp.Messages.Claimed = st.Claimed
	resp.Messages.Total = st.Total
	resp.Messages.Oldest = toMessageStat(st.Oldest)
	resp.Messages.Newest = toMessageStat(st.Newest)
	writeJSON(w, http.StatusOK, resp)
}

func toMessageStat(st *queue.MessageStat) *messageStat {
	if st == nil {
		return nil
	}
	return &messageStat{ID: st.ID, Created: st.CreatedAt, Age: seconds(st.Age)}
}
