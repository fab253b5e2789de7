// Package memory is an in-process store.Driver. It backs tests and
// single-node deployments that do not need durability.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Ensure *Store implements store.Driver at compile time.
var _ store.Driver = (*Store)(nil)

type queueRecord struct {
	q      queue.Queue
	msgs   map[int64]*queue.Message
	order  []int64 // ascending sequence numbers of live rows
	claims map[string]queue.Claim
}

// Store keeps every queue behind one mutex, which makes claim selection
// and claim-checked deletes trivially atomic.
type Store struct {
	mu     sync.Mutex
	seq    int64
	queues map[string]*queueRecord
}

func New() *Store {
	return &Store{queues: make(map[string]*queueRecord)}
}

func key(project, name string) string {
	return project + "\x00" + name
}

func (s *Store) lookup(project, name string) (*queueRecord, error) {
	rec, ok := s.queues[key(project, name)]
	if !ok {
		return nil, queue.ErrQueueNotFound
	}
	return rec, nil
}

func (s *Store) CreateQueue(_ context.Context, q queue.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(q.Project, q.Name)
	if _, ok := s.queues[k]; ok {
		return queue.ErrQueueExists
	}
	q.Metadata = cloneMetadata(q.Metadata)
	s.queues[k] = &queueRecord{
		q:      q,
		msgs:   make(map[int64]*queue.Message),
		claims: make(map[string]queue.Claim),
	}
	return nil
}

func (s *Store) DeleteQueue(_ context.Context, project, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, key(project, name))
	return nil
}

func (s *Store) QueueExists(_ context.Context, project, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[key(project, name)]
	return ok, nil
}

func (s *Store) GetQueue(_ context.Context, project, name string) (queue.Queue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, name)
	if err != nil {
		return queue.Queue{}, err
	}
	q := rec.q
	q.Metadata = cloneMetadata(q.Metadata)
	return q, nil
}

func (s *Store) SetQueueMetadata(_ context.Context, project, name string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, name)
	if err != nil {
		return err
	}
	rec.q.Metadata = cloneMetadata(metadata)
	return nil
}

func (s *Store) ListQueues(_ context.Context, req store.ListQueuesRequest) (store.ListQueuesResponse, error) {
	after := ""
	if req.Marker != "" {
		name, ok := queue.DecodeQueueMarker(req.Marker)
		if !ok {
			return store.ListQueuesResponse{}, nil
		}
		after = name
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var names []string
	prefix := req.Project + "\x00"
	for k, rec := range s.queues {
		if strings.HasPrefix(k, prefix) && rec.q.Name > after {
			names = append(names, rec.q.Name)
		}
	}
	sort.Strings(names)
	if req.Limit > 0 && len(names) > req.Limit {
		names = names[:req.Limit]
	}

	var resp store.ListQueuesResponse
	for _, name := range names {
		q := s.queues[key(req.Project, name)].q
		if req.Detailed {
			q.Metadata = cloneMetadata(q.Metadata)
		} else {
			q.Metadata = nil
		}
		resp.Queues = append(resp.Queues, q)
	}
	if len(names) > 0 {
		resp.Marker = queue.EncodeQueueMarker(names[len(names)-1])
	}
	return resp, nil
}

func (s *Store) QueueStats(_ context.Context, project, name string, now time.Time) (queue.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, name)
	if err != nil {
		return queue.Stats{}, err
	}

	var st queue.Stats
	for _, seq := range rec.order {
		m := rec.msgs[seq]
		if m.Expired(now) {
			continue
		}
		if m.Claimed(now) {
			st.Claimed++
		} else {
			st.Free++
		}
		stat := &queue.MessageStat{ID: m.ID, CreatedAt: m.CreatedAt, Age: m.Age(now)}
		if st.Oldest == nil {
			st.Oldest = stat
		}
		st.Newest = stat
	}
	st.Total = st.Free + st.Claimed
	return st, nil
}

func (s *Store) InsertMessages(_ context.Context, req store.InsertMessagesRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(req.Project, req.Queue)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(req.Messages))
	for _, nm := range req.Messages {
		s.seq++
		m := &queue.Message{
			ID:        queue.FormatMessageID(s.seq),
			Project:   req.Project,
			Queue:     req.Queue,
			Body:      slices.Clone(nm.Body),
			TTL:       nm.TTL,
			CreatedAt: req.Now,
			ExpiresAt: queue.ExpiresAt(req.Now, nm.TTL),
			ClientID:  req.ClientID,
		}
		rec.msgs[s.seq] = m
		rec.order = append(rec.order, s.seq)
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *Store) ListMessages(_ context.Context, req store.ListMessagesRequest) (store.ListMessagesResponse, error) {
	var after int64
	if req.Marker != "" {
		seq, ok := queue.DecodeMessageMarker(req.Marker)
		if !ok {
			return store.ListMessagesResponse{}, nil
		}
		after = seq
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(req.Project, req.Queue)
	if err != nil {
		return store.ListMessagesResponse{}, err
	}

	var resp store.ListMessagesResponse
	start := sort.Search(len(rec.order), func(i int) bool { return rec.order[i] > after })
	for _, seq := range rec.order[start:] {
		if req.Limit > 0 && len(resp.Messages) >= req.Limit {
			break
		}
		m := rec.msgs[seq]
		if m.Expired(req.Now) {
			continue
		}
		if !req.IncludeClaimed && m.Claimed(req.Now) {
			continue
		}
		if !req.Echo && req.ClientID != "" && m.ClientID == req.ClientID {
			continue
		}
		resp.Messages = append(resp.Messages, copyMessage(m))
		resp.Marker = queue.EncodeMessageMarker(seq)
	}
	return resp, nil
}

func (s *Store) GetMessage(ctx context.Context, project, queueName, id string, now time.Time) (queue.Message, error) {
	msgs, err := s.GetMessages(ctx, project, queueName, []string{id}, now)
	if err != nil {
		return queue.Message{}, err
	}
	if len(msgs) == 0 {
		return queue.Message{}, queue.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (s *Store) GetMessages(_ context.Context, project, queueName string, ids []string, now time.Time) ([]queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, queueName)
	if err != nil {
		return nil, err
	}

	var out []queue.Message
	for _, id := range ids {
		seq, ok := queue.ParseMessageID(id)
		if !ok {
			continue
		}
		m, ok := rec.msgs[seq]
		if !ok || m.Expired(now) {
			continue
		}
		out = append(out, copyMessage(m))
	}
	return out, nil
}

func (s *Store) DeleteMessage(_ context.Context, req store.DeleteMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(req.Project, req.Queue)
	if err != nil {
		return err
	}
	seq, ok := queue.ParseMessageID(req.ID)
	if !ok {
		return nil
	}
	m, ok := rec.msgs[seq]
	if !ok || m.Expired(req.Now) {
		return nil
	}
	if !store.CanDelete(*m, req.ClaimID, req.Now) {
		return queue.ErrClaimMismatch
	}
	rec.remove(seq)
	return nil
}

func (s *Store) MarkClaim(_ context.Context, req store.MarkClaimRequest) ([]queue.Message, error) {
	c := req.Claim
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(c.Project, c.Queue)
	if err != nil {
		return nil, err
	}
	if _, dup := rec.claims[c.ID]; dup {
		return nil, queue.ErrClaimExists
	}

	var out []queue.Message
	for _, seq := range rec.order {
		if len(out) >= req.Limit {
			break
		}
		m := rec.msgs[seq]
		if !m.Claimable(req.Now) {
			continue
		}
		m.ClaimID = c.ID
		m.ClaimExpiresAt = c.ExpiresAt
		m.ClaimGraceUntil = c.GraceUntil()
		out = append(out, copyMessage(m))
	}
	if len(out) > 0 {
		c.Messages = nil
		rec.claims[c.ID] = c
	}
	return out, nil
}

func (s *Store) GetClaim(_ context.Context, project, queueName, id string, now time.Time) (queue.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, queueName)
	if err != nil {
		return queue.Claim{}, err
	}
	c, ok := rec.claims[id]
	if !ok || queue.Expired(now, c.GraceUntil()) {
		return queue.Claim{}, queue.ErrClaimNotFound
	}
	for _, seq := range rec.order {
		m := rec.msgs[seq]
		if m.ClaimID == id && !m.Expired(now) {
			c.Messages = append(c.Messages, copyMessage(m))
		}
	}
	return c, nil
}

func (s *Store) RenewClaim(_ context.Context, req store.RenewClaimRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(req.Project, req.Queue)
	if err != nil {
		return err
	}
	c, ok := rec.claims[req.ID]
	if !ok || queue.Expired(req.Now, c.GraceUntil()) {
		return queue.ErrClaimNotFound
	}
	c.TTL = req.TTL
	c.ExpiresAt = queue.ExpiresAt(req.Now, req.TTL)
	rec.claims[req.ID] = c
	for _, m := range rec.msgs {
		if m.ClaimID == req.ID {
			m.ClaimExpiresAt = c.ExpiresAt
			m.ClaimGraceUntil = c.GraceUntil()
		}
	}
	return nil
}

func (s *Store) ReleaseClaim(_ context.Context, project, queueName, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, queueName)
	if err != nil {
		return err
	}
	delete(rec.claims, id)
	for _, m := range rec.msgs {
		if m.ClaimID == id {
			m.ClaimID = ""
			m.ClaimExpiresAt = time.Time{}
			m.ClaimGraceUntil = time.Time{}
		}
	}
	return nil
}

func (s *Store) CountExpired(_ context.Context, now time.Time) ([]queue.ExpiredCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []queue.ExpiredCount
	for _, rec := range s.queues {
		n := 0
		for _, m := range rec.msgs {
			if m.Expired(now) {
				n++
			}
		}
		if n > 0 {
			out = append(out, queue.ExpiredCount{Project: rec.q.Project, Queue: rec.q.Name, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Queue < out[j].Queue
	})
	return out, nil
}

func (s *Store) PurgeExpired(_ context.Context, project, queueName string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.lookup(project, queueName)
	if err != nil {
		return 0, err
	}

	purged := 0
	kept := rec.order[:0]
	for _, seq := range rec.order {
		if rec.msgs[seq].Expired(now) {
			delete(rec.msgs, seq)
			purged++
			continue
		}
		kept = append(kept, seq)
	}
	rec.order = kept

	rec.purgeClaims(now)
	return purged, nil
}

func (s *Store) PurgeClaims(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.queues {
		n += rec.purgeClaims(now)
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

func (r *queueRecord) purgeClaims(now time.Time) int {
	n := 0
	for id, c := range r.claims {
		if queue.Expired(now, c.GraceUntil()) {
			delete(r.claims, id)
			n++
		}
	}
	return n
}

func (r *queueRecord) remove(seq int64) {
	delete(r.msgs, seq)
	i := sort.Search(len(r.order), func(i int) bool { return r.order[i] >= seq })
	if i < len(r.order) && r.order[i] == seq {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func copyMessage(m *queue.Message) queue.Message {
	out := *m
	out.Body = slices.Clone(m.Body)
	return out
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return maps.Clone(md)
}
