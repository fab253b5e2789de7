package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Ensure *PostgresStore implements store.Driver at compile time.
var _ store.Driver = (*PostgresStore)(nil)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect creates a pgxpool connection pool and verifies connectivity.
func Connect(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const messageColumns = `id, project, queue, body, ttl_ms, client_id, created_at, expires_at,
  claim_id, claim_expires_at, claim_grace_until`

// SQL templates
const (
	sqlCreateQueue = `
INSERT INTO queues (project, name, metadata, created_at)
VALUES ($1, $2, $3, $4);`

	sqlDeleteQueue = `DELETE FROM queues WHERE project = $1 AND name = $2;`

	sqlQueueExists = `SELECT EXISTS (SELECT 1 FROM queues WHERE project = $1 AND name = $2);`

	sqlGetQueue = `SELECT metadata, created_at FROM queues WHERE project = $1 AND name = $2;`

	sqlSetMetadata = `UPDATE queues SET metadata = $3 WHERE project = $1 AND name = $2;`

	sqlListQueues = `
SELECT name, metadata, created_at
FROM queues
WHERE project = $1 AND name > $2
ORDER BY name
LIMIT $3;`

	sqlStatsCounts = `
SELECT
  count(*) FILTER (WHERE claim_id IS NULL OR claim_expires_at <= $3),
  count(*) FILTER (WHERE claim_id IS NOT NULL AND claim_expires_at > $3)
FROM messages
WHERE project = $1 AND queue = $2 AND expires_at > $3;`

	sqlStatsOldest = `
SELECT id, created_at FROM messages
WHERE project = $1 AND queue = $2 AND expires_at > $3
ORDER BY id ASC LIMIT 1;`

	sqlStatsNewest = `
SELECT id, created_at FROM messages
WHERE project = $1 AND queue = $2 AND expires_at > $3
ORDER BY id DESC LIMIT 1;`

	sqlLockQueue = `SELECT 1 FROM queues WHERE project = $1 AND name = $2 FOR SHARE;`

	sqlInsertMessage = `
INSERT INTO messages (project, queue, body, ttl_ms, client_id, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id;`

	sqlListMessages = `
SELECT ` + messageColumns + `
FROM messages
WHERE project = $1 AND queue = $2 AND id > $3 AND expires_at > $4
  AND ($5::boolean OR claim_id IS NULL OR claim_expires_at <= $4)
  AND ($6::boolean OR client_id <> $7::text)
ORDER BY id
LIMIT $8;`

	sqlGetMessages = `
SELECT ` + messageColumns + `
FROM messages
WHERE project = $1 AND queue = $2 AND id = ANY($3) AND expires_at > $4
ORDER BY id;`

	sqlDeleteMessage = `
DELETE FROM messages
WHERE project = $1 AND queue = $2 AND id = $3 AND expires_at > $4
  AND CASE WHEN $5::text = ''
        THEN (claim_id IS NULL OR claim_grace_until <= $4)
        ELSE (claim_id = $5::text AND claim_grace_until > $4)
      END;`

	sqlMessageLive = `
SELECT EXISTS (
  SELECT 1 FROM messages
  WHERE project = $1 AND queue = $2 AND id = $3 AND expires_at > $4
);`

	// Single CTE TX pattern: pick -> update -> return rows
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM messages
  WHERE project = $1 AND queue = $2
    AND expires_at > $3
    AND (claim_id IS NULL OR claim_expires_at <= $3)
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT $4
),
updated AS (
  UPDATE messages m
  SET claim_id          = $5,
      claim_expires_at  = $6,
      claim_grace_until = $7
  FROM picked
  WHERE m.id = picked.id
  RETURNING m.*
)
SELECT ` + messageColumns + ` FROM updated;`

	sqlInsertClaim = `
INSERT INTO claims (id, project, queue, ttl_ms, grace_ms, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);`

	sqlClaimExists = `SELECT EXISTS (SELECT 1 FROM claims WHERE id = $1);`

	sqlGetClaim = `
SELECT ttl_ms, grace_ms, created_at, expires_at
FROM claims
WHERE id = $1 AND project = $2 AND queue = $3;`

	sqlGetClaimForUpdate = `
SELECT ttl_ms, grace_ms, created_at, expires_at
FROM claims
WHERE id = $1 AND project = $2 AND queue = $3
FOR UPDATE;`

	sqlClaimedMessages = `
SELECT ` + messageColumns + `
FROM messages
WHERE project = $1 AND queue = $2 AND claim_id = $3 AND expires_at > $4
ORDER BY id;`

	sqlRenewClaim = `UPDATE claims SET ttl_ms = $2, expires_at = $3 WHERE id = $1;`

	sqlRenewMessages = `
UPDATE messages
SET claim_expires_at = $4, claim_grace_until = $5
WHERE project = $1 AND queue = $2 AND claim_id = $3;`

	sqlDeleteClaim = `DELETE FROM claims WHERE id = $1 AND project = $2 AND queue = $3;`

	sqlReleaseMessages = `
UPDATE messages
SET claim_id = NULL, claim_expires_at = NULL, claim_grace_until = NULL
WHERE project = $1 AND queue = $2 AND claim_id = $3;`

	sqlCountExpired = `
SELECT project, queue, count(*)
FROM messages
WHERE expires_at <= $1
GROUP BY project, queue
ORDER BY project, queue;`

	sqlPurgeMessages = `DELETE FROM messages WHERE project = $1 AND queue = $2 AND expires_at <= $3;`

	sqlPurgeClaims = `
DELETE FROM claims
WHERE project = $1 AND queue = $2
  AND expires_at + grace_ms * interval '1 millisecond' <= $3;`

	sqlPurgeAllClaims = `
DELETE FROM claims
WHERE expires_at + grace_ms * interval '1 millisecond' <= $1;`
)

func (p *PostgresStore) CreateQueue(ctx context.Context, q queue.Queue) error {
	_, err := p.pool.Exec(ctx, sqlCreateQueue, q.Project, q.Name, metadataOrEmpty(q.Metadata), q.CreatedAt)
	if pgCode(err) == codeUniqueViolation {
		return queue.ErrQueueExists
	}
	return mapErr(err)
}

func (p *PostgresStore) DeleteQueue(ctx context.Context, project, name string) error {
	_, err := p.pool.Exec(ctx, sqlDeleteQueue, project, name)
	return mapErr(err)
}

func (p *PostgresStore) QueueExists(ctx context.Context, project, name string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx, sqlQueueExists, project, name).Scan(&ok)
	return ok, mapErr(err)
}

func (p *PostgresStore) GetQueue(ctx context.Context, project, name string) (queue.Queue, error) {
	q := queue.Queue{Project: project, Name: name}
	err := p.pool.QueryRow(ctx, sqlGetQueue, project, name).Scan(&q.Metadata, &q.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Queue{}, queue.ErrQueueNotFound
	}
	if err != nil {
		return queue.Queue{}, mapErr(err)
	}
	q.Metadata = metadataOrEmpty(q.Metadata)
	q.CreatedAt = q.CreatedAt.UTC()
	return q, nil
}

func (p *PostgresStore) SetQueueMetadata(ctx context.Context, project, name string, metadata map[string]any) error {
	ct, err := p.pool.Exec(ctx, sqlSetMetadata, project, name, metadataOrEmpty(metadata))
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrQueueNotFound
	}
	return nil
}

func (p *PostgresStore) ListQueues(ctx context.Context, req store.ListQueuesRequest) (store.ListQueuesResponse, error) {
	after := ""
	if req.Marker != "" {
		name, ok := queue.DecodeQueueMarker(req.Marker)
		if !ok {
			return store.ListQueuesResponse{}, nil
		}
		after = name
	}

	rows, err := p.pool.Query(ctx, sqlListQueues, req.Project, after, limitArg(req.Limit))
	if err != nil {
		return store.ListQueuesResponse{}, mapErr(err)
	}
	defer rows.Close()

	var resp store.ListQueuesResponse
	for rows.Next() {
		q := queue.Queue{Project: req.Project}
		if err := rows.Scan(&q.Name, &q.Metadata, &q.CreatedAt); err != nil {
			return store.ListQueuesResponse{}, mapErr(err)
		}
		q.CreatedAt = q.CreatedAt.UTC()
		if req.Detailed {
			q.Metadata = metadataOrEmpty(q.Metadata)
		} else {
			q.Metadata = nil
		}
		resp.Queues = append(resp.Queues, q)
		resp.Marker = queue.EncodeQueueMarker(q.Name)
	}
	return resp, mapErr(rows.Err())
}

func (p *PostgresStore) QueueStats(ctx context.Context, project, name string, now time.Time) (queue.Stats, error) {
	exists, err := p.QueueExists(ctx, project, name)
	if err != nil {
		return queue.Stats{}, err
	}
	if !exists {
		return queue.Stats{}, queue.ErrQueueNotFound
	}

	var st queue.Stats
	if err := p.pool.QueryRow(ctx, sqlStatsCounts, project, name, now).Scan(&st.Free, &st.Claimed); err != nil {
		return queue.Stats{}, mapErr(err)
	}
	st.Total = st.Free + st.Claimed
	if st.Total == 0 {
		return st, nil
	}

	if st.Oldest, err = p.messageStat(ctx, sqlStatsOldest, project, name, now); err != nil {
		return queue.Stats{}, err
	}
	if st.Newest, err = p.messageStat(ctx, sqlStatsNewest, project, name, now); err != nil {
		return queue.Stats{}, err
	}
	return st, nil
}

func (p *PostgresStore) messageStat(ctx context.Context, sql, project, name string, now time.Time) (*queue.MessageStat, error) {
	var (
		seq     int64
		created time.Time
	)
	err := p.pool.QueryRow(ctx, sql, project, name, now).Scan(&seq, &created)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	created = created.UTC()
	return &queue.MessageStat{ID: queue.FormatMessageID(seq), CreatedAt: created, Age: queue.Age(now, created)}, nil
}

// InsertMessages holds a share lock on the queue row for the whole batch,
// so a concurrent DeleteQueue either waits for the batch or wins first and
// the batch fails with ErrQueueNotFound.
func (p *PostgresStore) InsertMessages(ctx context.Context, req store.InsertMessagesRequest) ([]string, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var one int
	err = tx.QueryRow(ctx, sqlLockQueue, req.Project, req.Queue).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrQueueNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}

	batch := &pgx.Batch{}
	for _, m := range req.Messages {
		batch.Queue(sqlInsertMessage,
			req.Project,
			req.Queue,
			[]byte(m.Body),
			m.TTL.Milliseconds(),
			req.ClientID,
			req.Now,
			queue.ExpiresAt(req.Now, m.TTL),
		)
	}

	br := tx.SendBatch(ctx, batch)
	ids := make([]string, 0, len(req.Messages))
	for range req.Messages {
		var seq int64
		if err := br.QueryRow().Scan(&seq); err != nil {
			_ = br.Close()
			return nil, mapInsertErr(err)
		}
		ids = append(ids, queue.FormatMessageID(seq))
	}
	if err := br.Close(); err != nil {
		return nil, mapInsertErr(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr(err)
	}
	return ids, nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, req store.ListMessagesRequest) (store.ListMessagesResponse, error) {
	var after int64
	if req.Marker != "" {
		seq, ok := queue.DecodeMessageMarker(req.Marker)
		if !ok {
			return store.ListMessagesResponse{}, nil
		}
		after = seq
	}

	echo := req.Echo || req.ClientID == ""
	msgs, err := queryMessages(ctx, p.pool, sqlListMessages,
		req.Project, req.Queue, after, req.Now, req.IncludeClaimed, echo, req.ClientID, limitArg(req.Limit))
	if err != nil {
		return store.ListMessagesResponse{}, err
	}

	resp := store.ListMessagesResponse{Messages: msgs}
	if n := len(msgs); n > 0 {
		seq, _ := queue.ParseMessageID(msgs[n-1].ID)
		resp.Marker = queue.EncodeMessageMarker(seq)
	}
	return resp, nil
}

func (p *PostgresStore) GetMessage(ctx context.Context, project, queueName, id string, now time.Time) (queue.Message, error) {
	msgs, err := p.GetMessages(ctx, project, queueName, []string{id}, now)
	if err != nil {
		return queue.Message{}, err
	}
	if len(msgs) == 0 {
		return queue.Message{}, queue.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (p *PostgresStore) GetMessages(ctx context.Context, project, queueName string, ids []string, now time.Time) ([]queue.Message, error) {
	seqs := parseIDs(ids)
	if len(seqs) == 0 {
		return nil, nil
	}
	return queryMessages(ctx, p.pool, sqlGetMessages, project, queueName, seqs, now)
}

func (p *PostgresStore) DeleteMessage(ctx context.Context, req store.DeleteMessageRequest) error {
	seq, ok := queue.ParseMessageID(req.ID)
	if !ok {
		return nil
	}
	ct, err := p.pool.Exec(ctx, sqlDeleteMessage, req.Project, req.Queue, seq, req.Now, req.ClaimID)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	// Nothing deleted: either the message is gone or the claim check failed.
	var live bool
	if err := p.pool.QueryRow(ctx, sqlMessageLive, req.Project, req.Queue, seq, req.Now).Scan(&live); err != nil {
		return mapErr(err)
	}
	if live {
		return queue.ErrClaimMismatch
	}
	return nil
}

// MarkClaim leases up to req.Limit messages for the claim.
func (p *PostgresStore) MarkClaim(ctx context.Context, req store.MarkClaimRequest) ([]queue.Message, error) {
	c := req.Claim
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A retried call whose first commit landed must not lease a second batch.
	var exists bool
	if err := tx.QueryRow(ctx, sqlClaimExists, c.ID).Scan(&exists); err != nil {
		return nil, mapErr(err)
	}
	if exists {
		return nil, queue.ErrClaimExists
	}

	msgs, err := queryMessages(ctx, tx, sqlClaim,
		c.Project, c.Queue, req.Now, req.Limit, c.ID, c.ExpiresAt, c.GraceUntil())
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	// NOTE: RETURNING order is unspecified; keep FIFO for callers.
	sort.Slice(msgs, func(i, j int) bool { return seqOf(msgs[i]) < seqOf(msgs[j]) })

	if _, err := tx.Exec(ctx, sqlInsertClaim,
		c.ID, c.Project, c.Queue, c.TTL.Milliseconds(), c.Grace.Milliseconds(), c.CreatedAt, c.ExpiresAt,
	); err != nil {
		return nil, mapClaimInsertErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapErr(err)
	}
	return msgs, nil
}

func (p *PostgresStore) GetClaim(ctx context.Context, project, queueName, id string, now time.Time) (queue.Claim, error) {
	c, err := scanClaim(ctx, p.pool, sqlGetClaim, project, queueName, id, now)
	if err != nil {
		return queue.Claim{}, err
	}
	c.Messages, err = queryMessages(ctx, p.pool, sqlClaimedMessages, project, queueName, id, now)
	if err != nil {
		return queue.Claim{}, err
	}
	return c, nil
}

func (p *PostgresStore) RenewClaim(ctx context.Context, req store.RenewClaimRequest) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c, err := scanClaim(ctx, tx, sqlGetClaimForUpdate, req.Project, req.Queue, req.ID, req.Now)
	if err != nil {
		return err
	}
	c.TTL = req.TTL
	c.ExpiresAt = queue.ExpiresAt(req.Now, req.TTL)

	if _, err := tx.Exec(ctx, sqlRenewClaim, c.ID, c.TTL.Milliseconds(), c.ExpiresAt); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx, sqlRenewMessages, req.Project, req.Queue, c.ID, c.ExpiresAt, c.GraceUntil()); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func (p *PostgresStore) ReleaseClaim(ctx context.Context, project, queueName, id string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, sqlDeleteClaim, id, project, queueName); err != nil {
		return mapErr(err)
	}
	if _, err := tx.Exec(ctx, sqlReleaseMessages, project, queueName, id); err != nil {
		return mapErr(err)
	}
	return mapErr(tx.Commit(ctx))
}

func (p *PostgresStore) CountExpired(ctx context.Context, now time.Time) ([]queue.ExpiredCount, error) {
	rows, err := p.pool.Query(ctx, sqlCountExpired, now)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []queue.ExpiredCount
	for rows.Next() {
		var ec queue.ExpiredCount
		if err := rows.Scan(&ec.Project, &ec.Queue, &ec.Count); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, ec)
	}
	return out, mapErr(rows.Err())
}

func (p *PostgresStore) PurgeExpired(ctx context.Context, project, queueName string, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, sqlPurgeMessages, project, queueName, now)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", mapErr(err))
	}
	if _, err := p.pool.Exec(ctx, sqlPurgeClaims, project, queueName, now); err != nil {
		return 0, fmt.Errorf("purge claims: %w", mapErr(err))
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) PurgeClaims(ctx context.Context, now time.Time) (int, error) {
	tag, err := p.pool.Exec(ctx, sqlPurgeAllClaims, now)
	if err != nil {
		return 0, fmt.Errorf("purge claims: %w", mapErr(err))
	}
	return int(tag.RowsAffected()), nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

func scanClaim(ctx context.Context, q querier, sql, project, queueName, id string, now time.Time) (queue.Claim, error) {
	c := queue.Claim{ID: id, Project: project, Queue: queueName}
	var ttlMS, graceMS int64
	err := q.QueryRow(ctx, sql, id, project, queueName).Scan(&ttlMS, &graceMS, &c.CreatedAt, &c.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return queue.Claim{}, queue.ErrClaimNotFound
	}
	if err != nil {
		return queue.Claim{}, mapErr(err)
	}
	c.TTL = time.Duration(ttlMS) * time.Millisecond
	c.Grace = time.Duration(graceMS) * time.Millisecond
	c.CreatedAt = c.CreatedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	if queue.Expired(now, c.GraceUntil()) {
		return queue.Claim{}, queue.ErrClaimNotFound
	}
	return c, nil
}

func queryMessages(ctx context.Context, q querier, sql string, args ...any) ([]queue.Message, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []queue.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}

func scanMessage(row pgx.Row) (queue.Message, error) {
	var (
		m            queue.Message
		seq, ttlMS   int64
		body         []byte
		claimID      *string
		claimExpires *time.Time
		graceUntil   *time.Time
	)
	// NOTE: Column order must match messageColumns.
	err := row.Scan(
		&seq,
		&m.Project,
		&m.Queue,
		&body,
		&ttlMS,
		&m.ClientID,
		&m.CreatedAt,
		&m.ExpiresAt,
		&claimID,
		&claimExpires,
		&graceUntil,
	)
	if err != nil {
		return queue.Message{}, err
	}
	m.ID = queue.FormatMessageID(seq)
	m.Body = body
	m.TTL = time.Duration(ttlMS) * time.Millisecond
	m.CreatedAt = m.CreatedAt.UTC()
	m.ExpiresAt = m.ExpiresAt.UTC()
	if claimID != nil {
		m.ClaimID = *claimID
	}
	if claimExpires != nil {
		m.ClaimExpiresAt = claimExpires.UTC()
	}
	if graceUntil != nil {
		m.ClaimGraceUntil = graceUntil.UTC()
	}
	return m, nil
}

func parseIDs(ids []string) []int64 {
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seq, ok := queue.ParseMessageID(id); ok {
			out = append(out, seq)
		}
	}
	return out
}

// limitArg maps a non-positive limit to NULL, which Postgres reads as LIMIT ALL.
func limitArg(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}

func seqOf(m queue.Message) int64 {
	seq, _ := queue.ParseMessageID(m.ID)
	return seq
}

func metadataOrEmpty(md map[string]any) map[string]any {
	if md == nil {
		return map[string]any{}
	}
	return md
}

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeSerializationFail   = "40001"
	codeDeadlockDetected    = "40P01"
	codeAdminShutdown       = "57P01"
	codeTooManyConnections  = "53300"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// mapErr classifies backend failures so the retry policy can tell
// transient conditions from permanent ones.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", queue.ErrStorageTimeout, err)
	}
	switch pgCode(err) {
	case codeSerializationFail, codeDeadlockDetected, codeAdminShutdown, codeTooManyConnections:
		return queue.Transient(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) {
		return queue.Transient(err)
	}
	return err
}

func mapInsertErr(err error) error {
	if pgCode(err) == codeForeignKeyViolation {
		return queue.ErrQueueNotFound
	}
	return mapErr(err)
}

// mapClaimInsertErr also covers a concurrent insert of the same claim id,
// which the existence check at the top of MarkClaim cannot see.
func mapClaimInsertErr(err error) error {
	if pgCode(err) == codeUniqueViolation {
		return queue.ErrClaimExists
	}
	return mapInsertErr(err)
}
