// Package sqlite is a single-file store.Driver for deployments that want
// durability without running Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"github.com/aridsondez/claimq/internal/queue"
	"github.com/aridsondez/claimq/internal/queue/store"
)

// Ensure *SQLiteStore implements store.Driver at compile time.
var _ store.Driver = (*SQLiteStore)(nil)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS queues (
  project     TEXT NOT NULL,
  name        TEXT NOT NULL,
  metadata    TEXT NOT NULL DEFAULT '{}',
  created_at  INTEGER NOT NULL,
  PRIMARY KEY (project, name)
);

CREATE TABLE IF NOT EXISTS messages (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  project            TEXT NOT NULL,
  queue              TEXT NOT NULL,
  body               BLOB NOT NULL,
  ttl_ms             INTEGER NOT NULL,
  client_id          TEXT NOT NULL DEFAULT '',
  created_at         INTEGER NOT NULL,
  expires_at         INTEGER NOT NULL,
  claim_id           TEXT,
  claim_expires_at   INTEGER,
  claim_grace_until  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_queue ON messages(project, queue, id);
CREATE INDEX IF NOT EXISTS idx_messages_expires ON messages(expires_at);
CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(claim_id) WHERE claim_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS claims (
  id          TEXT PRIMARY KEY,
  project     TEXT NOT NULL,
  queue       TEXT NOT NULL,
  ttl_ms      INTEGER NOT NULL,
  grace_ms    INTEGER NOT NULL,
  created_at  INTEGER NOT NULL,
  expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_claims_queue ON claims(project, queue);
`

const messageColumns = `id, project, queue, body, ttl_ms, client_id, created_at, expires_at,
  claim_id, claim_expires_at, claim_grace_until`

// SQLiteStore serializes all access through one connection. Writes run
// under BEGIN IMMEDIATE, so claim selection and marking are atomic.
type SQLiteStore struct {
	db *sql.DB
}

func New(dbPath string) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("sqlite: empty db path")
	}

	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA synchronous=FULL;"); err != nil {
		return fmt.Errorf("sqlite: set synchronous=full: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	return s.migrate(ctx)
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER NOT NULL
);
`); err != nil {
			return fmt.Errorf("sqlite: init migrations table: %w", err)
		}

		current, hasVersion, err := readSchemaVersion(ctx, conn)
		if err != nil {
			return err
		}
		if current > schemaVersion {
			return fmt.Errorf("sqlite: schema_version=%d, want <=%d", current, schemaVersion)
		}

		for v := current + 1; v <= schemaVersion; v++ {
			switch v {
			case 1:
				if _, err := conn.ExecContext(ctx, schemaV1); err != nil {
					return fmt.Errorf("sqlite: migrate v1: %w", err)
				}
			default:
				return fmt.Errorf("sqlite: unknown migration %d", v)
			}
		}

		if !hasVersion || current != schemaVersion {
			return writeSchemaVersion(ctx, conn, schemaVersion)
		}
		return nil
	})
}

func readSchemaVersion(ctx context.Context, conn *sql.Conn) (int, bool, error) {
	var v int
	err := conn.QueryRowContext(ctx, `SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sqlite: read schema_version: %w", err)
	}
	return v, true, nil
}

func writeSchemaVersion(ctx context.Context, conn *sql.Conn, v int) error {
	if _, err := conn.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations(rowid, version) VALUES (1, ?);`, v); err != nil {
		return fmt.Errorf("sqlite: write schema_version: %w", err)
	}
	return nil
}

// withTx runs fn inside BEGIN IMMEDIATE on a dedicated connection and
// commits when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapErr(err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE;"); err != nil {
		return mapErr(err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK;")
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT;"); err != nil {
		return mapErr(err)
	}
	committed = true
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) CreateQueue(ctx context.Context, q queue.Queue) error {
	md, err := marshalMetadata(q.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO queues (project, name, metadata, created_at) VALUES (?, ?, ?, ?);
`, q.Project, q.Name, md, q.CreatedAt.UnixNano())
	if isSQLiteConstraintError(err) {
		return queue.ErrQueueExists
	}
	return mapErr(err)
}

// DeleteQueue removes the queue with its messages and claims in one
// transaction.
func (s *SQLiteStore) DeleteQueue(ctx context.Context, project, name string) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		for _, stmt := range []string{
			`DELETE FROM messages WHERE project = ? AND queue = ?;`,
			`DELETE FROM claims WHERE project = ? AND queue = ?;`,
			`DELETE FROM queues WHERE project = ? AND name = ?;`,
		} {
			if _, err := conn.ExecContext(ctx, stmt, project, name); err != nil {
				return mapErr(err)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) QueueExists(ctx context.Context, project, name string) (bool, error) {
	return queueExists(ctx, s.db, project, name)
}

func queueExists(ctx context.Context, q querier, project, name string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM queues WHERE project = ? AND name = ?;`, project, name).Scan(&n)
	if err != nil {
		return false, mapErr(err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) GetQueue(ctx context.Context, project, name string) (queue.Queue, error) {
	var (
		md      string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT metadata, created_at FROM queues WHERE project = ? AND name = ?;
`, project, name).Scan(&md, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Queue{}, queue.ErrQueueNotFound
	}
	if err != nil {
		return queue.Queue{}, mapErr(err)
	}
	q := queue.Queue{Project: project, Name: name, CreatedAt: fromNanos(created)}
	if q.Metadata, err = unmarshalMetadata(md); err != nil {
		return queue.Queue{}, err
	}
	return q, nil
}

func (s *SQLiteStore) SetQueueMetadata(ctx context.Context, project, name string, metadata map[string]any) error {
	md, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE queues SET metadata = ? WHERE project = ? AND name = ?;`, md, project, name)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return queue.ErrQueueNotFound
	}
	return nil
}

func (s *SQLiteStore) ListQueues(ctx context.Context, req store.ListQueuesRequest) (store.ListQueuesResponse, error) {
	after := ""
	if req.Marker != "" {
		name, ok := queue.DecodeQueueMarker(req.Marker)
		if !ok {
			return store.ListQueuesResponse{}, nil
		}
		after = name
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT name, metadata, created_at
FROM queues
WHERE project = ? AND name > ?
ORDER BY name
LIMIT ?;
`, req.Project, after, limitArg(req.Limit))
	if err != nil {
		return store.ListQueuesResponse{}, mapErr(err)
	}
	defer rows.Close()

	var resp store.ListQueuesResponse
	for rows.Next() {
		var (
			md      string
			created int64
		)
		q := queue.Queue{Project: req.Project}
		if err := rows.Scan(&q.Name, &md, &created); err != nil {
			return store.ListQueuesResponse{}, mapErr(err)
		}
		q.CreatedAt = fromNanos(created)
		if req.Detailed {
			if q.Metadata, err = unmarshalMetadata(md); err != nil {
				return store.ListQueuesResponse{}, err
			}
		}
		resp.Queues = append(resp.Queues, q)
		resp.Marker = queue.EncodeQueueMarker(q.Name)
	}
	return resp, mapErr(rows.Err())
}

func (s *SQLiteStore) QueueStats(ctx context.Context, project, name string, now time.Time) (queue.Stats, error) {
	exists, err := s.QueueExists(ctx, project, name)
	if err != nil {
		return queue.Stats{}, err
	}
	if !exists {
		return queue.Stats{}, queue.ErrQueueNotFound
	}

	n := now.UnixNano()
	var st queue.Stats
	err = s.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN claim_id IS NULL OR claim_expires_at <= ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN claim_id IS NOT NULL AND claim_expires_at > ? THEN 1 ELSE 0 END), 0)
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ?;
`, n, n, project, name, n).Scan(&st.Free, &st.Claimed)
	if err != nil {
		return queue.Stats{}, mapErr(err)
	}
	st.Total = st.Free + st.Claimed
	if st.Total == 0 {
		return st, nil
	}

	if st.Oldest, err = s.messageStat(ctx, "ASC", project, name, now); err != nil {
		return queue.Stats{}, err
	}
	if st.Newest, err = s.messageStat(ctx, "DESC", project, name, now); err != nil {
		return queue.Stats{}, err
	}
	return st, nil
}

func (s *SQLiteStore) messageStat(ctx context.Context, order, project, name string, now time.Time) (*queue.MessageStat, error) {
	var seq, created int64
	err := s.db.QueryRowContext(ctx, `
SELECT id, created_at FROM messages
WHERE project = ? AND queue = ? AND expires_at > ?
ORDER BY id `+order+` LIMIT 1;
`, project, name, now.UnixNano()).Scan(&seq, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	at := fromNanos(created)
	return &queue.MessageStat{ID: queue.FormatMessageID(seq), CreatedAt: at, Age: queue.Age(now, at)}, nil
}

func (s *SQLiteStore) InsertMessages(ctx context.Context, req store.InsertMessagesRequest) ([]string, error) {
	ids := make([]string, 0, len(req.Messages))
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		ok, err := queueExists(ctx, conn, req.Project, req.Queue)
		if err != nil {
			return err
		}
		if !ok {
			return queue.ErrQueueNotFound
		}

		for _, m := range req.Messages {
			res, err := conn.ExecContext(ctx, `
INSERT INTO messages (project, queue, body, ttl_ms, client_id, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`,
				req.Project,
				req.Queue,
				[]byte(m.Body),
				m.TTL.Milliseconds(),
				req.ClientID,
				req.Now.UnixNano(),
				queue.ExpiresAt(req.Now, m.TTL).UnixNano(),
			)
			if err != nil {
				return mapErr(err)
			}
			seq, err := res.LastInsertId()
			if err != nil {
				return mapErr(err)
			}
			ids = append(ids, queue.FormatMessageID(seq))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, req store.ListMessagesRequest) (store.ListMessagesResponse, error) {
	var after int64
	if req.Marker != "" {
		seq, ok := queue.DecodeMessageMarker(req.Marker)
		if !ok {
			return store.ListMessagesResponse{}, nil
		}
		after = seq
	}

	n := req.Now.UnixNano()
	echo := req.Echo || req.ClientID == ""
	msgs, err := queryMessages(ctx, s.db, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND id > ? AND expires_at > ?
  AND (? OR claim_id IS NULL OR claim_expires_at <= ?)
  AND (? OR client_id <> ?)
ORDER BY id
LIMIT ?;
`, req.Project, req.Queue, after, n, req.IncludeClaimed, n, echo, req.ClientID, limitArg(req.Limit))
	if err != nil {
		return store.ListMessagesResponse{}, err
	}

	resp := store.ListMessagesResponse{Messages: msgs}
	if k := len(msgs); k > 0 {
		seq, _ := queue.ParseMessageID(msgs[k-1].ID)
		resp.Marker = queue.EncodeMessageMarker(seq)
	}
	return resp, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, project, queueName, id string, now time.Time) (queue.Message, error) {
	msgs, err := s.GetMessages(ctx, project, queueName, []string{id}, now)
	if err != nil {
		return queue.Message{}, err
	}
	if len(msgs) == 0 {
		return queue.Message{}, queue.ErrMessageNotFound
	}
	return msgs[0], nil
}

func (s *SQLiteStore) GetMessages(ctx context.Context, project, queueName string, ids []string, now time.Time) ([]queue.Message, error) {
	var seqs []any
	for _, id := range ids {
		if seq, ok := queue.ParseMessageID(id); ok {
			seqs = append(seqs, seq)
		}
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	args := append([]any{project, queueName, now.UnixNano()}, seqs...)
	return queryMessages(ctx, s.db, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND expires_at > ? AND id IN (`+placeholders(len(seqs))+`)
ORDER BY id;
`, args...)
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, req store.DeleteMessageRequest) error {
	seq, ok := queue.ParseMessageID(req.ID)
	if !ok {
		return nil
	}
	return s.withTx(ctx, func(conn *sql.Conn) error {
		m, err := scanMessage(conn.QueryRowContext(ctx, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND id = ? AND expires_at > ?;
`, req.Project, req.Queue, seq, req.Now.UnixNano()))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return mapErr(err)
		}
		if !store.CanDelete(m, req.ClaimID, req.Now) {
			return queue.ErrClaimMismatch
		}
		_, err = conn.ExecContext(ctx, `DELETE FROM messages WHERE id = ?;`, seq)
		return mapErr(err)
	})
}

func (s *SQLiteStore) MarkClaim(ctx context.Context, req store.MarkClaimRequest) ([]queue.Message, error) {
	c := req.Claim
	n := req.Now.UnixNano()
	var out []queue.Message
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		var exists bool
		if err := conn.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM claims WHERE id = ?);`, c.ID).Scan(&exists); err != nil {
			return mapErr(err)
		}
		if exists {
			return queue.ErrClaimExists
		}

		res, err := conn.ExecContext(ctx, `
UPDATE messages
SET claim_id = ?, claim_expires_at = ?, claim_grace_until = ?
WHERE id IN (
  SELECT id FROM messages
  WHERE project = ? AND queue = ? AND expires_at > ?
    AND (claim_id IS NULL OR claim_expires_at <= ?)
  ORDER BY id
  LIMIT ?
);
`, c.ID, c.ExpiresAt.UnixNano(), c.GraceUntil().UnixNano(), c.Project, c.Queue, n, n, req.Limit)
		if err != nil {
			return mapErr(err)
		}
		if marked, _ := res.RowsAffected(); marked == 0 {
			return nil
		}

		if _, err := conn.ExecContext(ctx, `
INSERT INTO claims (id, project, queue, ttl_ms, grace_ms, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, c.ID, c.Project, c.Queue, c.TTL.Milliseconds(), c.Grace.Milliseconds(), c.CreatedAt.UnixNano(), c.ExpiresAt.UnixNano()); err != nil {
			if isSQLiteConstraintError(err) {
				return queue.ErrClaimExists
			}
			return mapErr(err)
		}

		out, err = queryMessages(ctx, conn, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND claim_id = ?
ORDER BY id;
`, c.Project, c.Queue, c.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) GetClaim(ctx context.Context, project, queueName, id string, now time.Time) (queue.Claim, error) {
	c, err := scanClaim(ctx, s.db, project, queueName, id, now)
	if err != nil {
		return queue.Claim{}, err
	}
	c.Messages, err = queryMessages(ctx, s.db, `
SELECT `+messageColumns+`
FROM messages
WHERE project = ? AND queue = ? AND claim_id = ? AND expires_at > ?
ORDER BY id;
`, project, queueName, id, now.UnixNano())
	if err != nil {
		return queue.Claim{}, err
	}
	return c, nil
}

func (s *SQLiteStore) RenewClaim(ctx context.Context, req store.RenewClaimRequest) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		c, err := scanClaim(ctx, conn, req.Project, req.Queue, req.ID, req.Now)
		if err != nil {
			return err
		}
		c.TTL = req.TTL
		c.ExpiresAt = queue.ExpiresAt(req.Now, req.TTL)

		if _, err := conn.ExecContext(ctx, `UPDATE claims SET ttl_ms = ?, expires_at = ? WHERE id = ?;`,
			c.TTL.Milliseconds(), c.ExpiresAt.UnixNano(), c.ID); err != nil {
			return mapErr(err)
		}
		_, err = conn.ExecContext(ctx, `
UPDATE messages SET claim_expires_at = ?, claim_grace_until = ?
WHERE project = ? AND queue = ? AND claim_id = ?;
`, c.ExpiresAt.UnixNano(), c.GraceUntil().UnixNano(), req.Project, req.Queue, c.ID)
		return mapErr(err)
	})
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, project, queueName, id string) error {
	return s.withTx(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `DELETE FROM claims WHERE id = ? AND project = ? AND queue = ?;`,
			id, project, queueName); err != nil {
			return mapErr(err)
		}
		_, err := conn.ExecContext(ctx, `
UPDATE messages SET claim_id = NULL, claim_expires_at = NULL, claim_grace_until = NULL
WHERE project = ? AND queue = ? AND claim_id = ?;
`, project, queueName, id)
		return mapErr(err)
	})
}

func (s *SQLiteStore) CountExpired(ctx context.Context, now time.Time) ([]queue.ExpiredCount, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT project, queue, COUNT(*)
FROM messages
WHERE expires_at <= ?
GROUP BY project, queue
ORDER BY project, queue;
`, now.UnixNano())
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

func (s *SQLiteStore) PurgeExpired(ctx context.Context, project, queueName string, now time.Time) (int, error) {
	var purged int64
	err := s.withTx(ctx, func(conn *sql.Conn) error {
		n := now.UnixNano()
		res, err := conn.ExecContext(ctx, `DELETE FROM messages WHERE project = ? AND queue = ? AND expires_at <= ?;`,
			project, queueName, n)
		if err != nil {
			return fmt.Errorf("purge messages: %w", mapErr(err))
		}
		purged, _ = res.RowsAffected()

		// grace_ms is stored in milliseconds, expires_at in nanoseconds.
		if _, err := conn.ExecContext(ctx, `
DELETE FROM claims
WHERE project = ? AND queue = ? AND expires_at + grace_ms * 1000000 <= ?;
`, project, queueName, n); err != nil {
			return fmt.Errorf("purge claims: %w", mapErr(err))
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(purged), nil
}

func (s *SQLiteStore) PurgeClaims(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM claims WHERE expires_at + grace_ms * 1000000 <= ?;`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge claims: %w", mapErr(err))
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanClaim(ctx context.Context, q querier, project, queueName, id string, now time.Time) (queue.Claim, error) {
	var ttlMS, graceMS, created, expires int64
	err := q.QueryRowContext(ctx, `
SELECT ttl_ms, grace_ms, created_at, expires_at
FROM claims
WHERE id = ? AND project = ? AND queue = ?;
`, id, project, queueName).Scan(&ttlMS, &graceMS, &created, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.Claim{}, queue.ErrClaimNotFound
	}
	if err != nil {
		return queue.Claim{}, mapErr(err)
	}
	c := queue.Claim{
		ID:        id,
		Project:   project,
		Queue:     queueName,
		TTL:       time.Duration(ttlMS) * time.Millisecond,
		Grace:     time.Duration(graceMS) * time.Millisecond,
		CreatedAt: fromNanos(created),
		ExpiresAt: fromNanos(expires),
	}
	if queue.Expired(now, c.GraceUntil()) {
		return queue.Claim{}, queue.ErrClaimNotFound
	}
	return c, nil
}

func queryMessages(ctx context.Context, q querier, query string, args ...any) ([]queue.Message, error) {
	rows, err := q.QueryContext(ctx, query, args...)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (queue.Message, error) {
	var (
		m                          queue.Message
		seq, ttlMS, created, until int64
		body                       []byte
		claimID                    sql.NullString
		claimExpires, graceUntil   sql.NullInt64
	)
	err := row.Scan(
		&seq,
		&m.Project,
		&m.Queue,
		&body,
		&ttlMS,
		&m.ClientID,
		&created,
		&until,
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
	m.CreatedAt = fromNanos(created)
	m.ExpiresAt = fromNanos(until)
	m.ClaimID = claimID.String
	if claimExpires.Valid {
		m.ClaimExpiresAt = fromNanos(claimExpires.Int64)
	}
	if graceUntil.Valid {
		m.ClaimGraceUntil = fromNanos(graceUntil.Int64)
	}
	return m, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// limitArg maps a non-positive limit to -1, which SQLite reads as no limit.
func limitArg(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func marshalMetadata(md map[string]any) (string, error) {
	if md == nil {
		return "{}", nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return "", fmt.Errorf("%w: %w", queue.ErrInvalidMetadata, err)
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]any, error) {
	md := map[string]any{}
	if s == "" {
		return md, nil
	}
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil, fmt.Errorf("sqlite: decode metadata: %w", err)
	}
	return md, nil
}

const (
	sqliteBusy           = 5
	sqliteLocked         = 6
	sqliteConstraintBase = 19
)

func sqliteCode(err error) int {
	var sqliteErr *sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return 0
	}
	// Extended sqlite result codes include base code in the lower 8 bits.
	return sqliteErr.Code() & 0xff
}

func isSQLiteConstraintError(err error) bool {
	return sqliteCode(err) == sqliteConstraintBase
}

// mapErr marks lock contention as transient so the retry policy picks it up.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch sqliteCode(err) {
	case sqliteBusy, sqliteLocked:
		return queue.Transient(err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", queue.ErrStorageTimeout, err)
	}
	return err
}
