// Package store implements the persistent Store using an encrypted SQLite
// database (go-sqlcipher). Sessions, bypass markers, and the progressive
// penalty counter are SQL rows, not a generic key/value blob — a literal
// fit for the "transactional key/value-and-row store" the enforcement model
// calls for.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/tavinathanson/taviblock/internal/domain"
)

// Ensure the sqlcipher driver is registered under the "sqlite3" name.
var _ = sqlcipher.ErrBusy

const dbFileName = "state.db"

// ErrSessionNotFound is returned by UpdateSessionState, ExtendSession,
// MarkNotified, and GetSession when no session with the given id exists.
var ErrSessionNotFound = errors.New("store: session not found")

// SQLCipherStore implements domain.Store on an encrypted SQLite database.
// All mutations go through a single mutex so readers see a consistent
// snapshot even though database/sql itself pools connections.
type SQLCipherStore struct {
	mu     sync.Mutex
	db     *sql.DB
	dbPath string
}

// Open opens (or creates) the encrypted store under dataDir, keyed with
// key. Schema creation is idempotent.
func Open(dataDir string, key []byte) (*SQLCipherStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: creating data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, dbFileName)
	keyHex := hex.EncodeToString(key)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening encrypted database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connecting to encrypted database: %w", err)
	}

	s := &SQLCipherStore{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}
	return s, nil
}

// Recreate discards a corrupt database file and opens a fresh one. Per the
// store's fail-closed failure mode: losing session state only strengthens
// blocking, which is the safe direction.
func Recreate(dataDir string, key []byte) (*SQLCipherStore, error) {
	dbPath := filepath.Join(dataDir, dbFileName)
	_ = os.Remove(dbPath)
	return Open(dataDir, key)
}

func (s *SQLCipherStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile TEXT NOT NULL,
		targets TEXT NOT NULL,
		requested_at INTEGER NOT NULL,
		effective_start INTEGER NOT NULL,
		end_at INTEGER NOT NULL,
		state TEXT NOT NULL,
		is_all INTEGER NOT NULL DEFAULT 0,
		notified INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS bypass_markers (
		profile TEXT PRIMARY KEY,
		last_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS penalty_counters (
		bucket_start INTEGER PRIMARY KEY,
		count INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO meta (key, value) VALUES ('schema_version', '1')`)
	return err
}

func joinTargets(targets []string) string {
	out := ""
	for i, t := range targets {
		if i > 0 {
			out += "\x1f"
		}
		out += t
	}
	return out
}

func splitTargets(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\x1f' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InsertSession implements domain.Store.
func (s *SQLCipherStore) InsertSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (profile, targets, requested_at, effective_start, end_at, state, is_all, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		sess.Profile, joinTargets(sess.Targets), sess.RequestedAt.Unix(),
		sess.EffectiveStart.Unix(), sess.End.Unix(), string(sess.State), boolToInt(sess.All))
	if err != nil {
		return domain.Session{}, fmt.Errorf("store: inserting session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Session{}, fmt.Errorf("store: reading session id: %w", err)
	}
	sess.ID = id
	return sess, nil
}

// UpdateSessionState implements domain.Store.
func (s *SQLCipherStore) UpdateSessionState(ctx context.Context, id int64, state domain.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("store: updating session state: %w", err)
	}
	return checkAffected(res)
}

// ExtendSession implements domain.Store. Extending a session clears its
// notified flag so the scheduler's pre-expiry prompt can fire again at the
// new boundary.
func (s *SQLCipherStore) ExtendSession(ctx context.Context, id int64, newEnd time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET end_at = ?, notified = 0 WHERE id = ?`, newEnd.Unix(), id)
	if err != nil {
		return fmt.Errorf("store: extending session: %w", err)
	}
	return checkAffected(res)
}

// MarkNotified implements domain.Store.
func (s *SQLCipherStore) MarkNotified(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET notified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: marking session notified: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// ListSessions implements domain.Store.
func (s *SQLCipherStore) ListSessions(ctx context.Context, filter domain.SessionFilter) ([]domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, profile, targets, requested_at, effective_start, end_at, state, is_all, notified FROM sessions WHERE 1=1`
	var args []any
	if filter.Profile != "" {
		query += ` AND profile = ?`
		args = append(args, filter.Profile)
	}
	if filter.NonTerminalOnly {
		query += ` AND state IN ('pending', 'active')`
	} else if len(filter.States) > 0 {
		query += ` AND state IN (` + placeholders(len(filter.States)) + `)`
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing sessions: %w", err)
	}
	defer rows.Close()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += "?"
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (domain.Session, error) {
	var sess domain.Session
	var targets, state string
	var requestedAt, effectiveStart, endAt int64
	var isAll, notified int
	if err := r.Scan(&sess.ID, &sess.Profile, &targets, &requestedAt, &effectiveStart, &endAt, &state, &isAll, &notified); err != nil {
		return domain.Session{}, fmt.Errorf("store: scanning session: %w", err)
	}
	sess.Targets = splitTargets(targets)
	sess.RequestedAt = time.Unix(requestedAt, 0)
	sess.EffectiveStart = time.Unix(effectiveStart, 0)
	sess.End = time.Unix(endAt, 0)
	sess.State = domain.SessionState(state)
	sess.All = isAll != 0
	sess.Notified = notified != 0
	return sess, nil
}

// GetSession implements domain.Store.
func (s *SQLCipherStore) GetSession(ctx context.Context, id int64) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, `SELECT id, profile, targets, requested_at, effective_start, end_at, state, is_all, notified FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrSessionNotFound
	}
	return sess, err
}

// RecordBypass implements domain.Store.
func (s *SQLCipherStore) RecordBypass(ctx context.Context, profile string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `INSERT INTO bypass_markers (profile, last_at) VALUES (?, ?)
		ON CONFLICT(profile) DO UPDATE SET last_at = excluded.last_at`, profile, now.Unix())
	if err != nil {
		return fmt.Errorf("store: recording bypass: %w", err)
	}
	return nil
}

// LastBypass implements domain.Store.
func (s *SQLCipherStore) LastBypass(ctx context.Context, profile string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastAt int64
	err := s.db.QueryRowContext(ctx, `SELECT last_at FROM bypass_markers WHERE profile = ?`, profile).Scan(&lastAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: reading bypass marker: %w", err)
	}
	return time.Unix(lastAt, 0), nil
}

// dayBucket returns the start of the calendar-day bucket containing t, where
// a day rolls over at 04:00 local time (§9's decided rule), using t's own
// location so DST transitions are handled by the time package rather than a
// fixed offset.
func dayBucket(t time.Time) time.Time {
	loc := t.Location()
	anchor := time.Date(t.Year(), t.Month(), t.Day(), 4, 0, 0, 0, loc)
	if t.Before(anchor) {
		anchor = anchor.AddDate(0, 0, -1)
	}
	return anchor
}

// BumpPenalty implements domain.Store.
func (s *SQLCipherStore) BumpPenalty(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := dayBucket(now).Unix()
	_, err := s.db.ExecContext(ctx, `INSERT INTO penalty_counters (bucket_start, count) VALUES (?, 1)
		ON CONFLICT(bucket_start) DO UPDATE SET count = count + 1`, bucket)
	if err != nil {
		return fmt.Errorf("store: bumping penalty counter: %w", err)
	}
	return nil
}

// GetPenalty implements domain.Store.
func (s *SQLCipherStore) GetPenalty(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := dayBucket(now).Unix()
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM penalty_counters WHERE bucket_start = ?`, bucket).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: reading penalty counter: %w", err)
	}
	return count, nil
}

// Close implements domain.Store.
func (s *SQLCipherStore) Close() error {
	return s.db.Close()
}

var _ domain.Store = (*SQLCipherStore)(nil)
