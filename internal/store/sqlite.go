package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// watchBuffer is the per-watcher channel capacity. Events for a watcher
// whose buffer is full are dropped and logged.
const watchBuffer = 1024

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[int]*watcher
	nextID   int
}

type watcher struct {
	prefix string
	ch     chan Event
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// A single connection serializes writers and keeps ":memory:"
	// databases from splitting across pooled connections.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}

	return &SQLiteStore{
		db:       db,
		logger:   logger.With("component", "store"),
		watchers: make(map[int]*watcher),
	}, nil
}

// Close closes the underlying database connection and every watch channel.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for id, w := range s.watchers {
		close(w.ch)
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- Node operations ---

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.logger.Debug("sql", "op", "select", "table", "nodes", "path", key)

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM nodes WHERE path = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)
	return ok, err
}

func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	return s.Txn(ctx, PutOp(key, value))
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.Txn(ctx, DeleteOp(key))
}

// --- Tree listing ---

// Children returns the sorted, distinct path segments directly below key.
func (s *SQLiteStore) Children(ctx context.Context, key string) ([]string, error) {
	s.logger.Debug("sql", "op", "select", "table", "nodes", "children_of", key)

	lo, hi := descendantRange(key)
	rows, err := s.db.QueryContext(ctx,
		`SELECT path FROM nodes WHERE path >= ? AND path < ? ORDER BY path`, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		rest := strings.TrimPrefix(p, lo)
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			rest = rest[:i]
		}
		if rest == "" || seen[rest] {
			continue
		}
		seen[rest] = true
		out = append(out, rest)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *SQLiteStore) NumChildren(ctx context.Context, key string) (int, error) {
	children, err := s.Children(ctx, key)
	if err != nil {
		return 0, err
	}
	return len(children), nil
}

// descendantRange returns the half-open byte range [key+"/", key+"0")
// covering every path below key. '0' is the byte after '/'.
func descendantRange(key string) (string, string) {
	return key + "/", key + "0"
}

// --- Transactions ---

func (s *SQLiteStore) Txn(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	var events []Event
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			s.logger.Debug("sql", "op", "upsert", "table", "nodes", "path", op.Key)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO nodes (path, value, created_at, updated_at) VALUES (?, ?, ?, ?)
				 ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				op.Key, op.Value, now, now,
			); err != nil {
				return fmt.Errorf("put %s: %w", op.Key, err)
			}
			events = append(events, Event{Type: EventPut, Key: op.Key, Value: op.Value})

		case OpDelete:
			s.logger.Debug("sql", "op", "delete", "table", "nodes", "path", op.Key)
			deleted, err := deleteTree(ctx, tx, op.Key)
			if err != nil {
				return fmt.Errorf("delete %s: %w", op.Key, err)
			}
			for _, p := range deleted {
				events = append(events, Event{Type: EventDelete, Key: p})
			}

		case OpCheckExists, OpCheckAbsent:
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM nodes WHERE path = ?`, op.Key).Scan(&n); err != nil {
				return fmt.Errorf("check %s: %w", op.Key, err)
			}
			if (op.Kind == OpCheckExists) != (n > 0) {
				return fmt.Errorf("%w: %s", ErrTxnConflict, op.Key)
			}

		case OpCheckValue:
			var v string
			err := tx.QueryRowContext(ctx, `SELECT value FROM nodes WHERE path = ?`, op.Key).Scan(&v)
			if err == sql.ErrNoRows || (err == nil && v != op.Value) {
				return fmt.Errorf("%w: %s", ErrTxnConflict, op.Key)
			}
			if err != nil {
				return fmt.Errorf("check %s: %w", op.Key, err)
			}

		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.publish(events)
	return nil
}

func deleteTree(ctx context.Context, tx *sql.Tx, key string) ([]string, error) {
	lo, hi := descendantRange(key)
	rows, err := tx.QueryContext(ctx,
		`SELECT path FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`, key, lo, hi)
	if err != nil {
		return nil, err
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM nodes WHERE path = ? OR (path >= ? AND path < ?)`, key, lo, hi); err != nil {
		return nil, err
	}
	return paths, nil
}

// --- Watches ---

// Watch registers a watcher for every key equal to or below prefix.
// An empty prefix watches the whole tree.
func (s *SQLiteStore) Watch(prefix string) (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	w := &watcher{prefix: strings.TrimSuffix(prefix, "/"), ch: make(chan Event, watchBuffer)}
	s.watchers[id] = w

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(w.ch)
			}
		})
	}
	return w.ch, cancel
}

func (s *SQLiteStore) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, w := range s.watchers {
		for _, ev := range events {
			if !w.matches(ev.Key) {
				continue
			}
			select {
			case w.ch <- ev:
			default:
				s.logger.Warn("watch event dropped", "path", ev.Key, "prefix", w.prefix)
			}
		}
	}
}

func (w *watcher) matches(key string) bool {
	if w.prefix == "" {
		return true
	}
	return key == w.prefix || strings.HasPrefix(key, w.prefix+"/")
}
