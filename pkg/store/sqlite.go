package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"bitchan/pkg/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS known_nodes(
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	stream INTEGER NOT NULL,
	services INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	PRIMARY KEY(host, port, stream)
);
CREATE INDEX IF NOT EXISTS idx_known_nodes_stream ON known_nodes(stream, last_active);
CREATE TABLE IF NOT EXISTS inventory(
	hash BLOB PRIMARY KEY,
	payload BLOB NOT NULL,
	stream INTEGER NOT NULL,
	object_type INTEGER NOT NULL,
	expires_time INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inventory_stream ON inventory(stream, expires_time);`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore keeps both tables in one SQLite database. It uses a single
// connection, so a running transaction serializes every other caller.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	// Keep the only connection alive: closing it would drop a :memory: database.
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(pctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) KnownNodes() KnownNodes { return sqlNodes{q: s.db} }
func (s *SQLiteStore) Inventory() Inventory   { return sqlInventory{q: s.db} }
func (s *SQLiteStore) Close() error           { return s.db.Close() }

func (s *SQLiteStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(sqlTx{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type sqlTx struct{ q querier }

func (t sqlTx) KnownNodes() KnownNodes { return sqlNodes{q: t.q} }
func (t sqlTx) Inventory() Inventory   { return sqlInventory{q: t.q} }

func isSQLiteDuplicate(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

type sqlNodes struct{ q querier }

const nodeColumns = "host, port, stream, services, last_active"

func scanNodes(rows *sql.Rows) ([]model.KnownNode, error) {
	defer rows.Close()
	out := []model.KnownNode{}
	for rows.Next() {
		var (
			n        model.KnownNode
			port     int64
			stream   int64
			services int64
		)
		if err := rows.Scan(&n.Host, &port, &stream, &services, &n.LastActive); err != nil {
			return nil, err
		}
		n.Port = uint16(port)
		n.Stream = uint32(stream)
		n.Services = uint64(services)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s sqlNodes) IsEmpty(ctx context.Context) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM known_nodes LIMIT 1`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("known_nodes is empty: %w", err)
	}
	return false, nil
}

func (s sqlNodes) Add(ctx context.Context, nodes []model.KnownNode) error {
	const q = `INSERT INTO known_nodes(` + nodeColumns + `) VALUES(?,?,?,?,?)
ON CONFLICT(host, port, stream) DO UPDATE SET services=excluded.services, last_active=excluded.last_active`
	for _, n := range nodes {
		if _, err := s.q.ExecContext(ctx, q, n.Host, int64(n.Port), int64(n.Stream), int64(n.Services), n.LastActive); err != nil {
			return fmt.Errorf("known_nodes add %s: %w", n.Addr(), err)
		}
	}
	return nil
}

func (s sqlNodes) Update(ctx context.Context, key model.NodeKey, fields NodeUpdate) (int64, error) {
	q := `UPDATE known_nodes SET last_active=? WHERE host=? AND port=? AND stream=?`
	args := []any{fields.LastActive, key.Host, int64(key.Port), int64(key.Stream)}
	if fields.Services != 0 {
		q = `UPDATE known_nodes SET last_active=?, services=? WHERE host=? AND port=? AND stream=?`
		args = []any{fields.LastActive, int64(fields.Services), key.Host, int64(key.Port), int64(key.Stream)}
	}
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("known_nodes update: %w", err)
	}
	return res.RowsAffected()
}

func (s sqlNodes) GetRandom(ctx context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error) {
	q := `SELECT ` + nodeColumns + ` FROM known_nodes WHERE stream = ?`
	args := []any{int64(stream)}
	if len(excludeHosts) > 0 {
		q += ` AND host NOT IN (` + placeholders(len(excludeHosts)) + `)`
		for _, h := range excludeHosts {
			args = append(args, h)
		}
	}
	q += ` ORDER BY RANDOM() LIMIT 1`
	rows, err := s.q.QueryContext(ctx, q, args...)
	if err != nil {
		return model.KnownNode{}, fmt.Errorf("known_nodes random: %w", err)
	}
	nodes, err := scanNodes(rows)
	if err != nil {
		return model.KnownNode{}, fmt.Errorf("known_nodes random: %w", err)
	}
	if len(nodes) == 0 {
		return model.KnownNode{}, ErrNotFound
	}
	return nodes[0], nil
}

func (s sqlNodes) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM known_nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("known_nodes count: %w", err)
	}
	return n, nil
}

func (s sqlNodes) Get(ctx context.Context, stream uint32, after int64, limit int) ([]model.KnownNode, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM known_nodes WHERE stream = ? AND last_active > ? LIMIT ?`,
		int64(stream), after, limit)
	if err != nil {
		return nil, fmt.Errorf("known_nodes get: %w", err)
	}
	return scanNodes(rows)
}

func (s sqlNodes) GetDups(ctx context.Context, nodes []model.KnownNode) ([]model.KnownNode, error) {
	if len(nodes) == 0 {
		return []model.KnownNode{}, nil
	}
	conds := make([]string, 0, len(nodes))
	args := make([]any, 0, len(nodes)*3)
	for _, n := range nodes {
		conds = append(conds, `(host=? AND port=? AND stream=?)`)
		args = append(args, n.Host, int64(n.Port), int64(n.Stream))
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM known_nodes WHERE `+strings.Join(conds, " OR "), args...)
	if err != nil {
		return nil, fmt.Errorf("known_nodes dups: %w", err)
	}
	return scanNodes(rows)
}

type sqlInventory struct{ q querier }

func scanVectors(rows *sql.Rows) ([]model.Vector, error) {
	defer rows.Close()
	out := []model.Vector{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		var v model.Vector
		copy(v[:], b)
		out = append(out, v)
	}
	return out, rows.Err()
}

func vectorArgs(vectors []model.Vector) []any {
	args := make([]any, 0, len(vectors))
	for _, v := range vectors {
		args = append(args, v[:])
	}
	return args
}

func (s sqlInventory) GetVectors(ctx context.Context, stream uint32, now int64) ([]model.Vector, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT hash FROM inventory WHERE stream = ? AND expires_time > ?`, int64(stream), now)
	if err != nil {
		return nil, fmt.Errorf("inventory vectors: %w", err)
	}
	return scanVectors(rows)
}

func (s sqlInventory) GetDups(ctx context.Context, vectors []model.Vector) ([]model.Vector, error) {
	if len(vectors) == 0 {
		return []model.Vector{}, nil
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT hash FROM inventory WHERE hash IN (`+placeholders(len(vectors))+`)`, vectorArgs(vectors)...)
	if err != nil {
		return nil, fmt.Errorf("inventory dups: %w", err)
	}
	return scanVectors(rows)
}

func (s sqlInventory) Add(ctx context.Context, obj model.InventoryObject) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO inventory(hash, payload, stream, object_type, expires_time) VALUES(?,?,?,?,?)`,
		obj.Vector[:], obj.Payload, int64(obj.Stream), int64(obj.ObjectType), obj.ExpiresTime)
	if err != nil {
		if isSQLiteDuplicate(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inventory add: %w", err)
	}
	return nil
}

func (s sqlInventory) Get(ctx context.Context, vectors []model.Vector, now int64) ([]model.InventoryObject, error) {
	if len(vectors) == 0 {
		return []model.InventoryObject{}, nil
	}
	args := append(vectorArgs(vectors), now)
	rows, err := s.q.QueryContext(ctx,
		`SELECT hash, payload, stream, object_type, expires_time FROM inventory
WHERE hash IN (`+placeholders(len(vectors))+`) AND expires_time > ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("inventory get: %w", err)
	}
	defer rows.Close()
	out := []model.InventoryObject{}
	for rows.Next() {
		var (
			obj          model.InventoryObject
			hash         []byte
			stream, kind int64
		)
		if err := rows.Scan(&hash, &obj.Payload, &stream, &kind, &obj.ExpiresTime); err != nil {
			return nil, fmt.Errorf("inventory get: %w", err)
		}
		copy(obj.Vector[:], hash)
		obj.Stream = uint32(stream)
		obj.ObjectType = uint32(kind)
		out = append(out, obj)
	}
	return out, rows.Err()
}
