package store

import (
	"context"
	"errors"
	"fmt"

	"bitchan/pkg/model"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when an insert collides with an existing key.
	ErrDuplicate = errors.New("duplicate key")
)

// MaxQueryParams bounds the number of bound parameters a single query may
// carry. SQLite's default SQLITE_MAX_VARIABLE_NUMBER is 999.
const MaxQueryParams = 999

// NodeUpdate lists the fields of a known node that Update may change.
type NodeUpdate struct {
	LastActive int64
	Services   uint64
}

// KnownNodes is the peer directory table.
type KnownNodes interface {
	IsEmpty(ctx context.Context) (bool, error)
	// Add inserts records, replacing existing rows with the same key.
	Add(ctx context.Context, nodes []model.KnownNode) error
	Update(ctx context.Context, key model.NodeKey, fields NodeUpdate) (int64, error)
	// GetRandom returns one random node of stream whose host is not in
	// excludeHosts, or ErrNotFound.
	GetRandom(ctx context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error)
	Count(ctx context.Context) (int64, error)
	// Get returns up to limit nodes of stream active strictly after the given
	// unix time.
	Get(ctx context.Context, stream uint32, after int64, limit int) ([]model.KnownNode, error)
	// GetDups returns the stored rows sharing a key with any of nodes.
	GetDups(ctx context.Context, nodes []model.KnownNode) ([]model.KnownNode, error)
}

// Inventory is the object table.
type Inventory interface {
	// GetVectors returns vectors of stream that have not expired at now.
	GetVectors(ctx context.Context, stream uint32, now int64) ([]model.Vector, error)
	// GetDups returns the subset of vectors already stored.
	GetDups(ctx context.Context, vectors []model.Vector) ([]model.Vector, error)
	// Add inserts the object or fails with ErrDuplicate.
	Add(ctx context.Context, obj model.InventoryObject) error
	// Get returns stored objects for vectors that have not expired at now.
	Get(ctx context.Context, vectors []model.Vector, now int64) ([]model.InventoryObject, error)
}

// Tx is a scoped handle onto both tables.
type Tx interface {
	KnownNodes() KnownNodes
	Inventory() Inventory
}

// Store defines the persistence layer. Its own KnownNodes/Inventory run each
// call outside any explicit transaction.
type Store interface {
	Tx
	// Transaction runs fn with a scoped handle; it commits when fn returns nil
	// and rolls back otherwise. Nested calls are not supported.
	Transaction(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend    string
	SQLitePath string
	MySQLDSN   string
}

// Open constructs the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "", "sqlite":
		return OpenSQLite(ctx, opts.SQLitePath)
	case "mysql":
		return OpenMySQL(opts.MySQLDSN)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
