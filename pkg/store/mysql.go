package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"bitchan/pkg/model"
)

// inventoryRow is the gorm mapping of model.InventoryObject.
type inventoryRow struct {
	Hash        []byte `gorm:"primaryKey;type:binary(32)"`
	Payload     []byte `gorm:"type:mediumblob;not null"`
	Stream      uint32 `gorm:"not null;index:idx_inventory_stream"`
	ObjectType  uint32 `gorm:"not null"`
	ExpiresTime int64  `gorm:"not null;index:idx_inventory_stream"`
}

func (inventoryRow) TableName() string { return "inventory" }

func (r inventoryRow) object() model.InventoryObject {
	obj := model.InventoryObject{
		Payload:     r.Payload,
		Stream:      r.Stream,
		ObjectType:  r.ObjectType,
		ExpiresTime: r.ExpiresTime,
	}
	copy(obj.Vector[:], r.Hash)
	return obj
}

// storeLock is a guard row every transaction locks first. Row locks on
// known_nodes alone leave count-then-insert open to phantoms, so this is what
// keeps concurrent writers under the known-node cap.
type storeLock struct {
	Name string `gorm:"primaryKey;size:32"`
}

func (storeLock) TableName() string { return "store_locks" }

const txLockName = "tx"

// MySQLDSNFromEnv builds a DSN from MYSQL_DSN or
// MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB.
func MySQLDSNFromEnv() string {
	if dsn := os.Getenv("MYSQL_DSN"); dsn != "" {
		return dsn
	}
	host := getenv("MYSQL_HOST", "127.0.0.1")
	port := getenv("MYSQL_PORT", "3306")
	user := getenv("MYSQL_USER", "bitchan")
	pass := getenv("MYSQL_PASS", "")
	dbname := getenv("MYSQL_DB", "bitchan")
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local&clientFoundRows=true", user, pass, host, port, dbname)
}

// MySQLStore is the gorm-backed implementation.
type MySQLStore struct {
	db *gorm.DB
}

// OpenMySQL connects, creating the database if it is missing, and migrates
// both tables.
func OpenMySQL(dsn string) (*MySQLStore, error) {
	if dsn == "" {
		dsn = MySQLDSNFromEnv()
	}
	cfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err != nil {
		if !strings.Contains(err.Error(), "Unknown database") {
			return nil, err
		}
		if cerr := createDatabase(dsn); cerr != nil {
			return nil, fmt.Errorf("create database failed: %w", cerr)
		}
		db, err = gorm.Open(mysql.Open(dsn), cfg)
		if err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	if err := db.AutoMigrate(&model.KnownNode{}, &inventoryRow{}, &storeLock{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&storeLock{Name: txLockName}).Error; err != nil {
		return nil, fmt.Errorf("seed store lock: %w", err)
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) KnownNodes() KnownNodes { return gormNodes{db: s.db} }
func (s *MySQLStore) Inventory() Inventory   { return gormInventory{db: s.db} }

func (s *MySQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Transaction runs fn holding the exclusive lock on the guard row, so
// transactions are serialized the way they are on the single sqlite
// connection.
func (s *MySQLStore) Transaction(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var l storeLock
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("name = ?", txLockName).Take(&l).Error; err != nil {
			return fmt.Errorf("lock store: %w", err)
		}
		return fn(gormTx{db: tx})
	})
}

type gormTx struct{ db *gorm.DB }

func (t gormTx) KnownNodes() KnownNodes { return gormNodes{db: t.db} }
func (t gormTx) Inventory() Inventory   { return gormInventory{db: t.db} }

type gormNodes struct{ db *gorm.DB }

func (g gormNodes) IsEmpty(ctx context.Context) (bool, error) {
	n, err := g.Count(ctx)
	return n == 0, err
}

func (g gormNodes) Add(ctx context.Context, nodes []model.KnownNode) error {
	if len(nodes) == 0 {
		return nil
	}
	err := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"services", "last_active"}),
	}).CreateInBatches(nodes, 200).Error
	if err != nil {
		return fmt.Errorf("known_nodes add: %w", err)
	}
	return nil
}

func (g gormNodes) Update(ctx context.Context, key model.NodeKey, fields NodeUpdate) (int64, error) {
	values := map[string]any{"last_active": fields.LastActive}
	if fields.Services != 0 {
		values["services"] = fields.Services
	}
	res := g.db.WithContext(ctx).Model(&model.KnownNode{}).
		Where("host = ? AND port = ? AND stream = ?", key.Host, key.Port, key.Stream).
		Updates(values)
	if res.Error != nil {
		return 0, fmt.Errorf("known_nodes update: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (g gormNodes) GetRandom(ctx context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error) {
	q := g.db.WithContext(ctx).Where("stream = ?", stream)
	if len(excludeHosts) > 0 {
		q = q.Where("host NOT IN ?", excludeHosts)
	}
	var nodes []model.KnownNode
	if err := q.Order("RAND()").Limit(1).Find(&nodes).Error; err != nil {
		return model.KnownNode{}, fmt.Errorf("known_nodes random: %w", err)
	}
	if len(nodes) == 0 {
		return model.KnownNode{}, ErrNotFound
	}
	return nodes[0], nil
}

func (g gormNodes) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := g.db.WithContext(ctx).Model(&model.KnownNode{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("known_nodes count: %w", err)
	}
	return n, nil
}

func (g gormNodes) Get(ctx context.Context, stream uint32, after int64, limit int) ([]model.KnownNode, error) {
	nodes := []model.KnownNode{}
	err := g.db.WithContext(ctx).
		Where("stream = ? AND last_active > ?", stream, after).
		Limit(limit).Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("known_nodes get: %w", err)
	}
	return nodes, nil
}

func (g gormNodes) GetDups(ctx context.Context, nodes []model.KnownNode) ([]model.KnownNode, error) {
	out := []model.KnownNode{}
	if len(nodes) == 0 {
		return out, nil
	}
	conds := make([]string, 0, len(nodes))
	args := make([]any, 0, len(nodes)*3)
	for _, n := range nodes {
		conds = append(conds, "(host = ? AND port = ? AND stream = ?)")
		args = append(args, n.Host, n.Port, n.Stream)
	}
	if err := g.db.WithContext(ctx).Where(strings.Join(conds, " OR "), args...).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("known_nodes dups: %w", err)
	}
	return out, nil
}

type gormInventory struct{ db *gorm.DB }

func hashArgs(vectors []model.Vector) []any {
	out := make([]any, 0, len(vectors))
	for _, v := range vectors {
		out = append(out, v[:])
	}
	return out
}

func toVectors(hashes [][]byte) []model.Vector {
	out := make([]model.Vector, 0, len(hashes))
	for _, h := range hashes {
		var v model.Vector
		copy(v[:], h)
		out = append(out, v)
	}
	return out
}

func (g gormInventory) GetVectors(ctx context.Context, stream uint32, now int64) ([]model.Vector, error) {
	var hashes [][]byte
	err := g.db.WithContext(ctx).Model(&inventoryRow{}).
		Where("stream = ? AND expires_time > ?", stream, now).
		Pluck("hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("inventory vectors: %w", err)
	}
	return toVectors(hashes), nil
}

func (g gormInventory) GetDups(ctx context.Context, vectors []model.Vector) ([]model.Vector, error) {
	if len(vectors) == 0 {
		return []model.Vector{}, nil
	}
	var hashes [][]byte
	err := g.db.WithContext(ctx).Model(&inventoryRow{}).
		Where("hash IN ?", hashArgs(vectors)).
		Pluck("hash", &hashes).Error
	if err != nil {
		return nil, fmt.Errorf("inventory dups: %w", err)
	}
	return toVectors(hashes), nil
}

func (g gormInventory) Add(ctx context.Context, obj model.InventoryObject) error {
	row := inventoryRow{
		Hash:        obj.Vector[:],
		Payload:     obj.Payload,
		Stream:      obj.Stream,
		ObjectType:  obj.ObjectType,
		ExpiresTime: obj.ExpiresTime,
	}
	if err := g.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicate
		}
		return fmt.Errorf("inventory add: %w", err)
	}
	return nil
}

func (g gormInventory) Get(ctx context.Context, vectors []model.Vector, now int64) ([]model.InventoryObject, error) {
	out := []model.InventoryObject{}
	if len(vectors) == 0 {
		return out, nil
	}
	var rows []inventoryRow
	err := g.db.WithContext(ctx).
		Where("hash IN ? AND expires_time > ?", hashArgs(vectors), now).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("inventory get: %w", err)
	}
	for _, r := range rows {
		out = append(out, r.object())
	}
	return out, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// createDatabase connects without a schema and creates the one named in dsn.
func createDatabase(dsn string) error {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return fmt.Errorf("dsn has no database name")
	}
	dbname := dsn[slash+1:]
	if q := strings.Index(dbname, "?"); q >= 0 {
		dbname = dbname[:q]
	}
	db, err := sql.Open("mysql", dsn[:slash+1])
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}
