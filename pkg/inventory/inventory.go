// Package inventory tracks known object vectors and deduplicates
// advertisements against the store.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"bitchan/pkg/metrics"
	"bitchan/pkg/model"
	"bitchan/pkg/store"
)

var log = logrus.WithField("module", "inventory")

// Inventory is a thin layer over the store's inventory table.
type Inventory struct {
	store   store.Store
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(s store.Store, clk clock.Clock, m *metrics.Metrics) *Inventory {
	if clk == nil {
		clk = clock.New()
	}
	return &Inventory{store: s, clock: clk, metrics: m}
}

// GetVectors returns all non-expired vectors of stream.
func (i *Inventory) GetVectors(ctx context.Context, stream uint32) ([]model.Vector, error) {
	vectors, err := i.store.Inventory().GetVectors(ctx, stream, i.clock.Now().Unix())
	if err != nil {
		log.Errorf("error in get vectors: %v", err)
		return nil, fmt.Errorf("get vectors: %w", err)
	}
	return vectors, nil
}

// GetNewVectors picks out the vectors not yet stored, preserving input order.
// Lookups run in one transaction, batched by store.MaxQueryParams.
func (i *Inventory) GetNewVectors(ctx context.Context, vectors []model.Vector) ([]model.Vector, error) {
	if len(vectors) == 0 {
		return nil, nil
	}
	dups := make(map[model.Vector]struct{})
	err := i.store.Transaction(ctx, func(tx store.Tx) error {
		inv := tx.Inventory()
		for start := 0; start < len(vectors); start += store.MaxQueryParams {
			end := min(start+store.MaxQueryParams, len(vectors))
			found, err := inv.GetDups(ctx, vectors[start:end])
			if err != nil {
				return err
			}
			for _, v := range found {
				dups[v] = struct{}{}
			}
		}
		return nil
	})
	if err != nil {
		log.Errorf("error in get new vectors: %v", err)
		return nil, fmt.Errorf("get new vectors: %w", err)
	}
	var fresh []model.Vector
	seen := make(map[model.Vector]struct{}, len(vectors))
	for _, v := range vectors {
		if _, ok := dups[v]; ok {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		fresh = append(fresh, v)
	}
	if len(vectors) <= 5 {
		log.Debugf("%d of %d advertised vectors are new", len(fresh), len(vectors))
	}
	return fresh, nil
}

// Add stores obj. It reports false when the vector was already known; other
// store failures are returned.
func (i *Inventory) Add(ctx context.Context, obj model.InventoryObject) (bool, error) {
	err := i.store.Inventory().Add(ctx, obj)
	if errors.Is(err, store.ErrDuplicate) {
		i.metrics.ObjectAdded(false)
		return false, nil
	}
	if err != nil {
		log.Errorf("error in add %s: %v", obj.Vector, err)
		return false, fmt.Errorf("add object: %w", err)
	}
	i.metrics.ObjectAdded(true)
	return true, nil
}

// Get returns the stored, non-expired objects among vectors.
func (i *Inventory) Get(ctx context.Context, vectors []model.Vector) ([]model.InventoryObject, error) {
	now := i.clock.Now().Unix()
	var out []model.InventoryObject
	// One parameter is taken by the expiry bound.
	batch := store.MaxQueryParams - 1
	for start := 0; start < len(vectors); start += batch {
		end := min(start+batch, len(vectors))
		objs, err := i.store.Inventory().Get(ctx, vectors[start:end], now)
		if err != nil {
			log.Errorf("error in get objects: %v", err)
			return nil, fmt.Errorf("get objects: %w", err)
		}
		out = append(out, objs...)
	}
	return out, nil
}
