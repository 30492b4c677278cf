// Package knownnodes maintains the peer directory: bootstrap from seeds,
// random candidate selection and addr gossip merging.
package knownnodes

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"bitchan/pkg/config"
	"bitchan/pkg/metrics"
	"bitchan/pkg/model"
	"bitchan/pkg/seeds"
	"bitchan/pkg/store"
)

var log = logrus.WithField("module", "known-nodes")

const (
	// MaxNodes caps the number of records in the directory.
	MaxNodes = 20000
	// TimeWindow bounds how far an addr timestamp may be from now, and how
	// recently a node must have been active to be advertised.
	TimeWindow = 3 * time.Hour
	// BumpInterval throttles activity updates per connection.
	BumpInterval = 5 * time.Minute

	addrsOwnStream   = 500
	addrsChildStream = 250
	// Each node key binds three query parameters.
	dupsBatch = store.MaxQueryParams / 3
)

// Tracked is a live connection whose peer record receives activity bumps.
type Tracked interface {
	NodeKey() model.NodeKey
	LastBump() time.Time
	SetLastBump(time.Time)
}

type Options struct {
	Seeds   []config.Seed
	Sources []seeds.Source
	// Trusted disables external seed sources.
	Trusted bool
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Directory is the peer directory. It keeps no in-memory cache; every read
// and write goes through the store.
type Directory struct {
	store   store.Store
	seeds   []model.KnownNode
	sources []seeds.Source
	trusted bool
	clock   clock.Clock
	metrics *metrics.Metrics
}

func New(s store.Store, opts Options) *Directory {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	nodes := make([]model.KnownNode, 0, len(opts.Seeds))
	for _, seed := range opts.Seeds {
		nodes = append(nodes, model.KnownNode{
			Host:     seed.Host,
			Port:     seed.Port,
			Stream:   seed.Stream,
			Services: model.ServiceNodeNetwork,
		})
	}
	return &Directory{
		store:   s,
		seeds:   nodes,
		sources: opts.Sources,
		trusted: opts.Trusted,
		clock:   clk,
		metrics: opts.Metrics,
	}
}

// Bootstrap fills an empty directory with the hardcoded seeds and, unless
// running in trusted peer mode, adds nodes from external seed sources.
func (d *Directory) Bootstrap(ctx context.Context) error {
	var resolved []model.KnownNode
	if !d.trusted {
		// Resolve before opening the transaction so no network wait holds it.
		for _, src := range d.sources {
			nodes, err := src.Resolve(ctx)
			if err != nil {
				log.Warnf("%s seeds failed: %v", src.Name(), err)
				continue
			}
			log.Debugf("add %d %s bootstrap nodes", len(nodes), src.Name())
			resolved = append(resolved, nodes...)
		}
	}
	err := d.store.Transaction(ctx, func(tx store.Tx) error {
		nodes := tx.KnownNodes()
		empty, err := nodes.IsEmpty(ctx)
		if err != nil {
			return err
		}
		if empty {
			log.Debugf("store is empty, add %d hardcoded bootstrap nodes", len(d.seeds))
			if err := nodes.Add(ctx, d.seeds); err != nil {
				return err
			}
		}
		if len(resolved) == 0 {
			return nil
		}
		// Seed results must not reset the activity of nodes already known.
		existing, err := d.lookup(ctx, nodes, resolved)
		if err != nil {
			return err
		}
		fresh := make([]model.KnownNode, 0, len(resolved))
		for _, n := range resolved {
			if _, ok := existing[n.Key()]; !ok {
				existing[n.Key()] = n
				fresh = append(fresh, n)
			}
		}
		return nodes.Add(ctx, fresh)
	})
	if err != nil {
		log.Errorf("error in bootstrap: %v", err)
		return fmt.Errorf("bootstrap: %w", err)
	}
	return nil
}

// GetRandom returns a uniformly random node of stream whose host is not in
// excludeHosts. It fails with store.ErrNotFound when none match.
func (d *Directory) GetRandom(ctx context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error) {
	n, err := d.store.KnownNodes().GetRandom(ctx, stream, excludeHosts)
	if err != nil {
		return model.KnownNode{}, fmt.Errorf("get random node: %w", err)
	}
	return n, nil
}

// AcceptsStream reports whether gossip about s is relevant to a node on
// stream: the stream itself and its two children.
func AcceptsStream(stream, s uint32) bool {
	return s == stream || s == 2*stream || s == 2*stream+1
}

func (d *Directory) inWindow(ts int64, now time.Time) bool {
	delta := now.Unix() - ts
	if delta < 0 {
		delta = -delta
	}
	return delta <= int64(TimeWindow/time.Second)
}

// AddAddrs merges gossiped addrs for a connection on stream. It drops addrs
// of unrelated streams or with timestamps outside the time window, refreshes
// known nodes that carry a newer timestamp, and inserts unknown ones while the
// directory is below MaxNodes. The genuinely new records are returned for
// re-broadcasting.
func (d *Directory) AddAddrs(ctx context.Context, addrs []model.KnownNode, stream uint32) ([]model.KnownNode, error) {
	now := d.clock.Now()
	index := make(map[model.NodeKey]int, len(addrs))
	candidates := make([]model.KnownNode, 0, len(addrs))
	for _, a := range addrs {
		if a.Host == "" || a.Port == 0 || !AcceptsStream(stream, a.Stream) || !d.inWindow(a.LastActive, now) {
			continue
		}
		if i, ok := index[a.Key()]; ok {
			if a.LastActive > candidates[i].LastActive {
				candidates[i] = a
			}
			continue
		}
		index[a.Key()] = len(candidates)
		candidates = append(candidates, a)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var added []model.KnownNode
	err := d.store.Transaction(ctx, func(tx store.Tx) error {
		nodes := tx.KnownNodes()
		existing, err := d.lookup(ctx, nodes, candidates)
		if err != nil {
			return err
		}
		var fresh []model.KnownNode
		for _, a := range candidates {
			known, ok := existing[a.Key()]
			if !ok {
				fresh = append(fresh, a)
				continue
			}
			if a.LastActive <= known.LastActive {
				continue
			}
			if _, err := nodes.Update(ctx, a.Key(), store.NodeUpdate{LastActive: a.LastActive, Services: a.Services}); err != nil {
				return err
			}
		}
		if len(fresh) == 0 {
			added = nil
			return nil
		}
		count, err := nodes.Count(ctx)
		if err != nil {
			return err
		}
		room := MaxNodes - int(count)
		if room <= 0 {
			log.Debugf("directory full (%d nodes), skip %d new addrs", count, len(fresh))
			added = nil
			return nil
		}
		if len(fresh) > room {
			fresh = fresh[:room]
		}
		if err := nodes.Add(ctx, fresh); err != nil {
			return err
		}
		added = fresh
		return nil
	})
	if err != nil {
		log.Errorf("error in add addrs: %v", err)
		return nil, fmt.Errorf("add addrs: %w", err)
	}
	if len(added) > 0 {
		log.Debugf("added %d new nodes from %d addrs", len(added), len(addrs))
		d.metrics.NodesAdded(len(added))
	}
	return added, nil
}

// lookup returns the stored records matching nodes, batched to respect the
// backend parameter limit.
func (d *Directory) lookup(ctx context.Context, nodes store.KnownNodes, list []model.KnownNode) (map[model.NodeKey]model.KnownNode, error) {
	out := make(map[model.NodeKey]model.KnownNode, len(list))
	for start := 0; start < len(list); start += dupsBatch {
		end := min(start+dupsBatch, len(list))
		dups, err := nodes.GetDups(ctx, list[start:end])
		if err != nil {
			return nil, err
		}
		for _, n := range dups {
			out[n.Key()] = n
		}
	}
	return out, nil
}

// GetAddrs returns the snapshot sent to a newly established peer: up to 500
// recently active nodes of stream and 250 of each child stream.
func (d *Directory) GetAddrs(ctx context.Context, stream uint32) ([]model.KnownNode, error) {
	after := d.clock.Now().Add(-TimeWindow).Unix()
	nodes := d.store.KnownNodes()
	var out []model.KnownNode
	for _, part := range []struct {
		stream uint32
		limit  int
	}{
		{stream, addrsOwnStream},
		{2 * stream, addrsChildStream},
		{2*stream + 1, addrsChildStream},
	} {
		got, err := nodes.Get(ctx, part.stream, after, part.limit)
		if err != nil {
			log.Errorf("error in get addrs: %v", err)
			return nil, fmt.Errorf("get addrs: %w", err)
		}
		out = append(out, got...)
	}
	return out, nil
}

// BumpActivity marks the peer record of c as active now, at most once per
// BumpInterval for the same connection.
func (d *Directory) BumpActivity(ctx context.Context, c Tracked) error {
	now := d.clock.Now()
	if last := c.LastBump(); !last.IsZero() && now.Sub(last) < BumpInterval {
		return nil
	}
	if _, err := d.store.KnownNodes().Update(ctx, c.NodeKey(), store.NodeUpdate{LastActive: now.Unix()}); err != nil {
		log.Errorf("error in bump activity: %v", err)
		return fmt.Errorf("bump activity: %w", err)
	}
	// Only a persisted bump starts the throttle window.
	c.SetLastBump(now)
	return nil
}
