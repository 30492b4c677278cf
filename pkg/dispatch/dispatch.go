// Package dispatch routes the messages of established connections to the
// peer directory and the inventory, and pushes their results back out.
package dispatch

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"bitchan/pkg/knownnodes"
	"bitchan/pkg/metrics"
	"bitchan/pkg/model"
	"bitchan/pkg/peer"
	"bitchan/pkg/wire"
)

var log = logrus.WithField("module", "dispatch")

const (
	// MaxObjectTTL is the longest lifetime an object may announce.
	MaxObjectTTL = 28 * 24 * time.Hour
	// ObjectClockSkew is tolerated on both ends of the object lifetime.
	ObjectClockSkew = 3 * time.Hour
)

type Directory interface {
	AddAddrs(ctx context.Context, addrs []model.KnownNode, stream uint32) ([]model.KnownNode, error)
	GetAddrs(ctx context.Context, stream uint32) ([]model.KnownNode, error)
	BumpActivity(ctx context.Context, c knownnodes.Tracked) error
}

type Inventory interface {
	GetVectors(ctx context.Context, stream uint32) ([]model.Vector, error)
	GetNewVectors(ctx context.Context, vectors []model.Vector) ([]model.Vector, error)
	Add(ctx context.Context, obj model.InventoryObject) (bool, error)
	Get(ctx context.Context, vectors []model.Vector) ([]model.InventoryObject, error)
}

// Broadcaster sends a message to every established connection.
type Broadcaster interface {
	Broadcast(msg wire.Message)
}

// Peer is the side of a connection the handlers use. *peer.Conn implements it.
type Peer interface {
	knownnodes.Tracked
	Send(msg wire.Message) error
	Stream() uint32
	Node() model.KnownNode
	Log() *logrus.Entry
}

type handlerFunc func(ctx context.Context, p Peer, payload []byte) error

type Options struct {
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Dispatcher implements peer.Handler.
type Dispatcher struct {
	dir      Directory
	inv      Inventory
	out      Broadcaster
	clock    clock.Clock
	metrics  *metrics.Metrics
	handlers map[wire.Command]handlerFunc
}

func New(dir Directory, inv Inventory, out Broadcaster, opts Options) *Dispatcher {
	d := &Dispatcher{
		dir:     dir,
		inv:     inv,
		out:     out,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	d.handlers = map[wire.Command]handlerFunc{
		wire.CmdError:   d.onError,
		wire.CmdPing:    d.onPing,
		wire.CmdPong:    d.onPong,
		wire.CmdAddr:    d.onAddr,
		wire.CmdInv:     d.onInv,
		wire.CmdGetdata: d.onGetdata,
		wire.CmdObject:  d.onObject,
		wire.CmdVersion: d.onLateHandshake,
		wire.CmdVerack:  d.onLateHandshake,
	}
	return d
}

// Handle processes one message. Failures, including panics, are logged and
// never close the connection.
func (d *Dispatcher) Handle(ctx context.Context, c *peer.Conn, msg wire.Message) {
	d.handle(ctx, c, msg)
}

// Established sends the new peer our view of the network.
func (d *Dispatcher) Established(ctx context.Context, c *peer.Conn) {
	d.established(ctx, c)
}

func (d *Dispatcher) handle(ctx context.Context, p Peer, msg wire.Message) {
	l := p.Log().WithField("cmd", msg.Command)
	fn, known := d.handlers[msg.Command]
	// Remote peers choose command names; keep metric labels bounded.
	label := string(msg.Command)
	if !known {
		label = "unknown"
	}
	d.metrics.Message(label)
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerFailed(label)
			l.Errorf("panic in handler: %v", r)
		}
	}()

	if err := d.dir.BumpActivity(ctx, p); err != nil {
		l.Warnf("bump activity: %v", err)
	}
	if !known {
		l.Warn("unknown command")
		return
	}
	if err := fn(ctx, p, msg.Payload); err != nil {
		d.metrics.HandlerFailed(label)
		l.Errorf("handler failed: %v", err)
	}
}

func (d *Dispatcher) established(ctx context.Context, p Peer) {
	defer func() {
		if r := recover(); r != nil {
			p.Log().Errorf("panic in established: %v", r)
		}
	}()

	d.broadcastAddrs([]model.KnownNode{p.Node()})

	addrs, err := d.dir.GetAddrs(ctx, p.Stream())
	if err != nil {
		p.Log().Errorf("addr snapshot: %v", err)
	} else {
		for part := range slices.Chunk(addrs, wire.MaxAddrCount) {
			payload, err := wire.EncodeAddr(part)
			if err == nil {
				err = p.Send(wire.Message{Command: wire.CmdAddr, Payload: payload})
			}
			if err != nil {
				p.Log().Warnf("send addr snapshot: %v", err)
				return
			}
		}
		p.Log().Debugf("sent %d addrs", len(addrs))
	}

	vectors, err := d.inv.GetVectors(ctx, p.Stream())
	if err != nil {
		p.Log().Errorf("inventory snapshot: %v", err)
		return
	}
	for part := range slices.Chunk(vectors, wire.MaxInvCount) {
		payload, err := wire.EncodeInv(part)
		if err == nil {
			err = p.Send(wire.Message{Command: wire.CmdInv, Payload: payload})
		}
		if err != nil {
			p.Log().Warnf("send inv snapshot: %v", err)
			return
		}
	}
	p.Log().Debugf("sent %d vectors", len(vectors))
}

func (d *Dispatcher) broadcastAddrs(nodes []model.KnownNode) {
	for part := range slices.Chunk(nodes, wire.MaxAddrCount) {
		payload, err := wire.EncodeAddr(part)
		if err != nil {
			log.Errorf("encode addr: %v", err)
			return
		}
		d.out.Broadcast(wire.Message{Command: wire.CmdAddr, Payload: payload})
	}
}

func (d *Dispatcher) onError(_ context.Context, p Peer, payload []byte) error {
	e, err := wire.DecodeError(payload)
	if err != nil {
		return err
	}
	l := p.Log().WithField("fatal", e.Fatal)
	if e.BanTime > 0 {
		l = l.WithField("ban_time", e.BanTime)
	}
	if len(e.Vector) > 0 {
		l = l.WithField("vector", hex.EncodeToString(e.Vector))
	}
	l.Warnf("remote error: %s", e.Text)
	return nil
}

func (d *Dispatcher) onPing(_ context.Context, p Peer, _ []byte) error {
	return p.Send(wire.Message{Command: wire.CmdPong})
}

func (d *Dispatcher) onPong(context.Context, Peer, []byte) error { return nil }

func (d *Dispatcher) onLateHandshake(_ context.Context, p Peer, _ []byte) error {
	p.Log().Debug("ignoring handshake message on established connection")
	return nil
}

// onAddr merges gossip into the directory. Stream and time filtering belong
// to the directory; only records it reports as new are passed on.
func (d *Dispatcher) onAddr(ctx context.Context, p Peer, payload []byte) error {
	addrs, err := wire.DecodeAddr(payload)
	if err != nil {
		return err
	}
	added, err := d.dir.AddAddrs(ctx, addrs, p.Stream())
	if err != nil {
		return err
	}
	if len(added) > 0 {
		p.Log().Debugf("learned %d of %d addrs", len(added), len(addrs))
		d.broadcastAddrs(added)
	}
	return nil
}

func (d *Dispatcher) onInv(ctx context.Context, p Peer, payload []byte) error {
	vectors, err := wire.DecodeInv(payload)
	if err != nil {
		return err
	}
	fresh, err := d.inv.GetNewVectors(ctx, vectors)
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	req, err := wire.EncodeInv(fresh)
	if err != nil {
		return err
	}
	p.Log().Debugf("requesting %d of %d vectors", len(fresh), len(vectors))
	return p.Send(wire.Message{Command: wire.CmdGetdata, Payload: req})
}

func (d *Dispatcher) onGetdata(ctx context.Context, p Peer, payload []byte) error {
	vectors, err := wire.DecodeInv(payload)
	if err != nil {
		return err
	}
	objects, err := d.inv.Get(ctx, vectors)
	if err != nil {
		return err
	}
	now := d.clock.Now()
	for _, obj := range objects {
		// Large requests can outlive the objects they name.
		if obj.Expired(now) {
			continue
		}
		if err := p.Send(wire.Message{Command: wire.CmdObject, Payload: obj.Payload}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) onObject(ctx context.Context, p Peer, payload []byte) error {
	h, err := wire.DecodeObjectHeader(payload)
	if err != nil {
		return err
	}
	if h.Stream != uint64(p.Stream()) {
		p.Log().Debugf("dropping object of stream %d", h.Stream)
		return nil
	}
	obj := model.InventoryObject{
		Payload:     payload,
		Stream:      p.Stream(),
		ObjectType:  h.Type,
		ExpiresTime: h.ExpiresTime,
	}
	now := d.clock.Now()
	expires := obj.Expires()
	if expires.Before(now.Add(-ObjectClockSkew)) || expires.After(now.Add(MaxObjectTTL+ObjectClockSkew)) {
		p.Log().Debugf("dropping object expiring at %s", expires.UTC().Format(time.RFC3339))
		return nil
	}
	obj.Vector = model.VectorOf(payload)
	added, err := d.inv.Add(ctx, obj)
	if err != nil {
		return fmt.Errorf("store object %s: %w", obj.Vector, err)
	}
	if !added {
		return nil
	}
	inv, err := wire.EncodeInv([]model.Vector{obj.Vector})
	if err != nil {
		return err
	}
	d.out.Broadcast(wire.Message{Command: wire.CmdInv, Payload: inv})
	return nil
}
