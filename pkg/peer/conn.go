// Package peer implements a single protocol connection: handshake, keepalive
// and an ordered receive loop feeding a Handler.
package peer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"bitchan/pkg/model"
	"bitchan/pkg/wire"
)

var (
	ErrClosed           = errors.New("connection closed")
	ErrHandshakeTimeout = errors.New("handshake timeout")
	ErrSelfConnection   = errors.New("connected to self")
	ErrStreamMismatch   = errors.New("peer does not serve our stream")
	ErrIdle             = errors.New("idle timeout")
)

// State of a connection. Transitions only move forward.
type State int32

const (
	Dialing State = iota
	Accepting
	Handshaking
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Dialing:
		return "dialing"
	case Accepting:
		return "accepting"
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Identity is what the local node advertises in its version message.
type Identity struct {
	Services   uint64
	UserAgent  string
	Nonce      uint64
	ListenPort uint16
}

type Config struct {
	Local            Identity
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	IdleTimeout      time.Duration
	Clock            clock.Clock
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 20 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

// Handler receives connection events. All calls for one connection happen on
// its receive goroutine, in arrival order.
type Handler interface {
	Established(ctx context.Context, c *Conn)
	Handle(ctx context.Context, c *Conn, msg wire.Message)
}

// Conn is one connection to a remote node.
type Conn struct {
	host     string
	port     uint16
	stream   uint32
	outgoing bool
	cfg      Config
	log      *logrus.Entry

	state   atomic.Int32
	writeMu sync.Mutex

	mu        sync.Mutex
	tr        Transport
	remote    wire.Version
	lastBump  time.Time
	closeErr  error
	closeOnce sync.Once
	done      chan struct{}

	lastSend atomic.Int64
	lastRecv atomic.Int64
}

// New creates a connection in the Dialing (outgoing) or Accepting state. port
// is the remote socket port.
func New(host string, port uint16, stream uint32, outgoing bool, cfg Config) *Conn {
	c := &Conn{
		host:     host,
		port:     port,
		stream:   stream,
		outgoing: outgoing,
		cfg:      cfg.withDefaults(),
		done:     make(chan struct{}),
	}
	direction := "incoming"
	initial := Accepting
	if outgoing {
		direction = "outgoing"
		initial = Dialing
	}
	c.state.Store(int32(initial))
	c.log = logrus.WithFields(logrus.Fields{"module": "peer", "host": host, "port": port, "direction": direction})
	return c
}

func (c *Conn) Host() string   { return c.host }
func (c *Conn) Port() uint16   { return c.port }
func (c *Conn) Stream() uint32 { return c.stream }
func (c *Conn) Outgoing() bool { return c.outgoing }
func (c *Conn) State() State   { return State(c.state.Load()) }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Log returns the connection-scoped logger.
func (c *Conn) Log() *logrus.Entry { return c.log }

// Remote returns the peer's version message; zero until handshaking saw it.
func (c *Conn) Remote() wire.Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// ListenPort is the port the remote node accepts connections on: the dialed
// port for outgoing connections, the advertised one for incoming.
func (c *Conn) ListenPort() uint16 {
	if c.outgoing {
		return c.port
	}
	if p := c.Remote().ListenPort; p != 0 {
		return p
	}
	return c.port
}

// NodeKey identifies the remote node's directory record.
func (c *Conn) NodeKey() model.NodeKey {
	return model.NodeKey{Host: c.host, Port: c.ListenPort(), Stream: c.stream}
}

// Node describes the remote node as a directory record active now.
func (c *Conn) Node() model.KnownNode {
	services := c.Remote().Services
	if services == 0 {
		services = model.ServiceNodeNetwork
	}
	return model.KnownNode{
		Host:       c.host,
		Port:       c.ListenPort(),
		Stream:     c.stream,
		Services:   services,
		LastActive: c.cfg.Clock.Now().Unix(),
	}
}

func (c *Conn) LastBump() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBump
}

func (c *Conn) SetLastBump(t time.Time) {
	c.mu.Lock()
	c.lastBump = t
	c.mu.Unlock()
}

// Err returns why the connection closed, nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Send writes one message. It is safe for concurrent use.
func (c *Conn) Send(msg wire.Message) error {
	c.mu.Lock()
	tr := c.tr
	c.mu.Unlock()
	if tr == nil || c.State() == Closed {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := tr.WriteMessage(msg); err != nil {
		c.closeWith(fmt.Errorf("write %s: %w", msg.Command, err))
		return err
	}
	c.lastSend.Store(c.cfg.Clock.Now().UnixNano())
	return nil
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(ErrClosed)
	return nil
}

func (c *Conn) closeWith(reason error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(Closed))
		c.mu.Lock()
		c.closeErr = reason
		tr := c.tr
		c.mu.Unlock()
		if tr != nil {
			_ = tr.Close()
		}
		close(c.done)
	})
}

// Run drives the connection over tr until it closes. It performs the
// version/verack handshake, calls h.Established once, then hands every
// message to h.Handle in arrival order. Cancelling ctx closes the connection.
func (c *Conn) Run(ctx context.Context, tr Transport, h Handler) error {
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
	if !c.state.CompareAndSwap(int32(Dialing), int32(Handshaking)) &&
		!c.state.CompareAndSwap(int32(Accepting), int32(Handshaking)) {
		_ = tr.Close()
		return ErrClosed
	}
	defer c.closeWith(ErrClosed)

	go func() {
		select {
		case <-ctx.Done():
			c.closeWith(ctx.Err())
		case <-c.done:
		}
	}()

	handshake := c.cfg.Clock.AfterFunc(c.cfg.HandshakeTimeout, func() {
		if c.State() != Established {
			c.log.Debugf("handshake did not finish in %s", c.cfg.HandshakeTimeout)
			c.closeWith(ErrHandshakeTimeout)
		}
	})
	defer handshake.Stop()

	now := c.cfg.Clock.Now()
	c.lastRecv.Store(now.UnixNano())
	if err := c.Send(wire.Message{Command: wire.CmdVersion, Payload: wire.EncodeVersion(c.version(now))}); err != nil {
		return c.result(err)
	}

	var gotVersion, gotVerack bool
	for {
		msg, err := tr.ReadMessage()
		if err != nil {
			if errors.Is(err, wire.ErrChecksum) && c.State() != Closed {
				c.log.Debugf("dropping frame: %v", err)
				continue
			}
			c.closeWith(err)
			return c.result(err)
		}
		c.lastRecv.Store(c.cfg.Clock.Now().UnixNano())

		if c.State() == Established {
			h.Handle(ctx, c, msg)
			continue
		}

		switch msg.Command {
		case wire.CmdVersion:
			if gotVersion {
				continue
			}
			if err := c.acceptVersion(msg.Payload); err != nil {
				c.log.Infof("rejecting handshake: %v", err)
				c.closeWith(err)
				return c.result(err)
			}
			gotVersion = true
			if err := c.Send(wire.Message{Command: wire.CmdVerack}); err != nil {
				return c.result(err)
			}
		case wire.CmdVerack:
			gotVerack = true
		default:
			c.log.Debugf("ignoring %q before handshake", msg.Command)
		}
		if gotVersion && gotVerack {
			if !c.state.CompareAndSwap(int32(Handshaking), int32(Established)) {
				return c.result(ErrClosed)
			}
			handshake.Stop()
			remote := c.Remote()
			c.log.Infof("established, user agent %q services %d", remote.UserAgent, remote.Services)
			go c.keepalive()
			h.Established(ctx, c)
		}
	}
}

// result maps a read error to the reason the connection was closed.
func (c *Conn) result(err error) error {
	if reason := c.Err(); reason != nil {
		return reason
	}
	return err
}

func (c *Conn) version(now time.Time) wire.Version {
	return wire.Version{
		ProtocolVersion: wire.ProtocolVersion,
		Services:        c.cfg.Local.Services,
		Timestamp:       now.Unix(),
		RemoteHost:      c.host,
		RemotePort:      c.port,
		ListenPort:      c.cfg.Local.ListenPort,
		Nonce:           c.cfg.Local.Nonce,
		UserAgent:       c.cfg.Local.UserAgent,
		Streams:         []uint32{c.stream},
	}
}

func (c *Conn) acceptVersion(payload []byte) error {
	v, err := wire.DecodeVersion(payload)
	if err != nil {
		return err
	}
	if v.Nonce == c.cfg.Local.Nonce {
		return ErrSelfConnection
	}
	if !slices.Contains(v.Streams, c.stream) {
		return fmt.Errorf("%w: remote streams %v", ErrStreamMismatch, v.Streams)
	}
	c.mu.Lock()
	c.remote = v
	c.mu.Unlock()
	return nil
}

// keepalive pings after PingInterval without outbound traffic and closes the
// connection after IdleTimeout without inbound traffic.
func (c *Conn) keepalive() {
	ticker := c.cfg.Clock.Ticker(c.cfg.PingInterval / 5)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := c.cfg.Clock.Now()
			if now.Sub(time.Unix(0, c.lastRecv.Load())) >= c.cfg.IdleTimeout {
				c.log.Infof("no data for %s, closing", c.cfg.IdleTimeout)
				c.closeWith(ErrIdle)
				return
			}
			if now.Sub(time.Unix(0, c.lastSend.Load())) >= c.cfg.PingInterval {
				_ = c.Send(wire.Message{Command: wire.CmdPing})
			}
		}
	}
}
