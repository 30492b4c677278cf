// Package netmgr is the connection manager: it owns the outgoing dial loop,
// the TCP and WebSocket listeners and the registry of live connections.
package netmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bitchan/pkg/config"
	"bitchan/pkg/metrics"
	"bitchan/pkg/model"
	"bitchan/pkg/peer"
	"bitchan/pkg/wire"
)

var log = logrus.WithField("module", "tcp")

// ErrListenerClosed means a listening socket went away while the manager was
// still running. The node cannot recover from it.
var ErrListenerClosed = errors.New("listening socket closed unexpectedly")

const (
	DialInterval = 100 * time.Millisecond
	DialBackoff  = 3 * time.Second
	DialTimeout  = 10 * time.Second
)

// Directory supplies dial candidates.
type Directory interface {
	GetRandom(ctx context.Context, stream uint32, excludeHosts []string) (model.KnownNode, error)
}

// DialFunc opens a transport to addr.
type DialFunc func(ctx context.Context, addr string) (peer.Transport, error)

type Options struct {
	Stream uint32
	// TCPAddr and WSAddr are listen addresses. An empty WSAddr disables the
	// WebSocket listener. Both are ignored when Trusted is set.
	TCPAddr       string
	WSAddr        string
	OutgoingLimit int
	Trusted       *config.HostPort
	Peer          peer.Config
	Clock         clock.Clock
	Metrics       *metrics.Metrics
	Dial          DialFunc
}

// Manager owns every live connection of the node.
type Manager struct {
	opts  Options
	dir   Directory
	clock clock.Clock

	mu       sync.Mutex
	conns    map[string]*peer.Conn
	outgoing int
	closing  bool

	tcpLn net.Listener
	wsLn  net.Listener
	wg    sync.WaitGroup
}

func New(dir Directory, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Peer.Clock == nil {
		opts.Peer.Clock = opts.Clock
	}
	if opts.OutgoingLimit <= 0 {
		opts.OutgoingLimit = 8
	}
	if opts.Trusted != nil {
		opts.OutgoingLimit = 1
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr string) (peer.Transport, error) {
			return peer.DialTCP(ctx, addr, DialTimeout)
		}
	}
	return &Manager{
		opts:  opts,
		dir:   dir,
		clock: opts.Clock,
		conns: make(map[string]*peer.Conn),
	}
}

// Listen binds the listening sockets. Run calls it when it has not been
// called yet. In trusted-peer mode nothing is bound.
func (m *Manager) Listen(ctx context.Context) error {
	if m.opts.Trusted != nil || m.tcpLn != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", m.opts.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", m.opts.TCPAddr, err)
	}
	if m.opts.WSAddr != "" {
		wsLn, err := lc.Listen(ctx, "tcp", m.opts.WSAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen ws %s: %w", m.opts.WSAddr, err)
		}
		m.wsLn = wsLn
		log.Infof("websocket listening on %s", wsLn.Addr())
	}
	m.tcpLn = ln
	log.Infof("listening on %s", ln.Addr())
	return nil
}

// Addr is the bound TCP address, nil before Listen or in trusted-peer mode.
func (m *Manager) Addr() net.Addr {
	if m.tcpLn == nil {
		return nil
	}
	return m.tcpLn.Addr()
}

// WSAddr is the bound WebSocket address, nil when disabled.
func (m *Manager) WSAddr() net.Addr {
	if m.wsLn == nil {
		return nil
	}
	return m.wsLn.Addr()
}

// Run serves until ctx is cancelled or a listener fails. Every connection
// is driven by h. On return all connections have been closed.
func (m *Manager) Run(ctx context.Context, h peer.Handler) error {
	if err := m.Listen(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	if ln := m.tcpLn; ln != nil {
		g.Go(func() error { return m.acceptLoop(ctx, ln, h) })
		g.Go(func() error {
			<-ctx.Done()
			_ = ln.Close()
			return nil
		})
	}
	if ln := m.wsLn; ln != nil {
		srv := &http.Server{Handler: m.wsHandler(ctx, h), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			err := srv.Serve(ln)
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: websocket: %v", ErrListenerClosed, err)
		})
		g.Go(func() error {
			<-ctx.Done()
			_ = srv.Close()
			return nil
		})
	}
	if m.opts.Trusted != nil {
		log.Infof("trusted peer %s configured, not accepting connections", m.opts.Trusted)
	}
	g.Go(func() error { return m.dialLoop(ctx, h) })

	err := g.Wait()
	m.closeAll()
	m.wg.Wait()
	return err
}

// Broadcast sends msg to every established connection.
func (m *Manager) Broadcast(msg wire.Message) {
	for _, c := range m.established() {
		if err := c.Send(msg); err != nil {
			c.Log().Debugf("broadcast %s failed: %v", msg.Command, err)
		}
	}
}

// Count reports the number of registered connections and how many of them
// are outgoing.
func (m *Manager) Count() (total, outgoing int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns), m.outgoing
}

// Connected reports whether host has a registered connection.
func (m *Manager) Connected(host string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[host]
	return ok
}

func (m *Manager) established() []*peer.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*peer.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		if c.State() == peer.Established {
			out = append(out, c)
		}
	}
	return out
}

func (m *Manager) hosts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for host := range m.conns {
		out = append(out, host)
	}
	return out
}

// register adds c unless the manager is shutting down, its host is already
// connected or, for outgoing connections, the outgoing limit is reached. A
// registered connection must be handed back with release.
func (m *Manager) register(c *peer.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	if _, ok := m.conns[c.Host()]; ok {
		return false
	}
	if c.Outgoing() {
		if m.outgoing >= m.opts.OutgoingLimit {
			return false
		}
		m.outgoing++
	}
	m.conns[c.Host()] = c
	m.wg.Add(1)
	m.opts.Metrics.SetConnections(len(m.conns), m.outgoing)
	return true
}

func (m *Manager) release(c *peer.Conn) {
	m.deregister(c)
	m.wg.Done()
}

func (m *Manager) deregister(c *peer.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.Host()] != c {
		return
	}
	delete(m.conns, c.Host())
	if c.Outgoing() {
		m.outgoing--
	}
	m.opts.Metrics.SetConnections(len(m.conns), m.outgoing)
}

func (m *Manager) closeAll() {
	m.mu.Lock()
	m.closing = true
	conns := make([]*peer.Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// serve runs c until it closes and then removes it from the registry.
func (m *Manager) serve(ctx context.Context, c *peer.Conn, tr peer.Transport, h peer.Handler) {
	defer m.release(c)
	err := c.Run(ctx, tr, h)
	if errors.Is(err, peer.ErrClosed) || errors.Is(err, context.Canceled) {
		c.Log().Debug("connection closed")
		return
	}
	c.Log().Infof("connection closed: %v", err)
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return host, uint16(port)
}
