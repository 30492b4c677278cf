package netmgr

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"bitchan/pkg/model"
	"bitchan/pkg/peer"
)

// dialLoop keeps the outgoing connection count at the limit. It checks every
// DialInterval and waits DialBackoff after failing to find a candidate.
func (m *Manager) dialLoop(ctx context.Context, h peer.Handler) error {
	for {
		wait := DialInterval
		if _, outgoing := m.Count(); outgoing < m.opts.OutgoingLimit {
			target, err := m.candidate(ctx)
			if err != nil {
				log.Debugf("no dial candidate: %v", err)
				wait = DialBackoff
			} else {
				m.connect(ctx, target, h)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(wait):
		}
	}
}

func (m *Manager) candidate(ctx context.Context) (model.KnownNode, error) {
	if t := m.opts.Trusted; t != nil {
		return model.KnownNode{Host: t.Host, Port: t.Port, Stream: m.opts.Stream}, nil
	}
	node, err := m.dir.GetRandom(ctx, m.opts.Stream, m.hosts())
	if err != nil {
		return model.KnownNode{}, fmt.Errorf("pick candidate: %w", err)
	}
	return node, nil
}

// connect registers target before dialing so that neither the loop nor the
// listener can open a second connection to the same host meanwhile.
func (m *Manager) connect(ctx context.Context, target model.KnownNode, h peer.Handler) {
	c := peer.New(target.Host, target.Port, m.opts.Stream, true, m.opts.Peer)
	if !m.register(c) {
		log.Debugf("skipping %s, already connected", target.Host)
		return
	}
	m.opts.Metrics.Dialed()
	go func() {
		addr := net.JoinHostPort(target.Host, strconv.Itoa(int(target.Port)))
		tr, err := m.opts.Dial(ctx, addr)
		if err != nil {
			c.Log().Debugf("dial failed: %v", err)
			_ = c.Close()
			m.release(c)
			return
		}
		c.Log().Debug("connected")
		m.serve(ctx, c, tr, h)
	}()
}
