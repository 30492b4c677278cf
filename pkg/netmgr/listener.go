package netmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"bitchan/pkg/peer"
)

const (
	acceptBackoffMin = 5 * time.Millisecond
	acceptBackoffMax = time.Second
)

// acceptLoop serves incoming TCP connections. Accept failures such as running
// out of file descriptors are retried with a growing delay; only the listener
// itself going away ends the loop.
func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener, h peer.Handler) error {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrListenerClosed, err)
			}
			if delay == 0 {
				delay = acceptBackoffMin
			} else {
				delay = min(2*delay, acceptBackoffMax)
			}
			log.Warnf("accept failed: %v; retrying in %s", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-m.clock.After(delay):
			}
			continue
		}
		delay = 0
		host, port := splitHostPort(nc.RemoteAddr().String())
		c := peer.New(host, port, m.opts.Stream, false, m.opts.Peer)
		if !m.register(c) {
			log.Debugf("already connected to %s, dropping incoming connection", host)
			m.opts.Metrics.Rejected()
			_ = nc.Close()
			continue
		}
		go m.serve(ctx, c, peer.NewTCP(nc), h)
	}
}
