package netmgr

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"bitchan/pkg/peer"
)

// wsHandler accepts the protocol over WebSocket. These connections share the
// registry with TCP ones and never count as outgoing.
func (m *Manager) wsHandler(ctx context.Context, h peer.Handler) http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, port := splitHostPort(r.RemoteAddr)
		c := peer.New(host, port, m.opts.Stream, false, m.opts.Peer)
		if !m.register(c) {
			m.opts.Metrics.Rejected()
			http.Error(w, "already connected", http.StatusConflict)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("ws upgrade from %s failed: %v", host, err)
			_ = c.Close()
			m.release(c)
			return
		}
		m.serve(ctx, c, peer.NewWS(ws), h)
	})
}
