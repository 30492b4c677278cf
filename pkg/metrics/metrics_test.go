package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetConnections(3, 1)
		m.Message("ping")
		m.HandlerFailed("addr")
		m.NodesAdded(2)
		m.ObjectAdded(true)
	})
}

func TestMetrics_RecordsAndServes(t *testing.T) {
	m := New("bitchan")
	m.SetConnections(3, 1)
	m.Message("inv")
	m.Message("inv")
	m.ObjectAdded(false)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.Connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MessagesTotal.WithLabelValues("inv")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InventoryDupSeen))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `bitchan_messages_total{command="inv"} 2`), body)
}
