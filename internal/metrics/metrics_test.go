package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderExposesRegisteredSeries(t *testing.T) {
	r := New()
	r.SubscriberConnected("agent-1")
	r.DeltaEmitted("agent-1")
	r.SubscriberDropped("agent-1", "queue_overflow")
	r.NodesEvicted("agent-1", 3)
	r.MergedFiles(7)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "eisen_subscribers_connected")
	assert.Contains(t, body, "eisen_deltas_emitted_total")
	assert.Contains(t, body, "eisen_nodes_evicted_total")
	assert.Contains(t, body, "eisen_subscriber_drops_total")
	assert.Contains(t, body, `eisen_merged_files 7`)
}

func TestNodesEvictedIgnoresZero(t *testing.T) {
	r := New()
	r.NodesEvicted("agent-1", 0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	assert.NotContains(t, rec.Body.String(), "eisen_nodes_evicted_total{agent_id=")
}
