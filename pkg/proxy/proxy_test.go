package proxy

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/eisen-labs/eisen-core/pkg/classifier"
	"github.com/eisen-labs/eisen-core/pkg/jsonrpc"
	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/eisen-labs/eisen-core/pkg/zone"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMs() int64 { return c.ms }

func newTestProxy(t *testing.T, pol *zone.Policy) *Proxy {
	t.Helper()
	tr := tracker.New("agent-1", "sess-1", tracker.Options{}, nil)
	return New("/bin/true", nil, tr, pol, fixedClock{ms: 1000}, nil, nil, Options{})
}

func TestTapForwardsAllowedReadToolCall(t *testing.T) {
	pol, err := zone.NewPolicy([]string{"src/**"}, nil, true)
	require.NoError(t, err)
	p := newTestProxy(t, pol)

	line := []byte(`{"method":"session/update","params":{"update":{"kind":"tool_call","name":"read","arguments":{"path":"src/a.ts"}}}}`)
	out, forward := p.tap(classifier.Downstream, line, &bytes.Buffer{})
	assert.True(t, forward)
	assert.Equal(t, line, out)

	n, ok := p.tracker.Node("src/a.ts")
	require.True(t, ok)
	assert.Equal(t, wire.ActionRead, n.LastAction)
}

func TestTapDeniesWriteOutsideAllowedZoneScenario3(t *testing.T) {
	pol, err := zone.NewPolicy([]string{"src/a/**"}, nil, true)
	require.NoError(t, err)
	p := newTestProxy(t, pol)

	var reply bytes.Buffer
	line := []byte(`{"id":"7","method":"session/update","params":{"update":{"kind":"tool_call","name":"edit","arguments":{"path":"src/b/x.ts"}}}}`)
	out, forward := p.tap(classifier.Downstream, line, &reply)
	assert.False(t, forward)
	assert.Nil(t, out)

	var resp jsonrpc.Response
	require.NoError(t, json.Unmarshal(reply.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeZoneViolation, resp.Error.Code)
	assert.Equal(t, "zone violation: write src/b/x.ts not in allowed zones", resp.Error.Message)

	n, ok := p.tracker.Node("src/b/x.ts")
	require.True(t, ok)
	assert.Equal(t, 0.0, n.Heat)
}

func TestTapEmitsUsageToSink(t *testing.T) {
	pol, err := zone.NewPolicy(nil, nil, true)
	require.NoError(t, err)
	tr := tracker.New("a", "s", tracker.Options{}, nil)
	sink := &recordingSink{}
	p := New("/bin/true", nil, tr, pol, fixedClock{ms: 1}, sink, nil, Options{})

	line := []byte(`{"method":"session/update","params":{"update":{"kind":"usage","used":500,"size":1000}}}`)
	_, forward := p.tap(classifier.Downstream, line, &bytes.Buffer{})
	assert.True(t, forward)
	require.Len(t, sink.usages, 1)
	assert.Equal(t, int64(500), sink.usages[0].Used)
}

type recordingSink struct {
	usages []wire.Usage
}

func (s *recordingSink) PublishUsage(u wire.Usage) { s.usages = append(s.usages, u) }
