package introspect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/eisen-labs/eisen-core/pkg/tracker"
	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/eisen-labs/eisen-core/pkg/zone"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMs() int64 { return c.ms }

func TestGetSnapshotReportsTrackerState(t *testing.T) {
	tr := tracker.New("agent-1", "sess-1", tracker.Options{}, fixedClock{ms: 1000})
	tr.FileAccess("src/a.ts", wire.ActionRead, 1000)

	pol, err := zone.NewPolicy([]string{"src/**"}, nil, false)
	require.NoError(t, err)

	srv := New("agent-1", tr, pol, nil)
	require.NotNil(t, srv)

	snap := tr.Snapshot()
	assert.Contains(t, snap.Nodes, "src/a.ts")
}

func TestListZoneRulesReportsRawPatterns(t *testing.T) {
	pol, err := zone.NewPolicy([]string{"src/**", "docs/**"}, []string{"go.work"}, false)
	require.NoError(t, err)

	allowed, shared := pol.Patterns()
	assert.ElementsMatch(t, []string{"src/**", "docs/**"}, allowed)
	assert.ElementsMatch(t, []string{"go.work"}, shared)
}

func TestGetUsageReportsFalseBeforeAnyEventAndTrueAfter(t *testing.T) {
	cache := NewUsageCache()
	_, ok := cache.Last("agent-1")
	assert.False(t, ok)

	cost := 0.42
	cache.PublishUsage(wire.NewUsage("agent-1", "sess-1", 100, 1000, &cost))

	u, ok := cache.Last("agent-1")
	require.True(t, ok)
	assert.Equal(t, int64(100), u.Used)
	assert.Equal(t, &cost, u.Cost)
}

func TestGetUsageNilCacheIsSafe(t *testing.T) {
	tr := tracker.New("agent-1", "sess-1", tracker.Options{}, fixedClock{ms: 1000})
	pol, err := zone.NewPolicy(nil, nil, true)
	require.NoError(t, err)

	srv := New("agent-1", tr, pol, nil)
	require.NotNil(t, srv)
}

func TestRunUsesStdioTransport(t *testing.T) {
	// Run wires server.Run to StdioTransport; exercising it end-to-end would
	// block on stdin, so this only asserts the wiring compiles and the
	// function signature matches what cmd/eisen/commands' introspect
	// command expects.
	var _ func(context.Context, *sdkmcp.Server) error = Run
}
