package orchestrator

import (
	"path/filepath"
	"testing"

	"github.com/eisen-labs/eisen-core/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ ms int64 }

func (c fixedClock) NowMs() int64 { return c.ms }

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	dir := t.TempDir()
	return New(Options{RegistryPath: filepath.Join(dir, "sessions.json"), Persist: true}, nil, nil, nil, nil, nil, fixedClock{ms: 1000})
}

func TestRegisterAgentAssignsDisplayNameAndColor(t *testing.T) {
	a := newTestAggregator(t)
	info1 := a.registerAgent("i1", 4001, "claude", nil)
	info2 := a.registerAgent("i2", 4002, "claude", nil)

	assert.Equal(t, "claude_1", info1.DisplayName)
	assert.Equal(t, "claude_2", info2.DisplayName)
	assert.NotEqual(t, info1.Color, info2.Color)
}

func TestApplySnapshotMergesHeatAsMax(t *testing.T) {
	a := newTestAggregator(t)
	a.registerAgent("i1", 4001, "claude", nil)
	a.registerAgent("i2", 4002, "codex", nil)

	a.ApplySnapshot("i1", wire.NewSnapshot("i1", "s1", 1, map[string]wire.FileNode{
		"src/a.ts": {Path: "src/a.ts", Heat: 0.3, InContext: true, LastAction: wire.ActionRead, TimestampMs: 1000},
	}))
	a.ApplySnapshot("i2", wire.NewSnapshot("i2", "s2", 1, map[string]wire.FileNode{
		"src/a.ts": {Path: "src/a.ts", Heat: 0.9, InContext: false, LastAction: wire.ActionWrite, TimestampMs: 2000},
	}))

	require.Equal(t, 1, a.MergedFiles())
	assert.Equal(t, 0.9, a.merged["src/a.ts"].Heat)
	roster := a.Roster()
	require.Len(t, roster, 2)
}

func TestApplyDeltaStaleSeqDiscarded(t *testing.T) {
	a := newTestAggregator(t)
	a.registerAgent("i1", 4001, "claude", nil)

	var deltas []MergedDelta
	a.onDelta = func(d MergedDelta) { deltas = append(deltas, d) }

	a.ApplyDelta("i1", wire.NewDelta("i1", "s1", 5, []wire.FileNode{
		{Path: "src/a.ts", Heat: 1.0, LastAction: wire.ActionRead, TimestampMs: 1000},
	}, nil))
	require.Len(t, deltas, 1)

	// same seq again must be discarded as stale
	a.ApplyDelta("i1", wire.NewDelta("i1", "s1", 5, []wire.FileNode{
		{Path: "src/b.ts", Heat: 1.0, LastAction: wire.ActionRead, TimestampMs: 1001},
	}, nil))
	require.Len(t, deltas, 1, "stale delta must not trigger a second emission")
}

func TestRemoveAgentDropsOnlyItsReplicas(t *testing.T) {
	a := newTestAggregator(t)
	a.registerAgent("i1", 4001, "claude", nil)
	a.registerAgent("i2", 4002, "codex", nil)

	a.ApplySnapshot("i1", wire.NewSnapshot("i1", "s1", 1, map[string]wire.FileNode{
		"shared.ts": {Path: "shared.ts", Heat: 0.5, LastAction: wire.ActionRead, TimestampMs: 1000},
		"only1.ts":  {Path: "only1.ts", Heat: 0.5, LastAction: wire.ActionRead, TimestampMs: 1000},
	}))
	a.ApplySnapshot("i2", wire.NewSnapshot("i2", "s2", 1, map[string]wire.FileNode{
		"shared.ts": {Path: "shared.ts", Heat: 0.8, LastAction: wire.ActionWrite, TimestampMs: 1500},
	}))

	require.Equal(t, 2, a.MergedFiles()) // shared.ts + only1.ts

	a.RemoveAgent("i1")

	require.Equal(t, 1, a.MergedFiles()) // only shared.ts, now owned solely by i2
	roster := a.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "i2", roster[0].InstanceID)
}

func TestNormalizeAndFilterDropsIgnoredPaths(t *testing.T) {
	assert.Equal(t, "", normalizeAndFilter("node_modules/foo/index.js"))
	assert.Equal(t, "", normalizeAndFilter(".git/HEAD"))
	assert.Equal(t, "", normalizeAndFilter(".env"))
	assert.Equal(t, "src/a.ts", normalizeAndFilter("./src/a.ts"))
}

func TestDefaultProcessorCollapsesUserActions(t *testing.T) {
	p := DefaultProcessor{}
	n := p.Normalize(wire.FileNode{LastAction: wire.ActionUserProvided})
	assert.Equal(t, wire.ActionRead, n.LastAction)

	n2 := p.Normalize(wire.FileNode{LastAction: wire.ActionWrite})
	assert.Equal(t, wire.ActionWrite, n2.LastAction)
}

func TestPersistRegistryWritesAtomically(t *testing.T) {
	a := newTestAggregator(t)
	a.registerAgent("i1", 4001, "claude", nil)

	records, err := LoadRegistry(a.opts.RegistryPath)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "i1", records[0].ID)
	assert.Equal(t, "claude_1", records[0].DisplayName)

	a.RemoveAgent("i1")
	records, err = LoadRegistry(a.opts.RegistryPath)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestLoadRegistryMissingFileIsNotAnError(t *testing.T) {
	records, err := LoadRegistry(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Nil(t, records)
}
