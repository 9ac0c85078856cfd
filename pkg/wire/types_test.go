package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	nodes := map[string]FileNode{
		"src/a.ts": {Path: "src/a.ts", Heat: 1.0, InContext: true, LastAction: ActionRead, TurnAccessed: 3, TimestampMs: 1000},
	}
	snap := NewSnapshot("agent-1", "sess-1", 7, nodes)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, snap))

	line := bytes.TrimRight(buf.Bytes(), "\n")
	decoded, err := Decode(line)
	require.NoError(t, err)

	got, ok := decoded.(Snapshot)
	require.True(t, ok)
	assert.Equal(t, snap, got)
}

func TestDeltaRoundTrip(t *testing.T) {
	d := NewDelta("agent-1", "sess-1", 8, []FileNode{
		{Path: "src/a.ts", Heat: 0.5, LastAction: ActionWrite, TimestampMs: 2000},
	}, []string{"src/old.ts"})

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, d))
	decoded, err := Decode(bytes.TrimRight(buf.Bytes(), "\n"))
	require.NoError(t, err)
	assert.Equal(t, d, decoded.(Delta))
}

func TestUsageRoundTrip(t *testing.T) {
	cost := 0.0123
	u := NewUsage("agent-1", "sess-1", 512, 8192, &cost)
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, u))
	decoded, err := Decode(bytes.TrimRight(buf.Bytes(), "\n"))
	require.NoError(t, err)
	assert.Equal(t, u, decoded.(Usage))
}

func TestActionInContext(t *testing.T) {
	assert.True(t, ActionRead.InContext())
	assert.True(t, ActionWrite.InContext())
	assert.True(t, ActionUserProvided.InContext())
	assert.True(t, ActionUserReferenced.InContext())
	assert.False(t, ActionSearch.InContext())
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"bogus"}`))
	require.Error(t, err)
}

func TestEncodeRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("x", MaxLineBytes+1)
	nodes := map[string]FileNode{"p": {Path: "p", LastAction: ActionRead}}
	// Smuggle an oversized value through a field that serializes verbatim.
	type bigSnapshot struct {
		Snapshot
		Filler string `json:"filler"`
	}
	s := bigSnapshot{Snapshot: NewSnapshot("a", "s", 1, nodes), Filler: huge}
	var buf bytes.Buffer
	err := Encode(&buf, s)
	require.ErrorIs(t, err, ErrLineTooLong)
}

func TestNewLineScannerRejectsOversizedLine(t *testing.T) {
	huge := strings.Repeat("a", MaxLineBytes+10)
	r := strings.NewReader(huge + "\n")
	sc := NewLineScanner(r)
	ok := sc.Scan()
	assert.False(t, ok)
	require.Error(t, sc.Err())
}
