package commands

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eisen-labs/eisen-core/pkg/zone"
)

func TestResolvePolicyFromPatternsWithNoConfig(t *testing.T) {
	pol, cfg, err := resolvePolicy("", "agent-a", []string{"src/a/**"})
	require.NoError(t, err)
	require.Nil(t, cfg)

	assert.Equal(t, zone.Allowed, pol.Decide(zone.OpRead, "src/a/x.ts").Verdict)
	assert.Equal(t, zone.Denied, pol.Decide(zone.OpWrite, "src/b/x.ts").Verdict)
}

func TestResolvePolicyRejectsInvalidPattern(t *testing.T) {
	_, _, err := resolvePolicy("", "agent-a", []string{"!src/**"})
	require.Error(t, err)
}

func TestResolvePolicyFromConfigUsesPerAgentEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "zones.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
agents:
  - id: agent-a
    allowed: ["src/a/**"]
`), 0o644))

	pol, cfg, err := resolvePolicy(path, "agent-a", nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, zone.Allowed, pol.Decide(zone.OpRead, "src/a/x.ts").Verdict)
	assert.Equal(t, zone.Denied, pol.Decide(zone.OpWrite, "src/b/x.ts").Verdict)
}

func TestResolvePolicyMissingConfigFileIsError(t *testing.T) {
	_, _, err := resolvePolicy(filepath.Join(t.TempDir(), "missing.yaml"), "agent-a", nil)
	require.Error(t, err)
}
