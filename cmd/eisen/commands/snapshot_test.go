package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSnapshotEmptyFixtureScenario covers spec.md §8 scenario 6:
// `snapshot --path ./fixtures/empty` prints one line with
// `{"type":"snapshot","seq":0,"nodes":{}}` and exits 0.
func TestSnapshotEmptyFixtureScenario(t *testing.T) {
	cmd := NewSnapshotCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--path", "./fixtures/empty"})

	require.NoError(t, cmd.Execute())

	assert.JSONEq(t, `{"type":"snapshot","agent_id":"./fixtures/empty","session_id":"./fixtures/empty","seq":0,"nodes":{}}`, out.String())
}

func TestSnapshotRequiresPath(t *testing.T) {
	cmd := NewSnapshotCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitArgumentError, exitErr.Code)
}

func TestSnapshotRejectsBadZonePattern(t *testing.T) {
	cmd := NewSnapshotCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--path", "./fixtures/empty", "--zone-patterns", "!src/**"})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitZoneConfigErr, exitErr.Code)
}
