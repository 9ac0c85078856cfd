package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequiresDashSeparatedAgentCommand(t *testing.T) {
	cmd := NewObserveCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--port", "0"})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitArgumentError, exitErr.Code)
}

func TestObserveRejectsBadZoneConfigBeforeSpawning(t *testing.T) {
	cmd := NewObserveCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--zone-config", "/no/such/zones.yaml", "--", "true"})

	err := cmd.Execute()
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitZoneConfigErr, exitErr.Code)
}
