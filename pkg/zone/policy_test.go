package zone

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAllowsEverythingWhenNoAllowedPatterns(t *testing.T) {
	pol, err := NewPolicy(nil, nil, true)
	require.NoError(t, err)

	assert.Equal(t, Allowed, pol.Decide(OpRead, "src/a.ts").Verdict)
	assert.Equal(t, Allowed, pol.Decide(OpWrite, "src/a.ts").Verdict)
}

func TestWriteOutsideAllowedIsDenied(t *testing.T) {
	pol, err := NewPolicy([]string{"src/a/**"}, nil, true)
	require.NoError(t, err)

	d := pol.Decide(OpWrite, "src/b/x.ts")
	assert.Equal(t, Denied, d.Verdict)
	assert.Contains(t, d.Reason, "zone violation: write src/b/x.ts not in allowed zones")
}

func TestSharedFilesAreReadOnly(t *testing.T) {
	pol, err := NewPolicy([]string{"src/a/**"}, []string{"README.md"}, false)
	require.NoError(t, err)

	assert.Equal(t, Allowed, pol.Decide(OpRead, "README.md").Verdict)
	assert.Equal(t, Denied, pol.Decide(OpWrite, "README.md").Verdict)
}

func TestDefaultSharedSetIsReadable(t *testing.T) {
	pol, err := NewPolicy([]string{"src/**"}, nil, true)
	require.NoError(t, err)

	assert.Equal(t, Allowed, pol.Decide(OpRead, "go.mod").Verdict)
	assert.Equal(t, Denied, pol.Decide(OpWrite, "go.mod").Verdict)
}

func TestReadOutsideAllowedAndSharedIsDenied(t *testing.T) {
	pol, err := NewPolicy([]string{"src/**"}, []string{"README.md"}, false)
	require.NoError(t, err)

	d := pol.Decide(OpRead, "secrets/keys.pem")
	assert.Equal(t, Denied, d.Verdict)
}

func TestNegationPatternIsConfigError(t *testing.T) {
	_, err := NewPolicy([]string{"!src/**"}, nil, true)
	require.Error(t, err)
}

func TestDotDotSegmentIsConfigError(t *testing.T) {
	_, err := NewPolicy([]string{"../etc/**"}, nil, true)
	require.Error(t, err)
}

func TestNormalizePathStripsLeadingSlashAndDot(t *testing.T) {
	assert.Equal(t, "src/a.ts", NormalizePath("./src/a.ts"))
	assert.Equal(t, "src/a.ts", NormalizePath("/src/a.ts"))
	assert.Equal(t, "src/a.ts", NormalizePath("src\\a.ts"))
}

func TestEscapingPathIsDenied(t *testing.T) {
	pol, err := NewPolicy([]string{"src/**"}, nil, true)
	require.NoError(t, err)
	d := pol.Decide(OpRead, "../outside.txt")
	assert.Equal(t, Denied, d.Verdict)
}
