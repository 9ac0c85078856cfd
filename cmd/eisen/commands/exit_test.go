package commands

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitWrapsErrorWithCode(t *testing.T) {
	base := errors.New("boom")
	err := Exit(ExitZoneConfigErr, base)

	var exitErr *ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.Equal(t, ExitZoneConfigErr, exitErr.Code)
	assert.Equal(t, "boom", exitErr.Error())
	assert.ErrorIs(t, err, base)
}

func TestExitOfNilErrorIsNil(t *testing.T) {
	assert.NoError(t, Exit(ExitArgumentError, nil))
}
