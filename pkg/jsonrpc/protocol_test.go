package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	id := json.RawMessage(`"1"`)
	resp := NewErrorResponse(id, NewError(CodeZoneViolation, "zone violation: write src/b/x.ts not in allowed zones", nil))

	b, err := json.Marshal(resp)
	require.NoError(t, err)

	var decoded Response
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, id, decoded.ID)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, CodeZoneViolation, decoded.Error.Code)
}

func TestIsRequestDistinguishesFromStreamingMessage(t *testing.T) {
	reqLine := []byte(`{"id":"1","method":"list_sessions"}`)
	streamLine := []byte(`{"type":"delta","agent_id":"a","seq":2}`)

	var reqRaw, streamRaw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(reqLine, &reqRaw))
	require.NoError(t, json.Unmarshal(streamLine, &streamRaw))

	assert.True(t, IsRequest(reqRaw))
	assert.False(t, IsRequest(streamRaw))
}
