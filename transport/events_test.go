package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventMessageStart(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"message_start","message_id":"m1"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageStart{MessageID: "m1"}, ev)
}

func TestParseEventContentDelta(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"content_delta","message_id":"m1","content":"Hi"}`))
	require.NoError(t, err)
	assert.Equal(t, ContentDelta{MessageID: "m1", Content: "Hi"}, ev)
}

func TestParseEventMessageComplete(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"message_complete","message_id":"m1","content":"Hi there","tokens_used":7}`))
	require.NoError(t, err)
	assert.Equal(t, MessageComplete{MessageID: "m1", FinalContent: "Hi there", TokensUsed: 7}, ev)
}

func TestParseEventError(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"error","code":"backend_misconfigured","detail":"no model"}`))
	require.NoError(t, err)
	assert.Equal(t, ErrorEvent{Code: "backend_misconfigured", Detail: "no model"}, ev)
}

func TestParseEventKeepAlive(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"ping"}`))
	require.NoError(t, err)
	assert.Equal(t, KeepAlive{}, ev)
}

func TestParseEventUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"surprise"}`))
	assert.Error(t, err)
}

func TestParseEventMalformed(t *testing.T) {
	_, err := ParseEvent([]byte(`{`))
	assert.Error(t, err)
}
