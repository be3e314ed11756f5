package sse

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWriteTo_Framing(t *testing.T) {
	event := RawEvent("notification", `{"title":"hello"}`).WithStreamID("1700000000000-42")

	var b strings.Builder
	_, err := event.WriteTo(&b)
	require.NoError(t, err)

	assert.Equal(t,
		"event: notification\n"+
			"id: 1700000000000-42\n"+
			"data: {\"title\":\"hello\"}\n"+
			"\n",
		b.String())
}

func TestEventWriteTo_StreamIDWinsOverBusinessID(t *testing.T) {
	event := RawEvent("message", "x")
	require.NotEmpty(t, event.ID)

	var withBusiness strings.Builder
	_, err := event.WriteTo(&withBusiness)
	require.NoError(t, err)
	assert.Contains(t, withBusiness.String(), "id: "+event.ID+"\n")

	var withStream strings.Builder
	_, err = event.WithStreamID("1-2").WriteTo(&withStream)
	require.NoError(t, err)
	assert.Contains(t, withStream.String(), "id: 1-2\n")
	assert.NotContains(t, withStream.String(), event.ID)
}

func TestEventWriteTo_NoIDLine(t *testing.T) {
	event := Event{Type: "message", Data: RawData("x")}

	var b strings.Builder
	_, err := event.WriteTo(&b)
	require.NoError(t, err)
	assert.NotContains(t, b.String(), "id:")
}

func TestEventWriteTo_MultilineData(t *testing.T) {
	event := Event{Type: "message", Data: RawData("line one\nline two")}

	var b strings.Builder
	_, err := event.WriteTo(&b)
	require.NoError(t, err)

	assert.Equal(t,
		"event: message\n"+
			"data: line one\n"+
			"data: line two\n"+
			"\n",
		b.String())
}

func TestEventWriteTo_Retry(t *testing.T) {
	event := Event{Type: "message", Data: RawData("x"), Retry: 5000}

	var b strings.Builder
	_, err := event.WriteTo(&b)
	require.NoError(t, err)
	assert.Contains(t, b.String(), "retry: 5000\n")
}

func TestEventData_JSONRoundTrip(t *testing.T) {
	raw := RawData(`{"pre":"serialized"}`)
	encoded, err := json.Marshal(raw)
	require.NoError(t, err)
	// Raw payloads encode as JSON strings so they never get re-parsed.
	assert.Equal(t, `"{\"pre\":\"serialized\"}"`, string(encoded))

	var back EventData
	require.NoError(t, json.Unmarshal(encoded, &back))
	assert.Equal(t, `{"pre":"serialized"}`, back.String())

	structured := JSONData(json.RawMessage(`{"a":1}`))
	encoded, err = json.Marshal(structured)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(encoded))

	require.NoError(t, json.Unmarshal(encoded, &back))
	assert.Equal(t, `{"a":1}`, back.String())
}

func TestNewEventAssignsUniqueIDs(t *testing.T) {
	a := RawEvent("message", "x")
	b := RawEvent("message", "x")
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
}
