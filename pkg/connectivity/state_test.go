package connectivity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "unavailable", Unavailable.String())
	assert.Equal(t, "available", Available.String())
	assert.Equal(t, "State(7)", State(7).String())

	var zero State
	assert.Equal(t, Unavailable, zero)
}

func TestState_UnmarshalTextRejectsUnknown(t *testing.T) {
	var s State
	require.NoError(t, s.UnmarshalText([]byte("available")))
	assert.Equal(t, Available, s)
	assert.Error(t, s.UnmarshalText([]byte("maybe")))
}

func TestConnectivity_Of(t *testing.T) {
	assert.Equal(t, None, connectivityOf(false, false))
	assert.Equal(t, IPv4, connectivityOf(true, false))
	assert.Equal(t, IPv6, connectivityOf(false, true))
	assert.Equal(t, All, connectivityOf(true, true))
}

func TestEvent_JSON(t *testing.T) {
	ev := Event{
		State:        Available,
		Connectivity: All,
		At:           time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Seq:          3,
	}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"available","connectivity":"all","at":"2024-05-01T12:00:00Z","seq":3}`, string(b))

	var decoded Event
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, ev, decoded)
}
