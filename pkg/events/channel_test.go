package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "htm_wm_fleet", ChannelName("fleet"))
	assert.Equal(t, "htm_wm_my_group_2", ChannelName("my group-2"))
	assert.Equal(t, "htm_wm_a_b_c", ChannelName("a.b.c"))
	// Deterministic.
	assert.Equal(t, ChannelName("fleet"), ChannelName("fleet"))
}

func TestPayloadWireFormat(t *testing.T) {
	nodeID := int64(42)
	payload := Payload{
		Event:   EventAdded,
		NodeID:  &nodeID,
		RobotID: 7,
		TS:      time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"event":"added","node_id":42,"robot_id":7,"ts":"2025-06-15T12:00:00Z"}`,
		string(raw))
}

func TestPayloadClearedHasNullNode(t *testing.T) {
	payload := Payload{Event: EventCleared, RobotID: 7, TS: time.Unix(0, 0).UTC()}

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"node_id":null`)
}

func TestDispatchSurvivesPanickingCallback(t *testing.T) {
	c := NewChannel(nil, "", "fleet")

	var delivered []Payload
	c.OnChange(func(Payload) { panic("bad subscriber") })
	c.OnChange(func(p Payload) { delivered = append(delivered, p) })

	c.dispatch(Payload{Event: EventAdded, RobotID: 1})

	require.Len(t, delivered, 1)
	assert.Equal(t, EventAdded, delivered[0].Event)
}
