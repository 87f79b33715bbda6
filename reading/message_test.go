package reading

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToMessage_JSON(t *testing.T) {
	r := Reading{Distance: 23.5, BinStatus: "Full", ObservedAt: fixed}
	b, err := json.Marshal(ToMessage(r))
	require.NoError(t, err)
	require.JSONEq(t, `{"distance":23.5,"bin_status":"Full","timestamp":"2024-11-03 14:05:09"}`, string(b))
}

func TestToMessage_Placeholder(t *testing.T) {
	b, err := json.Marshal(ToMessage(Unknown()))
	require.NoError(t, err)
	require.JSONEq(t, `{"distance":null,"bin_status":"unknown","timestamp":""}`, string(b))
	require.False(t, Unknown().Known())
}

func TestFromMessage(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"distance": 12.5, "bin_status": " Full "}`), &m))

	now := time.Now()
	r, err := FromMessage(m, now)
	require.NoError(t, err)
	require.Equal(t, Reading{Distance: 12.5, BinStatus: "Full", ObservedAt: now}, r)

	_, err = FromMessage(Message{BinStatus: "Full"}, now)
	require.ErrorIs(t, err, ErrBadDistance)

	d := 1.0
	_, err = FromMessage(Message{Distance: &d}, now)
	require.Error(t, err)
}
