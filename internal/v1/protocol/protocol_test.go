package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	msg, err := Parse([]byte(`{"event":"find-partner"}`))
	require.NoError(t, err)
	assert.Equal(t, EventFindPartner, msg.Event)
	assert.Empty(t, msg.Data)

	msg, err = Parse([]byte(`{"event":"offer","data":{"roomId":"r1","offer":{"sdp":"v=0"}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventOffer, msg.Event)
	assert.NotEmpty(t, msg.Data)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `this is not json`},
		{"wrong envelope type", `[1,2,3]`},
		{"empty event", `{"data":{}}`},
		{"blank event", `{"event":""}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(EventMatched, MatchedPayload{RoomID: "r1", IsInitiator: true})
	require.NoError(t, err)

	data, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, EventMatched, decoded.Event)

	var payload MatchedPayload
	require.NoError(t, json.Unmarshal(decoded.Data, &payload))
	assert.Equal(t, "r1", payload.RoomID)
	assert.True(t, payload.IsInitiator)
}

func TestMustMessage_PanicsOnUnmarshalable(t *testing.T) {
	assert.Panics(t, func() {
		MustMessage(EventWaiting, make(chan int))
	})
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		event string
		data  string
		body  string
	}{
		{EventOffer, `{"roomId":"r1","offer":{"type":"offer","sdp":"v=0"}}`, `{"type":"offer","sdp":"v=0"}`},
		{EventAnswer, `{"roomId":"r1","answer":{"type":"answer","sdp":"v=0"}}`, `{"type":"answer","sdp":"v=0"}`},
		{EventICECandidate, `{"roomId":"r1","candidate":{"candidate":"candidate:0","sdpMid":"0"}}`, `{"candidate":"candidate:0","sdpMid":"0"}`},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			p, err := ParseSignal(tt.event, json.RawMessage(tt.data))
			require.NoError(t, err)
			assert.Equal(t, "r1", p.RoomID)

			var got json.RawMessage
			switch tt.event {
			case EventOffer:
				got = p.Offer
			case EventAnswer:
				got = p.Answer
			case EventICECandidate:
				got = p.Candidate
			}
			assert.JSONEq(t, tt.body, string(got))
		})
	}
}

func TestParseSignal_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		event   string
		data    string
		wantErr error
	}{
		{"no payload at all", EventOffer, "", ErrMissingBody},
		{"payload is not json", EventOffer, `garbage`, ErrMalformedFrame},
		{"missing roomId", EventOffer, `{"offer":{"sdp":"v=0"}}`, ErrMissingRoomID},
		{"empty roomId", EventOffer, `{"roomId":"","offer":{"sdp":"v=0"}}`, ErrMissingRoomID},
		{"missing body", EventOffer, `{"roomId":"r1"}`, ErrMissingBody},
		{"null body", EventAnswer, `{"roomId":"r1","answer":null}`, ErrMissingBody},
		{"body under wrong key", EventOffer, `{"roomId":"r1","answer":{"sdp":"v=0"}}`, ErrMissingBody},
		{"not a relay event", EventLeaveChat, `{"roomId":"r1"}`, ErrUnknownEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSignal(tt.event, json.RawMessage(tt.data))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestIsRelay(t *testing.T) {
	assert.True(t, IsRelay(EventOffer))
	assert.True(t, IsRelay(EventAnswer))
	assert.True(t, IsRelay(EventICECandidate))

	assert.False(t, IsRelay(EventFindPartner))
	assert.False(t, IsRelay(EventLeaveChat))
	assert.False(t, IsRelay(EventSkipPartner))
	assert.False(t, IsRelay(EventMatched))
}
