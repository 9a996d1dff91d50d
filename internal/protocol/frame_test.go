package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRequestFrameShape(t *testing.T) {
	frame, err := NewRequest("req-1", MethodSendMessage, SendMessageParams{
		ConversationID: 501,
		Body:           "hello",
		ClientRef:      "ref-1",
	})
	require.NoError(t, err)

	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "req",
		"id": "req-1",
		"method": "send_message",
		"payload": {"conversation_id": 501, "body": "hello", "client_ref": "ref-1"}
	}`, string(raw))
}

func TestResponseOutcome(t *testing.T) {
	ok, err := Success("a", map[string]int{"id": 1})
	require.NoError(t, err)
	require.True(t, ok.Succeeded())

	failed := Failure("b", "CONVERSATION_CLOSED", "conversation is closed")
	require.False(t, failed.Succeeded())
	require.Equal(t, "CONVERSATION_CLOSED", failed.Error.Code)

	require.False(t, Frame{Type: TypeResponse, ID: "c"}.Succeeded())
}
