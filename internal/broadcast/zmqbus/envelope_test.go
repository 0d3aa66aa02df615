package zmqbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte(`{"message":{"id":1},"chat_id":7}`)
	data, err := encodeEnvelope(envelope{Node: "node-a", ChatID: 7, Payload: payload})
	require.NoError(t, err)

	env, err := decodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "node-a", env.Node)
	assert.Equal(t, int64(7), env.ChatID)
	assert.Equal(t, payload, env.Payload)
}

func TestDecodeEnvelope_Rejects(t *testing.T) {
	_, err := decodeEnvelope([]byte{0xff, 0x01})
	assert.Error(t, err)

	s, err := structpb.NewStruct(map[string]any{"node": "x", "chat_id": "nope"})
	require.NoError(t, err)
	b, err := proto.Marshal(s)
	require.NoError(t, err)
	_, err = decodeEnvelope(b)
	assert.ErrorIs(t, err, errMalformedEnvelope)
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, "chat.42", topicFor(42))
}
