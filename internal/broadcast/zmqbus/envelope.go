package zmqbus

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const topicPrefix = "chat."

var errMalformedEnvelope = errors.New("malformed envelope")

// envelope is what travels between nodes.
type envelope struct {
	Node    string
	ChatID  int64
	Payload []byte
}

func topicFor(chatID int64) string {
	return topicPrefix + strconv.FormatInt(chatID, 10)
}

func encodeEnvelope(env envelope) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]any{
		"node":    env.Node,
		"chat_id": strconv.FormatInt(env.ChatID, 10),
		"payload": env.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("build envelope: %w", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(b []byte) (envelope, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	fields := s.GetFields()

	chatID, err := strconv.ParseInt(fields["chat_id"].GetStringValue(), 10, 64)
	if err != nil || chatID <= 0 {
		return envelope{}, fmt.Errorf("chat_id: %w", errMalformedEnvelope)
	}
	payload, err := base64.StdEncoding.DecodeString(fields["payload"].GetStringValue())
	if err != nil {
		return envelope{}, fmt.Errorf("payload: %w", errMalformedEnvelope)
	}

	return envelope{
		Node:    fields["node"].GetStringValue(),
		ChatID:  chatID,
		Payload: payload,
	}, nil
}
