package session

import (
	"bytes"
	"encoding/json"
	"strconv"
)

const (
	commandSendMessage = "send_message"
	commandMarkAsRead  = "mark_as_read"
)

// inboundFrame is a client command. Unknown fields are ignored.
type inboundFrame struct {
	Command string  `json:"command"`
	ChatID  chatID  `json:"chat_id"`
	Content *string `json:"content"`
}

// chatID accepts a JSON number or a numeric string.
type chatID int64

func (c *chatID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*c = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		b = []byte(s)
	}
	v, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*c = chatID(v)
	return nil
}

func parseFrame(data []byte) (inboundFrame, error) {
	var f inboundFrame
	err := json.Unmarshal(data, &f)
	return f, err
}
