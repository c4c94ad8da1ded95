//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SendCommand is published to <prefix>/send/<kind> for the host to deliver.
type SendCommand struct {
	Kind     string `json:"kind"`
	To       string `json:"to"`
	Content  string `json:"content,omitempty"`
	Path     string `json:"path,omitempty"`
	Title    string `json:"title,omitempty"`
	Duration int32  `json:"duration,omitempty"`
}

// InboundMessage is received on <prefix>/message/in.
type InboundMessage struct {
	Talker  string `json:"talker"`
	Content string `json:"content"`
	Type    int32  `json:"type"`
	IsSend  bool   `json:"isSend"`
}

// EventMessage is published to <prefix>/events/<type>.
type EventMessage struct {
	Type  string         `json:"type"`
	Trace string         `json:"trace,omitempty"`
	Time  string         `json:"time"`
	Data  map[string]any `json:"data,omitempty"`
}

func sendTopic(prefix, kind string) string { return prefix + "/send/" + kind }
func inboundTopic(prefix string) string { return prefix + "/message/in" }
func stateTopic(prefix string) string { return prefix + "/bridge/state" }
func eventTopic(prefix, typ string) string { return prefix + "/events/" + typ }

// normalizePrefix trims surrounding slashes. An empty prefix becomes "hostscript".
func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return "hostscript"
	}
	return prefix
}

func parseInbound(payload []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("decode inbound message: %w", err)
	}
	if msg.Talker == "" {
		return msg, errors.New("inbound message without talker")
	}
	return msg, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
