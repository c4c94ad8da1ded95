package automation

import "hostscript/internal/store"

// AutomationRule is a named user script with an enabled flag.
type AutomationRule = store.AutomationRule

// Trigger names one of the three event kinds a rule can react to.
type Trigger string

const (
	TriggerMessage  Trigger = "message"
	TriggerRequest  Trigger = "request"
	TriggerResponse Trigger = "response"
)

// EntryPoint returns the global function a script defines for this trigger.
func (t Trigger) EntryPoint() string {
	switch t {
	case TriggerMessage:
		return "onMessage"
	case TriggerRequest:
		return "onRequest"
	case TriggerResponse:
		return "onResponse"
	}
	return ""
}

// ParseTrigger maps a trigger name to a Trigger. ok is false for unknown names.
func ParseTrigger(s string) (Trigger, bool) {
	switch t := Trigger(s); t {
	case TriggerMessage, TriggerRequest, TriggerResponse:
		return t, true
	}
	return "", false
}

// MessageEvent is an inbound chat row handed to onMessage.
type MessageEvent struct {
	Talker  string `json:"talker"`
	Content string `json:"content"`
	Type    int32  `json:"type"`
	IsSend  bool   `json:"isSend"`
}

// ProtocolEvent is an outgoing request or incoming response handed to
// onRequest/onResponse. Payload is a decoded JSON value.
type ProtocolEvent struct {
	URI     string `json:"uri"`
	CgiID   int32  `json:"cgiId"`
	Payload any    `json:"payload"`
}

// Message response kinds.
const (
	ResponseText  = "text"
	ResponseImage = "image"
	ResponseFile  = "file"
	ResponseVoice = "voice"
)

// MessageResponse is the structured form of an onMessage return value.
type MessageResponse struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Path     string `json:"path,omitempty"`
	Title    string `json:"title,omitempty"`
	Duration int32  `json:"duration,omitempty"`
}

// Sender delivers outbound messages through the host's messaging subsystem.
// Each call reports whether the host accepted the message.
type Sender interface {
	SendText(to, text string) bool
	SendImage(to, path string) bool
	SendFile(to, path, title string) bool
	SendVoice(to, path string, durationMs int32) bool
	SendXMLAppMsg(to, xml string) bool
}

// Identity is the host account the scripts run as.
type Identity struct {
	WxID  string
	Alias string
}
