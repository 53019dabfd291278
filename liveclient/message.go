package liveclient

import (
	"encoding/json"
	"fmt"
)

// wire envelope for the live document protocol
// all messages are self-describing json with a `type` discriminator

type MessageType string

const (
	// outbound
	MessageTypeEvent       MessageType = "event"
	MessageTypeMount       MessageType = "mount"
	MessageTypePing        MessageType = "ping"
	MessageTypeRequestHtml MessageType = "request_html"

	// inbound
	MessageTypeConnected      MessageType = "connected"
	MessageTypeMounted        MessageType = "mounted"
	MessageTypePatch          MessageType = "patch"
	MessageTypeHtmlUpdate     MessageType = "html_update"
	MessageTypeError          MessageType = "error"
	MessageTypePong           MessageType = "pong"
	MessageTypeReload         MessageType = "reload"
	MessageTypePushEvent      MessageType = "push_event"
	MessageTypeUploadProgress MessageType = "upload_progress"
)

// params with this prefix are internal bookkeeping and are never part of
// a cache fingerprint
const InternalParamPrefix = "_"

// correlation key for cacheable requests
const CacheRequestIdParam = "_cacheRequestId"

type Message struct {
	Type MessageType `json:"type"`

	// event / mount
	Event          string         `json:"event,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	View           string         `json:"view,omitempty"`
	HasPrerendered bool           `json:"has_prerendered,omitempty"`

	// session
	SessionId string `json:"session_id,omitempty"`

	// tree updates
	Version        int         `json:"version,omitempty"`
	Patches        []Patch     `json:"patches,omitempty"`
	Html           string      `json:"html,omitempty"`
	CacheRequestId string      `json:"cache_request_id,omitempty"`
	Ttl            int         `json:"ttl,omitempty"`
	CacheConfig    CacheConfig `json:"cache_config,omitempty"`
	HotReload      bool        `json:"hotreload,omitempty"`

	// error
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	// push_event
	Payload map[string]any `json:"payload,omitempty"`

	// upload_progress
	Ref      string  `json:"ref,omitempty"`
	Progress float64 `json:"progress,omitempty"`
	Status   string  `json:"status,omitempty"`
	Slot     string  `json:"slot,omitempty"`
}

func EncodeMessage(message *Message) ([]byte, error) {
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return json.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(messageBytes, message); err != nil {
		return nil, err
	}
	if message.Type == "" {
		return nil, fmt.Errorf("message missing type")
	}
	return message, nil
}
