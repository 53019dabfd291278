package liveclient

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeMessage(t *testing.T) {
	message, err := DecodeMessage([]byte(`{
		"type": "patch",
		"version": 7,
		"cache_request_id": "01J0ABC",
		"patches": [
			{"type": "SetText", "path": [0, 1], "text": "hello"}
		]
	}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageTypePatch, message.Type)
	assert.Equal(t, 7, message.Version)
	assert.Equal(t, "01J0ABC", message.CacheRequestId)
	assert.Equal(t, 1, len(message.Patches))
	assert.Equal(t, PatchSetText, message.Patches[0].Type)
}

func TestDecodeMessageCacheConfig(t *testing.T) {
	message, err := DecodeMessage([]byte(`{
		"type": "mounted",
		"version": 1,
		"session_id": "s1",
		"cache_config": {
			"load_page": {"ttl": 60, "key_params": ["page"]}
		}
	}`))
	assert.Equal(t, err, nil)
	config, ok := message.CacheConfig["load_page"]
	assert.Equal(t, true, ok)
	assert.Equal(t, 60, config.Ttl)
	assert.Equal(t, []string{"page"}, config.KeyParams)
}

func TestDecodeMessageMissingType(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"event": "click"}`))
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte(`not json`))
	assert.NotEqual(t, err, nil)
}

func TestEncodeMessage(t *testing.T) {
	_, err := EncodeMessage(&Message{})
	assert.NotEqual(t, err, nil)

	messageBytes, err := EncodeMessage(&Message{
		Type:  MessageTypeEvent,
		Event: "save_form",
		Params: map[string]any{
			"form": "f1",
		},
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, MessageTypeEvent, decoded.Type)
	assert.Equal(t, "save_form", decoded.Event)
	assert.Equal(t, "f1", decoded.Params["form"])
}
