package liveclient

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestRuntime(t *testing.T) *ClientRuntime {
	settings := DefaultRuntimeSettings()
	settings.Endpoint = "ws://localhost:0/live"
	settings.View = "demo"
	return NewClientRuntime(context.Background(), settings)
}

func mountTestRuntime(t *testing.T, runtime *ClientRuntime, html string, version int) {
	runtime.handleMessage(&Message{
		Type:    MessageTypeMounted,
		Version: version,
		Html:    html,
	})
	baseline, seen := runtime.versioning.Baseline()
	assert.Equal(t, true, seen)
	assert.Equal(t, version, baseline)
}

func TestRuntimeMounted(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	runtime.handleMessage(&Message{
		Type:    MessageTypeMounted,
		Version: 3,
		Html:    `<div id="app"><span id="a">hi</span></div>`,
		CacheConfig: CacheConfig{
			"load_page": {Ttl: 60, KeyParams: []string{"page"}},
		},
	})

	assert.NotEqual(t, runtime.Tree().ElementById("a"), nil)
	_, ok := runtime.cacheConfig["load_page"]
	assert.Equal(t, true, ok)
}

func TestRuntimePatchFlow(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	updates := 0
	runtime.SetUpdateCallback(func() {
		updates += 1
	})

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 3)
	assert.Equal(t, 1, updates)

	runtime.handleMessage(&Message{
		Type:    MessageTypePatch,
		Version: 4,
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "uno"},
		},
	})
	assert.Equal(t, 2, updates)
	assert.Equal(t, "uno", runtime.Tree().ElementById("a").Children[0].Text)
}

func TestRuntimePatchMismatchRecovery(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 3)

	// generation 5 arrives after 3: the batch lost relevance, the full
	// document carried alongside wins
	runtime.handleMessage(&Message{
		Type:    MessageTypePatch,
		Version: 5,
		Html:    `<div id="app"><span id="b">fresh</span></div>`,
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "stale"},
		},
	})

	assert.Equal(t, runtime.Tree().ElementById("a"), nil)
	assert.NotEqual(t, runtime.Tree().ElementById("b"), nil)
	baseline, _ := runtime.versioning.Baseline()
	assert.Equal(t, 5, baseline)

	// the successor of the adopted generation lands normally
	runtime.handleMessage(&Message{
		Type:    MessageTypePatch,
		Version: 6,
		Patches: []Patch{
			{Type: PatchSetAttr, Path: []int{0}, Key: "class", Value: "x"},
		},
	})
	class, _ := runtime.Tree().ElementById("b").Attr("class")
	assert.Equal(t, "x", class)
}

func TestRuntimeHotReloadBypassesVersion(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 9)

	runtime.handleMessage(&Message{
		Type:      MessageTypePatch,
		Version:   1,
		HotReload: true,
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "reloaded"},
		},
	})
	assert.Equal(t, "reloaded", runtime.Tree().ElementById("a").Children[0].Text)
	baseline, _ := runtime.versioning.Baseline()
	assert.Equal(t, 1, baseline)
}

func TestRuntimeDesyncEscalation(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	var reloadReason ReloadReason
	runtime.SetReloadCallback(func(reason ReloadReason) {
		reloadReason = reason
	})

	mountTestRuntime(t, runtime, `<div id="app"><span>one</span></div>`, 1)

	runtime.handleMessage(&Message{
		Type:    MessageTypePatch,
		Version: 2,
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{9}, Text: "x"},
			{Type: PatchSetText, Path: []int{9}, Text: "y"},
			{Type: PatchSetText, Path: []int{9}, Text: "z"},
		},
	})
	assert.Equal(t, ReloadTreeDesync, reloadReason)

	reloadReason = ""
	runtime.handleMessage(&Message{Type: MessageTypeReload})
	assert.Equal(t, ReloadHotReload, reloadReason)
}

func TestRuntimeHtmlUpdate(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 3)

	runtime.handleMessage(&Message{
		Type:    MessageTypeHtmlUpdate,
		Version: 9,
		Html:    `<div id="app"><span id="b">two</span></div>`,
	})
	assert.NotEqual(t, runtime.Tree().ElementById("b"), nil)
	baseline, _ := runtime.versioning.Baseline()
	assert.Equal(t, 9, baseline)
}

func TestRuntimeCacheShortCircuit(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 1)
	runtime.cacheConfig = CacheConfig{
		"load_page": {Ttl: 60, KeyParams: []string{"page"}},
	}

	params := map[string]any{"page": 2}
	fingerprint := Fingerprint("load_page", params, []string{"page"})
	runtime.cache.Store(fingerprint, &CachedResponse{
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "cached"},
		},
	}, runtime.settings.CacheSettings.PendingTimeout)

	// no connection exists; a true result proves the cache answered
	ok := runtime.SendEvent("load_page", params, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, "cached", runtime.Tree().ElementById("a").Children[0].Text)
	assert.Equal(t, 0, runtime.cache.PendingCount())
	// the params were not polluted with a correlation id
	_, ok = params[CacheRequestIdParam]
	assert.Equal(t, false, ok)
}

func TestRuntimeCachedBatchDesyncEscalates(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	var reloadReason ReloadReason
	runtime.SetReloadCallback(func(reason ReloadReason) {
		reloadReason = reason
	})

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 1)
	runtime.cacheConfig = CacheConfig{
		"load_page": {Ttl: 60},
	}

	// the tree drifted since this response was cached: every patch is
	// unresolvable, past any boundary
	params := map[string]any{"page": 2}
	runtime.cache.Store(Fingerprint("load_page", params, nil), &CachedResponse{
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{9}, Text: "x"},
			{Type: PatchSetText, Path: []int{9}, Text: "y"},
			{Type: PatchSetText, Path: []int{9}, Text: "z"},
		},
	}, time.Minute)

	// the hit consumes the event, and the failed replay escalates the
	// same way a live batch does
	ok := runtime.SendEvent("load_page", params, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, ReloadTreeDesync, reloadReason)
}

func TestRuntimeCachedBatchRunsHooks(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 1)
	runtime.cacheConfig = CacheConfig{
		"load_page": {Ttl: 60},
	}

	hooks := &recordingHooks{}
	runtime.Hooks().Register("a", hooks)

	params := map[string]any{"page": 2}
	runtime.cache.Store(Fingerprint("load_page", params, nil), &CachedResponse{
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "cached"},
		},
	}, time.Minute)

	ok := runtime.SendEvent("load_page", params, nil)
	assert.Equal(t, true, ok)
	assert.Equal(t, "cached", runtime.Tree().ElementById("a").Children[0].Text)
	// a cached replay walks the same lifecycle as a live batch
	assert.Equal(t, []string{"before", "update"}, hooks.events)
}

func TestRuntimeCacheMissRegistersPending(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"></div>`, 1)
	runtime.cacheConfig = CacheConfig{
		"load_page": {Ttl: 60},
	}

	params := map[string]any{"page": 3}
	// the send fails without a connection, but the correlation was
	// prepared before the attempt
	ok := runtime.SendEvent("load_page", params, nil)
	assert.Equal(t, false, ok)
	assert.Equal(t, 1, runtime.cache.PendingCount())
	requestId, ok := params[CacheRequestIdParam].(string)
	assert.Equal(t, true, ok)
	assert.NotEqual(t, "", requestId)
}

func TestRuntimePatchResponseFillsCache(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<div id="app"><span id="a">one</span></div>`, 1)

	fingerprint := "load_page:page=2"
	runtime.cache.RegisterPending("req-1", fingerprint, 0)

	runtime.handleMessage(&Message{
		Type:           MessageTypePatch,
		Version:        2,
		CacheRequestId: "req-1",
		Ttl:            60,
		Patches: []Patch{
			{Type: PatchSetText, Path: []int{0, 0}, Text: "page two"},
		},
	})

	response, ok := runtime.cache.Lookup(fingerprint)
	assert.Equal(t, true, ok)
	assert.Equal(t, 1, len(response.Patches))
	assert.Equal(t, 0, runtime.cache.PendingCount())
}

func TestRuntimeErrorClearsBusy(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	mountTestRuntime(t, runtime, `<button id="save" data-busy="save_form">Save</button>`, 1)

	button := runtime.Tree().ElementById("save")
	runtime.busy.StartBusy("save_form", button)
	runtime.pushInflight("save_form", button)

	_, disabled := button.Attr("disabled")
	assert.Equal(t, true, disabled)

	runtime.handleMessage(&Message{
		Type:  MessageTypeError,
		Error: "handler_error",
	})
	_, disabled = button.Attr("disabled")
	assert.Equal(t, false, disabled)
}

func TestRuntimePushEvent(t *testing.T) {
	runtime := newTestRuntime(t)
	defer runtime.Close()

	var notification Notification
	runtime.SetNotificationCallback(func(incoming Notification) {
		notification = incoming
	})

	runtime.handleMessage(&Message{
		Type:    MessageTypePushEvent,
		Event:   "new_message",
		Payload: map[string]any{"from": "amy"},
	})
	assert.Equal(t, "new_message", notification.Event)
	assert.Equal(t, "amy", notification.Payload["from"])
}
