package liveclient

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type recordingHooks struct {
	events []string
}

func (self *recordingHooks) OnMount(element *Element)        { self.events = append(self.events, "mount") }
func (self *recordingHooks) OnBeforeUpdate(element *Element) { self.events = append(self.events, "before") }
func (self *recordingHooks) OnUpdate(element *Element)       { self.events = append(self.events, "update") }
func (self *recordingHooks) OnDestroy(element *Element)      { self.events = append(self.events, "destroy") }
func (self *recordingHooks) OnDisconnected(element *Element) { self.events = append(self.events, "down") }
func (self *recordingHooks) OnReconnected(element *Element)  { self.events = append(self.events, "up") }

func TestHookRegistryEach(t *testing.T) {
	tree := newTestTree(t, `<div id="app"><div id="chart"></div></div>`)
	registry := NewHookRegistry()

	hooks := &recordingHooks{}
	registry.Register("chart", hooks)
	// registered but absent from the tree
	registry.Register("map", &recordingHooks{})

	visited := 0
	registry.each(tree, func(definition ElementHooks, element *Element) {
		visited += 1
		assert.Equal(t, "chart", element.Identity())
		definition.OnMount(element)
	})
	assert.Equal(t, 1, visited)
	assert.Equal(t, []string{"mount"}, hooks.events)
}

func TestHookRegistryState(t *testing.T) {
	registry := NewHookRegistry()
	registry.Register("chart", &recordingHooks{})

	assert.Equal(t, registry.State("chart"), nil)
	registry.SetState("chart", 42)
	assert.Equal(t, 42, registry.State("chart"))

	// unknown identities are inert
	registry.SetState("missing", 1)
	assert.Equal(t, registry.State("missing"), nil)
}

func TestHookRegistryReap(t *testing.T) {
	tree := newTestTree(t, `<div id="app"><div id="chart"></div></div>`)
	registry := NewHookRegistry()

	hooks := &recordingHooks{}
	registry.Register("chart", hooks)
	pendingHooks := &recordingHooks{}
	registry.Register("not_yet_mounted", pendingHooks)

	previous := registry.present(tree)
	err := tree.ReplaceDocument(`<div id="app"></div>`)
	assert.Equal(t, err, nil)
	registry.reap(tree, previous)

	assert.Equal(t, []string{"destroy"}, hooks.events)
	// the reaped registration is gone
	visited := 0
	registry.each(tree, func(definition ElementHooks, element *Element) {
		visited += 1
	})
	assert.Equal(t, 0, visited)

	// an identity that never mounted stays registered and is not destroyed
	assert.Equal(t, 0, len(pendingHooks.events))
	registry.SetState("not_yet_mounted", 1)
	assert.Equal(t, 1, registry.State("not_yet_mounted"))
}
