package liveclient

import (
	"sync"
)

// collaborator interfaces. these are external registries and glue; the
// runtime only calls them at lifecycle boundaries.

// element-scoped extension hooks, keyed by a stable element identity
type ElementHooks interface {
	OnMount(element *Element)
	OnBeforeUpdate(element *Element)
	OnUpdate(element *Element)
	OnDestroy(element *Element)
	OnDisconnected(element *Element)
	OnReconnected(element *Element)
}

type hookInstance struct {
	definition ElementHooks
	// opaque instance-state slot
	state any
}

type HookRegistry struct {
	mutex     sync.Mutex
	instances map[string]*hookInstance
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{
		instances: map[string]*hookInstance{},
	}
}

func (self *HookRegistry) Register(identity string, definition ElementHooks) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.instances[identity] = &hookInstance{
		definition: definition,
	}
}

func (self *HookRegistry) Unregister(identity string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.instances, identity)
}

func (self *HookRegistry) State(identity string) any {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if instance, ok := self.instances[identity]; ok {
		return instance.state
	}
	return nil
}

func (self *HookRegistry) SetState(identity string, state any) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if instance, ok := self.instances[identity]; ok {
		instance.state = state
	}
}

// each runs callback for every registered identity present in the tree
func (self *HookRegistry) each(tree *Tree, callback func(hooks ElementHooks, element *Element)) {
	self.mutex.Lock()
	identities := make(map[string]ElementHooks, len(self.instances))
	for identity, instance := range self.instances {
		identities[identity] = instance.definition
	}
	self.mutex.Unlock()

	for identity, definition := range identities {
		if element := tree.ElementById(identity); element != nil {
			callback(definition, element)
		}
	}
}

// present snapshots the registered identities currently in the tree,
// keyed by identity, for reap after an update.
func (self *HookRegistry) present(tree *Tree) map[string]*Element {
	out := map[string]*Element{}
	self.each(tree, func(hooks ElementHooks, element *Element) {
		out[element.Identity()] = element
	})
	return out
}

// reap fires OnDestroy for identities that were present before an update
// and are gone after it, and drops their registrations. Identities that
// have not mounted yet are left registered.
func (self *HookRegistry) reap(tree *Tree, previous map[string]*Element) {
	type reaped struct {
		definition ElementHooks
		element    *Element
	}

	self.mutex.Lock()
	victims := []reaped{}
	for identity, instance := range self.instances {
		if tree.ElementById(identity) != nil {
			continue
		}
		if element, ok := previous[identity]; ok {
			victims = append(victims, reaped{instance.definition, element})
			delete(self.instances, identity)
		}
	}
	self.mutex.Unlock()

	for _, victim := range victims {
		victim.definition.OnDestroy(victim.element)
	}
}

type UploadSlotConfig struct {
	Name     string `json:"name"`
	Accept   string `json:"accept,omitempty"`
	MaxSize  int64  `json:"max_size,omitempty"`
	Multiple bool   `json:"multiple,omitempty"`
}

type UploadModule interface {
	Configure(slotConfigs []UploadSlotConfig)
	OnProgress(ref string, progress float64, status string)
}

type NavigationModule interface {
	Resolve(pathname string) (view string, ok bool)
}

type AccessibilityModule interface {
	Announce(messages []string)
	Focus(selector string, options map[string]any)
}
