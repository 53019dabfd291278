package liveclient

import (
	"strings"
	"sync"
)

// request-scoped ui-busy coordinator. registered elements declare visual
// effects that apply while a named request is in flight; the pre-busy
// state is captured so completion restores it exactly.

// declaration attributes scanned from the tree
const (
	busyAttr        = "data-busy"
	busyEffectAttr  = "data-busy-effect"
	busyDisplayAttr = "data-busy-display"
	busyActiveAttr  = "data-busy-active"
)

type BusyEffectKind int

const (
	BusyDisable BusyEffectKind = iota
	BusyReveal
	BusyConceal
	BusyMarkerClass
)

type BusyEffect struct {
	Kind BusyEffectKind
	// visible display mode for BusyReveal, class name for BusyMarkerClass
	Arg string
}

type busySavedState struct {
	disabled    string
	hasDisabled bool
	style       string
	hasStyle    bool
	class       string
	hasClass    bool
}

type BusyRegistration struct {
	element *Element
	request string
	effects []BusyEffect

	active bool
	saved  busySavedState
}

type BusyCoordinator struct {
	mutex sync.Mutex
	// request name -> registrations
	registrations map[string][]*BusyRegistration
}

func NewBusyCoordinator() *BusyCoordinator {
	return &BusyCoordinator{
		registrations: map[string][]*BusyRegistration{},
	}
}

func (self *BusyCoordinator) Register(element *Element, request string, effects []BusyEffect) {
	if len(effects) == 0 {
		effects = []BusyEffect{{Kind: BusyDisable}}
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, registration := range self.registrations[request] {
		if registration.element == element {
			registration.effects = effects
			return
		}
	}
	self.registrations[request] = append(self.registrations[request], &BusyRegistration{
		element: element,
		request: request,
		effects: effects,
	})
}

// Scan walks the tree and registers every element carrying a busy
// declaration. Prior registrations are dropped; live references into a
// replaced document would otherwise go stale.
func (self *BusyCoordinator) Scan(tree *Tree) {
	self.mutex.Lock()
	self.registrations = map[string][]*BusyRegistration{}
	self.mutex.Unlock()

	self.scanElement(tree.Root())
}

func (self *BusyCoordinator) scanElement(element *Element) {
	if declaration, ok := element.Attr(busyAttr); ok {
		effects := parseBusyEffects(element)
		for _, request := range strings.Fields(strings.ReplaceAll(declaration, ",", " ")) {
			self.Register(element, request, effects)
		}
	}
	for _, child := range element.Children {
		self.scanElement(child)
	}
}

func parseBusyEffects(element *Element) []BusyEffect {
	declaration, ok := element.Attr(busyEffectAttr)
	if !ok {
		return nil
	}
	effects := []BusyEffect{}
	for _, name := range strings.Split(declaration, ",") {
		name = strings.TrimSpace(name)
		switch {
		case name == "disable":
			effects = append(effects, BusyEffect{Kind: BusyDisable})
		case name == "show":
			display := "block"
			if mode, ok := element.Attr(busyDisplayAttr); ok {
				display = mode
			}
			effects = append(effects, BusyEffect{Kind: BusyReveal, Arg: display})
		case name == "hide":
			effects = append(effects, BusyEffect{Kind: BusyConceal})
		case strings.HasPrefix(name, "class:"):
			effects = append(effects, BusyEffect{Kind: BusyMarkerClass, Arg: strings.TrimPrefix(name, "class:")})
		}
	}
	return effects
}

// StartBusy applies the declared effects for every element registered
// against the request. The originating trigger element is marked
// distinctly from the others.
func (self *BusyCoordinator) StartBusy(request string, trigger *Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, registration := range self.registrations[request] {
		if registration.active {
			continue
		}
		registration.capture()
		registration.apply()
		registration.active = true
	}
	if trigger != nil {
		trigger.setAttr(busyActiveAttr, "trigger")
	}
	for _, registration := range self.registrations[request] {
		if registration.element != trigger {
			registration.element.setAttr(busyActiveAttr, "")
		}
	}
}

// StopBusy restores the captured state. Idempotent, and tolerates a
// request that never started: a cache-hit short circuit still emits a
// start/stop pair for ux consistency.
func (self *BusyCoordinator) StopBusy(request string, trigger *Element) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, registration := range self.registrations[request] {
		if !registration.active {
			continue
		}
		registration.restore()
		registration.active = false
		registration.element.removeAttr(busyActiveAttr)
	}
	if trigger != nil {
		trigger.removeAttr(busyActiveAttr)
	}
}

func (self *BusyRegistration) capture() {
	element := self.element
	self.saved = busySavedState{}
	self.saved.disabled, self.saved.hasDisabled = element.Attr("disabled")
	self.saved.style, self.saved.hasStyle = element.Attr("style")
	self.saved.class, self.saved.hasClass = element.Attr("class")
}

func (self *BusyRegistration) apply() {
	element := self.element
	for _, effect := range self.effects {
		switch effect.Kind {
		case BusyDisable:
			element.setAttr("disabled", "disabled")
		case BusyReveal:
			element.setAttr("style", setDisplay(self.saved.style, effect.Arg))
		case BusyConceal:
			element.setAttr("style", setDisplay(self.saved.style, "none"))
		case BusyMarkerClass:
			element.setAttr("class", appendClass(self.saved.class, effect.Arg))
		}
	}
}

func (self *BusyRegistration) restore() {
	element := self.element
	restoreAttr(element, "disabled", self.saved.disabled, self.saved.hasDisabled)
	restoreAttr(element, "style", self.saved.style, self.saved.hasStyle)
	restoreAttr(element, "class", self.saved.class, self.saved.hasClass)
}

func restoreAttr(element *Element, key string, value string, present bool) {
	if present {
		element.setAttr(key, value)
	} else {
		element.removeAttr(key)
	}
}

func setDisplay(style string, display string) string {
	kept := []string{}
	for _, part := range strings.Split(style, ";") {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, "display:") || strings.HasPrefix(part, "display ") {
			continue
		}
		kept = append(kept, part)
	}
	kept = append(kept, "display: "+display)
	return strings.Join(kept, "; ")
}

func appendClass(class string, name string) string {
	for _, existing := range strings.Fields(class) {
		if existing == name {
			return class
		}
	}
	if class == "" {
		return name
	}
	return class + " " + name
}
