package liveclient

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

// the live document tree. the reconciler is the only writer; exclusivity
// is enforced by the runtime dispatch, not by locking here.

type DispatchFunc func(event string, params map[string]any, trigger *Element) bool

type Element struct {
	Tag      string
	Text     string
	Attrs    []Attr
	Children []*Element
	Key      string

	// live value property for value-bearing inputs. declarative value
	// attributes alone do not reflect editable state.
	Value    string
	HasValue bool

	parent   *Element
	bindings map[string]string
}

func NewElement(tag string) *Element {
	return &Element{
		Tag: tag,
	}
}

func NewTextNode(text string) *Element {
	return &Element{
		Tag:  TextTag,
		Text: text,
	}
}

func (self *Element) IsText() bool {
	return self.Tag == TextTag
}

func (self *Element) Parent() *Element {
	return self.parent
}

func (self *Element) Attr(key string) (string, bool) {
	for _, attr := range self.Attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

func (self *Element) setAttr(key string, value string) {
	for i, attr := range self.Attrs {
		if attr.Key == key {
			self.Attrs[i].Value = value
			return
		}
	}
	self.Attrs = append(self.Attrs, Attr{Key: key, Value: value})
}

func (self *Element) removeAttr(key string) {
	for i, attr := range self.Attrs {
		if attr.Key == key {
			self.Attrs = append(self.Attrs[:i], self.Attrs[i+1:]...)
			return
		}
	}
}

func (self *Element) Identity() string {
	if id, ok := self.Attr("id"); ok && id != "" {
		return id
	}
	return self.Key
}

// event name -> handler expression, from sigil attributes
func (self *Element) Bindings() map[string]string {
	return self.bindings
}

// element children plus non-blank text children. whitespace-only text is
// excluded from indexing on both server and client.
func (self *Element) SignificantChildren() []*Element {
	significant := make([]*Element, 0, len(self.Children))
	for _, child := range self.Children {
		if child.IsText() && strings.TrimSpace(child.Text) == "" {
			continue
		}
		significant = append(significant, child)
	}
	return significant
}

var valueTags = map[string]bool{
	"input":    true,
	"textarea": true,
	"select":   true,
}

type Tree struct {
	root     *Element
	byId     map[string]*Element
	dispatch DispatchFunc
}

func NewTree(dispatch DispatchFunc) *Tree {
	return &Tree{
		root:     NewElement("div"),
		byId:     map[string]*Element{},
		dispatch: dispatch,
	}
}

func (self *Tree) Root() *Element {
	return self.root
}

func (self *Tree) ElementById(id string) *Element {
	return self.byId[id]
}

// Build creates a live subtree from a virtual node: binds event-sigil
// attributes to outbound dispatch and seeds the live value property on
// value-bearing inputs.
func (self *Tree) Build(node *VirtualNode) *Element {
	if node.IsText() {
		return NewTextNode(node.Text)
	}
	element := NewElement(node.Tag)
	element.Key = node.Key
	for _, attr := range node.Attrs {
		if strings.HasPrefix(attr.Key, EventSigil) {
			if element.bindings == nil {
				element.bindings = map[string]string{}
			}
			element.bindings[strings.TrimPrefix(attr.Key, EventSigil)] = attr.Value
			continue
		}
		element.Attrs = append(element.Attrs, attr)
	}
	if valueTags[element.Tag] {
		if value, ok := element.Attr("value"); ok {
			element.Value = value
			element.HasValue = true
		}
	}
	for _, virtualChild := range node.Children {
		child := self.Build(virtualChild)
		child.parent = element
		element.Children = append(element.Children, child)
	}
	return element
}

// Fire dispatches the bound handler for a user event on an element.
// Returns false when the element has no binding for the event or the
// send was not accepted.
func (self *Tree) Fire(element *Element, event string, params map[string]any) bool {
	if element == nil || element.bindings == nil {
		return false
	}
	handler, ok := element.bindings[event]
	if !ok {
		return false
	}
	if self.dispatch == nil {
		glog.V(2).Infof("[tree]no dispatch for %s\n", handler)
		return false
	}
	return self.dispatch(handler, params, element)
}

// SetRoot replaces the whole tree and rebuilds the identity index.
func (self *Tree) SetRoot(root *Element) {
	self.root = root
	self.root.parent = nil
	self.byId = map[string]*Element{}
	self.index(self.root)
}

// ReplaceDocument parses server html and swaps it in as the new tree,
// discarding all prior state. This is the cheap terminal recovery.
func (self *Tree) ReplaceDocument(src string) error {
	nodes, err := ParseHtml(src)
	if err != nil {
		return err
	}
	var root *Element
	if len(nodes) == 1 && !nodes[0].IsText() {
		root = self.Build(nodes[0])
	} else {
		// multiple top level nodes get a synthetic container
		root = NewElement("div")
		for _, node := range nodes {
			child := self.Build(node)
			child.parent = root
			root.Children = append(root.Children, child)
		}
	}
	self.SetRoot(root)
	return nil
}

func (self *Tree) index(element *Element) {
	if id := element.Identity(); id != "" {
		self.byId[id] = element
	}
	for _, child := range element.Children {
		self.index(child)
	}
}

func (self *Tree) unindex(element *Element) {
	if id := element.Identity(); id != "" && self.byId[id] == element {
		delete(self.byId, id)
	}
	for _, child := range element.Children {
		self.unindex(child)
	}
}

// childSlot maps a significant-child index to the position in the raw
// child list. ok is false when the index is out of range; boundary is
// true when it is exactly one past the end.
func childSlot(parent *Element, index int) (slot int, ok bool, boundary bool) {
	significant := 0
	for i, child := range parent.Children {
		if child.IsText() && strings.TrimSpace(child.Text) == "" {
			continue
		}
		if significant == index {
			return i, true, false
		}
		significant += 1
	}
	if significant == index {
		return len(parent.Children), false, true
	}
	return 0, false, false
}

// mutations. all of these keep the identity index coherent.

func (self *Tree) ReplaceNode(target *Element, node *VirtualNode) {
	replacement := self.Build(node)
	parent := target.parent
	if parent == nil {
		self.SetRoot(replacement)
		return
	}
	self.unindex(target)
	for i, child := range parent.Children {
		if child == target {
			replacement.parent = parent
			parent.Children[i] = replacement
			break
		}
	}
	self.index(replacement)
}

func (self *Tree) SetText(target *Element, text string) {
	if target.IsText() {
		target.Text = text
		return
	}
	// setting text on an element collapses it to a single text child
	for _, child := range target.Children {
		self.unindex(child)
	}
	textNode := NewTextNode(text)
	textNode.parent = target
	target.Children = []*Element{textNode}
}

func (self *Tree) SetAttr(target *Element, key string, value string) {
	if strings.HasPrefix(key, EventSigil) {
		if target.bindings == nil {
			target.bindings = map[string]string{}
		}
		target.bindings[strings.TrimPrefix(key, EventSigil)] = value
		return
	}
	if key == "id" {
		if previous := target.Identity(); previous != "" && self.byId[previous] == target {
			delete(self.byId, previous)
		}
		target.setAttr(key, value)
		if value != "" {
			self.byId[value] = target
		}
		return
	}
	target.setAttr(key, value)
	if key == "value" && valueTags[target.Tag] {
		target.Value = value
		target.HasValue = true
	}
}

func (self *Tree) RemoveAttr(target *Element, key string) {
	if strings.HasPrefix(key, EventSigil) {
		delete(target.bindings, strings.TrimPrefix(key, EventSigil))
		return
	}
	if key == "id" {
		if previous := target.Identity(); previous != "" && self.byId[previous] == target {
			delete(self.byId, previous)
		}
	}
	target.removeAttr(key)
}

// InsertChildren splices built nodes into the parent at the significant
// index. A run of consecutive inserts arrives here as one fragment.
func (self *Tree) InsertChildren(parent *Element, index int, nodes []*VirtualNode) {
	slot, ok, boundary := childSlot(parent, index)
	if !ok {
		if !boundary {
			return
		}
		slot = len(parent.Children)
	}
	fragment := make([]*Element, 0, len(nodes))
	for _, node := range nodes {
		child := self.Build(node)
		child.parent = parent
		fragment = append(fragment, child)
	}
	parent.Children = append(parent.Children[:slot], append(fragment, parent.Children[slot:]...)...)
	for _, child := range fragment {
		self.index(child)
	}
}

func (self *Tree) RemoveChild(parent *Element, index int) bool {
	slot, ok, _ := childSlot(parent, index)
	if !ok {
		return false
	}
	child := parent.Children[slot]
	self.unindex(child)
	child.parent = nil
	parent.Children = append(parent.Children[:slot], parent.Children[slot+1:]...)
	return true
}

func (self *Tree) MoveChild(parent *Element, from int, to int) bool {
	fromSlot, ok, _ := childSlot(parent, from)
	if !ok {
		return false
	}
	child := parent.Children[fromSlot]
	parent.Children = append(parent.Children[:fromSlot], parent.Children[fromSlot+1:]...)
	toSlot, ok, boundary := childSlot(parent, to)
	if !ok {
		if !boundary {
			// restore and report failure
			parent.Children = append(parent.Children[:fromSlot], append([]*Element{child}, parent.Children[fromSlot:]...)...)
			return false
		}
		toSlot = len(parent.Children)
	}
	parent.Children = append(parent.Children[:toSlot], append([]*Element{child}, parent.Children[toSlot:]...)...)
	return true
}

func (self *Tree) RenderHtml() string {
	if self.root == nil {
		return ""
	}
	return self.root.String()
}

// RenderHtml renders the live tree for diagnostics and the ctl display.
func (self *Element) RenderHtml(out *strings.Builder) {
	if self.IsText() {
		out.WriteString(self.Text)
		return
	}
	out.WriteString("<")
	out.WriteString(self.Tag)
	for _, attr := range self.Attrs {
		fmt.Fprintf(out, " %s=\"%s\"", attr.Key, attr.Value)
	}
	out.WriteString(">")
	if voidTags[self.Tag] {
		return
	}
	for _, child := range self.Children {
		child.RenderHtml(out)
	}
	fmt.Fprintf(out, "</%s>", self.Tag)
}

func (self *Element) String() string {
	out := &strings.Builder{}
	self.RenderHtml(out)
	return out.String()
}
