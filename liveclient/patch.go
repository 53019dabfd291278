package liveclient

import (
	"strconv"
	"strings"
)

// patch operations addressed by structural path. `Path` addresses the
// parent for the child-mutating variants and the node itself otherwise.

type PatchType string

const (
	PatchReplace     PatchType = "Replace"
	PatchSetText     PatchType = "SetText"
	PatchSetAttr     PatchType = "SetAttr"
	PatchRemoveAttr  PatchType = "RemoveAttr"
	PatchInsertChild PatchType = "InsertChild"
	PatchRemoveChild PatchType = "RemoveChild"
	PatchMoveChild   PatchType = "MoveChild"
)

type Patch struct {
	Type PatchType `json:"type"`
	Path []int     `json:"path"`
	// optional identity hint for recovery
	D     string       `json:"d,omitempty"`
	Node  *VirtualNode `json:"node,omitempty"`
	Text  string       `json:"text,omitempty"`
	Key   string       `json:"key,omitempty"`
	Value string       `json:"value,omitempty"`
	Index int          `json:"index,omitempty"`
	From  int          `json:"from,omitempty"`
	To    int          `json:"to,omitempty"`
}

// the child-mutating variants, where `Path` addresses the parent
func (self *Patch) ParentAddressed() bool {
	switch self.Type {
	case PatchInsertChild, PatchRemoveChild, PatchMoveChild:
		return true
	}
	return false
}

// structural variants are eligible for boundary skip. attribute and text
// patches on an unresolvable path are hard failures.
func (self *Patch) Structural() bool {
	switch self.Type {
	case PatchReplace, PatchInsertChild, PatchRemoveChild, PatchMoveChild:
		return true
	}
	return false
}

// target identity for recovery strategy 1: the explicit hint, an id or
// list key on the replacement node, or a SetAttr writing the id itself
func (self *Patch) TargetIdentity() string {
	if self.D != "" {
		return self.D
	}
	if self.Type == PatchReplace && self.Node != nil {
		return self.Node.Identity()
	}
	if self.Type == PatchSetAttr && self.Key == "id" {
		return self.Value
	}
	return ""
}

// the path of the parent whose child list this patch mutates
func (self *Patch) parentPath() []int {
	if self.ParentAddressed() {
		return self.Path
	}
	if len(self.Path) == 0 {
		return nil
	}
	return self.Path[:len(self.Path)-1]
}

func pathKey(path []int) string {
	parts := make([]string, len(path))
	for i, index := range path {
		parts[i] = strconv.Itoa(index)
	}
	return strings.Join(parts, ".")
}
