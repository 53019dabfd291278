package liveclient

import (
	"sort"

	"github.com/golang/glog"
)

// reconciliation engine. applies an ordered patch batch to the live tree
// with the recovery chain: identity lookup, boundary skip, hard failure.
//
// exactly one apply pass runs at a time. the runtime dispatch guarantees
// this; Apply is not reentrant.

type PatchOutcome int

const (
	PatchApplied PatchOutcome = iota
	PatchSkipped
	PatchFailed
)

type ReconcilerSettings struct {
	// batches at or under this size are applied one patch at a time
	SmallBatchLimit int
	// minimum run of consecutive-index inserts combined into one fragment
	InsertRunLimit int
}

func DefaultReconcilerSettings() *ReconcilerSettings {
	return &ReconcilerSettings{
		SmallBatchLimit: 10,
		InsertRunLimit:  3,
	}
}

type ApplyResult struct {
	Applied int
	Skipped int
	Failed  int
}

func (self ApplyResult) Total() int {
	return self.Applied + self.Skipped + self.Failed
}

// the batch fails only when failures exceed half the total patch count.
// skips are expected outcomes of conditionally-removed content and never
// count toward the ratio.
func (self ApplyResult) Success() bool {
	return 2*self.Failed <= self.Total()
}

type Reconciler struct {
	tree     *Tree
	settings *ReconcilerSettings
}

func NewReconciler(tree *Tree, settings *ReconcilerSettings) *Reconciler {
	return &Reconciler{
		tree:     tree,
		settings: settings,
	}
}

func NewReconcilerWithDefaults(tree *Tree) *Reconciler {
	return NewReconciler(tree, DefaultReconcilerSettings())
}

// Apply applies a batch in order, honoring the sort invariant for
// removals and combining insert runs for large batches. A false result
// means the tree can no longer be trusted and the caller must escalate.
func (self *Reconciler) Apply(batch []Patch) (ApplyResult, bool) {
	result := ApplyResult{}
	if len(batch) == 0 {
		return result, true
	}

	ordered := orderRemovals(batch)

	if len(ordered) <= self.settings.SmallBatchLimit {
		for i := range ordered {
			self.count(&result, self.applyOne(&ordered[i]))
		}
	} else {
		for _, group := range groupByParent(ordered) {
			self.applyGroup(group, &result)
		}
	}

	if !result.Success() {
		glog.Infof("[rec]batch failed %d/%d (skipped %d)\n", result.Failed, result.Total(), result.Skipped)
	}
	return result, result.Success()
}

func (self *Reconciler) count(result *ApplyResult, outcome PatchOutcome) {
	switch outcome {
	case PatchApplied:
		result.Applied += 1
		metricPatches.WithLabelValues("applied").Inc()
	case PatchSkipped:
		result.Skipped += 1
		metricPatches.WithLabelValues("skipped").Inc()
	case PatchFailed:
		result.Failed += 1
		metricPatches.WithLabelValues("failed").Inc()
	}
}

// RemoveChild patches on the same parent are sorted by descending index
// so earlier removals do not shift the indices later removals rely on.
// All other patches keep their positions.
func orderRemovals(batch []Patch) []Patch {
	ordered := make([]Patch, len(batch))
	copy(ordered, batch)

	removalSlots := map[string][]int{}
	for i := range ordered {
		if ordered[i].Type == PatchRemoveChild {
			key := pathKey(ordered[i].Path)
			removalSlots[key] = append(removalSlots[key], i)
		}
	}
	for _, slots := range removalSlots {
		if len(slots) < 2 {
			continue
		}
		removals := make([]Patch, len(slots))
		for i, slot := range slots {
			removals[i] = ordered[slot]
		}
		sort.SliceStable(removals, func(a int, b int) bool {
			return removals[a].Index > removals[b].Index
		})
		for i, slot := range slots {
			ordered[slot] = removals[i]
		}
	}
	return ordered
}

type patchGroup struct {
	parentKey string
	patches   []Patch
}

// group patches by the parent whose child list they touch, preserving
// first-seen order between groups and batch order within a group
func groupByParent(batch []Patch) []*patchGroup {
	groups := []*patchGroup{}
	byKey := map[string]*patchGroup{}
	for _, patch := range batch {
		key := pathKey(patch.parentPath())
		group, ok := byKey[key]
		if !ok {
			group = &patchGroup{parentKey: key}
			byKey[key] = group
			groups = append(groups, group)
		}
		group.patches = append(group.patches, patch)
	}
	return groups
}

// applyGroup applies a parent group, collapsing runs of three or more
// InsertChild patches with consecutive indices into a single fragment
// insertion at the run's first index.
func (self *Reconciler) applyGroup(group *patchGroup, result *ApplyResult) {
	patches := group.patches
	for i := 0; i < len(patches); {
		patch := &patches[i]
		if patch.Type != PatchInsertChild {
			self.count(result, self.applyOne(patch))
			i += 1
			continue
		}
		run := 1
		for i+run < len(patches) {
			next := &patches[i+run]
			if next.Type != PatchInsertChild || next.Index != patch.Index+run {
				break
			}
			run += 1
		}
		if run < self.settings.InsertRunLimit {
			for j := 0; j < run; j += 1 {
				self.count(result, self.applyOne(&patches[i+j]))
			}
			i += run
			continue
		}
		nodes := make([]*VirtualNode, run)
		for j := 0; j < run; j += 1 {
			nodes[j] = patches[i+j].Node
		}
		outcome := self.insertFragment(patch, nodes)
		for j := 0; j < run; j += 1 {
			self.count(result, outcome)
		}
		i += run
	}
}

// resolve walks the structural path. boundary reports whether the first
// failing step was exactly one past the end of a child list.
func (self *Reconciler) resolve(path []int) (element *Element, ok bool, boundary bool) {
	current := self.tree.Root()
	for _, index := range path {
		children := current.SignificantChildren()
		if index < len(children) {
			current = children[index]
			continue
		}
		return nil, false, index == len(children)
	}
	return current, true, false
}

func (self *Reconciler) applyOne(patch *Patch) PatchOutcome {
	if patch.ParentAddressed() {
		return self.applyChildMutation(patch)
	}
	target, ok, boundary := self.resolve(patch.Path)
	if !ok {
		// recovery 1: identity lookup
		if identity := patch.TargetIdentity(); identity != "" {
			if found := self.tree.ElementById(identity); found != nil {
				target = found
				ok = true
			}
		}
	}
	if !ok {
		// recovery 2: boundary skip, structural patches only
		if boundary && patch.Structural() {
			glog.V(2).Infof("[rec]skip %s %s\n", patch.Type, pathKey(patch.Path))
			return PatchSkipped
		}
		glog.V(2).Infof("[rec]fail %s %s\n", patch.Type, pathKey(patch.Path))
		return PatchFailed
	}

	switch patch.Type {
	case PatchReplace:
		if patch.Node == nil {
			return PatchFailed
		}
		self.tree.ReplaceNode(target, patch.Node)
	case PatchSetText:
		self.tree.SetText(target, patch.Text)
	case PatchSetAttr:
		self.tree.SetAttr(target, patch.Key, patch.Value)
	case PatchRemoveAttr:
		self.tree.RemoveAttr(target, patch.Key)
	default:
		return PatchFailed
	}
	return PatchApplied
}

// resolveParent resolves the parent a child mutation addresses, trying
// the explicit identity hint before boundary classification. The hint
// names the parent here, not the child being mutated.
func (self *Reconciler) resolveParent(patch *Patch) (parent *Element, ok bool, boundary bool) {
	parent, ok, boundary = self.resolve(patch.Path)
	if !ok && patch.D != "" {
		if found := self.tree.ElementById(patch.D); found != nil {
			return found, true, false
		}
	}
	return parent, ok, boundary
}

func (self *Reconciler) applyChildMutation(patch *Patch) PatchOutcome {
	parent, ok, boundary := self.resolveParent(patch)
	if !ok {
		if boundary {
			return PatchSkipped
		}
		return PatchFailed
	}

	children := parent.SignificantChildren()
	switch patch.Type {
	case PatchInsertChild:
		if patch.Node == nil {
			return PatchFailed
		}
		if patch.Index > len(children) {
			return PatchFailed
		}
		self.tree.InsertChildren(parent, patch.Index, []*VirtualNode{patch.Node})
		return PatchApplied
	case PatchRemoveChild:
		if patch.Index == len(children) {
			// expected outcome of conditionally-removed content
			return PatchSkipped
		}
		if !self.tree.RemoveChild(parent, patch.Index) {
			return PatchFailed
		}
		return PatchApplied
	case PatchMoveChild:
		if patch.From == len(children) {
			return PatchSkipped
		}
		if !self.tree.MoveChild(parent, patch.From, patch.To) {
			return PatchFailed
		}
		return PatchApplied
	}
	return PatchFailed
}

func (self *Reconciler) insertFragment(first *Patch, nodes []*VirtualNode) PatchOutcome {
	parent, ok, boundary := self.resolveParent(first)
	if !ok {
		if boundary {
			return PatchSkipped
		}
		return PatchFailed
	}
	if first.Index > len(parent.SignificantChildren()) {
		return PatchFailed
	}
	self.tree.InsertChildren(parent, first.Index, nodes)
	return PatchApplied
}
