package engine

// forkBridge tracks pending fork relationships: child sessions whose
// outcome a parent conversation is waiting on. A session may be the
// child of at most one pending bridge at a time. The bridge is guarded
// by the engine's apply mutex and is not safe for concurrent use on
// its own.
type forkBridge struct {
	parents map[string]string // child id -> parent id
}

func newForkBridge() *forkBridge {
	return &forkBridge{parents: make(map[string]string)}
}

// parent returns the parent the child is bridged to.
func (f *forkBridge) parent(childID string) (string, bool) {
	parentID, ok := f.parents[childID]
	return parentID, ok
}

// register associates a child with its parent. Replacement of an
// existing bridge is the caller's decision; register itself always
// overwrites.
func (f *forkBridge) register(childID, parentID string) {
	f.parents[childID] = parentID
}

// release removes the child's pending bridge, reporting whether one
// existed.
func (f *forkBridge) release(childID string) bool {
	if _, ok := f.parents[childID]; !ok {
		return false
	}
	delete(f.parents, childID)
	return true
}

// releaseChildren removes every bridge whose parent is the given
// session and returns the orphaned child ids.
func (f *forkBridge) releaseChildren(parentID string) []string {
	var children []string
	for childID, pid := range f.parents {
		if pid == parentID {
			children = append(children, childID)
		}
	}
	for _, childID := range children {
		delete(f.parents, childID)
	}
	return children
}
