package state

import (
	"errors"
	"fmt"
	"strconv"
)

// NodeId uniquely identifies a node for its lifetime. Comparison on NodeId is
// the final tie-break when no other signal distinguishes two candidates.
type NodeId uint32

func (n NodeId) String() string { return strconv.FormatUint(uint64(n), 10) }

// ErrUnknownLink is returned when a snapshot arrives through a link whose
// node is not adjacent in the local tree.
var ErrUnknownLink = errors.New("topology: snapshot from unknown link")

// NodeTree is one node of a topology snapshot. Trees received from peers are
// immutable snapshots; the store copies them on merge and never mutates them
// in place.
type NodeTree struct {
	NodeId   NodeId      `json:"nodeId" cbor:"1,keyasint"`
	Children []*NodeTree `json:"subs,omitempty" cbor:"2,keyasint,omitempty"`

	// subtreeSize is 1 + the sum of the children's sizes. It is maintained
	// by the store, not carried on the wire.
	subtreeSize int
}

// Size returns the number of nodes in this subtree.
func (t *NodeTree) Size() int {
	if t == nil {
		return 0
	}
	if t.subtreeSize == 0 {
		t.recount()
	}
	return t.subtreeSize
}

func (t *NodeTree) recount() int {
	n := 1
	for _, c := range t.Children {
		n += c.recount()
	}
	t.subtreeSize = n
	return n
}

// Copy returns a deep copy of the subtree, skipping any node whose id the
// exclude set claims. A duplicate node yields its whole subtree.
func (t *NodeTree) Copy(exclude map[NodeId]bool) *NodeTree {
	if t == nil || exclude[t.NodeId] {
		return nil
	}
	cp := &NodeTree{NodeId: t.NodeId}
	for _, c := range t.Children {
		if cc := c.Copy(exclude); cc != nil {
			cp.Children = append(cp.Children, cc)
		}
	}
	cp.recount()
	return cp
}

func (t *NodeTree) collect(into map[NodeId]bool) {
	if t == nil {
		return
	}
	into[t.NodeId] = true
	for _, c := range t.Children {
		c.collect(into)
	}
}

// Validate checks the snapshot invariants: every node id appears at most
// once, and each subtree size is 1 + the sum of its children's sizes.
func (t *NodeTree) Validate() error {
	seen := make(map[NodeId]bool)
	return t.validate(seen)
}

func (t *NodeTree) validate(seen map[NodeId]bool) error {
	if t == nil {
		return nil
	}
	if seen[t.NodeId] {
		return fmt.Errorf("topology: duplicate node id %d", t.NodeId)
	}
	seen[t.NodeId] = true
	want := 1
	for _, c := range t.Children {
		if err := c.validate(seen); err != nil {
			return err
		}
		want += c.subtreeSize
	}
	if t.subtreeSize != 0 && t.subtreeSize != want {
		return fmt.Errorf("topology: node %d subtree size %d, want %d", t.NodeId, t.subtreeSize, want)
	}
	return nil
}

// Topology holds the locally known spanning tree. The root is always the
// local node; each child of the root is the subtree reachable through one
// adjacent link. The store holds only node ids, never transport handles, so
// the connection manager keeps exclusive ownership of the sockets.
//
// Reads from outside the main loop go through the bounded-wait lock.
type Topology struct {
	mu   *TimedMutex
	self NodeId
	root *NodeTree
}

func NewTopology(self NodeId) *Topology {
	return &Topology{
		mu:   NewTimedMutex(),
		self: self,
		root: &NodeTree{NodeId: self, subtreeSize: 1},
	}
}

func (t *Topology) Self() NodeId { return t.self }

// lock acquires the store lock with the bounded wait. Callers that cannot
// acquire it defer to the next scheduler tick.
func (t *Topology) lock() bool {
	return t.mu.TryLockTimeout(LockTimeout)
}

// Equal reports whether two snapshots describe the same tree: same node ids
// with the same parent/child relationships, ignoring child order.
func (t *NodeTree) Equal(o *NodeTree) bool {
	if t == nil || o == nil {
		return t == o
	}
	if t.NodeId != o.NodeId || len(t.Children) != len(o.Children) {
		return false
	}
	byId := make(map[NodeId]*NodeTree, len(o.Children))
	for _, c := range o.Children {
		byId[c.NodeId] = c
	}
	for _, c := range t.Children {
		oc, ok := byId[c.NodeId]
		if !ok || !c.Equal(oc) {
			return false
		}
	}
	return true
}

// Merge replaces the subtree reachable through the adjacent node via with the
// received snapshot. The replacement is atomic: either the whole subtree is
// swapped or nothing changes. A merge through a link that is not adjacent is
// rejected with ErrUnknownLink. Nodes of the incoming snapshot that collide
// with ids already present elsewhere in the tree are pruned so a snapshot can
// never introduce a duplicate id or a cycle. The returned bool reports
// whether the tree actually changed, which gates further propagation.
func (t *Topology) Merge(snapshot *NodeTree, via NodeId) (bool, error) {
	if !t.lock() {
		return false, errLockBusy
	}
	defer t.mu.Unlock()

	idx := -1
	for i, c := range t.root.Children {
		if c.NodeId == via {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, fmt.Errorf("%w: %d", ErrUnknownLink, via)
	}

	// ids claimed outside the subtree being replaced, including self
	outside := make(map[NodeId]bool)
	outside[t.self] = true
	for i, c := range t.root.Children {
		if i != idx {
			c.collect(outside)
		}
	}

	merged := snapshot.Copy(outside)
	if merged == nil || merged.NodeId != via {
		return false, fmt.Errorf("topology: snapshot via %d does not root at that node", via)
	}
	if t.root.Children[idx].Equal(merged) {
		return false, nil
	}
	t.root.Children[idx] = merged
	t.root.recount()
	return true, nil
}

// AddLink inserts a new adjacent subtree, replacing any previous subtree
// rooted at the same node. Called when a handshake completes. Reports whether
// the tree changed.
func (t *Topology) AddLink(snapshot *NodeTree) (bool, error) {
	if snapshot == nil {
		return false, errors.New("topology: nil snapshot")
	}
	if !t.lock() {
		return false, errLockBusy
	}
	defer t.mu.Unlock()

	var prev *NodeTree
	for i, c := range t.root.Children {
		if c.NodeId == snapshot.NodeId {
			prev = c
			t.root.Children = append(t.root.Children[:i], t.root.Children[i+1:]...)
			break
		}
	}
	outside := make(map[NodeId]bool)
	outside[t.self] = true
	for _, c := range t.root.Children {
		c.collect(outside)
	}
	merged := snapshot.Copy(outside)
	if merged == nil {
		return false, errors.New("topology: snapshot collapsed to nothing")
	}
	t.root.Children = append(t.root.Children, merged)
	t.root.recount()
	return !merged.Equal(prev), nil
}

// RemoveLink drops the subtree reachable through the adjacent node via.
func (t *Topology) RemoveLink(via NodeId) {
	if !t.lock() {
		return
	}
	defer t.mu.Unlock()
	for i, c := range t.root.Children {
		if c.NodeId == via {
			t.root.Children = append(t.root.Children[:i], t.root.Children[i+1:]...)
			t.root.recount()
			return
		}
	}
}

// Size returns the number of nodes currently known, including self.
func (t *Topology) Size() int {
	if !t.lock() {
		return 0
	}
	defer t.mu.Unlock()
	return t.root.Size()
}

// Contains reports whether the node is known in the current tree.
func (t *Topology) Contains(id NodeId) bool {
	if !t.lock() {
		return false
	}
	defer t.mu.Unlock()
	return t.contains(t.root, id)
}

func (t *Topology) contains(n *NodeTree, id NodeId) bool {
	if n == nil {
		return false
	}
	if n.NodeId == id {
		return true
	}
	for _, c := range n.Children {
		if t.contains(c, id) {
			return true
		}
	}
	return false
}

// HopCount returns the number of hops from the local node to id by
// breadth-first search, or -1 if the node is not known.
func (t *Topology) HopCount(id NodeId) int {
	if !t.lock() {
		return -1
	}
	defer t.mu.Unlock()

	type entry struct {
		n    *NodeTree
		dist int
	}
	queue := []entry{{t.root, 0}}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		if e.n.NodeId == id {
			return e.dist
		}
		for _, c := range e.n.Children {
			queue = append(queue, entry{c, e.dist + 1})
		}
	}
	return -1
}

// NextHop returns the adjacent node whose subtree contains dest, which is the
// next hop for tree-routed traffic. ok is false when dest is unknown or is
// the local node.
func (t *Topology) NextHop(dest NodeId) (NodeId, bool) {
	if !t.lock() {
		return 0, false
	}
	defer t.mu.Unlock()
	for _, c := range t.root.Children {
		if t.contains(c, dest) {
			return c.NodeId, true
		}
	}
	return 0, false
}

// SubtreeSize returns the size of the subtree rooted at id, or 0 when the
// node is not known. Used to balance parent selection.
func (t *Topology) SubtreeSize(id NodeId) int {
	if !t.lock() {
		return 0
	}
	defer t.mu.Unlock()
	n := t.find(t.root, id)
	if n == nil {
		return 0
	}
	return n.Size()
}

func (t *Topology) find(n *NodeTree, id NodeId) *NodeTree {
	if n == nil {
		return nil
	}
	if n.NodeId == id {
		return n
	}
	for _, c := range n.Children {
		if f := t.find(c, id); f != nil {
			return f
		}
	}
	return nil
}

// Adjacent returns the ids of the directly connected nodes.
func (t *Topology) Adjacent() []NodeId {
	if !t.lock() {
		return nil
	}
	defer t.mu.Unlock()
	out := make([]NodeId, 0, len(t.root.Children))
	for _, c := range t.root.Children {
		out = append(out, c.NodeId)
	}
	return out
}

// Snapshot produces an immutable copy of the tree for transmission to peers.
// Peers merge the copy; nothing ever aliases the live tree. A nil return
// means the store lock was busy; the caller defers to the next tick rather
// than transmit a fabricated tree.
func (t *Topology) Snapshot() *NodeTree {
	if !t.lock() {
		return nil
	}
	defer t.mu.Unlock()
	return t.root.Copy(nil)
}

// SnapshotFor produces the snapshot sent to the adjacent node via: the local
// tree with the subtree owned by via removed, since via already owns that
// side of the mesh. Returns nil when the store lock is busy.
func (t *Topology) SnapshotFor(via NodeId) *NodeTree {
	if !t.lock() {
		return nil
	}
	defer t.mu.Unlock()
	cp := &NodeTree{NodeId: t.self}
	for _, c := range t.root.Children {
		if c.NodeId == via {
			continue
		}
		cp.Children = append(cp.Children, c.Copy(nil))
	}
	cp.recount()
	return cp
}

// Validate checks the tree invariants. Used after merges in tests.
func (t *Topology) Validate() error {
	if !t.lock() {
		return errLockBusy
	}
	defer t.mu.Unlock()
	return t.root.Validate()
}

var errLockBusy = errors.New("topology: lock busy, deferred")
