package core

import (
	"github.com/cedarmesh/cedar/state"
)

// Mesh is the application-facing surface of a running node. Its methods are
// safe from any goroutine; operations touching connection state hop onto the
// main loop.
type Mesh struct {
	s *state.State
}

// NewMesh wraps a running node state.
func NewMesh(s *state.State) *Mesh {
	return &Mesh{s: s}
}

// Self returns the local node id.
func (m *Mesh) Self() state.NodeId {
	return m.s.LocalCfg.Id
}

// Size returns the number of currently known nodes, including self.
func (m *Mesh) Size() int {
	return m.s.Topology.Size()
}

// Contains reports whether the node is currently reachable through the tree.
func (m *Mesh) Contains(id state.NodeId) bool {
	return m.s.Topology.Contains(id)
}

// HopCount returns the distance in hops to a node, or -1 if unknown.
func (m *Mesh) HopCount(id state.NodeId) int {
	return m.s.Topology.HopCount(id)
}

// Adjacent returns the directly connected node ids.
func (m *Mesh) Adjacent() []state.NodeId {
	return m.s.Topology.Adjacent()
}

// Snapshot returns a copy of the known tree, or nil when the store is
// momentarily busy.
func (m *Mesh) Snapshot() *state.NodeTree {
	return m.s.Topology.Snapshot()
}

// SendSingle delivers an opaque payload to one node across the tree.
func (m *Mesh) SendSingle(dest state.NodeId, payload []byte) error {
	_, err := m.s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*Router](s).SendSingle(s, dest, payload)
	})
	return err
}

// SendBroadcast delivers an opaque payload to every node in the tree. The
// sender does not receive its own broadcast.
func (m *Mesh) SendBroadcast(payload []byte) error {
	_, err := m.s.DispatchWait(func(s *state.State) (any, error) {
		return nil, Get[*Router](s).SendBroadcast(s, payload)
	})
	return err
}

// OnReceive registers the receive callback for application payloads.
func (m *Mesh) OnReceive(fn ReceiveFunc) {
	m.s.DispatchWait(func(s *state.State) (any, error) {
		Get[*Router](s).OnReceive(fn)
		return nil, nil
	})
}

// PrimaryBridge returns the current primary internet gateway, if any.
func (m *Mesh) PrimaryBridge() (state.NodeId, bool) {
	b := Get[*Bridge](m.s)
	return b.PrimaryBridge()
}

// BridgeList returns the node ids of all known bridges.
func (m *Mesh) BridgeList() []state.NodeId {
	return Get[*Bridge](m.s).BridgeList()
}

// IsBridge reports whether the local node acts as a bridge.
func (m *Mesh) IsBridge() bool {
	return Get[*Bridge](m.s).IsBridge()
}

// Enqueue buffers an internet-bound payload until a gateway is reachable.
// It reports false when the queue refused the message.
func (m *Mesh) Enqueue(payload []byte, prio Priority) bool {
	return Get[*Queue](m.s).Enqueue(payload, prio)
}

// QueueStats returns the store-and-forward queue counters.
func (m *Mesh) QueueStats() QueueStats {
	return Get[*Queue](m.s).Stats()
}

// RouterStats returns the delivered/forwarded/rejected counters.
func (m *Mesh) RouterStats() (delivered, forwarded, rejected uint64) {
	res, _ := m.s.DispatchWait(func(s *state.State) (any, error) {
		d, f, r := Get[*Router](s).Stats()
		return [3]uint64{d, f, r}, nil
	})
	if res == nil {
		return 0, 0, 0
	}
	c := res.([3]uint64)
	return c[0], c[1], c[2]
}
