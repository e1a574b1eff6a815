package core

import (
	"fmt"
	"time"

	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
	"github.com/google/uuid"
)

// ConnState is the lifecycle of one adjacent link.
type ConnState int

const (
	Connecting ConnState = iota
	Connected
	Retrying
	Closed
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Connection represents one adjacent link. The manager owns the transport
// handle exclusively; the topology store only ever sees the node id.
type Connection struct {
	Remote     state.NodeId // zero until the handshake completes
	Addr       string       // non-empty for outbound links
	Link       transport.Link
	State      ConnState
	RetryCount int

	retryTask *state.ScheduledTask
}

// ConnMgr owns one session per directly adjacent node and drives
// connect/retry/backoff/cleanup. Topology changes feed into the store on
// handshake completion and link loss.
type ConnMgr struct {
	NewTransport TransportFactory

	tr     transport.Transport
	conns  map[uuid.UUID]*Connection
	byNode map[state.NodeId]*Connection
	parent *Connection // the single outbound link toward the rest of the tree

	// failed handles torn down one at a time, spaced by CleanupSpacing; the
	// transport cannot safely tear down multiple handles at once
	cleanupQ        []transport.Link
	cleanupDraining bool

	lastParent       state.NodeId
	lastParentChange time.Time
}

func (m *ConnMgr) Init(s *state.State) error {
	s.Log.Debug("init connection manager")
	m.conns = make(map[uuid.UUID]*Connection)
	m.byNode = make(map[state.NodeId]*Connection)

	cb := transport.Callbacks{
		OnConnected: func(l transport.Link) {
			s.Dispatch(func(s *state.State) error { return m.handleConnected(s, l) })
		},
		OnData: func(l transport.Link, frame []byte) {
			s.Dispatch(func(s *state.State) error {
				return Get[*Router](s).HandleFrame(s, l, frame)
			})
		},
		OnError: func(l transport.Link, err error) {
			s.Dispatch(func(s *state.State) error { return m.handleLinkDown(s, l, err) })
		},
		OnClosed: func(l transport.Link) {
			s.Dispatch(func(s *state.State) error { return m.handleLinkDown(s, l, nil) })
		},
		OnDialError: func(addr string, err error) {
			s.Dispatch(func(s *state.State) error { return m.handleDialError(s, addr, err) })
		},
	}

	if m.NewTransport != nil {
		m.tr = m.NewTransport(s.Context, cb)
	} else {
		m.tr = transport.NewTCPTransport(s.Context, cb)
	}

	if err := m.tr.Listen(fmt.Sprintf(":%d", s.LocalCfg.Port)); err != nil {
		return err
	}

	s.Env.RepeatTask(m.probe, state.TopologySyncDelay)
	return nil
}

func (m *ConnMgr) Cleanup(s *state.State) error {
	for _, c := range m.conns {
		if c.retryTask != nil {
			c.retryTask.Cancel()
		}
		if c.Link != nil {
			c.Link.Close()
		}
	}
	if m.parent != nil && m.parent.retryTask != nil {
		m.parent.retryTask.Cancel()
	}
	for _, l := range m.cleanupQ {
		l.Close()
	}
	return m.tr.Close()
}

// probe maintains the single outbound parent link. Children reach us as
// inbound links; the parent is our path toward the rest of the tree, so at
// most one outbound session exists at a time.
func (m *ConnMgr) probe(s *state.State) error {
	if m.parent != nil && m.parent.State != Closed {
		return nil
	}
	peer, ok := m.chooseParent(s)
	if !ok {
		return nil
	}
	m.connectParent(s, peer)
	return nil
}

// chooseParent picks the peer to join through: the candidate owning the
// smallest known subtree, ties broken by lower node id. Near-equal subtree
// sizes flap, so a previous choice is kept until the hysteresis window
// elapses.
func (m *ConnMgr) chooseParent(s *state.State) (state.PeerCfg, bool) {
	var best state.PeerCfg
	bestSize := -1
	for _, p := range s.MeshCfg.Peers {
		if p.Id == s.LocalCfg.Id {
			continue
		}
		if c, ok := m.byNode[p.Id]; ok && c.State == Connected {
			// already adjacent (our child); not a parent candidate
			continue
		}
		size := s.Topology.SubtreeSize(p.Id)
		if bestSize == -1 || size < bestSize || (size == bestSize && p.Id < best.Id) {
			best = p
			bestSize = size
		}
	}
	if bestSize == -1 {
		return state.PeerCfg{}, false
	}
	if m.lastParent != 0 && m.lastParent != best.Id &&
		time.Since(m.lastParentChange) < state.ParentHysteresis {
		for _, p := range s.MeshCfg.Peers {
			if p.Id == m.lastParent {
				return p, true
			}
		}
	}
	if best.Id != m.lastParent {
		m.lastParent = best.Id
		m.lastParentChange = time.Now()
	}
	return best, true
}

func (m *ConnMgr) connectParent(s *state.State, peer state.PeerCfg) {
	s.Log.Debug("connecting to parent", "peer", peer.Id, "addr", peer.Addr)
	if m.parent == nil || m.parent.Addr != peer.Addr {
		m.parent = &Connection{Addr: peer.Addr, State: Connecting}
	} else {
		m.parent.State = Connecting
	}
	m.tr.Connect(peer.Addr)
}

func (m *ConnMgr) handleConnected(s *state.State, l transport.Link) error {
	conn := &Connection{Link: l, State: Connecting}
	if !l.IsInbound() && m.parent != nil && m.parent.Addr == l.RemoteAddr() {
		conn = m.parent
		conn.Link = l
		conn.State = Connecting
		if conn.retryTask != nil {
			conn.retryTask.Cancel()
			conn.retryTask = nil
		}
	}
	m.conns[l.Id()] = conn
	// a link that never completes its sync exchange is torn down
	s.Env.ScheduleTask(func(s *state.State) error {
		if c, ok := m.conns[l.Id()]; ok && c.Remote == 0 {
			s.Log.Warn("handshake timed out", "link", l.Id())
			delete(m.conns, l.Id())
			m.deferCleanup(s, l)
			c.Link = nil
			if c == m.parent {
				m.scheduleRetry(s, c)
			}
		}
		return nil
	}, state.HandshakeTimeout)
	// handshake: offer our topology, the reply completes the exchange
	return Get[*Router](s).sendSync(s, l, true)
}

// BindNode completes the handshake for a link: the remote id is learned from
// the first sync envelope and the received snapshot is merged into the store.
func (m *ConnMgr) BindNode(s *state.State, l transport.Link, id state.NodeId, tree *state.NodeTree) error {
	conn, ok := m.conns[l.Id()]
	if !ok {
		return fmt.Errorf("connmgr: sync on unknown link %s", l.Id())
	}
	if existing, ok := m.byNode[id]; ok && existing != conn {
		// simultaneous connect in both directions; keep the established link
		s.Log.Debug("duplicate link to node, closing newcomer", "node", id)
		delete(m.conns, l.Id())
		m.deferCleanup(s, l)
		return nil
	}
	conn.Remote = id
	conn.State = Connected
	conn.RetryCount = 0
	m.byNode[id] = conn

	changed, err := s.Topology.AddLink(tree)
	if err != nil {
		return err
	}
	s.Log.Info("new connection", "node", id, "inbound", l.IsInbound())
	if changed {
		Get[*Router](s).propagateTopology(s, l.Id())
	}
	Get[*Bridge](s).NoteTopologyChange(s)
	return nil
}

// MergeFrom applies a later topology snapshot from an established neighbour.
func (m *ConnMgr) MergeFrom(s *state.State, l transport.Link, tree *state.NodeTree) error {
	conn, ok := m.conns[l.Id()]
	if !ok || conn.Remote == 0 {
		return state.ErrUnknownLink
	}
	changed, err := s.Topology.Merge(tree, conn.Remote)
	if err != nil {
		return err
	}
	if changed {
		Get[*Router](s).propagateTopology(s, l.Id())
	}
	return nil
}

func (m *ConnMgr) handleLinkDown(s *state.State, l transport.Link, cause error) error {
	conn, ok := m.conns[l.Id()]
	if !ok {
		return nil
	}
	delete(m.conns, l.Id())
	if conn.Remote != 0 {
		if m.byNode[conn.Remote] == conn {
			delete(m.byNode, conn.Remote)
		}
		s.Topology.RemoveLink(conn.Remote)
		s.Log.Info("dropped connection", "node", conn.Remote, "cause", cause)
		Get[*Router](s).propagateTopology(s, uuid.Nil)
		Get[*Bridge](s).NoteTopologyChange(s)
	}
	m.deferCleanup(s, l)
	conn.Link = nil
	if conn == m.parent {
		m.scheduleRetry(s, conn)
	}
	return nil
}

func (m *ConnMgr) handleDialError(s *state.State, addr string, err error) error {
	if m.parent == nil || m.parent.Addr != addr {
		return nil
	}
	s.Log.Debug("dial failed", "addr", addr, "error", err)
	m.scheduleRetry(s, m.parent)
	return nil
}

// scheduleRetry arms the one-shot retry timer for a failed outbound link.
// The delay grows as base x min(2^retryCount, 8); reaching the maximum retry
// count triggers the longer exhaustion delay before the link is abandoned
// and a fresh mesh join is requested. The timer is armed in delayed mode
// only: firing immediately silently defeats the backoff.
func (m *ConnMgr) scheduleRetry(s *state.State, conn *Connection) {
	if conn.retryTask != nil {
		conn.retryTask.Cancel()
	}
	if conn.RetryCount >= state.MaxRetries {
		s.Log.Warn("link retries exhausted, requesting fresh mesh join", "addr", conn.Addr)
		conn.State = Closed
		conn.retryTask = s.Env.ScheduleTask(func(s *state.State) error {
			s.Cancel(ErrRejoinRequested)
			return nil
		}, state.ExhaustionDelay)
		return
	}
	mult := 1 << conn.RetryCount
	if mult > state.RetryBackoffCap {
		mult = state.RetryBackoffCap
	}
	delay := time.Duration(mult) * state.RetryBaseDelay
	conn.State = Retrying
	conn.RetryCount++
	s.Log.Debug("scheduling retry", "addr", conn.Addr, "attempt", conn.RetryCount, "delay", delay)
	conn.retryTask = s.Env.ScheduleTask(func(s *state.State) error {
		conn.State = Connecting
		m.tr.Connect(conn.Addr)
		return nil
	}, delay)
}

// deferCleanup queues a failed handle for teardown. Handles are closed one at
// a time with a minimum spacing between closes; running cleanups back-to-back
// is not safe for the underlying transport.
func (m *ConnMgr) deferCleanup(s *state.State, l transport.Link) {
	m.cleanupQ = append(m.cleanupQ, l)
	if m.cleanupDraining {
		return
	}
	m.cleanupDraining = true
	s.Env.ScheduleTask(m.drainCleanup, state.CleanupSpacing)
}

func (m *ConnMgr) drainCleanup(s *state.State) error {
	if len(m.cleanupQ) == 0 {
		m.cleanupDraining = false
		return nil
	}
	l := m.cleanupQ[0]
	m.cleanupQ = m.cleanupQ[1:]
	if err := l.Close(); err != nil {
		s.Log.Debug("cleanup close failed", "link", l.Id(), "error", err)
	}
	if len(m.cleanupQ) > 0 {
		s.Env.ScheduleTask(m.drainCleanup, state.CleanupSpacing)
	} else {
		m.cleanupDraining = false
	}
	return nil
}

// LinkFor returns the established link to an adjacent node.
func (m *ConnMgr) LinkFor(id state.NodeId) (transport.Link, bool) {
	c, ok := m.byNode[id]
	if !ok || c.State != Connected || c.Link == nil {
		return nil, false
	}
	return c.Link, true
}

// NodeFor returns the remote node id bound to a link.
func (m *ConnMgr) NodeFor(linkId uuid.UUID) (state.NodeId, bool) {
	c, ok := m.conns[linkId]
	if !ok || c.Remote == 0 {
		return 0, false
	}
	return c.Remote, true
}

// AdjacentLinks returns every established link except the given one.
func (m *ConnMgr) AdjacentLinks(except uuid.UUID) []transport.Link {
	out := make([]transport.Link, 0, len(m.byNode))
	for _, c := range m.byNode {
		if c.State != Connected || c.Link == nil || c.Link.Id() == except {
			continue
		}
		out = append(out, c.Link)
	}
	return out
}

// HasConnections reports whether any adjacent link is established.
func (m *ConnMgr) HasConnections() bool {
	for _, c := range m.byNode {
		if c.State == Connected {
			return true
		}
	}
	return false
}
