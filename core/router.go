package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/cedarmesh/cedar/protocol"
	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
	"github.com/google/uuid"
)

// Handler processes one locally delivered envelope kind.
type Handler func(s *state.State, env *protocol.Envelope, l transport.Link) error

// ReceiveFunc is the application layer's receive callback.
type ReceiveFunc func(from state.NodeId, payload []byte)

// Router classifies and forwards envelopes across the tree: direct delivery,
// single destination via the tree, or tree-wide broadcast. Loop avoidance for
// broadcasts comes from the tree structure itself, not a seen-set.
type Router struct {
	codec    protocol.Codec
	handlers map[protocol.MsgType]Handler
	recv     ReceiveFunc

	delivered uint64
	forwarded uint64
	rejected  uint64
}

func (r *Router) Init(s *state.State) error {
	s.Log.Debug("init router")
	r.codec = protocol.DefaultCodec()
	if s.LocalCfg.Codec != "" {
		c, err := protocol.LookupCodec(s.LocalCfg.Codec)
		if err != nil {
			return err
		}
		r.codec = c
	}
	r.handlers = make(map[protocol.MsgType]Handler)
	r.Handle(protocol.NodeSyncRequest, r.handleNodeSync)
	r.Handle(protocol.NodeSyncReply, r.handleNodeSync)
	return nil
}

func (r *Router) Cleanup(s *state.State) error { return nil }

// Handle registers a handler for a message kind. Kinds without a handler are
// delivered to the application receive callback.
func (r *Router) Handle(t protocol.MsgType, h Handler) {
	r.handlers[t] = h
}

// OnReceive registers the application layer's receive callback.
func (r *Router) OnReceive(fn ReceiveFunc) {
	r.recv = fn
}

// Codec returns the configured wire codec.
func (r *Router) Codec() protocol.Codec { return r.codec }

// HandleFrame processes one raw inbound frame. The decode capacity is
// estimated up front and enforced against the hard cap before any decode;
// oversize and malformed frames are rejected with the connection left alive.
func (r *Router) HandleFrame(s *state.State, l transport.Link, frame []byte) error {
	if err := protocol.CheckCapacity(frame); err != nil {
		r.rejected++
		s.Log.Warn("rejected oversize envelope", "link", l.Id(), "error", err)
		return nil
	}
	var env protocol.Envelope
	if err := r.codec.DecodeEnvelope(frame, &env); err != nil {
		r.rejected++
		s.Log.Warn("rejected malformed envelope", "link", l.Id(), "error", err)
		return nil
	}
	return r.route(s, &env, frame, l)
}

// route forwards or delivers one envelope. inbound is nil for locally
// originated envelopes.
func (r *Router) route(s *state.State, env *protocol.Envelope, frame []byte, inbound transport.Link) error {
	inboundId := uuid.Nil
	if inbound != nil {
		inboundId = inbound.Id()
	}
	switch env.Routing {
	case protocol.RouteDirect:
		return r.deliverLocal(s, env, inbound)

	case protocol.RouteTreeSingle:
		if env.Dest == s.LocalCfg.Id {
			return r.deliverLocal(s, env, inbound)
		}
		nh, ok := s.Topology.NextHop(env.Dest)
		if !ok {
			s.Log.Debug("no route to destination", "dest", env.Dest)
			return nil
		}
		link, ok := Get[*ConnMgr](s).LinkFor(nh)
		if !ok {
			s.Log.Debug("next hop has no established link", "nexthop", nh)
			return nil
		}
		r.forwarded++
		// forwarded unchanged: the original frame goes out as received
		return link.Send(frame)

	case protocol.RouteTreeBroadcast:
		// deliver locally unless we originated it: broadcasts never loop
		// back to their sender
		if env.From != s.LocalCfg.Id {
			if err := r.deliverLocal(s, env, inbound); err != nil {
				s.Log.Warn("broadcast delivery failed", "error", err)
			}
		}
		for _, link := range Get[*ConnMgr](s).AdjacentLinks(inboundId) {
			if err := link.Send(frame); err != nil {
				s.Log.Debug("broadcast forward failed", "link", link.Id(), "error", err)
				continue
			}
			r.forwarded++
		}
		return nil
	}
	return fmt.Errorf("router: unknown routing kind %d", env.Routing)
}

func (r *Router) deliverLocal(s *state.State, env *protocol.Envelope, l transport.Link) error {
	r.delivered++
	if h, ok := r.handlers[env.Type]; ok {
		return h(s, env, l)
	}
	if r.recv != nil {
		var payload []byte
		if err := r.codec.Unmarshal(env.Payload, &payload); err != nil {
			s.Log.Warn("undecodable application payload", "type", env.Type, "error", err)
			return nil
		}
		r.recv(env.From, payload)
	}
	return nil
}

// SendSingle routes an opaque payload to one destination across the tree.
func (r *Router) SendSingle(s *state.State, dest state.NodeId, payload []byte) error {
	return r.sendApp(s, protocol.AppSingle, dest, protocol.RouteTreeSingle, payload)
}

// SendBroadcast routes an opaque payload to every node in the tree.
func (r *Router) SendBroadcast(s *state.State, payload []byte) error {
	return r.sendApp(s, protocol.AppBroadcast, protocol.BroadcastDest, protocol.RouteTreeBroadcast, payload)
}

func (r *Router) sendApp(s *state.State, t protocol.MsgType, dest state.NodeId, routing protocol.Routing, payload []byte) error {
	enc, err := r.codec.Marshal(payload)
	if err != nil {
		return err
	}
	return r.Send(s, &protocol.Envelope{
		Type:    t,
		From:    s.LocalCfg.Id,
		Dest:    dest,
		Routing: routing,
		Payload: enc,
	})
}

// Send encodes and routes a locally originated envelope.
func (r *Router) Send(s *state.State, env *protocol.Envelope) error {
	frame, err := r.codec.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	return r.route(s, env, frame, nil)
}

// SendPayload encodes a typed payload into an envelope and routes it.
func (r *Router) SendPayload(s *state.State, t protocol.MsgType, dest state.NodeId, routing protocol.Routing, payload any) error {
	enc, err := r.codec.Marshal(payload)
	if err != nil {
		return err
	}
	return r.Send(s, &protocol.Envelope{
		Type:    t,
		From:    s.LocalCfg.Id,
		Dest:    dest,
		Routing: routing,
		Payload: enc,
	})
}

// handleNodeSync merges the snapshot carried by a sync envelope. The first
// sync on a link completes its handshake; a request is answered with our own
// snapshot. A snapshot from a link we do not recognize is ignored with a
// warning, never partially applied.
func (r *Router) handleNodeSync(s *state.State, env *protocol.Envelope, l transport.Link) error {
	if l == nil {
		return nil
	}
	raw, err := protocol.DecodePayload(r.codec, env.Type, env.Payload)
	if err != nil {
		s.Log.Warn("malformed node sync", "error", err)
		return nil
	}
	sync := raw.(*protocol.NodeSyncPayload)
	if sync.Tree == nil || sync.Tree.NodeId != env.From {
		s.Log.Warn("node sync snapshot does not root at sender", "from", env.From)
		return nil
	}

	m := Get[*ConnMgr](s)
	if _, bound := m.NodeFor(l.Id()); !bound {
		if err := m.BindNode(s, l, env.From, sync.Tree); err != nil {
			s.Log.Warn("handshake bind failed", "from", env.From, "error", err)
			return nil
		}
	} else {
		if err := m.MergeFrom(s, l, sync.Tree); err != nil {
			if errors.Is(err, state.ErrUnknownLink) {
				s.Log.Warn("ignored topology snapshot from unknown link", "from", env.From)
				return nil
			}
			s.Log.Warn("topology merge rejected", "from", env.From, "error", err)
			return nil
		}
	}

	if env.Type == protocol.NodeSyncRequest {
		return r.sendSync(s, l, false)
	}
	return nil
}

// sendSync sends our topology snapshot over a link, as a request on link-up
// and topology change, or as the reply completing a handshake.
func (r *Router) sendSync(s *state.State, l transport.Link, request bool) error {
	t := protocol.NodeSyncReply
	if request {
		t = protocol.NodeSyncRequest
	}
	var tree *state.NodeTree
	if remote, ok := Get[*ConnMgr](s).NodeFor(l.Id()); ok {
		tree = s.Topology.SnapshotFor(remote)
	} else {
		tree = s.Topology.Snapshot()
	}
	if tree == nil {
		// store lock busy; retry shortly rather than send a wrong tree
		s.Env.ScheduleTask(func(s *state.State) error {
			return r.sendSync(s, l, request)
		}, time.Millisecond*10)
		return nil
	}
	enc, err := r.codec.Marshal(protocol.NodeSyncPayload{Tree: tree})
	if err != nil {
		return err
	}
	frame, err := r.codec.EncodeEnvelope(&protocol.Envelope{
		Type:    t,
		From:    s.LocalCfg.Id,
		Routing: protocol.RouteDirect,
		Payload: enc,
	})
	if err != nil {
		return err
	}
	return l.Send(frame)
}

// propagateTopology pushes the updated tree to every adjacent link except the
// one the change arrived on.
func (r *Router) propagateTopology(s *state.State, except uuid.UUID) {
	for _, link := range Get[*ConnMgr](s).AdjacentLinks(except) {
		if err := r.sendSync(s, link, true); err != nil {
			s.Log.Debug("topology propagation failed", "link", link.Id(), "error", err)
		}
	}
}

// Stats returns the router's counters.
func (r *Router) Stats() (delivered, forwarded, rejected uint64) {
	return r.delivered, r.forwarded, r.rejected
}
