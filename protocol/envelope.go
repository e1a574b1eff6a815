package protocol

import (
	"github.com/cedarmesh/cedar/state"
)

// MsgType is the integer message kind carried on the wire. Values below 100
// are the classic mesh coordination kinds; the 6xx block is the bridge
// coordination extension.
type MsgType int

const (
	TimeDelay       MsgType = 3
	TimeSync        MsgType = 4
	NodeSyncRequest MsgType = 5
	NodeSyncReply   MsgType = 6
	AppBroadcast    MsgType = 8
	AppSingle       MsgType = 9

	BridgeStatus       MsgType = 610
	BridgeElection     MsgType = 611
	BridgeTakeover     MsgType = 612
	BridgeCoordination MsgType = 613
)

// Routing determines how an envelope is forwarded, not what its destination
// means.
type Routing int

const (
	RouteDirect        Routing = 1
	RouteTreeSingle    Routing = 2
	RouteTreeBroadcast Routing = 3
)

// BroadcastDest is the destination sentinel for tree-wide broadcasts.
const BroadcastDest state.NodeId = 0xFFFFFFFF

// Envelope is the generic routed message unit exchanged between nodes. The
// payload is opaque codec-encoded bytes; DecodePayload interprets it per
// message kind. Envelopes are immutable once constructed.
type Envelope struct {
	Type    MsgType
	From    state.NodeId
	Dest    state.NodeId
	Routing Routing
	Payload []byte
}

// IsBroadcast reports whether the envelope addresses the whole tree.
func (e *Envelope) IsBroadcast() bool {
	return e.Dest == BroadcastDest || e.Routing == RouteTreeBroadcast
}
