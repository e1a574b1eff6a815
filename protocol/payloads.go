package protocol

import (
	"fmt"

	"github.com/cedarmesh/cedar/state"
)

// Typed payloads for the reserved coordination kinds. Heterogeneous message
// kinds are a tagged union keyed by the envelope type, with a registry
// mapping type to decode function; there is no dynamic dispatch over a base
// package type.

// NodeSyncPayload carries a topology snapshot on link-up and on topology
// change.
type NodeSyncPayload struct {
	Tree *state.NodeTree `json:"tree" cbor:"1,keyasint"`
}

// BridgeStatusPayload is the periodic bridge heartbeat.
type BridgeStatusPayload struct {
	NodeId            state.NodeId `json:"nodeId" cbor:"1,keyasint"`
	InternetConnected bool         `json:"internetConnected" cbor:"2,keyasint"`
	RSSI              int8         `json:"routerRSSI" cbor:"3,keyasint"`
	Uptime            uint32       `json:"uptime" cbor:"4,keyasint"`
	GatewayAddr       string       `json:"gatewayIP,omitempty" cbor:"5,keyasint,omitempty"`
	Timestamp         uint32       `json:"timestamp" cbor:"6,keyasint"`
}

// BridgeElectionPayload announces candidacy for the primary gateway role.
type BridgeElectionPayload struct {
	NodeId   state.NodeId `json:"nodeId" cbor:"1,keyasint"`
	Priority int          `json:"priority" cbor:"2,keyasint"`
	RSSI     int8         `json:"rssi" cbor:"3,keyasint"`
}

// BridgeTakeoverPayload notifies the mesh of a primary role change.
type BridgeTakeoverPayload struct {
	NodeId     state.NodeId `json:"nodeId" cbor:"1,keyasint"`
	OldPrimary state.NodeId `json:"oldPrimary,omitempty" cbor:"2,keyasint,omitempty"`
	Reason     string       `json:"reason,omitempty" cbor:"3,keyasint,omitempty"`
}

// BridgeRank is one entry of a coordination table broadcast.
type BridgeRank struct {
	NodeId   state.NodeId `json:"nodeId" cbor:"1,keyasint"`
	Priority int          `json:"priority" cbor:"2,keyasint"`
	RSSI     int8         `json:"rssi" cbor:"3,keyasint"`
}

// BridgeCoordinationPayload broadcasts the full priority table for
// multi-bridge ranking.
type BridgeCoordinationPayload struct {
	Ranks []BridgeRank `json:"ranks" cbor:"1,keyasint"`
}

// TimeSyncPayload belongs to the external clock collaborator; it is routed
// but not interpreted by the coordination engine.
type TimeSyncPayload struct {
	Stage uint8  `json:"msg" cbor:"1,keyasint"`
	T0    uint32 `json:"t0,omitempty" cbor:"2,keyasint,omitempty"`
	T1    uint32 `json:"t1,omitempty" cbor:"3,keyasint,omitempty"`
	T2    uint32 `json:"t2,omitempty" cbor:"4,keyasint,omitempty"`
}

// PayloadDecoder decodes a raw payload into its typed form.
type PayloadDecoder func(c Codec, data []byte) (any, error)

var payloadRegistry = map[MsgType]PayloadDecoder{}

// RegisterPayload installs a decoder for a message kind. The application
// layer may register decoders for its own kinds.
func RegisterPayload(t MsgType, fn PayloadDecoder) {
	payloadRegistry[t] = fn
}

// DecodePayload decodes the payload of an envelope by its kind. Unregistered
// kinds return the raw bytes untouched.
func DecodePayload(c Codec, t MsgType, data []byte) (any, error) {
	fn, ok := payloadRegistry[t]
	if !ok {
		return data, nil
	}
	return fn(c, data)
}

func decodeInto[T any](c Codec, data []byte) (any, error) {
	var v T
	if err := c.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("protocol: decode payload: %w", err)
	}
	return &v, nil
}

func init() {
	RegisterPayload(NodeSyncRequest, decodeInto[NodeSyncPayload])
	RegisterPayload(NodeSyncReply, decodeInto[NodeSyncPayload])
	RegisterPayload(BridgeStatus, decodeInto[BridgeStatusPayload])
	RegisterPayload(BridgeElection, decodeInto[BridgeElectionPayload])
	RegisterPayload(BridgeTakeover, decodeInto[BridgeTakeoverPayload])
	RegisterPayload(BridgeCoordination, decodeInto[BridgeCoordinationPayload])
	RegisterPayload(TimeSync, decodeInto[TimeSyncPayload])
	RegisterPayload(TimeDelay, decodeInto[TimeSyncPayload])
}
