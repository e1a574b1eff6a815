package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cedarmesh/cedar/state"
	"github.com/fxamacker/cbor/v2"
)

// ErrOversize is returned when an inbound frame's estimated decode capacity
// exceeds the hard cap. The frame is rejected outright; the capacity is never
// grown retroactively after a failed decode, since retrying with ever-larger
// allocations leads to unbounded memory growth.
var ErrOversize = errors.New("protocol: envelope exceeds decode capacity")

// Codec serializes envelopes and their typed payloads.
type Codec interface {
	Name() string
	EncodeEnvelope(env *Envelope) ([]byte, error)
	DecodeEnvelope(data []byte, env *Envelope) error
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var codecs = map[string]Codec{}

// RegisterCodec makes a codec available by name.
func RegisterCodec(c Codec) {
	codecs[c.Name()] = c
}

// LookupCodec returns the codec registered under name.
func LookupCodec(name string) (Codec, error) {
	c, ok := codecs[name]
	if !ok {
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
	return c, nil
}

func init() {
	RegisterCodec(jsonCodec{})
	RegisterCodec(cborCodec{})
}

// DefaultCodec is the wire codec used when none is configured.
func DefaultCodec() Codec { return jsonCodec{} }

// EstimateCapacity computes the decode capacity estimate for a raw frame:
// payload length plus a fixed overhead plus a per-nesting-level overhead. The
// value is computed fresh per frame from this formula; there is no persistent
// capacity state. The nesting scan applies only to textual frames: bracket
// bytes inside a binary frame say nothing about its structure.
func EstimateCapacity(data []byte) int {
	depth := 0
	if textualFrame(data) {
		depth = nestingDepth(data)
	}
	return len(data) + state.DecodeFixedOverhead + depth*state.DecodePerLevelOverhead
}

// textualFrame reports whether the frame is JSON text: the first byte past
// any whitespace opens an object or array.
func textualFrame(data []byte) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
		default:
			return b == '{' || b == '['
		}
	}
	return false
}

// CheckCapacity rejects frames whose estimated capacity exceeds the hard cap.
func CheckCapacity(data []byte) error {
	if est := EstimateCapacity(data); est > state.MaxDecodeCapacity {
		return fmt.Errorf("%w: estimated %d bytes, cap %d", ErrOversize, est, state.MaxDecodeCapacity)
	}
	return nil
}

// nestingDepth scans for the maximum bracket nesting depth, skipping string
// literals. It works for both JSON text and is a harmless upper bound for
// binary codecs.
func nestingDepth(data []byte) int {
	depth, maxDepth := 0, 0
	inString := false
	escaped := false
	for _, b := range data {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{', '[':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ']':
			depth--
		}
	}
	return maxDepth
}

type jsonEnvelope struct {
	Type    MsgType         `json:"type"`
	From    state.NodeId    `json:"from"`
	Dest    state.NodeId    `json:"dest"`
	Routing Routing         `json:"routing"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(jsonEnvelope{
		Type:    env.Type,
		From:    env.From,
		Dest:    env.Dest,
		Routing: env.Routing,
		Payload: env.Payload,
	})
}

func (jsonCodec) DecodeEnvelope(data []byte, env *Envelope) error {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	env.Type = je.Type
	env.From = je.From
	env.Dest = je.Dest
	env.Routing = je.Routing
	env.Payload = je.Payload
	return nil
}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborEnvelope struct {
	Type    MsgType         `cbor:"1,keyasint"`
	From    state.NodeId    `cbor:"2,keyasint"`
	Dest    state.NodeId    `cbor:"3,keyasint"`
	Routing Routing         `cbor:"4,keyasint"`
	Payload cbor.RawMessage `cbor:"5,keyasint,omitempty"`
}

type cborCodec struct{}

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) EncodeEnvelope(env *Envelope) ([]byte, error) {
	return cbor.Marshal(cborEnvelope{
		Type:    env.Type,
		From:    env.From,
		Dest:    env.Dest,
		Routing: env.Routing,
		Payload: env.Payload,
	})
}

func (cborCodec) DecodeEnvelope(data []byte, env *Envelope) error {
	var ce cborEnvelope
	if err := cbor.Unmarshal(data, &ce); err != nil {
		return fmt.Errorf("protocol: malformed envelope: %w", err)
	}
	env.Type = ce.Type
	env.From = ce.From
	env.Dest = ce.Dest
	env.Routing = ce.Routing
	env.Payload = ce.Payload
	return nil
}

func (cborCodec) Marshal(v any) ([]byte, error) { return cbor.Marshal(v) }

func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
