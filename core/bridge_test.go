package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/cedarmesh/cedar/state"
	"github.com/jellydator/ttlcache/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bridgeState(t *testing.T, id state.NodeId) *state.State {
	s, _ := loopState(t, id)
	return s
}

// loopState builds a bare node state. Nothing drains the dispatch channel
// unless the test runs drainLoop itself.
func loopState(t *testing.T, id state.NodeId) (*state.State, chan func(*state.State) error) {
	t.Helper()
	lcfg := state.LocalCfg{Id: id, Bridge: &state.BridgeCfg{Enabled: true, Priority: 5}}
	state.ExpandLocalConfig(&lcfg)
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(errors.New("test finished")) })
	dispatch := make(chan func(*state.State) error, 128)
	return &state.State{
		Modules:  make(map[string]state.Module),
		Topology: state.NewTopology(id),
		Env: &state.Env{
			DispatchChannel: dispatch,
			Context:         ctx,
			Cancel:          cancel,
			LocalCfg:        lcfg,
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}, dispatch
}

func testBridge(t *testing.T, s *state.State) *Bridge {
	t.Helper()
	b := &Bridge{
		Signal:        staticSignal(-60),
		mu:            state.NewTimedMutex(),
		known:         make(map[state.NodeId]*BridgeRecord),
		meshConnected: true,
		dedup: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](state.DuplicateTrackTTL),
		),
	}
	s.Modules[reflect.TypeOf(b).String()] = b
	return b
}

func record(id state.NodeId, prio int, rssi int8, internet bool) *BridgeRecord {
	return &BridgeRecord{
		NodeId:            id,
		Priority:          prio,
		RSSI:              rssi,
		InternetConnected: internet,
		LastHeartbeat:     time.Now(),
	}
}

func TestRankBetter(t *testing.T) {
	// explicit priority first
	assert.True(t, rankBetter(record(2, 10, -80, true), record(1, 5, -30, true)))
	// RSSI breaks priority ties, less negative wins
	assert.True(t, rankBetter(record(2, 5, -40, true), record(1, 5, -70, true)))
	// node id is the final deterministic tie-break
	assert.True(t, rankBetter(record(1, 5, -50, true), record(2, 5, -50, true)))
	assert.False(t, rankBetter(record(2, 5, -50, true), record(1, 5, -50, true)))
}

func TestElectionPicksHighestPriority(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[10] = record(10, 10, -70, true)
	b.known[5] = record(5, 5, -30, true)

	winner := b.elect(s)
	require.NotNil(t, winner)
	assert.Equal(t, state.NodeId(10), winner.NodeId)
}

// The winner must not depend on the order records arrived in.
func TestElectionOrderIndependent(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[5] = record(5, 5, -30, true)
	b.known[10] = record(10, 10, -70, true)

	winner := b.elect(s)
	require.NotNil(t, winner)
	assert.Equal(t, state.NodeId(10), winner.NodeId)
}

func TestElectionSkipsUnhealthy(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	stale := record(10, 10, -40, true)
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	b.known[10] = stale
	b.known[5] = record(5, 5, -70, true)
	b.known[6] = record(6, 8, -50, false) // no internet

	winner := b.elect(s)
	require.NotNil(t, winner)
	assert.Equal(t, state.NodeId(5), winner.NodeId)
}

func TestElectionNoCandidates(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	assert.Nil(t, b.elect(s))
}

func TestElectionSignalStrategy(t *testing.T) {
	s := bridgeState(t, 1)
	s.LocalCfg.Bridge.Strategy = state.StrategySignal
	b := testBridge(t, s)
	b.known[2] = record(2, 10, -80, true)
	b.known[3] = record(3, 1, -30, true)

	winner := b.elect(s)
	require.NotNil(t, winner)
	assert.Equal(t, state.NodeId(3), winner.NodeId, "signal strategy ranks by RSSI, not priority")
}

func TestElectionRoundRobinRotates(t *testing.T) {
	s := bridgeState(t, 1)
	s.LocalCfg.Bridge.Strategy = state.StrategyRoundRobin
	b := testBridge(t, s)
	b.known[2] = record(2, 5, -50, true)
	b.known[3] = record(3, 5, -50, true)

	first := b.elect(s)
	second := b.elect(s)
	third := b.elect(s)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.NodeId, second.NodeId)
	assert.Equal(t, first.NodeId, third.NodeId)
}

func TestPrimaryBridgePrefersElectedPrimary(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[2] = record(2, 10, -40, true)
	low := record(3, 2, -80, true)
	low.Role = RolePrimary
	b.known[3] = low

	id, ok := b.PrimaryBridge()
	require.True(t, ok)
	assert.Equal(t, state.NodeId(3), id, "an elected primary wins over a better-ranked candidate")
}

func TestPrimaryBridgeFallsBackToBestCandidate(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[2] = record(2, 3, -40, true)
	b.known[3] = record(3, 8, -70, true)

	id, ok := b.PrimaryBridge()
	require.True(t, ok)
	assert.Equal(t, state.NodeId(3), id)
}

func TestPrimaryBridgeNone(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[2] = record(2, 5, -40, false)
	_, ok := b.PrimaryBridge()
	assert.False(t, ok)
}

// When the node is cut off from the mesh, stale records stay usable: the last
// known internet bridge is still reported.
func TestPrimaryBridgeDisconnectedUsesStaleRecord(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	stale := record(2, 5, -40, true)
	stale.LastHeartbeat = time.Now().Add(-time.Hour)
	b.known[2] = stale

	_, ok := b.PrimaryBridge()
	assert.False(t, ok, "stale records are unusable while connected")

	b.meshConnected = false
	id, ok := b.PrimaryBridge()
	require.True(t, ok)
	assert.Equal(t, state.NodeId(2), id)
}

func TestRegisterSelf(t *testing.T) {
	s := bridgeState(t, 7)
	b := testBridge(t, s)
	b.bootTime = time.Now()
	b.internet = true

	b.registerSelf(s)
	rec, ok := b.Record(7)
	require.True(t, ok)
	assert.Equal(t, 5, rec.Priority)
	assert.True(t, rec.InternetConnected)

	// role survives re-registration
	b.known[7].Role = RolePrimary
	b.registerSelf(s)
	rec, _ = b.Record(7)
	assert.Equal(t, RolePrimary, rec.Role)
}

func TestSeenRecentlyDeduplicates(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	assert.False(t, b.seenRecently("status/2/100"))
	assert.True(t, b.seenRecently("status/2/100"))
	assert.False(t, b.seenRecently("status/2/101"))
}

func TestBridgeListSorted(t *testing.T) {
	s := bridgeState(t, 1)
	b := testBridge(t, s)
	b.known[9] = record(9, 5, -50, true)
	b.known[2] = record(2, 5, -50, true)
	b.known[5] = record(5, 5, -50, false)

	assert.Equal(t, []state.NodeId{2, 5, 9}, b.BridgeList())
}

func TestHealthyWindow(t *testing.T) {
	rec := record(2, 5, -50, true)
	assert.True(t, rec.Healthy(state.BridgeHealthTimeout))
	rec.LastHeartbeat = time.Now().Add(-2 * state.BridgeHealthTimeout)
	assert.False(t, rec.Healthy(state.BridgeHealthTimeout))
}
