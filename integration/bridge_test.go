//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/cedarmesh/cedar/core"
	"github.com/cedarmesh/cedar/state"
	"go.uber.org/goleak"
)

// shrinkElectionTimers compresses the bridge timing globals so elections run
// within a test timeout. Heartbeat timestamps have one-second resolution, so
// the health window must stay well above a second.
func shrinkElectionTimers(t *testing.T) {
	t.Helper()
	oldGrace, oldCool := state.ElectionGracePeriod, state.ElectionCooldown
	oldJMin, oldJMax := state.ElectionJitterMin, state.ElectionJitterMax
	oldMon, oldHealth := state.BridgeMonitorDelay, state.BridgeHealthTimeout
	state.ElectionGracePeriod = time.Second
	state.ElectionCooldown = time.Millisecond * 500
	state.ElectionJitterMin = time.Millisecond * 10
	state.ElectionJitterMax = time.Millisecond * 50
	state.BridgeMonitorDelay = time.Millisecond * 100
	state.BridgeHealthTimeout = time.Millisecond * 2500
	t.Cleanup(func() {
		state.ElectionGracePeriod, state.ElectionCooldown = oldGrace, oldCool
		state.ElectionJitterMin, state.ElectionJitterMax = oldJMin, oldJMax
		state.BridgeMonitorDelay, state.BridgeHealthTimeout = oldMon, oldHealth
	})
}

// setInternetStub swaps a node's connectivity probe on the main loop.
func setInternetStub(t *testing.T, s *state.State, online bool) {
	t.Helper()
	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		core.Get[*core.Bridge](s).CheckInternet = func() bool { return online }
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestBridgeStatusPropagates(t *testing.T) {
	defer goleak.VerifyNone(t)
	shrinkElectionTimers(t)
	h := NewHarness()
	h.AddNode(1, fastBridgeCfg(5))
	h.AddNode(2, nil)
	h.AddNode(3, nil)
	h.Start(t)
	h.WaitConverged(t, time.Second*10)

	setInternetStub(t, h.Node(1), true)

	// every non-bridge node learns the gateway from its heartbeats
	h.WaitFor(t, time.Second*10, "bridge discovery", func() bool {
		for _, id := range []state.NodeId{2, 3} {
			primary, ok := core.Get[*core.Bridge](h.Node(id)).PrimaryBridge()
			if !ok || primary != 1 {
				return false
			}
		}
		return true
	})
	h.Stop(t)
}

func TestElectionConvergesOnHighestPriority(t *testing.T) {
	defer goleak.VerifyNone(t)
	shrinkElectionTimers(t)
	h := NewHarness()
	h.AddNode(1, fastBridgeCfg(3))
	h.AddNode(2, fastBridgeCfg(9))
	h.AddNode(3, nil)
	h.Start(t)
	h.WaitConverged(t, time.Second*10)

	setInternetStub(t, h.Node(1), true)
	setInternetStub(t, h.Node(2), true)

	// after the grace period the mesh elects the priority-9 bridge; keep
	// polling until the takeover broadcast has landed on the observer too,
	// since PrimaryBridge alone can answer from the best-candidate fallback
	// before the elected role arrives
	h.WaitFor(t, time.Second*15, "election convergence", func() bool {
		for _, id := range []state.NodeId{1, 2, 3} {
			primary, ok := core.Get[*core.Bridge](h.Node(id)).PrimaryBridge()
			if !ok || primary != 2 {
				return false
			}
		}
		rec, ok := core.Get[*core.Bridge](h.Node(3)).Record(2)
		return ok && rec.Role == core.RolePrimary
	})
	h.Stop(t)
}

func TestFailoverToSecondary(t *testing.T) {
	defer goleak.VerifyNone(t)
	shrinkElectionTimers(t)
	h := NewHarness()
	h.AddNode(1, fastBridgeCfg(3))
	h.AddNode(2, fastBridgeCfg(9))
	h.AddNode(3, nil)
	h.Start(t)
	h.WaitConverged(t, time.Second*10)

	setInternetStub(t, h.Node(1), true)
	setInternetStub(t, h.Node(2), true)

	h.WaitFor(t, time.Second*15, "initial election", func() bool {
		primary, ok := core.Get[*core.Bridge](h.Node(3)).PrimaryBridge()
		return ok && primary == 2
	})

	// the primary dies; the remaining bridge must take over
	h.Node(2).Cancel(errTestPartition)
	h.WaitFor(t, time.Second*20, "failover", func() bool {
		primary, ok := core.Get[*core.Bridge](h.Node(3)).PrimaryBridge()
		return ok && primary == 1
	})
	h.Stop(t)
}
