//go:build integration

package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cedarmesh/cedar/core"
	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
)

// Harness runs several nodes over an in-memory switchboard in one process.
type Harness struct {
	Board  *transport.Switchboard
	Mesh   state.MeshCfg
	Locals []state.LocalCfg
	States []*state.State

	wg   sync.WaitGroup
	errs chan error
}

func NewHarness() *Harness {
	return &Harness{
		Board: transport.NewSwitchboard(),
		errs:  make(chan error, 16),
	}
}

func nodeAddr(id state.NodeId) string {
	return fmt.Sprintf(":%d", id)
}

// AddNode registers a node. The node id doubles as its switchboard port so
// every node gets a distinct listen address.
func (h *Harness) AddNode(id state.NodeId, bridge *state.BridgeCfg) {
	h.Mesh.Peers = append(h.Mesh.Peers, state.PeerCfg{Id: id, Addr: nodeAddr(id)})
	lcfg := state.LocalCfg{Id: id, Port: uint16(id), Bridge: bridge}
	state.ExpandLocalConfig(&lcfg)
	h.Locals = append(h.Locals, lcfg)
}

// fastBridgeCfg builds a bridge config fast enough for tests. The probe host
// points at loopback so the first probe fails fast instead of reaching the
// real network.
func fastBridgeCfg(priority int) *state.BridgeCfg {
	check := time.Millisecond * 100
	timeout := time.Millisecond * 20
	hb := time.Millisecond * 200
	// status timestamps have one-second resolution and duplicate suppression
	// keys on them, so the failure window must span multiple seconds
	fail := time.Millisecond * 2500
	return &state.BridgeCfg{
		Enabled:           true,
		Priority:          priority,
		CheckHost:         "127.0.0.1",
		CheckPort:         9, // discard port, nothing listens
		CheckDelay:        &check,
		CheckTimeout:      &timeout,
		HeartbeatInterval: &hb,
		FailureTimeout:    &fail,
	}
}

func (h *Harness) Start(t *testing.T) {
	t.Helper()
	h.States = make([]*state.State, len(h.Locals))
	factory := func(ctx context.Context, cb transport.Callbacks) transport.Transport {
		return h.Board.NewTransport(cb)
	}
	for i := range h.Locals {
		h.wg.Add(1)
		idx := i
		go func() {
			defer h.wg.Done()
			restart, err := core.Start(h.Mesh, h.Locals[idx], slog.LevelError, factory, &h.States[idx])
			if err != nil {
				h.errs <- err
			}
			if restart {
				h.errs <- errors.New("unexpected restart request")
			}
		}()
	}

	// wait until every node's state is published and its modules are running
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		ready := true
		for i := range h.States {
			if h.States[i] == nil {
				ready = false
				break
			}
		}
		if ready {
			return
		}
		select {
		case err := <-h.errs:
			t.Fatal(err)
		case <-time.After(time.Millisecond * 10):
		}
	}
	t.Fatal("timed out waiting for nodes to start")
}

func (h *Harness) Stop(t *testing.T) {
	t.Helper()
	for _, s := range h.States {
		if s != nil {
			s.Cancel(errors.New("harness stopping"))
		}
	}
	h.wg.Wait()
	select {
	case err := <-h.errs:
		t.Error(err)
	default:
	}
}

// Node returns the state of the node with the given id.
func (h *Harness) Node(id state.NodeId) *state.State {
	for _, s := range h.States {
		if s != nil && s.LocalCfg.Id == id {
			return s
		}
	}
	return nil
}

// WaitFor polls a condition until it holds or the timeout elapses.
func (h *Harness) WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		select {
		case err := <-h.errs:
			t.Fatal(err)
		case <-time.After(time.Millisecond * 20):
		}
	}
	t.Fatalf("timed out waiting for %s", what)
}

// WaitConverged waits until every node knows the full mesh.
func (h *Harness) WaitConverged(t *testing.T, timeout time.Duration) {
	t.Helper()
	want := len(h.Locals)
	h.WaitFor(t, timeout, "topology convergence", func() bool {
		for _, s := range h.States {
			if s == nil || s.Topology.Size() != want {
				return false
			}
		}
		return true
	})
}
