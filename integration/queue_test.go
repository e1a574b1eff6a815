//go:build integration

package integration

import (
	"testing"
	"time"

	"github.com/cedarmesh/cedar/core"
	"go.uber.org/goleak"
)

// Messages queued while no gateway is reachable must drain to the primary
// bridge once one comes online.
func TestQueueFlushesWhenBridgeAppears(t *testing.T) {
	defer goleak.VerifyNone(t)
	shrinkElectionTimers(t)
	h := NewHarness()
	h.AddNode(1, fastBridgeCfg(5))
	h.AddNode(2, nil)
	h.Start(t)
	h.WaitConverged(t, time.Second*10)

	rx := &sink{}
	core.NewMesh(h.Node(1)).OnReceive(rx.receive)

	sender := core.NewMesh(h.Node(2))
	if !sender.Enqueue([]byte("for the internet"), core.PriorityHigh) {
		t.Fatal("enqueue refused")
	}
	if got := sender.QueueStats().Size; got != 1 {
		t.Fatalf("queue size = %d, want 1", got)
	}

	// the bridge comes online; its heartbeat triggers the flush on node 2
	setInternetStub(t, h.Node(1), true)

	h.WaitFor(t, time.Second*10, "queue flush", func() bool {
		return rx.count() == 1
	})
	rx.mu.Lock()
	if string(rx.got[0]) != "for the internet" {
		t.Errorf("payload = %q", rx.got[0])
	}
	rx.mu.Unlock()

	if got := sender.QueueStats().Size; got != 0 {
		t.Errorf("queue size after flush = %d, want 0", got)
	}
	h.Stop(t)
}
