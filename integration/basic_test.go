//go:build integration

package integration

import (
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness()
	h.AddNode(1, nil)
	h.AddNode(2, nil)
	h.AddNode(3, nil)
	h.Start(t)

	select {
	case err := <-h.errs:
		t.Error(err)
	case <-time.After(500 * time.Millisecond):
	}
	h.Stop(t)
}

func TestSingleNodeStandsAlone(t *testing.T) {
	defer goleak.VerifyNone(t)
	h := NewHarness()
	h.AddNode(1, nil)
	h.Start(t)

	s := h.Node(1)
	if s.Topology.Size() != 1 {
		t.Errorf("lone node topology size = %d, want 1", s.Topology.Size())
	}
	h.Stop(t)
}
