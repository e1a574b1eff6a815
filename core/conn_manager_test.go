package core

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/cedarmesh/cedar/state"
	"github.com/cedarmesh/cedar/transport"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// drainLoop runs a minimal main loop for the test node.
func drainLoop(s *state.State, dispatch <-chan func(*state.State) error) {
	for {
		select {
		case fun := <-dispatch:
			_ = fun(s)
		case <-s.Context.Done():
			return
		}
	}
}

func shrinkTimers(t *testing.T) {
	t.Helper()
	oldBase, oldExhaust, oldSpacing := state.RetryBaseDelay, state.ExhaustionDelay, state.CleanupSpacing
	state.RetryBaseDelay = time.Millisecond * 5
	state.ExhaustionDelay = time.Millisecond * 50
	state.CleanupSpacing = time.Millisecond * 20
	t.Cleanup(func() {
		state.RetryBaseDelay = oldBase
		state.ExhaustionDelay = oldExhaust
		state.CleanupSpacing = oldSpacing
	})
}

func TestRetryBackoffGrows(t *testing.T) {
	shrinkTimers(t)
	s := bridgeState(t, 1)
	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	board := transport.NewSwitchboard()
	m.tr = board.NewTransport(transport.Callbacks{})
	s.Modules[reflect.TypeOf(m).String()] = m

	conn := &Connection{Addr: "nowhere"}
	for i := 0; i <= 3; i++ {
		m.scheduleRetry(s, conn)
		require.NotNil(t, conn.retryTask)
		conn.retryTask.Cancel()
	}
	assert.Equal(t, 4, conn.RetryCount)
	assert.Equal(t, Retrying, conn.State)
}

// Exhausted retries must cancel the loop with the rejoin cause, after the
// exhaustion delay.
func TestRetryExhaustionRequestsRejoin(t *testing.T) {
	shrinkTimers(t)
	s, dispatch := loopState(t, 1)
	go drainLoop(s, dispatch)

	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	board := transport.NewSwitchboard()
	m.tr = board.NewTransport(transport.Callbacks{})
	s.Modules[reflect.TypeOf(m).String()] = m

	conn := &Connection{Addr: "nowhere", RetryCount: state.MaxRetries}
	start := time.Now()
	m.scheduleRetry(s, conn)
	assert.Equal(t, Closed, conn.State)

	select {
	case <-s.Context.Done():
	case <-time.After(time.Second * 2):
		t.Fatal("timed out waiting for rejoin request")
	}
	assert.True(t, errors.Is(context.Cause(s.Context), ErrRejoinRequested))
	assert.GreaterOrEqual(t, time.Since(start), state.ExhaustionDelay)
}

// Five backoff retries make six total attempts, with the delay multiplier
// capped at 8x from the fourth retry on; the next failure closes the link.
func TestRetryLadderLength(t *testing.T) {
	s := bridgeState(t, 1)
	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	board := transport.NewSwitchboard()
	m.tr = board.NewTransport(transport.Callbacks{})
	s.Modules[reflect.TypeOf(m).String()] = m

	conn := &Connection{Addr: "nowhere"}
	retries := 0
	for {
		m.scheduleRetry(s, conn)
		if conn.State == Closed {
			break
		}
		retries++
		require.LessOrEqual(t, retries, state.MaxRetries, "ladder must end")
		conn.retryTask.Cancel()
	}
	conn.retryTask.Cancel()
	assert.Equal(t, state.MaxRetries, retries)
	assert.Equal(t, state.MaxRetries, conn.RetryCount)
}

// The full retry ladder: a dead dial address escalates through backoff into
// exhaustion and a rejoin request.
func TestRetryLadderEndsInRejoin(t *testing.T) {
	shrinkTimers(t)
	s, dispatch := loopState(t, 1)
	go drainLoop(s, dispatch)

	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	s.Modules[reflect.TypeOf(m).String()] = m
	board := transport.NewSwitchboard()
	m.tr = board.NewTransport(transport.Callbacks{
		OnDialError: func(addr string, err error) {
			s.Dispatch(func(s *state.State) error { return m.handleDialError(s, addr, err) })
		},
	})

	m.parent = &Connection{Addr: "unreachable", State: Connecting}
	m.tr.Connect("unreachable")

	select {
	case <-s.Context.Done():
	case <-time.After(time.Second * 5):
		t.Fatal("retry ladder never exhausted")
	}
	assert.True(t, errors.Is(context.Cause(s.Context), ErrRejoinRequested))
}

func TestDeferCleanupSpacing(t *testing.T) {
	shrinkTimers(t)
	s, dispatch := loopState(t, 1)
	go drainLoop(s, dispatch)

	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	s.Modules[reflect.TypeOf(m).String()] = m

	var mu sync.Mutex
	var closeTimes []time.Time
	mk := func() transport.Link {
		l := &timedCloseLink{fakeLink: newFakeLink(true)}
		l.onClose = func() {
			mu.Lock()
			closeTimes = append(closeTimes, time.Now())
			mu.Unlock()
		}
		return l
	}

	_, err := s.DispatchWait(func(s *state.State) (any, error) {
		m.deferCleanup(s, mk())
		m.deferCleanup(s, mk())
		m.deferCleanup(s, mk())
		return nil, nil
	})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(closeTimes)
		mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(time.Millisecond * 5)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, closeTimes, 3)
	for i := 1; i < 3; i++ {
		gap := closeTimes[i].Sub(closeTimes[i-1])
		assert.GreaterOrEqual(t, gap, state.CleanupSpacing-time.Millisecond,
			"closes must be spaced, not run back-to-back")
	}
}

type timedCloseLink struct {
	*fakeLink
	onClose func()
}

func (l *timedCloseLink) Close() error {
	l.onClose()
	return l.fakeLink.Close()
}

func TestChooseParentPrefersSmallestSubtree(t *testing.T) {
	s := bridgeState(t, 1)
	s.MeshCfg = state.MeshCfg{Peers: []state.PeerCfg{
		{Id: 1, Addr: "self"},
		{Id: 2, Addr: "two"},
		{Id: 3, Addr: "three"},
	}}
	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}

	// node 2 owns a large subtree, node 3 a small one
	_, err := s.Topology.AddLink(subtree(2, subtree(4), subtree(5)))
	require.NoError(t, err)

	peer, ok := m.chooseParent(s)
	require.True(t, ok)
	assert.Equal(t, state.NodeId(3), peer.Id)
}

func TestChooseParentHysteresis(t *testing.T) {
	s := bridgeState(t, 1)
	s.MeshCfg = state.MeshCfg{Peers: []state.PeerCfg{
		{Id: 2, Addr: "two"},
		{Id: 3, Addr: "three"},
	}}
	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}

	peer, ok := m.chooseParent(s)
	require.True(t, ok)
	first := peer.Id

	// a marginally better candidate appears; the previous choice sticks
	// within the hysteresis window
	_, err := s.Topology.AddLink(subtree(first, subtree(9)))
	require.NoError(t, err)

	peer, ok = m.chooseParent(s)
	require.True(t, ok)
	assert.Equal(t, first, peer.Id, "parent choice must not flap inside the hysteresis window")
}

func TestChooseParentSkipsSelfAndChildren(t *testing.T) {
	s := bridgeState(t, 1)
	s.MeshCfg = state.MeshCfg{Peers: []state.PeerCfg{
		{Id: 1, Addr: "self"},
		{Id: 2, Addr: "two"},
	}}
	m := &ConnMgr{
		conns:  make(map[uuid.UUID]*Connection),
		byNode: make(map[state.NodeId]*Connection),
	}
	l := newFakeLink(true)
	conn := &Connection{Remote: 2, Link: l, State: Connected}
	m.conns[l.id] = conn
	m.byNode[2] = conn

	_, ok := m.chooseParent(s)
	assert.False(t, ok, "no candidates besides self and an existing child")
}
