package transport

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// MockTransport is an in-memory transport for tests. Addresses are arbitrary
// strings registered on a shared switchboard; Connect pairs two MockLinks and
// delivers frames synchronously through the callbacks.
type MockTransport struct {
	Callbacks Callbacks

	board *Switchboard
	addr  string
}

// Switchboard connects MockTransports by address.
type Switchboard struct {
	mu         sync.Mutex
	transports map[string]*MockTransport
	// Partitioned addresses refuse dials, simulating link failure.
	partitioned map[string]bool
}

func NewSwitchboard() *Switchboard {
	return &Switchboard{
		transports:  make(map[string]*MockTransport),
		partitioned: make(map[string]bool),
	}
}

// Partition makes dials to addr fail until Heal is called.
func (b *Switchboard) Partition(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.partitioned[addr] = true
}

func (b *Switchboard) Heal(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.partitioned, addr)
}

func (b *Switchboard) NewTransport(cb Callbacks) *MockTransport {
	return &MockTransport{Callbacks: cb, board: b}
}

func (t *MockTransport) Listen(addr string) error {
	t.board.mu.Lock()
	defer t.board.mu.Unlock()
	if _, ok := t.board.transports[addr]; ok {
		return errors.New("transport: address in use")
	}
	t.addr = addr
	t.board.transports[addr] = t
	return nil
}

func (t *MockTransport) Connect(addr string) {
	go func() {
		t.board.mu.Lock()
		remote, ok := t.board.transports[addr]
		blocked := t.board.partitioned[addr]
		t.board.mu.Unlock()
		if !ok || blocked {
			if t.Callbacks.OnDialError != nil {
				t.Callbacks.OnDialError(addr, errors.New("transport: connection refused"))
			}
			return
		}
		local := newMockLink(addr, false)
		peer := newMockLink(t.addr, true)
		local.peer, peer.peer = peer, local
		local.owner, peer.owner = t, remote
		local.start()
		peer.start()
		if remote.Callbacks.OnConnected != nil {
			remote.Callbacks.OnConnected(peer)
		}
		if t.Callbacks.OnConnected != nil {
			t.Callbacks.OnConnected(local)
		}
	}()
}

func (t *MockTransport) Close() error {
	t.board.mu.Lock()
	defer t.board.mu.Unlock()
	delete(t.board.transports, t.addr)
	return nil
}

// MockLink delivers frames to its peer through a single consumer goroutine,
// preserving per-link arrival order.
type MockLink struct {
	id      uuid.UUID
	addr    string
	inbound bool
	peer    *MockLink
	owner   *MockTransport
	inbox   chan []byte

	mu     sync.Mutex
	closed bool
}

func newMockLink(addr string, inbound bool) *MockLink {
	return &MockLink{
		id:      uuid.New(),
		addr:    addr,
		inbound: inbound,
		inbox:   make(chan []byte, 256),
	}
}

func (l *MockLink) start() {
	go func() {
		for frame := range l.inbox {
			if l.owner.Callbacks.OnData != nil {
				l.owner.Callbacks.OnData(l, frame)
			}
		}
	}()
}

func (l *MockLink) Id() uuid.UUID      { return l.id }
func (l *MockLink) RemoteAddr() string { return l.addr }
func (l *MockLink) IsInbound() bool    { return l.inbound }

func (l *MockLink) Send(frame []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return errors.New("transport: link closed")
	}
	cp := append([]byte(nil), frame...)
	peer := l.peer
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.closed {
		return errors.New("transport: link closed")
	}
	select {
	case peer.inbox <- cp:
		return nil
	default:
		return errors.New("transport: peer inbox full")
	}
}

func (l *MockLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.inbox)
	l.mu.Unlock()
	if l.owner.Callbacks.OnClosed != nil {
		l.owner.Callbacks.OnClosed(l)
	}
	peer := l.peer
	go peer.Close()
	return nil
}
