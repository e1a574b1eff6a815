package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single length-prefixed frame on the wire. Oversize
// coordination envelopes are rejected earlier by the decode capacity check;
// this guard protects the framing layer itself.
const MaxFrameSize = 64 * 1024

var errFrameSize = errors.New("transport: frame size is invalid")

// TCPLink frames messages over a TCP connection with a big-endian uint32
// length prefix.
type TCPLink struct {
	id      uuid.UUID
	conn    net.Conn
	inbound bool
	wmu     sync.Mutex

	closeOnce sync.Once
}

func (l *TCPLink) Id() uuid.UUID      { return l.id }
func (l *TCPLink) IsInbound() bool    { return l.inbound }
func (l *TCPLink) RemoteAddr() string { return l.conn.RemoteAddr().String() }

func (l *TCPLink) Send(frame []byte) error {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return errFrameSize
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if err := binary.Write(l.conn, binary.BigEndian, uint32(len(frame))); err != nil {
		return err
	}
	_, err := l.conn.Write(frame)
	return err
}

func (l *TCPLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

// TCPTransport accepts and dials framed TCP links.
type TCPTransport struct {
	Callbacks Callbacks

	ctx      context.Context
	cancel   context.CancelFunc
	listener net.Listener
	wg       sync.WaitGroup
}

func NewTCPTransport(ctx context.Context, cb Callbacks) *TCPTransport {
	tctx, cancel := context.WithCancel(ctx)
	return &TCPTransport{Callbacks: cb, ctx: tctx, cancel: cancel}
}

func (t *TCPTransport) Listen(addr string) error {
	config := net.ListenConfig{}
	listener, err := config.Listen(t.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	t.listener = listener
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for t.ctx.Err() == nil {
			conn, err := listener.Accept()
			if err != nil {
				if t.ctx.Err() != nil {
					return
				}
				continue
			}
			t.startLink(conn, true)
		}
	}()
	return nil
}

func (t *TCPTransport) Connect(addr string) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		d := net.Dialer{}
		conn, err := d.DialContext(t.ctx, "tcp", addr)
		if err != nil {
			if t.Callbacks.OnDialError != nil {
				t.Callbacks.OnDialError(addr, err)
			}
			return
		}
		t.startLink(conn, false)
	}()
}

func (t *TCPTransport) Close() error {
	t.cancel()
	if t.listener != nil {
		t.listener.Close()
	}
	t.wg.Wait()
	return nil
}

// startLink hands the link to the consumer and runs the read loop. Frames on
// one link are delivered in arrival order because a single goroutine reads
// the connection.
func (t *TCPTransport) startLink(conn net.Conn, inbound bool) {
	link := &TCPLink{id: uuid.New(), conn: conn, inbound: inbound}
	if t.Callbacks.OnConnected != nil {
		t.Callbacks.OnConnected(link)
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for t.ctx.Err() == nil {
			var length uint32
			if err := binary.Read(conn, binary.BigEndian, &length); err != nil {
				t.finish(link, err)
				return
			}
			if length == 0 || length > MaxFrameSize {
				t.finish(link, errFrameSize)
				return
			}
			frame := make([]byte, length)
			if _, err := io.ReadFull(conn, frame); err != nil {
				t.finish(link, err)
				return
			}
			if t.Callbacks.OnData != nil {
				t.Callbacks.OnData(link, frame)
			}
		}
	}()
}

func (t *TCPTransport) finish(link *TCPLink, err error) {
	link.Close()
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		if t.Callbacks.OnError != nil {
			t.Callbacks.OnError(link, err)
		}
	}
	if t.Callbacks.OnClosed != nil {
		t.Callbacks.OnClosed(link)
	}
}
