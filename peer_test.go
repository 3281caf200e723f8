package amqp

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testPeer is the far end of a net.Pipe speaking AMQP. By default it
// answers the connection, session and link handshakes; tests inject
// frames with write and inspect what the client sent with expect.
//
// Reading never waits on writing, since net.Pipe has no buffering.
type testPeer struct {
	conn net.Conn
	open *performOpen

	// header is the protocol header sent back; nil echoes the client's
	header []byte

	incoming chan frame // read by readLoop, consumed by serve
	received chan frame // every non-empty frame, for the test

	mu          sync.Mutex
	hook        func(fr frame) (bool, error)
	initiated   map[string]bool // handshakes the peer started
	beginWindow uint32
	err         error

	heartbeats atomic.Int32 // empty frames received

	done chan struct{}
}

func newTestPeer(open *performOpen) (*testPeer, net.Conn) {
	clientConn, peerConn := net.Pipe()
	return newPeer(peerConn, open), clientConn
}

// newPeer returns a testPeer speaking over conn.
func newPeer(conn net.Conn, open *performOpen) *testPeer {
	return &testPeer{
		conn:        conn,
		open:        open,
		incoming:    make(chan frame, 4096),
		received:    make(chan frame, 4096),
		initiated:   make(map[string]bool),
		beginWindow: 5000,
		done:        make(chan struct{}),
	}
}

// peerOpen is a valid peer Open with no idle timeout.
func peerOpen() *performOpen {
	return &performOpen{
		ContainerID:  "test-peer",
		MaxFrameSize: 65536,
		ChannelMax:   defaultPeerChannelMax,
	}
}

// newTestClient connects a Client to a new testPeer.
func newTestClient(t *testing.T, open *performOpen, opts ...ConnOption) (*Client, *testPeer) {
	t.Helper()
	p, clientConn := newTestPeer(open)
	p.start()
	t.Cleanup(func() { p.conn.Close() })

	opts = append([]ConnOption{ConnCloseTimeout(2 * time.Second), ConnIdleTimeout(0)}, opts...)
	client, err := New(clientConn, opts...)
	require.NoError(t, err)
	return client, p
}

func (p *testPeer) start() {
	go p.readLoop()
	go p.serve()
}

// onFrame installs fn ahead of the default answers. fn returns true when
// it handled the frame.
func (p *testPeer) onFrame(fn func(fr frame) (bool, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

func (p *testPeer) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

// failure returns the first error the peer hit while answering.
func (p *testPeer) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *testPeer) readLoop() {
	defer close(p.incoming)

	hdr := make([]byte, 8)
	if _, err := io.ReadFull(p.conn, hdr); err != nil {
		return
	}
	reply := p.header
	if reply == nil {
		reply = hdr
	}
	if _, err := p.conn.Write(reply); err != nil {
		return
	}

	for {
		var size [4]byte
		if _, err := io.ReadFull(p.conn, size[:]); err != nil {
			return
		}
		data := make([]byte, binary.BigEndian.Uint32(size[:]))
		copy(data, size[:])
		if _, err := io.ReadFull(p.conn, data[4:]); err != nil {
			return
		}
		fr, err := decodeFrame(data)
		if err != nil {
			p.setErr(err)
			return
		}
		if fr.body == nil {
			p.heartbeats.Add(1)
			continue
		}
		p.incoming <- fr
	}
}

func (p *testPeer) serve() {
	defer close(p.done)
	for fr := range p.incoming {
		p.received <- fr

		p.mu.Lock()
		hook := p.hook
		p.mu.Unlock()
		if hook != nil {
			handled, err := hook(fr)
			if err != nil {
				p.setErr(err)
				continue
			}
			if handled {
				continue
			}
		}
		if err := p.respond(fr); err != nil {
			p.setErr(err)
		}
	}
}

func handshakeKey(kind string, channel uint16, handle uint32) string {
	return kind + ":" + string(rune(channel)) + ":" + string(rune(handle))
}

// respond answers handshakes started by the client and swallows the
// answers to the ones started by the peer.
func (p *testPeer) respond(fr frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch body := fr.body.(type) {
	case *performOpen:
		return p.writeLocked(0, p.open)

	case *performBegin:
		ch := fr.channel
		return p.writeLocked(fr.channel, &performBegin{
			RemoteChannel:  &ch,
			NextOutgoingID: 0,
			IncomingWindow: p.beginWindow,
			OutgoingWindow: 5000,
			HandleMax:      defaultPeerHandleMax,
		})

	case *performAttach:
		return p.writeLocked(fr.channel, &performAttach{
			Name:                 body.Name,
			Handle:               body.Handle,
			Role:                 !body.Role,
			SenderSettleMode:     body.SenderSettleMode,
			ReceiverSettleMode:   body.ReceiverSettleMode,
			Source:               body.Source,
			Target:               body.Target,
			InitialDeliveryCount: 0,
		})

	case *performDetach:
		key := handshakeKey("detach", fr.channel, body.Handle)
		if p.initiated[key] {
			delete(p.initiated, key)
			return nil
		}
		return p.writeLocked(fr.channel, &performDetach{Handle: body.Handle, Closed: true})

	case *performEnd:
		key := handshakeKey("end", fr.channel, 0)
		if p.initiated[key] {
			delete(p.initiated, key)
			return nil
		}
		return p.writeLocked(fr.channel, &performEnd{})

	case *performClose:
		if p.initiated["close"] {
			return nil
		}
		return p.writeLocked(0, &performClose{})
	}
	return nil
}

// write sends body on channel.
func (p *testPeer) write(channel uint16, body frameBody) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeLocked(channel, body)
}

func (p *testPeer) writeLocked(channel uint16, body frameBody) error {
	buf := &buffer{}
	if err := writeFrame(buf, frame{typ: frameTypeAMQP, channel: channel, body: body}); err != nil {
		return err
	}
	_, err := p.conn.Write(buf.b)
	if err == io.ErrClosedPipe {
		// the client has already gone
		return nil
	}
	return err
}

// writeRaw sends data as is.
func (p *testPeer) writeRaw(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.conn.Write(data)
	return err
}

// detach starts a Detach from the peer's side.
func (p *testPeer) detach(channel uint16, handle uint32, e *Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated[handshakeKey("detach", channel, handle)] = true
	return p.writeLocked(channel, &performDetach{Handle: handle, Closed: true, Error: e})
}

// suspend detaches a link from the peer's side without closing it.
func (p *testPeer) suspend(channel uint16, handle uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated[handshakeKey("detach", channel, handle)] = true
	return p.writeLocked(channel, &performDetach{Handle: handle})
}

// end starts an End from the peer's side.
func (p *testPeer) end(channel uint16, e *Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated[handshakeKey("end", channel, 0)] = true
	return p.writeLocked(channel, &performEnd{Error: e})
}

// close starts a Close from the peer's side.
func (p *testPeer) close(e *Error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initiated["close"] = true
	return p.writeLocked(0, &performClose{Error: e})
}

// flow grants credit to the client's sending link with handle.
func (p *testPeer) flow(channel uint16, handle, deliveryCount, credit uint32) error {
	next := uint32(0)
	return p.write(channel, &performFlow{
		NextIncomingID: &next,
		IncomingWindow: 5000,
		NextOutgoingID: 0,
		OutgoingWindow: 5000,
		Handle:         &handle,
		DeliveryCount:  &deliveryCount,
		LinkCredit:     &credit,
	})
}

// next returns the next frame the client sent, waiting up to timeout.
func (p *testPeer) next(timeout time.Duration) (frame, bool) {
	select {
	case fr := <-p.received:
		return fr, true
	case <-time.After(timeout):
		return frame{}, false
	}
}

// expectFrame skips frames until one with a body of type T arrives.
func expectFrame[T frameBody](t *testing.T, p *testPeer) T {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case fr := <-p.received:
			if body, ok := fr.body.(T); ok {
				return body
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}
