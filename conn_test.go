package amqp

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/amqp10-go/amqp/internal/testconn"
)

// eventLog records events delivered through ConnEvents.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	types := make([]EventType, len(l.events))
	for i, e := range l.events {
		types[i] = e.Type
	}
	return types
}

func (l *eventLog) find(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return e, true
		}
	}
	return Event{}, false
}

func waitDone(t *testing.T, client *Client) {
	t.Helper()
	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not stop")
	}
}

func TestConnOpenClose(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen(),
		ConnContainerID("client-1"),
		ConnServerHostname("broker.example.com"),
		ConnProperty("product", "test"))
	require.NoError(t, client.Err())

	open := expectFrame[*performOpen](t, p)
	require.Equal(t, "client-1", open.ContainerID)
	require.Equal(t, "broker.example.com", open.Hostname)
	require.Equal(t, uint32(defaultMaxFrameSize), open.MaxFrameSize)
	require.Equal(t, map[Symbol]interface{}{"product": "test"}, open.Properties)

	require.NoError(t, client.Close())
	expectFrame[*performClose](t, p)
	require.Equal(t, ErrConnClosed, client.Err())

	// closing twice is harmless
	require.NoError(t, client.Close())
	require.NoError(t, p.failure())
}

func TestConnHeaderMismatch(t *testing.T) {
	c := testconn.New([]byte("AMQP\x03\x01\x00\x00"))
	_, err := New(c)

	var hme *HeaderMismatchError
	require.True(t, errors.As(err, &hme), "got %v", err)
	require.Equal(t, protoAMQP, hme.Sent.ProtoID)
	require.Equal(t, protoSASL, hme.Received.ProtoID)
}

func TestConnPeerRefusesOpen(t *testing.T) {
	buf, err := peerResponse(
		[]byte("AMQP\x00\x01\x00\x00"),
		frame{typ: frameTypeAMQP, body: &performClose{Error: &Error{Condition: ErrorUnauthorizedAccess, Description: "no"}}},
	)
	require.NoError(t, err)

	_, err = New(testconn.New(buf))
	var ce *ConnError
	require.True(t, errors.As(err, &ce), "got %v", err)
	require.Equal(t, ErrorUnauthorizedAccess, ce.RemoteError.Condition)
}

func TestConnPeerFrameSizeTooSmall(t *testing.T) {
	buf, err := peerResponse(
		[]byte("AMQP\x00\x01\x00\x00"),
		frame{typ: frameTypeAMQP, body: &performOpen{ContainerID: "peer", MaxFrameSize: 256, ChannelMax: 65535}},
	)
	require.NoError(t, err)

	_, err = New(testconn.New(buf))
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe), "got %v", err)
	require.Equal(t, ErrorFrameSizeTooSmall, pe.Condition)
}

func TestConnMaxFrameSizeNegotiation(t *testing.T) {
	defer leaktest.Check(t)()

	open := peerOpen()
	open.MaxFrameSize = 1024
	client, p := newTestClient(t, open, ConnMaxFrameSize(4096))
	defer client.Close()

	sent := expectFrame[*performOpen](t, p)
	require.Equal(t, uint32(4096), sent.MaxFrameSize)
	require.Equal(t, uint32(1024), client.conn.peerMaxFrameSize)

	// frames over the peer's limit are refused locally
	err := client.conn.sendFrame(context.Background(), frame{
		typ:  frameTypeAMQP,
		body: &performTransfer{Handle: 0, DeliveryID: uint32Ptr(0), Payload: make([]byte, 2000)},
	})
	var fse *FrameSizeError
	require.True(t, errors.As(err, &fse), "got %v", err)
	require.Equal(t, uint32(1024), fse.Max)
	require.NoError(t, client.Err())
}

func TestConnPeerClose(t *testing.T) {
	defer leaktest.Check(t)()

	events := &eventLog{}
	client, p := newTestClient(t, peerOpen(), ConnEvents(events.record))
	expectFrame[*performOpen](t, p)

	require.NoError(t, p.close(&Error{Condition: ErrorConnectionForced, Description: "shutting down"}))
	waitDone(t, client)

	var ce *ConnError
	require.True(t, errors.As(client.Err(), &ce), "got %v", client.Err())
	require.Equal(t, ErrorConnectionForced, ce.RemoteError.Condition)

	// the client answers the peer's Close
	reply := expectFrame[*performClose](t, p)
	require.Nil(t, reply.Error)

	require.Error(t, client.Close())

	require.Eventually(t, func() bool {
		_, ok := events.find(EventConnClosed)
		return ok
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, []EventType{EventConnOpened, EventConnClosed}, events.types())
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConnLogging(t *testing.T) {
	defer leaktest.Check(t)()

	global := &syncBuffer{}
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(slog.New(slog.NewTextHandler(global, &slog.HandlerOptions{Level: slog.LevelDebug})))

	// silent without a configured logger
	client, p := newTestClient(t, peerOpen())
	expectFrame[*performOpen](t, p)
	require.NoError(t, p.close(&Error{Condition: ErrorConnectionForced}))
	waitDone(t, client)
	require.Empty(t, global.String())

	configured := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(configured, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client, p = newTestClient(t, peerOpen(), ConnLogger(logger))
	expectFrame[*performOpen](t, p)
	require.NoError(t, p.close(&Error{Condition: ErrorConnectionForced}))
	waitDone(t, client)
	require.Contains(t, configured.String(), "connection failed")
	require.Empty(t, global.String())
}

func TestConnIdleTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen(), ConnIdleTimeout(100*time.Millisecond))
	expectFrame[*performOpen](t, p)

	waitDone(t, client)
	var pe *ProtocolError
	require.True(t, errors.As(client.Err(), &pe), "got %v", client.Err())
	require.Equal(t, ErrorFramingError, pe.Condition)

	cl := expectFrame[*performClose](t, p)
	require.NotNil(t, cl.Error)
	require.Equal(t, ErrorFramingError, cl.Error.Condition)
}

func TestConnKeepalive(t *testing.T) {
	defer leaktest.Check(t)()

	open := peerOpen()
	open.IdleTimeout = 100 * time.Millisecond
	client, p := newTestClient(t, open)
	defer client.Close()

	require.Eventually(t, func() bool {
		return p.heartbeats.Load() >= 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnLastReceived(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen())
	defer client.Close()
	expectFrame[*performOpen](t, p)

	before := client.LastReceived()
	time.Sleep(10 * time.Millisecond)

	heartbeat := &buffer{}
	require.NoError(t, writeFrame(heartbeat, frame{typ: frameTypeAMQP}))
	require.NoError(t, p.writeRaw(heartbeat.b))

	require.Eventually(t, func() bool {
		return client.LastReceived().After(before)
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, client.Err())
}

func TestConnUnknownPerformative(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen())
	expectFrame[*performOpen](t, p)

	buf := &buffer{}
	buf.write([]byte{0, 0, 0, 0, 2, 0, 0, 0})
	writeDescriptor(buf, 0x30)
	buf.writeByte(byte(typeCodeList0))
	buf.b[3] = byte(buf.len())
	require.NoError(t, p.writeRaw(buf.b))

	waitDone(t, client)
	var upe *UnknownPerformativeError
	require.True(t, errors.As(client.Err(), &upe), "got %v", client.Err())

	cl := expectFrame[*performClose](t, p)
	require.Equal(t, ErrorFramingError, cl.Error.Condition)
}

func TestConnUnexpectedOpen(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen())
	expectFrame[*performOpen](t, p)

	require.NoError(t, p.write(0, peerOpen()))
	waitDone(t, client)

	var pe *ProtocolError
	require.True(t, errors.As(client.Err(), &pe), "got %v", client.Err())
	require.Equal(t, ErrorIllegalState, pe.Condition)
}

func TestConnFrameOnUnmappedChannel(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen())
	expectFrame[*performOpen](t, p)

	require.NoError(t, p.write(7, &performEnd{}))
	waitDone(t, client)

	var pe *ProtocolError
	require.True(t, errors.As(client.Err(), &pe), "got %v", client.Err())
	require.Equal(t, ErrorFramingError, pe.Condition)
}

func TestConnReceivedFrameTooLarge(t *testing.T) {
	defer leaktest.Check(t)()

	client, p := newTestClient(t, peerOpen(), ConnCloseTimeout(200*time.Millisecond))
	expectFrame[*performOpen](t, p)

	// the client stops reading at the header, so the rest of the write
	// only returns once the connection is torn down
	go func() {
		_ = p.write(0, &performTransfer{Handle: 0, DeliveryID: uint32Ptr(0), Payload: make([]byte, 1000)})
	}()

	waitDone(t, client)
	var pe *ProtocolError
	require.True(t, errors.As(client.Err(), &pe), "got %v", client.Err())
	require.Equal(t, ErrorFramingError, pe.Condition)

	cl := expectFrame[*performClose](t, p)
	require.Equal(t, ErrorFramingError, cl.Error.Condition)
}

func TestConnChannelMax(t *testing.T) {
	defer leaktest.Check(t)()

	open := peerOpen()
	open.ChannelMax = 0
	client, p := newTestClient(t, open)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := client.NewSession(ctx)
	require.NoError(t, err)
	require.Equal(t, uint16(0), s.channel)

	_, err = client.NewSession(ctx)
	require.Error(t, err)
	require.Contains(t, err.Error(), "channel max")

	require.NoError(t, s.Close(ctx))
	require.NoError(t, p.failure())
}

func TestNewSessionAfterClose(t *testing.T) {
	defer leaktest.Check(t)()

	client, _ := newTestClient(t, peerOpen())
	require.NoError(t, client.Close())

	_, err := client.NewSession(context.Background())
	require.Equal(t, ErrConnClosed, err)
}
