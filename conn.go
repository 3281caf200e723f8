package amqp

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// connection defaults
const (
	defaultMaxFrameSize   = 512
	defaultChannelMax     = 65535
	defaultIdleTimeout    = 1 * time.Minute
	defaultCloseTimeout   = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second

	// smallest max-frame-size a peer may advertise
	minMaxFrameSize = 512
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*connConfig) error

// connConfig is built from ConnOptions before the connection starts and
// is not modified afterwards.
type connConfig struct {
	hostname       string
	containerID    string
	tlsNegotiation bool
	tlsConfig      *tls.Config
	maxFrameSize   uint32
	channelMax     uint16
	idleTimeout    time.Duration
	closeTimeout   time.Duration
	connectTimeout time.Duration
	properties     map[Symbol]interface{}

	saslMechanisms   []SASLMechanism
	saslMaxFrameSize uint32

	logger Logger
	events func(Event)
}

func newConnConfig(opts []ConnOption) (connConfig, error) {
	cfg := connConfig{
		maxFrameSize:   defaultMaxFrameSize,
		channelMax:     defaultChannelMax,
		idleTimeout:    defaultIdleTimeout,
		closeTimeout:   defaultCloseTimeout,
		connectTimeout: defaultConnectTimeout,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return cfg, err
		}
	}
	if cfg.containerID == "" {
		cfg.containerID = uuid.NewString()
	}
	if cfg.logger == nil {
		cfg.logger = defaultLogger()
	}
	return cfg, nil
}

// ConnServerHostname sets the hostname sent in the AMQP
// Open frame and TLS ServerName (if not otherwise set).
//
// This is useful when the AMQP connection will be established
// via a pre-established TLS connection as the server may not
// know which hostname the client is attempting to connect to.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *connConfig) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLS toggles in-band TLS negotiation: the client sends the TLS
// protocol header and upgrades the connection before SASL and AMQP.
//
// Connections dialed with the "amqps" scheme use TLS from the start and
// do not need this option.
func ConnTLS(enable bool) ConnOption {
	return func(c *connConfig) error {
		c.tlsNegotiation = enable
		return nil
	}
}

// ConnTLSConfig sets the tls.Config to be used during
// TLS negotiation.
//
// This option is for advanced usage, in most scenarios
// providing a URL scheme of "amqps://" or ConnTLS(true)
// is sufficient.
func ConnTLSConfig(tc *tls.Config) ConnOption {
	return func(c *connConfig) error {
		c.tlsConfig = tc
		c.tlsNegotiation = true
		return nil
	}
}

// ConnIdleTimeout specifies the maximum period between receiving
// frames from the peer.
//
// The connection fails with an amqp:connection:framing-error when no
// frame arrives within the timeout. Disable by setting to zero.
//
// Default: 1 minute.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) error {
		if d < 0 {
			return errorNew("idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnMaxFrameSize sets the maximum frame size that
// the connection will accept.
//
// Must be 512 or greater.
//
// Default: 512.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *connConfig) error {
		if n < minMaxFrameSize {
			return errorErrorf("max frame size must be %d or greater", minMaxFrameSize)
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the maximum channel number, and therefore the
// number of sessions, the connection supports.
//
// Default: 65535.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *connConfig) error {
		c.channelMax = n
		return nil
	}
}

// ConnContainerID sets the container-id to use when opening the connection.
//
// A container ID will be randomly generated if this option is not used.
func ConnContainerID(id string) ConnOption {
	return func(c *connConfig) error {
		c.containerID = id
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent to the server.
//
// This option can be used multiple times.
func ConnProperty(key, value string) ConnOption {
	return func(c *connConfig) error {
		if key == "" {
			return errorNew("connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[Symbol]interface{})
		}
		c.properties[Symbol(key)] = value
		return nil
	}
}

// ConnCloseTimeout bounds how long Close waits for the peer to answer
// the Close frame before tearing down the transport.
//
// Default: 5 seconds.
func ConnCloseTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) error {
		if d <= 0 {
			return errorNew("close timeout must be positive")
		}
		c.closeTimeout = d
		return nil
	}
}

// ConnConnectTimeout configures how long to wait for the
// server during connection establishment.
//
// Once the connection has been established, ConnIdleTimeout
// applies. If duration is zero, no timeout will be applied.
//
// Default: 30 seconds.
func ConnConnectTimeout(d time.Duration) ConnOption {
	return func(c *connConfig) error {
		if d < 0 {
			return errorNew("connect timeout cannot be negative")
		}
		c.connectTimeout = d
		return nil
	}
}

// ConnLogger sets the logger used by the connection and everything it
// owns. *slog.Logger satisfies Logger.
//
// Default: nothing is logged.
func ConnLogger(l Logger) ConnOption {
	return func(c *connConfig) error {
		c.logger = l
		return nil
	}
}

type stateFunc func() stateFunc

// connState is the state of the connection endpoint.
type connState int32

const (
	connStart connState = iota
	connHdrExch
	connOpenSent
	connOpened
	connCloseSent
	connCloseRcvd
	connClosed
	connError
)

func (s connState) String() string {
	switch s {
	case connStart:
		return "START"
	case connHdrExch:
		return "HDR_EXCH"
	case connOpenSent:
		return "OPEN_SENT"
	case connOpened:
		return "OPENED"
	case connCloseSent:
		return "CLOSE_SENT"
	case connCloseRcvd:
		return "CLOSE_RCVD"
	case connClosed:
		return "CLOSED"
	case connError:
		return "ERROR"
	}
	return "UNKNOWN"
}

// txReq is an encoded frame waiting for connWriter.
type txReq struct {
	data []byte
	done chan struct{} // closed after the frame is written, if set
}

// sessionReq asks conn.mux to allocate a channel for s.
type sessionReq struct {
	s   *Session
	err chan error
}

// conn is an AMQP connection.
type conn struct {
	net net.Conn      // underlying connection
	rd  *bufio.Reader // buffers reads from net
	cfg connConfig
	log Logger

	// negotiated on Open
	peerOpen         *performOpen
	peerMaxFrameSize uint32        // limit for frames we send
	channelMax       uint16        // highest usable channel
	peerIdleTimeout  time.Duration // sets the keepalive cadence

	// connection establishment
	tlsComplete  bool
	saslComplete bool
	saslMech     SASLMechanism
	err          error // error from establishment

	state        atomic.Int32
	lastReceived atomic.Int64 // unix nanoseconds

	// engine goroutines
	ctx        context.Context // canceled when any engine goroutine fails
	group      *errgroup.Group
	rxFrame    chan frame
	rxErr      chan error
	txFrame    chan txReq
	newSession chan sessionReq
	delSession chan *Session
	closeReq   chan struct{}
	closeOnce  sync.Once

	// closed once every engine goroutine has returned; doneErr is set first
	done    chan struct{}
	doneErr error
}

func newConn(netConn net.Conn, cfg connConfig) *conn {
	c := &conn{
		net:              netConn,
		rd:               bufio.NewReader(netConn),
		cfg:              cfg,
		log:              cfg.logger,
		peerMaxFrameSize: minMaxFrameSize,
		channelMax:       cfg.channelMax,
		rxFrame:          make(chan frame),
		rxErr:            make(chan error, 1), // buffered so connReader never leaks
		txFrame:          make(chan txReq),
		newSession:       make(chan sessionReq),
		delSession:       make(chan *Session),
		closeReq:         make(chan struct{}),
		done:             make(chan struct{}),
	}
	c.lastReceived.Store(time.Now().UnixNano())
	return c
}

func (c *conn) setState(s connState) {
	old := connState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("connection state", "from", old, "to", s)
	}
}

func (c *conn) getState() connState {
	return connState(c.state.Load())
}

func (c *conn) emit(e Event) {
	if c.cfg.events != nil {
		c.cfg.events(e)
	}
}

// start runs connection establishment and, once the peer's Open has been
// received, starts the engine goroutines.
func (c *conn) start() error {
	if d := c.cfg.connectTimeout; d > 0 {
		_ = c.net.SetDeadline(time.Now().Add(d))
	}

	for state := c.negotiateProto; state != nil; {
		state = state()
	}

	if c.err != nil {
		c.setState(connError)
		c.net.Close()
		return c.err
	}

	_ = c.net.SetDeadline(time.Time{})
	c.run()
	return nil
}

// run starts connReader, connWriter and mux. The first of them to fail
// cancels the others and closes the transport.
func (c *conn) run() {
	var ctx context.Context
	c.group, ctx = errgroup.WithContext(context.Background())
	c.ctx = ctx

	c.group.Go(func() error { return c.connReader(ctx) })
	c.group.Go(func() error { return c.connWriter(ctx) })
	c.group.Go(func() error { return c.mux(ctx) })
	c.group.Go(func() error {
		<-ctx.Done()
		// unblocks connReader
		return c.net.Close()
	})

	go func() {
		err := c.group.Wait()
		if err == ErrConnClosed {
			c.setState(connClosed)
			c.log.Debug("connection closed", "container_id", c.cfg.containerID)
		} else {
			c.setState(connError)
			c.log.Error("connection failed", "container_id", c.cfg.containerID, "error", err)
		}
		c.doneErr = err
		close(c.done)
		c.emit(Event{Type: EventConnClosed, Err: err})
	}()

	c.emit(Event{Type: EventConnOpened})
}

// close requests the Close handshake and waits for the engine to stop.
func (c *conn) close() error {
	c.closeOnce.Do(func() { close(c.closeReq) })
	<-c.done
	if c.doneErr == ErrConnClosed {
		return nil
	}
	return c.doneErr
}

// failure waits for the engine to stop and returns the reason. It must
// not be called from an engine goroutine.
func (c *conn) failure() error {
	<-c.done
	return c.doneErr
}

// sendFrame encodes fr and queues it on connWriter. Frames that exceed the
// peer's max-frame-size fail with *FrameSizeError and are not sent.
func (c *conn) sendFrame(ctx context.Context, fr frame) error {
	buf := &buffer{}
	if err := encodeFrame(buf, fr, c.peerMaxFrameSize); err != nil {
		return err
	}

	select {
	case c.txFrame <- txReq{data: buf.detach(), done: fr.done}:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readFrame reads the next frame from the transport. Frames larger than
// our max-frame-size are rejected before their body is read.
func (c *conn) readFrame() (frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(c.rd, hdr[:]); err != nil {
		return frame{}, err
	}

	size := binary.BigEndian.Uint32(hdr[:4])
	if size > c.cfg.maxFrameSize {
		return frame{}, newProtocolError(ErrorFramingError, nil,
			"received frame of %d bytes exceeds max-frame-size %d", size, c.cfg.maxFrameSize)
	}
	if size < frameHeaderSize {
		return frame{}, newProtocolError(ErrorFramingError, nil, "frame size %d is smaller than the frame header", size)
	}

	data := make([]byte, size)
	copy(data, hdr[:])
	if _, err := io.ReadFull(c.rd, data[frameHeaderSize:]); err != nil {
		return frame{}, err
	}
	c.lastReceived.Store(time.Now().UnixNano())

	fr, err := decodeFrame(data)
	if err != nil {
		return frame{}, newProtocolError(ErrorFramingError, err, "%v", err)
	}
	c.log.Debug("rx frame", "channel", fr.channel, "body", fr.body)
	return fr, nil
}

// connReader reads frames off the transport in order and hands them to
// mux. A read error is reported to mux, which decides how to close.
func (c *conn) connReader(ctx context.Context) error {
	for {
		fr, err := c.readFrame()
		if err != nil {
			select {
			case c.rxErr <- err:
			case <-ctx.Done():
			}
			return nil
		}

		select {
		case c.rxFrame <- fr:
		case <-ctx.Done():
			return nil
		}
	}
}

// connWriter is the only writer of the transport after establishment.
// It also sends an empty frame at half the peer's idle timeout.
func (c *conn) connWriter(ctx context.Context) error {
	var keepalive <-chan time.Time
	if d := c.peerIdleTimeout / 2; d > 0 {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		keepalive = ticker.C
	}

	heartbeat := &buffer{}
	_ = writeFrame(heartbeat, frame{typ: frameTypeAMQP})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case req := <-c.txFrame:
			if err := c.write(req.data); err != nil {
				return err
			}
			if req.done != nil {
				close(req.done)
			}

		case <-keepalive:
			if err := c.write(heartbeat.b); err != nil {
				return err
			}
		}
	}
}

func (c *conn) write(data []byte) error {
	if _, err := c.net.Write(data); err != nil {
		return &ConnError{inner: errorWrapf(err, "writing frame")}
	}
	return nil
}

// mux routes inbound frames to sessions by channel, allocates channels
// and runs the Close handshake. It always returns a non-nil error, which
// stops the other engine goroutines.
func (c *conn) mux(ctx context.Context) error {
	sessions := make(map[uint16]*Session)       // by local channel
	remoteSessions := make(map[uint16]*Session) // by the peer's channel

	var idle <-chan time.Time
	var idleTimer *time.Timer
	if c.cfg.idleTimeout > 0 {
		idleTimer = time.NewTimer(c.cfg.idleTimeout)
		defer idleTimer.Stop()
		idle = idleTimer.C
	}

	// set once our Close has been sent
	var (
		closeSent  bool
		closeErr   error
		closeTimer <-chan time.Time
		closeReq   = c.closeReq
	)

	sendClose := func(e *Error, result error) {
		c.setState(connCloseSent)
		closeSent, closeErr = true, result
		closeReq, idle = nil, nil
		closeTimer = time.After(c.cfg.closeTimeout)

		wctx, cancel := context.WithTimeout(ctx, c.cfg.closeTimeout)
		defer cancel()
		done := make(chan struct{})
		err := c.sendFrame(wctx, frame{typ: frameTypeAMQP, body: &performClose{Error: e}, done: done})
		if err == nil {
			select {
			case <-done:
			case <-wctx.Done():
				err = wctx.Err()
			}
		}
		if err != nil {
			c.log.Warn("failed to send close", "error", err)
		}
	}

	fail := func(pe *ProtocolError) {
		c.log.Error("protocol violation", "condition", pe.Condition, "error", pe)
		sendClose(pe.wire(), pe)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-c.rxErr:
			if closeSent {
				// peer dropped the transport instead of answering
				return closeErr
			}
			if pe, ok := err.(*ProtocolError); ok {
				fail(pe)
				continue
			}
			return &ConnError{inner: err}

		case fr := <-c.rxFrame:
			if idleTimer != nil && idle != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(c.cfg.idleTimeout)
			}

			if fr.body == nil {
				continue // heartbeat
			}

			if closeSent {
				if _, ok := fr.body.(*performClose); ok {
					return closeErr
				}
				c.log.Debug("dropping frame received after close", "channel", fr.channel, "body", fr.body)
				continue
			}

			if fr.typ != frameTypeAMQP {
				fail(newProtocolError(ErrorFramingError, nil, "unexpected frame type %#02x", fr.typ))
				continue
			}

			switch body := fr.body.(type) {
			case *performClose:
				c.setState(connCloseRcvd)
				c.log.Info("peer closed connection", "error", body.Error)
				sendClose(nil, nil)
				return &ConnError{RemoteError: body.Error}

			case *performUnknown:
				fail(newProtocolError(ErrorFramingError, &UnknownPerformativeError{Descriptor: body.Descriptor},
					"unknown performative %v", body.Descriptor))
				continue

			case *performOpen:
				fail(newProtocolError(ErrorIllegalState, nil, "unexpected open on an opened connection"))
				continue

			case *performBegin:
				if body.RemoteChannel == nil {
					// sessions are only initiated locally
					c.log.Warn("ignoring peer initiated session", "channel", fr.channel)
					continue
				}
				s, ok := sessions[*body.RemoteChannel]
				if !ok || s.remoteChannelSet {
					fail(newProtocolError(ErrorFramingError, nil, "begin for unknown channel %d", *body.RemoteChannel))
					continue
				}
				s.remoteChannel, s.remoteChannelSet = fr.channel, true
				remoteSessions[fr.channel] = s
			}

			s, ok := remoteSessions[fr.channel]
			if !ok {
				fail(newProtocolError(ErrorFramingError, nil, "frame on unmapped channel %d: %v", fr.channel, fr.body))
				continue
			}

			select {
			case s.rx <- fr:
			case <-ctx.Done():
				return ctx.Err()
			}

		case req := <-c.newSession:
			if closeSent {
				req.err <- ErrConnClosed
				continue
			}
			ch, ok := allocateChannel(sessions, c.channelMax)
			if !ok {
				req.err <- errorErrorf("reached connection channel max (%d)", c.channelMax)
				continue
			}
			req.s.channel = ch
			sessions[ch] = req.s
			req.err <- nil

		case s := <-c.delSession:
			if sessions[s.channel] == s {
				delete(sessions, s.channel)
			}
			if s.remoteChannelSet && remoteSessions[s.remoteChannel] == s {
				delete(remoteSessions, s.remoteChannel)
			}

		case <-closeReq:
			sendClose(nil, ErrConnClosed)

		case <-closeTimer:
			c.log.Warn("timed out waiting for close from peer", "timeout", c.cfg.closeTimeout)
			return closeErr

		case <-idle:
			fail(newProtocolError(ErrorFramingError, nil, "no frame received within idle timeout %v", c.cfg.idleTimeout))
		}
	}
}

// allocateChannel returns the lowest channel not in use.
func allocateChannel(sessions map[uint16]*Session, channelMax uint16) (uint16, bool) {
	for ch := 0; ch <= int(channelMax); ch++ {
		if _, ok := sessions[uint16(ch)]; !ok {
			return uint16(ch), true
		}
	}
	return 0, false
}

/*
On connection open, we'll need to handle 4 possible scenarios:
1. Straight into AMQP.
2. SASL -> AMQP.
3. TLS -> AMQP.
4. TLS -> SASL -> AMQP
*/
func (c *conn) negotiateProto() stateFunc {
	switch {
	case c.cfg.tlsNegotiation && !c.tlsComplete:
		return c.exchangeProtoHeader(protoTLS)
	case len(c.cfg.saslMechanisms) > 0 && !c.saslComplete:
		return c.exchangeProtoHeader(protoSASL)
	default:
		return c.exchangeProtoHeader(protoAMQP)
	}
}

// exchangeProtoHeader sends the protocol header for id and requires the
// peer to answer with the same header.
func (c *conn) exchangeProtoHeader(id protoID) stateFunc {
	c.setState(connHdrExch)
	sent := newProtoHeader(id)

	if _, err := c.net.Write(sent.bytes()); err != nil {
		c.err = errorWrapf(err, "writing protocol header")
		return nil
	}

	buf := make([]byte, 8)
	if _, err := io.ReadFull(c.rd, buf); err != nil {
		c.err = errorWrapf(err, "reading protocol header")
		return nil
	}

	received, err := parseProtoHeader(buf)
	if err != nil {
		c.err = err
		return nil
	}
	if received != sent {
		c.err = &HeaderMismatchError{Sent: sent, Received: received}
		return nil
	}
	c.log.Debug("protocol header exchanged", "proto", received)

	switch id {
	case protoAMQP:
		return c.txOpen
	case protoTLS:
		return c.startTLS
	case protoSASL:
		return c.protoSASL
	}
	c.err = errorErrorf("unknown protocol ID %#02x", uint8(id))
	return nil
}

// startTLS upgrades the transport after the TLS protocol header exchange.
func (c *conn) startTLS() stateFunc {
	cfg := new(tls.Config)
	if c.cfg.tlsConfig != nil {
		cfg = c.cfg.tlsConfig.Clone()
	}
	if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
		cfg.ServerName = c.cfg.hostname
	}

	tlsConn := tls.Client(c.net, cfg)
	if err := tlsConn.Handshake(); err != nil {
		c.err = errorWrapf(err, "TLS handshake")
		return nil
	}

	c.net = tlsConn
	c.rd = bufio.NewReader(tlsConn)
	c.tlsComplete = true
	return c.negotiateProto
}

// writeEstablishmentFrame writes fr straight to the transport. It is only
// used before the engine goroutines start.
func (c *conn) writeEstablishmentFrame(fr frame, maxSize uint32) error {
	buf := &buffer{}
	if err := encodeFrame(buf, fr, maxSize); err != nil {
		return err
	}
	_, err := c.net.Write(buf.b)
	return err
}

func (c *conn) txOpen() stateFunc {
	open := &performOpen{
		ContainerID:  c.cfg.containerID,
		Hostname:     c.cfg.hostname,
		MaxFrameSize: c.cfg.maxFrameSize,
		ChannelMax:   c.cfg.channelMax,
		IdleTimeout:  c.cfg.idleTimeout,
		Properties:   c.cfg.properties,
	}
	c.log.Debug("tx open", "open", open)

	// the peer's limit is unknown until its Open arrives, so stay within
	// the minimum every peer accepts
	c.err = c.writeEstablishmentFrame(frame{typ: frameTypeAMQP, body: open}, minMaxFrameSize)
	if c.err != nil {
		return nil
	}
	c.setState(connOpenSent)
	return c.rxOpen
}

func (c *conn) rxOpen() stateFunc {
	fr, err := c.readEstablishmentFrame()
	if err != nil {
		c.err = errorWrapf(err, "reading open")
		return nil
	}

	if fr.typ != frameTypeAMQP {
		c.err = errorErrorf("unexpected frame type %#02x, expected AMQP", fr.typ)
		return nil
	}

	switch body := fr.body.(type) {
	case *performOpen:
		c.peerOpen = body
	case *performClose:
		// the peer refused the connection
		c.err = &ConnError{RemoteError: body.Error}
		return nil
	default:
		c.err = errorErrorf("unexpected frame %v, expected open", fr.body)
		return nil
	}

	o := c.peerOpen
	c.log.Debug("rx open", "open", o)

	if o.MaxFrameSize < minMaxFrameSize {
		c.err = newProtocolError(ErrorFrameSizeTooSmall, nil,
			"peer max-frame-size %d is below the minimum %d", o.MaxFrameSize, minMaxFrameSize)
		return nil
	}

	c.peerMaxFrameSize = c.cfg.maxFrameSize
	if o.MaxFrameSize < c.peerMaxFrameSize {
		c.peerMaxFrameSize = o.MaxFrameSize
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	c.peerIdleTimeout = o.IdleTimeout

	c.setState(connOpened)
	return nil
}

// readEstablishmentFrame reads the next non-empty frame.
func (c *conn) readEstablishmentFrame() (frame, error) {
	for {
		fr, err := c.readFrame()
		if err != nil {
			return fr, err
		}
		if fr.body != nil {
			return fr, nil
		}
	}
}

func (c *conn) protoSASL() stateFunc {
	fr, err := c.readEstablishmentFrame()
	if err != nil {
		c.err = errorWrapf(err, "reading SASL mechanisms")
		return nil
	}

	sm, ok := fr.body.(*saslMechanisms)
	if !ok || fr.typ != frameTypeSASL {
		c.err = errorErrorf("unexpected frame %v, expected SASL mechanisms", fr.body)
		return nil
	}

	for _, want := range c.cfg.saslMechanisms {
		for _, offered := range sm.Mechanisms {
			if want.Name() == offered {
				c.saslMech = want
				return c.saslInit
			}
		}
	}

	c.err = errorErrorf("no supported auth mechanism (%v)", sm.Mechanisms)
	return nil
}

// saslMaxFrameSize is the size limit of SASL frames we send.
func (c *conn) saslMaxFrameSize() uint32 {
	if c.cfg.saslMaxFrameSize > minMaxFrameSize {
		return c.cfg.saslMaxFrameSize
	}
	return minMaxFrameSize
}

func (c *conn) saslInit() stateFunc {
	resp, err := c.saslMech.InitialResponse(c.cfg.hostname)
	if err != nil {
		c.err = err
		return nil
	}

	c.err = c.writeEstablishmentFrame(frame{
		typ: frameTypeSASL,
		body: &saslInit{
			Mechanism:       c.saslMech.Name(),
			InitialResponse: resp,
			Hostname:        c.cfg.hostname,
		},
	}, c.saslMaxFrameSize())
	if c.err != nil {
		return nil
	}
	return c.saslExchange
}

// saslExchange answers challenges until the server sends its outcome.
func (c *conn) saslExchange() stateFunc {
	fr, err := c.readEstablishmentFrame()
	if err != nil {
		c.err = errorWrapf(err, "reading SASL outcome")
		return nil
	}
	if fr.typ != frameTypeSASL {
		c.err = errorErrorf("unexpected frame type %#02x, expected SASL", fr.typ)
		return nil
	}

	switch body := fr.body.(type) {
	case *saslChallenge:
		resp, err := c.saslMech.Challenge(body.Challenge)
		if err != nil {
			c.err = err
			return nil
		}
		c.err = c.writeEstablishmentFrame(frame{
			typ:  frameTypeSASL,
			body: &saslResponse{Response: resp},
		}, c.saslMaxFrameSize())
		if c.err != nil {
			return nil
		}
		return c.saslExchange

	case *saslOutcome:
		if body.Code != codeSASLOK {
			c.err = errorErrorf("SASL %s authentication failed with code %#00x: %s",
				c.saslMech.Name(), uint8(body.Code), body.AdditionalData)
			return nil
		}
		c.log.Debug("SASL authentication complete", "mechanism", c.saslMech.Name())
		c.saslComplete = true
		return c.negotiateProto

	default:
		c.err = errorErrorf("unexpected frame %v during SASL exchange", fr.body)
		return nil
	}
}
