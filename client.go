package amqp

import (
	"context"
	"crypto/tls"
	"net"
	"net/url"
	"time"
)

// Client is an AMQP client connection.
type Client struct {
	conn *conn
}

// Dial connects to an AMQP server.
//
// If the addr includes a scheme, it must be "amqp", "amqps", "ws" or "wss".
// TLS is used from the start when the scheme is "amqps" or "wss". The ws
// schemes carry AMQP over a WebSocket with the "amqp" subprotocol.
//
// If no port is provided, the scheme's default port is used (5672, 5671,
// 80 or 443).
//
// If username and password information is not empty it's used as SASL PLAIN
// credentials, equal to passing ConnSASLPlain option.
func Dial(addr string, opts ...ConnOption) (*Client, error) {
	return DialContext(context.Background(), addr, opts...)
}

// DialContext is Dial with a context bounding the transport dial.
func DialContext(ctx context.Context, addr string, opts ...ConnOption) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil {
		host = u.Host
		port = defaultPort(u.Scheme)
	}

	// prepend default options so user specified can overwrite
	defaultOpts := []ConnOption{ConnServerHostname(host)}
	if u.User != nil {
		pass, _ := u.User.Password()
		defaultOpts = append(defaultOpts, ConnSASLPlain(u.User.Username(), pass))
	}
	cfg, err := newConnConfig(append(defaultOpts, opts...))
	if err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: cfg.connectTimeout}
	tlsConfig := cfg.tlsConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: host}
	}

	var netConn net.Conn
	switch u.Scheme {
	case "amqp", "":
		netConn, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	case "amqps":
		td := &tls.Dialer{NetDialer: dialer, Config: tlsConfig}
		netConn, err = td.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
		// already encrypted, no in-band negotiation
		cfg.tlsNegotiation = false
	case "ws", "wss":
		netConn, err = dialWebSocket(ctx, u, tlsConfig, cfg.connectTimeout)
		cfg.tlsNegotiation = false
	default:
		return nil, errorErrorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	return newClient(netConn, cfg)
}

func defaultPort(scheme string) string {
	switch scheme {
	case "amqps":
		return "5671"
	case "ws":
		return "80"
	case "wss":
		return "443"
	}
	return "5672"
}

// New establishes an AMQP client connection over conn.
//
// New returns once the peer's Open has been received. It fails with a
// *HeaderMismatchError when the peer answers a protocol header with a
// different one.
func New(conn net.Conn, opts ...ConnOption) (*Client, error) {
	cfg, err := newConnConfig(opts)
	if err != nil {
		return nil, err
	}
	return newClient(conn, cfg)
}

func newClient(netConn net.Conn, cfg connConfig) (*Client, error) {
	c := newConn(netConn, cfg)
	if err := c.start(); err != nil {
		return nil, err
	}
	return &Client{conn: c}, nil
}

// Close disconnects the connection.
//
// Close sends a Close frame and waits for the peer's answer, bounded by
// ConnCloseTimeout. Sessions and links of the connection fail with an
// error wrapping ErrConnClosed.
func (c *Client) Close() error {
	return c.conn.close()
}

// LastReceived returns when the last frame, heartbeats included, was
// received from the peer.
func (c *Client) LastReceived() time.Time {
	return time.Unix(0, c.conn.lastReceived.Load())
}

// Done returns a channel that is closed once the connection has stopped,
// because of Close or a failure.
func (c *Client) Done() <-chan struct{} {
	return c.conn.done
}

// Err returns nil while the connection is open. Once Done is closed it
// returns ErrConnClosed after Close, a *ConnError when the peer closed the
// connection or the transport failed, or a *ProtocolError for a protocol
// violation detected locally.
func (c *Client) Err() error {
	select {
	case <-c.conn.done:
		return c.conn.doneErr
	default:
		return nil
	}
}

// NewSession opens a new AMQP session to the server.
func (c *Client) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	s := newSession(c.conn)
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	// get a channel allocated by conn.mux
	req := sessionReq{s: s, err: make(chan error, 1)}
	select {
	case c.conn.newSession <- req:
	case <-c.conn.done:
		return nil, c.conn.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := <-req.err; err != nil {
		return nil, err
	}

	// send Begin to server
	begin := &performBegin{
		NextOutgoingID: 0,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
	s.conn.log.Debug("tx begin", "channel", s.channel, "begin", begin)
	if err := s.txFrame(ctx, begin); err != nil {
		s.deallocate()
		if err == ErrConnClosed {
			err = c.conn.failure()
		}
		return nil, err
	}
	s.state = sessionBeginSent

	// wait for response
	var fr frame
	select {
	case <-c.conn.done:
		return nil, c.conn.doneErr
	case fr = <-s.rx:
	case <-ctx.Done():
		// the peer may still answer; end the session once it does
		go s.abandon()
		return nil, ctx.Err()
	}

	// conn.mux only routes to s once it has seen the peer's Begin
	resp, ok := fr.body.(*performBegin)
	if !ok {
		s.deallocate()
		return nil, errorErrorf("unexpected begin response: %v", fr.body)
	}

	s.begin(resp)
	go s.mux()

	return s, nil
}
