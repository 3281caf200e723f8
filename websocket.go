package amqp

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// webSocketProtocol is the subprotocol negotiated for AMQP over WebSocket.
const webSocketProtocol = "amqp"

// dialWebSocket opens a WebSocket to u and returns it as a byte stream.
// Each write is sent as one binary message.
func dialWebSocket(ctx context.Context, u *url.URL, tlsConfig *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := &websocket.Dialer{
		Subprotocols:     []string{webSocketProtocol},
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: timeout,
	}

	// credentials travel in SASL, not in the handshake
	target := *u
	target.User = nil

	ws, resp, err := dialer.DialContext(ctx, target.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errorWrapf(err, "websocket dial %s", target.Redacted())
	}
	if ws.Subprotocol() != webSocketProtocol {
		ws.Close()
		return nil, errorErrorf("websocket server did not accept the %q subprotocol", webSocketProtocol)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a WebSocket to net.Conn. Message boundaries are not
// significant to AMQP framing.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader // current message
}

func (c *wsConn) Read(p []byte) (int, error) {
	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				return 0, errorErrorf("unexpected websocket message type %d", typ)
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }
