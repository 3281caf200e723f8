package amqp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// newWebSocketPeer serves a testPeer over WebSocket. Peers are handed out
// on the returned channel as clients connect.
func newWebSocketPeer(upgrader websocket.Upgrader) (*httptest.Server, string, <-chan *testPeer) {
	peers := make(chan *testPeer, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		p := newPeer(&wsConn{ws: ws}, peerOpen())
		p.start()
		peers <- p
	}))
	return srv, "ws://" + strings.TrimPrefix(srv.URL, "http://"), peers
}

func TestWebSocketDial(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	srv, addr, peers := newWebSocketPeer(websocket.Upgrader{Subprotocols: []string{webSocketProtocol}})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialContext(ctx, addr+"/amqp",
		ConnIdleTimeout(0),
		ConnContainerID("ws-client"),
		ConnCloseTimeout(time.Second))
	require.NoError(t, err)

	p := <-peers
	defer p.conn.Close()

	open := expectFrame[*performOpen](t, p)
	require.Equal(t, "ws-client", open.ContainerID)
	require.Equal(t, "127.0.0.1", open.Hostname)

	s, err := client.NewSession(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	require.NoError(t, client.Close())
	expectFrame[*performClose](t, p)

	select {
	case <-p.done:
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not see the connection close")
	}
	require.NoError(t, p.failure())
}

func TestWebSocketSubprotocolRequired(t *testing.T) {
	srv, addr, _ := newWebSocketPeer(websocket.Upgrader{})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := DialContext(ctx, addr)
	require.Error(t, err)
	require.Contains(t, err.Error(), "subprotocol")
}
