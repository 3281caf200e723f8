package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/amqp10-go/amqp/internal/testconn"
)

func FuzzConn(f *testing.F) {
	seed, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{typ: frameTypeSASL, body: &saslMechanisms{Mechanisms: []Symbol{saslMechanismPLAIN}}},
		frame{typ: frameTypeSASL, body: &saslOutcome{Code: codeSASLOK}},
		[]byte("AMQP\x00\x01\x00\x00"),
		saslPeerOpen(),
		frame{typ: frameTypeAMQP, body: &performBegin{RemoteChannel: uint16Ptr(0), IncomingWindow: 100, OutgoingWindow: 100, HandleMax: 10}},
	)
	if err != nil {
		f.Fatal(err)
	}
	f.Add(seed)
	f.Add([]byte("AMQP\x00\x01\x00\x00"))

	f.Fuzz(func(t *testing.T, data []byte) {
		client, err := New(testconn.New(data),
			ConnSASLPlain("listen", "3aCXZYFcuZA89xe6lZkfYJvOPnTGipA3ap7NvPruBhI="),
			ConnIdleTimeout(10*time.Millisecond),
			ConnCloseTimeout(10*time.Millisecond),
			ConnConnectTimeout(100*time.Millisecond),
		)
		if err != nil {
			return
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		s, err := client.NewSession(ctx)
		if err != nil {
			return
		}
		defer s.Close(ctx)

		r, err := s.NewReceiver(ctx, LinkSourceAddress("source"), LinkCredit(2))
		if err != nil {
			return
		}

		msg, err := r.Receive(ctx)
		if err != nil {
			return
		}
		_ = msg.Accept(ctx)
	})
}

func FuzzUnmarshal(f *testing.F) {
	for _, tt := range exampleFrames {
		buf := &buffer{}
		if err := writeFrame(buf, tt.frame); err != nil {
			f.Fatal(err)
		}
		f.Add(buf.bytes())
	}
	for _, v := range []interface{}{
		&performAttach{Name: "fuzz", Source: &source{Address: "q"}, Target: &target{}},
		&Message{Data: [][]byte{[]byte("payload")}, ApplicationProperties: map[string]interface{}{"k": int64(1)}},
		map[Symbol]interface{}{"key": []Symbol{"a", "b"}},
		time.UnixMilli(1234),
	} {
		b, err := Marshal(v)
		if err != nil {
			f.Fatal(err)
		}
		f.Add(b)
	}

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = decodeFrame(data)
		_, _, _ = Unmarshal(data)

		for _, v := range fuzzTargets() {
			_, _ = unmarshal(&buffer{b: data}, v)
		}
	})
}

// fuzzTargets returns fresh values of every type the decoder supports.
func fuzzTargets() []interface{} {
	return []interface{}{
		new(performAttach),
		new(*performAttach),
		new(performBegin),
		new(*performBegin),
		new(performClose),
		new(*performClose),
		new(performDetach),
		new(*performDetach),
		new(performDisposition),
		new(*performDisposition),
		new(performEnd),
		new(*performEnd),
		new(performFlow),
		new(*performFlow),
		new(performOpen),
		new(*performOpen),
		new(performTransfer),
		new(*performTransfer),
		new(source),
		new(*source),
		new(target),
		new(*target),
		new(Error),
		new(*Error),
		new(saslCode),
		new(*saslCode),
		new(saslMechanisms),
		new(*saslMechanisms),
		new(saslOutcome),
		new(*saslOutcome),
		new(saslInit),
		new(*saslInit),
		new(Message),
		new(*Message),
		new(MessageHeader),
		new(*MessageHeader),
		new(MessageProperties),
		new(*MessageProperties),
		new(stateReceived),
		new(*stateReceived),
		new(stateAccepted),
		new(*stateAccepted),
		new(stateRejected),
		new(*stateRejected),
		new(stateReleased),
		new(*stateReleased),
		new(stateModified),
		new(*stateModified),
		new(filterSet),
		new(unsettled),
		new(*unsettled),
		new(milliseconds),
		new(*milliseconds),
		new(lifetimePolicy),
		new(bool),
		new(*bool),
		new(int8),
		new(int16),
		new(int32),
		new(int64),
		new(uint8),
		new(*uint8),
		new(uint16),
		new(*uint16),
		new(uint32),
		new(*uint32),
		new(uint64),
		new(*uint64),
		new(float32),
		new(float64),
		new(time.Time),
		new(*time.Time),
		new(Symbol),
		new(*Symbol),
		new(UUID),
		new([]byte),
		new(*[]byte),
		new([]string),
		new([]Symbol),
		new(*[]Symbol),
		new(map[interface{}]interface{}),
		new(*map[interface{}]interface{}),
		new(map[string]interface{}),
		new(*map[string]interface{}),
		new(map[Symbol]interface{}),
		new(*map[Symbol]interface{}),
		new(interface{}),
		new(*interface{}),
		new(ErrorCondition),
		new(*ErrorCondition),
		new(role),
		new(*role),
	}
}
