package amqp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var exampleFrames = []struct {
	label string
	frame frame
}{
	{
		label: "transfer",
		frame: frame{
			typ:     frameTypeAMQP,
			channel: 10,
			body: &performTransfer{
				Handle:             34983,
				DeliveryID:         uint32Ptr(564),
				DeliveryTag:        []byte("foo tag"),
				MessageFormat:      uint32Ptr(34),
				Settled:            true,
				More:               true,
				ReceiverSettleMode: rcvSettle(ModeSecond),
				State:              &stateReceived{},
				Resume:             true,
				Aborted:            true,
				Batchable:          true,
				Payload:            []byte("very important payload"),
			},
		},
	},
	{
		label: "open",
		frame: frame{
			typ: frameTypeAMQP,
			body: &performOpen{
				ContainerID:  "container",
				Hostname:     "broker.example.com",
				MaxFrameSize: 512,
				ChannelMax:   12,
				IdleTimeout:  30 * time.Second,
			},
		},
	},
	{
		label: "sasl-outcome",
		frame: frame{
			typ: frameTypeSASL,
			body: &saslOutcome{
				Code:           codeSASLAuth,
				AdditionalData: []byte("bad credentials"),
			},
		},
	},
}

func TestFrameMarshalUnmarshal(t *testing.T) {
	for _, tt := range exampleFrames {
		t.Run(tt.label, func(t *testing.T) {
			buf := &buffer{}

			err := writeFrame(buf, tt.frame)
			if err != nil {
				t.Errorf("%+v", err)
			}

			header, err := parseFrameHeader(&buffer{b: buf.bytes()})
			if err != nil {
				t.Errorf("%+v", err)
			}

			want := tt.frame
			if header.Channel != want.channel {
				t.Errorf("Expected channel to be %d, but it is %d", want.channel, header.Channel)
			}
			if header.FrameType != want.typ {
				t.Errorf("Expected frame type to be %d, but it is %d", want.typ, header.FrameType)
			}
			if int(header.Size) != buf.len() {
				t.Errorf("Expected size to be %d, but it is %d", buf.len(), header.Size)
			}

			got, err := decodeFrame(buf.bytes())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !testEqual(want.body, got.body) {
				t.Errorf("Roundtrip produced different results:\n %s", testDiff(want.body, got.body))
			}
		})
	}
}

func TestEmptyFrame(t *testing.T) {
	buf := &buffer{}
	if err := writeFrame(buf, frame{typ: frameTypeAMQP, channel: 3}); err != nil {
		t.Fatal(err)
	}

	want := []byte{0, 0, 0, 8, 2, 0, 0, 3}
	if !testEqual(want, buf.bytes()) {
		t.Errorf("heartbeat encoding:\n %s", testDiff(want, buf.bytes()))
	}

	fr, err := decodeFrame(buf.bytes())
	if err != nil {
		t.Fatal(err)
	}
	if fr.body != nil || fr.channel != 3 {
		t.Errorf("decoded heartbeat = %+v", fr)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	buf := &buffer{}
	buf.write([]byte("existing"))

	fr := frame{
		typ:  frameTypeAMQP,
		body: &performTransfer{Handle: 1, DeliveryID: uint32Ptr(0), Payload: make([]byte, 600)},
	}
	err := encodeFrame(buf, fr, 512)

	var fse *FrameSizeError
	if !errors.As(err, &fse) {
		t.Fatalf("expected *FrameSizeError, got %v", err)
	}
	if fse.Max != 512 || fse.Size <= 600 {
		t.Errorf("unexpected error fields %+v", fse)
	}
	if string(buf.bytes()) != "existing" {
		t.Errorf("oversized frame left bytes in the buffer: %q", buf.bytes())
	}
}

func TestDecodeFrameErrors(t *testing.T) {
	tests := []struct {
		label string
		data  []byte
	}{
		{label: "short header", data: []byte{0, 0, 0, 8, 2, 0}},
		{label: "size below header", data: []byte{0, 0, 0, 4, 2, 0, 0, 0}},
		{label: "data offset below header", data: []byte{0, 0, 0, 8, 1, 0, 0, 0}},
		{label: "data offset past end", data: []byte{0, 0, 0, 8, 4, 0, 0, 0}},
		{label: "size mismatch", data: []byte{0, 0, 0, 9, 2, 0, 0, 0}},
		{label: "unknown constructor", data: []byte{0, 0, 0, 10, 2, 0, 0, 0, 0, 0xff}},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, err := decodeFrame(tt.data)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("expected *DecodeError, got %v", err)
			}
		})
	}
}

func TestUnknownPerformative(t *testing.T) {
	buf := &buffer{}
	buf.write([]byte{0, 0, 0, 0, 2, 0, 0, 0})
	writeDescriptor(buf, 0x30)
	buf.writeByte(byte(typeCodeList0))
	binary.BigEndian.PutUint32(buf.b, uint32(buf.len()))

	fr, err := decodeFrame(buf.bytes())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	unknown, ok := fr.body.(*performUnknown)
	if !ok {
		t.Fatalf("expected *performUnknown, got %T", fr.body)
	}
	if !testEqual(unknown.Descriptor, uint64(0x30)) {
		t.Errorf("descriptor = %v", unknown.Descriptor)
	}
}

func TestMarshalEncodings(t *testing.T) {
	tests := []struct {
		label string
		value interface{}
		want  []byte
	}{
		{label: "null", value: nil, want: []byte{0x40}},
		{label: "true", value: true, want: []byte{0x41}},
		{label: "false", value: false, want: []byte{0x42}},
		{label: "uint0", value: uint32(0), want: []byte{0x43}},
		{label: "smalluint", value: uint32(7), want: []byte{0x52, 7}},
		{label: "uint", value: uint32(300), want: []byte{0x70, 0, 0, 1, 0x2c}},
		{label: "ulong0", value: uint64(0), want: []byte{0x44}},
		{label: "smallulong", value: uint64(255), want: []byte{0x53, 0xff}},
		{label: "smallint", value: int32(-1), want: []byte{0x54, 0xff}},
		{label: "int", value: int32(128), want: []byte{0x71, 0, 0, 0, 0x80}},
		{label: "go int", value: 5, want: []byte{0x55, 5}},
		{label: "long", value: int64(-129), want: []byte{0x81, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}},
		{label: "ushort", value: uint16(258), want: []byte{0x60, 1, 2}},
		{label: "str8", value: "hi", want: []byte{0xa1, 2, 'h', 'i'}},
		{label: "sym8", value: Symbol("a"), want: []byte{0xa3, 1, 'a'}},
		{label: "vbin8", value: []byte{1, 2}, want: []byte{0xa0, 2, 1, 2}},
		{label: "list0", value: []interface{}{}, want: []byte{0x45}},
		{label: "list8", value: []interface{}{true, uint32(0)}, want: []byte{0xc0, 3, 2, 0x41, 0x43}},
		{label: "map8", value: map[Symbol]interface{}{"k": true}, want: []byte{0xc1, 5, 2, 0xa3, 1, 'k', 0x41}},
		{label: "sym array", value: []Symbol{"a", "bc"}, want: []byte{0xe0, 7, 2, 0xa3, 1, 'a', 2, 'b', 'c'}},
		{label: "typed uint", value: Typed(TypeUint, 512), want: []byte{0x70, 0, 0, 2, 0}},
		{label: "typed ushort", value: Typed(TypeUshort, 3), want: []byte{0x60, 0, 3}},
		{label: "typed symbol", value: Typed(TypeSymbol, "x"), want: []byte{0xa3, 1, 'x'}},
		{label: "timestamp", value: time.UnixMilli(1), want: []byte{0x83, 0, 0, 0, 0, 0, 0, 0, 1}},
		{
			label: "described",
			value: &DescribedType{Descriptor: uint64(0x468C00000004), Value: "f"},
			want:  []byte{0x00, 0x80, 0, 0, 0x46, 0x8c, 0, 0, 0, 4, 0xa1, 1, 'f'},
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			got, err := Marshal(tt.value)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if !testEqual(tt.want, got) {
				t.Errorf("encoding mismatch:\n %s", testDiff(tt.want, got))
			}
		})
	}
}

func TestOpenMaxFrameSizeAlwaysEncoded(t *testing.T) {
	buf := &buffer{}
	open := &performOpen{ContainerID: "c", MaxFrameSize: 512, ChannelMax: 65535}
	if err := open.marshal(buf); err != nil {
		t.Fatal(err)
	}

	// descriptor, list8 of container-id, hostname (null), max-frame-size as uint
	want := []byte{0x00, 0x53, 0x10, 0xc0, 10, 3, 0xa1, 1, 'c', 0x40, 0x70, 0, 0, 2, 0}
	if !testEqual(want, buf.bytes()) {
		t.Errorf("open encoding:\n %s", testDiff(want, buf.bytes()))
	}

	var decoded performOpen
	if err := decoded.unmarshal(&buffer{b: buf.bytes()}); err != nil {
		t.Fatal(err)
	}
	if decoded.ChannelMax != 65535 {
		t.Errorf("ChannelMax = %d, want default 65535", decoded.ChannelMax)
	}

	// an absent max-frame-size means no limit
	var bare performOpen
	if err := bare.unmarshal(&buffer{b: []byte{0x00, 0x53, 0x10, 0xc0, 4, 1, 0xa1, 1, 'c'}}); err != nil {
		t.Fatal(err)
	}
	if bare.MaxFrameSize != math.MaxUint32 {
		t.Errorf("MaxFrameSize = %d, want %d", bare.MaxFrameSize, uint32(math.MaxUint32))
	}
}

func TestUnmarshalPublic(t *testing.T) {
	data := []byte{0xc1, 6, 2, 0xa3, 1, 'k', 0x55, 0xfe, 0x41}
	v, n, err := Unmarshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != 8 {
		t.Errorf("consumed %d bytes, want 8", n)
	}
	want := map[interface{}]interface{}{Symbol("k"): int64(-2)}
	if !testEqual(want, v) {
		t.Errorf("decoded value:\n %s", testDiff(want, v))
	}
}

func TestUnmarshalEmptyZeroWidthArray(t *testing.T) {
	for _, ctor := range []byte{0x40, 0x41, 0x42, 0x43, 0x44, 0x45} {
		t.Run(fmt.Sprintf("%#02x", ctor), func(t *testing.T) {
			data := []byte{0xe0, 2, 0, ctor, 0x40}
			v, n, err := Unmarshal(data)
			if err != nil {
				t.Fatal(err)
			}
			if n != 4 {
				t.Errorf("consumed %d bytes, want 4", n)
			}
			if !testEqual([]interface{}{}, v) {
				t.Errorf("decoded value:\n %s", testDiff([]interface{}{}, v))
			}
		})
	}
}

func TestUnmarshalErrors(t *testing.T) {
	tests := []struct {
		label string
		data  []byte
	}{
		{label: "empty", data: nil},
		{label: "truncated uint", data: []byte{0x70, 0, 0}},
		{label: "truncated string", data: []byte{0xa1, 5, 'a'}},
		{label: "invalid utf8", data: []byte{0xa1, 1, 0xff}},
		{label: "list count exceeds size", data: []byte{0xc0, 1, 5}},
		{label: "zero width array", data: []byte{0xe0, 2, 3, 0x40}},
		{label: "unknown constructor", data: []byte{0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, _, err := Unmarshal(tt.data)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("expected *DecodeError, got %v", err)
			}
		})
	}
}

func TestMarshalUnmarshal(t *testing.T) {
	for _, typ := range exampleTypes {
		t.Run(fmt.Sprintf("%T", typ), func(t *testing.T) {
			buf := &buffer{}
			err := marshal(buf, typ)
			if err != nil {
				t.Fatalf("%+v", err)
			}

			newTyp := reflect.New(reflect.TypeOf(typ))
			_, err = unmarshal(buf, newTyp.Interface())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if buf.len() != 0 {
				t.Errorf("%d bytes left after unmarshal", buf.len())
			}

			cmpTyp := reflect.Indirect(newTyp).Interface()
			if !testEqual(typ, cmpTyp) {
				t.Errorf("Roundtrip produced different results:\n %s", testDiff(typ, cmpTyp))
			}
		})
	}
}

var exampleTypes = []interface{}{
	&performOpen{
		ContainerID:         "foo",
		Hostname:            "bar.host",
		MaxFrameSize:        4200,
		ChannelMax:          13,
		IdleTimeout:         2 * time.Minute,
		OutgoingLocales:     []Symbol{"fooLocale"},
		IncomingLocales:     []Symbol{"barLocale"},
		OfferedCapabilities: []Symbol{"fooCap"},
		DesiredCapabilities: []Symbol{"barCap"},
		Properties: map[Symbol]interface{}{
			"fooProp": int64(45),
		},
	},
	&performBegin{
		RemoteChannel:       uint16Ptr(4321),
		NextOutgoingID:      730000,
		IncomingWindow:      9876654,
		OutgoingWindow:      123555,
		HandleMax:           9757,
		OfferedCapabilities: []Symbol{"fooCap"},
		DesiredCapabilities: []Symbol{"barCap"},
		Properties: map[Symbol]interface{}{
			"fooProp": int64(45),
		},
	},
	&performAttach{
		Name:               "fooName",
		Handle:             435982,
		Role:               roleSender,
		SenderSettleMode:   sndSettle(ModeMixed),
		ReceiverSettleMode: rcvSettle(ModeSecond),
		Source: &source{
			Address:      "fooAddr",
			Durable:      2,
			ExpiryPolicy: "link-detach",
			Timeout:      635,
			Dynamic:      true,
			DynamicNodeProperties: map[Symbol]interface{}{
				"lifetime-policy": deleteOnClose,
			},
			DistributionMode: "some-mode",
			Filter: map[Symbol]*DescribedType{
				"foo:filter": {Descriptor: Symbol("foo:filter"), Value: "bar value"},
			},
			Outcomes:     []Symbol{"amqp:accepted:list"},
			Capabilities: []Symbol{"barCap"},
		},
		Target: &target{
			Address:      "fooAddr",
			Durable:      2,
			ExpiryPolicy: "link-detach",
			Timeout:      635,
			Dynamic:      true,
			DynamicNodeProperties: map[Symbol]interface{}{
				"lifetime-policy": deleteOnClose,
			},
			Capabilities: []Symbol{"barCap"},
		},
		Unsettled: unsettled{
			"fooDeliveryTag": &stateAccepted{},
		},
		IncompleteUnsettled:  true,
		InitialDeliveryCount: 3184,
		MaxMessageSize:       75983,
		OfferedCapabilities:  []Symbol{"fooCap"},
		DesiredCapabilities:  []Symbol{"barCap"},
		Properties: map[Symbol]interface{}{
			"fooProp": int64(45),
		},
	},
	role(true),
	&unsettled{
		"fooDeliveryTag": &stateAccepted{},
	},
	&source{
		Address:      "fooAddr",
		Durable:      2,
		ExpiryPolicy: "link-detach",
		Timeout:      635,
		Dynamic:      true,
		DynamicNodeProperties: map[Symbol]interface{}{
			"lifetime-policy": deleteOnClose,
		},
		DistributionMode: "some-mode",
		Filter: map[Symbol]*DescribedType{
			selectorFilterName: {Descriptor: uint64(selectorFilterCode), Value: "amqp.annotation.x-opt-offset > '312'"},
		},
		Outcomes:     []Symbol{"amqp:accepted:list"},
		Capabilities: []Symbol{"barCap"},
	},
	&target{
		Address:      "fooAddr",
		Durable:      2,
		ExpiryPolicy: "link-detach",
		Timeout:      635,
		Dynamic:      true,
		DynamicNodeProperties: map[Symbol]interface{}{
			"lifetime-policy": deleteOnClose,
		},
		Capabilities: []Symbol{"barCap"},
	},
	&performFlow{
		NextIncomingID: uint32Ptr(354),
		IncomingWindow: 4352,
		NextOutgoingID: 85324,
		OutgoingWindow: 24378634,
		Handle:         uint32Ptr(341543),
		DeliveryCount:  uint32Ptr(31341),
		LinkCredit:     uint32Ptr(7634),
		Available:      uint32Ptr(878321),
		Drain:          true,
		Echo:           true,
		Properties: map[Symbol]interface{}{
			"fooProp": int64(45),
		},
	},
	&performTransfer{
		Handle:             34983,
		DeliveryID:         uint32Ptr(564),
		DeliveryTag:        []byte("foo tag"),
		MessageFormat:      uint32Ptr(34),
		Settled:            true,
		More:               true,
		ReceiverSettleMode: rcvSettle(ModeSecond),
		State:              &stateReceived{},
		Resume:             true,
		Aborted:            true,
		Batchable:          true,
		Payload:            []byte("very important payload"),
	},
	&performDisposition{
		Role:      roleSender,
		First:     5644444,
		Last:      uint32Ptr(423),
		Settled:   true,
		State:     &stateReleased{},
		Batchable: true,
	},
	&performDetach{
		Handle: 4352,
		Closed: true,
		Error: &Error{
			Condition:   ErrorNotAllowed,
			Description: "foo description",
			Info: map[string]interface{}{
				"other": "info",
				"and":   int64(875),
			},
		},
	},
	&performDetach{
		Handle: 4352,
		Closed: true,
		Error: &Error{
			Condition:   ErrorLinkRedirect,
			Description: "",
			// payload is bigger than map8 encoding size
			Info: map[string]interface{}{
				"hostname":     "redirected.myservicebus.example.org",
				"network-host": "redirected.myservicebus.example.org",
				"port":         int64(5671),
				"address":      "amqps://redirected.myservicebus.example.org:5671/path",
			},
		},
	},
	ErrorCondition("the condition"),
	&Error{
		Condition:   ErrorNotAllowed,
		Description: "foo description",
		Info: map[string]interface{}{
			"other": "info",
			"and":   int64(875),
		},
	},
	&performEnd{
		Error: &Error{
			Condition:   ErrorNotAllowed,
			Description: "foo description",
		},
	},
	&performClose{
		Error: &Error{
			Condition:   ErrorNotAllowed,
			Description: "foo description",
		},
	},
	&Message{
		Header: &MessageHeader{
			Durable:       true,
			Priority:      234,
			TTL:           10 * time.Second,
			FirstAcquirer: true,
			DeliveryCount: 32,
		},
		DeliveryAnnotations: map[interface{}]interface{}{
			Symbol("x-opt-answer"): int64(42),
		},
		Annotations: map[interface{}]interface{}{
			Symbol("x-opt-answer"): "answer",
		},
		Properties: &MessageProperties{
			MessageID:          "yo",
			UserID:             []byte("baz"),
			To:                 "me",
			Subject:            "sup?",
			ReplyTo:            "you",
			CorrelationID:      uint64(34513),
			ContentType:        "text/plain",
			ContentEncoding:    "UTF-8",
			AbsoluteExpiryTime: time.Date(2018, 01, 13, 14, 24, 07, 0, time.UTC),
			CreationTime:       time.Date(2018, 01, 13, 14, 14, 07, 0, time.UTC),
			GroupID:            "fooGroup",
			GroupSequence:      89324,
			ReplyToGroupID:     "barGroup",
		},
		ApplicationProperties: map[string]interface{}{
			"baz": "foo",
		},
		Data: [][]byte{
			[]byte("A nice little data payload."),
			[]byte("And a second one."),
		},
		Footer: map[interface{}]interface{}{
			Symbol("hash"): []byte{0, 1, 2, 34, 5, 6, 7, 8, 9, 0},
		},
	},
	&Message{
		Sequence: [][]interface{}{
			{"a", int64(1), true},
			{Symbol("b")},
		},
	},
	&Message{
		Value: []Symbol{"x", "y"},
	},
	&MessageHeader{
		Durable:       true,
		Priority:      234,
		TTL:           10 * time.Second,
		FirstAcquirer: true,
		DeliveryCount: 32,
	},
	&MessageProperties{
		MessageID:          UUID{1, 2, 3, 4, 5, 6, 7, 8, 10, 11, 12, 13, 14, 15, 16},
		UserID:             []byte("baz"),
		To:                 "me",
		Subject:            "sup?",
		ReplyTo:            "you",
		CorrelationID:      []byte("correlation"),
		ContentType:        "text/plain",
		ContentEncoding:    "UTF-8",
		AbsoluteExpiryTime: time.Date(2018, 01, 13, 14, 24, 07, 0, time.UTC),
		CreationTime:       time.Date(2018, 01, 13, 14, 14, 07, 0, time.UTC),
		GroupID:            "fooGroup",
		GroupSequence:      89324,
		ReplyToGroupID:     "barGroup",
	},
	&stateReceived{
		SectionNumber: 234,
		SectionOffset: 8973,
	},
	&stateAccepted{},
	&stateRejected{
		Error: &Error{
			Condition:   ErrorStolen,
			Description: "foo description",
		},
	},
	&stateReleased{},
	&stateModified{
		DeliveryFailed:    true,
		UndeliverableHere: true,
		MessageAnnotations: map[Symbol]interface{}{
			"more": "annotations",
		},
	},
	UUID{1, 2, 3, 4, 5, 6, 7, 8, 10, 11, 12, 13, 14, 15, 16},
	lifetimePolicy(typeCodeDeleteOnClose),
	SenderSettleMode(1),
	ReceiverSettleMode(1),
	bool(true),
	int8(math.MaxInt8),
	int8(math.MinInt8),
	int16(math.MaxInt16),
	int16(math.MinInt16),
	int32(math.MaxInt32),
	int32(math.MinInt32),
	int64(math.MaxInt64),
	int64(math.MinInt64),
	uint8(math.MaxUint8),
	uint16(math.MaxUint16),
	uint32(math.MaxUint32),
	uint64(math.MaxUint64),
	float32(1.5),
	float64(-2.25),
	Char('λ'),
	&saslInit{
		Mechanism:       "FOO",
		InitialResponse: []byte("BAR\x00RESPONSE\x00"),
		Hostname:        "me",
	},
	&saslMechanisms{
		Mechanisms: []Symbol{"FOO", "BAR", "BAZ"},
	},
	&saslOutcome{
		Code:           codeSASLSysPerm,
		AdditionalData: []byte("here's some info for you..."),
	},
	Symbol("a symbol"),
	milliseconds(10 * time.Second),
	map[interface{}]interface{}{
		int64(-1234): []byte{0, 1, 2, 34, 5, 6, 7, 8, 9, 0},
	},
	map[string]interface{}{
		"hash": []byte{0, 1, 2, 34, 5, 6, 7, 8, 9, 0},
	},
	map[Symbol]interface{}{
		"hash": []byte{0, 1, 2, 34, 5, 6, 7, 8, 9, 0},
	},
}

func BenchmarkFrameMarshal(b *testing.B) {
	for _, tt := range exampleFrames {
		b.Run(tt.label, func(b *testing.B) {
			b.ReportAllocs()
			buf := &buffer{}

			for i := 0; i < b.N; i++ {
				err := writeFrame(buf, tt.frame)
				if err != nil {
					b.Errorf("%+v", err)
				}
				bytesSink = buf.bytes()
				buf.reset()
			}
		})
	}
}

func BenchmarkFrameUnmarshal(b *testing.B) {
	for _, tt := range exampleFrames {
		b.Run(tt.label, func(b *testing.B) {
			buf := &buffer{}
			err := writeFrame(buf, tt.frame)
			if err != nil {
				b.Errorf("%+v", err)
			}
			data := buf.bytes()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				_, err := decodeFrame(data)
				if err != nil {
					b.Errorf("%+v", err)
				}
			}
		})
	}
}

var bytesSink []byte

func BenchmarkMarshal(b *testing.B) {
	for _, typ := range exampleTypes {
		b.Run(fmt.Sprintf("%T", typ), func(b *testing.B) {
			b.ReportAllocs()
			buf := &buffer{}

			for i := 0; i < b.N; i++ {
				err := marshal(buf, typ)
				if err != nil {
					b.Errorf("%+v", err)
				}
				bytesSink = buf.bytes()
				buf.reset()
			}
		})
	}
}

var typeSink interface{}

func BenchmarkUnmarshal(b *testing.B) {
	for _, typ := range exampleTypes {
		b.Run(fmt.Sprintf("%T", typ), func(b *testing.B) {
			buf := &buffer{}
			err := marshal(buf, typ)
			if err != nil {
				b.Errorf("%+v", err)
			}
			data := buf.bytes()
			newTyp := reflect.New(reflect.TypeOf(typ)).Interface()

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				typeSink, err = unmarshal(&buffer{b: data}, newTyp)
				if err != nil {
					b.Errorf("%v", err)
				}
			}
		})
	}
}

func sndSettle(m SenderSettleMode) *SenderSettleMode {
	return &m
}

func rcvSettle(m ReceiverSettleMode) *ReceiverSettleMode {
	return &m
}

func uint32Ptr(u uint32) *uint32 {
	return &u
}

func uint16Ptr(u uint16) *uint16 {
	return &u
}

func testEqual(x, y interface{}) bool {
	return cmp.Equal(x, y, DeepAllowUnexported(x, y))
}

func testDiff(x, y interface{}) string {
	return cmp.Diff(x, y, DeepAllowUnexported(x, y))
}

// from https://github.com/google/go-cmp/issues/40
func DeepAllowUnexported(vs ...interface{}) cmp.Option {
	m := make(map[reflect.Type]struct{})
	for _, v := range vs {
		structTypes(reflect.ValueOf(v), m)
	}
	var typs []interface{}
	for t := range m {
		typs = append(typs, reflect.New(t).Elem().Interface())
	}
	return cmp.AllowUnexported(typs...)
}

func structTypes(v reflect.Value, m map[reflect.Type]struct{}) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			structTypes(v.Elem(), m)
		}
	case reflect.Interface:
		if !v.IsNil() {
			structTypes(v.Elem(), m)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			structTypes(v.Index(i), m)
		}
	case reflect.Map:
		for _, k := range v.MapKeys() {
			structTypes(v.MapIndex(k), m)
		}
	case reflect.Struct:
		m[v.Type()] = struct{}{}
		for i := 0; i < v.NumField(); i++ {
			structTypes(v.Field(i), m)
		}
	}
}
