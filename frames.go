package amqp

import (
	"encoding/binary"
	"fmt"
	"math"
)

/*
	header (8 bytes)
		0-3:	SIZE (total size, at least 8 bytes for header, uint32)
		4: 		DOFF (data offset, at least 2, count of 4 bytes words, uint8)
		5:		TYPE (frame type)
					0x0: AMQP
					0x1: SASL
		6-7:	TYPE dependent (channel for AMQP)
	extended header (opt)
	body (opt)
*/

// frameHeader is the fixed eight byte header at the front of every frame.
type frameHeader struct {
	// total frame size in bytes, header included
	Size uint32

	// offset of the body in 4 byte words, at least 2
	DataOffset uint8

	FrameType uint8
	Channel   uint16
}

func (fh frameHeader) dataOffsetBytes() int {
	return int(fh.DataOffset) * 4
}

const (
	frameTypeAMQP = 0x0
	frameTypeSASL = 0x1

	frameHeaderSize = 8
)

// protoID is the protocol layer announced in a protocol header.
type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

func (p protoID) String() string {
	switch p {
	case protoAMQP:
		return "AMQP"
	case protoTLS:
		return "TLS"
	case protoSASL:
		return "SASL"
	}
	return fmt.Sprintf("proto(%#02x)", uint8(p))
}

// protoHeader is the 8 byte header exchanged before each protocol layer:
// "AMQP" followed by the protocol id and version.
type protoHeader struct {
	ProtoID  protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

func newProtoHeader(id protoID) protoHeader {
	return protoHeader{ProtoID: id, Major: 1}
}

func (h protoHeader) bytes() []byte {
	return []byte{'A', 'M', 'Q', 'P', byte(h.ProtoID), h.Major, h.Minor, h.Revision}
}

func (h protoHeader) String() string {
	return fmt.Sprintf("%s %d.%d.%d", h.ProtoID, h.Major, h.Minor, h.Revision)
}

func parseProtoHeader(buf []byte) (protoHeader, error) {
	if len(buf) != 8 {
		return protoHeader{}, &DecodeError{Offset: len(buf), Reason: fmt.Sprintf("expected protocol header to be 8 bytes, not %d", len(buf))}
	}
	if string(buf[:4]) != "AMQP" {
		return protoHeader{}, &DecodeError{Offset: 0, Reason: fmt.Sprintf("unexpected protocol %q", buf[:4])}
	}
	return protoHeader{
		ProtoID:  protoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}, nil
}

// frame is the decoded representation of a frame
type frame struct {
	typ     uint8     // AMQP/SASL
	channel uint16    // channel this frame is for
	body    frameBody // nil for an empty (heartbeat) frame

	// optional channel which will be closed after net transmit
	done chan struct{}
}

// writeFrame appends the encoding of fr to wr.
func writeFrame(wr *buffer, fr frame) error {
	start := len(wr.b)

	wr.writeUint32(0) // size, patched below
	wr.writeByte(2)   // doff, no extended header
	wr.writeByte(fr.typ)
	wr.writeUint16(fr.channel)

	if fr.body != nil {
		if err := fr.body.marshal(wr); err != nil {
			wr.b = wr.b[:start]
			return err
		}
	}

	size := len(wr.b) - start
	if uint64(size) > math.MaxUint32 {
		wr.b = wr.b[:start]
		return &FrameSizeError{Size: size, Max: math.MaxUint32}
	}
	binary.BigEndian.PutUint32(wr.b[start:], uint32(size))
	return nil
}

// encodeFrame is writeFrame limited to the max-frame-size advertised by the
// frame's receiver. An oversized frame is removed from wr and reported as a
// *FrameSizeError.
func encodeFrame(wr *buffer, fr frame, maxSize uint32) error {
	start := len(wr.b)
	if err := writeFrame(wr, fr); err != nil {
		return err
	}
	if size := len(wr.b) - start; uint64(size) > uint64(maxSize) {
		wr.b = wr.b[:start]
		return &FrameSizeError{Size: size, Max: maxSize}
	}
	return nil
}

func parseFrameHeader(r *buffer) (frameHeader, error) {
	start := r.i
	buf, ok := r.next(frameHeaderSize)
	if !ok {
		return frameHeader{}, r.errorf("frame header needs 8 bytes, have %d", r.len())
	}

	fh := frameHeader{
		Size:       binary.BigEndian.Uint32(buf[0:]),
		DataOffset: buf[4],
		FrameType:  buf[5],
		Channel:    binary.BigEndian.Uint16(buf[6:]),
	}

	if fh.Size < frameHeaderSize {
		return fh, &DecodeError{Offset: start, Reason: fmt.Sprintf("frame size %d is smaller than the frame header", fh.Size)}
	}
	if fh.DataOffset < 2 {
		return fh, &DecodeError{Offset: start + 4, Reason: fmt.Sprintf("data offset %d is smaller than the frame header", fh.DataOffset)}
	}
	if fh.dataOffsetBytes() > int(fh.Size) {
		return fh, &DecodeError{Offset: start + 4, Reason: fmt.Sprintf("data offset %d is past the end of the frame", fh.DataOffset)}
	}
	return fh, nil
}

// decodeFrame decodes data, which must hold exactly one frame.
func decodeFrame(data []byte) (frame, error) {
	r := &buffer{b: data}
	fh, err := parseFrameHeader(r)
	if err != nil {
		return frame{}, err
	}
	if int64(fh.Size) != int64(len(data)) {
		return frame{}, &DecodeError{Offset: 0, Reason: fmt.Sprintf("frame size field %d does not match frame length %d", fh.Size, len(data))}
	}

	// skip the extended header
	r.skip(fh.dataOffsetBytes() - frameHeaderSize)

	fr := frame{typ: fh.FrameType, channel: fh.Channel}
	if r.len() == 0 {
		return fr, nil
	}

	fr.body, err = parseFrameBody(r)
	return fr, err
}

// peekFrameBodyType returns the descriptor of the frame body in r
// without consuming it.
func peekFrameBodyType(r *buffer) (amqpType, interface{}, error) {
	tmp := &buffer{b: r.b, i: r.i}
	b, err := tmp.readByte()
	if err != nil {
		return 0, nil, err
	}
	if b != 0x0 {
		return 0, nil, &DecodeError{Offset: r.i, Reason: fmt.Sprintf("frame body is not a described type, found constructor %#02x", b)}
	}
	desc, err := readAny(tmp)
	if err != nil {
		return 0, nil, err
	}
	code, _ := descriptorCode(desc)
	return code, desc, nil
}

type frameBodyUnmarshaler interface {
	frameBody
	unmarshaler
}

// parseFrameBody decodes the performative in r. Descriptors outside the
// core performatives and SASL frames decode to *performUnknown.
func parseFrameBody(r *buffer) (frameBody, error) {
	code, desc, err := peekFrameBodyType(r)
	if err != nil {
		return nil, err
	}

	var body frameBodyUnmarshaler
	switch code {
	case typeCodeOpen:
		body = new(performOpen)
	case typeCodeBegin:
		body = new(performBegin)
	case typeCodeAttach:
		body = new(performAttach)
	case typeCodeFlow:
		body = new(performFlow)
	case typeCodeTransfer:
		body = new(performTransfer)
	case typeCodeDisposition:
		body = new(performDisposition)
	case typeCodeDetach:
		body = new(performDetach)
	case typeCodeEnd:
		body = new(performEnd)
	case typeCodeClose:
		body = new(performClose)
	case typeCodeSASLMechanism:
		body = new(saslMechanisms)
	case typeCodeSASLInit:
		body = new(saslInit)
	case typeCodeSASLChallenge:
		body = new(saslChallenge)
	case typeCodeSASLResponse:
		body = new(saslResponse)
	case typeCodeSASLOutcome:
		body = new(saslOutcome)
	default:
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		u := &performUnknown{Descriptor: desc}
		if dt, ok := v.(*DescribedType); ok {
			u.Value = dt.Value
		} else {
			u.Value = v
		}
		return u, nil
	}

	if err := body.unmarshal(r); err != nil {
		return nil, err
	}
	if r.len() > 0 {
		return nil, r.errorf("%d unexpected bytes after performative", r.len())
	}
	return body, nil
}
