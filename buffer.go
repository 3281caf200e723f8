package amqp

import (
	"encoding/binary"
	"fmt"
)

// buffer is a byte slice with a read cursor. Reads consume from b[i:],
// writes append to b.
type buffer struct {
	b []byte
	i int
}

func (b *buffer) errorf(format string, args ...interface{}) *DecodeError {
	return &DecodeError{Offset: b.i, Reason: fmt.Sprintf(format, args...)}
}

// next returns the next n unread bytes. ok is false if fewer than n
// bytes remain, in which case the cursor does not move.
func (b *buffer) next(n int64) ([]byte, bool) {
	if n < 0 || int64(b.len()) < n {
		return nil, false
	}
	buf := b.b[b.i : b.i+int(n)]
	b.i += int(n)
	return buf, true
}

func (b *buffer) skip(n int) {
	b.i += n
}

func (b *buffer) reset() {
	b.b = b.b[:0]
	b.i = 0
}

// len returns the number of unread bytes.
func (b *buffer) len() int {
	return len(b.b) - b.i
}

// bytes returns the unread bytes.
func (b *buffer) bytes() []byte {
	return b.b[b.i:]
}

// detach returns the underlying slice and resets the buffer so the slice
// is not reused.
func (b *buffer) detach() []byte {
	temp := b.b
	b.b = nil
	b.i = 0
	return temp
}

func (b *buffer) readByte() (byte, error) {
	if b.len() == 0 {
		return 0, b.errorf("unexpected end of data")
	}
	c := b.b[b.i]
	b.i++
	return c, nil
}

func (b *buffer) peekByte() (byte, error) {
	if b.len() == 0 {
		return 0, b.errorf("unexpected end of data")
	}
	return b.b[b.i], nil
}

func (b *buffer) unreadByte() {
	if b.i > 0 {
		b.i--
	}
}

func (b *buffer) readUint16() (uint16, error) {
	buf, ok := b.next(2)
	if !ok {
		return 0, b.errorf("need 2 bytes, have %d", b.len())
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (b *buffer) readUint32() (uint32, error) {
	buf, ok := b.next(4)
	if !ok {
		return 0, b.errorf("need 4 bytes, have %d", b.len())
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (b *buffer) readUint64() (uint64, error) {
	buf, ok := b.next(8)
	if !ok {
		return 0, b.errorf("need 8 bytes, have %d", b.len())
	}
	return binary.BigEndian.Uint64(buf), nil
}

func (b *buffer) write(p []byte) {
	b.b = append(b.b, p...)
}

func (b *buffer) writeByte(c byte) {
	b.b = append(b.b, c)
}

func (b *buffer) writeString(s string) {
	b.b = append(b.b, s...)
}

func (b *buffer) writeUint16(n uint16) {
	b.b = binary.BigEndian.AppendUint16(b.b, n)
}

func (b *buffer) writeUint32(n uint32) {
	b.b = binary.BigEndian.AppendUint32(b.b, n)
}

func (b *buffer) writeUint64(n uint64) {
	b.b = binary.BigEndian.AppendUint64(b.b, n)
}
