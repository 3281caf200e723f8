package amqp

import (
	"encoding/binary"
	"math"
	"reflect"
	"time"
	"unicode/utf8"
)

// Marshal encodes v as a single AMQP value.
//
// Integers, strings, binaries, symbols, lists, maps and arrays are written
// in the narrowest size class that holds them. Wrap v with Typed to force
// a specific wire type.
func Marshal(v interface{}) ([]byte, error) {
	var buf buffer
	if err := marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.detach(), nil
}

type marshaler interface {
	marshal(*buffer) error
}

func marshal(wr *buffer, i interface{}) error {
	switch t := i.(type) {
	case nil:
		wr.writeByte(byte(typeCodeNull))
	case marshaler:
		return t.marshal(wr)
	case bool:
		if t {
			wr.writeByte(byte(typeCodeBoolTrue))
		} else {
			wr.writeByte(byte(typeCodeBoolFalse))
		}
	case uint:
		writeUint64(wr, uint64(t))
	case uint64:
		writeUint64(wr, t)
	case uint32:
		writeUint32(wr, t)
	case uint16:
		wr.writeByte(byte(typeCodeUshort))
		wr.writeUint16(t)
	case uint8:
		wr.writeByte(byte(typeCodeUbyte))
		wr.writeByte(t)
	case int:
		writeInt64(wr, int64(t))
	case int64:
		writeInt64(wr, t)
	case int32:
		writeInt32(wr, t)
	case int16:
		wr.writeByte(byte(typeCodeShort))
		wr.writeUint16(uint16(t))
	case int8:
		wr.writeByte(byte(typeCodeByte))
		wr.writeByte(uint8(t))
	case float32:
		wr.writeByte(byte(typeCodeFloat))
		wr.writeUint32(math.Float32bits(t))
	case float64:
		wr.writeByte(byte(typeCodeDouble))
		wr.writeUint64(math.Float64bits(t))
	case Decimal32:
		wr.writeByte(byte(typeCodeDecimal32))
		wr.write(t[:])
	case Decimal64:
		wr.writeByte(byte(typeCodeDecimal64))
		wr.write(t[:])
	case Decimal128:
		wr.writeByte(byte(typeCodeDecimal128))
		wr.write(t[:])
	case Char:
		wr.writeByte(byte(typeCodeChar))
		wr.writeUint32(uint32(t))
	case time.Time:
		writeTimestamp(wr, t)
	case UUID:
		wr.writeByte(byte(typeCodeUUID))
		wr.write(t[:])
	case string:
		return writeString(wr, t)
	case Symbol:
		return writeVariable(wr, typeCodeSym8, typeCodeSym32, t)
	case []byte:
		return writeVariable(wr, typeCodeVbin8, typeCodeVbin32, t)
	case []interface{}:
		return writeList(wr, t)
	case map[interface{}]interface{}:
		return writeMapOf(wr, t)
	case map[string]interface{}:
		return writeMapOf(wr, t)
	case map[Symbol]interface{}:
		return writeMapOf(wr, t)

	// arrays
	case []Symbol:
		return writeVariableArray(wr, typeCodeSym8, typeCodeSym32, t)
	case []string:
		for _, s := range t {
			if !utf8.ValidString(s) {
				return errorErrorf("string %q is not valid UTF-8", s)
			}
		}
		return writeVariableArray(wr, typeCodeStr8, typeCodeStr32, t)
	case [][]byte:
		return writeVariableArray(wr, typeCodeVbin8, typeCodeVbin32, t)
	case []bool:
		return writeFixedArray(wr, typeCodeBool, t, func(v bool) {
			if v {
				wr.writeByte(1)
			} else {
				wr.writeByte(0)
			}
		})
	case ArrayUByte:
		return writeFixedArray(wr, typeCodeUbyte, []uint8(t), wr.writeByte)
	case []uint16:
		return writeFixedArray(wr, typeCodeUshort, t, wr.writeUint16)
	case []uint32:
		if maxUint(t) < 256 {
			return writeFixedArray(wr, typeCodeSmallUint, t, func(v uint32) { wr.writeByte(byte(v)) })
		}
		return writeFixedArray(wr, typeCodeUint, t, wr.writeUint32)
	case []uint64:
		if maxUint(t) < 256 {
			return writeFixedArray(wr, typeCodeSmallUlong, t, func(v uint64) { wr.writeByte(byte(v)) })
		}
		return writeFixedArray(wr, typeCodeUlong, t, wr.writeUint64)
	case []int8:
		return writeFixedArray(wr, typeCodeByte, t, func(v int8) { wr.writeByte(byte(v)) })
	case []int16:
		return writeFixedArray(wr, typeCodeShort, t, func(v int16) { wr.writeUint16(uint16(v)) })
	case []int32:
		if fitsInt8(t) {
			return writeFixedArray(wr, typeCodeSmallint, t, func(v int32) { wr.writeByte(byte(v)) })
		}
		return writeFixedArray(wr, typeCodeInt, t, func(v int32) { wr.writeUint32(uint32(v)) })
	case []int64:
		if fitsInt8(t) {
			return writeFixedArray(wr, typeCodeSmalllong, t, func(v int64) { wr.writeByte(byte(v)) })
		}
		return writeFixedArray(wr, typeCodeLong, t, func(v int64) { wr.writeUint64(uint64(v)) })
	case []float32:
		return writeFixedArray(wr, typeCodeFloat, t, func(v float32) { wr.writeUint32(math.Float32bits(v)) })
	case []float64:
		return writeFixedArray(wr, typeCodeDouble, t, func(v float64) { wr.writeUint64(math.Float64bits(v)) })
	case []Char:
		return writeFixedArray(wr, typeCodeChar, t, func(v Char) { wr.writeUint32(uint32(v)) })
	case []time.Time:
		return writeFixedArray(wr, typeCodeTimestamp, t, func(v time.Time) { wr.writeUint64(uint64(v.UnixMilli())) })
	case []UUID:
		return writeFixedArray(wr, typeCodeUUID, t, func(v UUID) { wr.write(v[:]) })

	default:
		// pointers to any of the above; nil encodes as null
		rv := reflect.ValueOf(i)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				wr.writeByte(byte(typeCodeNull))
				return nil
			}
			return marshal(wr, rv.Elem().Interface())
		}
		return errorErrorf("marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.writeByte(byte(typeCodeSmallint))
		wr.writeByte(byte(n))
		return
	}
	wr.writeByte(byte(typeCodeInt))
	wr.writeUint32(uint32(n))
}

func writeInt64(wr *buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.writeByte(byte(typeCodeSmalllong))
		wr.writeByte(byte(n))
		return
	}
	wr.writeByte(byte(typeCodeLong))
	wr.writeUint64(uint64(n))
}

func writeUint32(wr *buffer, n uint32) {
	switch {
	case n == 0:
		wr.writeByte(byte(typeCodeUint0))
	case n < 256:
		wr.writeByte(byte(typeCodeSmallUint))
		wr.writeByte(byte(n))
	default:
		wr.writeByte(byte(typeCodeUint))
		wr.writeUint32(n)
	}
}

func writeUint64(wr *buffer, n uint64) {
	switch {
	case n == 0:
		wr.writeByte(byte(typeCodeUlong0))
	case n < 256:
		wr.writeByte(byte(typeCodeSmallUlong))
		wr.writeByte(byte(n))
	default:
		wr.writeByte(byte(typeCodeUlong))
		wr.writeUint64(n)
	}
}

// writeTimestamp writes t as milliseconds since the unix epoch.
// Sub-millisecond precision is lost.
func writeTimestamp(wr *buffer, t time.Time) {
	wr.writeByte(byte(typeCodeTimestamp))
	wr.writeUint64(uint64(t.UnixMilli()))
}

func writeString(wr *buffer, s string) error {
	if !utf8.ValidString(s) {
		return errorErrorf("string %q is not valid UTF-8", s)
	}
	return writeVariable(wr, typeCodeStr8, typeCodeStr32, s)
}

// writeVariable writes a string, symbol or binary value with a one byte
// length prefix if it fits, a four byte prefix otherwise.
func writeVariable[T ~string | ~[]byte](wr *buffer, code8, code32 amqpType, v T) error {
	l := len(v)
	switch {
	case l < 256:
		wr.writeByte(byte(code8))
		wr.writeByte(byte(l))
	case uint64(l) <= math.MaxUint32:
		wr.writeByte(byte(code32))
		wr.writeUint32(uint32(l))
	default:
		return errorErrorf("value of %d bytes is too long to encode", l)
	}
	wr.b = append(wr.b, v...)
	return nil
}

// writeCompound writes a list, map or array header followed by the count
// elements written by body. The 32-bit header is reserved up front and
// rewritten in the 8-bit form when both the count and size allow it.
//
// For arrays, body also writes the shared element constructor.
func writeCompound(wr *buffer, code8, code32 amqpType, count int, body func() error) error {
	start := len(wr.b)
	wr.writeByte(byte(code32))
	wr.writeUint32(0) // size, set below
	wr.writeUint32(0) // count, set below

	if err := body(); err != nil {
		return err
	}

	const header32 = 9
	size := len(wr.b) - start - header32

	if count < 256 && size+1 < 256 {
		wr.b[start] = byte(code8)
		wr.b[start+1] = byte(size + 1) // size counts the count byte
		wr.b[start+2] = byte(count)
		copy(wr.b[start+3:], wr.b[start+header32:])
		wr.b = wr.b[:start+3+size]
		return nil
	}

	if uint64(size)+4 > math.MaxUint32 || uint64(count) > math.MaxUint32 {
		wr.b = wr.b[:start]
		return errorErrorf("compound value of %d bytes is too large to encode", size)
	}
	binary.BigEndian.PutUint32(wr.b[start+1:], uint32(size+4))
	binary.BigEndian.PutUint32(wr.b[start+5:], uint32(count))
	return nil
}

func writeList(wr *buffer, l []interface{}) error {
	if len(l) == 0 {
		wr.writeByte(byte(typeCodeList0))
		return nil
	}
	return writeCompound(wr, typeCodeList8, typeCodeList32, len(l), func() error {
		for _, v := range l {
			if err := marshal(wr, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeMap writes a map of n pairs. each must yield exactly n pairs.
func writeMap(wr *buffer, n int, each func(yield func(k, v interface{}) error) error) error {
	return writeCompound(wr, typeCodeMap8, typeCodeMap32, n*2, func() error {
		return each(func(k, v interface{}) error {
			if err := marshal(wr, k); err != nil {
				return err
			}
			return marshal(wr, v)
		})
	})
}

func writeMapOf[K comparable, V any](wr *buffer, m map[K]V) error {
	return writeMap(wr, len(m), func(yield func(k, v interface{}) error) error {
		for k, v := range m {
			if err := yield(k, v); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeArray writes n elements sharing the constructor ctor. elem writes
// the i'th element without a constructor.
func writeArray(wr *buffer, ctor amqpType, n int, elem func(i int) error) error {
	return writeCompound(wr, typeCodeArray8, typeCodeArray32, n, func() error {
		wr.writeByte(byte(ctor))
		for i := 0; i < n; i++ {
			if err := elem(i); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeFixedArray[T any](wr *buffer, ctor amqpType, vs []T, put func(T)) error {
	return writeArray(wr, ctor, len(vs), func(i int) error {
		put(vs[i])
		return nil
	})
}

// writeVariableArray uses the one byte length form for every element if
// all of them fit, the four byte form otherwise.
func writeVariableArray[T ~string | ~[]byte](wr *buffer, code8, code32 amqpType, vs []T) error {
	ctor := code8
	for _, v := range vs {
		if len(v) > math.MaxUint8 {
			ctor = code32
			break
		}
	}
	return writeArray(wr, ctor, len(vs), func(i int) error {
		v := vs[i]
		if ctor == code8 {
			wr.writeByte(byte(len(v)))
		} else {
			if uint64(len(v)) > math.MaxUint32 {
				return errorErrorf("array element of %d bytes is too long to encode", len(v))
			}
			wr.writeUint32(uint32(len(v)))
		}
		wr.b = append(wr.b, v...)
		return nil
	})
}

func maxUint[T uint32 | uint64](vs []T) T {
	var m T
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}

func fitsInt8[T int32 | int64](vs []T) bool {
	for _, v := range vs {
		if v < math.MinInt8 || v > math.MaxInt8 {
			return false
		}
	}
	return true
}

// marshalField is a field of a composite being marshaled.
type marshalField struct {
	value interface{}
	omit  bool // true if field is to be omitted
}

// marshalComposite writes a described list of fields.
//
// Trailing omitted fields are not written at all. An omitted field
// followed by a present one is written as null, as is a present field
// whose value is nil.
func marshalComposite(wr *buffer, code amqpType, fields ...marshalField) error {
	lastSetIdx := -1
	for i, f := range fields {
		if !f.omit {
			lastSetIdx = i
		}
	}

	writeDescriptor(wr, code)

	if lastSetIdx == -1 {
		wr.writeByte(byte(typeCodeList0))
		return nil
	}

	return writeCompound(wr, typeCodeList8, typeCodeList32, lastSetIdx+1, func() error {
		for _, f := range fields[:lastSetIdx+1] {
			if f.omit {
				wr.writeByte(byte(typeCodeNull))
				continue
			}
			if err := marshal(wr, f.value); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeDescriptor(wr *buffer, code amqpType) {
	wr.writeByte(0x0)
	wr.writeByte(byte(typeCodeSmallUlong))
	wr.writeByte(uint8(code))
}

func (f ForcedType) marshal(wr *buffer) error {
	if f.Value == nil {
		wr.writeByte(byte(typeCodeNull))
		return nil
	}

	switch amqpType(f.Code) {
	case typeCodeBool:
		b, ok := f.Value.(bool)
		if !ok {
			return errorErrorf("cannot encode %T as boolean", f.Value)
		}
		return marshal(wr, b)
	case typeCodeUbyte:
		n, err := forceUint(f.Value, math.MaxUint8)
		if err != nil {
			return err
		}
		return marshal(wr, uint8(n))
	case typeCodeUshort:
		n, err := forceUint(f.Value, math.MaxUint16)
		if err != nil {
			return err
		}
		return marshal(wr, uint16(n))
	case typeCodeUint:
		n, err := forceUint(f.Value, math.MaxUint32)
		if err != nil {
			return err
		}
		writeUint32(wr, uint32(n))
	case typeCodeUlong:
		n, err := forceUint(f.Value, math.MaxUint64)
		if err != nil {
			return err
		}
		writeUint64(wr, n)
	case typeCodeByte:
		n, err := forceInt(f.Value, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		return marshal(wr, int8(n))
	case typeCodeShort:
		n, err := forceInt(f.Value, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		return marshal(wr, int16(n))
	case typeCodeInt:
		n, err := forceInt(f.Value, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		writeInt32(wr, int32(n))
	case typeCodeLong:
		n, err := forceInt(f.Value, math.MinInt64, math.MaxInt64)
		if err != nil {
			return err
		}
		writeInt64(wr, n)
	case typeCodeFloat, typeCodeDouble:
		rv := reflect.ValueOf(f.Value)
		var x float64
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			x = rv.Float()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			x = float64(rv.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			x = float64(rv.Uint())
		default:
			return errorErrorf("cannot encode %T as a floating point number", f.Value)
		}
		if amqpType(f.Code) == typeCodeFloat {
			return marshal(wr, float32(x))
		}
		return marshal(wr, x)
	case typeCodeChar:
		n, err := forceInt(f.Value, 0, utf8.MaxRune)
		if err != nil {
			return err
		}
		return marshal(wr, Char(n))
	case typeCodeTimestamp:
		switch v := f.Value.(type) {
		case time.Time:
			writeTimestamp(wr, v)
		default:
			ms, err := forceInt(f.Value, math.MinInt64, math.MaxInt64)
			if err != nil {
				return err
			}
			writeTimestamp(wr, time.UnixMilli(ms))
		}
	case typeCodeVbin32:
		switch v := f.Value.(type) {
		case []byte:
			return writeVariable(wr, typeCodeVbin8, typeCodeVbin32, v)
		case string:
			return writeVariable(wr, typeCodeVbin8, typeCodeVbin32, v)
		}
		return errorErrorf("cannot encode %T as binary", f.Value)
	case typeCodeStr32:
		switch v := f.Value.(type) {
		case string:
			return writeString(wr, v)
		case Symbol:
			return writeString(wr, string(v))
		}
		return errorErrorf("cannot encode %T as string", f.Value)
	case typeCodeSym32:
		switch v := f.Value.(type) {
		case string:
			return writeVariable(wr, typeCodeSym8, typeCodeSym32, v)
		case Symbol:
			return writeVariable(wr, typeCodeSym8, typeCodeSym32, v)
		}
		return errorErrorf("cannot encode %T as symbol", f.Value)
	default:
		return errorErrorf("unsupported forced type %#02x", uint8(f.Code))
	}
	return nil
}

// forceUint returns v as an unsigned integer no larger than max.
func forceUint(v interface{}, max uint64) (uint64, error) {
	rv := reflect.ValueOf(v)
	var n uint64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 {
			return 0, errorErrorf("%d is out of range for an unsigned type", i)
		}
		n = uint64(i)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n = rv.Uint()
	default:
		return 0, errorErrorf("cannot encode %T as an unsigned integer", v)
	}
	if n > max {
		return 0, errorErrorf("%d is out of range, max %d", n, max)
	}
	return n, nil
}

// forceInt returns v as a signed integer in [min, max].
func forceInt(v interface{}, min, max int64) (int64, error) {
	rv := reflect.ValueOf(v)
	var n int64
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, errorErrorf("%d is out of range for a signed type", u)
		}
		n = int64(u)
	default:
		return 0, errorErrorf("cannot encode %T as an integer", v)
	}
	if n < min || n > max {
		return 0, errorErrorf("%d is out of range [%d, %d]", n, min, max)
	}
	return n, nil
}
