package amqp

import (
	"fmt"
	"math"
	"reflect"
	"time"
	"unicode/utf8"
)

// Unmarshal decodes the AMQP value at the front of data. It returns the
// value and the number of bytes it occupied.
//
// Primitive values decode to the Go types Marshal accepts for them, in
// their widest form for the wire type (a smalluint decodes to uint32).
// Lists decode to []interface{}, maps to map[interface{}]interface{} and
// arrays to typed slices. Described values with an unrecognized
// descriptor decode to *DescribedType.
//
// Malformed input fails with a *DecodeError.
func Unmarshal(data []byte) (interface{}, int, error) {
	r := &buffer{b: data}
	v, err := readAny(r)
	if err != nil {
		return nil, 0, err
	}
	return v, r.i, nil
}

// unmarshaler is fulfilled by types that can unmarshal
// themselves from AMQP data.
type unmarshaler interface {
	unmarshal(r *buffer) error
}

// tryReadNull consumes a null constructor if it is the next byte.
func tryReadNull(r *buffer) bool {
	if r.len() > 0 && amqpType(r.b[r.i]) == typeCodeNull {
		r.i++
		return true
	}
	return false
}

// unmarshal decodes AMQP encoded data into i.
//
// The decoding method is based on the type of i.
//
// If i implements unmarshaler, i.unmarshal() will be called.
//
// Pointers to primitive types will be decoded via the appropriate read[Type] function.
//
// If i is a pointer to a pointer (**Type), it will be dereferenced and a new instance
// of (*Type) is allocated via reflection.
//
// If the encoded value is null, i is left untouched and isNull is true.
func unmarshal(r *buffer, i interface{}) (isNull bool, err error) {
	if tryReadNull(r) {
		return true, nil
	}

	switch t := i.(type) {
	case unmarshaler:
		return false, t.unmarshal(r)
	case *bool:
		*t, err = readBool(r)
	case *uint64:
		*t, err = readUint(r, math.MaxUint64)
	case *uint32:
		var n uint64
		n, err = readUint(r, math.MaxUint32)
		*t = uint32(n)
	case *uint16:
		var n uint64
		n, err = readUint(r, math.MaxUint16)
		*t = uint16(n)
	case *uint8:
		var n uint64
		n, err = readUint(r, math.MaxUint8)
		*t = uint8(n)
	case *int64:
		*t, err = readInt(r, math.MinInt64, math.MaxInt64)
	case *int32:
		var n int64
		n, err = readInt(r, math.MinInt32, math.MaxInt32)
		*t = int32(n)
	case *string:
		*t, err = readString(r)
	case *Symbol:
		var s string
		s, err = readString(r)
		*t = Symbol(s)
	case *[]Symbol:
		*t, err = readSymbolArray(r)
	case *[]byte:
		*t, err = readBinary(r)
	case *time.Time:
		*t, err = readTimestamp(r)
	case *UUID:
		*t, err = readUUID(r)
	case *map[interface{}]interface{}:
		*t, err = readMapOf(r, anyKey)
	case *map[string]interface{}:
		*t, err = readMapOf(r, stringKey)
	case *map[Symbol]interface{}:
		*t, err = readMapOf(r, symbolKey)
	case *deliveryState:
		*t, err = readAny(r)
	case *interface{}:
		*t, err = readAny(r)
	default:
		return false, unmarshalReflect(r, i)
	}
	return false, err
}

// unmarshalReflect handles **T targets, allocating the *T, and targets
// whose type matches (or is defined on) the decoded value's type.
func unmarshalReflect(r *buffer, i interface{}) error {
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return errorErrorf("unable to unmarshal into %T", i)
	}
	elem := v.Elem()
	if elem.Kind() == reflect.Ptr {
		if elem.IsNil() {
			elem.Set(reflect.New(elem.Type().Elem()))
		}
		_, err := unmarshal(r, elem.Interface())
		return err
	}

	start := r.i
	val, err := readAny(r)
	if err != nil || val == nil {
		return err
	}
	rv := reflect.ValueOf(val)
	switch {
	case rv.Type().AssignableTo(elem.Type()):
		elem.Set(rv)
	case rv.Kind() == elem.Kind() && rv.Type().ConvertibleTo(elem.Type()):
		elem.Set(rv.Convert(elem.Type()))
	default:
		return &DecodeError{Offset: start, Reason: fmt.Sprintf("cannot decode %T into %T", val, i)}
	}
	return nil
}

// unmarshalField is a struct that contains a field to be unmarshaled into.
//
// An optional nullHandler can be set. If the composite field being unmarshaled
// is null or absent and handleNull is not nil, nullHandler will be called.
type unmarshalField struct {
	field      interface{}
	handleNull nullHandler
}

// nullHandler is a function to be called when a composite's field
// is null.
type nullHandler func() error

// required returns a nullHandler that will cause an error to
// be returned if the field is null.
func required(name string) nullHandler {
	return func() error {
		return errorNew(name + " is required")
	}
}

// defaultUint32 returns a nullHandler that sets n to defaultValue
// if the field is null.
func defaultUint32(n *uint32, defaultValue uint32) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultUint16(n *uint16, defaultValue uint16) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultUint8(n *uint8, defaultValue uint8) nullHandler {
	return func() error {
		*n = defaultValue
		return nil
	}
}

func defaultSymbol(s *Symbol, defaultValue Symbol) nullHandler {
	return func() error {
		*s = defaultValue
		return nil
	}
}

// unmarshalComposite is a helper for use in a composite's unmarshal() function.
//
// The composite from r will be unmarshaled into zero or more fields. An error
// will be returned if code does not match the decoded descriptor. Fields the
// peer omitted from the end of the list are treated as null. Fields beyond
// the known ones are skipped.
func unmarshalComposite(r *buffer, code amqpType, fields ...unmarshalField) error {
	start := r.i
	got, count, end, err := readCompositeHeader(r)
	if err != nil {
		return err
	}
	if got != code {
		return &DecodeError{Offset: start, Reason: fmt.Sprintf("invalid descriptor %#02x for %#02x", got, code)}
	}

	sub := &buffer{b: r.b[:end], i: r.i}
	for i := 0; i < count; i++ {
		if i >= len(fields) {
			if _, err := readAny(sub); err != nil {
				return err
			}
			continue
		}

		fieldAt := sub.i
		null, err := unmarshal(sub, fields[i].field)
		if err != nil {
			return err
		}

		if null && fields[i].handleNull != nil {
			if err := fields[i].handleNull(); err != nil {
				return &DecodeError{Offset: fieldAt, Reason: err.Error()}
			}
		}
	}

	// check and call handleNull for the omitted fields
	for i := count; i < len(fields); i++ {
		if fields[i].handleNull != nil {
			if err := fields[i].handleNull(); err != nil {
				return &DecodeError{Offset: end, Reason: err.Error()}
			}
		}
	}

	if sub.i != end {
		return sub.errorf("composite %#02x ends at offset %d, list size says %d", code, sub.i, end)
	}
	r.i = end
	return nil
}

// readCompositeHeader reads a described list header, returning the
// descriptor's code, the field count and the offset the list ends at.
func readCompositeHeader(r *buffer) (code amqpType, count, end int, err error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return 0, 0, 0, err
	}
	if b != 0x0 {
		return 0, 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("expected a described type, found constructor %#02x", b)}
	}

	desc, err := readAny(r)
	if err != nil {
		return 0, 0, 0, err
	}
	code, ok := descriptorCode(desc)
	if !ok {
		return 0, 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("unrecognized descriptor %v", desc)}
	}

	listAt := r.i
	b, err = r.readByte()
	if err != nil {
		return 0, 0, 0, err
	}
	switch amqpType(b) {
	case typeCodeList0, typeCodeList8, typeCodeList32:
	default:
		return 0, 0, 0, &DecodeError{Offset: listAt, Reason: fmt.Sprintf("composite %#02x is not a list, found constructor %#02x", code, b)}
	}

	count, end, err = readCompoundHeader(r, amqpType(b))
	return code, count, end, err
}

// readCompoundHeader reads the size and count of a list, map or array
// whose constructor has been consumed. end is the offset just past the
// value.
func readCompoundHeader(r *buffer, code amqpType) (count, end int, err error) {
	start := r.i - 1

	var size, n uint32
	switch code {
	case typeCodeList0:
		return 0, r.i, nil
	case typeCodeList8, typeCodeMap8, typeCodeArray8:
		s, err := r.readByte()
		if err != nil {
			return 0, 0, err
		}
		if s < 1 {
			return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("compound size %d is too small", s)}
		}
		size = uint32(s)
		end = r.i + int(size)
		c, err := r.readByte()
		if err != nil {
			return 0, 0, err
		}
		n = uint32(c)
	case typeCodeList32, typeCodeMap32, typeCodeArray32:
		size, err = r.readUint32()
		if err != nil {
			return 0, 0, err
		}
		if size < 4 {
			return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("compound size %d is too small", size)}
		}
		if int64(r.i)+int64(size) > int64(len(r.b)) {
			return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("compound size %d exceeds the %d bytes available", size, r.len())}
		}
		end = r.i + int(size)
		n, err = r.readUint32()
		if err != nil {
			return 0, 0, err
		}
	default:
		return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a compound type", code)}
	}

	if end > len(r.b) {
		return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("compound size %d exceeds the bytes available", size)}
	}

	// every list or map element takes at least one byte; arrays are
	// checked once their element constructor is known
	if code != typeCodeArray8 && code != typeCodeArray32 && int64(n) > int64(end-r.i) {
		return 0, 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("element count %d exceeds compound size %d", n, size)}
	}
	return int(n), end, nil
}

func readAny(r *buffer) (interface{}, error) {
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	return readValue(r, amqpType(b))
}

// readValue reads the value for constructor code, which has already been
// consumed.
func readValue(r *buffer, code amqpType) (interface{}, error) {
	switch code {
	case typeCodeNull:
		return nil, nil

	// bool
	case typeCodeBoolTrue:
		return true, nil
	case typeCodeBoolFalse:
		return false, nil
	case typeCodeBool:
		b, err := r.readByte()
		return b != 0, err

	// unsigned integers
	case typeCodeUbyte:
		return r.readByte()
	case typeCodeUshort:
		return r.readUint16()
	case typeCodeUint0:
		return uint32(0), nil
	case typeCodeSmallUint:
		b, err := r.readByte()
		return uint32(b), err
	case typeCodeUint:
		return r.readUint32()
	case typeCodeUlong0:
		return uint64(0), nil
	case typeCodeSmallUlong:
		b, err := r.readByte()
		return uint64(b), err
	case typeCodeUlong:
		return r.readUint64()

	// signed integers
	case typeCodeByte:
		b, err := r.readByte()
		return int8(b), err
	case typeCodeShort:
		n, err := r.readUint16()
		return int16(n), err
	case typeCodeSmallint:
		b, err := r.readByte()
		return int32(int8(b)), err
	case typeCodeInt:
		n, err := r.readUint32()
		return int32(n), err
	case typeCodeSmalllong:
		b, err := r.readByte()
		return int64(int8(b)), err
	case typeCodeLong:
		n, err := r.readUint64()
		return int64(n), err

	// floating point and decimals
	case typeCodeFloat:
		n, err := r.readUint32()
		return math.Float32frombits(n), err
	case typeCodeDouble:
		n, err := r.readUint64()
		return math.Float64frombits(n), err
	case typeCodeDecimal32:
		var d Decimal32
		err := readFixed(r, d[:])
		return d, err
	case typeCodeDecimal64:
		var d Decimal64
		err := readFixed(r, d[:])
		return d, err
	case typeCodeDecimal128:
		var d Decimal128
		err := readFixed(r, d[:])
		return d, err

	// other fixed width
	case typeCodeChar:
		n, err := r.readUint32()
		return Char(n), err
	case typeCodeTimestamp:
		n, err := r.readUint64()
		return time.UnixMilli(int64(n)).UTC(), err
	case typeCodeUUID:
		var u UUID
		err := readFixed(r, u[:])
		return u, err

	// variable width
	case typeCodeVbin8, typeCodeVbin32:
		buf, err := readVariableBody(r, code)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), buf...), nil
	case typeCodeStr8, typeCodeStr32:
		at := r.i
		buf, err := readVariableBody(r, code)
		if err != nil {
			return nil, err
		}
		if !utf8.Valid(buf) {
			return nil, &DecodeError{Offset: at, Reason: "string is not valid UTF-8"}
		}
		return string(buf), nil
	case typeCodeSym8, typeCodeSym32:
		buf, err := readVariableBody(r, code)
		if err != nil {
			return nil, err
		}
		return Symbol(buf), nil

	// compound
	case typeCodeList0:
		return []interface{}{}, nil
	case typeCodeList8, typeCodeList32:
		return readList(r, code)
	case typeCodeMap8, typeCodeMap32:
		m := make(map[interface{}]interface{})
		err := readMapBody(r, code, func(k, v interface{}) error {
			key, ok := anyKey(k)
			if !ok {
				return errorErrorf("map key of type %T is not hashable", k)
			}
			m[key] = v
			return nil
		})
		if err != nil {
			return nil, err
		}
		return m, nil
	case typeCodeArray8, typeCodeArray32:
		return readArray(r, code)

	case 0x0:
		return readDescribed(r)

	default:
		return nil, &DecodeError{Offset: r.i - 1, Reason: fmt.Sprintf("unknown constructor %#02x", uint8(code))}
	}
}

func readFixed(r *buffer, dst []byte) error {
	buf, ok := r.next(int64(len(dst)))
	if !ok {
		return r.errorf("need %d bytes, have %d", len(dst), r.len())
	}
	copy(dst, buf)
	return nil
}

// readVariableBody reads the length prefix and returns the bytes of a
// binary, string or symbol value. The result aliases r.
func readVariableBody(r *buffer, code amqpType) ([]byte, error) {
	var n int64
	switch code {
	case typeCodeVbin8, typeCodeStr8, typeCodeSym8:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		n = int64(b)
	default:
		l, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		n = int64(l)
	}
	buf, ok := r.next(n)
	if !ok {
		return nil, r.errorf("value length %d exceeds the %d bytes available", n, r.len())
	}
	return buf, nil
}

func readList(r *buffer, code amqpType) ([]interface{}, error) {
	count, end, err := readCompoundHeader(r, code)
	if err != nil {
		return nil, err
	}

	sub := &buffer{b: r.b[:end], i: r.i}
	l := make([]interface{}, 0, count)
	for i := 0; i < count; i++ {
		v, err := readAny(sub)
		if err != nil {
			return nil, err
		}
		l = append(l, v)
	}
	if sub.i != end {
		return nil, sub.errorf("list ends at offset %d, size says %d", sub.i, end)
	}
	r.i = end
	return l, nil
}

// readMapBody reads the pairs of a map whose constructor has been consumed,
// calling fn for each.
func readMapBody(r *buffer, code amqpType, fn func(k, v interface{}) error) error {
	start := r.i - 1
	count, end, err := readCompoundHeader(r, code)
	if err != nil {
		return err
	}
	if count%2 != 0 {
		return &DecodeError{Offset: start, Reason: fmt.Sprintf("map has odd element count %d", count)}
	}

	sub := &buffer{b: r.b[:end], i: r.i}
	for i := 0; i < count; i += 2 {
		keyAt := sub.i
		k, err := readAny(sub)
		if err != nil {
			return err
		}
		v, err := readAny(sub)
		if err != nil {
			return err
		}
		if err := fn(k, v); err != nil {
			if _, ok := err.(*DecodeError); !ok {
				err = &DecodeError{Offset: keyAt, Reason: err.Error()}
			}
			return err
		}
	}
	if sub.i != end {
		return sub.errorf("map ends at offset %d, size says %d", sub.i, end)
	}
	r.i = end
	return nil
}

// readMapOf reads a map, converting each key with conv.
func readMapOf[K comparable](r *buffer, conv func(interface{}) (K, bool)) (map[K]interface{}, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	code := amqpType(b)
	if code != typeCodeMap8 && code != typeCodeMap32 {
		return nil, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a map", b)}
	}

	m := make(map[K]interface{})
	err = readMapBody(r, code, func(k, v interface{}) error {
		key, ok := conv(k)
		if !ok {
			return errorErrorf("unexpected map key type %T", k)
		}
		m[key] = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func anyKey(k interface{}) (interface{}, bool) {
	if k != nil && !reflect.TypeOf(k).Comparable() {
		return nil, false
	}
	return k, true
}

func stringKey(k interface{}) (string, bool) {
	switch k := k.(type) {
	case string:
		return k, true
	case Symbol:
		return string(k), true
	}
	return "", false
}

func symbolKey(k interface{}) (Symbol, bool) {
	switch k := k.(type) {
	case Symbol:
		return k, true
	case string:
		return Symbol(k), true
	}
	return "", false
}

// zeroWidth reports whether values with constructor code occupy no bytes
// after the constructor. Non-empty arrays of these are rejected since
// their count is not bounded by the encoded size.
func zeroWidth(code amqpType) bool {
	switch code {
	case typeCodeNull, typeCodeBoolTrue, typeCodeBoolFalse,
		typeCodeUint0, typeCodeUlong0, typeCodeList0:
		return true
	}
	return false
}

func readArray(r *buffer, code amqpType) (interface{}, error) {
	count, end, err := readCompoundHeader(r, code)
	if err != nil {
		return nil, err
	}

	sub := &buffer{b: r.b[:end], i: r.i}
	b, err := sub.readByte()
	if err != nil {
		return nil, err
	}

	var desc interface{}
	described := b == 0x0
	if described {
		if desc, err = readAny(sub); err != nil {
			return nil, err
		}
		if b, err = sub.readByte(); err != nil {
			return nil, err
		}
	}

	ctor := amqpType(b)
	if zeroWidth(ctor) {
		if count == 0 && sub.i == end {
			r.i = end
			return []interface{}{}, nil
		}
		return nil, &DecodeError{Offset: sub.i - 1, Reason: fmt.Sprintf("array element constructor %#02x has no width", b)}
	}
	if count > sub.len() {
		return nil, &DecodeError{Offset: sub.i - 1, Reason: fmt.Sprintf("array count %d exceeds the %d bytes available", count, sub.len())}
	}

	var v interface{}
	if described {
		v, err = readDescribedElems(sub, desc, ctor, count)
	} else {
		v, err = readArrayElems(sub, ctor, count)
	}
	if err != nil {
		return nil, err
	}
	if sub.i != end {
		return nil, sub.errorf("array ends at offset %d, size says %d", sub.i, end)
	}
	r.i = end
	return v, nil
}

func readArrayElems(r *buffer, ctor amqpType, n int) (interface{}, error) {
	switch ctor {
	case typeCodeBool:
		return collect[bool](r, ctor, n)
	case typeCodeUbyte:
		v, err := collect[uint8](r, ctor, n)
		if err != nil {
			return nil, err
		}
		return ArrayUByte(v), nil
	case typeCodeUshort:
		return collect[uint16](r, ctor, n)
	case typeCodeUint, typeCodeSmallUint:
		return collect[uint32](r, ctor, n)
	case typeCodeUlong, typeCodeSmallUlong:
		return collect[uint64](r, ctor, n)
	case typeCodeByte:
		return collect[int8](r, ctor, n)
	case typeCodeShort:
		return collect[int16](r, ctor, n)
	case typeCodeInt, typeCodeSmallint:
		return collect[int32](r, ctor, n)
	case typeCodeLong, typeCodeSmalllong:
		return collect[int64](r, ctor, n)
	case typeCodeFloat:
		return collect[float32](r, ctor, n)
	case typeCodeDouble:
		return collect[float64](r, ctor, n)
	case typeCodeDecimal32:
		return collect[Decimal32](r, ctor, n)
	case typeCodeDecimal64:
		return collect[Decimal64](r, ctor, n)
	case typeCodeDecimal128:
		return collect[Decimal128](r, ctor, n)
	case typeCodeChar:
		return collect[Char](r, ctor, n)
	case typeCodeTimestamp:
		return collect[time.Time](r, ctor, n)
	case typeCodeUUID:
		return collect[UUID](r, ctor, n)
	case typeCodeVbin8, typeCodeVbin32:
		return collect[[]byte](r, ctor, n)
	case typeCodeStr8, typeCodeStr32:
		return collect[string](r, ctor, n)
	case typeCodeSym8, typeCodeSym32:
		return collect[Symbol](r, ctor, n)
	case typeCodeList8, typeCodeList32, typeCodeMap8, typeCodeMap32, typeCodeArray8, typeCodeArray32:
		return collect[interface{}](r, ctor, n)
	default:
		return nil, &DecodeError{Offset: r.i - 1, Reason: fmt.Sprintf("unknown array element constructor %#02x", uint8(ctor))}
	}
}

// collect reads n values sharing constructor ctor.
func collect[T any](r *buffer, ctor amqpType, n int) ([]T, error) {
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, err := readValue(r, ctor)
		if err != nil {
			return nil, err
		}
		out = append(out, v.(T))
	}
	return out, nil
}

func readDescribedElems(r *buffer, desc interface{}, ctor amqpType, n int) ([]interface{}, error) {
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		v, err := readValue(r, ctor)
		if err != nil {
			return nil, err
		}
		out = append(out, &DescribedType{Descriptor: desc, Value: v})
	}
	return out, nil
}

// readDescribed reads a described value whose 0x00 constructor has been
// consumed. Delivery states, errors, termini and lifetime policies decode
// to their concrete types.
func readDescribed(r *buffer) (interface{}, error) {
	start := r.i - 1
	desc, err := readAny(r)
	if err != nil {
		return nil, err
	}

	if code, ok := descriptorCode(desc); ok {
		switch code {
		case typeCodeDeleteOnClose, typeCodeDeleteOnNoLinks,
			typeCodeDeleteOnNoMessages, typeCodeDeleteOnNoLinksOrMessages:
			r.i = start
			var p lifetimePolicy
			err := p.unmarshal(r)
			return p, err
		}
		if v := newDescribed(code); v != nil {
			r.i = start
			if err := v.unmarshal(r); err != nil {
				return nil, err
			}
			return v, nil
		}
	}

	value, err := readAny(r)
	if err != nil {
		return nil, err
	}
	return &DescribedType{Descriptor: desc, Value: value}, nil
}

func newDescribed(code amqpType) unmarshaler {
	switch code {
	case typeCodeStateReceived:
		return new(stateReceived)
	case typeCodeStateAccepted:
		return new(stateAccepted)
	case typeCodeStateRejected:
		return new(stateRejected)
	case typeCodeStateReleased:
		return new(stateReleased)
	case typeCodeStateModified:
		return new(stateModified)
	case typeCodeError:
		return new(Error)
	case typeCodeSource:
		return new(source)
	case typeCodeTarget:
		return new(target)
	}
	return nil
}

func readBool(r *buffer) (bool, error) {
	b, err := r.readByte()
	if err != nil {
		return false, err
	}

	switch amqpType(b) {
	case typeCodeBool:
		b, err = r.readByte()
		return b != 0, err
	case typeCodeBoolTrue:
		return true, nil
	case typeCodeBoolFalse:
		return false, nil
	default:
		return false, &DecodeError{Offset: r.i - 1, Reason: fmt.Sprintf("type code %#02x is not a boolean", b)}
	}
}

// readUint reads any unsigned integer encoding, failing if the value
// exceeds max.
func readUint(r *buffer, max uint64) (uint64, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}

	var n uint64
	switch amqpType(b) {
	case typeCodeUint0, typeCodeUlong0:
		n = 0
	case typeCodeUbyte, typeCodeSmallUint, typeCodeSmallUlong:
		var c byte
		c, err = r.readByte()
		n = uint64(c)
	case typeCodeUshort:
		var v uint16
		v, err = r.readUint16()
		n = uint64(v)
	case typeCodeUint:
		var v uint32
		v, err = r.readUint32()
		n = uint64(v)
	case typeCodeUlong:
		n, err = r.readUint64()
	default:
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not an unsigned integer", b)}
	}
	if err != nil {
		return 0, err
	}
	if n > max {
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("value %d exceeds %d", n, max)}
	}
	return n, nil
}

// readInt reads any signed integer encoding, failing if the value is
// outside [min, max].
func readInt(r *buffer, min, max int64) (int64, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}

	var n int64
	switch amqpType(b) {
	case typeCodeByte, typeCodeSmallint, typeCodeSmalllong:
		var c byte
		c, err = r.readByte()
		n = int64(int8(c))
	case typeCodeShort:
		var v uint16
		v, err = r.readUint16()
		n = int64(int16(v))
	case typeCodeInt:
		var v uint32
		v, err = r.readUint32()
		n = int64(int32(v))
	case typeCodeLong:
		var v uint64
		v, err = r.readUint64()
		n = int64(v)
	default:
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a signed integer", b)}
	}
	if err != nil {
		return 0, err
	}
	if n < min || n > max {
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("value %d is out of range [%d, %d]", n, min, max)}
	}
	return n, nil
}

// readString reads a string. Symbols are accepted too since some peers
// send addresses as symbols.
func readString(r *buffer) (string, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return "", err
	}
	switch amqpType(b) {
	case typeCodeStr8, typeCodeStr32, typeCodeSym8, typeCodeSym32:
	default:
		return "", &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a string", b)}
	}
	v, err := readValue(r, amqpType(b))
	if err != nil {
		return "", err
	}
	switch v := v.(type) {
	case Symbol:
		return string(v), nil
	default:
		return v.(string), nil
	}
}

func readBinary(r *buffer) ([]byte, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return nil, err
	}
	switch amqpType(b) {
	case typeCodeVbin8, typeCodeVbin32:
	default:
		return nil, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not binary", b)}
	}
	buf, err := readVariableBody(r, amqpType(b))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

// readSymbolArray reads a multiple symbol field, which may be encoded as
// a single symbol or an array of symbols.
func readSymbolArray(r *buffer) ([]Symbol, error) {
	start := r.i
	b, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	switch amqpType(b) {
	case typeCodeSym8, typeCodeSym32:
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		return []Symbol{Symbol(s)}, nil
	}

	v, err := readAny(r)
	if err != nil {
		return nil, err
	}
	syms, ok := v.([]Symbol)
	if !ok {
		return nil, &DecodeError{Offset: start, Reason: fmt.Sprintf("expected an array of symbols, found %T", v)}
	}
	return syms, nil
}

func readTimestamp(r *buffer) (time.Time, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return time.Time{}, err
	}
	if amqpType(b) != typeCodeTimestamp {
		return time.Time{}, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a timestamp", b)}
	}
	n, err := r.readUint64()
	return time.UnixMilli(int64(n)).UTC(), err
}

func readUUID(r *buffer) (UUID, error) {
	var u UUID
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return u, err
	}
	if amqpType(b) != typeCodeUUID {
		return u, &DecodeError{Offset: start, Reason: fmt.Sprintf("type code %#02x is not a uuid", b)}
	}
	err = readFixed(r, u[:])
	return u, err
}
