package amqp

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type amqpType uint8

// Type codes
const (
	typeCodeNull amqpType = 0x40

	// Bool
	typeCodeBool      amqpType = 0x56 // one octet, 0x00 false, 0x01 true
	typeCodeBoolTrue  amqpType = 0x41
	typeCodeBoolFalse amqpType = 0x42

	// Unsigned
	typeCodeUbyte      amqpType = 0x50 // (1)
	typeCodeUshort     amqpType = 0x60 // (2)
	typeCodeUint       amqpType = 0x70 // (4)
	typeCodeSmallUint  amqpType = 0x52 // 0 to 255 (1)
	typeCodeUint0      amqpType = 0x43 // the value 0 (0)
	typeCodeUlong      amqpType = 0x80 // (8)
	typeCodeSmallUlong amqpType = 0x53 // 0 to 255 (1)
	typeCodeUlong0     amqpType = 0x44 // the value 0 (0)

	// Signed
	typeCodeByte      amqpType = 0x51 // (1)
	typeCodeShort     amqpType = 0x61 // (2)
	typeCodeInt       amqpType = 0x71 // (4)
	typeCodeSmallint  amqpType = 0x54 // -128 to 127 (1)
	typeCodeLong      amqpType = 0x81 // (8)
	typeCodeSmalllong amqpType = 0x55 // -128 to 127 (1)

	// Decimal
	typeCodeFloat      amqpType = 0x72 // IEEE 754-2008 binary32 (4)
	typeCodeDouble     amqpType = 0x82 // IEEE 754-2008 binary64 (8)
	typeCodeDecimal32  amqpType = 0x74 // IEEE 754-2008 decimal32 (4)
	typeCodeDecimal64  amqpType = 0x84 // IEEE 754-2008 decimal64 (8)
	typeCodeDecimal128 amqpType = 0x94 // IEEE 754-2008 decimal128 (16)

	// Other
	typeCodeChar      amqpType = 0x73 // UTF-32BE code point (4)
	typeCodeTimestamp amqpType = 0x83 // milliseconds since the unix epoch (8)
	typeCodeUUID      amqpType = 0x98 // RFC-4122 (16)

	// Variable Length
	typeCodeVbin8  amqpType = 0xa0
	typeCodeVbin32 amqpType = 0xb0
	typeCodeStr8   amqpType = 0xa1
	typeCodeStr32  amqpType = 0xb1
	typeCodeSym8   amqpType = 0xa3
	typeCodeSym32  amqpType = 0xb3

	// Compound
	typeCodeList0   amqpType = 0x45
	typeCodeList8   amqpType = 0xc0
	typeCodeList32  amqpType = 0xd0
	typeCodeMap8    amqpType = 0xc1
	typeCodeMap32   amqpType = 0xd1
	typeCodeArray8  amqpType = 0xe0
	typeCodeArray32 amqpType = 0xf0

	// Composites
	typeCodeOpen        amqpType = 0x10
	typeCodeBegin       amqpType = 0x11
	typeCodeAttach      amqpType = 0x12
	typeCodeFlow        amqpType = 0x13
	typeCodeTransfer    amqpType = 0x14
	typeCodeDisposition amqpType = 0x15
	typeCodeDetach      amqpType = 0x16
	typeCodeEnd         amqpType = 0x17
	typeCodeClose       amqpType = 0x18

	typeCodeSource amqpType = 0x28
	typeCodeTarget amqpType = 0x29
	typeCodeError  amqpType = 0x1d

	typeCodeMessageHeader         amqpType = 0x70
	typeCodeDeliveryAnnotations   amqpType = 0x71
	typeCodeMessageAnnotations    amqpType = 0x72
	typeCodeMessageProperties     amqpType = 0x73
	typeCodeApplicationProperties amqpType = 0x74
	typeCodeApplicationData       amqpType = 0x75
	typeCodeAMQPSequence          amqpType = 0x76
	typeCodeAMQPValue             amqpType = 0x77
	typeCodeFooter                amqpType = 0x78

	typeCodeStateReceived amqpType = 0x23
	typeCodeStateAccepted amqpType = 0x24
	typeCodeStateRejected amqpType = 0x25
	typeCodeStateReleased amqpType = 0x26
	typeCodeStateModified amqpType = 0x27

	typeCodeSASLMechanism amqpType = 0x40
	typeCodeSASLInit      amqpType = 0x41
	typeCodeSASLChallenge amqpType = 0x42
	typeCodeSASLResponse  amqpType = 0x43
	typeCodeSASLOutcome   amqpType = 0x44

	typeCodeDeleteOnClose             amqpType = 0x2b
	typeCodeDeleteOnNoLinks           amqpType = 0x2c
	typeCodeDeleteOnNoMessages        amqpType = 0x2d
	typeCodeDeleteOnNoLinksOrMessages amqpType = 0x2e
)

// descriptorNames maps symbolic descriptors to their numeric codes.
// Peers may use either form.
var descriptorNames = map[Symbol]amqpType{
	"amqp:open:list":        typeCodeOpen,
	"amqp:begin:list":       typeCodeBegin,
	"amqp:attach:list":      typeCodeAttach,
	"amqp:flow:list":        typeCodeFlow,
	"amqp:transfer:list":    typeCodeTransfer,
	"amqp:disposition:list": typeCodeDisposition,
	"amqp:detach:list":      typeCodeDetach,
	"amqp:end:list":         typeCodeEnd,
	"amqp:close:list":       typeCodeClose,

	"amqp:source:list": typeCodeSource,
	"amqp:target:list": typeCodeTarget,
	"amqp:error:list":  typeCodeError,

	"amqp:header:list":                typeCodeMessageHeader,
	"amqp:delivery-annotations:map":   typeCodeDeliveryAnnotations,
	"amqp:message-annotations:map":    typeCodeMessageAnnotations,
	"amqp:properties:list":            typeCodeMessageProperties,
	"amqp:application-properties:map": typeCodeApplicationProperties,
	"amqp:data:binary":                typeCodeApplicationData,
	"amqp:amqp-sequence:list":         typeCodeAMQPSequence,
	"amqp:amqp-value:*":               typeCodeAMQPValue,
	"amqp:footer:map":                 typeCodeFooter,

	"amqp:received:list": typeCodeStateReceived,
	"amqp:accepted:list": typeCodeStateAccepted,
	"amqp:rejected:list": typeCodeStateRejected,
	"amqp:released:list": typeCodeStateReleased,
	"amqp:modified:list": typeCodeStateModified,

	"amqp:sasl-mechanisms:list": typeCodeSASLMechanism,
	"amqp:sasl-init:list":       typeCodeSASLInit,
	"amqp:sasl-challenge:list":  typeCodeSASLChallenge,
	"amqp:sasl-response:list":   typeCodeSASLResponse,
	"amqp:sasl-outcome:list":    typeCodeSASLOutcome,

	"amqp:delete-on-close:list":                typeCodeDeleteOnClose,
	"amqp:delete-on-no-links:list":             typeCodeDeleteOnNoLinks,
	"amqp:delete-on-no-messages:list":          typeCodeDeleteOnNoMessages,
	"amqp:delete-on-no-links-or-messages:list": typeCodeDeleteOnNoLinksOrMessages,
}

// descriptorCode returns the code for a numeric or symbolic descriptor.
// Numeric descriptors outside the range of codes defined by AMQP are not
// recognized.
func descriptorCode(desc interface{}) (amqpType, bool) {
	switch d := desc.(type) {
	case uint64:
		if d > 0xff {
			return 0, false
		}
		return amqpType(d), true
	case Symbol:
		code, ok := descriptorNames[d]
		return code, ok
	}
	return 0, false
}

// Symbol is an AMQP symbolic string.
type Symbol string

// UUID is a 128 bit identifier as defined in RFC 4122.
type UUID = uuid.UUID

// Char is a single unicode character, encoded as UTF-32BE.
type Char rune

// Decimal32, Decimal64 and Decimal128 hold IEEE 754-2008 decimal values
// in their big-endian wire form. They are carried opaquely.
type (
	Decimal32  [4]byte
	Decimal64  [8]byte
	Decimal128 [16]byte
)

// ArrayUByte is an AMQP array of ubyte. A plain []byte is encoded as binary.
type ArrayUByte []uint8

// DescribedType is a value tagged with a descriptor the library does not
// recognize. It is passed through unchanged.
type DescribedType struct {
	Descriptor interface{} // uint64 or Symbol
	Value      interface{}
}

func (t *DescribedType) marshal(wr *buffer) error {
	if t == nil {
		wr.writeByte(byte(typeCodeNull))
		return nil
	}
	wr.writeByte(0x0)
	if err := marshal(wr, t.Descriptor); err != nil {
		return err
	}
	return marshal(wr, t.Value)
}

func (t *DescribedType) String() string {
	return fmt.Sprintf("DescribedType{Descriptor: %v, Value: %v}", t.Descriptor, t.Value)
}

// TypeCode identifies the AMQP primitive type a value is forced to with Typed.
type TypeCode uint8

// Type codes accepted by Typed.
const (
	TypeBool      = TypeCode(typeCodeBool)
	TypeUbyte     = TypeCode(typeCodeUbyte)
	TypeUshort    = TypeCode(typeCodeUshort)
	TypeUint      = TypeCode(typeCodeUint)
	TypeUlong     = TypeCode(typeCodeUlong)
	TypeByte      = TypeCode(typeCodeByte)
	TypeShort     = TypeCode(typeCodeShort)
	TypeInt       = TypeCode(typeCodeInt)
	TypeLong      = TypeCode(typeCodeLong)
	TypeFloat     = TypeCode(typeCodeFloat)
	TypeDouble    = TypeCode(typeCodeDouble)
	TypeChar      = TypeCode(typeCodeChar)
	TypeTimestamp = TypeCode(typeCodeTimestamp)
	TypeBinary    = TypeCode(typeCodeVbin32)
	TypeString    = TypeCode(typeCodeStr32)
	TypeSymbol    = TypeCode(typeCodeSym32)
)

// ForcedType is a value paired with the AMQP type it must be encoded as.
//
// It only exists at encode time: decoding yields the plain Go value for
// the wire type (uint16 for TypeUshort, Symbol for TypeSymbol, ...).
type ForcedType struct {
	Code  TypeCode
	Value interface{}
}

// Typed wraps v so that it is encoded as the AMQP type identified by code
// instead of the type derived from v's Go type.
//
// Integer values are range checked against the target width when encoded.
func Typed(code TypeCode, v interface{}) ForcedType {
	return ForcedType{Code: code, Value: v}
}

type role bool

const (
	roleSender   role = false
	roleReceiver role = true
)

func (rl role) String() string {
	if rl {
		return "Receiver"
	}
	return "Sender"
}

func (rl *role) unmarshal(r *buffer) error {
	_, err := unmarshal(r, (*bool)(rl))
	return err
}

func (rl role) marshal(wr *buffer) error {
	return marshal(wr, (bool)(rl))
}

// deliveryState is one of the *stateXxx types, or an unrecognized
// *DescribedType.
type deliveryState interface{}

type unsettled map[string]deliveryState

func (u unsettled) marshal(wr *buffer) error {
	return writeMap(wr, len(u), func(yield func(k, v interface{}) error) error {
		for k, v := range u {
			if err := yield([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (u *unsettled) unmarshal(r *buffer) error {
	m, err := readMapOf(r, func(k interface{}) (string, bool) {
		switch k := k.(type) {
		case string:
			return k, true
		case []byte:
			return string(k), true
		}
		return "", false
	})
	if err != nil {
		return err
	}
	*u = make(unsettled, len(m))
	for k, v := range m {
		(*u)[k] = v
	}
	return nil
}

/*
<type name="source" class="composite" source="list" provides="source">
    <descriptor name="amqp:source:list" code="0x00000000:0x00000028"/>
    <field name="address" type="*" requires="address"/>
    <field name="durable" type="terminus-durability" default="none"/>
    <field name="expiry-policy" type="terminus-expiry-policy" default="session-end"/>
    <field name="timeout" type="seconds" default="0"/>
    <field name="dynamic" type="boolean" default="false"/>
    <field name="dynamic-node-properties" type="node-properties"/>
    <field name="distribution-mode" type="symbol" requires="distribution-mode"/>
    <field name="filter" type="filter-set"/>
    <field name="default-outcome" type="*" requires="outcome"/>
    <field name="outcomes" type="symbol" multiple="true"/>
    <field name="capabilities" type="symbol" multiple="true"/>
</type>
*/
type source struct {
	// Must be unset when a receiver requests a dynamic node, and is set
	// by the sender to the created node's address in response.
	Address string

	// 0: none, 1: configuration, 2: unsettled-state
	Durable uint32

	// link-detach, session-end, connection-close or never
	ExpiryPolicy Symbol

	Timeout uint32 // seconds

	// request dynamic creation of a remote node
	Dynamic bool

	DynamicNodeProperties map[Symbol]interface{}

	DistributionMode Symbol

	// predicates filtering the messages admitted onto the link, keyed by
	// filter name
	Filter map[Symbol]*DescribedType

	DefaultOutcome interface{}

	Outcomes     []Symbol
	Capabilities []Symbol
}

func (s *source) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeSource, []marshalField{
		{value: s.Address, omit: s.Address == ""},
		{value: s.Durable, omit: s.Durable == 0},
		{value: s.ExpiryPolicy, omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == "session-end"},
		{value: s.Timeout, omit: s.Timeout == 0},
		{value: s.Dynamic, omit: !s.Dynamic},
		{value: s.DynamicNodeProperties, omit: len(s.DynamicNodeProperties) == 0},
		{value: s.DistributionMode, omit: s.DistributionMode == ""},
		{value: filterSet(s.Filter), omit: len(s.Filter) == 0},
		{value: s.DefaultOutcome, omit: s.DefaultOutcome == nil},
		{value: s.Outcomes, omit: len(s.Outcomes) == 0},
		{value: s.Capabilities, omit: len(s.Capabilities) == 0},
	}...)
}

func (s *source) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeSource, []unmarshalField{
		{field: &s.Address},
		{field: &s.Durable},
		{field: &s.ExpiryPolicy, handleNull: defaultSymbol(&s.ExpiryPolicy, "session-end")},
		{field: &s.Timeout},
		{field: &s.Dynamic},
		{field: &s.DynamicNodeProperties},
		{field: &s.DistributionMode},
		{field: (*filterSet)(&s.Filter)},
		{field: &s.DefaultOutcome},
		{field: &s.Outcomes},
		{field: &s.Capabilities},
	}...)
}

func (s source) String() string {
	return fmt.Sprintf("source{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, "+
		"Dynamic: %t, DynamicNodeProperties: %v, DistributionMode: %s, Filter: %v, DefaultOutcome: %v, "+
		"Outcomes: %v, Capabilities: %v}",
		s.Address,
		s.Durable,
		s.ExpiryPolicy,
		s.Timeout,
		s.Dynamic,
		s.DynamicNodeProperties,
		s.DistributionMode,
		s.Filter,
		s.DefaultOutcome,
		s.Outcomes,
		s.Capabilities,
	)
}

// filterSet is a map of filter name to described filter value.
type filterSet map[Symbol]*DescribedType

func (f filterSet) marshal(wr *buffer) error {
	return writeMapOf(wr, f)
}

func (f *filterSet) unmarshal(r *buffer) error {
	m, err := readMapOf(r, symbolKey)
	if err != nil {
		return err
	}
	fs := make(filterSet, len(m))
	for k, v := range m {
		dt, ok := v.(*DescribedType)
		if !ok && v != nil {
			return r.errorf("filter %q is %T, not a described type", k, v)
		}
		fs[k] = dt
	}
	*f = fs
	return nil
}

/*
<type name="target" class="composite" source="list" provides="target">
    <descriptor name="amqp:target:list" code="0x00000000:0x00000029"/>
    <field name="address" type="*" requires="address"/>
    <field name="durable" type="terminus-durability" default="none"/>
    <field name="expiry-policy" type="terminus-expiry-policy" default="session-end"/>
    <field name="timeout" type="seconds" default="0"/>
    <field name="dynamic" type="boolean" default="false"/>
    <field name="dynamic-node-properties" type="node-properties"/>
    <field name="capabilities" type="symbol" multiple="true"/>
</type>
*/
type target struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          Symbol
	Timeout               uint32 // seconds
	Dynamic               bool
	DynamicNodeProperties map[Symbol]interface{}
	Capabilities          []Symbol
}

func (t *target) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeTarget, []marshalField{
		{value: t.Address, omit: t.Address == ""},
		{value: t.Durable, omit: t.Durable == 0},
		{value: t.ExpiryPolicy, omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == "session-end"},
		{value: t.Timeout, omit: t.Timeout == 0},
		{value: t.Dynamic, omit: !t.Dynamic},
		{value: t.DynamicNodeProperties, omit: len(t.DynamicNodeProperties) == 0},
		{value: t.Capabilities, omit: len(t.Capabilities) == 0},
	}...)
}

func (t *target) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeTarget, []unmarshalField{
		{field: &t.Address},
		{field: &t.Durable},
		{field: &t.ExpiryPolicy, handleNull: defaultSymbol(&t.ExpiryPolicy, "session-end")},
		{field: &t.Timeout},
		{field: &t.Dynamic},
		{field: &t.DynamicNodeProperties},
		{field: &t.Capabilities},
	}...)
}

func (t target) String() string {
	return fmt.Sprintf("target{Address: %s, Durable: %d, ExpiryPolicy: %s, Timeout: %d, "+
		"Dynamic: %t, DynamicNodeProperties: %v, Capabilities: %v}",
		t.Address,
		t.Durable,
		t.ExpiryPolicy,
		t.Timeout,
		t.Dynamic,
		t.DynamicNodeProperties,
		t.Capabilities,
	)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return strconv.FormatUint(uint64(*p), 10)
}

// ErrorCondition is one of the error conditions defined in the AMQP spec.
type ErrorCondition string

func (ec ErrorCondition) marshal(wr *buffer) error {
	return marshal(wr, (Symbol)(ec))
}

func (ec *ErrorCondition) unmarshal(r *buffer) error {
	_, err := unmarshal(r, (*Symbol)(ec))
	return err
}

// Error Conditions
const (
	// AMQP Errors
	ErrorInternalError         ErrorCondition = "amqp:internal-error"
	ErrorNotFound              ErrorCondition = "amqp:not-found"
	ErrorUnauthorizedAccess    ErrorCondition = "amqp:unauthorized-access"
	ErrorDecodeError           ErrorCondition = "amqp:decode-error"
	ErrorResourceLimitExceeded ErrorCondition = "amqp:resource-limit-exceeded"
	ErrorNotAllowed            ErrorCondition = "amqp:not-allowed"
	ErrorInvalidField          ErrorCondition = "amqp:invalid-field"
	ErrorNotImplemented        ErrorCondition = "amqp:not-implemented"
	ErrorResourceLocked        ErrorCondition = "amqp:resource-locked"
	ErrorPreconditionFailed    ErrorCondition = "amqp:precondition-failed"
	ErrorResourceDeleted       ErrorCondition = "amqp:resource-deleted"
	ErrorIllegalState          ErrorCondition = "amqp:illegal-state"
	ErrorFrameSizeTooSmall     ErrorCondition = "amqp:frame-size-too-small"

	// Connection Errors
	ErrorConnectionForced   ErrorCondition = "amqp:connection:forced"
	ErrorFramingError       ErrorCondition = "amqp:connection:framing-error"
	ErrorConnectionRedirect ErrorCondition = "amqp:connection:redirect"

	// Session Errors
	ErrorWindowViolation  ErrorCondition = "amqp:session:window-violation"
	ErrorErrantLink       ErrorCondition = "amqp:session:errant-link"
	ErrorHandleInUse      ErrorCondition = "amqp:session:handle-in-use"
	ErrorUnattachedHandle ErrorCondition = "amqp:session:unattached-handle"

	// Link Errors
	ErrorDetachForced          ErrorCondition = "amqp:link:detach-forced"
	ErrorTransferLimitExceeded ErrorCondition = "amqp:link:transfer-limit-exceeded"
	ErrorMessageSizeExceeded   ErrorCondition = "amqp:link:message-size-exceeded"
	ErrorLinkRedirect          ErrorCondition = "amqp:link:redirect"
	ErrorStolen                ErrorCondition = "amqp:link:stolen"
)

/*
<type name="error" class="composite" source="list">
    <descriptor name="amqp:error:list" code="0x00000000:0x0000001d"/>
    <field name="condition" type="symbol" requires="error-condition" mandatory="true"/>
    <field name="description" type="string"/>
    <field name="info" type="fields"/>
</type>
*/

// Error is an AMQP error, as carried by Close, End, Detach and the
// rejected outcome.
type Error struct {
	// A symbolic value indicating the error condition.
	Condition ErrorCondition

	// descriptive text about the error condition
	Description string

	// map carrying information about the error condition
	Info map[string]interface{}
}

func (e *Error) marshal(wr *buffer) error {
	var info map[Symbol]interface{}
	if len(e.Info) > 0 {
		info = make(map[Symbol]interface{}, len(e.Info))
		for k, v := range e.Info {
			info[Symbol(k)] = v
		}
	}
	return marshalComposite(wr, typeCodeError, []marshalField{
		{value: e.Condition, omit: false},
		{value: e.Description, omit: e.Description == ""},
		{value: info, omit: len(info) == 0},
	}...)
}

func (e *Error) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeError, []unmarshalField{
		{field: &e.Condition, handleNull: required("Error.Condition")},
		{field: &e.Description},
		{field: &e.Info},
	}...)
}

func (e *Error) String() string {
	if e == nil {
		return "*Error(nil)"
	}
	return fmt.Sprintf("*Error{Condition: %s, Description: %s, Info: %v}",
		e.Condition,
		e.Description,
		e.Info,
	)
}

func (e *Error) Error() string {
	return e.String()
}

/*
<type name="received" class="composite" source="list" provides="delivery-state">
    <descriptor name="amqp:received:list" code="0x00000000:0x00000023"/>
    <field name="section-number" type="uint" mandatory="true"/>
    <field name="section-offset" type="ulong" mandatory="true"/>
</type>
*/

type stateReceived struct {
	// first section (sender) or first incomplete section (receiver)
	SectionNumber uint32

	// byte offset within SectionNumber
	SectionOffset uint64
}

func (sr *stateReceived) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeStateReceived, []marshalField{
		{value: sr.SectionNumber, omit: false},
		{value: sr.SectionOffset, omit: false},
	}...)
}

func (sr *stateReceived) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeStateReceived, []unmarshalField{
		{field: &sr.SectionNumber, handleNull: required("StateReceived.SectionNumber")},
		{field: &sr.SectionOffset, handleNull: required("StateReceived.SectionOffset")},
	}...)
}

func (sr *stateReceived) String() string {
	return fmt.Sprintf("Received{SectionNumber: %d, SectionOffset: %d}", sr.SectionNumber, sr.SectionOffset)
}

/*
<type name="accepted" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:accepted:list" code="0x00000000:0x00000024"/>
</type>
*/

type stateAccepted struct{}

func (sa *stateAccepted) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeStateAccepted)
}

func (sa *stateAccepted) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeStateAccepted)
}

func (sa *stateAccepted) String() string {
	return "Accepted"
}

/*
<type name="rejected" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:rejected:list" code="0x00000000:0x00000025"/>
    <field name="error" type="error"/>
</type>
*/

type stateRejected struct {
	Error *Error
}

func (sr *stateRejected) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeStateRejected,
		marshalField{value: sr.Error, omit: sr.Error == nil},
	)
}

func (sr *stateRejected) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeStateRejected,
		unmarshalField{field: &sr.Error},
	)
}

func (sr *stateRejected) String() string {
	return fmt.Sprintf("Rejected{Error: %v}", sr.Error)
}

/*
<type name="released" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:released:list" code="0x00000000:0x00000026"/>
</type>
*/

type stateReleased struct{}

func (sr *stateReleased) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeStateReleased)
}

func (sr *stateReleased) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeStateReleased)
}

func (sr *stateReleased) String() string {
	return "Released"
}

/*
<type name="modified" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:modified:list" code="0x00000000:0x00000027"/>
    <field name="delivery-failed" type="boolean"/>
    <field name="undeliverable-here" type="boolean"/>
    <field name="message-annotations" type="fields"/>
</type>
*/

type stateModified struct {
	// count the transfer as an unsuccessful delivery attempt
	DeliveryFailed bool

	// the message must not be redelivered to this link endpoint
	UndeliverableHere bool

	// merged into the message's existing annotations
	MessageAnnotations map[Symbol]interface{}
}

func (sm *stateModified) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeStateModified, []marshalField{
		{value: sm.DeliveryFailed, omit: !sm.DeliveryFailed},
		{value: sm.UndeliverableHere, omit: !sm.UndeliverableHere},
		{value: sm.MessageAnnotations, omit: sm.MessageAnnotations == nil},
	}...)
}

func (sm *stateModified) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeStateModified, []unmarshalField{
		{field: &sm.DeliveryFailed},
		{field: &sm.UndeliverableHere},
		{field: &sm.MessageAnnotations},
	}...)
}

func (sm *stateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t, MessageAnnotations: %v}", sm.DeliveryFailed, sm.UndeliverableHere, sm.MessageAnnotations)
}

// isTerminal reports whether state is an outcome, after which the
// delivery cannot change state again.
func isTerminal(state deliveryState) bool {
	switch state.(type) {
	case *stateAccepted, *stateRejected, *stateReleased, *stateModified:
		return true
	}
	return false
}

// outcomeError converts a non-accepted outcome into a *DeliveryError.
func outcomeError(state deliveryState) error {
	switch s := state.(type) {
	case *stateAccepted, nil:
		return nil
	case *stateRejected:
		return &DeliveryError{Outcome: "rejected", RemoteError: s.Error}
	case *stateReleased:
		return &DeliveryError{Outcome: "released"}
	case *stateModified:
		return &DeliveryError{Outcome: "modified"}
	default:
		return &DeliveryError{Outcome: fmt.Sprintf("%v", s)}
	}
}

type milliseconds time.Duration

func (m milliseconds) marshal(wr *buffer) error {
	writeUint32(wr, uint32((time.Duration)(m)/time.Millisecond))
	return nil
}

func (m *milliseconds) unmarshal(r *buffer) error {
	var n uint32
	_, err := unmarshal(r, &n)
	*m = milliseconds(time.Duration(n) * time.Millisecond)
	return err
}

// lifetimePolicy is the lifetime of a dynamically created node. It is
// encoded as a described empty list.
type lifetimePolicy uint8

const (
	deleteOnClose             = lifetimePolicy(typeCodeDeleteOnClose)
	deleteOnNoLinks           = lifetimePolicy(typeCodeDeleteOnNoLinks)
	deleteOnNoMessages        = lifetimePolicy(typeCodeDeleteOnNoMessages)
	deleteOnNoLinksOrMessages = lifetimePolicy(typeCodeDeleteOnNoLinksOrMessages)
)

func (p lifetimePolicy) marshal(wr *buffer) error {
	return marshalComposite(wr, amqpType(p))
}

func (p *lifetimePolicy) unmarshal(r *buffer) error {
	code, count, end, err := readCompositeHeader(r)
	if err != nil {
		return err
	}
	switch code {
	case typeCodeDeleteOnClose, typeCodeDeleteOnNoLinks,
		typeCodeDeleteOnNoMessages, typeCodeDeleteOnNoLinksOrMessages:
	default:
		return r.errorf("invalid lifetime-policy %#02x", code)
	}
	// extra fields are tolerated and skipped
	sub := &buffer{b: r.b[:end], i: r.i}
	for i := 0; i < count; i++ {
		if _, err := readAny(sub); err != nil {
			return err
		}
	}
	r.i = end
	*p = lifetimePolicy(code)
	return nil
}

func (p lifetimePolicy) String() string {
	switch p {
	case deleteOnClose:
		return "delete-on-close"
	case deleteOnNoLinks:
		return "delete-on-no-links"
	case deleteOnNoMessages:
		return "delete-on-no-messages"
	case deleteOnNoLinksOrMessages:
		return "delete-on-no-links-or-messages"
	}
	return fmt.Sprintf("lifetime-policy(%#02x)", uint8(p))
}

const (
	// ModeUnsettled specifies the sender will send all deliveries initially
	// unsettled to the receiver.
	ModeUnsettled SenderSettleMode = 0

	// ModeSettled specifies the sender will send all deliveries settled
	// to the receiver.
	ModeSettled SenderSettleMode = 1

	// ModeMixed specifies the sender MAY send a mixture of settled and
	// unsettled deliveries to the receiver.
	ModeMixed SenderSettleMode = 2
)

// SenderSettleMode specifies how the sender will settle messages.
type SenderSettleMode uint8

func (m *SenderSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}

	switch *m {
	case ModeUnsettled:
		return "unsettled"

	case ModeSettled:
		return "settled"

	case ModeMixed:
		return "mixed"

	default:
		return fmt.Sprintf("unknown sender mode %d", uint8(*m))
	}
}

func (m SenderSettleMode) marshal(wr *buffer) error {
	return marshal(wr, uint8(m))
}

func (m *SenderSettleMode) unmarshal(r *buffer) error {
	_, err := unmarshal(r, (*uint8)(m))
	return err
}

const (
	// ModeFirst specifies the receiver will spontaneously settle all
	// incoming transfers.
	ModeFirst ReceiverSettleMode = 0

	// ModeSecond specifies the receiver will only settle after sending the
	// disposition to the sender and receiving a disposition indicating
	// settlement of the delivery from the sender.
	ModeSecond ReceiverSettleMode = 1
)

// ReceiverSettleMode specifies how the receiver will settle messages.
type ReceiverSettleMode uint8

func (m *ReceiverSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}

	switch *m {
	case ModeFirst:
		return "first"

	case ModeSecond:
		return "second"

	default:
		return fmt.Sprintf("unknown receiver mode %d", uint8(*m))
	}
}

func (m ReceiverSettleMode) marshal(wr *buffer) error {
	return marshal(wr, uint8(m))
}

func (m *ReceiverSettleMode) unmarshal(r *buffer) error {
	_, err := unmarshal(r, (*uint8)(m))
	return err
}
