package amqp

import (
	"context"
	"fmt"
	"time"
)

// Message is an AMQP message.
//
// The body is one of: one or more Data sections, one or more Sequence
// sections, or a single Value.
type Message struct {
	// The header section carries standard delivery details about the
	// transfer of a message. When omitted the defaults apply (priority 4).
	Header *MessageHeader

	// Delivery-specific, non-standard properties conveyed from the sending
	// peer to the receiving peer.
	DeliveryAnnotations map[interface{}]interface{}

	// Properties aimed at the infrastructure, propagated across every
	// delivery step.
	Annotations map[interface{}]interface{}

	// The properties section is part of the bare message and must not be
	// altered by intermediaries.
	Properties *MessageProperties

	// Structured application data. Intermediaries may filter or route on
	// it. Values are restricted to simple types.
	ApplicationProperties map[string]interface{}

	// Data sections, each opaque binary data.
	Data [][]byte

	// amqp-sequence sections, each a list of AMQP values.
	Sequence [][]interface{}

	// An amqp-value section containing a single AMQP value.
	Value interface{}

	// Details that can only be calculated once the bare message has been
	// constructed, such as hashes or signatures.
	Footer map[interface{}]interface{}

	// DeliveryTag and Format are set on received messages.
	DeliveryTag []byte
	Format      uint32

	receiver   *Receiver // Receiver the message was received from
	deliveryID uint32    // used when sending disposition
	settled    bool      // whether transfer was settled by sender
}

// NewMessage returns a *Message with data as the payload.
//
// This constructor is intended as a helper for basic Messages with a
// single data payload. It is valid to construct a Message directly for
// more complex usages.
func NewMessage(data []byte) *Message {
	return &Message{
		Data: [][]byte{data},
	}
}

// GetData returns the first []byte from the Data field
// or nil if Data is empty.
func (m *Message) GetData() []byte {
	if len(m.Data) < 1 {
		return nil
	}
	return m.Data[0]
}

// Accept notifies the sender that the message has been processed and does
// not require redelivery.
func (m *Message) Accept(ctx context.Context) error {
	return m.settle(ctx, &stateAccepted{})
}

// Reject notifies the sender that the message is invalid.
//
// Rejection error is optional.
func (m *Message) Reject(ctx context.Context, e *Error) error {
	return m.settle(ctx, &stateRejected{Error: e})
}

// Release releases the message back to the sender. The message may be
// redelivered to this or another consumer.
func (m *Message) Release(ctx context.Context) error {
	return m.settle(ctx, &stateReleased{})
}

// Modify notifies the sender that the message was not acted upon and
// should be modified.
//
// deliveryFailed indicates that the delivery attempt should count as
// unsuccessful. undeliverableHere asks that the message not be redelivered
// to this receiver. annotations are merged into the message's annotations.
func (m *Message) Modify(ctx context.Context, deliveryFailed, undeliverableHere bool, annotations map[Symbol]interface{}) error {
	return m.settle(ctx, &stateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}

func (m *Message) settle(ctx context.Context, state deliveryState) error {
	if m.receiver == nil {
		return errorNew("message was not received from a link")
	}
	if m.settled {
		// settled by the sender, nothing to communicate
		return nil
	}
	return m.receiver.settle(ctx, m, state)
}

// MarshalBinary encodes the message into binary form.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := &buffer{}
	err := m.marshal(buf)
	return buf.detach(), err
}

// UnmarshalBinary decodes the message from binary form.
func (m *Message) UnmarshalBinary(data []byte) error {
	return m.unmarshal(&buffer{b: data})
}

func (m *Message) marshal(wr *buffer) error {
	bodies := 0
	for _, set := range []bool{len(m.Data) > 0, len(m.Sequence) > 0, m.Value != nil} {
		if set {
			bodies++
		}
	}
	if bodies > 1 {
		return errorNew("message body must be data, sequence or value sections, not a mix")
	}

	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}

	if m.DeliveryAnnotations != nil {
		writeDescriptor(wr, typeCodeDeliveryAnnotations)
		if err := marshal(wr, m.DeliveryAnnotations); err != nil {
			return err
		}
	}

	if m.Annotations != nil {
		writeDescriptor(wr, typeCodeMessageAnnotations)
		if err := marshal(wr, m.Annotations); err != nil {
			return err
		}
	}

	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}

	if m.ApplicationProperties != nil {
		writeDescriptor(wr, typeCodeApplicationProperties)
		if err := marshal(wr, m.ApplicationProperties); err != nil {
			return err
		}
	}

	for _, data := range m.Data {
		writeDescriptor(wr, typeCodeApplicationData)
		if err := writeVariable(wr, typeCodeVbin8, typeCodeVbin32, data); err != nil {
			return err
		}
	}

	for _, seq := range m.Sequence {
		writeDescriptor(wr, typeCodeAMQPSequence)
		if err := writeList(wr, seq); err != nil {
			return err
		}
	}

	if m.Value != nil {
		writeDescriptor(wr, typeCodeAMQPValue)
		if err := marshal(wr, m.Value); err != nil {
			return err
		}
	}

	if m.Footer != nil {
		writeDescriptor(wr, typeCodeFooter)
		if err := marshal(wr, m.Footer); err != nil {
			return err
		}
	}

	return nil
}

func (m *Message) unmarshal(r *buffer) error {
	// loop, decoding sections until bytes have been consumed
	for r.len() > 0 {
		start := r.i
		code, err := peekSectionType(r)
		if err != nil {
			return err
		}

		switch code {
		case typeCodeMessageHeader:
			m.Header = new(MessageHeader)
			err = m.Header.unmarshal(r)

		case typeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			err = m.Properties.unmarshal(r)

		case typeCodeDeliveryAnnotations:
			_, err = unmarshal(r, &m.DeliveryAnnotations)

		case typeCodeMessageAnnotations:
			_, err = unmarshal(r, &m.Annotations)

		case typeCodeApplicationProperties:
			_, err = unmarshal(r, &m.ApplicationProperties)

		case typeCodeApplicationData:
			var data []byte
			_, err = unmarshal(r, &data)
			m.Data = append(m.Data, data)

		case typeCodeAMQPSequence:
			var seq interface{}
			seq, err = readAny(r)
			if err == nil {
				l, ok := seq.([]interface{})
				if !ok {
					return &DecodeError{Offset: start, Reason: fmt.Sprintf("amqp-sequence section holds %T, not a list", seq)}
				}
				m.Sequence = append(m.Sequence, l)
			}

		case typeCodeAMQPValue:
			m.Value, err = readAny(r)

		case typeCodeFooter:
			_, err = unmarshal(r, &m.Footer)

		default:
			return &DecodeError{Offset: start, Reason: fmt.Sprintf("unknown message section %#02x", uint8(code))}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// peekSectionType returns the descriptor code of the section at the front
// of r. Map, binary and value sections are consumed up to their value;
// header and properties are left for their composite decoders.
func peekSectionType(r *buffer) (amqpType, error) {
	start := r.i
	b, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if b != 0x0 {
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("invalid section header, found constructor %#02x", b)}
	}

	desc, err := readAny(r)
	if err != nil {
		return 0, err
	}
	code, ok := descriptorCode(desc)
	if !ok {
		return 0, &DecodeError{Offset: start, Reason: fmt.Sprintf("unknown message section %v", desc)}
	}

	switch code {
	case typeCodeMessageHeader, typeCodeMessageProperties:
		r.i = start
	}
	return code, nil
}

/*
<type name="header" class="composite" source="list" provides="section">
    <descriptor name="amqp:header:list" code="0x00000000:0x00000070"/>
    <field name="durable" type="boolean" default="false"/>
    <field name="priority" type="ubyte" default="4"/>
    <field name="ttl" type="milliseconds"/>
    <field name="first-acquirer" type="boolean" default="false"/>
    <field name="delivery-count" type="uint" default="0"/>
</type>
*/

// MessageHeader carries standard delivery details about the transfer
// of a message.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeMessageHeader, []marshalField{
		{value: h.Durable, omit: !h.Durable},
		{value: h.Priority, omit: h.Priority == 4},
		{value: milliseconds(h.TTL), omit: h.TTL == 0},
		{value: h.FirstAcquirer, omit: !h.FirstAcquirer},
		{value: h.DeliveryCount, omit: h.DeliveryCount == 0},
	}...)
}

func (h *MessageHeader) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeMessageHeader, []unmarshalField{
		{field: &h.Durable},
		{field: &h.Priority, handleNull: defaultUint8(&h.Priority, 4)},
		{field: (*milliseconds)(&h.TTL)},
		{field: &h.FirstAcquirer},
		{field: &h.DeliveryCount},
	}...)
}

/*
<type name="properties" class="composite" source="list" provides="section">
    <descriptor name="amqp:properties:list" code="0x00000000:0x00000073"/>
    <field name="message-id" type="*" requires="message-id"/>
    <field name="user-id" type="binary"/>
    <field name="to" type="*" requires="address"/>
    <field name="subject" type="string"/>
    <field name="reply-to" type="*" requires="address"/>
    <field name="correlation-id" type="*" requires="message-id"/>
    <field name="content-type" type="symbol"/>
    <field name="content-encoding" type="symbol"/>
    <field name="absolute-expiry-time" type="timestamp"/>
    <field name="creation-time" type="timestamp"/>
    <field name="group-id" type="string"/>
    <field name="group-sequence" type="sequence-no"/>
    <field name="reply-to-group-id" type="string"/>
</type>
*/

// MessageProperties is the defined set of properties for AMQP messages.
type MessageProperties struct {
	MessageID          interface{} // uint64, UUID, []byte, or string
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{} // uint64, UUID, []byte, or string
	ContentType        Symbol
	ContentEncoding    Symbol
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32 // RFC-1982 sequence number
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeMessageProperties, []marshalField{
		{value: p.MessageID, omit: p.MessageID == nil},
		{value: p.UserID, omit: len(p.UserID) == 0},
		{value: p.To, omit: p.To == ""},
		{value: p.Subject, omit: p.Subject == ""},
		{value: p.ReplyTo, omit: p.ReplyTo == ""},
		{value: p.CorrelationID, omit: p.CorrelationID == nil},
		{value: p.ContentType, omit: p.ContentType == ""},
		{value: p.ContentEncoding, omit: p.ContentEncoding == ""},
		{value: p.AbsoluteExpiryTime, omit: p.AbsoluteExpiryTime.IsZero()},
		{value: p.CreationTime, omit: p.CreationTime.IsZero()},
		{value: p.GroupID, omit: p.GroupID == ""},
		{value: p.GroupSequence, omit: p.GroupSequence == 0},
		{value: p.ReplyToGroupID, omit: p.ReplyToGroupID == ""},
	}...)
}

func (p *MessageProperties) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeMessageProperties, []unmarshalField{
		{field: &p.MessageID},
		{field: &p.UserID},
		{field: &p.To},
		{field: &p.Subject},
		{field: &p.ReplyTo},
		{field: &p.CorrelationID},
		{field: &p.ContentType},
		{field: &p.ContentEncoding},
		{field: &p.AbsoluteExpiryTime},
		{field: &p.CreationTime},
		{field: &p.GroupID},
		{field: &p.GroupSequence},
		{field: &p.ReplyToGroupID},
	}...)
}
