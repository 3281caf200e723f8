package amqp

import (
	"fmt"
	"time"
)

// frameBody is the interface all frame bodies must implement
type frameBody interface {
	// if the frame is for a link, link() should return (link#, true),
	// otherwise it should return (0, false)
	link() (handle uint32, ok bool)

	marshaler
}

// Default values of the Open fields, applied when the peer omits them.
// An omitted max-frame-size means no limit. The 512-byte minimum only
// applies to the Open we send, which always carries the field.
const (
	defaultPeerMaxFrameSize = 4294967295
	defaultPeerChannelMax   = 65535
	defaultPeerHandleMax    = 4294967295
)

/*
<type name="open" class="composite" source="list" provides="frame">
    <descriptor name="amqp:open:list" code="0x00000000:0x00000010"/>
    <field name="container-id" type="string" mandatory="true"/>
    <field name="hostname" type="string"/>
    <field name="max-frame-size" type="uint" default="4294967295"/>
    <field name="channel-max" type="ushort" default="65535"/>
    <field name="idle-time-out" type="milliseconds"/>
    <field name="outgoing-locales" type="ietf-language-tag" multiple="true"/>
    <field name="incoming-locales" type="ietf-language-tag" multiple="true"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/

type performOpen struct {
	ContainerID string // required
	Hostname    string

	// Always encoded, even when it holds the minimum, so the peer never
	// falls back to its own default of 4294967295.
	MaxFrameSize uint32

	ChannelMax          uint16        // highest channel number usable, default: 65535
	IdleTimeout         time.Duration // from milliseconds
	OutgoingLocales     []Symbol
	IncomingLocales     []Symbol
	OfferedCapabilities []Symbol
	DesiredCapabilities []Symbol
	Properties          map[Symbol]interface{}
}

func (o *performOpen) link() (uint32, bool) {
	return 0, false
}

func (o *performOpen) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeOpen, []marshalField{
		{value: o.ContainerID, omit: false},
		{value: o.Hostname, omit: o.Hostname == ""},
		{value: Typed(TypeUint, o.MaxFrameSize), omit: false},
		{value: Typed(TypeUshort, o.ChannelMax), omit: o.ChannelMax == defaultPeerChannelMax},
		{value: milliseconds(o.IdleTimeout), omit: o.IdleTimeout == 0},
		{value: o.OutgoingLocales, omit: len(o.OutgoingLocales) == 0},
		{value: o.IncomingLocales, omit: len(o.IncomingLocales) == 0},
		{value: o.OfferedCapabilities, omit: len(o.OfferedCapabilities) == 0},
		{value: o.DesiredCapabilities, omit: len(o.DesiredCapabilities) == 0},
		{value: o.Properties, omit: len(o.Properties) == 0},
	}...)
}

func (o *performOpen) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeOpen, []unmarshalField{
		{field: &o.ContainerID, handleNull: required("Open.ContainerID")},
		{field: &o.Hostname},
		{field: &o.MaxFrameSize, handleNull: defaultUint32(&o.MaxFrameSize, defaultPeerMaxFrameSize)},
		{field: &o.ChannelMax, handleNull: defaultUint16(&o.ChannelMax, defaultPeerChannelMax)},
		{field: (*milliseconds)(&o.IdleTimeout)},
		{field: &o.OutgoingLocales},
		{field: &o.IncomingLocales},
		{field: &o.OfferedCapabilities},
		{field: &o.DesiredCapabilities},
		{field: &o.Properties},
	}...)
}

func (o *performOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, "+
		"ChannelMax: %d, IdleTimeout: %v, OutgoingLocales: %v, IncomingLocales: %v, "+
		"OfferedCapabilities: %v, DesiredCapabilities: %v, Properties: %v}",
		o.ContainerID,
		o.Hostname,
		o.MaxFrameSize,
		o.ChannelMax,
		o.IdleTimeout,
		o.OutgoingLocales,
		o.IncomingLocales,
		o.OfferedCapabilities,
		o.DesiredCapabilities,
		o.Properties,
	)
}

/*
<type name="begin" class="composite" source="list" provides="frame">
    <descriptor name="amqp:begin:list" code="0x00000000:0x00000011"/>
    <field name="remote-channel" type="ushort"/>
    <field name="next-outgoing-id" type="transfer-number" mandatory="true"/>
    <field name="incoming-window" type="uint" mandatory="true"/>
    <field name="outgoing-window" type="uint" mandatory="true"/>
    <field name="handle-max" type="handle" default="4294967295"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/
type performBegin struct {
	// Set only when answering a Begin the peer initiated. Channel 0 is a
	// valid value, so unset is nil.
	RemoteChannel *uint16

	NextOutgoingID uint32 // required, sequence number
	IncomingWindow uint32 // required
	OutgoingWindow uint32 // required

	// highest handle the sender accepts, default 4294967295
	HandleMax uint32

	OfferedCapabilities []Symbol
	DesiredCapabilities []Symbol
	Properties          map[Symbol]interface{}
}

func (b *performBegin) String() string {
	remote := "<nil>"
	if b.RemoteChannel != nil {
		remote = fmt.Sprint(*b.RemoteChannel)
	}
	return fmt.Sprintf("Begin{RemoteChannel: %s, NextOutgoingID: %d, IncomingWindow: %d, "+
		"OutgoingWindow: %d, HandleMax: %d, OfferedCapabilities: %v, DesiredCapabilities: %v, "+
		"Properties: %v}",
		remote,
		b.NextOutgoingID,
		b.IncomingWindow,
		b.OutgoingWindow,
		b.HandleMax,
		b.OfferedCapabilities,
		b.DesiredCapabilities,
		b.Properties,
	)
}

func (b *performBegin) link() (uint32, bool) {
	return 0, false
}

func (b *performBegin) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeBegin, []marshalField{
		{value: b.RemoteChannel, omit: b.RemoteChannel == nil},
		{value: b.NextOutgoingID, omit: false},
		{value: b.IncomingWindow, omit: false},
		{value: b.OutgoingWindow, omit: false},
		{value: b.HandleMax, omit: b.HandleMax == defaultPeerHandleMax},
		{value: b.OfferedCapabilities, omit: len(b.OfferedCapabilities) == 0},
		{value: b.DesiredCapabilities, omit: len(b.DesiredCapabilities) == 0},
		{value: b.Properties, omit: len(b.Properties) == 0},
	}...)
}

func (b *performBegin) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeBegin, []unmarshalField{
		{field: &b.RemoteChannel},
		{field: &b.NextOutgoingID, handleNull: required("Begin.NextOutgoingID")},
		{field: &b.IncomingWindow, handleNull: required("Begin.IncomingWindow")},
		{field: &b.OutgoingWindow, handleNull: required("Begin.OutgoingWindow")},
		{field: &b.HandleMax, handleNull: defaultUint32(&b.HandleMax, defaultPeerHandleMax)},
		{field: &b.OfferedCapabilities},
		{field: &b.DesiredCapabilities},
		{field: &b.Properties},
	}...)
}

/*
<type name="attach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:attach:list" code="0x00000000:0x00000012"/>
    <field name="name" type="string" mandatory="true"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="role" type="role" mandatory="true"/>
    <field name="snd-settle-mode" type="sender-settle-mode" default="mixed"/>
    <field name="rcv-settle-mode" type="receiver-settle-mode" default="first"/>
    <field name="source" type="*" requires="source"/>
    <field name="target" type="*" requires="target"/>
    <field name="unsettled" type="map"/>
    <field name="incomplete-unsettled" type="boolean" default="false"/>
    <field name="initial-delivery-count" type="sequence-no"/>
    <field name="max-message-size" type="ulong"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/
type performAttach struct {
	// unique between the source and target containers
	Name string // required

	Handle uint32 // required
	Role   role   // required

	SenderSettleMode   *SenderSettleMode
	ReceiverSettleMode *ReceiverSettleMode

	// A peer refusing the link answers with a nil terminus and follows
	// with a Detach carrying the reason.
	Source *source
	Target *target

	// delivery-tag -> state, for link recovery
	Unsettled           unsettled
	IncompleteUnsettled bool

	// required when Role is sender
	InitialDeliveryCount uint32

	// 0 means no limit
	MaxMessageSize uint64

	OfferedCapabilities []Symbol
	DesiredCapabilities []Symbol
	Properties          map[Symbol]interface{}
}

func (a performAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, SenderSettleMode: %s, ReceiverSettleMode: %s, "+
		"Source: %v, Target: %v, Unsettled: %v, IncompleteUnsettled: %t, InitialDeliveryCount: %d, MaxMessageSize: %d, "+
		"OfferedCapabilities: %v, DesiredCapabilities: %v, Properties: %v}",
		a.Name,
		a.Handle,
		a.Role,
		a.SenderSettleMode,
		a.ReceiverSettleMode,
		a.Source,
		a.Target,
		a.Unsettled,
		a.IncompleteUnsettled,
		a.InitialDeliveryCount,
		a.MaxMessageSize,
		a.OfferedCapabilities,
		a.DesiredCapabilities,
		a.Properties,
	)
}

func (a *performAttach) link() (uint32, bool) {
	return a.Handle, true
}

func (a *performAttach) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeAttach, []marshalField{
		{value: a.Name, omit: false},
		{value: a.Handle, omit: false},
		{value: a.Role, omit: false},
		{value: a.SenderSettleMode, omit: a.SenderSettleMode == nil},
		{value: a.ReceiverSettleMode, omit: a.ReceiverSettleMode == nil},
		{value: a.Source, omit: a.Source == nil},
		{value: a.Target, omit: a.Target == nil},
		{value: a.Unsettled, omit: len(a.Unsettled) == 0},
		{value: a.IncompleteUnsettled, omit: !a.IncompleteUnsettled},
		{value: a.InitialDeliveryCount, omit: a.Role == roleReceiver},
		{value: a.MaxMessageSize, omit: a.MaxMessageSize == 0},
		{value: a.OfferedCapabilities, omit: len(a.OfferedCapabilities) == 0},
		{value: a.DesiredCapabilities, omit: len(a.DesiredCapabilities) == 0},
		{value: a.Properties, omit: len(a.Properties) == 0},
	}...)
}

func (a *performAttach) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeAttach, []unmarshalField{
		{field: &a.Name, handleNull: required("Attach.Name")},
		{field: &a.Handle, handleNull: required("Attach.Handle")},
		{field: &a.Role, handleNull: required("Attach.Role")},
		{field: &a.SenderSettleMode},
		{field: &a.ReceiverSettleMode},
		{field: &a.Source},
		{field: &a.Target},
		{field: &a.Unsettled},
		{field: &a.IncompleteUnsettled},
		{field: &a.InitialDeliveryCount},
		{field: &a.MaxMessageSize},
		{field: &a.OfferedCapabilities},
		{field: &a.DesiredCapabilities},
		{field: &a.Properties},
	}...)
}

/*
<type name="flow" class="composite" source="list" provides="frame">
    <descriptor name="amqp:flow:list" code="0x00000000:0x00000013"/>
    <field name="next-incoming-id" type="transfer-number"/>
    <field name="incoming-window" type="uint" mandatory="true"/>
    <field name="next-outgoing-id" type="transfer-number" mandatory="true"/>
    <field name="outgoing-window" type="uint" mandatory="true"/>
    <field name="handle" type="handle"/>
    <field name="delivery-count" type="sequence-no"/>
    <field name="link-credit" type="uint"/>
    <field name="available" type="uint"/>
    <field name="drain" type="boolean" default="false"/>
    <field name="echo" type="boolean" default="false"/>
    <field name="properties" type="fields"/>
</type>
*/
type performFlow struct {
	// unset until the sender has seen the peer's Begin
	NextIncomingID *uint32

	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required

	// Link state follows only when Handle is set.
	Handle        *uint32
	DeliveryCount *uint32
	LinkCredit    *uint32
	Available     *uint32

	// From a receiver: use up or return all credit now.
	// From a sender: the sender's actual drain mode.
	Drain bool

	// ask the peer to reply with its own flow state
	Echo bool

	Properties map[Symbol]interface{}
}

func (f *performFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, "+
		"Handle: %s, DeliveryCount: %s, LinkCredit: %s, Available: %s, Drain: %t, Echo: %t, Properties: %+v}",
		formatUint32Ptr(f.NextIncomingID),
		f.IncomingWindow,
		f.NextOutgoingID,
		f.OutgoingWindow,
		formatUint32Ptr(f.Handle),
		formatUint32Ptr(f.DeliveryCount),
		formatUint32Ptr(f.LinkCredit),
		formatUint32Ptr(f.Available),
		f.Drain,
		f.Echo,
		f.Properties,
	)
}

func (f *performFlow) link() (uint32, bool) {
	if f.Handle == nil {
		return 0, false
	}
	return *f.Handle, true
}

func (f *performFlow) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeFlow, []marshalField{
		{value: f.NextIncomingID, omit: f.NextIncomingID == nil},
		{value: f.IncomingWindow, omit: false},
		{value: f.NextOutgoingID, omit: false},
		{value: f.OutgoingWindow, omit: false},
		{value: f.Handle, omit: f.Handle == nil},
		{value: f.DeliveryCount, omit: f.DeliveryCount == nil},
		{value: f.LinkCredit, omit: f.LinkCredit == nil},
		{value: f.Available, omit: f.Available == nil},
		{value: f.Drain, omit: !f.Drain},
		{value: f.Echo, omit: !f.Echo},
		{value: f.Properties, omit: len(f.Properties) == 0},
	}...)
}

func (f *performFlow) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeFlow, []unmarshalField{
		{field: &f.NextIncomingID},
		{field: &f.IncomingWindow, handleNull: required("Flow.IncomingWindow")},
		{field: &f.NextOutgoingID, handleNull: required("Flow.NextOutgoingID")},
		{field: &f.OutgoingWindow, handleNull: required("Flow.OutgoingWindow")},
		{field: &f.Handle},
		{field: &f.DeliveryCount},
		{field: &f.LinkCredit},
		{field: &f.Available},
		{field: &f.Drain},
		{field: &f.Echo},
		{field: &f.Properties},
	}...)
}

/*
<type name="transfer" class="composite" source="list" provides="frame">
    <descriptor name="amqp:transfer:list" code="0x00000000:0x00000014"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="delivery-id" type="delivery-number"/>
    <field name="delivery-tag" type="delivery-tag"/>
    <field name="message-format" type="message-format"/>
    <field name="settled" type="boolean"/>
    <field name="more" type="boolean" default="false"/>
    <field name="rcv-settle-mode" type="receiver-settle-mode"/>
    <field name="state" type="*" requires="delivery-state"/>
    <field name="resume" type="boolean" default="false"/>
    <field name="aborted" type="boolean" default="false"/>
    <field name="batchable" type="boolean" default="false"/>
</type>
*/
type performTransfer struct {
	Handle uint32 // required

	// DeliveryID, DeliveryTag and MessageFormat are required on the first
	// frame of a delivery and may be omitted on continuation frames.
	DeliveryID    *uint32
	DeliveryTag   []byte // up to 32 bytes
	MessageFormat *uint32

	Settled bool

	// more frames of this delivery follow
	More bool

	ReceiverSettleMode *ReceiverSettleMode
	State              deliveryState

	// retransmission of a delivery known from a recovered link
	Resume bool

	// the delivery is abandoned; the receiver discards what it has
	Aborted bool

	Batchable bool

	Payload []byte
}

func (t performTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, DeliveryTag: %q, MessageFormat: %s, "+
		"Settled: %t, More: %t, ReceiverSettleMode: %s, State: %v, Resume: %t, Aborted: %t, "+
		"Batchable: %t, Payload [size]: %d}",
		t.Handle,
		formatUint32Ptr(t.DeliveryID),
		t.DeliveryTag,
		formatUint32Ptr(t.MessageFormat),
		t.Settled,
		t.More,
		t.ReceiverSettleMode,
		t.State,
		t.Resume,
		t.Aborted,
		t.Batchable,
		len(t.Payload),
	)
}

func (t *performTransfer) link() (uint32, bool) {
	return t.Handle, true
}

func (t *performTransfer) marshal(wr *buffer) error {
	err := marshalComposite(wr, typeCodeTransfer, []marshalField{
		{value: t.Handle},
		{value: t.DeliveryID, omit: t.DeliveryID == nil},
		{value: t.DeliveryTag, omit: len(t.DeliveryTag) == 0},
		{value: t.MessageFormat, omit: t.MessageFormat == nil},
		{value: t.Settled, omit: !t.Settled},
		{value: t.More, omit: !t.More},
		{value: t.ReceiverSettleMode, omit: t.ReceiverSettleMode == nil},
		{value: t.State, omit: t.State == nil},
		{value: t.Resume, omit: !t.Resume},
		{value: t.Aborted, omit: !t.Aborted},
		{value: t.Batchable, omit: !t.Batchable},
	}...)
	if err != nil {
		return err
	}

	wr.write(t.Payload)
	return nil
}

func (t *performTransfer) unmarshal(r *buffer) error {
	err := unmarshalComposite(r, typeCodeTransfer, []unmarshalField{
		{field: &t.Handle, handleNull: required("Transfer.Handle")},
		{field: &t.DeliveryID},
		{field: &t.DeliveryTag},
		{field: &t.MessageFormat},
		{field: &t.Settled},
		{field: &t.More},
		{field: &t.ReceiverSettleMode},
		{field: &t.State},
		{field: &t.Resume},
		{field: &t.Aborted},
		{field: &t.Batchable},
	}...)
	if err != nil {
		return err
	}

	t.Payload = append([]byte(nil), r.bytes()...)
	r.skip(r.len())
	return nil
}

/*
<type name="disposition" class="composite" source="list" provides="frame">
    <descriptor name="amqp:disposition:list" code="0x00000000:0x00000015"/>
    <field name="role" type="role" mandatory="true"/>
    <field name="first" type="delivery-number" mandatory="true"/>
    <field name="last" type="delivery-number"/>
    <field name="settled" type="boolean" default="false"/>
    <field name="state" type="*" requires="delivery-state"/>
    <field name="batchable" type="boolean" default="false"/>
</type>
*/
type performDisposition struct {
	// role of the endpoints whose deliveries are described
	Role role

	// First through Last (inclusive) are the delivery-ids affected.
	First uint32 // required
	Last  *uint32

	Settled   bool
	State     deliveryState
	Batchable bool
}

func (d performDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v, Batchable: %t}",
		d.Role,
		d.First,
		formatUint32Ptr(d.Last),
		d.Settled,
		d.State,
		d.Batchable,
	)
}

func (*performDisposition) link() (uint32, bool) {
	return 0, false
}

// last returns the upper bound of the range, which defaults to First.
func (d *performDisposition) last() uint32 {
	if d.Last == nil {
		return d.First
	}
	return *d.Last
}

func (d *performDisposition) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeDisposition, []marshalField{
		{value: d.Role, omit: false},
		{value: d.First, omit: false},
		{value: d.Last, omit: d.Last == nil},
		{value: d.Settled, omit: !d.Settled},
		{value: d.State, omit: d.State == nil},
		{value: d.Batchable, omit: !d.Batchable},
	}...)
}

func (d *performDisposition) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeDisposition, []unmarshalField{
		{field: &d.Role, handleNull: required("Disposition.Role")},
		{field: &d.First, handleNull: required("Disposition.First")},
		{field: &d.Last},
		{field: &d.Settled},
		{field: &d.State},
		{field: &d.Batchable},
	}...)
}

/*
<type name="detach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:detach:list" code="0x00000000:0x00000016"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="closed" type="boolean" default="false"/>
    <field name="error" type="error"/>
</type>
*/
type performDetach struct {
	Handle uint32 // required

	// the link is closed rather than suspended
	Closed bool

	Error *Error
}

func (d performDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}",
		d.Handle,
		d.Closed,
		d.Error,
	)
}

func (d *performDetach) link() (uint32, bool) {
	return d.Handle, true
}

func (d *performDetach) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeDetach, []marshalField{
		{value: d.Handle, omit: false},
		{value: d.Closed, omit: !d.Closed},
		{value: d.Error, omit: d.Error == nil},
	}...)
}

func (d *performDetach) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeDetach, []unmarshalField{
		{field: &d.Handle, handleNull: required("Detach.Handle")},
		{field: &d.Closed},
		{field: &d.Error},
	}...)
}

/*
<type name="end" class="composite" source="list" provides="frame">
    <descriptor name="amqp:end:list" code="0x00000000:0x00000017"/>
    <field name="error" type="error"/>
</type>
*/
type performEnd struct {
	Error *Error
}

func (*performEnd) link() (uint32, bool) {
	return 0, false
}

func (e *performEnd) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeEnd,
		marshalField{value: e.Error, omit: e.Error == nil},
	)
}

func (e *performEnd) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeEnd,
		unmarshalField{field: &e.Error},
	)
}

func (e *performEnd) String() string {
	return fmt.Sprintf("End{Error: %v}", e.Error)
}

/*
<type name="close" class="composite" source="list" provides="frame">
    <descriptor name="amqp:close:list" code="0x00000000:0x00000018"/>
    <field name="error" type="error"/>
</type>
*/
type performClose struct {
	Error *Error
}

func (*performClose) link() (uint32, bool) {
	return 0, false
}

func (c *performClose) marshal(wr *buffer) error {
	return marshalComposite(wr, typeCodeClose,
		marshalField{value: c.Error, omit: c.Error == nil},
	)
}

func (c *performClose) unmarshal(r *buffer) error {
	return unmarshalComposite(r, typeCodeClose,
		unmarshalField{field: &c.Error},
	)
}

func (c *performClose) String() string {
	return fmt.Sprintf("Close{Error: %v}", c.Error)
}

// performUnknown is a frame body with a descriptor outside the core
// performatives. It is kept intact so the connection can report it.
type performUnknown struct {
	Descriptor interface{}
	Value      interface{}
}

func (*performUnknown) link() (uint32, bool) {
	return 0, false
}

func (u *performUnknown) marshal(wr *buffer) error {
	return (&DescribedType{Descriptor: u.Descriptor, Value: u.Value}).marshal(wr)
}

func (u *performUnknown) String() string {
	return fmt.Sprintf("Unknown{Descriptor: %v, Value: %v}", u.Descriptor, u.Value)
}
