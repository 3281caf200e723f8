package amqp

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// link defaults
const (
	defaultLinkCredit = 1

	// descriptor of the Apache selector filter
	selectorFilterCode = uint64(0x0000468C00000004)
	selectorFilterName = Symbol("apache.org:selector-filter:string")
)

// linkState is the state of the link endpoint.
type linkState int

const (
	linkDetached linkState = iota
	linkAttachSent
	linkAttached
	linkDetachSent
	linkDetachRcvd
)

func (s linkState) String() string {
	switch s {
	case linkDetached:
		return "DETACHED"
	case linkAttachSent:
		return "ATTACH_SENT"
	case linkAttached:
		return "ATTACHED"
	case linkDetachSent:
		return "DETACH_SENT"
	case linkDetachRcvd:
		return "DETACH_RCVD"
	}
	return "UNKNOWN"
}

// link is a unidirectional route between the client and a node on the
// peer. Senders and Receivers wrap a link.
//
// Fields below the options are owned by the session's mux goroutine.
type link struct {
	name     string
	role     role
	session  *Session
	receiver *Receiver // set for receiving links

	source             *source
	target             *target
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64 // 0 is unlimited
	properties         map[Symbol]interface{}
	maxCredit          uint32

	attached chan struct{} // closed when the peer's Attach is received
	detached chan struct{} // closed once err is set
	released chan struct{} // closed when the Detach handshake completes
	err      error

	handle             uint32
	remoteHandle       uint32
	state              linkState
	refused            bool
	closeRequested     bool
	peerMaxMessageSize uint64

	deliveryCount uint32
	linkCredit    uint32

	// sending side
	drain                   bool
	pending                 []*outgoingDelivery
	unsettledOut            map[uint32]*outgoingDelivery
	creditExhaustedSignaled bool

	// receiving side
	messages    chan *Message
	current     *incomingDelivery            // delivery being reassembled
	unsettledIn map[uint32]*incomingDelivery // by delivery-id
	records     map[string]*incomingDelivery // by delivery-tag
	paused      bool
	draining    bool
	drained     chan struct{}
}

func newLink(s *Session, r role, opts []LinkOption) (*link, error) {
	l := &link{
		name:         uuid.NewString(),
		role:         r,
		session:      s,
		source:       new(source),
		target:       new(target),
		maxCredit:    defaultLinkCredit,
		attached:     make(chan struct{}),
		detached:     make(chan struct{}),
		released:     make(chan struct{}),
		unsettledOut: make(map[uint32]*outgoingDelivery),
		unsettledIn:  make(map[uint32]*incomingDelivery),
		records:      make(map[string]*incomingDelivery),
	}

	for _, o := range opts {
		if err := o(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// attach sends Attach and waits for the peer's answer.
func (l *link) attach(ctx context.Context) error {
	s := l.session

	var err error
	doErr := s.do(ctx, func() {
		if s.state != sessionMapped {
			err = ErrSessionClosed
			return
		}
		if _, ok := s.linksByName[l.name]; ok {
			err = errorErrorf("link name %q is already in use on the session", l.name)
			return
		}
		if !s.allocateHandle(l) {
			err = errorErrorf("reached session handle max (%d)", s.handleMax)
			return
		}
		s.linksByName[l.name] = l

		attach := &performAttach{
			Name:               l.name,
			Handle:             l.handle,
			Role:               l.role,
			SenderSettleMode:   l.senderSettleMode,
			ReceiverSettleMode: l.receiverSettleMode,
			Source:             l.source,
			Target:             l.target,
			MaxMessageSize:     l.maxMessageSize,
			Properties:         l.properties,
		}
		if u, ok := s.resumable[l.name]; ok && l.role == roleReceiver {
			// resume: the sender may redeliver these with resume set
			delete(s.resumable, l.name)
			attach.Unsettled = u
			for tag, state := range u {
				l.records[tag] = &incomingDelivery{tag: []byte(tag), state: state}
			}
		}
		l.state = linkAttachSent
		s.conn.log.Debug("tx attach", "channel", s.channel, "attach", attach)
		_ = s.tx(attach)
	})
	if doErr != nil {
		return doErr
	}
	if err != nil {
		return err
	}

	select {
	case <-l.attached:
		return nil
	case <-l.detached:
		return l.err
	case <-ctx.Done():
		// the peer may still answer; detach once it does
		_ = s.do(context.Background(), func() {
			switch l.state {
			case linkAttached:
				s.detachLink(l, nil, ErrLinkClosed)
			case linkAttachSent:
				l.closeRequested = true
			}
		})
		return ctx.Err()
	}
}

// attachResponse adopts what the peer decided in its Attach.
func (l *link) attachResponse(a *performAttach) {
	l.peerMaxMessageSize = a.MaxMessageSize

	if l.role == roleReceiver {
		// the sender owns delivery-count
		l.deliveryCount = a.InitialDeliveryCount
		if a.SenderSettleMode != nil {
			l.senderSettleMode = a.SenderSettleMode
		}
		if l.source.Dynamic {
			l.source.Address = a.Source.Address
		}
		return
	}

	if a.ReceiverSettleMode != nil {
		l.receiverSettleMode = a.ReceiverSettleMode
	}
	if l.target.Dynamic {
		l.target.Address = a.Target.Address
	}
}

// close detaches the link and waits for the peer's Detach.
func (l *link) close(ctx context.Context) error {
	s := l.session
	_ = s.do(ctx, func() {
		switch l.state {
		case linkAttached:
			s.detachLink(l, nil, ErrLinkClosed)
		case linkAttachSent:
			l.closeRequested = true
		}
	})

	select {
	case <-l.released:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	<-l.detached
	switch err := l.err.(type) {
	case *DetachError:
		if err.RemoteError == nil {
			return nil
		}
		return err
	default:
		if err == ErrLinkClosed {
			return nil
		}
		return err
	}
}

// address returns the address of the node at the peer.
func (l *link) address() string {
	if l.role == roleReceiver {
		return l.source.Address
	}
	return l.target.Address
}

// LinkOption is a function for configuring an AMQP link.
//
// A link may be a Sender or a Receiver.
type LinkOption func(*link) error

// LinkName sets the name of the link.
//
// A Receiver attached with the name of a link the peer detached without
// closing resumes it: outcomes already sent for deliveries the sender had
// not settled are offered in the Attach, and resumed transfers of those
// deliveries are settled without being received again.
//
// Default: randomly generated.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		if name == "" {
			return errorNew("link name cannot be empty")
		}
		l.name = name
		return nil
	}
}

// LinkSourceAddress sets the source address.
func LinkSourceAddress(addr string) LinkOption {
	return func(l *link) error {
		l.source.Address = addr
		return nil
	}
}

// LinkTargetAddress sets the target address.
func LinkTargetAddress(addr string) LinkOption {
	return func(l *link) error {
		l.target.Address = addr
		return nil
	}
}

// LinkAddressDynamic requests a dynamically created address from the
// server. The address is available from the Sender or Receiver once
// attached.
func LinkAddressDynamic() LinkOption {
	return func(l *link) error {
		if l.role == roleReceiver {
			l.source.Address = ""
			l.source.Dynamic = true
		} else {
			l.target.Address = ""
			l.target.Dynamic = true
		}
		return nil
	}
}

// LinkCredit specifies the maximum number of unacknowledged messages
// the sender can transmit.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		if l.role != roleReceiver {
			return errorNew("LinkCredit is not valid for Sender")
		}
		if credit == 0 {
			return errorNew("link credit must be greater than 0")
		}
		l.maxCredit = credit
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
//
// A Sender with ModeSettled sends every message pre-settled and Send
// returns once the last frame is written.
//
// Default: Accept the settlement mode set by the server, commonly ModeMixed.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return errorErrorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
//
// With ModeSecond, settling a received message waits for the sender to
// settle it in turn.
//
// Default: Accept the settlement mode set by the server, commonly ModeFirst.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return errorErrorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkSelectorFilter sets a selector filter (apache.org:selector-filter:string)
// on the link source.
func LinkSelectorFilter(filter string) LinkOption {
	return LinkSourceFilter(selectorFilterName, selectorFilterCode, filter)
}

// LinkSourceFilter is an advanced API for setting non-standard source filters.
// Please file an issue or open a PR if a standard filter is missing from this
// library.
//
// The name is the key for the filter map. It will be encoded as an AMQP symbol type.
//
// The code is the descriptor of the described type value. The domain-id and descriptor-id
// should be concatenated together. If 0 is passed as the code, the name will be used as
// the descriptor.
//
// The value is the value of the described types. Acceptable types for value are specific
// to the filter.
func LinkSourceFilter(name Symbol, code uint64, value interface{}) LinkOption {
	return func(l *link) error {
		if l.source.Filter == nil {
			l.source.Filter = make(map[Symbol]*DescribedType)
		}

		var descriptor interface{}
		if code != 0 {
			descriptor = code
		} else {
			descriptor = name
		}

		l.source.Filter[name] = &DescribedType{
			Descriptor: descriptor,
			Value:      value,
		}
		return nil
	}
}

// LinkProperty sets an entry in the link properties map sent to the server.
func LinkProperty(key, value string) LinkOption {
	return linkProperty(key, value)
}

// LinkPropertyInt64 sets an entry in the link properties map sent to the server.
func LinkPropertyInt64(key string, value int64) LinkOption {
	return linkProperty(key, value)
}

func linkProperty(key string, value interface{}) LinkOption {
	return func(l *link) error {
		if key == "" {
			return errorNew("link property key must not be empty")
		}
		if l.properties == nil {
			l.properties = make(map[Symbol]interface{})
		}
		l.properties[Symbol(key)] = value
		return nil
	}
}

// LinkSourceCapabilities sets the source capabilities.
func LinkSourceCapabilities(capabilities ...string) LinkOption {
	return func(l *link) error {
		for _, c := range capabilities {
			l.source.Capabilities = append(l.source.Capabilities, Symbol(c))
		}
		return nil
	}
}

// LinkMaxMessageSize sets the maximum message size that can
// be sent or received on the link.
//
// A size of zero indicates no limit.
//
// Default: 0.
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

func (l *link) String() string {
	return fmt.Sprintf("link{name: %s, role: %s, handle: %d, state: %s}", l.name, l.role, l.handle, l.state)
}
