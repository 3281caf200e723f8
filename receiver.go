package amqp

import (
	"bytes"
	"context"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	link *link
}

// NewReceiver opens a new receiver link on the session.
//
// The Receiver grants the LinkCredit once attached and tops the credit up
// as received messages are consumed with Receive.
func (s *Session) NewReceiver(ctx context.Context, opts ...LinkOption) (*Receiver, error) {
	l, err := newLink(s, roleReceiver, opts)
	if err != nil {
		return nil, err
	}
	r := &Receiver{link: l}
	l.receiver = r
	l.messages = make(chan *Message, l.maxCredit)

	if err := l.attach(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// incomingDelivery is a delivery received on a link, from its first
// frame until it is settled.
type incomingDelivery struct {
	id        uint32
	tag       []byte
	format    uint32
	settled   bool // settled by the sender
	duplicate bool // resumed delivery already processed
	buf       []byte

	state     deliveryState // outcome we sent
	settledCh chan struct{} // closed when the sender settles
}

func (d *incomingDelivery) settle() {
	if d.settledCh != nil {
		close(d.settledCh)
		d.settledCh = nil
	}
}

// Receive returns the next message from the sender.
//
// Blocks until a message is received, ctx completes, or an error occurs.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	l := r.link
	s := l.session

	var msg *Message
	select {
	case msg = <-l.messages:
	default:
	}

	// resume granting credit
	err := s.do(ctx, func() {
		if l.state == linkAttached && l.err == nil {
			l.paused = false
			s.flowReceiver(l)
		}
	})
	if msg != nil {
		return msg, nil
	}
	if err != nil && err == ctx.Err() {
		return nil, err
	}

	select {
	case msg = <-l.messages:
		return msg, nil
	case <-l.detached:
		select {
		case msg = <-l.messages:
			return msg, nil
		default:
			return nil, l.err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Drain asks the sender to use up or return the outstanding credit and
// waits until it has. No credit is granted afterwards until the next call
// to Receive.
func (r *Receiver) Drain(ctx context.Context) error {
	l := r.link
	s := l.session

	var drained chan struct{}
	var linkErr error
	err := s.do(ctx, func() {
		if l.err != nil {
			linkErr = l.err
			return
		}
		l.paused = true
		if l.draining {
			drained = l.drained
			return
		}
		if l.linkCredit == 0 {
			return
		}
		l.draining = true
		l.drained = make(chan struct{})
		drained = l.drained
		_ = s.txLinkFlow(l, true)
	})
	if err != nil {
		return err
	}
	if linkErr != nil {
		return linkErr
	}
	if drained == nil {
		return nil
	}

	select {
	case <-drained:
		return nil
	case <-l.detached:
		return l.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	return r.link.address()
}

// LinkName returns the name of the link.
func (r *Receiver) LinkName() string {
	return r.link.name
}

// Close closes the Receiver and AMQP link.
//
// Messages received but not yet settled can no longer be settled.
func (r *Receiver) Close(ctx context.Context) error {
	return r.link.close(ctx)
}

// settle sends the outcome of m to the sender. With ModeSecond it then
// waits for the sender to settle.
func (r *Receiver) settle(ctx context.Context, m *Message, state deliveryState) error {
	l := r.link
	s := l.session

	var wait chan struct{}
	var settleErr error
	err := s.do(ctx, func() {
		if l.err != nil {
			settleErr = l.err
			return
		}
		rec, ok := l.unsettledIn[m.deliveryID]
		if !ok {
			settleErr = errorErrorf("delivery %d is not awaiting settlement", m.deliveryID)
			return
		}

		second := l.receiverSettleMode != nil && *l.receiverSettleMode == ModeSecond
		rec.state = state
		settleErr = s.tx(&performDisposition{
			Role:    roleReceiver,
			First:   rec.id,
			Settled: !second,
			State:   state,
		})
		if settleErr != nil {
			return
		}
		if second {
			wait = rec.settledCh
			return
		}
		s.forgetDelivery(l, rec)
		s.conn.emit(Event{Type: EventDeliverySettled, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: rec.id})
	})
	if err != nil {
		return err
	}
	if settleErr != nil {
		return settleErr
	}

	if wait != nil {
		select {
		case <-wait:
		case <-l.detached:
			return l.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.settled = true
	return nil
}

// supersede retires the record of a delivery the sender is resuming
// under a new delivery-id. A ModeSecond settlement waiting on it
// completes.
func (s *Session) supersede(l *link, old *incomingDelivery) {
	delete(l.records, string(old.tag))
	if l.unsettledIn[old.id] != old {
		return
	}
	s.forgetDelivery(l, old)
	old.settle()
	s.conn.emit(Event{Type: EventDeliverySettled, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: old.id})
}

// forgetDelivery drops the delivery record of a settled delivery.
func (s *Session) forgetDelivery(l *link, rec *incomingDelivery) {
	delete(l.unsettledIn, rec.id)
	delete(l.records, string(rec.tag))
	delete(s.incoming, rec.id)
}

// flowReceiver grants credit to the sender once the outstanding credit
// and the buffered messages fall to half of the link credit.
func (s *Session) flowReceiver(l *link) {
	if l.paused || l.draining || l.state != linkAttached {
		return
	}

	buffered := uint32(len(l.messages))
	if l.current != nil {
		buffered++
	}
	if l.linkCredit+buffered > l.maxCredit/2 || buffered >= l.maxCredit {
		return
	}

	l.linkCredit = l.maxCredit - buffered
	_ = s.txLinkFlow(l, false)
}

// receiverFlow applies a Flow from the sending peer to l.
func (s *Session) receiverFlow(l *link, f *performFlow) {
	if f.DeliveryCount != nil {
		// a draining sender advances delivery-count over the unused credit
		advanced := *f.DeliveryCount - l.deliveryCount
		if advanced <= l.linkCredit {
			l.linkCredit -= advanced
		} else {
			l.linkCredit = 0
		}
		l.deliveryCount = *f.DeliveryCount
	}

	if l.draining && (f.Drain || l.linkCredit == 0) {
		s.completeDrain(l)
	}
	if f.Echo {
		_ = s.txLinkFlow(l, l.draining)
	}
}

func (s *Session) completeDrain(l *link) {
	l.draining = false
	l.paused = true
	l.linkCredit = 0
	close(l.drained)
	l.drained = nil
}

// receiveTransfer adds a Transfer to the delivery being reassembled on l.
// Completed messages are queued for Receive.
func (s *Session) receiveTransfer(l *link, tr *performTransfer) *ProtocolError {
	if l.current == nil {
		if l.linkCredit == 0 {
			return newProtocolError(ErrorTransferLimitExceeded, nil, "transfer received on link %q without credit", l.name)
		}
		l.linkCredit--
		l.deliveryCount++

		rec := &incomingDelivery{
			id:        *tr.DeliveryID,
			tag:       tr.DeliveryTag,
			settledCh: make(chan struct{}),
		}
		if tr.MessageFormat != nil {
			rec.format = *tr.MessageFormat
		}
		if tr.Resume {
			if old, ok := l.records[string(tr.DeliveryTag)]; ok && isTerminal(old.state) {
				rec.duplicate = true
				rec.state = old.state
				s.supersede(l, old)
			}
		}
		l.current = rec
	} else {
		if len(tr.DeliveryTag) > 0 && !bytes.Equal(tr.DeliveryTag, l.current.tag) {
			return newProtocolError(ErrorInvalidField, nil, "delivery-tag changed within delivery %d", l.current.id)
		}
		if tr.DeliveryID != nil && *tr.DeliveryID != l.current.id {
			return newProtocolError(ErrorInvalidField, nil, "delivery-id %d received within delivery %d", *tr.DeliveryID, l.current.id)
		}
	}

	rec := l.current
	if tr.Settled {
		rec.settled = true
	}
	if tr.Aborted {
		s.conn.log.Debug("delivery aborted", "link", l.name, "delivery_id", rec.id)
		l.current = nil
		s.flowReceiver(l)
		return nil
	}

	if !rec.duplicate {
		rec.buf = append(rec.buf, tr.Payload...)
		if l.maxMessageSize > 0 && uint64(len(rec.buf)) > l.maxMessageSize {
			return newProtocolError(ErrorMessageSizeExceeded, nil,
				"delivery %d exceeds max message size %d", rec.id, l.maxMessageSize)
		}
	}
	if tr.More {
		return nil
	}
	l.current = nil

	if rec.duplicate {
		s.conn.log.Debug("dropping resumed delivery already processed", "link", l.name, "delivery_id", rec.id)
		if !rec.settled {
			_ = s.tx(&performDisposition{Role: roleReceiver, First: rec.id, Settled: true, State: rec.state})
		}
		s.flowReceiver(l)
		return nil
	}

	msg := &Message{}
	if err := msg.UnmarshalBinary(rec.buf); err != nil {
		return newProtocolError(ErrorDecodeError, err, "decoding message of delivery %d: %v", rec.id, err)
	}
	rec.buf = nil
	msg.DeliveryTag = rec.tag
	msg.Format = rec.format
	msg.receiver = l.receiver
	msg.deliveryID = rec.id
	msg.settled = rec.settled

	if !rec.settled {
		l.unsettledIn[rec.id] = rec
		l.records[string(rec.tag)] = rec
		s.incoming[rec.id] = l
	}

	select {
	case l.messages <- msg:
	default:
		// credit never exceeds the buffer
		return newProtocolError(ErrorTransferLimitExceeded, nil, "message buffer of link %q is full", l.name)
	}
	s.conn.emit(Event{Type: EventMessageReceived, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: rec.id})

	if l.draining && l.linkCredit == 0 {
		s.completeDrain(l)
	}
	s.flowReceiver(l)
	return nil
}

// receiverDisposition applies the sending peer's disposition of delivery
// id received on l.
func (s *Session) receiverDisposition(l *link, id uint32, disp *performDisposition) {
	rec, ok := l.unsettledIn[id]
	if !ok {
		delete(s.incoming, id)
		return
	}
	if !disp.Settled {
		return
	}
	s.forgetDelivery(l, rec)
	rec.settle()
	s.conn.emit(Event{Type: EventDeliverySettled, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: id})
}
