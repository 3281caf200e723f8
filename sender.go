package amqp

import (
	"context"

	"github.com/google/uuid"
)

// Sender sends messages on a single AMQP link.
type Sender struct {
	link *link
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(ctx context.Context, opts ...LinkOption) (*Sender, error) {
	l, err := newLink(s, roleSender, opts)
	if err != nil {
		return nil, err
	}
	if err := l.attach(ctx); err != nil {
		return nil, err
	}
	return &Sender{link: l}, nil
}

// outgoingDelivery is a message queued on or in flight over a sending
// link. Owned by the session's mux goroutine until done is closed.
type outgoingDelivery struct {
	tag     []byte
	format  uint32
	payload []byte
	settled bool // sent pre-settled

	started bool // first frame written; the delivery can no longer be withdrawn
	id      uint32
	offset  int // payload bytes written

	state    deliveryState // last state reported by the receiver
	done     chan struct{}
	err      error
	finished bool
}

func (d *outgoingDelivery) finish(err error) {
	if d.finished {
		return
	}
	d.finished = true
	d.err = err
	close(d.done)
}

// Send sends a Message.
//
// Send blocks until the link has credit and the session window allows
// transmission, then until the message is settled. Messages sent on a
// ModeSettled link return once written.
//
// A message that was rejected, released or modified by the receiver
// returns a *DeliveryError.
//
// If ctx expires before the first frame of the message is written the
// message is withdrawn. Once written, the delivery continues and Send
// returns ctx.Err().
func (s *Sender) Send(ctx context.Context, msg *Message) error {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	l := s.link
	sess := l.session
	tag := uuid.New()
	d := &outgoingDelivery{
		tag:     tag[:],
		format:  msg.Format,
		payload: payload,
		done:    make(chan struct{}),
	}

	var enqueueErr error
	err = sess.do(ctx, func() {
		if l.err != nil {
			enqueueErr = l.err
			return
		}
		if l.peerMaxMessageSize > 0 && uint64(len(payload)) > l.peerMaxMessageSize {
			enqueueErr = errorErrorf("encoded message size %d exceeds max message size %d of the link", len(payload), l.peerMaxMessageSize)
			return
		}
		d.settled = l.senderSettleMode != nil && *l.senderSettleMode == ModeSettled
		l.pending = append(l.pending, d)
		sess.pumpSender(l)
	})
	if err != nil {
		return err
	}
	if enqueueErr != nil {
		return enqueueErr
	}

	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		_ = sess.do(context.Background(), func() {
			if d.started || d.finished {
				return
			}
			for i, p := range l.pending {
				if p == d {
					l.pending = append(l.pending[:i], l.pending[i+1:]...)
					break
				}
			}
			d.finish(ctx.Err())
		})
		return ctx.Err()
	}
}

// Address returns the link's address.
func (s *Sender) Address() string {
	return s.link.address()
}

// LinkName returns the name of the link.
func (s *Sender) LinkName() string {
	return s.link.name
}

// MaxMessageSize is the maximum size of a single message, as announced
// by the receiver. Zero means unlimited.
func (s *Sender) MaxMessageSize() uint64 {
	return s.link.peerMaxMessageSize
}

// Close closes the Sender and AMQP link.
//
// Messages still waiting for credit fail with ErrLinkClosed.
func (s *Sender) Close(ctx context.Context) error {
	return s.link.close(ctx)
}

// pumpSender writes transfers for l's queued deliveries while credit and
// the session windows allow. Deliveries are never interleaved.
func (s *Session) pumpSender(l *link) {
	for len(l.pending) > 0 {
		d := l.pending[0]
		if !d.started && l.linkCredit == 0 {
			if !l.creditExhaustedSignaled {
				l.creditExhaustedSignaled = true
				s.conn.emit(Event{Type: EventCreditExhausted, Channel: s.channel, Handle: l.handle, LinkName: l.name})
			}
			break
		}
		if !s.canTransmit() {
			break
		}

		complete, err := s.txTransfer(l, d)
		if err != nil {
			if _, ok := err.(*FrameSizeError); ok {
				l.pending = l.pending[1:]
				d.finish(err)
				continue
			}
			// the connection is going down
			break
		}
		if complete {
			l.pending = l.pending[1:]
		}
	}

	if l.drain && (len(l.pending) == 0 || l.linkCredit == 0) {
		// hand back unused credit
		l.deliveryCount += l.linkCredit
		l.linkCredit = 0
		l.drain = false
		_ = s.txLinkFlow(l, true)
	}
}

// txTransfer writes the next frame of d and reports whether it was the
// last one.
func (s *Session) txTransfer(l *link, d *outgoingDelivery) (bool, error) {
	tr := &performTransfer{
		Handle: l.handle,
		More:   true,
	}
	if !d.started {
		id := s.nextDeliveryID
		format := d.format
		tr.DeliveryID = &id
		tr.DeliveryTag = d.tag
		tr.MessageFormat = &format
		tr.Settled = d.settled
	}

	// size of the frame without payload; More set is the larger encoding
	buf := &buffer{}
	if err := tr.marshal(buf); err != nil {
		return false, err
	}
	overhead := frameHeaderSize + len(buf.b)
	room := int(s.conn.peerMaxFrameSize) - overhead
	remaining := len(d.payload) - d.offset
	if room <= 0 && remaining > 0 {
		return false, &FrameSizeError{Size: overhead + 1, Max: s.conn.peerMaxFrameSize}
	}

	n := remaining
	if n > room {
		n = room
	}
	tr.Payload = d.payload[d.offset : d.offset+n]
	tr.More = d.offset+n < len(d.payload)

	if err := s.tx(tr); err != nil {
		return false, err
	}

	if !d.started {
		d.started = true
		d.id = *tr.DeliveryID
		s.nextDeliveryID++
		l.deliveryCount++
		l.linkCredit--
		if !d.settled {
			s.outgoing[d.id] = l
			l.unsettledOut[d.id] = d
		}
	}
	d.offset += n
	s.nextOutgoingID++
	s.remoteIncomingWindow--

	if tr.More {
		return false, nil
	}
	if d.settled {
		s.conn.emit(Event{Type: EventDeliverySettled, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: d.id})
		d.finish(nil)
	}
	return true, nil
}

// senderFlow applies a Flow from the receiving peer to l.
func (s *Session) senderFlow(l *link, f *performFlow) {
	if f.LinkCredit != nil {
		// the receiver's delivery-count is our initial count until it has
		// seen our Attach
		var peerDeliveryCount uint32
		if f.DeliveryCount != nil {
			peerDeliveryCount = *f.DeliveryCount
		}
		// delivery-count is a serial number; a receiver that has not yet
		// seen transfers in flight can grant less than we already used
		limit := peerDeliveryCount + *f.LinkCredit
		if int32(limit-l.deliveryCount) > 0 {
			l.linkCredit = limit - l.deliveryCount
		} else {
			l.linkCredit = 0
		}
		if l.linkCredit > 0 {
			l.creditExhaustedSignaled = false
		}
	}
	l.drain = f.Drain

	if f.Echo {
		_ = s.txLinkFlow(l, false)
	}
}

// txLinkFlow sends a Flow carrying the session and link flow state.
func (s *Session) txLinkFlow(l *link, drain bool) error {
	fl := s.flowFrame()
	handle, deliveryCount, credit := l.handle, l.deliveryCount, l.linkCredit
	fl.Handle = &handle
	fl.DeliveryCount = &deliveryCount
	fl.LinkCredit = &credit
	fl.Drain = drain
	if l.role == roleSender {
		available := uint32(len(l.pending))
		fl.Available = &available
	}
	return s.tx(fl)
}

// senderDisposition applies the receiving peer's disposition of delivery
// id sent on l.
func (s *Session) senderDisposition(l *link, id uint32, disp *performDisposition) {
	d, ok := l.unsettledOut[id]
	if !ok {
		delete(s.outgoing, id)
		return
	}
	d.state = disp.State
	if !disp.Settled && !isTerminal(disp.State) {
		return
	}

	delete(l.unsettledOut, id)
	delete(s.outgoing, id)
	if !disp.Settled {
		_ = s.tx(&performDisposition{
			Role:    roleSender,
			First:   id,
			Settled: true,
			State:   disp.State,
		})
	}
	s.conn.emit(Event{Type: EventDeliverySettled, Channel: s.channel, Handle: l.handle, LinkName: l.name, DeliveryID: id})
	d.finish(outcomeError(disp.State))
}
