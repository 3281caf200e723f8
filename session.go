package amqp

import (
	"context"
	"math"
)

// session defaults
const (
	defaultWindow = 5000
)

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets the maximum number of unacknowledged
// transfer frames the server can send.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.incomingWindow = window
		return nil
	}
}

// SessionOutgoingWindow sets the maximum number of unacknowledged
// transfer frames the client can send.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (Senders/Receivers)
// allowed on the session.
//
// n must be in the range 1 to 4294967296.
//
// Default: 4294967296.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return errorNew("max sessions cannot be less than 1")
		}
		if int64(n) > math.MaxUint32+1 {
			return errorNew("max sessions cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// sessionState is the state of the session endpoint.
type sessionState int

const (
	sessionUnmapped sessionState = iota
	sessionBeginSent
	sessionMapped
	sessionEndSent
	sessionEndRcvd
)

func (s sessionState) String() string {
	switch s {
	case sessionUnmapped:
		return "UNMAPPED"
	case sessionBeginSent:
		return "BEGIN_SENT"
	case sessionMapped:
		return "MAPPED"
	case sessionEndSent:
		return "END_SENT"
	case sessionEndRcvd:
		return "END_RCVD"
	}
	return "UNKNOWN"
}

// Session is an AMQP session.
//
// A session multiplexes Receivers and Senders.
//
// All session and link state is owned by the session's mux goroutine.
// Operations on the session and its links are run there as requests.
type Session struct {
	channel          uint16
	remoteChannel    uint16 // set by conn.mux
	remoteChannelSet bool
	conn             *conn
	rx               chan frame // frames for the session, from conn.mux

	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32

	requests chan func()

	// closed once mux returns; err is set first
	done chan struct{}
	err  error

	// owned by mux
	state                  sessionState
	nextOutgoingID         uint32
	nextIncomingID         uint32
	remoteIncomingWindow   uint32
	remoteOutgoingWindow   uint32
	incomingWindowLeft     uint32
	nextDeliveryID         uint32
	nextIncomingDeliveryID uint32
	incomingDeliverySeen   bool
	links                  map[uint32]*link     // by our handle
	linksByName            map[string]*link     // awaiting the peer's Attach
	remoteLinks            map[uint32]*link     // by the peer's handle
	outgoing               map[uint32]*link     // unsettled delivery-id we sent -> link
	incoming               map[uint32]*link     // unsettled delivery-id we received -> link
	resumable              map[string]unsettled // outcomes of receivers detached without closing, by link name
	endErr                 error                // reported once the End handshake completes
	closeRequested         bool
}

func newSession(c *conn) *Session {
	return &Session{
		conn:           c,
		rx:             make(chan frame),
		incomingWindow: defaultWindow,
		outgoingWindow: defaultWindow,
		handleMax:      math.MaxUint32,
		requests:       make(chan func()),
		done:           make(chan struct{}),
		links:          make(map[uint32]*link),
		linksByName:    make(map[string]*link),
		remoteLinks:    make(map[uint32]*link),
		outgoing:       make(map[uint32]*link),
		incoming:       make(map[uint32]*link),
		resumable:      make(map[string]unsettled),
	}
}

// Close gracefully closes the session.
//
// Links of the session fail with ErrSessionClosed. If ctx expires while
// waiting for the peer's End, ctx.Err() is returned and the session
// finishes closing in the background.
func (s *Session) Close(ctx context.Context) error {
	err := s.do(ctx, func() {
		s.end(nil, ErrSessionClosed)
	})
	if err != nil && err != ErrSessionClosed {
		return err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.err == ErrSessionClosed {
		return nil
	}
	return s.err
}

// do runs fn on the mux goroutine and waits for it to return.
func (s *Session) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case s.requests <- func() { defer close(done); fn() }:
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

func (s *Session) txFrame(ctx context.Context, p frameBody) error {
	return s.conn.sendFrame(ctx, frame{
		typ:     frameTypeAMQP,
		channel: s.channel,
		body:    p,
	})
}

// tx sends p from the mux goroutine. A failure means the connection is
// going down, which mux observes separately.
func (s *Session) tx(p frameBody) error {
	err := s.txFrame(context.Background(), p)
	if err != nil {
		s.conn.log.Debug("failed to send frame", "channel", s.channel, "body", p, "error", err)
	}
	return err
}

// deallocate releases the session's channel. conn.mux may be blocked
// delivering a frame to s.rx, so rx is drained meanwhile.
func (s *Session) deallocate() {
	for {
		select {
		case s.conn.delSession <- s:
			return
		case fr := <-s.rx:
			s.conn.log.Debug("dropping frame for ended session", "channel", s.channel, "body", fr.body)
		case <-s.conn.done:
			return
		}
	}
}

// begin records the peer's answer to our Begin.
func (s *Session) begin(b *performBegin) {
	s.state = sessionMapped
	s.nextIncomingID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
	s.incomingWindowLeft = s.incomingWindow
	if b.HandleMax < s.handleMax {
		s.handleMax = b.HandleMax
	}
	s.conn.log.Debug("session began", "channel", s.channel, "remote_channel", s.remoteChannel, "begin", b)
	s.conn.emit(Event{Type: EventSessionBegan, Channel: s.channel})
}

// abandon waits for the Begin of a session whose NewSession was canceled
// and ends it.
func (s *Session) abandon() {
	var fr frame
	select {
	case fr = <-s.rx:
	case <-s.conn.done:
		return
	}
	if b, ok := fr.body.(*performBegin); ok {
		s.begin(b)
	}
	s.closeRequested = true
	s.mux()
}

func (s *Session) mux() {
	if s.closeRequested {
		s.end(nil, ErrSessionClosed)
	}

	for {
		select {
		case <-s.conn.done:
			s.finish(&SessionError{inner: s.conn.doneErr})
			return

		case fn := <-s.requests:
			fn()

		case fr := <-s.rx:
			if err := s.muxFrame(fr); err != nil {
				pe, ok := err.(*ProtocolError)
				if !ok {
					pe = newProtocolError(ErrorInternalError, err, "%v", err)
				}
				s.conn.log.Error("ending session on protocol violation", "channel", s.channel, "condition", pe.Condition, "error", pe)
				s.end(pe.wire(), &SessionError{inner: pe})
			}
		}

		if s.state == sessionUnmapped {
			// End handshake complete
			s.deallocate()
			s.finish(s.endErr)
			return
		}
	}
}

// end sends End, unless already sent, and fails every link with cause.
func (s *Session) end(e *Error, cause error) {
	if s.state == sessionEndSent || s.state == sessionUnmapped {
		return
	}
	s.state = sessionEndSent
	s.endErr = cause
	s.failLinks(cause)
	_ = s.tx(&performEnd{Error: e})
}

// finish marks the session done. Every link fails with err.
func (s *Session) finish(err error) {
	s.failLinks(err)
	s.err = err

	ev := Event{Type: EventSessionEnded, Channel: s.channel}
	if err != ErrSessionClosed {
		ev.Err = err
	}
	s.conn.emit(ev)
	s.conn.log.Debug("session ended", "channel", s.channel, "error", err)
	close(s.done)
}

func (s *Session) failLinks(err error) {
	for _, l := range s.links {
		s.failLink(l, err)
	}
}

func (s *Session) muxFrame(fr frame) error {
	if s.state == sessionEndSent {
		// only the End echo matters now
		if e, ok := fr.body.(*performEnd); ok {
			s.handleEnd(e)
		} else {
			s.conn.log.Debug("dropping frame received after end", "channel", s.channel, "body", fr.body)
		}
		return nil
	}

	switch body := fr.body.(type) {
	case *performEnd:
		s.handleEnd(body)
		return nil
	case *performFlow:
		return s.handleFlow(body)
	case *performTransfer:
		return s.handleTransfer(body)
	case *performDisposition:
		s.handleDisposition(body)
		return nil
	case *performAttach:
		return s.handleAttach(body)
	case *performDetach:
		return s.handleDetach(body)
	case *performBegin:
		return newProtocolError(ErrorIllegalState, nil, "unexpected begin on mapped channel %d", s.channel)
	default:
		s.conn.log.Warn("unexpected frame on session", "channel", s.channel, "body", fr.body)
		return nil
	}
}

func (s *Session) handleEnd(e *performEnd) {
	if s.state != sessionEndSent {
		// peer initiated; every link learns the peer's reason
		s.state = sessionEndRcvd
		s.endErr = &SessionError{RemoteError: e.Error}
		s.failLinks(s.endErr)
		_ = s.tx(&performEnd{})
	}
	s.state = sessionUnmapped
}

// flowFrame returns a Flow carrying the session's flow state.
func (s *Session) flowFrame() *performFlow {
	nextIncoming := s.nextIncomingID
	return &performFlow{
		NextIncomingID: &nextIncoming,
		IncomingWindow: s.incomingWindowLeft,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
	}
}

func (s *Session) handleFlow(f *performFlow) error {
	// without next-incoming-id the peer has not seen our Begin, whose
	// next-outgoing-id was 0
	var nextIncoming uint32
	if f.NextIncomingID != nil {
		nextIncoming = *f.NextIncomingID
	}
	s.remoteIncomingWindow = nextIncoming + f.IncomingWindow - s.nextOutgoingID
	s.remoteOutgoingWindow = f.OutgoingWindow

	if f.Handle == nil {
		if f.Echo {
			_ = s.tx(s.flowFrame())
		}
		s.pump()
		return nil
	}

	l, ok := s.remoteLinks[*f.Handle]
	if !ok {
		return newProtocolError(ErrorUnattachedHandle, nil, "flow for unattached handle %d", *f.Handle)
	}

	if l.role == roleSender {
		s.senderFlow(l, f)
	} else {
		s.receiverFlow(l, f)
	}
	s.pump()
	return nil
}

func (s *Session) handleTransfer(tr *performTransfer) error {
	if s.incomingWindowLeft == 0 {
		return newProtocolError(ErrorWindowViolation, nil,
			"transfer %d received with the incoming window exhausted", s.nextIncomingID)
	}
	s.incomingWindowLeft--
	s.nextIncomingID++
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}

	l, ok := s.remoteLinks[tr.Handle]
	if !ok {
		return newProtocolError(ErrorUnattachedHandle, nil, "transfer for unattached handle %d", tr.Handle)
	}
	if l.role != roleReceiver {
		return newProtocolError(ErrorNotAllowed, nil, "transfer received on sending link %q", l.name)
	}

	if l.current == nil {
		// first frame of a delivery; ids are assigned sequentially per session
		if tr.DeliveryID == nil {
			return newProtocolError(ErrorInvalidField, nil, "first transfer of a delivery has no delivery-id")
		}
		id := *tr.DeliveryID
		if s.incomingDeliverySeen && id != s.nextIncomingDeliveryID {
			return newProtocolError(ErrorInvalidField, nil,
				"delivery-id %d received, expected %d", id, s.nextIncomingDeliveryID)
		}
		s.incomingDeliverySeen = true
		s.nextIncomingDeliveryID = id + 1
	}

	if l.state == linkAttached {
		if pe := s.receiveTransfer(l, tr); pe != nil {
			s.conn.log.Warn("detaching link on protocol violation", "link", l.name, "condition", pe.Condition, "error", pe)
			s.detachLink(l, pe.wire(), pe)
		}
	}

	if s.incomingWindowLeft <= s.incomingWindow/2 {
		s.incomingWindowLeft = s.incomingWindow
		_ = s.tx(s.flowFrame())
	}
	return nil
}

// handleDisposition routes a Disposition to the links owning the
// deliveries in its range.
func (s *Session) handleDisposition(d *performDisposition) {
	// the peer describes deliveries it received from us when it acts as
	// receiver, and deliveries it sent us when it acts as sender
	table := s.incoming
	if d.Role == roleReceiver {
		table = s.outgoing
	}

	first, span := d.First, d.last()-d.First
	var ids []uint32
	if uint64(span) < uint64(len(table)) {
		for i := uint64(0); i <= uint64(span); i++ {
			if _, ok := table[first+uint32(i)]; ok {
				ids = append(ids, first+uint32(i))
			}
		}
	} else {
		for id := range table {
			if id-first <= span {
				ids = append(ids, id)
			}
		}
	}

	for _, id := range ids {
		l := table[id]
		if d.Role == roleReceiver {
			s.senderDisposition(l, id, d)
		} else {
			s.receiverDisposition(l, id, d)
		}
	}
}

// allocateHandle assigns l the lowest free handle within handle-max.
func (s *Session) allocateHandle(l *link) bool {
	for h := uint64(0); h <= uint64(s.handleMax); h++ {
		if _, ok := s.links[uint32(h)]; !ok {
			l.handle = uint32(h)
			s.links[l.handle] = l
			return true
		}
	}
	return false
}

func (s *Session) handleAttach(a *performAttach) error {
	l, ok := s.linksByName[a.Name]
	if !ok || l.state != linkAttachSent {
		// links are only initiated locally
		s.conn.log.Warn("ignoring attach for unknown link", "channel", s.channel, "link", a.Name)
		return nil
	}
	if _, inUse := s.remoteLinks[a.Handle]; inUse {
		return newProtocolError(ErrorHandleInUse, nil, "attach for handle %d already in use", a.Handle)
	}

	delete(s.linksByName, a.Name)
	l.remoteHandle = a.Handle
	s.remoteLinks[a.Handle] = l

	if a.Role == l.role {
		pe := newProtocolError(ErrorInvalidField, nil, "peer attached link %q with our own role %s", l.name, a.Role)
		s.detachLink(l, pe.wire(), pe)
		return nil
	}

	// a refusing peer answers with a nil terminus and follows up with a
	// Detach carrying the reason
	if (l.role == roleReceiver && a.Source == nil) || (l.role == roleSender && a.Target == nil) {
		l.refused = true
		return nil
	}

	l.attachResponse(a)
	l.state = linkAttached
	close(l.attached)
	s.conn.log.Debug("link attached", "channel", s.channel, "link", l.name, "handle", l.handle, "remote_handle", a.Handle)
	s.conn.emit(Event{Type: EventLinkAttached, Channel: s.channel, Handle: l.handle, LinkName: l.name})

	if l.closeRequested {
		s.detachLink(l, nil, ErrLinkClosed)
		return nil
	}
	if l.role == roleReceiver {
		s.flowReceiver(l)
	}
	return nil
}

func (s *Session) handleDetach(d *performDetach) error {
	l, ok := s.remoteLinks[d.Handle]
	if !ok {
		return newProtocolError(ErrorUnattachedHandle, nil, "detach for unattached handle %d", d.Handle)
	}

	if l.state != linkDetachSent {
		// peer initiated
		l.state = linkDetachRcvd
		_ = s.tx(&performDetach{Handle: l.handle, Closed: d.Closed})
		if d.Closed {
			delete(s.resumable, l.name)
		} else {
			s.retainOutcomes(l)
		}
		s.failLink(l, &DetachError{RemoteError: d.Error})
	} else if d.Error != nil {
		s.failLink(l, &DetachError{RemoteError: d.Error})
	}

	s.releaseLink(l)
	return nil
}

// detachLink sends a closing Detach for l and fails its operations with
// cause. The handle stays allocated until the peer answers.
func (s *Session) detachLink(l *link, e *Error, cause error) {
	if l.state == linkDetachSent || l.state == linkDetached {
		return
	}
	l.state = linkDetachSent
	delete(s.resumable, l.name)
	s.failLink(l, cause)
	_ = s.tx(&performDetach{Handle: l.handle, Closed: true, Error: e})
}

// retainOutcomes keeps the outcomes l sent for deliveries the sender has
// not settled, so a link attached later with the same name can resume
// them.
func (s *Session) retainOutcomes(l *link) {
	if l.role != roleReceiver {
		return
	}
	u := make(unsettled)
	for tag, rec := range l.records {
		if isTerminal(rec.state) {
			u[tag] = rec.state
		}
	}
	if len(u) == 0 {
		delete(s.resumable, l.name)
		return
	}
	s.resumable[l.name] = u
}

// failLink fails every pending operation of l with err. Only the first
// error is kept.
func (s *Session) failLink(l *link, err error) {
	if l.err != nil {
		return
	}
	l.err = err
	close(l.detached)

	for _, d := range l.pending {
		d.finish(err)
	}
	l.pending = nil
	for id, d := range l.unsettledOut {
		d.finish(err)
		delete(s.outgoing, id)
	}
	for id := range l.unsettledIn {
		delete(s.incoming, id)
	}
	l.unsettledOut = map[uint32]*outgoingDelivery{}
	l.unsettledIn = map[uint32]*incomingDelivery{}
	l.records = map[string]*incomingDelivery{}
	l.current = nil

	ev := Event{Type: EventLinkDetached, Channel: s.channel, Handle: l.handle, LinkName: l.name}
	if err != ErrLinkClosed {
		ev.Err = err
	}
	s.conn.emit(ev)
}

// releaseLink frees l's handles once the Detach handshake is complete.
func (s *Session) releaseLink(l *link) {
	l.state = linkDetached
	delete(s.links, l.handle)
	delete(s.linksByName, l.name)
	if s.remoteLinks[l.remoteHandle] == l {
		delete(s.remoteLinks, l.remoteHandle)
	}
	close(l.released)
	s.conn.log.Debug("link detached", "channel", s.channel, "link", l.name, "error", l.err)
}

// canTransmit reports whether the session windows allow another transfer.
func (s *Session) canTransmit() bool {
	return s.remoteIncomingWindow > 0 && s.outgoingWindow > 0
}

// pump transmits queued deliveries of every sender while credit and the
// session windows allow.
func (s *Session) pump() {
	for _, l := range s.links {
		if l.role == roleSender && l.state == linkAttached {
			s.pumpSender(l)
		}
	}
}
