package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned once the owning endpoint has been torn down.
var (
	ErrConnClosed    = errorNew("amqp: connection closed")
	ErrSessionClosed = errorNew("amqp: session closed")
	ErrLinkClosed    = errorNew("amqp: link closed")
)

// errorNew, errorErrorf and errorWrapf attach a stack trace, printed with %+v.
func errorNew(msg string) error {
	return errors.New(msg)
}

func errorErrorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func errorWrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// DecodeError is returned when AMQP encoded data is malformed: a truncated
// buffer, an unknown constructor, or a size or count that does not match
// the bytes present.
type DecodeError struct {
	Offset int // byte offset of the failure, relative to the decoded buffer
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("amqp: malformed data at offset %d: %s", e.Offset, e.Reason)
}

// UnknownPerformativeError is returned when a frame carries a body whose
// descriptor is not one of the core performatives.
type UnknownPerformativeError struct {
	Descriptor interface{}
}

func (e *UnknownPerformativeError) Error() string {
	return fmt.Sprintf("amqp: unknown performative %v", e.Descriptor)
}

// ProtocolError is a fatal protocol violation detected locally, such as a
// sequence gap, an exceeded window or an oversized frame. Condition is the
// error condition sent to the peer in the resulting Close, End or Detach.
type ProtocolError struct {
	Condition   ErrorCondition
	Description string
	err         error
}

func newProtocolError(cond ErrorCondition, err error, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{
		Condition:   cond,
		Description: fmt.Sprintf(format, args...),
		err:         err,
	}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("amqp: protocol violation (%s): %s", e.Condition, e.Description)
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error { return e.err }

// wire returns the error as sent to the peer.
func (e *ProtocolError) wire() *Error {
	return &Error{Condition: e.Condition, Description: e.Description}
}

// HeaderMismatchError is returned when the peer answers with a protocol
// header other than the one sent.
type HeaderMismatchError struct {
	Sent     protoHeader
	Received protoHeader
}

func (e *HeaderMismatchError) Error() string {
	return fmt.Sprintf("amqp: protocol header mismatch: sent %s, received %s", e.Sent, e.Received)
}

// FrameSizeError is returned when a frame would exceed the max-frame-size
// advertised by its receiver. Nothing is transmitted.
type FrameSizeError struct {
	Size int
	Max  uint32
}

func (e *FrameSizeError) Error() string {
	return fmt.Sprintf("amqp: frame of %d bytes exceeds max-frame-size %d", e.Size, e.Max)
}

// ConnError is returned when the connection was closed by the peer with
// an error, or failed on a transport error.
type ConnError struct {
	RemoteError *Error
	inner       error
}

func (e *ConnError) Error() string {
	switch {
	case e.RemoteError != nil:
		return fmt.Sprintf("amqp: connection closed by peer: %v", e.RemoteError)
	case e.inner != nil:
		return fmt.Sprintf("amqp: connection failed: %v", e.inner)
	default:
		return "amqp: connection closed by peer"
	}
}

func (e *ConnError) Unwrap() error { return e.inner }

// SessionError is returned by links of a session that ended while they
// were attached, either because the peer ended it or because the
// connection failed underneath it.
//
// RemoteError is nil if the session was ended gracefully.
type SessionError struct {
	RemoteError *Error
	inner       error
}

func (e *SessionError) Error() string {
	switch {
	case e.RemoteError != nil:
		return fmt.Sprintf("amqp: session ended by peer: %v", e.RemoteError)
	case e.inner != nil:
		return fmt.Sprintf("amqp: session ended: %v", e.inner)
	default:
		return "amqp: session ended by peer"
	}
}

// Unwrap returns the connection error that ended the session, if any.
func (e *SessionError) Unwrap() error { return e.inner }

// DetachError is returned by a link (Receiver/Sender) when a detach frame is received.
//
// RemoteError will be nil if the link was detached gracefully.
type DetachError struct {
	RemoteError *Error
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("link detached, reason: %+v", e.RemoteError)
}

// DeliveryError is returned by Sender.Send when the receiver settles a
// delivery with an outcome other than accepted.
type DeliveryError struct {
	Outcome     string // "rejected", "released" or "modified"
	RemoteError *Error // set for rejected deliveries
}

func (e *DeliveryError) Error() string {
	if e.RemoteError != nil {
		return fmt.Sprintf("amqp: delivery %s: %v", e.Outcome, e.RemoteError)
	}
	return "amqp: delivery " + e.Outcome
}
