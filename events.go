package amqp

import "fmt"

// EventType identifies an Event.
type EventType int

// Event types
const (
	EventConnOpened EventType = iota
	EventConnClosed
	EventSessionBegan
	EventSessionEnded
	EventLinkAttached
	EventLinkDetached
	EventMessageReceived
	EventCreditExhausted
	EventDeliverySettled
)

func (t EventType) String() string {
	switch t {
	case EventConnOpened:
		return "conn-opened"
	case EventConnClosed:
		return "conn-closed"
	case EventSessionBegan:
		return "session-began"
	case EventSessionEnded:
		return "session-ended"
	case EventLinkAttached:
		return "link-attached"
	case EventLinkDetached:
		return "link-detached"
	case EventMessageReceived:
		return "message-received"
	case EventCreditExhausted:
		return "credit-exhausted"
	case EventDeliverySettled:
		return "delivery-settled"
	}
	return fmt.Sprintf("event(%d)", int(t))
}

// Event describes a state change of the connection or one of its sessions
// and links.
//
// Fields that do not apply to the event type are zero.
type Event struct {
	Type       EventType
	Channel    uint16 // local channel of the session
	Handle     uint32 // local handle of the link
	LinkName   string
	DeliveryID uint32
	Err        error // set when the endpoint ended with an error
}

func (e Event) String() string {
	s := fmt.Sprintf("%s channel=%d handle=%d", e.Type, e.Channel, e.Handle)
	if e.LinkName != "" {
		s += " link=" + e.LinkName
	}
	if e.Type == EventMessageReceived || e.Type == EventDeliverySettled {
		s += fmt.Sprintf(" delivery=%d", e.DeliveryID)
	}
	if e.Err != nil {
		s += fmt.Sprintf(" err=%v", e.Err)
	}
	return s
}

// ConnEvents registers fn to receive connection, session and link events.
//
// fn is called synchronously from the goroutine that processes the
// corresponding frames, in the order the changes happen. It must return
// quickly and must not call back into the Client, its Sessions or links.
func ConnEvents(fn func(Event)) ConnOption {
	return func(c *connConfig) error {
		c.events = fn
		return nil
	}
}
