package scard

import "context"

// Registry is what readers and channels use to reach the device. Every
// Submit call is a request: its outcome is delivered later, exactly once, as
// an Event.
type Registry interface {
	SubmitTransmit(slot int, command []byte)
	SubmitControl(command []byte)
	SubmitConnect(slot int)
	SubmitDisconnect(slot int)
	SubmitReconnect(slot int)
}

// Command is a request sent to the device through a Transport.
type Command struct {
	Op   Op
	Slot int // -1 for device level commands
	Data []byte
}

// NotificationKind tells what a device notification carries.
type NotificationKind int

const (
	NotifySlotChange NotificationKind = iota // Payload is a slot change bitmap
	NotifySleep                              // Device went to low power, all cards unpowered
	NotifyWakeup                             // Device left low power
)

func (k NotificationKind) String() string {
	switch k {
	case NotifySlotChange:
		return "slot-change"
	case NotifySleep:
		return "sleep"
	case NotifyWakeup:
		return "wakeup"
	}
	return "unknown"
}

// Notification is an unsolicited message from the device.
type Notification struct {
	Kind    NotificationKind
	Payload []byte
}

// Transport carries commands to the device and notifications back. Exchange
// is only ever called from one goroutine at a time.
type Transport interface {
	// Exchange sends a command and waits for its response. For connect and
	// reconnect the response is the card ATR, for transmit the card
	// response and for control the device response.
	Exchange(ctx context.Context, cmd Command) ([]byte, error)
	Notifications() <-chan Notification
	Close() error
}
