package scard

import (
	"fmt"
	"time"
)

type EventKind int

const (
	EventConnect    EventKind = iota // Result of CardConnect, carries the new channel
	EventDisconnect                  // Result of CardDisconnect
	EventReconnect                   // Result of CardReconnect, carries the channel with its new ATR
	EventTransmit                    // Result of Transmit, Data is the card response
	EventControl                     // Result of Control, Data is the device response
	EventSlotStatus                  // A status notification changed the slot
	EventSleep                       // The device went to low power
	EventWakeup                      // The device left low power
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReconnect:
		return "reconnect"
	case EventTransmit:
		return "transmit"
	case EventControl:
		return "control"
	case EventSlotStatus:
		return "slot-status"
	case EventSleep:
		return "sleep"
	case EventWakeup:
		return "wakeup"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

func eventKindFor(op Op) EventKind {
	switch op {
	case OpConnect:
		return EventConnect
	case OpDisconnect:
		return EventDisconnect
	case OpReconnect:
		return EventReconnect
	case OpTransmit:
		return EventTransmit
	}
	return EventControl
}

// Event is delivered on ReaderList.Events. Every submitted request produces
// exactly one event of the matching kind, with Err set if it failed.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Reader  *Reader    // nil for device level events
	Channel *Channel   // connect and reconnect only
	Status  SlotStatus // EventSlotStatus only
	Data    []byte
	Err     error
}

// Slot returns the slot index of the event, or -1 for device level events.
func (e Event) Slot() int {
	if e.Reader == nil {
		return -1
	}
	return e.Reader.Index()
}
