package scard

import "fmt"

// SlotStatus is the decoded status of one slot as reported by the device.
// The values match the two bits the device sends per slot: bit 0 is the
// current presence and bit 1 is set when it changed since the last report.
type SlotStatus uint8

const (
	CardAbsent   SlotStatus = 0x00 // Card absent, no change since the last notification
	CardPresent  SlotStatus = 0x01 // Card present, no change since the last notification
	CardRemoved  SlotStatus = 0x02 // Card removed
	CardInserted SlotStatus = 0x03 // Card inserted
)

func (s SlotStatus) String() string {
	switch s {
	case CardAbsent:
		return "absent"
	case CardPresent:
		return "present"
	case CardRemoved:
		return "removed"
	case CardInserted:
		return "inserted"
	}
	return fmt.Sprintf("SlotStatus(%d)", uint8(s))
}

// Edge reports whether the status is an insertion or removal notification.
func (s SlotStatus) Edge() bool {
	return s&0x02 != 0
}

// ParseSlotChange decodes a slot change bitmap for the given number of slots.
// Each byte carries four slots, least significant bits first.
func ParseSlotChange(payload []byte, slots int) ([]SlotStatus, error) {
	if slots <= 0 {
		return nil, fmt.Errorf("invalid slot count: %d", slots)
	}
	need := (slots + 3) / 4
	if len(payload) < need {
		return nil, fmt.Errorf("slot change payload too short: got %d bytes, need %d", len(payload), need)
	}

	statuses := make([]SlotStatus, slots)
	for i := range statuses {
		b := payload[i/4]
		statuses[i] = SlotStatus((b >> (2 * (i % 4))) & 0x03)
	}
	return statuses, nil
}

// Op identifies a request submitted to the reader list.
type Op int

const (
	OpConnect Op = iota
	OpDisconnect
	OpReconnect
	OpTransmit
	OpControl
)

func (o Op) String() string {
	switch o {
	case OpConnect:
		return "connect"
	case OpDisconnect:
		return "disconnect"
	case OpReconnect:
		return "reconnect"
	case OpTransmit:
		return "transmit"
	case OpControl:
		return "control"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Outcome is the result of a command as seen by the slot.
type Outcome int

const (
	OutcomePowered Outcome = iota
	OutcomeUnpowered
	OutcomeConnected
	OutcomeDisconnected
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePowered:
		return "powered"
	case OutcomeUnpowered:
		return "unpowered"
	case OutcomeConnected:
		return "connected"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeError:
		return "error"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}
