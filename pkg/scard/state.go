package scard

import "fmt"

// CardState is the presence and power state of a slot. A powered card is
// always present.
type CardState int

const (
	CardEmpty     CardState = iota // No card in the slot
	CardUnpowered                  // Card detected, not powered by the application
	CardPowered                    // Card detected and powered
)

func (c CardState) Present() bool {
	return c != CardEmpty
}

func (c CardState) Powered() bool {
	return c == CardPowered
}

func (c CardState) String() string {
	switch c {
	case CardEmpty:
		return "empty"
	case CardUnpowered:
		return "present-unpowered"
	case CardPowered:
		return "present-powered"
	}
	return fmt.Sprintf("CardState(%d)", int(c))
}

// Recovery holds the sticky markers of a slot: whether the application
// disconnected from the card and whether a command failed and the slot waits
// for a recovery point.
type Recovery int

const (
	RecoveryNone Recovery = iota
	RecoveryDisconnected
	RecoveryFaulted
	RecoveryDisconnectedFaulted
)

func makeRecovery(disconnected, faulted bool) Recovery {
	switch {
	case disconnected && faulted:
		return RecoveryDisconnectedFaulted
	case disconnected:
		return RecoveryDisconnected
	case faulted:
		return RecoveryFaulted
	}
	return RecoveryNone
}

func (r Recovery) Disconnected() bool {
	return r == RecoveryDisconnected || r == RecoveryDisconnectedFaulted
}

func (r Recovery) Faulted() bool {
	return r == RecoveryFaulted || r == RecoveryDisconnectedFaulted
}

func (r Recovery) withDisconnected(v bool) Recovery {
	return makeRecovery(v, r.Faulted())
}

func (r Recovery) withFault(v bool) Recovery {
	return makeRecovery(r.Disconnected(), v)
}

func (r Recovery) String() string {
	switch r {
	case RecoveryNone:
		return "none"
	case RecoveryDisconnected:
		return "disconnected"
	case RecoveryFaulted:
		return "faulted"
	case RecoveryDisconnectedFaulted:
		return "disconnected-faulted"
	}
	return fmt.Sprintf("Recovery(%d)", int(r))
}

// slotState is the complete state of a slot, excluding its channel.
type slotState struct {
	card     CardState
	recovery Recovery
}

// apply returns the state after a status notification.
//
//	absent:   empty, markers kept
//	present:  present, power and markers kept
//	removed:  empty, fault cleared
//	inserted: present unpowered, both markers cleared
func (s slotState) apply(status SlotStatus) slotState {
	switch status {
	case CardAbsent:
		s.card = CardEmpty
	case CardPresent:
		if s.card == CardEmpty {
			s.card = CardUnpowered
		}
	case CardRemoved:
		s.card = CardEmpty
		s.recovery = s.recovery.withFault(false)
	case CardInserted:
		s.card = CardUnpowered
		s.recovery = RecoveryNone
	}
	return s
}

// ChannelState is the power state of a channel.
type ChannelState int

const (
	ChannelActive ChannelState = iota
	ChannelUnpowered
)

func (c ChannelState) String() string {
	if c == ChannelUnpowered {
		return "unpowered"
	}
	return "active"
}
