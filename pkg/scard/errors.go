package scard

import (
	"errors"
	"fmt"
)

var (
	ErrNoSuchSlot    = errors.New("no such slot")
	ErrNoCard        = errors.New("no card in slot")
	ErrNoChannel     = errors.New("no channel open on slot")
	ErrCardUnpowered = errors.New("card is not powered")
	ErrSlotInError   = errors.New("slot is in error")
	ErrSlotBusy      = errors.New("slot has a command outstanding")
	ErrClosed        = errors.New("reader list is closed")
	ErrTimeout       = errors.New("timeout waiting for device")
	ErrCardMute      = errors.New("card did not respond")
)

// CommandError is reported in Event.Err when a request on a slot failed.
type CommandError struct {
	Op   Op
	Slot int
	Err  error
}

func (e *CommandError) Error() string {
	if e.Slot < 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s on slot %d: %v", e.Op, e.Slot, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
