package scard

import (
	"encoding/hex"
	"strings"
)

// Channel is an open communication session with the card in a slot. It is
// obtained from the Event that reports a successful connect.
//
// The channel state is guarded by the owning reader.
type Channel struct {
	reader *Reader
	atr    []byte
	state  ChannelState
}

func newChannel(reader *Reader, atr []byte) *Channel {
	return &Channel{
		reader: reader,
		atr:    cloneBytes(atr),
		state:  ChannelActive,
	}
}

// Reader returns the slot this channel belongs to.
func (c *Channel) Reader() *Reader {
	return c.reader
}

// ATR returns a copy of the card's answer to reset. It is empty while the
// channel is unpowered.
func (c *Channel) ATR() []byte {
	c.reader.mu.Lock()
	defer c.reader.mu.Unlock()
	return cloneBytes(c.atr)
}

func (c *Channel) ATRHex() string {
	return hexString(c.ATR())
}

func (c *Channel) FriendlyName() string {
	return "Tag-" + c.ATRHex()
}

// IsUnpowered reports whether the channel was unpowered, typically because
// the device went to sleep, and has not been reconnected since.
func (c *Channel) IsUnpowered() bool {
	return c.State() == ChannelUnpowered
}

func (c *Channel) State() ChannelState {
	c.reader.mu.Lock()
	defer c.reader.mu.Unlock()
	return c.state
}

// Equal reports whether both channels belong to the same slot.
func (c *Channel) Equal(other *Channel) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.reader.Equal(other.reader)
}

// Transmit sends a command APDU to the card. The response is delivered as an
// EventTransmit.
func (c *Channel) Transmit(command []byte) {
	r := c.reader
	if r.registry == nil {
		r.logger.Warn("Transmit on a reader without registry")
		return
	}
	r.registry.SubmitTransmit(r.index, command)
}

// CardDisconnect closes the session and powers the card down. The result is
// delivered as an EventDisconnect.
func (c *Channel) CardDisconnect() {
	r := c.reader
	r.setDisconnected()
	if r.registry == nil {
		r.logger.Warn("CardDisconnect on a reader without registry")
		return
	}
	r.registry.SubmitDisconnect(r.index)
}

// CardReconnect reopens the session. The channel stays unpowered until the
// device answers with a fresh ATR, reported as an EventReconnect.
func (c *Channel) CardReconnect() {
	r := c.reader
	if r.registry == nil {
		r.logger.Warn("CardReconnect on a reader without registry")
		return
	}
	r.registry.SubmitReconnect(r.index)
}

// The following are called with the reader lock held.

func (c *Channel) clearATR() {
	c.atr = nil
}

func (c *Channel) markUnpowered() {
	c.clearATR()
	c.state = ChannelUnpowered
}

func (c *Channel) setATR(atr []byte) {
	c.atr = cloneBytes(atr)
	c.state = ChannelActive
}

func hexString(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
