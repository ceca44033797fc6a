package scard

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Reader is one physical slot of the device. Readers are created by the
// ReaderList; two readers are the same slot if they have the same index.
type Reader struct {
	index    int
	name     string
	registry Registry
	logger   log.FieldLogger

	mu      sync.Mutex
	state   slotState
	channel *Channel
}

// NewReader creates an empty slot. A nil registry makes every request a
// logged no-op.
func NewReader(registry Registry, index int, name string, logger log.FieldLogger) *Reader {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Reader{
		index:    index,
		name:     name,
		registry: registry,
		logger:   logger.WithField("slot", index),
	}
}

func (r *Reader) Index() int {
	return r.index
}

func (r *Reader) Name() string {
	return r.name
}

// CardPresent reports whether a card is detected in the slot.
func (r *Reader) CardPresent() bool {
	return r.CardState().Present()
}

// CardPowered reports whether the application powered the card.
func (r *Reader) CardPowered() bool {
	return r.CardState().Powered()
}

func (r *Reader) CardState() CardState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.card
}

func (r *Reader) Recovery() Recovery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.recovery
}

// Disconnected reports whether the application explicitly disconnected from
// the card since the last insertion or reconnect.
func (r *Reader) Disconnected() bool {
	return r.Recovery().Disconnected()
}

// InError reports whether a command on this slot failed and no recovery
// point happened since.
func (r *Reader) InError() bool {
	return r.Recovery().Faulted()
}

// Channel returns the current channel, or nil if the application never
// connected to the card.
func (r *Reader) Channel() *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channel
}

// Equal compares readers by slot index only.
func (r *Reader) Equal(other *Reader) bool {
	if r == nil || other == nil {
		return r == other
	}
	return r.index == other.index
}

func (r *Reader) String() string {
	return fmt.Sprintf("%s (slot %d)", r.name, r.index)
}

// Control sends a command to the device itself. The response is delivered
// as an EventControl.
func (r *Reader) Control(command []byte) {
	if r.registry == nil {
		r.logger.Warn("Control on a reader without registry")
		return
	}
	r.registry.SubmitControl(command)
}

// CardConnect powers the card up and opens a channel. The result is
// delivered as an EventConnect carrying the new channel.
func (r *Reader) CardConnect() {
	if r.registry == nil {
		r.logger.Warn("CardConnect on a reader without registry")
		return
	}
	r.registry.SubmitConnect(r.index)
}

// applyStatus runs a status notification through the slot state machine.
// Insertion and removal also clear the ATR of the current channel.
func (r *Reader) applyStatus(status SlotStatus) (before, after CardState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	before = r.state.card
	r.state = r.state.apply(status)
	if status.Edge() && r.channel != nil {
		r.channel.clearATR()
	}
	r.logger.Debugf("Status %s: %s -> %s (recovery %s)", status, before, r.state.card, r.state.recovery)
	return before, r.state.card
}

func (r *Reader) setNewChannel(c *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = c
}

// unpower marks the current channel unpowered, if there is one.
func (r *Reader) unpower() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel != nil {
		r.channel.markUnpowered()
	}
}

// refreshATR gives the current channel a fresh ATR after a reconnect.
func (r *Reader) refreshATR(atr []byte) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channel == nil {
		r.channel = newChannel(r, atr)
	} else {
		r.channel.setATR(atr)
	}
	return r.channel
}

// setCardPowered is a recovery point. It has no effect on an empty slot.
func (r *Reader) setCardPowered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.recovery = r.state.recovery.withFault(false)
	if r.state.card.Present() {
		r.state.card = CardPowered
	}
}

func (r *Reader) setCardUnpowered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.card == CardPowered {
		r.state.card = CardUnpowered
	}
}

func (r *Reader) setDisconnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.recovery = r.state.recovery.withDisconnected(true)
}

// setConnected is a recovery point.
func (r *Reader) setConnected() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.recovery = RecoveryNone
}

func (r *Reader) setInError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.recovery = r.state.recovery.withFault(true)
}

func (r *Reader) setNotInError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.recovery = r.state.recovery.withFault(false)
}

// ChannelInfo is the read model of a channel.
type ChannelInfo struct {
	ATR          string `json:"ATR"`
	FriendlyName string `json:"FriendlyName"`
	Unpowered    bool   `json:"Unpowered"`
}

// ReaderInfo is the read model of a slot.
type ReaderInfo struct {
	Index        int          `json:"Index"`
	Name         string       `json:"Name"`
	CardPresent  bool         `json:"CardPresent"`
	CardPowered  bool         `json:"CardPowered"`
	State        string       `json:"State"`
	Disconnected bool         `json:"Disconnected"`
	InError      bool         `json:"InError"`
	Channel      *ChannelInfo `json:"Channel,omitempty"`
}

// Snapshot returns a consistent copy of the slot state.
func (r *Reader) Snapshot() ReaderInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := ReaderInfo{
		Index:        r.index,
		Name:         r.name,
		CardPresent:  r.state.card.Present(),
		CardPowered:  r.state.card.Powered(),
		State:        r.state.card.String(),
		Disconnected: r.state.recovery.Disconnected(),
		InError:      r.state.recovery.Faulted(),
	}
	if c := r.channel; c != nil {
		atr := hexString(c.atr)
		info.Channel = &ChannelInfo{
			ATR:          atr,
			FriendlyName: "Tag-" + atr,
			Unpowered:    c.state == ChannelUnpowered,
		}
	}
	return info
}
