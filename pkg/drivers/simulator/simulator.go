package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"scard/pkg/scard"

	log "github.com/sirupsen/logrus"
)

const firmwareVersion = "SIM-READER 1.0"

var (
	cmdGetVersion = []byte{0x58, 0x20}             // Control: read firmware version
	apduGetUID    = []byte{0xFF, 0xCA, 0x00, 0x00} // Transmit: read the card serial number
	swSuccess     = []byte{0x90, 0x00}
	swWrongP1P2   = []byte{0x6B, 0x00}
)

var ErrUnknownSlot = errors.New("simulator: unknown slot")

// Card is a simulated card.
type Card struct {
	ATR  []byte
	UID  []byte
	Mute bool // The card never answers
}

type slot struct {
	card    *Card
	powered bool
	changed bool
}

// Simulator is an in-memory multi-slot reader implementing scard.Transport.
type Simulator struct {
	logger log.FieldLogger

	mu     sync.Mutex
	slots  []slot
	asleep bool
	closed bool
	notes  *scard.NotificationQueue
}

func New(slots int, logger log.FieldLogger) *Simulator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Simulator{
		logger: logger.WithField("component", "simulator"),
		slots:  make([]slot, slots),
		notes:  scard.NewNotificationQueue(),
	}
}

func (s *Simulator) Notifications() <-chan scard.Notification {
	return s.notes.C()
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.notes.Close()
	s.logger.Info("Closing simulator")
	return nil
}

// Insert puts a card in a slot, replacing any card already there.
func (s *Simulator) Insert(index int, card Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return ErrUnknownSlot
	}
	s.logger.Infof("Card %X inserted in slot %d", card.ATR, index)
	s.slots[index] = slot{card: &card, changed: true}
	s.notifySlotChange()
	return nil
}

func (s *Simulator) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return ErrUnknownSlot
	}
	s.logger.Infof("Card removed from slot %d", index)
	s.slots[index] = slot{changed: true}
	s.notifySlotChange()
	return nil
}

// SetMute makes the card in a slot stop or resume answering.
func (s *Simulator) SetMute(index int, mute bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.slots) {
		return ErrUnknownSlot
	}
	if s.slots[index].card == nil {
		return scard.ErrNoCard
	}
	s.slots[index].card.Mute = mute
	return nil
}

// Sleep powers every card down and reports it to the host. The next command
// wakes the device up.
func (s *Simulator) Sleep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info("Device going to sleep")
	s.asleep = true
	for i := range s.slots {
		s.slots[i].powered = false
	}
	s.notify(scard.Notification{Kind: scard.NotifySleep})
}

// Refresh sends a steady state slot change notification.
func (s *Simulator) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifySlotChange()
}

func (s *Simulator) Exchange(ctx context.Context, cmd scard.Command) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, scard.ErrClosed
	}
	if s.asleep {
		s.asleep = false
		s.logger.Info("Device woke up")
		s.notify(scard.Notification{Kind: scard.NotifyWakeup})
	}

	if cmd.Op == scard.OpControl {
		return s.control(cmd.Data), nil
	}

	if cmd.Slot < 0 || cmd.Slot >= len(s.slots) {
		return nil, ErrUnknownSlot
	}
	sl := &s.slots[cmd.Slot]
	if sl.card == nil {
		return nil, scard.ErrNoCard
	}

	switch cmd.Op {
	case scard.OpConnect, scard.OpReconnect:
		if sl.card.Mute {
			return nil, scard.ErrCardMute
		}
		sl.powered = true
		return append([]byte(nil), sl.card.ATR...), nil

	case scard.OpDisconnect:
		sl.powered = false
		return []byte{}, nil

	case scard.OpTransmit:
		if !sl.powered {
			return nil, scard.ErrCardUnpowered
		}
		if sl.card.Mute {
			return nil, scard.ErrCardMute
		}
		return transmit(sl.card, cmd.Data), nil
	}
	return nil, fmt.Errorf("simulator: unsupported operation %s", cmd.Op)
}

func (s *Simulator) control(data []byte) []byte {
	if bytes.Equal(data, cmdGetVersion) {
		return []byte(firmwareVersion)
	}
	return []byte{0x00}
}

func transmit(card *Card, apdu []byte) []byte {
	if bytes.HasPrefix(apdu, apduGetUID) {
		if len(card.UID) == 0 {
			return append([]byte(nil), swWrongP1P2...)
		}
		return append(append([]byte(nil), card.UID...), swSuccess...)
	}
	return append([]byte(nil), swSuccess...)
}

// notifySlotChange must be called with the lock held.
func (s *Simulator) notifySlotChange() {
	payload := make([]byte, (len(s.slots)+3)/4)
	for i := range s.slots {
		var bits byte
		if s.slots[i].card != nil {
			bits |= 0x01
		}
		if s.slots[i].changed {
			bits |= 0x02
			s.slots[i].changed = false
		}
		payload[i/4] |= bits << (2 * (i % 4))
	}
	s.notify(scard.Notification{Kind: scard.NotifySlotChange, Payload: payload})
}

// notify must be called with the lock held.
func (s *Simulator) notify(n scard.Notification) {
	s.notes.Push(n)
}
