package simulator

import (
	"context"
	"testing"
	"time"

	"scard/pkg/scard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCard = Card{
	ATR: []byte{0x3B, 0x8F, 0x80, 0x01},
	UID: []byte{0x04, 0xA2, 0x1B, 0x7C},
}

func TestSlotChangeNotifications(t *testing.T) {
	sim := New(2, nil)

	require.NoError(t, sim.Insert(1, testCard))
	n := <-sim.Notifications()
	assert.Equal(t, scard.NotifySlotChange, n.Kind)

	statuses, err := scard.ParseSlotChange(n.Payload, 2)
	require.NoError(t, err)
	assert.Equal(t, []scard.SlotStatus{scard.CardAbsent, scard.CardInserted}, statuses)

	sim.Refresh()
	n = <-sim.Notifications()
	statuses, _ = scard.ParseSlotChange(n.Payload, 2)
	assert.Equal(t, []scard.SlotStatus{scard.CardAbsent, scard.CardPresent}, statuses)

	require.NoError(t, sim.Remove(1))
	n = <-sim.Notifications()
	statuses, _ = scard.ParseSlotChange(n.Payload, 2)
	assert.Equal(t, []scard.SlotStatus{scard.CardAbsent, scard.CardRemoved}, statuses)

	assert.ErrorIs(t, sim.Insert(5, testCard), ErrUnknownSlot)
}

func TestNotificationsQueueWhileNotRead(t *testing.T) {
	sim := New(1, nil)
	defer sim.Close()

	const cycles = 20
	for i := 0; i < cycles; i++ {
		require.NoError(t, sim.Insert(0, testCard))
		require.NoError(t, sim.Remove(0))
	}

	for i := 0; i < 2*cycles; i++ {
		select {
		case n := <-sim.Notifications():
			statuses, err := scard.ParseSlotChange(n.Payload, 1)
			require.NoError(t, err)
			want := scard.CardInserted
			if i%2 == 1 {
				want = scard.CardRemoved
			}
			require.Equal(t, want, statuses[0], "notification %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d notifications", i, 2*cycles)
		}
	}
}

func TestExchange(t *testing.T) {
	sim := New(1, nil)
	ctx := context.Background()

	_, err := sim.Exchange(ctx, scard.Command{Op: scard.OpConnect, Slot: 0})
	assert.ErrorIs(t, err, scard.ErrNoCard)

	require.NoError(t, sim.Insert(0, testCard))

	_, err = sim.Exchange(ctx, scard.Command{Op: scard.OpTransmit, Slot: 0, Data: []byte{0x00}})
	assert.ErrorIs(t, err, scard.ErrCardUnpowered)

	atr, err := sim.Exchange(ctx, scard.Command{Op: scard.OpConnect, Slot: 0})
	require.NoError(t, err)
	assert.Equal(t, testCard.ATR, atr)

	resp, err := sim.Exchange(ctx, scard.Command{Op: scard.OpTransmit, Slot: 0, Data: []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04, 0xA2, 0x1B, 0x7C, 0x90, 0x00}, resp)

	resp, err = sim.Exchange(ctx, scard.Command{Op: scard.OpControl, Slot: -1, Data: []byte{0x58, 0x20}})
	require.NoError(t, err)
	assert.Equal(t, firmwareVersion, string(resp))

	require.NoError(t, sim.SetMute(0, true))
	_, err = sim.Exchange(ctx, scard.Command{Op: scard.OpTransmit, Slot: 0, Data: []byte{0x00}})
	assert.ErrorIs(t, err, scard.ErrCardMute)
}

func TestWithReaderList(t *testing.T) {
	sim := New(2, nil)
	list := scard.NewReaderList(sim, []string{"Contactless", "Contact"}, scard.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- list.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Wakeup events are reported whenever a command wakes the device.
	next := func() scard.Event {
		for {
			select {
			case ev := <-list.Events():
				if ev.Kind == scard.EventWakeup {
					continue
				}
				return ev
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for event")
				return scard.Event{}
			}
		}
	}

	require.NoError(t, sim.Insert(0, testCard))
	ev := next()
	require.Equal(t, scard.EventSlotStatus, ev.Kind)
	assert.Equal(t, scard.CardInserted, ev.Status)

	reader, err := list.Reader(0)
	require.NoError(t, err)
	reader.CardConnect()

	ev = next()
	require.NoError(t, ev.Err)
	require.NotNil(t, ev.Channel)
	assert.Equal(t, "Tag-3B8F8001", ev.Channel.FriendlyName())

	ch := ev.Channel
	ch.Transmit([]byte{0xFF, 0xCA, 0x00, 0x00, 0x00})
	ev = next()
	require.NoError(t, ev.Err)
	assert.Equal(t, []byte{0x04, 0xA2, 0x1B, 0x7C, 0x90, 0x00}, ev.Data)

	sim.Sleep()
	ev = next()
	assert.Equal(t, scard.EventSleep, ev.Kind)
	assert.True(t, ch.IsUnpowered())

	ch.CardReconnect()
	ev = next()
	assert.Equal(t, scard.EventReconnect, ev.Kind)
	require.NoError(t, ev.Err)
	assert.False(t, ch.IsUnpowered())

	require.NoError(t, sim.Remove(0))
	ev = next()
	assert.Equal(t, scard.CardRemoved, ev.Status)
	assert.False(t, reader.CardPresent())
	assert.False(t, reader.CardPowered())
}
