package scard

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSlotChange(t *testing.T) {
	tests := []struct {
		name        string
		payload     []byte
		slots       int
		expected    []SlotStatus
		expectError bool
	}{
		{
			name:     "Single slot inserted",
			payload:  []byte{0x03},
			slots:    1,
			expected: []SlotStatus{CardInserted},
		},
		{
			name:     "Four slots in one byte",
			payload:  []byte{0xE4}, // 11 10 01 00
			slots:    4,
			expected: []SlotStatus{CardAbsent, CardPresent, CardRemoved, CardInserted},
		},
		{
			name:     "Fifth slot in second byte",
			payload:  []byte{0x00, 0x02},
			slots:    5,
			expected: []SlotStatus{CardAbsent, CardAbsent, CardAbsent, CardAbsent, CardRemoved},
		},
		{
			name:     "Extra bits ignored",
			payload:  []byte{0xFD},
			slots:    1,
			expected: []SlotStatus{CardPresent},
		},
		{
			name:        "Payload too short",
			payload:     []byte{0x03},
			slots:       5,
			expectError: true,
		},
		{
			name:        "No slots",
			payload:     []byte{0x03},
			slots:       0,
			expectError: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseSlotChange(tc.payload, tc.slots)
			if tc.expectError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestSlotStatusEdge(t *testing.T) {
	assert.False(t, CardAbsent.Edge())
	assert.False(t, CardPresent.Edge())
	assert.True(t, CardRemoved.Edge())
	assert.True(t, CardInserted.Edge())
	assert.Equal(t, "inserted", CardInserted.String())
}

func TestRecovery(t *testing.T) {
	assert.Equal(t, RecoveryNone, makeRecovery(false, false))
	assert.Equal(t, RecoveryDisconnectedFaulted, RecoveryDisconnected.withFault(true))
	assert.Equal(t, RecoveryFaulted, RecoveryDisconnectedFaulted.withDisconnected(false))
	assert.True(t, RecoveryFaulted.Faulted())
	assert.False(t, RecoveryFaulted.Disconnected())
}
