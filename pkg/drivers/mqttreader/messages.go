package mqttreader

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"scard/pkg/scard"
)

// hexBytes is a byte slice carried as a hexadecimal string.
type hexBytes []byte

func (h hexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.ToUpper(hex.EncodeToString(h)))
}

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return fmt.Errorf("invalid hex value %q: %v", s, err)
	}
	*h = b
	return nil
}

// commandMsg is published under the "commands" topic.
type commandMsg struct {
	ID   uint32   `json:"id"`
	Op   string   `json:"op"`
	Slot int      `json:"slot"`
	Data hexBytes `json:"data,omitempty"`
}

// Response status values.
const (
	statusOK        = "ok"
	statusNoCard    = "no_card"
	statusMute      = "mute"
	statusUnpowered = "unpowered"
	statusError     = "error"
)

// responseMsg is received under the "responses" topic, one per command.
type responseMsg struct {
	ID     uint32   `json:"id"`
	Status string   `json:"status"`
	Data   hexBytes `json:"data,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// result converts a response into the value returned by Exchange.
func (r responseMsg) result() ([]byte, error) {
	switch r.Status {
	case statusOK:
		if r.Data == nil {
			return []byte{}, nil
		}
		return []byte(r.Data), nil
	case statusNoCard:
		return nil, scard.ErrNoCard
	case statusMute:
		return nil, scard.ErrCardMute
	case statusUnpowered:
		return nil, scard.ErrCardUnpowered
	}
	if r.Error != "" {
		return nil, fmt.Errorf("device error: %s", r.Error)
	}
	return nil, fmt.Errorf("device error: status %q", r.Status)
}

// Notification kinds.
const (
	kindSlotChange = "slot_change"
	kindSleep      = "sleep"
	kindWakeup     = "wakeup"
)

// notificationMsg is received under the "notifications" topic.
type notificationMsg struct {
	Kind string   `json:"kind"`
	Data hexBytes `json:"data,omitempty"`
}

func (n notificationMsg) notification() (scard.Notification, error) {
	switch n.Kind {
	case kindSlotChange:
		if len(n.Data) == 0 {
			return scard.Notification{}, fmt.Errorf("slot change without bitmap")
		}
		return scard.Notification{Kind: scard.NotifySlotChange, Payload: []byte(n.Data)}, nil
	case kindSleep:
		return scard.Notification{Kind: scard.NotifySleep}, nil
	case kindWakeup:
		return scard.Notification{Kind: scard.NotifyWakeup}, nil
	}
	return scard.Notification{}, fmt.Errorf("unknown notification kind %q", n.Kind)
}
