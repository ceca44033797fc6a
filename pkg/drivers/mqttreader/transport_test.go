package mqttreader

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"scard/pkg/scard"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	mqtt.Token
	err error
}

func (t fakeToken) Wait() bool                     { return true }
func (t fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m fakeMessage) Topic() string   { return m.topic }
func (m fakeMessage) Payload() []byte { return m.payload }

// fakeClient routes published commands to a device function and delivers
// its answers to the subscribed handlers.
type fakeClient struct {
	mqtt.Client

	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []commandMsg
	device    func(cmd commandMsg) *responseMsg
	connected bool
}

func newFakeClient(device func(cmd commandMsg) *responseMsg) *fakeClient {
	return &fakeClient{
		handlers:  make(map[string]mqtt.MessageHandler),
		device:    device,
		connected: true,
	}
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = callback
	return fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range topics {
		delete(c.handlers, topic)
	}
	return fakeToken{}
}

func (c *fakeClient) Disconnect(quiesce uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	var cmd commandMsg
	if err := json.Unmarshal(payload.([]byte), &cmd); err != nil {
		return fakeToken{err: err}
	}

	c.mu.Lock()
	c.published = append(c.published, cmd)
	device := c.device
	c.mu.Unlock()

	if resp := device(cmd); resp != nil {
		data, _ := json.Marshal(resp)
		go c.deliver("scard/device/responses", data)
	}
	return fakeToken{}
}

func (c *fakeClient) deliver(topic string, payload []byte) {
	c.mu.Lock()
	handler := c.handlers[topic]
	c.mu.Unlock()
	if handler != nil {
		handler(c, fakeMessage{topic: topic, payload: payload})
	}
}

var testConfig = Config{TopicRoot: "scard/device"}

func TestExchange(t *testing.T) {
	client := newFakeClient(func(cmd commandMsg) *responseMsg {
		switch cmd.Op {
		case "connect":
			return &responseMsg{ID: cmd.ID, Status: statusOK, Data: hexBytes{0x3B, 0x80}}
		case "transmit":
			return &responseMsg{ID: cmd.ID, Status: statusMute}
		}
		return &responseMsg{ID: cmd.ID, Status: statusError, Error: "unsupported"}
	})
	tr, err := New(client, testConfig, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx := context.Background()
	atr, err := tr.Exchange(ctx, scard.Command{Op: scard.OpConnect, Slot: 1})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3B, 0x80}, atr)

	_, err = tr.Exchange(ctx, scard.Command{Op: scard.OpTransmit, Slot: 1, Data: []byte{0x00, 0xA4}})
	assert.ErrorIs(t, err, scard.ErrCardMute)

	_, err = tr.Exchange(ctx, scard.Command{Op: scard.OpControl, Slot: -1})
	assert.EqualError(t, err, "device error: unsupported")

	require.Len(t, client.published, 3)
	assert.Equal(t, "transmit", client.published[1].Op)
	assert.Equal(t, hexBytes{0x00, 0xA4}, client.published[1].Data)
	assert.NotEqual(t, client.published[0].ID, client.published[1].ID)
}

func TestExchangeTimeout(t *testing.T) {
	client := newFakeClient(func(cmd commandMsg) *responseMsg { return nil })
	tr, err := New(client, testConfig, nil)
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = tr.Exchange(ctx, scard.Command{Op: scard.OpConnect, Slot: 0})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, tr.pending)
}

func TestNotifications(t *testing.T) {
	client := newFakeClient(func(cmd commandMsg) *responseMsg { return nil })
	tr, err := New(client, testConfig, nil)
	require.NoError(t, err)

	client.deliver("scard/device/notifications", []byte(`{"kind":"slot_change","data":"07"}`))
	client.deliver("scard/device/notifications", []byte(`{"kind":"bogus"}`))
	client.deliver("scard/device/notifications", []byte(`{"kind":"sleep"}`))

	n := <-tr.Notifications()
	assert.Equal(t, scard.Notification{Kind: scard.NotifySlotChange, Payload: []byte{0x07}}, n)
	n = <-tr.Notifications()
	assert.Equal(t, scard.NotifySleep, n.Kind)

	require.NoError(t, tr.Close())
	_, ok := <-tr.Notifications()
	assert.False(t, ok)
	assert.False(t, client.IsConnected())

	// Late messages after close are ignored.
	assert.NotPanics(t, func() {
		client.deliver("scard/device/notifications", []byte(`{"kind":"sleep"}`))
	})
}

func TestNotificationsAreNeverDropped(t *testing.T) {
	client := newFakeClient(func(cmd commandMsg) *responseMsg { return nil })
	tr, err := New(client, testConfig, nil)
	require.NoError(t, err)
	defer tr.Close()

	// Alternating inserted/removed edges while nobody reads, as during a slow
	// exchange.
	const count = 40
	for i := 0; i < count; i++ {
		payload := `{"kind":"slot_change","data":"03"}`
		if i%2 == 1 {
			payload = `{"kind":"slot_change","data":"02"}`
		}
		client.deliver("scard/device/notifications", []byte(payload))
	}

	for i := 0; i < count; i++ {
		select {
		case n := <-tr.Notifications():
			want := byte(0x03)
			if i%2 == 1 {
				want = 0x02
			}
			require.Equal(t, []byte{want}, n.Payload, "notification %d", i)
		case <-time.After(2 * time.Second):
			t.Fatalf("got %d of %d notifications", i, count)
		}
	}
}

func TestNewRequiresConnection(t *testing.T) {
	client := newFakeClient(nil)
	client.connected = false
	_, err := New(client, testConfig, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestHexBytes(t *testing.T) {
	var h hexBytes
	require.NoError(t, json.Unmarshal([]byte(`"3b 8f 80"`), &h))
	assert.Equal(t, hexBytes{0x3B, 0x8F, 0x80}, h)
	assert.Error(t, json.Unmarshal([]byte(`"zz"`), &h))

	data, err := json.Marshal(hexBytes{0x90, 0x00})
	require.NoError(t, err)
	assert.Equal(t, `"9000"`, string(data))
}
