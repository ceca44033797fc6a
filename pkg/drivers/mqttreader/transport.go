package mqttreader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"scard/pkg/scard"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

var ErrNotConnected = errors.New("not connected to MQTT broker")

type Config struct {
	Broker    string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
}

// createMQTTClient initializes and connects a new MQTT client.
func createMQTTClient(cfg Config) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(cfg.ClientID)
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %v", token.Error())
	}
	return client, nil
}

// Transport talks to a reader device bridged on an MQTT broker. Commands are
// published as JSON under <root>/commands and matched with the answers
// received under <root>/responses by their id. Unsolicited device messages
// arrive under <root>/notifications.
type Transport struct {
	client mqtt.Client
	config Config
	logger log.FieldLogger

	seq atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]chan responseMsg
	notes   *scard.NotificationQueue
	closed  bool
}

// Dial connects to the broker and subscribes to the device topics.
func Dial(cfg Config, logger log.FieldLogger) (*Transport, error) {
	client, err := createMQTTClient(cfg)
	if err != nil {
		return nil, err
	}
	t, err := New(client, cfg, logger)
	if err != nil {
		client.Disconnect(100)
		return nil, err
	}
	return t, nil
}

// New creates a transport on an already connected client.
func New(client mqtt.Client, cfg Config, logger log.FieldLogger) (*Transport, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if !client.IsConnected() {
		return nil, ErrNotConnected
	}

	t := &Transport{
		client:  client,
		config:  cfg,
		logger:  logger.WithField("component", "mqtt"),
		pending: make(map[uint32]chan responseMsg),
		notes:   scard.NewNotificationQueue(),
	}

	if token := client.Subscribe(t.topic("responses"), 1, t.responseHandler); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to subscribe to responses topic: %v", token.Error())
	}
	if token := client.Subscribe(t.topic("notifications"), 1, t.notificationHandler); token.Wait() && token.Error() != nil {
		client.Unsubscribe(t.topic("responses"))
		return nil, fmt.Errorf("failed to subscribe to notifications topic: %v", token.Error())
	}

	t.logger.Infof("Subscribed to %s", t.topic("#"))
	return t, nil
}

func (t *Transport) topic(name string) string {
	return t.config.TopicRoot + "/" + name
}

func (t *Transport) Notifications() <-chan scard.Notification {
	return t.notes.C()
}

// Exchange publishes a command and waits for the matching response or for
// ctx to be done.
func (t *Transport) Exchange(ctx context.Context, cmd scard.Command) ([]byte, error) {
	if !t.client.IsConnected() {
		return nil, ErrNotConnected
	}

	msg := commandMsg{
		ID:   t.seq.Add(1),
		Op:   cmd.Op.String(),
		Slot: cmd.Slot,
		Data: hexBytes(cmd.Data),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	respChan := make(chan responseMsg, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, scard.ErrClosed
	}
	t.pending[msg.ID] = respChan
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, msg.ID)
		t.mu.Unlock()
	}()

	t.logger.Debugf("Sending command: %s", payload)
	if token := t.client.Publish(t.topic("commands"), 1, false, payload); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to publish command: %v", token.Error())
	}

	select {
	case resp := <-respChan:
		t.logger.Debugf("Response: %+v", resp)
		return resp.result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Transport) responseHandler(client mqtt.Client, msg mqtt.Message) {
	var resp responseMsg
	if err := json.Unmarshal(msg.Payload(), &resp); err != nil {
		t.logger.Errorf("Failed to unmarshal response: %v", err)
		return
	}

	t.mu.Lock()
	respChan, ok := t.pending[resp.ID]
	delete(t.pending, resp.ID)
	t.mu.Unlock()

	if !ok {
		t.logger.Warnf("Response for unknown command id %d", resp.ID)
		return
	}
	respChan <- resp
}

func (t *Transport) notificationHandler(client mqtt.Client, msg mqtt.Message) {
	var nm notificationMsg
	if err := json.Unmarshal(msg.Payload(), &nm); err != nil {
		t.logger.Errorf("Failed to unmarshal notification: %v", err)
		return
	}
	n, err := nm.notification()
	if err != nil {
		t.logger.Errorf("Invalid notification: %v", err)
		return
	}

	if !t.notes.Push(n) {
		t.logger.Debugf("Ignoring %s after close", n.Kind)
	}
}

// Close unsubscribes and disconnects from the broker.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	t.notes.Close()

	if t.client.IsConnected() {
		t.client.Unsubscribe(t.topic("responses"), t.topic("notifications"))
		t.client.Disconnect(100)
	}
	t.logger.Info("Disconnected from MQTT broker")
	return nil
}
