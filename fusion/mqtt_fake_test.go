package fusion

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an already-completed mqtt.Token
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type sentMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// fakeBroker is an in-memory mqtt.Client that records publishes and routes
// injected messages to subscribers
type fakeBroker struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	handlers   map[string]mqtt.MessageHandler
	sent       []sentMessage
}

func newFakeBroker(connected bool) *fakeBroker {
	return &fakeBroker{connected: connected, handlers: make(map[string]mqtt.MessageHandler)}
}

func (b *fakeBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBroker) IsConnectionOpen() bool { return b.IsConnected() }

func (b *fakeBroker) Connect() mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return doneToken{}
}

func (b *fakeBroker) Disconnect(uint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
}

func (b *fakeBroker) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return doneToken{err: mqtt.ErrNotConnected}
	}
	if b.publishErr != nil {
		return doneToken{err: b.publishErr}
	}
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	}
	b.sent = append(b.sent, sentMessage{Topic: topic, Payload: data, QoS: qos, Retain: retained})
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = callback
	return doneToken{}
}

func (b *fakeBroker) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range filters {
		b.handlers[topic] = callback
	}
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) mqtt.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.handlers, topic)
	}
	return doneToken{}
}

func (b *fakeBroker) AddRoute(topic string, callback mqtt.MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = callback
}

func (b *fakeBroker) OptionsReader() mqtt.ClientOptionsReader {
	return mqtt.ClientOptionsReader{}
}

// deliver hands payload to the subscriber of topic, if any
func (b *fakeBroker) deliver(topic string, payload []byte) bool {
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	if !ok {
		return false
	}
	h(b, &inboundMessage{topic: topic, payload: payload})
	return true
}

func (b *fakeBroker) messages() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

// inboundMessage implements mqtt.Message
type inboundMessage struct {
	topic   string
	payload []byte
}

func (m *inboundMessage) Duplicate() bool   { return false }
func (m *inboundMessage) Qos() byte         { return 1 }
func (m *inboundMessage) Retained() bool    { return false }
func (m *inboundMessage) Topic() string     { return m.topic }
func (m *inboundMessage) MessageID() uint16 { return 0 }
func (m *inboundMessage) Payload() []byte   { return m.payload }
func (m *inboundMessage) Ack()              {}
