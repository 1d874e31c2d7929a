package fusion

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const defaultMQTTPrefix = "posefuse"

// CommandHandler is called for every command received on <prefix>/command
type CommandHandler func(command string)

// MQTTClient manages the broker connection and the command subscription
type MQTTClient struct {
	client         mqtt.Client
	prefix         string
	commandHandler CommandHandler
	isConnected    bool
	stop           chan struct{}
	stopOnce       sync.Once
	mu             sync.RWMutex
}

// InitMQTT connects to the broker named by MQTT_BROKER or cfg.Broker.
// If neither is set, MQTT is disabled and this returns nil, nil.
func InitMQTT(cfg MQTTConfig, handler CommandHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		broker = cfg.Broker
	}
	if broker == "" {
		L().Info("[MQTT] Disabled: no broker configured")
		return nil, nil
	}
	if !strings.Contains(broker, "://") {
		return nil, fmt.Errorf("mqtt broker %q must include a scheme, e.g. tcp://host:1883", broker)
	}

	c := &MQTTClient{
		prefix:         resolvePrefix(cfg.PublishPrefix),
		commandHandler: handler,
		stop:           make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = defaultMQTTPrefix
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" {
		username = cfg.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" {
			password = cfg.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)

	c.client = mqtt.NewClient(opts)

	go c.connectWithRetry()

	return c, nil
}

// resolvePrefix applies the MQTT_PUBLISH_PREFIX override and the default
func resolvePrefix(configured string) string {
	if prefix := os.Getenv("MQTT_PUBLISH_PREFIX"); prefix != "" {
		return prefix
	}
	if configured != "" {
		return configured
	}
	return defaultMQTTPrefix
}

// connectWithRetry attempts to connect with exponential backoff until
// connected or disconnected
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		L().Info("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				L().Info("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			L().Warnf("[MQTT] Connection failed: %v", token.Error())
		} else {
			L().Warn("[MQTT] Connection timeout")
		}

		L().Infof("[MQTT] Retrying connection in %v...", retryDelay)
		select {
		case <-c.stop:
			return
		case <-time.After(retryDelay):
		}
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// CommandTopic is where remote commands such as "reset" arrive
func (c *MQTTClient) CommandTopic() string {
	return c.prefix + "/command"
}

// Prefix returns the topic prefix shared with the publisher
func (c *MQTTClient) Prefix() string {
	return c.prefix
}

// onConnect subscribes to the command topic; it runs again after every reconnect
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)
	if c.commandHandler == nil {
		return
	}

	topic := c.CommandTopic()
	token := client.Subscribe(topic, 1, c.handleCommand)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		L().Errorf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
		return
	}
	L().Infof("[MQTT] Subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	L().Warnf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	L().Info("[MQTT] Reconnecting...")
}

type commandPayload struct {
	Command string `json:"command"`
}

// handleCommand accepts {"command":"reset"}, a JSON string or a raw string
func (c *MQTTClient) handleCommand(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()

	var command string
	var obj commandPayload
	var str string
	switch {
	case json.Unmarshal(payload, &obj) == nil:
		command = obj.Command
	case json.Unmarshal(payload, &str) == nil:
		command = str
	default:
		command = string(payload)
	}
	command = strings.ToLower(strings.TrimSpace(command))
	if command == "" {
		L().Warnf("[MQTT] Empty command on %s, skipping", msg.Topic())
		return
	}

	L().Infof("[MQTT] Received command %q", command)
	c.commandHandler(command)
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops connection retries and closes the connection
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.client != nil && c.client.IsConnected() {
		L().Info("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client; used by tests
func newMQTTClientWithMock(client mqtt.Client, prefix string, handler CommandHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		prefix:         prefix,
		commandHandler: handler,
		stop:           make(chan struct{}),
	}
}
