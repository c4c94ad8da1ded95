//go:build !no_mqtt

// Package mqtt connects the engine to a chat host over an MQTT broker.
//
// Inbound chat rows arrive on <prefix>/message/in. Outbound messages are
// published to <prefix>/send/<kind> and engine events are mirrored to
// <prefix>/events/<type>.
package mqtt

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"hostscript/internal/events"
)

// publishTimeout bounds how long a send waits for broker acknowledgement.
const publishTimeout = 5 * time.Second

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// MessageHandler receives inbound chat rows.
type MessageHandler interface {
	OnMessage(talker, content string, msgType int32, isSend bool) bool
}

// client is the part of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload any) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge is an automation.Sender publishing to MQTT and a source of
// inbound messages.
type Bridge struct {
	client client
	prefix string
	logger *slog.Logger
	unsub  func()

	mu      sync.RWMutex
	handler MessageHandler
}

// NewBridge creates and connects an MQTT bridge. handler may be nil, in
// which case inbound messages are not subscribed.
func NewBridge(cfg Config, handler MessageHandler, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		prefix:  normalizePrefix(cfg.TopicPrefix),
		logger:  logger.With("component", "mqtt"),
		handler: handler,
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "hostscript"
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(stateTopic(b.prefix), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.subscribeInbound()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return b, nil
}

// SetHandler replaces the inbound message handler and subscribes the
// inbound topic if the bridge had none.
func (b *Bridge) SetHandler(h MessageHandler) {
	b.mu.Lock()
	had := b.handler != nil
	b.handler = h
	b.mu.Unlock()
	if !had && h != nil {
		b.subscribeInbound()
	}
}

func (b *Bridge) currentHandler() MessageHandler {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.handler
}

// Start mirrors bus events to MQTT.
func (b *Bridge) Start(bus *events.Bus) {
	if bus != nil {
		b.unsub = bus.OnAll(b.handleEvent)
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	msg := EventMessage{
		Type:  event.Type,
		Trace: event.Trace,
		Time:  event.Time.Format(time.RFC3339Nano),
		Data:  event.Data,
	}
	b.publish(eventTopic(b.prefix, event.Type), mustJSON(msg), false)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(stateTopic(b.prefix), []byte(state), true)
}

func (b *Bridge) subscribeInbound() {
	if b.currentHandler() == nil {
		return
	}
	topic := inboundTopic(b.prefix)
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleInbound(msg.Payload())
	})
	b.logger.Info("subscribed inbound messages", "topic", topic)
}

func (b *Bridge) handleInbound(payload []byte) {
	msg, err := parseInbound(payload)
	if err != nil {
		b.logger.Warn("invalid inbound message", "err", err)
		return
	}
	h := b.currentHandler()
	if h == nil {
		return
	}
	// paho runs callbacks on its router goroutine; scripts may block on
	// http or sleep, so dispatch off it.
	go h.OnMessage(msg.Talker, msg.Content, msg.Type, msg.IsSend)
}

// publish fires and forgets; failures are logged.
func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// send publishes cmd and waits for the broker to acknowledge it.
func (b *Bridge) send(cmd SendCommand) bool {
	topic := sendTopic(b.prefix, cmd.Kind)
	token := b.client.Publish(topic, 1, false, mustJSON(cmd))
	if !token.WaitTimeout(publishTimeout) {
		b.logger.Warn("MQTT send timeout", "topic", topic, "to", cmd.To)
		return false
	}
	if err := token.Error(); err != nil {
		b.logger.Warn("MQTT send error", "topic", topic, "to", cmd.To, "err", err)
		return false
	}
	return true
}

func (b *Bridge) SendText(to, text string) bool {
	return b.send(SendCommand{Kind: "text", To: to, Content: text})
}

func (b *Bridge) SendImage(to, path string) bool {
	return b.send(SendCommand{Kind: "image", To: to, Path: path})
}

func (b *Bridge) SendFile(to, path, title string) bool {
	return b.send(SendCommand{Kind: "file", To: to, Path: path, Title: title})
}

func (b *Bridge) SendVoice(to, path string, durationMs int32) bool {
	return b.send(SendCommand{Kind: "voice", To: to, Path: path, Duration: durationMs})
}

func (b *Bridge) SendXMLAppMsg(to, xml string) bool {
	return b.send(SendCommand{Kind: "appmsg", To: to, Content: xml})
}
