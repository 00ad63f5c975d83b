/*
SPDX-FileCopyrightText: Copyright (c) 2026 Meek Vision Project. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

// Package bus is the controller's adapter over the MQTT broker shared with
// the worker fleet: connection lifecycle with backoff reconnect, publish
// with bounded acknowledgment waits, persistent subscriptions, the inbound
// priority queue and the message router.
package bus

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/meek-vision/meek/internal/messages"
	"github.com/meek-vision/meek/utils"
)

// ErrNotConnected is returned by Publish while the broker link is down.
// Callers that need delivery must retry through the retry queue; the client
// itself never queues.
var ErrNotConnected = errors.New("bus: not connected to broker")

// ErrAckTimeout is returned when the broker does not acknowledge a publish
// within the wait deadline.
var ErrAckTimeout = errors.New("bus: publish acknowledgment timeout")

// InboundFunc receives raw inbound messages. It must not block: implementors
// enqueue and return.
type InboundFunc func(topic string, payload []byte)

// Config holds broker connection configuration.
type Config struct {
	Host                  string
	Port                  int
	Username              string
	Password              string
	ClientID              string
	TopicPrefix           string
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectRetries   int
	PublishTimeout        time.Duration
}

// Client wraps the MQTT connection. Connect and Disconnect are idempotent;
// an unexpected drop enters an exponential-backoff reconnect loop until the
// link is restored, the retry cap is hit, or Disconnect is called.
type Client struct {
	cfg    Config
	topics Topics
	logger *slog.Logger

	mqtt mqtt.Client

	mu            sync.Mutex
	subscriptions map[string]subscription
	connected     bool
	stopping      bool
	reconnecting  bool

	// onReconnectExhausted is invoked once the retry cap is reached. The
	// controller keeps operating its database-only functions.
	onReconnectExhausted func()
}

type subscription struct {
	qos     byte
	handler InboundFunc
}

// NewClient creates a bus client. Connect must be called before publishing.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.InitialReconnectDelay <= 0 {
		cfg.InitialReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 60 * time.Second
	}
	if cfg.MaxReconnectRetries <= 0 {
		cfg.MaxReconnectRetries = 20
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	return &Client{
		cfg:           cfg,
		topics:        NewTopics(cfg.TopicPrefix),
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}
}

// Topics returns the topic builders for this client's prefix.
func (c *Client) Topics() Topics {
	return c.topics
}

// SetOnReconnectExhausted registers the callback fired when the reconnect
// retry cap is reached. Must be called before Connect.
func (c *Client) SetOnReconnectExhausted(fn func()) {
	c.onReconnectExhausted = fn
}

// Connect establishes the broker connection. On success the client publishes
// a retained online announcement; the broker holds a matching offline
// last-will so peers learn of an ungraceful disconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.stopping = false
	c.mu.Unlock()

	will, err := messages.Encode(c.connectionAnnouncement(messages.ConnStatusOffline))
	if err != nil {
		return err
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetBinaryWill(c.topics.Connection(), will, 1, true).
		SetConnectionLostHandler(c.handleConnectionLost).
		SetOnConnectHandler(c.handleConnected)

	c.mqtt = mqtt.NewClient(opts)

	token := c.mqtt.Connect()
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return ErrAckTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: connect failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect closes the broker connection gracefully, publishing the offline
// announcement first. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if connected && c.mqtt != nil {
		if payload, err := messages.Encode(c.connectionAnnouncement(messages.ConnStatusOffline)); err == nil {
			t := c.mqtt.Publish(c.topics.Connection(), 1, true, payload)
			t.WaitTimeout(c.cfg.PublishTimeout)
		}
		c.mqtt.Disconnect(250)
		c.logger.Info("disconnected from broker")
	}
}

// IsConnected reports the current link state.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.mqtt != nil && c.mqtt.IsConnected()
}

// PublishHandle lets the caller wait for broker acknowledgment of a publish.
type PublishHandle struct {
	token mqtt.Token
}

// Wait blocks up to timeout for the broker acknowledgment.
func (h PublishHandle) Wait(timeout time.Duration) error {
	if !h.token.WaitTimeout(timeout) {
		return ErrAckTimeout
	}
	return h.token.Error()
}

// Publish sends a payload. It fails fast with ErrNotConnected while the link
// is down; local queueing is the retry queue's job, not this component's.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) (PublishHandle, error) {
	if !c.IsConnected() {
		return PublishHandle{}, ErrNotConnected
	}
	token := c.mqtt.Publish(topic, qos, retain, payload)
	return PublishHandle{token: token}, nil
}

// PublishJSON encodes v and publishes it, waiting for the broker ack up to
// the configured publish timeout.
func (c *Client) PublishJSON(topic string, v any, qos byte, retain bool) error {
	payload, err := messages.Encode(v)
	if err != nil {
		return err
	}
	handle, err := c.Publish(topic, payload, qos, retain)
	if err != nil {
		return err
	}
	return handle.Wait(c.cfg.PublishTimeout)
}

// Subscribe registers a handler for a topic pattern ("+" single level, "#"
// multi-level terminal). Subscriptions persist across reconnects.
func (c *Client) Subscribe(pattern string, qos byte, handler InboundFunc) error {
	c.mu.Lock()
	c.subscriptions[pattern] = subscription{qos: qos, handler: handler}
	client := c.mqtt
	connected := c.connected
	c.mu.Unlock()

	if !connected || client == nil {
		return nil // applied on next connect
	}
	return c.subscribeOne(client, pattern, qos, handler)
}

func (c *Client) subscribeOne(client mqtt.Client, pattern string, qos byte, handler InboundFunc) error {
	token := client.Subscribe(pattern, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return ErrAckTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("bus: subscribe %s failed: %w", pattern, err)
	}
	return nil
}

// handleConnected replays subscriptions and announces the controller online.
// Runs on every successful connect, including reconnects.
func (c *Client) handleConnected(client mqtt.Client) {
	c.mu.Lock()
	subs := make(map[string]subscription, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	c.connected = true
	c.mu.Unlock()

	for pattern, sub := range subs {
		if err := c.subscribeOne(client, pattern, sub.qos, sub.handler); err != nil {
			c.logger.Error("failed to restore subscription",
				slog.String("pattern", pattern),
				slog.String("error", err.Error()))
		}
	}

	if payload, err := messages.Encode(c.connectionAnnouncement(messages.ConnStatusOnline)); err == nil {
		client.Publish(c.topics.Connection(), 1, true, payload)
	}
	c.logger.Info("connected to broker",
		slog.String("host", c.cfg.Host),
		slog.Int("port", c.cfg.Port),
		slog.Int("subscriptions", len(subs)))
}

// handleConnectionLost starts the backoff reconnect loop.
func (c *Client) handleConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	c.connected = false
	if c.stopping || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	c.logger.Warn("broker connection lost, reconnecting",
		slog.String("error", err.Error()))
	go c.reconnectLoop()
}

func (c *Client) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for retry := 1; retry <= c.cfg.MaxReconnectRetries; retry++ {
		delay := utils.CalculateBackoff(retry, c.cfg.InitialReconnectDelay, c.cfg.MaxReconnectDelay)
		time.Sleep(delay)

		c.mu.Lock()
		if c.stopping {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		token := c.mqtt.Connect()
		token.Wait()
		if token.Error() == nil {
			c.logger.Info("broker reconnected", slog.Int("attempt", retry))
			return
		}
		c.logger.Warn("broker reconnect attempt failed",
			slog.Int("attempt", retry),
			slog.String("error", token.Error().Error()))
	}

	c.logger.Error("broker reconnect retries exhausted",
		slog.Int("retries", c.cfg.MaxReconnectRetries))
	if c.onReconnectExhausted != nil {
		c.onReconnectExhausted()
	}
}

// connectionAnnouncement builds the controller's own presence message.
func (c *Client) connectionAnnouncement(status string) messages.Connection {
	return messages.Connection{
		Status:      status,
		MACAddress:  c.cfg.ClientID,
		ClientID:    c.cfg.ClientID,
		ServiceType: "controller",
		Timestamp:   messages.Now(),
	}
}

// FlagPointers holds pointers to flag values for broker configuration.
type FlagPointers struct {
	host        *string
	port        *int
	username    *string
	password    *string
	clientID    *string
	topicPrefix *string
	maxRetries  *int
}

// RegisterFlags registers broker-related command-line flags.
func RegisterFlags() *FlagPointers {
	return &FlagPointers{
		host: flag.String("broker-host",
			utils.GetEnv("MEEK_BROKER_HOST", "localhost"),
			"Message broker host"),
		port: flag.Int("broker-port",
			utils.GetEnvInt("MEEK_BROKER_PORT", 1883),
			"Message broker port"),
		username: flag.String("broker-username",
			utils.GetEnv("MEEK_BROKER_USERNAME", ""),
			"Message broker username"),
		password: flag.String("broker-password",
			utils.GetEnvOrConfig("MEEK_BROKER_PASSWORD", "broker_password", ""),
			"Message broker password"),
		clientID: flag.String("broker-client-id",
			utils.GetEnv("MEEK_BROKER_CLIENT_ID", "meek-controller"),
			"Client identifier on the message broker"),
		topicPrefix: flag.String("topic-prefix",
			utils.GetEnv("MEEK_TOPIC_PREFIX", DefaultTopicPrefix),
			"Topic prefix shared with the worker fleet"),
		maxRetries: flag.Int("broker-max-reconnect-retries",
			utils.GetEnvInt("MEEK_BROKER_MAX_RECONNECT_RETRIES", 20),
			"Reconnect attempts before giving up"),
	}
}

// ToConfig converts flag pointers to Config. Must be called after flag.Parse().
func (f *FlagPointers) ToConfig() Config {
	return Config{
		Host:                  *f.host,
		Port:                  *f.port,
		Username:              *f.username,
		Password:              *f.password,
		ClientID:              *f.clientID,
		TopicPrefix:           *f.topicPrefix,
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     60 * time.Second,
		MaxReconnectRetries:   *f.maxRetries,
		PublishTimeout:        5 * time.Second,
	}
}
