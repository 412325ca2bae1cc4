// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cloud connects the appliance to the MQTT control plane.
package cloud

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// QoS used for every publish and subscription (at least once)
const QoS byte = 1

var (
	ErrNotConnected = errors.New("mqtt client not connected")
	ErrTimeout      = errors.New("mqtt operation timed out")
)

// Handler receives one inbound message
type Handler func(topic string, payload []byte)

// Options configures a Client
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	KeepAlive      time.Duration
	TLSInsecure    bool
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
}

// BrokerURL builds a paho broker URL. transport is "tcp" or "websockets".
func BrokerURL(transport, host string, port int, useTLS bool, wsPath string) string {
	scheme := "tcp"
	if useTLS {
		scheme = "ssl"
	}
	if strings.EqualFold(transport, "websockets") || strings.EqualFold(transport, "ws") {
		scheme = "ws"
		if useTLS {
			scheme = "wss"
		}
		if wsPath == "" {
			wsPath = "/mqtt"
		}
		if !strings.HasPrefix(wsPath, "/") {
			wsPath = "/" + wsPath
		}
		return fmt.Sprintf("%s://%s:%d%s", scheme, host, port, wsPath)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// Client wraps a paho client with JSON publishing and bounded waits
type Client struct {
	client    mqtt.Client
	opTimeout time.Duration
	logger    *log.Entry

	mu          sync.Mutex
	onConnect   func()
	onConnLost  func(error)
	connectedAt time.Time
}

// New creates a client. Connect must be called before use.
func New(opts Options) *Client {
	c := &Client{
		opTimeout: opts.OpTimeout,
		logger:    log.WithField("component", "mqtt"),
	}
	if c.opTimeout <= 0 {
		c.opTimeout = 10 * time.Second
	}

	mo := mqtt.NewClientOptions()
	mo.AddBroker(opts.Broker)
	mo.SetClientID(opts.ClientID)
	if opts.Username != "" {
		mo.SetUsername(opts.Username)
		mo.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		mo.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		mo.SetConnectTimeout(opts.ConnectTimeout)
	}
	if strings.HasPrefix(opts.Broker, "ssl://") || strings.HasPrefix(opts.Broker, "wss://") {
		mo.SetTLSConfig(&tls.Config{InsecureSkipVerify: opts.TLSInsecure})
	}
	mo.SetAutoReconnect(true)
	mo.SetConnectRetry(true)
	mo.SetMaxReconnectInterval(30 * time.Second)
	// handlers must return quickly and must not wait on a publish token
	mo.SetOrderMatters(true)
	mo.SetOnConnectHandler(func(mqtt.Client) {
		c.mu.Lock()
		c.connectedAt = time.Now()
		fn := c.onConnect
		c.mu.Unlock()
		c.logger.WithField("broker", opts.Broker).Info("connected to broker")
		if fn != nil {
			fn()
		}
	})
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.mu.Lock()
		fn := c.onConnLost
		c.mu.Unlock()
		c.logger.WithError(err).Warn("connection to broker lost")
		if fn != nil {
			fn(err)
		}
	})
	mo.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		c.logger.Debug("reconnecting to broker")
	})

	c.client = mqtt.NewClient(mo)
	return c
}

// OnConnect registers fn to run after every successful (re)connect
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	c.onConnect = fn
	c.mu.Unlock()
}

// OnConnectionLost registers fn to run when the broker connection drops
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	c.onConnLost = fn
	c.mu.Unlock()
}

// Connect starts connecting. With connect retry enabled the client keeps
// trying in the background, so a timeout here is not fatal.
func (c *Client) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsConnected reports whether the broker connection is up
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Publish marshals v as JSON and publishes it with QoS 1
func (c *Client) Publish(topic string, v any) error {
	payload, err := encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, QoS, false, payload)
	if err := c.wait(token); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	c.logger.WithField("topic", topic).Debugf("published %d bytes", len(payload))
	return nil
}

// Subscribe registers h for topic with QoS 1
func (c *Client) Subscribe(topic string, h Handler) error {
	token := c.client.Subscribe(topic, QoS, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if err := c.wait(token); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	c.logger.WithField("topic", topic).Info("subscribed")
	return nil
}

// Unsubscribe drops the given subscriptions
func (c *Client) Unsubscribe(topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	token := c.client.Unsubscribe(topics...)
	if err := c.wait(token); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	c.logger.WithField("topics", topics).Info("unsubscribed")
	return nil
}

// Disconnect closes the connection, waiting up to quiesce for in-flight work
func (c *Client) Disconnect(quiesce time.Duration) {
	c.client.Disconnect(uint(quiesce.Milliseconds()))
	c.logger.Info("disconnected from broker")
}

func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.opTimeout) {
		return ErrTimeout
	}
	return token.Error()
}

// encode passes raw payloads through and marshals everything else
func encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	case json.RawMessage:
		return p, nil
	}
	return json.Marshal(v)
}
