// Package mqtt provides an optional telemetry bridge that republishes
// prep bus events to an MQTT broker, so a run's progress can feed
// external dashboards or automations. The bridge is one-way and off
// unless a broker is configured.
//
// It uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. A retained birth message
// ("online") is published to the availability topic on every
// (re-)connect, and a will message flips it to "offline" on unexpected
// disconnects.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/events"
)

// eventBuffer is the bus subscription depth. A slow broker drops
// events rather than stalling the agents.
const eventBuffer = 128

// Bridge forwards bus events to MQTT topics under the configured base.
type Bridge struct {
	cfg    config.MQTTConfig
	bus    *events.Bus
	logger *slog.Logger
	cm     *autopaho.ConnectionManager
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and forwarding loop.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes a birth message to the
// availability topic.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "prepflow-" + b.cfg.DeviceName,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Wait for the initial connection before forwarding. A timeout is
	// not fatal: autopaho keeps retrying in the background and events
	// published meanwhile are simply dropped.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.forward(ctx)
	return nil
}

// Stop publishes an "offline" availability message before closing the
// connection.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// forward drains the bus subscription until ctx is cancelled.
func (b *Bridge) forward(ctx context.Context) {
	sub := b.bus.Subscribe(eventBuffer)
	defer b.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			b.publishEvent(ctx, e)
		}
	}
}

func (b *Bridge) publishEvent(ctx context.Context, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		b.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}

	topic := b.EventTopic(e)
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt event publish failed",
			"topic", topic, "error", err)
		return
	}
	b.logger.Debug("mqtt event published", "topic", topic)
}

// EventTopic returns the topic an event publishes to:
// <base>/<device>/events/<source>/<kind>.
func (b *Bridge) EventTopic(e events.Event) string {
	return b.baseTopic() + "/events/" + e.Source + "/" + e.Kind
}

func (b *Bridge) baseTopic() string {
	base := b.cfg.TopicBase
	if base == "" {
		base = "prepflow"
	}
	device := b.cfg.DeviceName
	if device == "" {
		device = "prepflow"
	}
	return base + "/" + device
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/availability"
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}
