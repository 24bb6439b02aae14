package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/mquinn/prepflow/internal/config"
	"github.com/mquinn/prepflow/internal/events"
)

func TestEventTopic(t *testing.T) {
	b := New(config.MQTTConfig{TopicBase: "home", DeviceName: "prep1"}, events.New(), nil)

	e := events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceCutter,
		Kind:      events.KindCardCut,
	}
	got := b.EventTopic(e)
	want := "home/prep1/events/cutter/cut"
	if got != want {
		t.Errorf("EventTopic() = %q, want %q", got, want)
	}
}

func TestEventTopicDefaults(t *testing.T) {
	b := New(config.MQTTConfig{}, events.New(), nil)

	e := events.Event{Source: events.SourceRunner, Kind: events.KindRunComplete}
	got := b.EventTopic(e)
	want := "prepflow/prepflow/events/runner/run_complete"
	if got != want {
		t.Errorf("EventTopic() = %q, want %q", got, want)
	}
}

func TestAvailabilityTopic(t *testing.T) {
	b := New(config.MQTTConfig{TopicBase: "home", DeviceName: "prep1"}, events.New(), nil)
	if got := b.availabilityTopic(); got != "home/prep1/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
}

func TestMQTTConfigured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config reports configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://broker:1883"}).Configured() {
		t.Error("broker-set config reports unconfigured")
	}
}

func TestStopWithoutStart(t *testing.T) {
	b := New(config.MQTTConfig{}, events.New(), nil)
	if err := b.Stop(context.Background()); err != nil {
		t.Errorf("Stop() before Start() = %v, want nil", err)
	}
}
