package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/events"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		event events.EventType
		want  string
	}{
		{events.EventLinkLost, "edge/100/link"},
		{events.EventPeerJoined, "edge/100/channel"},
		{events.EventQueryExpired, "edge/100/query"},
		{events.EventVirtualCamera, "edge/100/broadcast"},
		{events.EventFrameError, "edge/100/errors"},
		{events.EventHeartbeat, "edge/100/health"},
		{events.EventShutdown, "edge/100/admin"},
	}
	for _, tt := range tests {
		if got := TopicFor("edge", 100, tt.event); got != tt.want {
			t.Errorf("TopicFor(%s) = %q, want %q", tt.event, got, tt.want)
		}
	}
}

func TestEveryAgentEventHasATopic(t *testing.T) {
	for _, e := range events.AllAgentEvents {
		if _, ok := eventTopics[e]; !ok {
			t.Errorf("event %s falls back to the admin topic", e)
		}
	}
}

func TestBuildMessage(t *testing.T) {
	meta := map[string]interface{}{"hostname": "edge-1"}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))

	msg := BuildMessage(meta, events.VirtualCameraPayload{Active: true}, now)
	if msg["hostname"] != "edge-1" {
		t.Errorf("metadata missing: %v", msg)
	}
	if msg["timestamp"] != "2026-03-01T11:00:00Z" {
		t.Errorf("timestamp = %v", msg["timestamp"])
	}
	if _, ok := msg["payload"].(events.VirtualCameraPayload); !ok {
		t.Errorf("payload = %#v", msg["payload"])
	}
	if len(meta) != 1 {
		t.Error("BuildMessage modified the metadata")
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID("fixed", "host"); got != "fixed" {
		t.Errorf("ClientID = %q", got)
	}
	a, b := ClientID("", "host"), ClientID("", "host")
	if !strings.HasPrefix(a, "edgeagent-host-") || a == b {
		t.Errorf("generated ids %q and %q", a, b)
	}
}

func TestNewMQTTHandler(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, 1, "1.0", events.NewEventBus()); err == nil {
		t.Error("disabled MQTT accepted")
	}

	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "127.0.0.1", Port: 1883}
	h, err := NewMQTTHandler(cfg, 100, "1.0", events.NewEventBus())
	if err != nil {
		t.Fatalf("NewMQTTHandler failed: %v", err)
	}
	if got := h.topic(TopicAdmin); got != "edgeagent/100/admin" {
		t.Errorf("admin topic = %q", got)
	}

	cfg.UseTLS = true
	cfg.CAFile = "/nonexistent/ca.pem"
	if _, err := NewMQTTHandler(cfg, 100, "1.0", events.NewEventBus()); err == nil {
		t.Error("missing CA file accepted")
	}
}
