// Package telemetry publishes session and agent events to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/edgeagent/internal/config"
	"github.com/energizer-project/edgeagent/internal/events"
	"github.com/energizer-project/edgeagent/internal/util"
)

// Topic suffixes under <prefix>/<entity>/.
const (
	TopicLink      = "link"
	TopicChannel   = "channel"
	TopicQuery     = "query"
	TopicBroadcast = "broadcast"
	TopicAdmin     = "admin"
	TopicErrors    = "errors"
	TopicHealth    = "health"
)

var eventTopics = map[events.EventType]string{
	events.EventConnecting:    TopicLink,
	events.EventLinkUp:        TopicLink,
	events.EventLoggedIn:      TopicLink,
	events.EventLoginFailed:   TopicLink,
	events.EventLinkLost:      TopicLink,
	events.EventFrameError:    TopicErrors,
	events.EventPeerJoined:    TopicChannel,
	events.EventPeerLeft:      TopicChannel,
	events.EventPeerUpdate:    TopicChannel,
	events.EventUpdateSent:    TopicChannel,
	events.EventQueryHandled:  TopicQuery,
	events.EventQueryResult:   TopicQuery,
	events.EventQueryExpired:  TopicQuery,
	events.EventStateChanged:  TopicBroadcast,
	events.EventVirtualCamera: TopicBroadcast,
	events.EventHealthAlert:   TopicHealth,
	events.EventHeartbeat:     TopicHealth,
}

// TopicFor returns the topic an event is published on.
func TopicFor(prefix string, entityID uint32, t events.EventType) string {
	suffix, ok := eventTopics[t]
	if !ok {
		suffix = TopicAdmin
	}
	return fmt.Sprintf("%s/%d/%s", prefix, entityID, suffix)
}

// MQTTHandler manages the MQTT connection and forwards bus events to it.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	entityID uint32
	eventBus *events.EventBus
	client   mqtt.Client

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTHandler creates a handler. It does not connect yet.
func NewMQTTHandler(cfg config.MQTTConfig, entityID uint32, appVersion string, eventBus *events.EventBus) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "edgeagent"
	}

	sysInfo := util.GetSystemInfo()
	metadata := map[string]interface{}{
		"hostname":    sysInfo.Hostname,
		"platform":    sysInfo.Platform,
		"cpu_model":   sysInfo.CPUModel,
		"cpu_cores":   sysInfo.CPUCores,
		"memory_mb":   sysInfo.TotalMemory,
		"app_version": appVersion,
		"entity_id":   entityID,
	}

	handler := &MQTTHandler{
		cfg:      cfg,
		entityID: entityID,
		eventBus: eventBus,
		metadata: metadata,
	}

	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))
	opts.SetClientID(ClientID(cfg.ClientID, sysInfo.Hostname))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	// a retained last will marks the agent offline when it vanishes
	opts.SetWill(handler.topic(TopicAdmin), `{"event":"offline"}`, 1, true)

	if cfg.UseTLS {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
	})

	handler.client = mqtt.NewClient(opts)

	return handler, nil
}

// ClientID returns the configured id, or one derived from the hostname
// with a random suffix so two agents on one host never collide.
func ClientID(configured, hostname string) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("edgeagent-%s-%s", hostname, uuid.NewString()[:8])
}

func buildTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in MQTT CA file %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	// mTLS
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx is done, then
// publishes a shutdown notice and disconnects.
func (h *MQTTHandler) Start(ctx context.Context) error {
	log.Info().
		Str("broker", h.cfg.BrokerURL).
		Int("port", h.cfg.Port).
		Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.publish(h.topic(TopicAdmin), map[string]interface{}{"event": "online"}, true)
	h.eventBus.SubscribeMany(events.AllAgentEvents, "mqtt", h.onEvent)

	<-ctx.Done()

	for _, t := range events.AllAgentEvents {
		h.eventBus.Unsubscribe(t, "mqtt")
	}
	h.PublishShutdown()
	h.client.Disconnect(5000)
	log.Info().Msg("MQTT disconnected")

	return nil
}

func (h *MQTTHandler) topic(suffix string) string {
	return h.cfg.TopicPrefix + "/" + strconv.FormatUint(uint64(h.entityID), 10) + "/" + suffix
}

func (h *MQTTHandler) onEvent(ctx context.Context, event events.Event) error {
	h.publish(TopicFor(h.cfg.TopicPrefix, h.entityID, event.Type), map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	}, false)
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (h *MQTTHandler) publish(topic string, payload interface{}, retained bool) {
	if !h.client.IsConnected() {
		return
	}

	data, err := json.Marshal(BuildMessage(h.metadata, payload, time.Now()))
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, retained, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			log.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// BuildMessage combines metadata with an event payload.
func BuildMessage(metadata map[string]interface{}, payload interface{}, now time.Time) map[string]interface{} {
	msg := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = now.UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a retained shutdown notice.
func (h *MQTTHandler) PublishShutdown() {
	token := h.client.Publish(h.topic(TopicAdmin), 1, true, mustJSON(BuildMessage(h.metadata,
		map[string]interface{}{"event": "shutdown"}, time.Now())))
	if !token.WaitTimeout(2 * time.Second) {
		log.Warn().Msg("MQTT shutdown notice not acknowledged")
	}
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"event":"shutdown"}`)
	}
	return data
}
