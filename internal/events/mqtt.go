package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig configures the broker sink.
type MQTTConfig struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
	// ControlTopic, when set, is subscribed for "upload on" / "upload off"
	// commands.
	ControlTopic string
	// QueueSize bounds events waiting for the broker.
	QueueSize int
}

// Publisher is the part of an MQTT client the sink needs.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTSink publishes events as JSON. Notify never blocks: when the queue is
// full the event is dropped and counted.
type MQTTSink struct {
	pub     Publisher
	prefix  string
	log     zerolog.Logger
	queue   chan Event
	done    chan struct{}
	mu      sync.Mutex
	dropped int
	closed  bool
}

// NewMQTTSink returns a sink publishing through pub. Call Run to start
// delivery.
func NewMQTTSink(pub Publisher, prefix string, queueSize int, log zerolog.Logger) *MQTTSink {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &MQTTSink{
		pub:    pub,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
}

// Topic returns the topic an event is published on.
func (s *MQTTSink) Topic(e Event) string {
	mac := strings.ReplaceAll(e.Sensor.String(), ":", "")
	return fmt.Sprintf("%s/%s/%s", s.prefix, strings.ToLower(mac), e.Type)
}

func (s *MQTTSink) Notify(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped++
	}
}

// Dropped returns how many events were discarded on a full queue.
func (s *MQTTSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run publishes queued events until ctx is done, then drains the queue.
func (s *MQTTSink) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			for {
				select {
				case e := <-s.queue:
					s.publish(e)
				default:
					return
				}
			}
		case e := <-s.queue:
			s.publish(e)
		}
	}
}

// Wait blocks until Run has returned.
func (s *MQTTSink) Wait() { <-s.done }

func (s *MQTTSink) publish(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		s.log.Error().Err(err).Str("event", string(e.Type)).Msg("failed to encode event")
		return
	}
	if err := s.pub.Publish(s.Topic(e), payload); err != nil {
		s.log.Warn().Err(err).Str("topic", s.Topic(e)).Msg("mqtt publish failed")
	}
}

// pahoPublisher adapts a paho client.
type pahoPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func (p pahoPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
	}
	return token.Error()
}

// DialMQTT connects to the broker and returns the client and a Publisher
// over it. onControl, if non-nil, receives upload on/off commands from
// cfg.ControlTopic.
func DialMQTT(cfg MQTTConfig, log zerolog.Logger, onControl func(uploadActive bool)) (mqtt.Client, Publisher, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(strings.TrimSuffix(cfg.TopicPrefix, "/")+"/status", "offline", 1, true)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", cfg.BrokerURL).Msg("connected to MQTT broker")
		c.Publish(strings.TrimSuffix(cfg.TopicPrefix, "/")+"/status", 1, true, "online")
		if cfg.ControlTopic == "" || onControl == nil {
			return
		}
		handler := func(_ mqtt.Client, msg mqtt.Message) {
			active, ok := ParseControl(string(msg.Payload()))
			if !ok {
				log.Warn().Str("topic", msg.Topic()).Str("payload", string(msg.Payload())).Msg("ignoring unknown control command")
				return
			}
			onControl(active)
		}
		if token := c.Subscribe(cfg.ControlTopic, cfg.QoS, handler); token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", cfg.ControlTopic).Msg("failed to subscribe to control topic")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("lost MQTT connection")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(cfg.ConnectTimeout) && token.Error() != nil {
		return nil, nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL, token.Error())
	}
	return client, pahoPublisher{client: client, qos: cfg.QoS, timeout: cfg.ConnectTimeout}, nil
}

// ParseControl interprets a control payload.
func ParseControl(payload string) (uploadActive bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case "upload on", "upload:on", "on", "start":
		return true, true
	case "upload off", "upload:off", "off", "stop":
		return false, true
	}
	return false, false
}
