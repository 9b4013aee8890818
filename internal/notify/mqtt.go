package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"repairline/internal/config"
)

// MQTTSink publishes each event under topic/<organization>/<health check>.
type MQTTSink struct {
	topic  string
	qos    byte
	client mqtt.Client
}

func NewMQTTSink(cfg config.MQTT) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "repairline-notify"
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", token.Error())
	}
	return &MQTTSink{topic: strings.TrimRight(cfg.Topic, "/"), qos: cfg.QoS, client: client}, nil
}

func (s *MQTTSink) Name() string { return "mqtt " + s.topic }

// Topic returns the topic an event is published to.
func (s *MQTTSink) Topic(evt Event) string {
	return fmt.Sprintf("%s/%s/%s", s.topic, evt.OrganizationID, evt.HealthCheckID)
}

func (s *MQTTSink) Deliver(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(evt), s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", s.Topic(evt), err)
	}
	return nil
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
