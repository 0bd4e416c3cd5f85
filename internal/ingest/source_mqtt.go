package ingest

import (
	"context"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"riverwatch/internal/types"
)

// MQTTReadingSource subscribes to the readings topic on an MQTT broker and
// yields validated readings. Field telemetry loggers publish one JSON
// ReadingMessage per MQTT message.
type MQTTReadingSource struct {
	client    paho.Client
	topic     string
	validator *ReadingValidator
	logger    types.Logger
	readings  chan types.SensorReading
}

var _ types.ReadingSource = (*MQTTReadingSource)(nil)

// NewMQTTReadingSource connects to the broker and subscribes. QoS 1 keeps
// delivery at-least-once; the engine's windows and the composite scorer's
// late-arrival handling absorb duplicates.
func NewMQTTReadingSource(brokerURL, clientID, topic string, validator *ReadingValidator, logger types.Logger) (*MQTTReadingSource, error) {
	s := &MQTTReadingSource{
		topic:     topic,
		validator: validator,
		logger:    logger,
		readings:  make(chan types.SensorReading, 256),
	}

	opts := paho.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			token := c.Subscribe(s.topic, 1, s.handle)
			if token.Wait() && token.Error() != nil {
				logger.Error("failed to subscribe to readings topic",
					"topic", s.topic, "error", token.Error())
			}
		})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, types.NewAppError(types.ErrCodeUpstreamBroker, "broker connection timeout", nil)
	}
	if err := token.Error(); err != nil {
		return nil, types.NewAppError(types.ErrCodeUpstreamBroker,
			fmt.Sprintf("connect to broker %s", brokerURL), err)
	}

	s.client = client
	return s, nil
}

// handle runs on paho's router goroutine; it validates and hands off without
// blocking the broker connection. A full buffer drops the reading.
func (s *MQTTReadingSource) handle(_ paho.Client, msg paho.Message) {
	raw, err := DecodeReadingMessage(msg.Payload())
	if err != nil {
		s.logger.Warn("undecodable reading message discarded", "topic", msg.Topic(), "error", err)
		return
	}

	reading, err := s.validator.Validate(raw)
	if err != nil {
		s.logger.Warn("reading rejected at ingest boundary",
			"sensor_id", raw.SensorID, "metric", raw.Metric, "error", err)
		return
	}

	select {
	case s.readings <- reading:
	default:
		s.logger.Warn("ingest buffer full, reading dropped",
			"sensor_id", reading.SensorID, "metric", reading.Metric)
	}
}

// Next blocks until a reading arrives or ctx is cancelled.
func (s *MQTTReadingSource) Next(ctx context.Context) (types.SensorReading, error) {
	select {
	case reading := <-s.readings:
		return reading, nil
	case <-ctx.Done():
		return types.SensorReading{}, ctx.Err()
	}
}

// Close disconnects from the broker, allowing in-flight publishes 1s to
// settle.
func (s *MQTTReadingSource) Close() error {
	if s.client != nil {
		s.client.Disconnect(1000)
	}
	return nil
}
