package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hanaponodata/sentinel-core/internal/events"
)

// MQTTSink publishes each Event as a JSON payload to a fixed topic on an
// MQTT broker, an audit channel alongside the dashboard's HTTP push.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTSink connects to broker and returns a Sink that publishes to
// topic. clientID defaults to "sentinel-core" when empty.
func NewMQTTSink(broker, topic, clientID, username, password string, qos int) (*MQTTSink, error) {
	q := byte(qos)
	if q > 2 {
		q = 0
	}
	if clientID == "" {
		clientID = "sentinel-core"
	}

	opts := mqtt.NewClientOptions().
		SetClientID(clientID).
		AddBroker(broker).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(10 * time.Second).
		SetAutoReconnect(true)
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}

	client := mqtt.NewClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	return &MQTTSink{client: client, topic: topic, qos: q}, nil
}

// Name returns the sink name for logging.
func (m *MQTTSink) Name() string { return "mqtt" }

// Send publishes evt as JSON to the configured topic.
func (m *MQTTSink) Send(ctx context.Context, evt events.Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	pub := m.client.Publish(m.topic, m.qos, false, body)
	if !pub.WaitTimeout(10 * time.Second) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return pub.Error()
}

// Close disconnects the underlying MQTT client.
func (m *MQTTSink) Close() {
	m.client.Disconnect(250)
}
