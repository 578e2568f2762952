package broker

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// IPublisher publishes payloads onto broker topics.
type IPublisher interface {
	Publish(topic string, payload []byte) error
	PublishQoS(topic string, qos byte, payload []byte) error
	Close()
}

// Publisher is the MQTT-backed implementation of IPublisher.
type Publisher struct {
	client mqtt.Client
}

var _ IPublisher = (*Publisher)(nil)

func NewPublisher(client mqtt.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish sends at QoS 0 (at most once).
func (p *Publisher) Publish(topic string, payload []byte) error {
	return p.PublishQoS(topic, 0, payload)
}

// PublishQoS sends with the given QoS and waits for the token.
func (p *Publisher) PublishQoS(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: connection not open", topic)
	}
	token := p.client.Publish(topic, qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("publish %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) Close() {
	Close(p.client)
}
