package broker

import (
	"context"
	"log"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler processes one inbound message. Errors are logged by the consumer;
// they never tear down the subscription.
type Handler func(topic string, payload []byte) error

// IConsumer subscribes to one or more topic filters and feeds messages to
// the injected handler.
type IConsumer interface {
	SetHandler(h Handler)
	Consume(ctx context.Context)
}

// Consumer subscribes to a set of topic filters on the shared client.
// Consume blocks until the context is cancelled.
type Consumer struct {
	client  mqtt.Client
	filters map[string]byte // filter -> QoS
	handler Handler
}

var _ IConsumer = (*Consumer)(nil)

func NewConsumer(client mqtt.Client, filters map[string]byte, handler Handler) *Consumer {
	return &Consumer{client: client, filters: filters, handler: handler}
}

func (c *Consumer) SetHandler(h Handler) { c.handler = h }

func (c *Consumer) Consume(ctx context.Context) {
	for filter, qos := range c.filters {
		filter := filter
		token := c.client.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
			if c.handler == nil {
				log.Printf("broker: no handler for %s", m.Topic())
				return
			}
			if err := c.handler(m.Topic(), m.Payload()); err != nil {
				log.Printf("broker: handler error on %s: %v", m.Topic(), err)
			}
		})
		token.Wait()
		if token.Error() != nil {
			log.Printf("broker: subscribe error on %s: %v", filter, token.Error())
		} else {
			log.Printf("broker: subscribed to %s", filter)
		}
	}

	<-ctx.Done()

	for filter := range c.filters {
		c.client.Unsubscribe(filter)
	}
}
