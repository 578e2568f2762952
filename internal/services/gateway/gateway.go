// Package gateway owns the single logical connection to the garden
// controller. Commands go out on device/cmd/<KIND>; replies come back on
// device/event/<KIND>/<plantID> and are demultiplexed into the typed device
// vocabulary before reaching the correlation layer.
package gateway

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/plantora/plantora/internal/metrics"
	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/pkg/broker"
	"github.com/plantora/plantora/pkg/dedup"
)

const (
	cmdTopicPrefix = "device/cmd/"
	// EventFilter is the subscription covering every device reply topic.
	EventFilter = "device/event/#"
)

// Result reports whether a command was transmitted over the live connection.
// Accepted says nothing about whether the device acted on it; that answer
// arrives asynchronously, if at all.
type Result struct {
	Accepted bool
	Reason   string
}

// Sender is the command-side surface the client handlers depend on.
type Sender interface {
	SendCommand(ctx context.Context, cmd messages.DeviceCommand) Result
}

// Gateway is the device gateway. Exactly one instance exists per server
// process; multiple devices are out of scope.
type Gateway struct {
	pub       broker.IPublisher
	connected func() bool
	breaker   *gobreaker.CircuitBreaker
	deduper   *dedup.Deduper
	handler   func(reply any)
}

var _ Sender = (*Gateway)(nil)

func New(pub broker.IPublisher, connected func() bool) *Gateway {
	return &Gateway{
		pub:       pub,
		connected: connected,
		deduper:   dedup.New(10*time.Minute, 20000),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "device-command",
			MaxRequests: 1,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// OnDeviceMessage registers the single dispatcher for decoded device
// replies. It must be set before the consumer starts.
func (g *Gateway) OnDeviceMessage(h func(reply any)) { g.handler = h }

// SendCommand transmits cmd to the device at QoS 1. Without a live
// connection it fails synchronously with DEVICE_UNAVAILABLE so the caller
// can compensate instead of queuing; there is no outbox.
func (g *Gateway) SendCommand(ctx context.Context, cmd messages.DeviceCommand) Result {
	if err := ctx.Err(); err != nil {
		return Result{Accepted: false, Reason: messages.ReasonDeviceUnavailable}
	}
	if g.connected != nil && !g.connected() {
		metrics.CommandsSent.WithLabelValues(string(cmd.Type), "offline").Inc()
		return Result{Accepted: false, Reason: messages.ReasonDeviceUnavailable}
	}
	if cmd.TicketID == "" {
		cmd.TicketID = uuid.New().String()
	}

	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.pub.PublishQoS(cmdTopicPrefix+string(cmd.Type), 1, messages.Encode(&cmd))
	})
	if err != nil {
		log.Printf("gateway: send %s plant=%d: %v", cmd.Type, cmd.PlantID, err)
		metrics.CommandsSent.WithLabelValues(string(cmd.Type), "error").Inc()
		return Result{Accepted: false, Reason: messages.ReasonDeviceUnavailable}
	}
	metrics.CommandsSent.WithLabelValues(string(cmd.Type), "ok").Inc()
	return Result{Accepted: true}
}

// HandleBrokerMessage is the broker.Handler for device/event/#. It filters
// QoS 1 redeliveries, decodes the closed reply vocabulary and hands the
// typed message to the registered dispatcher. Malformed payloads are logged
// and dropped here; they must never crash the process.
func (g *Gateway) HandleBrokerMessage(topic string, payload []byte) error {
	if !g.deduper.ShouldProcess(dedup.Key(payload)) {
		return nil
	}
	reply, err := messages.DecodeDevice(payload)
	if err != nil {
		log.Printf("gateway: bad device payload on %s: %v", topic, err)
		return nil
	}
	kind, _ := messages.PeekType(payload)
	metrics.DeviceReplies.WithLabelValues(kind).Inc()
	if g.handler == nil {
		log.Printf("gateway: no dispatcher registered, dropping %s", kind)
		return nil
	}
	g.handler(reply)
	return nil
}
