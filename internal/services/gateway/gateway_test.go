package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantora/plantora/internal/model/messages"
)

type fakePublisher struct {
	published []struct {
		topic   string
		payload []byte
	}
	err error
}

func (f *fakePublisher) Publish(topic string, payload []byte) error {
	return f.PublishQoS(topic, 0, payload)
}

func (f *fakePublisher) PublishQoS(topic string, _ byte, payload []byte) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, struct {
		topic   string
		payload []byte
	}{topic, payload})
	return nil
}

func (f *fakePublisher) Close() {}

func TestSendCommandTransmits(t *testing.T) {
	pub := &fakePublisher{}
	g := New(pub, func() bool { return true })

	res := g.SendCommand(context.Background(), messages.DeviceCommand{
		Type:    messages.CmdReadMoisture,
		PlantID: 42,
	})
	require.True(t, res.Accepted)
	require.Len(t, pub.published, 1)
	assert.Equal(t, "device/cmd/READ_MOISTURE", pub.published[0].topic)

	var sent messages.DeviceCommand
	require.NoError(t, json.Unmarshal(pub.published[0].payload, &sent))
	assert.Equal(t, int64(42), sent.PlantID)
	assert.NotEmpty(t, sent.TicketID, "a ticket id is assigned when absent")
}

func TestSendCommandOfflineFailsSynchronously(t *testing.T) {
	pub := &fakePublisher{}
	g := New(pub, func() bool { return false })

	res := g.SendCommand(context.Background(), messages.DeviceCommand{Type: messages.CmdOpenValve, PlantID: 1})
	assert.False(t, res.Accepted)
	assert.Equal(t, messages.ReasonDeviceUnavailable, res.Reason)
	assert.Empty(t, pub.published, "nothing may be queued for later delivery")
}

func TestSendCommandBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	g := New(pub, func() bool { return true })

	for i := 0; i < 3; i++ {
		res := g.SendCommand(context.Background(), messages.DeviceCommand{Type: messages.CmdCloseValve, PlantID: 1})
		assert.False(t, res.Accepted)
	}

	// breaker now open: publish is not even attempted
	pub.err = nil
	res := g.SendCommand(context.Background(), messages.DeviceCommand{Type: messages.CmdCloseValve, PlantID: 1})
	assert.False(t, res.Accepted)
	assert.Empty(t, pub.published)
}

func TestHandleBrokerMessageDispatchesTyped(t *testing.T) {
	g := New(&fakePublisher{}, nil)
	var got []any
	g.OnDeviceMessage(func(reply any) { got = append(got, reply) })

	payload := []byte(`{"type":"SENSOR_ASSIGNED","plant_id":5,"sensor_port":2}`)
	require.NoError(t, g.HandleBrokerMessage("device/event/SENSOR_ASSIGNED/5", payload))

	require.Len(t, got, 1)
	msg, ok := got[0].(*messages.SensorAssigned)
	require.True(t, ok)
	assert.Equal(t, int64(5), msg.PlantID)
	assert.Equal(t, 2, msg.SensorPort)
}

func TestHandleBrokerMessageDropsRedelivery(t *testing.T) {
	g := New(&fakePublisher{}, nil)
	count := 0
	g.OnDeviceMessage(func(any) { count++ })

	payload := []byte(`{"type":"VALVE_OPENED","plant_id":8}`)
	require.NoError(t, g.HandleBrokerMessage("device/event/VALVE_OPENED/8", payload))
	require.NoError(t, g.HandleBrokerMessage("device/event/VALVE_OPENED/8", payload))

	assert.Equal(t, 1, count, "identical QoS1 redelivery must not reach the dispatcher")
}

func TestHandleBrokerMessageDropsMalformed(t *testing.T) {
	g := New(&fakePublisher{}, nil)
	count := 0
	g.OnDeviceMessage(func(any) { count++ })

	assert.NoError(t, g.HandleBrokerMessage("device/event/garbage", []byte(`{"type":"NOT_A_KIND"}`)))
	assert.NoError(t, g.HandleBrokerMessage("device/event/garbage", []byte(`not json`)))
	assert.Equal(t, 0, count)
}
