package server

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantora/plantora/internal/model/entities"
	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/internal/services/gateway"
	"github.com/plantora/plantora/internal/storage"
)

type fakeDevice struct {
	accept bool
	reason string
	cmds   []messages.DeviceCommand
}

func (f *fakeDevice) SendCommand(_ context.Context, cmd messages.DeviceCommand) gateway.Result {
	if !f.accept {
		return gateway.Result{Accepted: false, Reason: f.reason}
	}
	f.cmds = append(f.cmds, cmd)
	return gateway.Result{Accepted: true}
}

func (f *fakeDevice) lastCmd(t *testing.T) messages.DeviceCommand {
	t.Helper()
	require.NotEmpty(t, f.cmds)
	return f.cmds[len(f.cmds)-1]
}

func newTestService(t *testing.T) (*Service, *fakeDevice, *storage.Store, entities.Garden) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "plantora.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.UpsertUser(entities.User{ID: "alice", Name: "Alice"}))
	require.NoError(t, store.UpsertUser(entities.User{ID: "bob", Name: "Bob"}))
	garden, err := store.CreateGarden("Backyard", "alice", 3)
	require.NoError(t, err)
	require.NoError(t, store.AddMember(garden.ID, "bob"))

	dev := &fakeDevice{accept: true, reason: messages.ReasonDeviceUnavailable}
	return NewService(store, dev, nil), dev, store, garden
}

func connect(s *Service, id, userID string, gardenID int64) *Client {
	c := &Client{ID: id, UserID: userID, GardenID: gardenID,
		hub: s.hub, svc: s, send: make(chan []byte, sendQueue)}
	s.hub.Register(c)
	return c
}

func frame(t *testing.T, msg any) []byte {
	t.Helper()
	b, err := json.Marshal(msg)
	require.NoError(t, err)
	return b
}

// recv pops the next queued frame for the client; handling is synchronous so
// an empty queue means nothing was sent.
func recv(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case b := <-c.send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(b, &m))
		return m
	default:
		t.Fatal("expected a frame, queue is empty")
		return nil
	}
}

func noFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected frame: %s", b)
	default:
	}
}

func seedBoundPlant(t *testing.T, store *storage.Store, gardenID int64, name string) entities.Plant {
	t.Helper()
	p, err := store.CreatePlant(gardenID, entities.PlantDetails{Name: name, MoistureTarget: 40})
	require.NoError(t, err)
	require.NoError(t, store.BindHardware(p.ID, 1, "valve-1"))
	p, err = store.GetPlant(p.ID)
	require.NoError(t, err)
	return p
}

func TestAddPlantFullAssignment(t *testing.T) {
	s, dev, store, g := newTestService(t)
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Basil", MoistureTarget: 45},
	}))

	cmd := dev.lastCmd(t)
	assert.Equal(t, messages.CmdAddPlant, cmd.Type)
	assert.Equal(t, "Basil", cmd.Name)
	noFrame(t, alice) // nothing until the device finishes assignment

	s.HandleDeviceReply(&messages.SensorAssigned{Type: messages.DevSensorAssigned, PlantID: cmd.PlantID, SensorPort: 3})
	noFrame(t, alice) // half an assignment is not a success
	s.HandleDeviceReply(&messages.ValveAssigned{Type: messages.DevValveAssigned, PlantID: cmd.PlantID, ValveID: "v-7"})

	got := recv(t, alice)
	assert.Equal(t, "ADD_PLANT_SUCCESS", got["type"])
	plant := got["plant"].(map[string]any)
	assert.Equal(t, float64(3), plant["sensor_port"])
	assert.Equal(t, "v-7", plant["valve_id"])

	// garden members learn about it, the originator is not told twice
	evt := recv(t, bob)
	assert.Equal(t, "GARDEN_PLANT_ADDED", evt["type"])
	noFrame(t, alice)

	stored, err := store.GetPlant(cmd.PlantID)
	require.NoError(t, err)
	assert.True(t, stored.HardwareBound())
}

func TestAddPlantDeviceOfflineRollsBack(t *testing.T) {
	s, dev, store, g := newTestService(t)
	dev.accept = false
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Basil"},
	}))

	got := recv(t, alice)
	assert.Equal(t, "ADD_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonDeviceUnavailable, got["reason"])

	plants, err := store.ListPlants(g.ID)
	require.NoError(t, err)
	assert.Empty(t, plants, "the provisional row must be rolled back")
	assert.Zero(t, s.assignments.Len())
}

func TestAddPlantDuplicateName(t *testing.T) {
	s, _, store, g := newTestService(t)
	seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Basil"},
	}))

	got := recv(t, alice)
	assert.Equal(t, "ADD_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonDuplicateName, got["reason"])
}

func TestAddPlantBindFailureRollsBack(t *testing.T) {
	s, dev, store, g := newTestService(t)
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Fern"},
	}))
	cmd := dev.lastCmd(t)
	noFrame(t, alice)

	// persistence dies between command dispatch and assignment completion
	require.NoError(t, store.Close())

	s.HandleDeviceReply(&messages.SensorAssigned{Type: messages.DevSensorAssigned, PlantID: cmd.PlantID, SensorPort: 2})
	s.HandleDeviceReply(&messages.ValveAssigned{Type: messages.DevValveAssigned, PlantID: cmd.PlantID, ValveID: "v-1"})

	got := recv(t, alice)
	assert.Equal(t, "ADD_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonStorageFailure, got["reason"])
}

func TestAddPlantBindAfterRowGone(t *testing.T) {
	s, dev, store, g := newTestService(t)
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Fern"},
	}))
	cmd := dev.lastCmd(t)

	// the sweep rollback raced the device replies and dropped the row
	require.NoError(t, store.DeletePlant(cmd.PlantID))

	s.HandleDeviceReply(&messages.SensorAssigned{Type: messages.DevSensorAssigned, PlantID: cmd.PlantID, SensorPort: 2})
	s.HandleDeviceReply(&messages.ValveAssigned{Type: messages.DevValveAssigned, PlantID: cmd.PlantID, ValveID: "v-1"})

	got := recv(t, alice)
	assert.Equal(t, "ADD_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonPlantNotFound, got["reason"])

	plants, err := store.ListPlants(g.ID)
	require.NoError(t, err)
	assert.Empty(t, plants)
}

func TestAddPlantWithoutMembership(t *testing.T) {
	s, dev, _, _ := newTestService(t)
	carol := connect(s, "conn-c", "carol", 0)

	s.handleClientFrame(carol, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Basil"},
	}))

	got := recv(t, carol)
	assert.Equal(t, "ADD_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonNoGardenMembership, got["reason"])
	assert.Empty(t, dev.cmds)
}

func TestGetMoistureRoundTrip(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.GetMoisture{
		Type: messages.KindGetMoisture, PlantName: "Basil",
	}))
	cmd := dev.lastCmd(t)
	assert.Equal(t, messages.CmdReadMoisture, cmd.Type)
	assert.Equal(t, p.ID, cmd.PlantID)

	s.HandleDeviceReply(&messages.MoistureReading{
		Type: messages.DevMoistureReading, PlantID: p.ID, Moisture: 37, Temperature: 21.5,
	})
	got := recv(t, alice)
	assert.Equal(t, "GET_MOISTURE_SUCCESS", got["type"])
	assert.Equal(t, float64(37), got["moisture"])

	// duplicate reply finds the entry already resolved
	s.HandleDeviceReply(&messages.MoistureReading{
		Type: messages.DevMoistureReading, PlantID: p.ID, Moisture: 37, Temperature: 21.5,
	})
	noFrame(t, alice)
}

func TestGetMoistureReplaceMode(t *testing.T) {
	s, _, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.GetMoisture{Type: messages.KindGetMoisture, PlantName: "Basil"}))
	s.handleClientFrame(bob, frame(t, &messages.GetMoisture{Type: messages.KindGetMoisture, PlantName: "Basil"}))
	assert.Equal(t, 1, s.moistureReqs.Len())

	s.HandleDeviceReply(&messages.MoistureReading{Type: messages.DevMoistureReading, PlantID: p.ID, Moisture: 40})

	// the newest poll won; the superseded waiter hears nothing
	got := recv(t, bob)
	assert.Equal(t, "GET_MOISTURE_SUCCESS", got["type"])
	noFrame(t, alice)
}

func TestOpenValveSerializesPerPlant(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: p.ID, DurationSec: 60,
	}))
	require.Len(t, dev.cmds, 1)

	s.handleClientFrame(bob, frame(t, &messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: p.ID, DurationSec: 30,
	}))
	got := recv(t, bob)
	assert.Equal(t, "VALVE_FAIL", got["type"])
	assert.Equal(t, messages.ReasonAlreadyPending, got["reason"])
	assert.Len(t, dev.cmds, 1, "the busy request must not reach the device")

	s.HandleDeviceReply(&messages.ValveReply{Type: messages.DevValveOpened, PlantID: p.ID})
	assert.Equal(t, "VALVE_OPENED", recv(t, alice)["type"])

	s.HandleDeviceReply(&messages.ValveReply{Type: messages.DevValveClosed, PlantID: p.ID})
	assert.Equal(t, "VALVE_CLOSED", recv(t, alice)["type"])

	// the session entry is gone, the plant is free again
	s.handleClientFrame(bob, frame(t, &messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: p.ID, DurationSec: 30,
	}))
	assert.Len(t, dev.cmds, 2)
}

func TestSmartIrrigationLifecycle(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.StartSmart{Type: messages.KindStartSmart, PlantID: p.ID}))
	cmd := dev.lastCmd(t)
	assert.Equal(t, messages.CmdStartIrrigation, cmd.Type)
	assert.Equal(t, p.MoistureTarget, cmd.MoistureTarget)

	s.HandleDeviceReply(&messages.ValveReply{Type: messages.DevValveOpened, PlantID: p.ID})
	assert.Equal(t, "IRRIGATION_STARTED", recv(t, alice)["type"])

	s.HandleDeviceReply(&messages.IrrigationProgress{
		Type: messages.DevIrrigationProgress, PlantID: p.ID, Moisture: 42,
	})
	got := recv(t, alice)
	assert.Equal(t, "IRRIGATION_PROGRESS", got["type"])
	assert.Equal(t, float64(42), got["moisture"])
	assert.Equal(t, 1, s.irrigationReqs.Len(), "progress must not resolve the session")

	s.HandleDeviceReply(&messages.IrrigationDone{Type: messages.DevIrrigationDone, PlantID: p.ID, MmApplied: 4.2})
	assert.Equal(t, "IRRIGATION_FINISHED", recv(t, alice)["type"])
	assert.Zero(t, s.irrigationReqs.Len())
}

func TestStopSmartRidesExistingSession(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.StartSmart{Type: messages.KindStartSmart, PlantID: p.ID}))
	s.handleClientFrame(alice, frame(t, &messages.StopSmart{Type: messages.KindStopSmart, PlantID: p.ID}))

	require.Len(t, dev.cmds, 2)
	assert.Equal(t, messages.CmdStopIrrigation, dev.cmds[1].Type)
	assert.Equal(t, 1, s.irrigationReqs.Len(), "stop rides the existing entry")

	s.HandleDeviceReply(&messages.IrrigationDone{Type: messages.DevIrrigationDone, PlantID: p.ID})
	assert.Equal(t, "IRRIGATION_FINISHED", recv(t, alice)["type"])
	assert.Zero(t, s.irrigationReqs.Len())
}

func TestValveBlockedFailsWaiterAndAlertsGarden(t *testing.T) {
	s, _, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: p.ID, DurationSec: 60,
	}))
	s.HandleDeviceReply(&messages.ValveReply{Type: messages.DevValveBlocked, PlantID: p.ID})

	fail := recv(t, alice)
	assert.Equal(t, "VALVE_FAIL", fail["type"])
	assert.Equal(t, messages.ReasonValveBlocked, fail["reason"])

	// the fault is physical: everyone in the garden hears it, alice included
	assert.Equal(t, "GARDEN_VALVE_BLOCKED", recv(t, alice)["type"])
	assert.Equal(t, "GARDEN_VALVE_BLOCKED", recv(t, bob)["type"])
	assert.Zero(t, s.irrigationReqs.Len())
}

func TestValveUnblockedBroadcast(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.ClearValveFault{
		Type: messages.KindClearValveFault, PlantID: p.ID,
	}))
	assert.Equal(t, messages.CmdClearFault, dev.lastCmd(t).Type)

	s.HandleDeviceReply(&messages.ValveReply{Type: messages.DevValveUnblocked, PlantID: p.ID})
	assert.Equal(t, "GARDEN_VALVE_UNBLOCKED", recv(t, alice)["type"])
	assert.Equal(t, "GARDEN_VALVE_UNBLOCKED", recv(t, bob)["type"])
}

func TestUpdatePlantAppliedOnDeviceConfirm(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.UpdatePlant{
		Type: messages.KindUpdatePlant, PlantID: p.ID, Version: p.Version,
		Details: entities.PlantDetails{MoistureTarget: 55},
	}))
	assert.Equal(t, messages.CmdUpdatePlant, dev.lastCmd(t).Type)
	noFrame(t, alice) // nothing until the device confirms

	s.HandleDeviceReply(&messages.DetailsApplied{Type: messages.DevDetailsApplied, PlantID: p.ID})

	got := recv(t, alice)
	assert.Equal(t, "UPDATE_PLANT_SUCCESS", got["type"])
	plant := got["plant"].(map[string]any)
	assert.Equal(t, float64(55), plant["moisture_target"])
	assert.Equal(t, float64(p.Version+1), plant["version"])

	assert.Equal(t, "GARDEN_PLANT_UPDATED", recv(t, bob)["type"])
	noFrame(t, alice)
}

func TestUpdatePlantStaleVersionRejected(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.UpdatePlant{
		Type: messages.KindUpdatePlant, PlantID: p.ID, Version: p.Version - 1,
		Details: entities.PlantDetails{MoistureTarget: 55},
	}))

	got := recv(t, alice)
	assert.Equal(t, "UPDATE_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonConcurrentModification, got["reason"])
	assert.Empty(t, dev.cmds)
}

func TestUpdatePlantSerializes(t *testing.T) {
	s, _, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.UpdatePlant{
		Type: messages.KindUpdatePlant, PlantID: p.ID, Version: p.Version,
		Details: entities.PlantDetails{MoistureTarget: 55},
	}))
	s.handleClientFrame(bob, frame(t, &messages.UpdatePlant{
		Type: messages.KindUpdatePlant, PlantID: p.ID, Version: p.Version,
		Details: entities.PlantDetails{MoistureTarget: 60},
	}))

	got := recv(t, bob)
	assert.Equal(t, "UPDATE_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonAlreadyPending, got["reason"])
}

func TestDeletePlant(t *testing.T) {
	s, dev, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)
	bob := connect(s, "conn-b", "bob", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.DeletePlant{Type: messages.KindDeletePlant, PlantID: p.ID}))

	assert.Equal(t, messages.CmdRemovePlant, dev.lastCmd(t).Type)
	assert.Equal(t, "DELETE_PLANT_SUCCESS", recv(t, alice)["type"])
	assert.Equal(t, "GARDEN_PLANT_DELETED", recv(t, bob)["type"])

	_, err := store.GetPlant(p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeletePlantWhileIrrigatingRejected(t *testing.T) {
	s, _, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.OpenValve{
		Type: messages.KindOpenValve, PlantID: p.ID, DurationSec: 60,
	}))
	s.handleClientFrame(alice, frame(t, &messages.DeletePlant{Type: messages.KindDeletePlant, PlantID: p.ID}))

	got := recv(t, alice)
	assert.Equal(t, "DELETE_PLANT_FAIL", got["type"])
	assert.Equal(t, messages.ReasonAlreadyPending, got["reason"])

	_, err := store.GetPlant(p.ID)
	assert.NoError(t, err, "the plant survives while its valve is open")
}

func TestMalformedFrameRejected(t *testing.T) {
	s, _, _, g := newTestService(t)
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, []byte(`{"type":"NOT_A_KIND"}`))
	got := recv(t, alice)
	assert.Equal(t, "ERROR", got["type"])
	assert.Equal(t, messages.ReasonBadRequest, got["reason"])

	s.handleClientFrame(alice, []byte(`not json`))
	assert.Equal(t, "ERROR", recv(t, alice)["type"])
}

func TestSweepHookRollsBackUnassignedPlants(t *testing.T) {
	s, dev, store, g := newTestService(t)
	alice := connect(s, "conn-a", "alice", g.ID)

	s.handleClientFrame(alice, frame(t, &messages.AddPlant{
		Type: messages.KindAddPlant, Plant: entities.PlantDetails{Name: "Basil"},
	}))
	plantID := dev.lastCmd(t).PlantID

	// only the sensor half ever arrives; the sweeper gives up on the entry
	s.HandleDeviceReply(&messages.SensorAssigned{Type: messages.DevSensorAssigned, PlantID: plantID, SensorPort: 2})
	s.SweepHook()(s.assignments.Name(), []int64{plantID})

	_, err := store.GetPlant(plantID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "the half-assigned row must be rolled back")
}

func TestSweepHookKeepsBoundPlants(t *testing.T) {
	s, _, store, g := newTestService(t)
	p := seedBoundPlant(t, store, g.ID, "Basil")

	s.SweepHook()(s.assignments.Name(), []int64{p.ID})

	_, err := store.GetPlant(p.ID)
	assert.NoError(t, err, "a fully bound plant is never rolled back")
}
