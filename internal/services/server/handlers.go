package server

import (
	"context"
	"errors"
	"log"

	"github.com/plantora/plantora/internal/model/entities"
	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/internal/storage"
	"github.com/plantora/plantora/pkg/pending"
)

// handleClientFrame runs on the client's read loop, so frames from one
// connection are handled to completion in order. The dispatch switch is
// exhaustive over the client vocabulary.
func (s *Service) handleClientFrame(c *Client, raw []byte) {
	defer s.updatePendingGauges()

	msg, err := messages.DecodeClient(raw)
	if err != nil {
		log.Printf("server: bad frame from client=%s user=%s: %v", c.ID, c.UserID, err)
		c.trySend(messages.Encode(&messages.OperationFail{
			Type: messages.KindError, Reason: messages.ReasonBadRequest,
		}))
		return
	}

	switch m := msg.(type) {
	case *messages.AddPlant:
		s.handleAddPlant(c, m)
	case *messages.UpdatePlant:
		s.handleUpdatePlant(c, m)
	case *messages.DeletePlant:
		s.handleDeletePlant(c, m)
	case *messages.GetMoisture:
		s.handleGetMoisture(c, m)
	case *messages.OpenValve:
		s.handleOpenValve(c, m)
	case *messages.CloseValve:
		s.handleStopIrrigation(c, m.PlantID, false)
	case *messages.StartSmart:
		s.handleStartSmart(c, m)
	case *messages.StopSmart:
		s.handleStopIrrigation(c, m.PlantID, true)
	case *messages.ClearValveFault:
		s.handleClearValveFault(c, m)
	}
}

func (c *Client) fail(kind messages.ServerKind, plantID int64, reason string) {
	c.trySend(messages.Encode(&messages.OperationFail{Type: kind, PlantID: plantID, Reason: reason}))
}

// gardenPlant loads the plant and checks it belongs to the client's garden. A
// plant in someone else's garden reports PLANT_NOT_FOUND rather than leaking
// its existence.
func (s *Service) gardenPlant(c *Client, plantID int64) (entities.Plant, string) {
	if c.GardenID == 0 {
		return entities.Plant{}, messages.ReasonNoGardenMembership
	}
	p, err := s.store.GetPlant(plantID)
	if err != nil || p.GardenID != c.GardenID {
		return entities.Plant{}, messages.ReasonPlantNotFound
	}
	return p, ""
}

// handleAddPlant is phase one of plant creation: persist the row, ship the
// command, park the originating user in the accumulator. The row is rolled
// back if the command never leaves, and by the sweeper if the device never
// finishes assignment.
func (s *Service) handleAddPlant(c *Client, m *messages.AddPlant) {
	if c.GardenID == 0 {
		c.fail(messages.KindAddPlantFail, 0, messages.ReasonNoGardenMembership)
		return
	}
	if m.Plant.Name == "" {
		c.fail(messages.KindAddPlantFail, 0, messages.ReasonBadRequest)
		return
	}

	plant, err := s.store.CreatePlant(c.GardenID, m.Plant)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrMaxPlants):
			c.fail(messages.KindAddPlantFail, 0, messages.ReasonMaxPlantsReached)
		case errors.Is(err, storage.ErrDuplicateName):
			c.fail(messages.KindAddPlantFail, 0, messages.ReasonDuplicateName)
		default:
			log.Printf("server: create plant for user=%s: %v", c.UserID, err)
			c.fail(messages.KindAddPlantFail, 0, messages.ReasonBadRequest)
		}
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type:           messages.CmdAddPlant,
		PlantID:        plant.ID,
		Name:           plant.Name,
		MoistureTarget: plant.MoistureTarget,
		MoistureMin:    plant.MoistureMin,
		MoistureMax:    plant.MoistureMax,
	})
	if !res.Accepted {
		if err := s.store.DeletePlant(plant.ID); err != nil {
			log.Printf("server: rollback plant %d after failed send: %v", plant.ID, err)
		}
		c.fail(messages.KindAddPlantFail, 0, res.Reason)
		return
	}

	s.assignments.Merge(plant.ID, pending.Partial{UserID: &c.UserID})
}

func (s *Service) handleUpdatePlant(c *Client, m *messages.UpdatePlant) {
	plant, reason := s.gardenPlant(c, m.PlantID)
	if reason != "" {
		c.fail(messages.KindUpdatePlantFail, m.PlantID, reason)
		return
	}
	// fail fast on a stale version; the store re-checks at resolution time
	if m.Version != plant.Version {
		c.fail(messages.KindUpdatePlantFail, m.PlantID, messages.ReasonConcurrentModification)
		return
	}

	w := waiter{ClientID: c.ID, UserID: c.UserID, GardenID: c.GardenID,
		PlantID: m.PlantID, Details: m.Details, Version: m.Version}
	if err := s.detailReqs.Register(m.PlantID, w); err != nil {
		c.fail(messages.KindUpdatePlantFail, m.PlantID, messages.ReasonAlreadyPending)
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type:           messages.CmdUpdatePlant,
		PlantID:        m.PlantID,
		Name:           m.Details.Name,
		MoistureTarget: m.Details.MoistureTarget,
		MoistureMin:    m.Details.MoistureMin,
		MoistureMax:    m.Details.MoistureMax,
	})
	if !res.Accepted {
		s.detailReqs.Cancel(m.PlantID)
		c.fail(messages.KindUpdatePlantFail, m.PlantID, res.Reason)
	}
}

// handleDeletePlant removes the plant once the removal command is on the
// wire. The device forgets the assignment on its own; no reply is awaited.
func (s *Service) handleDeletePlant(c *Client, m *messages.DeletePlant) {
	plant, reason := s.gardenPlant(c, m.PlantID)
	if reason != "" {
		c.fail(messages.KindDeletePlantFail, m.PlantID, reason)
		return
	}
	if _, active := s.irrigationReqs.Peek(m.PlantID); active {
		c.fail(messages.KindDeletePlantFail, m.PlantID, messages.ReasonAlreadyPending)
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type: messages.CmdRemovePlant, PlantID: m.PlantID,
	})
	if !res.Accepted {
		c.fail(messages.KindDeletePlantFail, m.PlantID, res.Reason)
		return
	}

	if err := s.store.DeletePlant(m.PlantID); err != nil {
		c.fail(messages.KindDeletePlantFail, m.PlantID, messages.ReasonPlantNotFound)
		return
	}
	// a reply for a cancelled request must find nothing to resolve
	s.moistureReqs.Cancel(m.PlantID)
	s.detailReqs.Cancel(m.PlantID)
	s.assignments.Cancel(m.PlantID)

	c.trySend(messages.Encode(&messages.DeletePlantSuccess{
		Type: messages.KindDeletePlantSuccess, PlantID: m.PlantID,
	}))
	s.hub.Broadcast(plant.GardenID, messages.Encode(&messages.GardenEvent{
		Type: messages.KindGardenPlantDeleted, PlantID: m.PlantID,
	}), c.UserID)
}

// handleGetMoisture resolves the plant by name and requests a fresh reading.
// The moisture family runs in replace mode: a newer request supersedes a
// stalled one instead of blocking behind it.
func (s *Service) handleGetMoisture(c *Client, m *messages.GetMoisture) {
	if c.GardenID == 0 {
		c.fail(messages.KindGetMoistureFail, 0, messages.ReasonNoGardenMembership)
		return
	}
	plant, err := s.store.GetPlantByName(c.GardenID, m.PlantName)
	if err != nil {
		c.fail(messages.KindGetMoistureFail, 0, messages.ReasonPlantNotFound)
		return
	}

	w := waiter{ClientID: c.ID, UserID: c.UserID, GardenID: c.GardenID, PlantID: plant.ID}
	if err := s.moistureReqs.Register(plant.ID, w); err != nil {
		// unreachable in replace mode, kept for symmetry
		c.fail(messages.KindGetMoistureFail, plant.ID, messages.ReasonAlreadyPending)
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type: messages.CmdReadMoisture, PlantID: plant.ID,
	})
	if !res.Accepted {
		s.moistureReqs.Cancel(plant.ID)
		c.fail(messages.KindGetMoistureFail, plant.ID, res.Reason)
	}
}

func (s *Service) handleOpenValve(c *Client, m *messages.OpenValve) {
	plant, reason := s.gardenPlant(c, m.PlantID)
	if reason != "" {
		c.fail(messages.KindValveFail, m.PlantID, reason)
		return
	}
	if !plant.HardwareBound() {
		c.fail(messages.KindValveFail, m.PlantID, messages.ReasonPlantNotFound)
		return
	}

	w := waiter{ClientID: c.ID, UserID: c.UserID, GardenID: c.GardenID, PlantID: m.PlantID}
	if err := s.irrigationReqs.Register(m.PlantID, w); err != nil {
		c.fail(messages.KindValveFail, m.PlantID, messages.ReasonAlreadyPending)
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type: messages.CmdOpenValve, PlantID: m.PlantID, DurationSec: m.DurationSec,
	})
	if !res.Accepted {
		s.irrigationReqs.Cancel(m.PlantID)
		c.fail(messages.KindValveFail, m.PlantID, res.Reason)
	}
}

func (s *Service) handleStartSmart(c *Client, m *messages.StartSmart) {
	plant, reason := s.gardenPlant(c, m.PlantID)
	if reason != "" {
		c.fail(messages.KindIrrigationFail, m.PlantID, reason)
		return
	}
	if !plant.HardwareBound() {
		c.fail(messages.KindIrrigationFail, m.PlantID, messages.ReasonPlantNotFound)
		return
	}

	w := waiter{ClientID: c.ID, UserID: c.UserID, GardenID: c.GardenID, PlantID: m.PlantID, Smart: true}
	if err := s.irrigationReqs.Register(m.PlantID, w); err != nil {
		c.fail(messages.KindIrrigationFail, m.PlantID, messages.ReasonAlreadyPending)
		return
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type:           messages.CmdStartIrrigation,
		PlantID:        m.PlantID,
		MoistureTarget: plant.MoistureTarget,
		MoistureMin:    plant.MoistureMin,
		MoistureMax:    plant.MoistureMax,
	})
	if !res.Accepted {
		s.irrigationReqs.Cancel(m.PlantID)
		c.fail(messages.KindIrrigationFail, m.PlantID, res.Reason)
	}
}

// handleStopIrrigation serves CLOSE_VALVE and STOP_SMART_IRRIGATION. The stop
// rides the existing session entry when there is one; for a stop with no
// session (say, after a server restart) a fresh entry is registered so the
// device's close ack still finds a waiter.
func (s *Service) handleStopIrrigation(c *Client, plantID int64, smart bool) {
	failKind := messages.KindValveFail
	cmdKind := messages.CmdCloseValve
	if smart {
		failKind = messages.KindIrrigationFail
		cmdKind = messages.CmdStopIrrigation
	}
	if _, reason := s.gardenPlant(c, plantID); reason != "" {
		c.fail(failKind, plantID, reason)
		return
	}

	registered := false
	if _, ok := s.irrigationReqs.Peek(plantID); !ok {
		w := waiter{ClientID: c.ID, UserID: c.UserID, GardenID: c.GardenID, PlantID: plantID, Smart: smart}
		if err := s.irrigationReqs.Register(plantID, w); err != nil {
			c.fail(failKind, plantID, messages.ReasonAlreadyPending)
			return
		}
		registered = true
	}

	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type: cmdKind, PlantID: plantID,
	})
	if !res.Accepted {
		if registered {
			s.irrigationReqs.Cancel(plantID)
		}
		c.fail(failKind, plantID, res.Reason)
	}
}

// handleClearValveFault is fire-and-forget: the eventual VALVE_UNBLOCKED
// reply is broadcast to the whole garden, requester included, so no pending
// entry is kept.
func (s *Service) handleClearValveFault(c *Client, m *messages.ClearValveFault) {
	if _, reason := s.gardenPlant(c, m.PlantID); reason != "" {
		c.fail(messages.KindValveFail, m.PlantID, reason)
		return
	}
	res := s.device.SendCommand(context.Background(), messages.DeviceCommand{
		Type: messages.CmdClearFault, PlantID: m.PlantID,
	})
	if !res.Accepted {
		c.fail(messages.KindValveFail, m.PlantID, res.Reason)
	}
}
