// Package server is the client-facing half of the coordination layer: the
// WebSocket hub, the garden broadcaster, the client command handlers and the
// resolution path for device replies.
package server

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plantora/plantora/internal/metrics"
	"github.com/plantora/plantora/internal/model/entities"
	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/internal/services/gateway"
	"github.com/plantora/plantora/internal/storage"
	"github.com/plantora/plantora/pkg/pending"
)

// Staleness thresholds per command family. Irrigation entries stay alive for
// the whole session, so that family gets the widest window.
const (
	assignmentMaxAge = 5 * time.Minute
	moistureMaxAge   = time.Minute
	irrigationMaxAge = 5 * time.Minute
	detailMaxAge     = 2 * time.Minute
)

// waiter is the client context stored in a pending registry: who asked, over
// which connection, for which plant.
type waiter struct {
	ClientID string
	UserID   string
	GardenID int64
	PlantID  int64

	// irrigation family: smart session vs. manual valve
	Smart bool

	// detail-update family: the change to apply once the device confirms
	Details entities.PlantDetails
	Version int64
}

// TelemetryRecorder receives the measurement stream; nil disables recording.
type TelemetryRecorder interface {
	RecordMoisture(plantID int64, moisture int, temperature float64)
	RecordIrrigationResult(plantID int64, mmApplied float64)
}

type Service struct {
	store     *storage.Store
	device    gateway.Sender
	hub       *Hub
	telemetry TelemetryRecorder

	moistureReqs   *pending.Registry[waiter]
	irrigationReqs *pending.Registry[waiter]
	detailReqs     *pending.Registry[waiter]
	assignments    *pending.Accumulator

	upgrader websocket.Upgrader
}

func NewService(store *storage.Store, device gateway.Sender, telemetry TelemetryRecorder) *Service {
	s := &Service{
		store:          store,
		device:         device,
		hub:            NewHub(),
		telemetry:      telemetry,
		moistureReqs:   pending.NewRegistry[waiter]("moisture", pending.Replace, moistureMaxAge),
		irrigationReqs: pending.NewRegistry[waiter]("irrigation", pending.Serialize, irrigationMaxAge),
		detailReqs:     pending.NewRegistry[waiter]("details", pending.Serialize, detailMaxAge),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxFrameSize,
			WriteBufferSize: maxFrameSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.assignments = pending.NewAccumulator("assignment", assignmentMaxAge, s.finishAssignment)
	return s
}

func (s *Service) Hub() *Hub { return s.hub }

// Sweepables returns every correlation structure the sweeper must cover.
func (s *Service) Sweepables() []pending.Sweepable {
	return []pending.Sweepable{s.moistureReqs, s.irrigationReqs, s.detailReqs, s.assignments}
}

// SweepHook is wired into the sweeper. Besides metrics, it rolls back plants
// whose two-phase assignment never completed: a half-assigned plant row must
// not outlive its accumulator entry.
func (s *Service) SweepHook() func(family string, ids []int64) {
	return func(family string, ids []int64) {
		metrics.SweptEntries.WithLabelValues(family).Add(float64(len(ids)))
		if family == s.assignments.Name() {
			for _, id := range ids {
				p, err := s.store.GetPlant(id)
				if err != nil || p.HardwareBound() {
					continue
				}
				if err := s.store.DeletePlant(id); err != nil {
					log.Printf("server: rollback of unassigned plant %d: %v", id, err)
				} else {
					log.Printf("server: rolled back unassigned plant %d", id)
				}
			}
		}
		s.updatePendingGauges()
	}
}

func (s *Service) updatePendingGauges() {
	metrics.PendingEntries.WithLabelValues("moisture").Set(float64(s.moistureReqs.Len()))
	metrics.PendingEntries.WithLabelValues("irrigation").Set(float64(s.irrigationReqs.Len()))
	metrics.PendingEntries.WithLabelValues("details").Set(float64(s.detailReqs.Len()))
	metrics.PendingEntries.WithLabelValues("assignment").Set(float64(s.assignments.Len()))
}

// ServeWS upgrades the connection and registers the client. Identity comes
// from the session layer upstream of this server; here it is taken from the
// handshake and trusted.
func (s *Service) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}
	userName := r.URL.Query().Get("user_name")
	if userName == "" {
		userName = userID
	}
	if err := s.store.UpsertUser(entities.User{ID: userID, Name: userName}); err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var gardenID int64
	garden, err := s.store.GardenForUser(userID)
	switch {
	case err == nil:
		gardenID = garden.ID
	case errors.Is(err, storage.ErrNoMembership):
		// connect is allowed; garden operations will fail with the reason tag
	default:
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: upgrade failed for user=%s: %v", userID, err)
		return
	}

	c := &Client{
		ID:       uuid.New().String(),
		UserID:   userID,
		GardenID: gardenID,
		hub:      s.hub,
		svc:      s,
		conn:     conn,
		send:     make(chan []byte, sendQueue),
	}
	s.hub.Register(c)
	log.Printf("server: client connected user=%s garden=%d conn=%s", userID, gardenID, c.ID)

	go c.writeLoop()
	go c.readLoop()
}

// HandleDeviceReply is the single dispatcher for decoded device messages,
// registered on the gateway. The switch is exhaustive over the device
// vocabulary; resolution against an absent entry is a logged no-op, since it
// most likely means a duplicate or delayed reply.
func (s *Service) HandleDeviceReply(reply any) {
	defer s.updatePendingGauges()

	switch m := reply.(type) {
	case *messages.SensorAssigned:
		s.assignments.Merge(m.PlantID, pending.Partial{SensorPort: &m.SensorPort})

	case *messages.ValveAssigned:
		s.assignments.Merge(m.PlantID, pending.Partial{ValveID: &m.ValveID})

	case *messages.MoistureReading:
		if s.telemetry != nil {
			s.telemetry.RecordMoisture(m.PlantID, m.Moisture, m.Temperature)
		}
		w, ok := s.moistureReqs.Resolve(m.PlantID)
		if !ok {
			// unsolicited periodic reading, or the waiter was swept
			return
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.GetMoistureSuccess{
			Type: messages.KindGetMoistureSuccess, PlantID: m.PlantID,
			Moisture: m.Moisture, Temperature: m.Temperature,
		}))

	case *messages.MoistureFail:
		w, ok := s.moistureReqs.Resolve(m.PlantID)
		if !ok {
			log.Printf("server: moisture fail for plant %d with no waiter", m.PlantID)
			return
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.OperationFail{
			Type: messages.KindGetMoistureFail, PlantID: m.PlantID, Reason: m.Reason,
		}))

	case *messages.ValveReply:
		s.handleValveReply(m)

	case *messages.IrrigationProgress:
		if s.telemetry != nil {
			s.telemetry.RecordMoisture(m.PlantID, m.Moisture, m.Temperature)
		}
		// streams to the waiting client without resolving the entry
		w, ok := s.irrigationReqs.Peek(m.PlantID)
		if !ok {
			return
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.IrrigationUpdate{
			Type: messages.KindIrrigationProgress, PlantID: m.PlantID,
			Moisture: m.Moisture, Temperature: m.Temperature,
		}))

	case *messages.IrrigationDone:
		if s.telemetry != nil {
			s.telemetry.RecordIrrigationResult(m.PlantID, m.MmApplied)
		}
		w, ok := s.irrigationReqs.Resolve(m.PlantID)
		if !ok {
			log.Printf("server: irrigation done for plant %d with no session", m.PlantID)
			return
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.IrrigationUpdate{
			Type: messages.KindIrrigationFinished, PlantID: m.PlantID,
		}))

	case *messages.DetailsApplied:
		s.finishDetailUpdate(m.PlantID)

	default:
		log.Printf("server: unhandled device reply %T", reply)
	}
}

func (s *Service) handleValveReply(m *messages.ValveReply) {
	switch m.Type {
	case messages.DevValveOpened:
		// ack of a start: the session entry stays pending until the valve
		// closes or the smart run finishes
		w, ok := s.irrigationReqs.Peek(m.PlantID)
		if !ok {
			log.Printf("server: valve opened for plant %d with no session", m.PlantID)
			return
		}
		kind := messages.KindValveOpened
		if w.Smart {
			kind = messages.KindIrrigationStarted
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.ValveState{Type: kind, PlantID: m.PlantID}))

	case messages.DevValveClosed:
		w, ok := s.irrigationReqs.Resolve(m.PlantID)
		if !ok {
			// late ack after a sweep or duplicate close; nothing to reopen
			log.Printf("server: valve closed for plant %d with no session", m.PlantID)
			return
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.ValveState{
			Type: messages.KindValveClosed, PlantID: m.PlantID,
		}))

	case messages.DevValveBlocked:
		gardenID := int64(0)
		if w, ok := s.irrigationReqs.Resolve(m.PlantID); ok {
			gardenID = w.GardenID
			kind := messages.KindValveFail
			if w.Smart {
				kind = messages.KindIrrigationFail
			}
			s.hub.SendToClient(w.ClientID, messages.Encode(&messages.OperationFail{
				Type: kind, PlantID: m.PlantID, Reason: messages.ReasonValveBlocked,
			}))
		}
		if gardenID == 0 {
			p, err := s.store.GetPlant(m.PlantID)
			if err != nil {
				log.Printf("server: valve blocked for unknown plant %d", m.PlantID)
				return
			}
			gardenID = p.GardenID
		}
		// the whole garden shares the physical fault, originator included
		s.hub.Broadcast(gardenID, messages.Encode(&messages.GardenEvent{
			Type: messages.KindGardenValveBlocked, PlantID: m.PlantID,
		}), "")

	case messages.DevValveUnblocked:
		p, err := s.store.GetPlant(m.PlantID)
		if err != nil {
			log.Printf("server: valve unblocked for unknown plant %d", m.PlantID)
			return
		}
		s.hub.Broadcast(p.GardenID, messages.Encode(&messages.GardenEvent{
			Type: messages.KindGardenValveUnblocked, PlantID: m.PlantID,
		}), "")
	}
}

// finishAssignment runs when both halves of the hardware binding and the
// owning user are present. The accumulator has already deleted its entry, so
// this fires at most once per plant.
func (s *Service) finishAssignment(snap pending.Assignment) {
	if err := s.store.BindHardware(snap.PlantID, snap.SensorPort, snap.ValveID); err != nil {
		log.Printf("server: bind hardware plant=%d: %v", snap.PlantID, err)
		reason := messages.ReasonPlantNotFound
		if !errors.Is(err, storage.ErrNotFound) {
			// the accumulator entry is already gone, so the sweep rollback
			// can never see this row; drop it here or it stays unbound forever
			reason = messages.ReasonStorageFailure
			if derr := s.store.DeletePlant(snap.PlantID); derr != nil && !errors.Is(derr, storage.ErrNotFound) {
				log.Printf("server: rollback of plant %d after bind failure: %v", snap.PlantID, derr)
			}
		}
		s.hub.SendToUser(snap.UserID, messages.Encode(&messages.OperationFail{
			Type: messages.KindAddPlantFail, PlantID: snap.PlantID, Reason: reason,
		}))
		return
	}
	plant, err := s.store.GetPlant(snap.PlantID)
	if err != nil {
		log.Printf("server: load plant %d after bind: %v", snap.PlantID, err)
		return
	}
	s.hub.SendToUser(snap.UserID, messages.Encode(&messages.AddPlantSuccess{
		Type: messages.KindAddPlantSuccess, Plant: plant,
	}))
	s.hub.Broadcast(plant.GardenID, messages.Encode(&messages.GardenEvent{
		Type: messages.KindGardenPlantAdded, PlantID: plant.ID,
	}), snap.UserID)
	log.Printf("server: plant %d fully assigned (sensor=%d valve=%s)", plant.ID, snap.SensorPort, snap.ValveID)
}

func (s *Service) finishDetailUpdate(plantID int64) {
	w, ok := s.detailReqs.Resolve(plantID)
	if !ok {
		log.Printf("server: details applied for plant %d with no waiter", plantID)
		return
	}
	plant, err := s.store.UpdatePlantDetails(plantID, w.Version, w.Details)
	if err != nil {
		reason := messages.ReasonPlantNotFound
		switch {
		case errors.Is(err, storage.ErrVersionConflict):
			reason = messages.ReasonConcurrentModification
		case errors.Is(err, storage.ErrDuplicateName):
			reason = messages.ReasonDuplicateName
		}
		s.hub.SendToClient(w.ClientID, messages.Encode(&messages.OperationFail{
			Type: messages.KindUpdatePlantFail, PlantID: plantID, Reason: reason,
		}))
		return
	}
	s.hub.SendToClient(w.ClientID, messages.Encode(&messages.UpdatePlantSuccess{
		Type: messages.KindUpdatePlantSuccess, Plant: plant,
	}))
	s.hub.Broadcast(plant.GardenID, messages.Encode(&messages.GardenEvent{
		Type: messages.KindGardenPlantUpdated, PlantID: plant.ID,
	}), w.UserID)
}
