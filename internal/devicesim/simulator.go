// Package devicesim is a software stand-in for the garden controller. It
// consumes device/cmd/# and answers on device/event/<KIND>/<plantID>, with the
// same at-least-once semantics a real controller would have.
package devicesim

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/plantora/plantora/internal/model/messages"
	"github.com/plantora/plantora/pkg/broker"
	"github.com/plantora/plantora/pkg/dedup"
)

const (
	// CommandFilter is the subscription covering every server command topic.
	CommandFilter = "device/cmd/#"

	eventTopicPrefix = "device/event/"
	smartInterval    = 5 * time.Second
)

type plantState struct {
	sensorPort int
	valveID    string
	target     int // smart run stops at this moisture percent

	open    bool
	smart   bool
	blocked bool
	started time.Time
	timer   *time.Timer // manual auto-close

	gen *moistureModel
}

// Simulator emulates the garden controller for local runs and demos.
type Simulator struct {
	pub     broker.IPublisher
	deduper *dedup.Deduper

	mu       sync.Mutex
	plants   map[int64]*plantState
	nextPort int
}

func New(pub broker.IPublisher) *Simulator {
	return &Simulator{
		pub:      pub,
		deduper:  dedup.New(2*time.Minute, 10000),
		plants:   make(map[int64]*plantState),
		nextPort: 1,
	}
}

// Run drives the smart irrigation loops until ctx is cancelled. Command
// handling itself happens on the broker callback, not here.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(smartInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.stepSmartRuns()
		}
	}
}

// HandleBrokerMessage is the broker.Handler for device/cmd/#. QoS 1
// redeliveries are filtered the same way the real controller does it, by
// payload hash.
func (s *Simulator) HandleBrokerMessage(topic string, payload []byte) error {
	if !s.deduper.ShouldProcess(dedup.Key(payload)) {
		return nil
	}
	var cmd messages.DeviceCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Printf("devicesim: bad command on %s: %v", topic, err)
		return nil
	}
	log.Printf("devicesim: recv %s plant=%d ticket=%s", cmd.Type, cmd.PlantID, cmd.TicketID)

	switch cmd.Type {
	case messages.CmdAddPlant:
		s.handleAddPlant(cmd)
	case messages.CmdRemovePlant:
		s.handleRemovePlant(cmd)
	case messages.CmdUpdatePlant:
		s.handleUpdatePlant(cmd)
	case messages.CmdReadMoisture:
		s.handleReadMoisture(cmd)
	case messages.CmdOpenValve:
		s.handleOpenValve(cmd)
	case messages.CmdCloseValve:
		s.handleCloseValve(cmd)
	case messages.CmdStartIrrigation:
		s.handleStartIrrigation(cmd)
	case messages.CmdStopIrrigation:
		s.handleCloseValve(cmd)
	case messages.CmdClearFault:
		s.handleClearFault(cmd)
	default:
		log.Printf("devicesim: unknown command %q", cmd.Type)
	}
	return nil
}

// InjectFault marks the plant's valve as faulted; the next open attempt and
// any running session report VALVE_BLOCKED. Used by demos and tests.
func (s *Simulator) InjectFault(plantID int64) {
	s.mu.Lock()
	p, ok := s.plants[plantID]
	if ok {
		p.blocked = true
		p.open = false
		p.smart = false
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	s.mu.Unlock()
	if ok {
		s.reply(messages.DevValveBlocked, plantID, &messages.ValveReply{
			Type: messages.DevValveBlocked, PlantID: plantID,
		})
	}
}

func (s *Simulator) handleAddPlant(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	if !ok {
		p = &plantState{
			sensorPort: s.nextPort,
			valveID:    fmt.Sprintf("valve-%02d", s.nextPort),
			gen:        newMoistureModel(),
		}
		s.nextPort++
		s.plants[cmd.PlantID] = p
	}
	p.target = cmd.MoistureTarget
	port, valve := p.sensorPort, p.valveID
	s.mu.Unlock()

	// the two assignment halves are independent replies; the server must
	// cope with either order
	s.reply(messages.DevValveAssigned, cmd.PlantID, &messages.ValveAssigned{
		Type: messages.DevValveAssigned, PlantID: cmd.PlantID, ValveID: valve,
	})
	s.reply(messages.DevSensorAssigned, cmd.PlantID, &messages.SensorAssigned{
		Type: messages.DevSensorAssigned, PlantID: cmd.PlantID, SensorPort: port,
	})
}

func (s *Simulator) handleRemovePlant(cmd messages.DeviceCommand) {
	s.mu.Lock()
	if p, ok := s.plants[cmd.PlantID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(s.plants, cmd.PlantID)
	}
	s.mu.Unlock()
}

func (s *Simulator) handleUpdatePlant(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	if ok && cmd.MoistureTarget > 0 {
		p.target = cmd.MoistureTarget
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(messages.DevDetailsApplied, cmd.PlantID, &messages.DetailsApplied{
		Type: messages.DevDetailsApplied, PlantID: cmd.PlantID,
	})
}

func (s *Simulator) handleReadMoisture(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	s.mu.Unlock()
	if !ok {
		s.reply(messages.DevMoistureFail, cmd.PlantID, &messages.MoistureFail{
			Type: messages.DevMoistureFail, PlantID: cmd.PlantID, Reason: messages.ReasonPlantNotFound,
		})
		return
	}
	moisture, temp := p.gen.next(p.open)
	s.reply(messages.DevMoistureReading, cmd.PlantID, &messages.MoistureReading{
		Type: messages.DevMoistureReading, PlantID: cmd.PlantID, Moisture: moisture, Temperature: temp,
	})
}

func (s *Simulator) handleOpenValve(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	if !ok || p.blocked {
		s.mu.Unlock()
		if ok {
			s.reply(messages.DevValveBlocked, cmd.PlantID, &messages.ValveReply{
				Type: messages.DevValveBlocked, PlantID: cmd.PlantID,
			})
		}
		return
	}
	p.open = true
	p.smart = false
	p.started = time.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	if cmd.DurationSec > 0 {
		plantID := cmd.PlantID
		p.timer = time.AfterFunc(time.Duration(cmd.DurationSec)*time.Second, func() {
			s.autoClose(plantID)
		})
	}
	s.mu.Unlock()

	s.reply(messages.DevValveOpened, cmd.PlantID, &messages.ValveReply{
		Type: messages.DevValveOpened, PlantID: cmd.PlantID,
	})
}

func (s *Simulator) handleCloseValve(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	var smart bool
	var minutes float64
	if ok {
		smart = p.smart
		if p.open {
			minutes = time.Since(p.started).Minutes()
		}
		p.open = false
		p.smart = false
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	// a close for an already-closed valve still acks; the command is
	// idempotent on the hardware
	if smart {
		s.reply(messages.DevIrrigationDone, cmd.PlantID, &messages.IrrigationDone{
			Type: messages.DevIrrigationDone, PlantID: cmd.PlantID, MmApplied: minutes * 0.5,
		})
	} else {
		s.reply(messages.DevValveClosed, cmd.PlantID, &messages.ValveReply{
			Type: messages.DevValveClosed, PlantID: cmd.PlantID,
		})
	}
}

func (s *Simulator) handleStartIrrigation(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	if !ok || p.blocked {
		s.mu.Unlock()
		if ok {
			s.reply(messages.DevValveBlocked, cmd.PlantID, &messages.ValveReply{
				Type: messages.DevValveBlocked, PlantID: cmd.PlantID,
			})
		}
		return
	}
	p.open = true
	p.smart = true
	p.started = time.Now()
	if cmd.MoistureTarget > 0 {
		p.target = cmd.MoistureTarget
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	s.mu.Unlock()

	s.reply(messages.DevValveOpened, cmd.PlantID, &messages.ValveReply{
		Type: messages.DevValveOpened, PlantID: cmd.PlantID,
	})
}

// autoClose fires when a manual run's duration elapses.
func (s *Simulator) autoClose(plantID int64) {
	s.mu.Lock()
	p, ok := s.plants[plantID]
	if ok {
		p.open = false
		p.timer = nil
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(messages.DevValveClosed, plantID, &messages.ValveReply{
		Type: messages.DevValveClosed, PlantID: plantID,
	})
}

func (s *Simulator) handleClearFault(cmd messages.DeviceCommand) {
	s.mu.Lock()
	p, ok := s.plants[cmd.PlantID]
	if ok {
		p.blocked = false
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.reply(messages.DevValveUnblocked, cmd.PlantID, &messages.ValveReply{
		Type: messages.DevValveUnblocked, PlantID: cmd.PlantID,
	})
}

// stepSmartRuns publishes one progress reading per running smart session and
// finishes the ones that reached their target.
func (s *Simulator) stepSmartRuns() {
	type step struct {
		plantID  int64
		moisture int
		temp     float64
		done     bool
		minutes  float64
	}

	s.mu.Lock()
	var steps []step
	for id, p := range s.plants {
		if !p.smart || !p.open {
			continue
		}
		// compress time so demo runs converge within a few cycles
		p.gen.applyWater(2)
		moisture, temp := p.gen.next(true)
		st := step{plantID: id, moisture: moisture, temp: temp}
		if p.target > 0 && moisture >= p.target {
			st.done = true
			st.minutes = time.Since(p.started).Minutes()
			p.open = false
			p.smart = false
		}
		steps = append(steps, st)
	}
	s.mu.Unlock()

	for _, st := range steps {
		if st.done {
			s.reply(messages.DevIrrigationDone, st.plantID, &messages.IrrigationDone{
				Type: messages.DevIrrigationDone, PlantID: st.plantID, MmApplied: st.minutes * 0.5,
			})
			continue
		}
		s.reply(messages.DevIrrigationProgress, st.plantID, &messages.IrrigationProgress{
			Type: messages.DevIrrigationProgress, PlantID: st.plantID,
			Moisture: st.moisture, Temperature: st.temp,
		})
	}
}

func (s *Simulator) reply(kind messages.DeviceKind, plantID int64, msg any) {
	topic := fmt.Sprintf("%s%s/%d", eventTopicPrefix, kind, plantID)
	if err := s.pub.PublishQoS(topic, 1, messages.Encode(msg)); err != nil {
		log.Printf("devicesim: publish %s: %v", topic, err)
	}
}
