package messages

import (
	"encoding/json"
	"fmt"
)

// DeviceKind is the closed vocabulary of device->server replies. Every reply
// carries the plant id it concerns; the gateway uses it as the correlation
// key into the pending registries.
type DeviceKind string

const (
	DevSensorAssigned     DeviceKind = "SENSOR_ASSIGNED"
	DevValveAssigned      DeviceKind = "VALVE_ASSIGNED"
	DevMoistureReading    DeviceKind = "MOISTURE_READING"
	DevMoistureFail       DeviceKind = "MOISTURE_FAIL"
	DevValveOpened        DeviceKind = "VALVE_OPENED"
	DevValveClosed        DeviceKind = "VALVE_CLOSED"
	DevValveBlocked       DeviceKind = "VALVE_BLOCKED"
	DevValveUnblocked     DeviceKind = "VALVE_UNBLOCKED"
	DevIrrigationProgress DeviceKind = "IRRIGATION_PROGRESS"
	DevIrrigationDone     DeviceKind = "IRRIGATION_DONE"
	DevDetailsApplied     DeviceKind = "DETAILS_APPLIED"
)

type SensorAssigned struct {
	Type       DeviceKind `json:"type"`
	PlantID    int64      `json:"plant_id"`
	SensorPort int        `json:"sensor_port"`
}

type ValveAssigned struct {
	Type    DeviceKind `json:"type"`
	PlantID int64      `json:"plant_id"`
	ValveID string     `json:"valve_id"`
}

type MoistureReading struct {
	Type        DeviceKind `json:"type"`
	PlantID     int64      `json:"plant_id"`
	Moisture    int        `json:"moisture"`
	Temperature float64    `json:"temperature"`
}

type MoistureFail struct {
	Type    DeviceKind `json:"type"`
	PlantID int64      `json:"plant_id"`
	Reason  string     `json:"reason"`
}

type ValveReply struct {
	Type    DeviceKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type IrrigationProgress struct {
	Type        DeviceKind `json:"type"`
	PlantID     int64      `json:"plant_id"`
	Moisture    int        `json:"moisture"`
	Temperature float64    `json:"temperature"`
}

type IrrigationDone struct {
	Type      DeviceKind `json:"type"`
	PlantID   int64      `json:"plant_id"`
	MmApplied float64    `json:"mm_applied,omitempty"`
}

type DetailsApplied struct {
	Type    DeviceKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

// DecodeDevice decodes a raw device frame into the concrete reply struct.
func DecodeDevice(raw []byte) (any, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	var msg any
	switch DeviceKind(t) {
	case DevSensorAssigned:
		msg = &SensorAssigned{}
	case DevValveAssigned:
		msg = &ValveAssigned{}
	case DevMoistureReading:
		msg = &MoistureReading{}
	case DevMoistureFail:
		msg = &MoistureFail{}
	case DevValveOpened, DevValveClosed, DevValveBlocked, DevValveUnblocked:
		msg = &ValveReply{}
	case DevIrrigationProgress:
		msg = &IrrigationProgress{}
	case DevIrrigationDone:
		msg = &IrrigationDone{}
	case DevDetailsApplied:
		msg = &DetailsApplied{}
	default:
		return nil, fmt.Errorf("unknown device message type %q", t)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
