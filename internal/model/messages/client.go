package messages

import (
	"encoding/json"
	"fmt"

	"github.com/plantora/plantora/internal/model/entities"
)

// ClientKind is the closed vocabulary of client->server messages. The
// dispatch switch in the server is exhaustive over these; an unknown tag is
// rejected at the boundary rather than silently ignored.
type ClientKind string

const (
	KindAddPlant        ClientKind = "ADD_PLANT"
	KindUpdatePlant     ClientKind = "UPDATE_PLANT"
	KindDeletePlant     ClientKind = "DELETE_PLANT"
	KindGetMoisture     ClientKind = "GET_PLANT_MOISTURE"
	KindOpenValve       ClientKind = "OPEN_VALVE"
	KindCloseValve      ClientKind = "CLOSE_VALVE"
	KindStartSmart      ClientKind = "START_SMART_IRRIGATION"
	KindStopSmart       ClientKind = "STOP_SMART_IRRIGATION"
	KindClearValveFault ClientKind = "CLEAR_VALVE_FAULT"
)

type AddPlant struct {
	Type  ClientKind            `json:"type"`
	Plant entities.PlantDetails `json:"plant"`
}

type UpdatePlant struct {
	Type    ClientKind            `json:"type"`
	PlantID int64                 `json:"plant_id"`
	Version int64                 `json:"version"`
	Details entities.PlantDetails `json:"details"`
}

type DeletePlant struct {
	Type    ClientKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type GetMoisture struct {
	Type      ClientKind `json:"type"`
	PlantName string     `json:"plant_name"`
}

type OpenValve struct {
	Type        ClientKind `json:"type"`
	PlantID     int64      `json:"plant_id"`
	DurationSec int        `json:"duration_sec"`
}

type CloseValve struct {
	Type    ClientKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type StartSmart struct {
	Type    ClientKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type StopSmart struct {
	Type    ClientKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type ClearValveFault struct {
	Type    ClientKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

// DecodeClient decodes a raw client frame into one of the concrete message
// structs above. The returned value is a pointer to the concrete type.
func DecodeClient(raw []byte) (any, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}
	var msg any
	switch ClientKind(t) {
	case KindAddPlant:
		msg = &AddPlant{}
	case KindUpdatePlant:
		msg = &UpdatePlant{}
	case KindDeletePlant:
		msg = &DeletePlant{}
	case KindGetMoisture:
		msg = &GetMoisture{}
	case KindOpenValve:
		msg = &OpenValve{}
	case KindCloseValve:
		msg = &CloseValve{}
	case KindStartSmart:
		msg = &StartSmart{}
	case KindStopSmart:
		msg = &StopSmart{}
	case KindClearValveFault:
		msg = &ClearValveFault{}
	default:
		return nil, fmt.Errorf("unknown client message type %q", t)
	}
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
