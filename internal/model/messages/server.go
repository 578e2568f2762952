package messages

import (
	"encoding/json"
	"log"

	"github.com/plantora/plantora/internal/model/entities"
)

// ServerKind is the closed vocabulary of server->client messages, including
// the garden broadcast events. Broadcast events are cache-invalidation hints:
// a member who misses one reconciles on reconnect.
type ServerKind string

const (
	KindAddPlantSuccess    ServerKind = "ADD_PLANT_SUCCESS"
	KindAddPlantFail       ServerKind = "ADD_PLANT_FAIL"
	KindUpdatePlantSuccess ServerKind = "UPDATE_PLANT_SUCCESS"
	KindUpdatePlantFail    ServerKind = "UPDATE_PLANT_FAIL"
	KindDeletePlantSuccess ServerKind = "DELETE_PLANT_SUCCESS"
	KindDeletePlantFail    ServerKind = "DELETE_PLANT_FAIL"
	KindGetMoistureSuccess ServerKind = "GET_MOISTURE_SUCCESS"
	KindGetMoistureFail    ServerKind = "GET_MOISTURE_FAIL"
	KindValveOpened        ServerKind = "VALVE_OPENED"
	KindValveClosed        ServerKind = "VALVE_CLOSED"
	KindValveFail          ServerKind = "VALVE_FAIL"
	KindIrrigationStarted  ServerKind = "IRRIGATION_STARTED"
	KindIrrigationProgress ServerKind = "IRRIGATION_PROGRESS"
	KindIrrigationFinished ServerKind = "IRRIGATION_FINISHED"
	KindIrrigationFail     ServerKind = "IRRIGATION_FAIL"

	// KindError rejects a frame that failed decoding before any handler ran.
	KindError ServerKind = "ERROR"

	KindGardenPlantAdded     ServerKind = "GARDEN_PLANT_ADDED"
	KindGardenPlantUpdated   ServerKind = "GARDEN_PLANT_UPDATED"
	KindGardenPlantDeleted   ServerKind = "GARDEN_PLANT_DELETED"
	KindGardenValveBlocked   ServerKind = "GARDEN_VALVE_BLOCKED"
	KindGardenValveUnblocked ServerKind = "GARDEN_VALVE_UNBLOCKED"
)

type AddPlantSuccess struct {
	Type  ServerKind     `json:"type"`
	Plant entities.Plant `json:"plant"`
}

type OperationFail struct {
	Type    ServerKind `json:"type"`
	PlantID int64      `json:"plant_id,omitempty"`
	Reason  string     `json:"reason"`
}

type UpdatePlantSuccess struct {
	Type  ServerKind     `json:"type"`
	Plant entities.Plant `json:"plant"`
}

type DeletePlantSuccess struct {
	Type    ServerKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type GetMoistureSuccess struct {
	Type        ServerKind `json:"type"`
	PlantID     int64      `json:"plant_id"`
	Moisture    int        `json:"moisture"`
	Temperature float64    `json:"temperature"`
}

type ValveState struct {
	Type    ServerKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

type IrrigationUpdate struct {
	Type        ServerKind `json:"type"`
	PlantID     int64      `json:"plant_id"`
	Moisture    int        `json:"moisture,omitempty"`
	Temperature float64    `json:"temperature,omitempty"`
}

type GardenEvent struct {
	Type    ServerKind `json:"type"`
	PlantID int64      `json:"plant_id"`
}

// Encode marshals an outbound frame. Outbound structs carry their own type
// tag, so callers are expected to have set it; marshal errors here indicate a
// programming error and are logged, not propagated.
func Encode(msg any) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("messages: encode %T: %v", msg, err)
		return nil
	}
	return b
}
