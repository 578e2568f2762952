package messages

import "encoding/json"

// Every message on the wire, in both directions, is a flat JSON object with
// an UPPER_SNAKE_CASE "type" tag and type-specific fields alongside it.
type envelope struct {
	Type string `json:"type"`
}

// PeekType extracts the type tag without decoding the rest of the payload.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// Reason tags are the only structured error channel across the boundary;
// clients map them to user-facing text, so they must survive verbatim.
const (
	ReasonNoGardenMembership     = "NO_GARDEN_MEMBERSHIP"
	ReasonMaxPlantsReached       = "MAX_PLANTS_REACHED"
	ReasonDuplicateName          = "DUPLICATE_NAME"
	ReasonConcurrentModification = "CONCURRENT_MODIFICATION"
	ReasonPlantNotFound          = "PLANT_NOT_FOUND"
	ReasonAlreadyPending         = "ALREADY_PENDING"
	ReasonDeviceUnavailable      = "DEVICE_UNAVAILABLE"
	ReasonValveBlocked           = "VALVE_BLOCKED"
	ReasonBadRequest             = "BAD_REQUEST"
	ReasonStorageFailure         = "STORAGE_FAILURE"
)
