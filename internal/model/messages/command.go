package messages

// CommandKind is the closed vocabulary of server->device commands. One
// command is published per device round trip; the device answers
// asynchronously with a DeviceKind reply keyed by plant id.
type CommandKind string

const (
	CmdAddPlant        CommandKind = "ADD_PLANT"
	CmdRemovePlant     CommandKind = "REMOVE_PLANT"
	CmdUpdatePlant     CommandKind = "UPDATE_PLANT"
	CmdReadMoisture    CommandKind = "READ_MOISTURE"
	CmdOpenValve       CommandKind = "OPEN_VALVE"
	CmdCloseValve      CommandKind = "CLOSE_VALVE"
	CmdStartIrrigation CommandKind = "START_IRRIGATION"
	CmdStopIrrigation  CommandKind = "STOP_IRRIGATION"
	CmdClearFault      CommandKind = "CLEAR_FAULT"
)

// DeviceCommand is the single outbound command shape. Not every field is
// meaningful for every kind; the device ignores what it does not need.
type DeviceCommand struct {
	Type           CommandKind `json:"type"`
	TicketID       string      `json:"ticket_id"`
	PlantID        int64       `json:"plant_id"`
	Name           string      `json:"name,omitempty"`
	MoistureTarget int         `json:"moisture_target,omitempty"`
	MoistureMin    int         `json:"moisture_min,omitempty"`
	MoistureMax    int         `json:"moisture_max,omitempty"`
	DurationSec    int         `json:"duration_sec,omitempty"`
}
