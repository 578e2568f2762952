package entities

import "time"

// Plant is a single managed plant: one soil-moisture sensor port and one
// valve on the garden controller, once assignment has completed.
type Plant struct {
	ID             int64     `json:"id"`
	GardenID       int64     `json:"garden_id"`
	Name           string    `json:"name"`
	Species        string    `json:"species,omitempty"`
	MoistureTarget int       `json:"moisture_target"` // percent
	MoistureMin    int       `json:"moisture_min"`
	MoistureMax    int       `json:"moisture_max"`
	SensorPort     int       `json:"sensor_port,omitempty"` // 0 = not assigned
	ValveID        string    `json:"valve_id,omitempty"`    // "" = not assigned
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// HardwareBound reports whether both halves of the two-phase assignment
// have been recorded for this plant.
func (p *Plant) HardwareBound() bool {
	return p.SensorPort > 0 && p.ValveID != ""
}

// PlantDetails carries the user-editable subset of a plant, used by the
// detail-update flow.
type PlantDetails struct {
	Name           string `json:"name,omitempty"`
	Species        string `json:"species,omitempty"`
	MoistureTarget int    `json:"moisture_target,omitempty"`
	MoistureMin    int    `json:"moisture_min,omitempty"`
	MoistureMax    int    `json:"moisture_max,omitempty"`
}
