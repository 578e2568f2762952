package entities

import "time"

// Garden is a shared group of users jointly managing a set of plants.
// Membership determines who receives garden broadcasts.
type Garden struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	MaxPlants int       `json:"max_plants"`
	CreatedAt time.Time `json:"created_at"`
}

// User identity as handed over by the session layer; authentication itself
// happens outside this system.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
