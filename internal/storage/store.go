// Package storage is the authoritative relational state: users, gardens,
// membership and plants, on SQLite. Broadcast events sent to clients are only
// hints to refetch from here.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/plantora/plantora/internal/model/entities"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateName   = errors.New("plant name already used in garden")
	ErrMaxPlants       = errors.New("garden plant limit reached")
	ErrVersionConflict = errors.New("plant modified concurrently")
	ErrNoMembership    = errors.New("user is not a member of any garden")
)

// Store wraps the SQLite connection.
type Store struct {
	conn *sql.DB
}

// Open opens or creates the database and applies the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gardens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		max_plants INTEGER NOT NULL DEFAULT 12,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (owner_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS garden_members (
		garden_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (garden_id, user_id),
		FOREIGN KEY (garden_id) REFERENCES gardens(id),
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS plants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		garden_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		species TEXT,
		moisture_target INTEGER NOT NULL DEFAULT 40,
		moisture_min INTEGER NOT NULL DEFAULT 20,
		moisture_max INTEGER NOT NULL DEFAULT 80,
		sensor_port INTEGER NOT NULL DEFAULT 0,
		valve_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (garden_id, name),
		FOREIGN KEY (garden_id) REFERENCES gardens(id)
	);
	CREATE INDEX IF NOT EXISTS idx_plants_garden ON plants(garden_id);
	`
	_, err := s.conn.Exec(schema)
	return err
}

// ---------------- users / gardens / membership ----------------

func (s *Store) UpsertUser(u entities.User) error {
	_, err := s.conn.Exec(
		`INSERT INTO users (id, name) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name`, u.ID, u.Name)
	return err
}

// CreateGarden creates a garden and enrols the owner as its first member.
func (s *Store) CreateGarden(name, ownerID string, maxPlants int) (entities.Garden, error) {
	if maxPlants <= 0 {
		maxPlants = 12
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return entities.Garden{}, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`INSERT INTO gardens (name, owner_id, max_plants) VALUES (?, ?, ?)`,
		name, ownerID, maxPlants)
	if err != nil {
		return entities.Garden{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entities.Garden{}, err
	}
	if _, err := tx.Exec(`INSERT INTO garden_members (garden_id, user_id) VALUES (?, ?)`,
		id, ownerID); err != nil {
		return entities.Garden{}, err
	}
	if err := tx.Commit(); err != nil {
		return entities.Garden{}, err
	}
	return entities.Garden{ID: id, Name: name, OwnerID: ownerID, MaxPlants: maxPlants, CreatedAt: time.Now()}, nil
}

func (s *Store) AddMember(gardenID int64, userID string) error {
	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO garden_members (garden_id, user_id) VALUES (?, ?)`,
		gardenID, userID)
	return err
}

// GardenForUser returns the garden the user belongs to. A user belongs to at
// most one garden in this design.
func (s *Store) GardenForUser(userID string) (entities.Garden, error) {
	row := s.conn.QueryRow(
		`SELECT g.id, g.name, g.owner_id, g.max_plants, g.created_at
		 FROM gardens g JOIN garden_members m ON m.garden_id = g.id
		 WHERE m.user_id = ? LIMIT 1`, userID)
	var g entities.Garden
	if err := row.Scan(&g.ID, &g.Name, &g.OwnerID, &g.MaxPlants, &g.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entities.Garden{}, ErrNoMembership
		}
		return entities.Garden{}, err
	}
	return g, nil
}

func (s *Store) IsMember(gardenID int64, userID string) (bool, error) {
	row := s.conn.QueryRow(
		`SELECT 1 FROM garden_members WHERE garden_id = ? AND user_id = ?`, gardenID, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ---------------- plants ----------------

// CreatePlant inserts a plant for the garden, enforcing the per-garden plant
// cap and name uniqueness inside one transaction.
func (s *Store) CreatePlant(gardenID int64, d entities.PlantDetails) (entities.Plant, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return entities.Plant{}, err
	}
	defer tx.Rollback()

	var maxPlants, count int
	if err := tx.QueryRow(`SELECT max_plants FROM gardens WHERE id = ?`, gardenID).
		Scan(&maxPlants); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entities.Plant{}, ErrNotFound
		}
		return entities.Plant{}, err
	}
	if err := tx.QueryRow(`SELECT COUNT(*) FROM plants WHERE garden_id = ?`, gardenID).
		Scan(&count); err != nil {
		return entities.Plant{}, err
	}
	if count >= maxPlants {
		return entities.Plant{}, ErrMaxPlants
	}

	res, err := tx.Exec(
		`INSERT INTO plants (garden_id, name, species, moisture_target, moisture_min, moisture_max)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		gardenID, d.Name, d.Species, d.MoistureTarget, d.MoistureMin, d.MoistureMax)
	if err != nil {
		if isUniqueViolation(err) {
			return entities.Plant{}, ErrDuplicateName
		}
		return entities.Plant{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return entities.Plant{}, err
	}
	if err := tx.Commit(); err != nil {
		return entities.Plant{}, err
	}
	return s.GetPlant(id)
}

func (s *Store) GetPlant(id int64) (entities.Plant, error) {
	return s.scanPlant(s.conn.QueryRow(
		`SELECT id, garden_id, name, species, moisture_target, moisture_min, moisture_max,
		        sensor_port, valve_id, version, created_at
		 FROM plants WHERE id = ?`, id))
}

func (s *Store) GetPlantByName(gardenID int64, name string) (entities.Plant, error) {
	return s.scanPlant(s.conn.QueryRow(
		`SELECT id, garden_id, name, species, moisture_target, moisture_min, moisture_max,
		        sensor_port, valve_id, version, created_at
		 FROM plants WHERE garden_id = ? AND name = ?`, gardenID, name))
}

func (s *Store) ListPlants(gardenID int64) ([]entities.Plant, error) {
	rows, err := s.conn.Query(
		`SELECT id, garden_id, name, species, moisture_target, moisture_min, moisture_max,
		        sensor_port, valve_id, version, created_at
		 FROM plants WHERE garden_id = ? ORDER BY id`, gardenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entities.Plant
	for rows.Next() {
		p, err := s.scanPlant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdatePlantDetails applies the user-editable fields with an optimistic
// version check; a stale version reports ErrVersionConflict.
func (s *Store) UpdatePlantDetails(id, version int64, d entities.PlantDetails) (entities.Plant, error) {
	res, err := s.conn.Exec(
		`UPDATE plants SET
			name = COALESCE(NULLIF(?, ''), name),
			species = COALESCE(NULLIF(?, ''), species),
			moisture_target = CASE WHEN ? > 0 THEN ? ELSE moisture_target END,
			moisture_min = CASE WHEN ? > 0 THEN ? ELSE moisture_min END,
			moisture_max = CASE WHEN ? > 0 THEN ? ELSE moisture_max END,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		d.Name, d.Species,
		d.MoistureTarget, d.MoistureTarget,
		d.MoistureMin, d.MoistureMin,
		d.MoistureMax, d.MoistureMax,
		id, version)
	if err != nil {
		if isUniqueViolation(err) {
			return entities.Plant{}, ErrDuplicateName
		}
		return entities.Plant{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return entities.Plant{}, err
	}
	if n == 0 {
		if _, err := s.GetPlant(id); errors.Is(err, ErrNotFound) {
			return entities.Plant{}, ErrNotFound
		}
		return entities.Plant{}, ErrVersionConflict
	}
	return s.GetPlant(id)
}

// BindHardware records the completed two-phase assignment.
func (s *Store) BindHardware(id int64, sensorPort int, valveID string) error {
	res, err := s.conn.Exec(
		`UPDATE plants SET sensor_port = ?, valve_id = ?, version = version + 1 WHERE id = ?`,
		sensorPort, valveID, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeletePlant(id int64) error {
	res, err := s.conn.Exec(`DELETE FROM plants WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------- helpers ----------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanPlant(row rowScanner) (entities.Plant, error) {
	var p entities.Plant
	err := row.Scan(&p.ID, &p.GardenID, &p.Name, &p.Species,
		&p.MoistureTarget, &p.MoistureMin, &p.MoistureMax,
		&p.SensorPort, &p.ValveID, &p.Version, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entities.Plant{}, ErrNotFound
	}
	if err != nil {
		return entities.Plant{}, err
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
