package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantora/plantora/internal/model/entities"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "plantora.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGarden(t *testing.T, s *Store, maxPlants int) entities.Garden {
	t.Helper()
	require.NoError(t, s.UpsertUser(entities.User{ID: "alice", Name: "Alice"}))
	g, err := s.CreateGarden("backyard", "alice", maxPlants)
	require.NoError(t, err)
	return g
}

func TestMembership(t *testing.T) {
	s := openTestStore(t)
	g := seedGarden(t, s, 5)

	got, err := s.GardenForUser("alice")
	require.NoError(t, err)
	assert.Equal(t, g.ID, got.ID)

	_, err = s.GardenForUser("mallory")
	assert.ErrorIs(t, err, ErrNoMembership)

	require.NoError(t, s.UpsertUser(entities.User{ID: "bob", Name: "Bob"}))
	require.NoError(t, s.AddMember(g.ID, "bob"))
	ok, err := s.IsMember(g.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCreatePlantEnforcesCapAndUniqueness(t *testing.T) {
	s := openTestStore(t)
	g := seedGarden(t, s, 2)

	p1, err := s.CreatePlant(g.ID, entities.PlantDetails{Name: "basil", MoistureTarget: 45})
	require.NoError(t, err)
	assert.Equal(t, int64(1), p1.Version)
	assert.False(t, p1.HardwareBound())

	_, err = s.CreatePlant(g.ID, entities.PlantDetails{Name: "basil"})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = s.CreatePlant(g.ID, entities.PlantDetails{Name: "mint"})
	require.NoError(t, err)

	_, err = s.CreatePlant(g.ID, entities.PlantDetails{Name: "thyme"})
	assert.ErrorIs(t, err, ErrMaxPlants)
}

func TestUpdatePlantDetailsVersionCheck(t *testing.T) {
	s := openTestStore(t)
	g := seedGarden(t, s, 5)
	p, err := s.CreatePlant(g.ID, entities.PlantDetails{Name: "fern", MoistureTarget: 50})
	require.NoError(t, err)

	updated, err := s.UpdatePlantDetails(p.ID, p.Version, entities.PlantDetails{MoistureTarget: 60})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.MoistureTarget)
	assert.Equal(t, "fern", updated.Name, "unset fields keep their value")
	assert.Equal(t, p.Version+1, updated.Version)

	// stale version loses
	_, err = s.UpdatePlantDetails(p.ID, p.Version, entities.PlantDetails{MoistureTarget: 70})
	assert.ErrorIs(t, err, ErrVersionConflict)

	_, err = s.UpdatePlantDetails(9999, 1, entities.PlantDetails{MoistureTarget: 70})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBindHardwareAndDelete(t *testing.T) {
	s := openTestStore(t)
	g := seedGarden(t, s, 5)
	p, err := s.CreatePlant(g.ID, entities.PlantDetails{Name: "rose"})
	require.NoError(t, err)

	require.NoError(t, s.BindHardware(p.ID, 3, "valve-7"))
	bound, err := s.GetPlant(p.ID)
	require.NoError(t, err)
	assert.True(t, bound.HardwareBound())
	assert.Equal(t, 3, bound.SensorPort)

	byName, err := s.GetPlantByName(g.ID, "rose")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)

	require.NoError(t, s.DeletePlant(p.ID))
	assert.ErrorIs(t, s.DeletePlant(p.ID), ErrNotFound)
	_, err = s.GetPlant(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}
