package pending

import (
	"sync"
	"time"
)

// Assignment is the completed two-phase hardware binding for a plant: the
// sensor port, the valve, and the user who requested the plant.
type Assignment struct {
	PlantID    int64
	SensorPort int
	ValveID    string
	UserID     string
}

// Partial carries whichever assignment facts have arrived so far. The two
// device replies and the user identity show up independently and in any
// order; nil fields are left untouched by a merge.
type Partial struct {
	SensorPort *int
	ValveID    *string
	UserID     *string
}

type accState struct {
	sensorPort *int
	valveID    *string
	userID     *string
	createdAt  time.Time
}

func (s *accState) complete() bool {
	return s.sensorPort != nil && s.valveID != nil && s.userID != nil
}

// Accumulator joins the independent partial facts of one hardware assignment
// and fires the completion callback exactly once, when sensor port, valve id
// and user identity are all present. The entry is deleted before the
// callback runs, so a duplicate partial can never re-fire it.
type Accumulator struct {
	name       string
	maxAge     time.Duration
	onComplete func(Assignment)

	mu      sync.Mutex
	entries map[int64]*accState
}

func NewAccumulator(name string, maxAge time.Duration, onComplete func(Assignment)) *Accumulator {
	return &Accumulator{
		name:       name,
		maxAge:     maxAge,
		onComplete: onComplete,
		entries:    make(map[int64]*accState),
	}
}

func (a *Accumulator) Name() string { return a.name }

// Merge shallow-merges p into the stored snapshot for plantID, creating it if
// absent. When the merge completes the assignment, the snapshot is returned
// with completed=true and the callback is invoked outside the lock.
func (a *Accumulator) Merge(plantID int64, p Partial) (bool, Assignment) {
	a.mu.Lock()
	st, ok := a.entries[plantID]
	if !ok {
		st = &accState{createdAt: time.Now()}
		a.entries[plantID] = st
	}
	if p.SensorPort != nil {
		st.sensorPort = p.SensorPort
	}
	if p.ValveID != nil {
		st.valveID = p.ValveID
	}
	if p.UserID != nil {
		st.userID = p.UserID
	}
	if !st.complete() {
		a.mu.Unlock()
		return false, Assignment{PlantID: plantID}
	}
	snap := Assignment{
		PlantID:    plantID,
		SensorPort: *st.sensorPort,
		ValveID:    *st.valveID,
		UserID:     *st.userID,
	}
	delete(a.entries, plantID)
	a.mu.Unlock()

	if a.onComplete != nil {
		a.onComplete(snap)
	}
	return true, snap
}

// Cancel drops an in-progress assignment, e.g. when the plant it belonged to
// was rolled back.
func (a *Accumulator) Cancel(plantID int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.entries[plantID]; !ok {
		return false
	}
	delete(a.entries, plantID)
	return true
}

func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// SweepExpired purges incomplete assignments older than the staleness
// threshold and returns their plant ids, so the owner can roll back the
// orphaned plants. A half-assigned plant would otherwise leak forever.
func (a *Accumulator) SweepExpired() []int64 {
	cutoff := time.Now().Add(-a.maxAge)
	a.mu.Lock()
	defer a.mu.Unlock()
	var swept []int64
	for id, st := range a.entries {
		if st.createdAt.Before(cutoff) {
			delete(a.entries, id)
			swept = append(swept, id)
		}
	}
	return swept
}
