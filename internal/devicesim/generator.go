package devicesim

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// +0.6% moisture per minute while the valve is open, in [0..1]
	gainPerMin = 0.006
	// -0.1% per minute while closed
	decayPerMin = 0.001

	defaultSeed = 0.30
	baseTempC   = 21.0
)

// moistureModel holds the simulated soil state of one plant and drifts it
// over time: up while watering, slowly down otherwise.
type moistureModel struct {
	mu       sync.Mutex
	seeded   bool
	last     time.Time
	moisture float64 // [0..1]
}

func newMoistureModel() *moistureModel {
	return &moistureModel{}
}

// next advances the drift and returns the current reading.
func (g *moistureModel) next(valveOpen bool) (moisturePct int, temperature float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	if !g.seeded {
		g.moisture = defaultSeed + (rand.Float64()-0.5)*0.1
		g.last = now
		g.seeded = true
	}

	dtMin := now.Sub(g.last).Minutes()
	if dtMin < 0 {
		dtMin = 0
	}
	if valveOpen {
		g.moisture = clamp01(g.moisture + gainPerMin*dtMin)
	} else {
		g.moisture = clamp01(g.moisture - decayPerMin*dtMin)
	}
	g.last = now

	temperature = baseTempC + (rand.Float64()-0.5)*2
	return int(math.Round(g.moisture * 100)), temperature
}

// applyWater bumps the moisture immediately, as if dt minutes of watering
// happened at once. The smart loop uses it so short demo runs converge.
func (g *moistureModel) applyWater(dtMin float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.moisture = clamp01(g.moisture + gainPerMin*dtMin)
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
