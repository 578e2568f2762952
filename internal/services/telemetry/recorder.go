// Package telemetry records the measurement stream coming back from the
// garden controller into InfluxDB. Readings are buffered and averaged per
// plant before writing; irrigation results are written as they arrive.
package telemetry

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Sink is the subset of the Influx non-blocking write API the recorder
// needs; api.WriteAPI satisfies it.
type Sink interface {
	WritePoint(point *write.Point)
	Errors() <-chan error
	Flush()
}

type reading struct {
	moisture    int
	temperature float64
}

// Recorder buffers moisture readings per plant and flushes one averaged
// point per plant every flush interval. It also tracks the last asynchronous
// write error so the health endpoint can report Influx trouble.
type Recorder struct {
	sink          Sink
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  map[int64][]reading
	lastErr time.Time
}

func NewRecorder(sink Sink, flushInterval time.Duration) *Recorder {
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	r := &Recorder{
		sink:          sink,
		flushInterval: flushInterval,
		buffer:        make(map[int64][]reading),
		lastErr:       time.Now().Add(-24 * time.Hour),
	}
	go func() {
		for err := range sink.Errors() {
			if err != nil {
				r.mu.Lock()
				r.lastErr = time.Now()
				r.mu.Unlock()
				log.Printf("telemetry: influx write error: %v", err)
			}
		}
	}()
	return r
}

// RecordMoisture buffers one reading for the plant.
func (r *Recorder) RecordMoisture(plantID int64, moisture int, temperature float64) {
	r.mu.Lock()
	r.buffer[plantID] = append(r.buffer[plantID], reading{moisture: moisture, temperature: temperature})
	r.mu.Unlock()
}

// RecordIrrigationResult writes the completed run immediately; runs are rare
// and each one matters.
func (r *Recorder) RecordIrrigationResult(plantID int64, mmApplied float64) {
	r.sink.WritePoint(influxdb2.NewPoint("irrigation",
		map[string]string{"plant_id": strconv.FormatInt(plantID, 10)},
		map[string]any{"mm_applied": mmApplied},
		time.Now()))
}

// LastErrorAge returns how long ago the last write error happened.
func (r *Recorder) LastErrorAge() time.Duration {
	r.mu.Lock()
	t := r.lastErr
	r.mu.Unlock()
	return time.Since(t)
}

// Run flushes the buffer every interval until ctx is cancelled, then drains
// what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			r.sink.Flush()
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

func (r *Recorder) flush() {
	r.mu.Lock()
	batch := r.buffer
	r.buffer = make(map[int64][]reading)
	r.mu.Unlock()

	now := time.Now()
	for plantID, readings := range batch {
		if len(readings) == 0 {
			continue
		}
		var moistSum int
		var tempSum float64
		for _, rd := range readings {
			moistSum += rd.moisture
			tempSum += rd.temperature
		}
		r.sink.WritePoint(influxdb2.NewPoint("moisture",
			map[string]string{"plant_id": strconv.FormatInt(plantID, 10)},
			map[string]any{
				"moisture":    moistSum / len(readings),
				"temperature": tempSum / float64(len(readings)),
				"samples":     len(readings),
			},
			now))
	}
}
