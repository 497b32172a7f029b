package policy

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/model"
)

// MoistureReader is the slice of the sensor hub the policy consults.
type MoistureReader interface {
	LatestMoisture(sensorID string) (float64, model.Freshness)
}

// Request is a pending watering demand for one plant. Requests persist
// across ticks until fulfilled or cleared by the stop threshold; repeated
// low readings never enqueue duplicates.
type Request struct {
	PlantID  string
	Forced   bool
	Attempts int
}

// Policy holds the per-plant hysteresis state. Evaluation runs on the
// control goroutine; Force may be called from the operator surface.
type Policy struct {
	mu      sync.Mutex
	pending map[string]*Request
}

func New() *Policy {
	return &Policy{pending: make(map[string]*Request)}
}

// Evaluate applies the hysteresis band to every plant. Stale or missing
// readings take no action: the fail-safe default is to not water on data we
// do not trust. Each plant's last known moisture is updated as a side
// effect for the state query surface.
func (p *Policy) Evaluate(plants map[string]*model.Plant, hub MoistureReader) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, plant := range plants {
		pct, fresh := hub.LatestMoisture(plant.MoistureSensorID)
		if fresh != model.Fresh {
			log.Debug().
				Str("plant", id).
				Str("freshness", string(fresh)).
				Msg("Skipping plant with untrusted moisture reading")
			continue
		}
		plant.LastMoisturePct = pct
		datadog.Gauge("policy.moisture_percent", pct, "plant:"+id)

		switch {
		case pct <= plant.Thresholds.StartWatering:
			if _, queued := p.pending[id]; !queued {
				p.pending[id] = &Request{PlantID: id}
				log.Info().
					Str("plant", id).
					Float64("percent", pct).
					Float64("start_watering", plant.Thresholds.StartWatering).
					Msg("Queueing watering request")
			}
		case pct >= plant.Thresholds.StopWatering:
			if _, queued := p.pending[id]; queued {
				delete(p.pending, id)
				log.Info().
					Str("plant", id).
					Float64("percent", pct).
					Msg("Clearing watering request, stop threshold reached")
			}
		}
		// Inside the band nothing changes: that is the hysteresis.
	}
}

// Force queues a watering request regardless of moisture, for scheduled
// events and the operator surface.
func (p *Policy) Force(plantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, queued := p.pending[plantID]; !queued {
		p.pending[plantID] = &Request{PlantID: plantID, Forced: true}
		log.Info().Str("plant", plantID).Msg("Queueing forced watering request")
	}
}

// Pending returns the queued plant ids in a stable order.
func (p *Policy) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	ids := make([]string, 0, len(p.pending))
	for id := range p.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsPending reports whether a plant has a queued request.
func (p *Policy) IsPending(plantID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[plantID]
	return ok
}

// MarkFulfilled clears a delivered request.
func (p *Policy) MarkFulfilled(plantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, plantID)
}

// MarkFailed records a delivery failure. One retry is allowed, served on a
// later tick; a second failure drops the request rather than hammering
// faulted hardware.
func (p *Policy) MarkFailed(plantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	req, ok := p.pending[plantID]
	if !ok {
		return
	}
	req.Attempts++
	if req.Attempts > 1 {
		delete(p.pending, plantID)
		log.Warn().Str("plant", plantID).Msg("Dropping watering request after retry failure")
	} else {
		log.Warn().Str("plant", plantID).Msg("Delivery failed, will retry on a later tick")
	}
}
