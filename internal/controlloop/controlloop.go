package controlloop

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/db"
	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/datadog"
	"github.com/growlab/grow-controller/internal/distribution"
	"github.com/growlab/grow-controller/internal/gpio"
	"github.com/growlab/grow-controller/internal/mixer"
	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/policy"
	"github.com/growlab/grow-controller/internal/safety"
	"github.com/growlab/grow-controller/internal/scheduler"
	"github.com/growlab/grow-controller/internal/sensorhub"
)

// Loop is the control goroutine: every check interval it fires due events,
// evaluates the watering policy, and drives at most one batch through mixing
// and distribution. All actuation happens on this goroutine; the bus callback
// only ever touches the sensor hub.
type Loop struct {
	cfg     *config.Manager
	hub     *sensorhub.Hub
	guard   *safety.Interlock
	mixer   *mixer.Mixer
	dist    *distribution.Controller
	policy  *policy.Policy
	sched   *scheduler.Scheduler
	journal *sql.DB

	mu     sync.RWMutex
	plants map[string]*model.Plant
	// intervalOverride, when set by a scheduled event, replaces the
	// configured moisture check interval until the next config reload.
	intervalOverride time.Duration

	now func() time.Time
}

func New(cfg *config.Manager, hub *sensorhub.Hub, guard *safety.Interlock, mx *mixer.Mixer,
	dist *distribution.Controller, pol *policy.Policy, sched *scheduler.Scheduler, journal *sql.DB) *Loop {
	return &Loop{
		cfg:     cfg,
		hub:     hub,
		guard:   guard,
		mixer:   mx,
		dist:    dist,
		policy:  pol,
		sched:   sched,
		journal: journal,
		plants:  cfg.Active().HydratePlants(),
		now:     time.Now,
	}
}

// Run ticks until the context is cancelled, then forces every pump off
// before returning so shutdown never strands an active relay.
func (l *Loop) Run(ctx context.Context) {
	interval := l.checkInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("Control loop started")

	for {
		select {
		case <-ctx.Done():
			gpio.AllOff(gpio.AllPumps(l.cfg.Active()))
			log.Info().Msg("Control loop stopped, all pumps off")
			return
		case now := <-ticker.C:
			l.RunOnce(ctx, now)
			if next := l.checkInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				log.Info().Dur("interval", interval).Msg("Check interval changed")
			}
		}
	}
}

// RunOnce executes a single control tick. Exported so the operator surface
// and tests can drive the loop deterministically.
func (l *Loop) RunOnce(ctx context.Context, now time.Time) {
	for _, action := range l.sched.Tick(now) {
		l.applyAction(action)
	}

	// Evaluate writes each plant's last known moisture; ReloadPlants on the
	// operator goroutine reads it under the same lock.
	l.mu.Lock()
	plants := l.plants
	l.policy.Evaluate(plants, l.hub)
	l.mu.Unlock()

	l.journalPlants(plants)

	// A batch left sitting in Ready past its hold is discarded, not served.
	l.mixer.CheckReadyTimeout()
	if l.mixer.State() == model.StateAborted {
		l.mixer.Reset()
	}

	pending := l.policy.Pending()
	if len(pending) == 0 || l.mixer.State() != model.StateIdle {
		return
	}
	l.runBatch(ctx, pending)
}

func (l *Loop) runBatch(ctx context.Context, plantIDs []string) {
	active := l.cfg.Active()
	batch := &model.Batch{
		PlantIDs:        plantIDs,
		NutrientAmounts: active.WaterNutrient.NutrientAmounts,
		TotalWaterMl:    active.WaterNutrient.TotalWaterMl,
		MlPerPlant:      active.WaterNutrient.MlPerPlant,
		CreatedAt:       l.now(),
	}
	if l.journal != nil {
		id, err := db.InsertBatch(l.journal, batch)
		if err != nil {
			log.Error().Err(err).Msg("Failed to journal batch")
		} else {
			batch.ID = id
		}
	}

	if err := l.mixer.StartBatch(batch); err != nil {
		// Requests stay queued; the interlock may clear by the next tick.
		log.Warn().Err(err).Strs("plants", plantIDs).Msg("Batch not started")
		l.finishJournal(batch.ID, db.BatchRejected, err.Error())
		return
	}

	if err := l.mixer.Run(ctx); err != nil {
		l.finishJournal(batch.ID, db.BatchAborted, err.Error())
		// A safety trip defers the requests; only a hardware fault burns
		// the single retry.
		if !errors.Is(err, model.ErrUnsafe) {
			for _, id := range plantIDs {
				l.policy.MarkFailed(id)
			}
		}
		l.mixer.Reset()
		return
	}

	results := l.dist.Distribute(ctx)
	fault := ""
	for _, r := range results {
		if l.journal != nil {
			if err := db.InsertDelivery(l.journal, batch.ID, r); err != nil {
				log.Error().Err(err).Msg("Failed to journal delivery")
			}
		}
		if r.Err != nil {
			fault = r.Err.Error()
			if !errors.Is(r.Err, model.ErrUnsafe) {
				l.policy.MarkFailed(r.PlantID)
			}
		} else {
			l.policy.MarkFulfilled(r.PlantID)
		}
	}

	if fault == "" {
		l.finishJournal(batch.ID, db.BatchDelivered, "")
		datadog.Count("controlloop.batch_delivered", 1)
	} else {
		l.finishJournal(batch.ID, db.BatchAborted, fault)
	}
}

func (l *Loop) applyAction(a config.EventAction) {
	switch a.Type {
	case scheduler.ActionForceWater:
		l.mu.RLock()
		_, known := l.plants[a.PlantID]
		l.mu.RUnlock()
		if !known {
			log.Warn().Str("plant", a.PlantID).Msg("Scheduled watering for unknown plant")
			return
		}
		l.policy.Force(a.PlantID)

	case scheduler.ActionSetThresh:
		l.mu.Lock()
		for id, plant := range l.plants {
			if plant.MoistureSensorID == a.SensorID {
				plant.Thresholds = model.Thresholds{StartWatering: a.Start, StopWatering: a.Stop}
				log.Info().
					Str("plant", id).
					Float64("start_watering", a.Start).
					Float64("stop_watering", a.Stop).
					Msg("Thresholds updated by scheduled event")
			}
		}
		l.mu.Unlock()

	case scheduler.ActionSetInterval:
		if err := l.hub.SetInterval(a.IntervalMs); err != nil {
			log.Error().Err(err).Msg("Scheduled interval change rejected")
			return
		}
		interval := time.Duration(a.IntervalMs) * time.Millisecond
		l.mu.Lock()
		l.intervalOverride = interval
		l.mu.Unlock()
		// The staleness horizon tracks the check interval, never the
		// firmware publish cadence.
		l.hub.SetStaleAfter(3 * interval)
		log.Info().Dur("interval", interval).Msg("Check interval changed by scheduled event")
	}
}

func (l *Loop) journalPlants(plants map[string]*model.Plant) {
	if l.journal == nil {
		return
	}
	for id, plant := range plants {
		if err := db.UpdatePlantState(l.journal, id, plant.LastMoisturePct, l.policy.IsPending(id)); err != nil {
			log.Error().Err(err).Str("plant", id).Msg("Failed to journal plant state")
		}
	}
}

func (l *Loop) finishJournal(batchID int64, state, fault string) {
	if l.journal == nil || batchID == 0 {
		return
	}
	if err := db.FinishBatch(l.journal, batchID, state, fault); err != nil {
		log.Error().Err(err).Int64("batch", batchID).Msg("Failed to close batch journal entry")
	}
}

func (l *Loop) checkInterval() time.Duration {
	l.mu.RLock()
	override := l.intervalOverride
	l.mu.RUnlock()
	if override > 0 {
		return override
	}
	return time.Duration(l.cfg.Active().Event.MoistureCheckIntervalSeconds) * time.Second
}

// ReloadPlants rebuilds the runtime plant set after a config reload, keeping
// the last known moisture of plants that survive the reload. The reloaded
// file is authoritative for the check cadence again: any scheduled interval
// override is dropped and the staleness horizon rebound.
func (l *Loop) ReloadPlants() {
	next := l.cfg.Active().HydratePlants()

	l.mu.Lock()
	for id, plant := range next {
		if prev, ok := l.plants[id]; ok {
			plant.LastMoisturePct = prev.LastMoisturePct
		}
	}
	l.plants = next
	l.intervalOverride = 0
	l.mu.Unlock()

	l.hub.SetStaleAfter(3 * l.checkInterval())

	if l.journal != nil {
		if err := db.SeedPlants(l.journal, next); err != nil {
			log.Error().Err(err).Msg("Failed to reseed plant journal")
		}
	}
}

// PlantStatus is one row of the state query surface.
type PlantStatus struct {
	ID          string           `json:"id"`
	MoisturePct float64          `json:"moisture_pct"`
	Freshness   model.Freshness  `json:"freshness"`
	Pending     bool             `json:"pending"`
	Thresholds  model.Thresholds `json:"thresholds"`
}

// Status is a point-in-time snapshot for the operator surface.
type Status struct {
	MixerState      model.BatchState `json:"mixer_state"`
	Abort           bool             `json:"abort_mode"`
	FillLevels      map[string]bool  `json:"fill_levels"`
	Plants          []PlantStatus    `json:"plants"`
	ScheduledEvents int              `json:"scheduled_events"`
}

func (l *Loop) Status() Status {
	l.mu.RLock()
	plants := make([]PlantStatus, 0, len(l.plants))
	for id, plant := range l.plants {
		pct, fresh := l.hub.LatestMoisture(plant.MoistureSensorID)
		plants = append(plants, PlantStatus{
			ID:          id,
			MoisturePct: pct,
			Freshness:   fresh,
			Pending:     l.policy.IsPending(id),
			Thresholds:  plant.Thresholds,
		})
	}
	l.mu.RUnlock()
	sort.Slice(plants, func(i, j int) bool { return plants[i].ID < plants[j].ID })

	return Status{
		MixerState: l.mixer.State(),
		Abort:      l.guard.Aborted(),
		FillLevels: map[string]bool{
			model.MixerFull:       l.hub.FillLevel(model.MixerFull),
			model.WaterTankLow:    l.hub.FillLevel(model.WaterTankLow),
			model.NutrientTankLow: l.hub.FillLevel(model.NutrientTankLow),
		},
		Plants:          plants,
		ScheduledEvents: l.sched.Pending(),
	}
}
