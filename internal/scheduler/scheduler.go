package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/model"
)

// Action types an event may carry.
const (
	ActionForceWater  = "force_water"
	ActionSetThresh   = "set_threshold"
	ActionSetInterval = "set_interval"
)

type entry struct {
	id       string
	schedule cron.Schedule // nil for one-shot events
	nextFire time.Time
	seq      int
	action   config.EventAction
}

// Scheduler is a single-threaded timer wheel: Tick is only ever called from
// the control goroutine, but Add/Remove may come from the operator surface.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry
	seq     int
	now     func() time.Time
}

func New() *Scheduler {
	return &Scheduler{now: time.Now}
}

// Add registers an event from its config record. Cron specs are standard
// five-field expressions; one-shots are RFC3339 timestamps.
func (s *Scheduler) Add(ev config.ScheduledEvent) error {
	if err := validateAction(ev.Action); err != nil {
		return err
	}

	e := &entry{id: ev.ID, action: ev.Action}
	switch {
	case ev.Cron != "":
		schedule, err := cron.ParseStandard(ev.Cron)
		if err != nil {
			return fmt.Errorf("%w: event %s: bad cron spec %q: %v", model.ErrConfig, ev.ID, ev.Cron, err)
		}
		e.schedule = schedule
		e.nextFire = schedule.Next(s.now())
	case ev.At != "":
		at, err := time.Parse(time.RFC3339, ev.At)
		if err != nil {
			return fmt.Errorf("%w: event %s: bad timestamp %q: %v", model.ErrConfig, ev.ID, ev.At, err)
		}
		e.nextFire = at
	default:
		return fmt.Errorf("%w: event %s has neither cron nor at", model.ErrConfig, ev.ID)
	}

	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	log.Info().
		Str("event", ev.ID).
		Str("action", ev.Action.Type).
		Time("next_fire", e.nextFire).
		Msg("Scheduled event")
	return nil
}

func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	for _, e := range s.entries {
		if e.id != id {
			kept = append(kept, e)
		}
	}
	s.entries = kept
}

// ReplaceAll swaps the schedule wholesale on config reload. Invalid events
// reject the whole replacement so a half-applied schedule never runs.
func (s *Scheduler) ReplaceAll(events []config.ScheduledEvent) error {
	replacement := New()
	replacement.now = s.now
	for _, ev := range events {
		if err := replacement.Add(ev); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.entries = replacement.entries
	s.seq = replacement.seq
	s.mu.Unlock()
	return nil
}

// Tick fires every event due at or before now, in ascending trigger-time
// order with ties broken by insertion order. Recurring events reschedule
// from now, not from the missed trigger, so a stalled loop never replays a
// backlog of catch-up firings. Two force-water actions in one tick contend
// for the mixer; the later-inserted one is deferred to the next tick.
func (s *Scheduler) Tick(now time.Time) []config.EventAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for _, e := range s.entries {
		if !e.nextFire.After(now) {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].nextFire.Equal(due[j].nextFire) {
			return due[i].nextFire.Before(due[j].nextFire)
		}
		return due[i].seq < due[j].seq
	})

	var fired []config.EventAction
	mixerClaimed := false
	removed := make(map[*entry]bool)

	for _, e := range due {
		if e.action.Type == ActionForceWater {
			if mixerClaimed {
				log.Warn().
					Str("event", e.id).
					Msg("Deferring scheduled watering: mixer already claimed this tick")
				continue // nextFire untouched; fires on the next tick
			}
			mixerClaimed = true
		}

		fired = append(fired, e.action)
		if e.schedule != nil {
			e.nextFire = e.schedule.Next(now)
		} else {
			removed[e] = true
		}
	}

	if len(removed) > 0 {
		kept := s.entries[:0]
		for _, e := range s.entries {
			if !removed[e] {
				kept = append(kept, e)
			}
		}
		s.entries = kept
	}
	return fired
}

// Pending returns how many events are scheduled, for the state surface.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func validateAction(a config.EventAction) error {
	switch a.Type {
	case ActionForceWater:
		if a.PlantID == "" {
			return fmt.Errorf("%w: force_water needs plant_id", model.ErrConfig)
		}
	case ActionSetThresh:
		if a.SensorID == "" || a.Start >= a.Stop {
			return fmt.Errorf("%w: set_threshold needs sensor_id and start < stop", model.ErrConfig)
		}
	case ActionSetInterval:
		if a.IntervalMs <= 0 {
			return fmt.Errorf("%w: set_interval needs a positive interval", model.ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown action type %q", model.ErrConfig, a.Type)
	}
	return nil
}
