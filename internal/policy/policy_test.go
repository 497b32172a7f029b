package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/growlab/grow-controller/internal/model"
)

type fakeHub struct {
	pct   map[string]float64
	fresh map[string]model.Freshness
}

func (f *fakeHub) LatestMoisture(sensorID string) (float64, model.Freshness) {
	fresh, ok := f.fresh[sensorID]
	if !ok {
		fresh = model.Fresh
	}
	return f.pct[sensorID], fresh
}

func testPlants() map[string]*model.Plant {
	return map[string]*model.Plant{
		"basil": {
			ID:               "basil",
			MoistureSensorID: "moist_1",
			WaterPumpID:      "pump_1",
			Thresholds:       model.Thresholds{StartWatering: 55, StopWatering: 70},
		},
	}
}

func TestHysteresisBand(t *testing.T) {
	tests := []struct {
		name        string
		pct         float64
		wantPending bool
	}{
		{"below start queues", 50, true},
		{"at start queues", 55, true},
		{"inside band does nothing", 60, false},
		{"at stop does nothing when idle", 70, false},
		{"above stop does nothing when idle", 80, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			hub := &fakeHub{pct: map[string]float64{"moist_1": tt.pct}, fresh: map[string]model.Freshness{}}
			p.Evaluate(testPlants(), hub)
			assert.Equal(t, tt.wantPending, p.IsPending("basil"))
		})
	}
}

func TestRequestPersistsInsideBand(t *testing.T) {
	p := New()
	plants := testPlants()
	hub := &fakeHub{pct: map[string]float64{"moist_1": 50}, fresh: map[string]model.Freshness{}}

	p.Evaluate(plants, hub)
	assert.True(t, p.IsPending("basil"))

	// Rising through the band does not clear the request.
	hub.pct["moist_1"] = 60
	p.Evaluate(plants, hub)
	assert.True(t, p.IsPending("basil"))

	// Only the stop threshold clears it.
	hub.pct["moist_1"] = 70
	p.Evaluate(plants, hub)
	assert.False(t, p.IsPending("basil"))
}

func TestNoDuplicateRequests(t *testing.T) {
	p := New()
	plants := testPlants()
	hub := &fakeHub{pct: map[string]float64{"moist_1": 40}, fresh: map[string]model.Freshness{}}

	p.Evaluate(plants, hub)
	p.Evaluate(plants, hub)
	p.Evaluate(plants, hub)
	assert.Equal(t, []string{"basil"}, p.Pending())
}

func TestUntrustedReadingsTakeNoAction(t *testing.T) {
	p := New()
	plants := testPlants()

	hub := &fakeHub{
		pct:   map[string]float64{"moist_1": 10},
		fresh: map[string]model.Freshness{"moist_1": model.Stale},
	}
	p.Evaluate(plants, hub)
	assert.False(t, p.IsPending("basil"), "stale reading must not trigger watering")

	hub.fresh["moist_1"] = model.NoData
	p.Evaluate(plants, hub)
	assert.False(t, p.IsPending("basil"))

	// A queued request is also not cleared on stale data.
	hub.fresh["moist_1"] = model.Fresh
	p.Evaluate(plants, hub)
	assert.True(t, p.IsPending("basil"))

	hub.pct["moist_1"] = 90
	hub.fresh["moist_1"] = model.Stale
	p.Evaluate(plants, hub)
	assert.True(t, p.IsPending("basil"))
}

func TestForce(t *testing.T) {
	p := New()
	p.Force("basil")
	assert.True(t, p.IsPending("basil"))

	// Forcing twice keeps one request.
	p.Force("basil")
	assert.Equal(t, []string{"basil"}, p.Pending())
}

func TestMarkFailedRetryOnceThenDrop(t *testing.T) {
	p := New()
	p.Force("basil")

	p.MarkFailed("basil")
	assert.True(t, p.IsPending("basil"), "first failure keeps the request for one retry")

	p.MarkFailed("basil")
	assert.False(t, p.IsPending("basil"), "second failure drops the request")

	// Failing an unknown plant is a no-op.
	p.MarkFailed("ghost")
}

func TestMarkFulfilled(t *testing.T) {
	p := New()
	p.Force("basil")
	p.MarkFulfilled("basil")
	assert.Empty(t, p.Pending())
}

func TestPendingSorted(t *testing.T) {
	p := New()
	p.Force("c")
	p.Force("a")
	p.Force("b")
	assert.Equal(t, []string{"a", "b", "c"}, p.Pending())
}
