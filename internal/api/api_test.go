package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growlab/grow-controller/db"
	"github.com/growlab/grow-controller/internal/config"
	"github.com/growlab/grow-controller/internal/controlloop"
	"github.com/growlab/grow-controller/internal/distribution"
	"github.com/growlab/grow-controller/internal/mixer"
	"github.com/growlab/grow-controller/internal/model"
	"github.com/growlab/grow-controller/internal/policy"
	"github.com/growlab/grow-controller/internal/safety"
	"github.com/growlab/grow-controller/internal/scheduler"
	"github.com/growlab/grow-controller/internal/sensorhub"
	"github.com/growlab/grow-controller/internal/state"
)

type fakeBus struct {
	published []string
}

func (f *fakeBus) Publish(topic, payload string) error {
	f.published = append(f.published, topic+" "+payload)
	return nil
}

type fakeLevels map[string]bool

func (f fakeLevels) FillLevel(name string) bool { return f[name] }

type testServer struct {
	server *Server
	bus    *fakeBus
	ctrl   *state.ControlState
	policy *policy.Policy
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		ConfigFile: "/nonexistent/config.json",
		WaterNutrient: config.WaterNutrient{
			WaterPump: model.PumpSpec{ID: "water", Pin: model.GPIOPin{Number: 22, ActiveHigh: true}, FlowRateMlPerS: 20},
			DistributionPumps: map[string]model.PumpSpec{
				"pump_1": {ID: "pump_1", Pin: model.GPIOPin{Number: 23, ActiveHigh: true}, FlowRateMlPerS: 30},
			},
			TotalWaterMl: 8000,
			MlPerPlant:   1000,
		},
		Event: config.Events{MoistureCheckIntervalSeconds: 30},
		Plants: map[string]config.PlantSpec{
			"basil": {
				MoistureSensorID: "moist_1",
				WaterPumpID:      "pump_1",
				Thresholds:       model.Thresholds{StartWatering: 30, StopWatering: 70},
			},
		},
	}
	manager := config.NewManager(cfg)

	journal, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	bus := &fakeBus{}
	hub := sensorhub.New(bus, 10, 90*time.Second)
	ctrl := state.New(false, func(v bool) error { return db.SetAbortMode(journal, v) })
	guard := safety.New(fakeLevels{}, ctrl)
	mx := mixer.New(manager, guard, nil)
	dist := distribution.New(manager, guard, mx, nil)
	pol := policy.New()
	sched := scheduler.New()
	loop := controlloop.New(manager, hub, guard, mx, dist, pol, sched, journal)

	return &testServer{
		server: NewServer(manager, loop, hub, ctrl, pol, sched, journal),
		bus:    bus,
		ctrl:   ctrl,
		policy: pol,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	return w
}

func TestGetState(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/state", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status controlloop.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, model.StateIdle, status.MixerState)
	assert.False(t, status.Abort)
	require.Len(t, status.Plants, 1)
	assert.Equal(t, "basil", status.Plants[0].ID)
}

func TestSetAbort(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPut, "/api/abort", AbortRequest{Abort: true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ts.ctrl.Abort())

	w = ts.do(t, http.MethodPut, "/api/abort", AbortRequest{Abort: false})
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.ctrl.Abort())
}

func TestSetAbortBadBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPut, "/api/abort", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendCommand(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/command", CommandRequest{Command: "GET_DATA"})
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"arduino/commands GET_DATA"}, ts.bus.published)

	w = ts.do(t, http.MethodPost, "/api/command", CommandRequest{Command: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestForceWater(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/plants/basil/water", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, ts.policy.IsPending("basil"))

	w = ts.do(t, http.MethodPost, "/api/plants/ghost/water", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReloadRejectsMissingFile(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListBatchesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/batches", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/batches?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/batches/abc/deliveries", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/state", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
