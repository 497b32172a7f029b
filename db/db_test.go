package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growlab/grow-controller/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestAbortModeRoundTrip(t *testing.T) {
	conn := openTestDB(t)

	abort, err := GetAbortMode(conn)
	require.NoError(t, err)
	assert.False(t, abort, "fresh database boots with abort clear")

	require.NoError(t, SetAbortMode(conn, true))
	abort, err = GetAbortMode(conn)
	require.NoError(t, err)
	assert.True(t, abort)
}

func TestSeedPlantsAddsAndPrunes(t *testing.T) {
	conn := openTestDB(t)

	require.NoError(t, SeedPlants(conn, map[string]*model.Plant{
		"basil": {ID: "basil"},
		"mint":  {ID: "mint"},
	}))
	require.NoError(t, UpdatePlantState(conn, "basil", 42.5, true))

	// Reload drops mint and keeps basil's runtime state.
	require.NoError(t, SeedPlants(conn, map[string]*model.Plant{
		"basil": {ID: "basil"},
	}))

	var moisture float64
	var pending bool
	err := conn.QueryRow(`SELECT last_moisture, pending FROM plants WHERE id = 'basil'`).Scan(&moisture, &pending)
	require.NoError(t, err)
	assert.Equal(t, 42.5, moisture)
	assert.True(t, pending)

	var count int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM plants`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestBatchJournal(t *testing.T) {
	conn := openTestDB(t)

	batch := &model.Batch{
		PlantIDs:     []string{"basil", "mint"},
		TotalWaterMl: 8000,
		MlPerPlant:   1000,
		CreatedAt:    time.Now(),
	}
	id, err := InsertBatch(conn, batch)
	require.NoError(t, err)
	require.NotZero(t, id)

	require.NoError(t, InsertDelivery(conn, id, model.DeliveryResult{
		PlantID: "basil", PumpID: "pump_1", Ml: 1000, Duration: 33 * time.Second,
	}))
	require.NoError(t, InsertDelivery(conn, id, model.DeliveryResult{
		PlantID: "mint", PumpID: "pump_2", Ml: 1000, Duration: 33 * time.Second,
		Err: errors.New("pump_2 overran 50s"),
	}))
	require.NoError(t, FinishBatch(conn, id, BatchAborted, "pump_2 overran 50s"))

	batches, err := ListBatches(conn, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, BatchAborted, batches[0].State)
	assert.Equal(t, "basil,mint", batches[0].Plants)
	assert.Equal(t, 8000.0, batches[0].WaterMl)
	assert.NotEmpty(t, batches[0].FinishedAt)

	deliveries, err := ListDeliveries(conn, id)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.True(t, deliveries[0].OK)
	assert.Empty(t, deliveries[0].Error)
	assert.False(t, deliveries[1].OK)
	assert.Contains(t, deliveries[1].Error, "overran")
	assert.Equal(t, int64(33000), deliveries[1].DurationMs)
}

func TestListBatchesLimit(t *testing.T) {
	conn := openTestDB(t)

	for i := 0; i < 5; i++ {
		_, err := InsertBatch(conn, &model.Batch{PlantIDs: []string{"basil"}, TotalWaterMl: 8000, CreatedAt: time.Now()})
		require.NoError(t, err)
	}

	batches, err := ListBatches(conn, 3)
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, int64(5), batches[0].ID, "newest first")
}
