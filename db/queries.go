package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/growlab/grow-controller/internal/model"
)

// GetAbortMode restores the persisted operator abort flag at startup.
func GetAbortMode(conn *sql.DB) (bool, error) {
	var abort bool
	err := conn.QueryRow(`SELECT abort_mode FROM control WHERE id = 1`).Scan(&abort)
	if err != nil {
		return false, fmt.Errorf("failed to get abort mode: %w", err)
	}
	return abort, nil
}

func SetAbortMode(conn *sql.DB, abort bool) error {
	if _, err := conn.Exec(`UPDATE control SET abort_mode = ? WHERE id = 1`, abort); err != nil {
		return fmt.Errorf("failed to set abort mode: %w", err)
	}
	return nil
}

// UpdatePlantState journals the latest moisture and pending flag per plant.
func UpdatePlantState(conn *sql.DB, plantID string, moisture float64, pending bool) error {
	_, err := conn.Exec(
		`UPDATE plants SET last_moisture = ?, pending = ?, updated_at = ? WHERE id = ?`,
		moisture, pending, time.Now().Format(time.RFC3339), plantID)
	if err != nil {
		return fmt.Errorf("failed to update plant %s: %w", plantID, err)
	}
	return nil
}

// InsertBatch opens a journal entry when a batch starts mixing.
func InsertBatch(conn *sql.DB, batch *model.Batch) (int64, error) {
	res, err := conn.Exec(
		`INSERT INTO batches (plants, water_ml, state, started_at) VALUES (?, ?, ?, ?)`,
		strings.Join(batch.PlantIDs, ","), batch.TotalWaterMl, string(model.StateFillingWater),
		batch.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert batch: %w", err)
	}
	return res.LastInsertId()
}

// Terminal journal states for a batch.
const (
	BatchDelivered = "delivered"
	BatchAborted   = "aborted"
	BatchRejected  = "rejected"
)

// FinishBatch records the terminal state of a batch.
func FinishBatch(conn *sql.DB, batchID int64, state, fault string) error {
	_, err := conn.Exec(
		`UPDATE batches SET state = ?, fault = ?, finished_at = ? WHERE id = ?`,
		state, fault, time.Now().Format(time.RFC3339), batchID)
	if err != nil {
		return fmt.Errorf("failed to finish batch %d: %w", batchID, err)
	}
	return nil
}

// InsertDelivery journals one plant's delivery outcome.
func InsertDelivery(conn *sql.DB, batchID int64, r model.DeliveryResult) error {
	errText := ""
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err := conn.Exec(
		`INSERT INTO deliveries (batch_id, plant_id, pump_id, ml, duration_ms, ok, error) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		batchID, r.PlantID, r.PumpID, r.Ml, r.Duration.Milliseconds(), r.Err == nil, errText)
	if err != nil {
		return fmt.Errorf("failed to insert delivery for %s: %w", r.PlantID, err)
	}
	return nil
}

// BatchRecord is a journal row for the debug surface.
type BatchRecord struct {
	ID         int64
	Plants     string
	WaterMl    float64
	State      string
	Fault      string
	StartedAt  string
	FinishedAt string
}

func ListBatches(conn *sql.DB, limit int) ([]BatchRecord, error) {
	rows, err := conn.Query(
		`SELECT id, plants, water_ml, state, fault, started_at, finished_at FROM batches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var records []BatchRecord
	for rows.Next() {
		var r BatchRecord
		if err := rows.Scan(&r.ID, &r.Plants, &r.WaterMl, &r.State, &r.Fault, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}

// DeliveryRecord is a journal row for the debug surface.
type DeliveryRecord struct {
	ID         int64
	BatchID    int64
	PlantID    string
	PumpID     string
	Ml         float64
	DurationMs int64
	OK         bool
	Error      string
}

func ListDeliveries(conn *sql.DB, batchID int64) ([]DeliveryRecord, error) {
	rows, err := conn.Query(
		`SELECT id, batch_id, plant_id, pump_id, ml, duration_ms, ok, error FROM deliveries WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	var records []DeliveryRecord
	for rows.Next() {
		var r DeliveryRecord
		if err := rows.Scan(&r.ID, &r.BatchID, &r.PlantID, &r.PumpID, &r.Ml, &r.DurationMs, &r.OK, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		records = append(records, r)
	}
	return records, nil
}
