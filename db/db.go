package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/growlab/grow-controller/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS control (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	abort_mode INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS plants (
	id TEXT PRIMARY KEY,
	last_moisture REAL NOT NULL DEFAULT 0,
	pending INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS batches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	plants TEXT NOT NULL,
	water_ml REAL NOT NULL,
	state TEXT NOT NULL,
	fault TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS deliveries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id INTEGER NOT NULL REFERENCES batches(id),
	plant_id TEXT NOT NULL,
	pump_id TEXT NOT NULL,
	ml REAL NOT NULL,
	duration_ms INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
`

// Open opens the journal database and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and a second pooled
	// connection to a :memory: database would see an empty schema.
	conn.SetMaxOpenConns(1)
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := conn.Exec(`INSERT OR IGNORE INTO control (id, abort_mode) VALUES (1, 0)`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to seed control row: %w", err)
	}
	return conn, nil
}

// SeedPlants inserts rows for configured plants, keeping existing runtime
// state across restarts and reloads. Plants dropped from the configuration
// are removed.
func SeedPlants(conn *sql.DB, plants map[string]*model.Plant) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for id := range plants {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO plants (id) VALUES (?)`, id); err != nil {
			return fmt.Errorf("failed to insert plant %s: %w", id, err)
		}
	}

	rows, err := tx.Query(`SELECT id FROM plants`)
	if err != nil {
		return fmt.Errorf("failed to query plants: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan plant id: %w", err)
		}
		if _, ok := plants[id]; !ok {
			stale = append(stale, id)
		}
	}
	rows.Close()

	for _, id := range stale {
		if _, err := tx.Exec(`DELETE FROM plants WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove plant %s: %w", id, err)
		}
	}

	return tx.Commit()
}
