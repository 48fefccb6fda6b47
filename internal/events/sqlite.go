// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const eventsSchema = `
CREATE TABLE IF NOT EXISTS run_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	kind       TEXT    NOT NULL,
	step_id    TEXT    NOT NULL DEFAULT '',
	message    TEXT    NOT NULL,
	data       TEXT    NOT NULL DEFAULT '',
	created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_events_run_seq ON run_events (run_id, seq);
`

// SQLiteSink persists events to a local SQLite database so run history
// survives daemon restarts and in-memory truncation.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the events database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open events database: %w", err)
	}
	// The sink is written from many run goroutines; a single connection
	// serializes writes without busy errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize events schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Persist appends one event row.
func (s *SQLiteSink) Persist(ev Event) error {
	var data string
	if len(ev.Data) > 0 {
		raw, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(raw)
	}

	_, err := s.db.Exec(
		`INSERT INTO run_events (run_id, seq, kind, step_id, message, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, string(ev.Kind), ev.StepID, ev.Message, data, ev.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

// History returns up to limit persisted events for a run with Seq > cursor,
// oldest first. A limit <= 0 means no limit.
func (s *SQLiteSink) History(runID string, cursor int64, limit int) ([]Event, error) {
	query := `SELECT seq, kind, step_id, message, data, created_at FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{runID, cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query event history: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var kind, data, createdAt string
		if err := rows.Scan(&ev.Seq, &kind, &ev.StepID, &ev.Message, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.RunID = runID
		ev.Kind = Kind(kind)
		if data != "" {
			if err := json.Unmarshal([]byte(data), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			ev.Timestamp = ts
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
