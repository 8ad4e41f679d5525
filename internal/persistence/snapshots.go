package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/taskgraph/internal/graph"
)

// SaveSnapshot writes the graph in one transaction. A snapshot older than
// the stored one is ignored, so out-of-order writers cannot roll the
// database back.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap graph.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored uint64
	err = tx.QueryRowContext(ctx, `SELECT version FROM graph_meta WHERE id = 1`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to read stored version: %w", err)
	case stored > snap.Version:
		return nil
	}

	for _, t := range snap.Tasks {
		if err := saveTask(ctx, tx, t); err != nil {
			return err
		}
	}

	for _, e := range snap.Edges {
		var props sql.NullString
		if len(e.Properties) > 0 {
			data, err := json.Marshal(e.Properties)
			if err != nil {
				return fmt.Errorf("failed to encode edge %s: %w", e, err)
			}
			props = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO edges (source, type, target, properties) VALUES (?, ?, ?, ?)
			ON CONFLICT(source, type, target) DO UPDATE SET properties = excluded.properties
		`, e.Source, string(e.Type), e.Target, props)
		if err != nil {
			return fmt.Errorf("failed to save edge %s: %w", e, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO graph_meta (id, version, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, saved_at = excluded.saved_at
	`, snap.Version, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save graph version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// saveTask upserts one task and replaces its attempt history.
func saveTask(ctx context.Context, tx *sql.Tx, t graph.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %q: %w", t.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, status, role, generation, replacement_of, attempt_number, data, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			role = excluded.role,
			generation = excluded.generation,
			replacement_of = excluded.replacement_of,
			attempt_number = excluded.attempt_number,
			data = excluded.data,
			updated_at = CURRENT_TIMESTAMP
	`, t.ID, string(t.Status), t.Role, t.Generation, t.ReplacementOf, t.AttemptNumber, string(data))
	if err != nil {
		return fmt.Errorf("failed to upsert task %q: %w", t.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM attempts WHERE task_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to clear attempts of %q: %w", t.ID, err)
	}
	for i, a := range t.Attempts {
		var evidence sql.NullString
		if len(a.Evidence) > 0 {
			data, err := json.Marshal(a.Evidence)
			if err != nil {
				return fmt.Errorf("failed to encode evidence of %q: %w", t.ID, err)
			}
			evidence = sql.NullString{String: string(data), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO attempts (task_id, seq, number, outcome, operations, evidence, error, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, i, a.Number, string(a.Outcome), a.Operations, evidence, a.Error, formatTime(a.StartedAt), formatTime(a.FinishedAt))
		if err != nil {
			return fmt.Errorf("failed to save attempt %d of %q: %w", a.Number, t.ID, err)
		}
	}
	return nil
}

// LoadSnapshot reads the stored graph. It returns ErrNoSnapshot when the
// database is empty.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (graph.Snapshot, error) {
	var snap graph.Snapshot
	err := s.db.QueryRowContext(ctx, `SELECT version FROM graph_meta WHERE id = 1`).Scan(&snap.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return graph.Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return graph.Snapshot{}, fmt.Errorf("failed to read graph version: %w", err)
	}

	tasks, err := s.loadTasks(ctx)
	if err != nil {
		return graph.Snapshot{}, err
	}
	snap.Tasks = tasks

	edges, err := s.loadEdges(ctx)
	if err != nil {
		return graph.Snapshot{}, err
	}
	snap.Edges = edges
	return snap, nil
}

func (s *SQLiteStore) loadTasks(ctx context.Context) ([]graph.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, data FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []graph.Task
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var t graph.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to decode task %q: %w", id, err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) loadEdges(ctx context.Context) ([]graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, type, target, properties FROM edges ORDER BY source, type, target`)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer rows.Close()

	var edges []graph.Edge
	for rows.Next() {
		var e graph.Edge
		var typ string
		var props sql.NullString
		if err := rows.Scan(&e.Source, &typ, &e.Target, &props); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = graph.EdgeType(typ)
		if props.Valid {
			if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
				return nil, fmt.Errorf("failed to decode edge %s: %w", e, err)
			}
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// Attempts returns the recorded attempt history of a task, oldest first.
func (s *SQLiteStore) Attempts(ctx context.Context, taskID string) ([]graph.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT number, outcome, operations, evidence, error, started_at, finished_at
		FROM attempts WHERE task_id = ? ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var out []graph.Attempt
	for rows.Next() {
		var a graph.Attempt
		var outcome string
		var evidence, errMsg, started, finished sql.NullString
		if err := rows.Scan(&a.Number, &outcome, &a.Operations, &evidence, &errMsg, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Outcome = graph.Outcome(outcome)
		a.Error = errMsg.String
		if evidence.Valid {
			if err := json.Unmarshal([]byte(evidence.String), &a.Evidence); err != nil {
				return nil, fmt.Errorf("failed to decode evidence: %w", err)
			}
		}
		a.StartedAt = parseTime(started.String)
		a.FinishedAt = parseTime(finished.String)
		out = append(out, a)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
