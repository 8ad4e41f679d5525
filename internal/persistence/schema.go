package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS graph_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		version INTEGER NOT NULL,
		saved_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		role TEXT,
		generation INTEGER NOT NULL DEFAULT 0,
		replacement_of TEXT,
		attempt_number INTEGER NOT NULL DEFAULT 0,
		data TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

	CREATE TABLE IF NOT EXISTS edges (
		source TEXT NOT NULL,
		type TEXT NOT NULL,
		target TEXT NOT NULL,
		properties TEXT,
		PRIMARY KEY (source, type, target),
		FOREIGN KEY (source) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (target) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target);

	CREATE TABLE IF NOT EXISTS attempts (
		task_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		number INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		operations INTEGER NOT NULL,
		evidence TEXT,
		error TEXT,
		started_at TEXT,
		finished_at TEXT,
		PRIMARY KEY (task_id, seq),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
