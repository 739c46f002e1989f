package store

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    original_code TEXT NOT NULL,
    language TEXT NOT NULL,
    num_agents INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    best_run_id TEXT,
    created_at TIMESTAMP NOT NULL,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS agent_runs (
    task_id TEXT NOT NULL REFERENCES tasks(id),
    agent_id TEXT NOT NULL,
    strategy TEXT,
    status TEXT NOT NULL,
    original_code TEXT,
    optimized_code TEXT,
    explanation TEXT,
    before_metric REAL,
    before_unit TEXT,
    after_metric REAL,
    after_unit TEXT,
    improvement_pct REAL,
    error_message TEXT,
    started_at TIMESTAMP,
    ended_at TIMESTAMP,
    PRIMARY KEY (task_id, agent_id)
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_task ON agent_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status);

CREATE TABLE IF NOT EXISTS patterns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    category TEXT,
    description TEXT,
    example TEXT,
    tags TEXT,
    embedding TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS patterns_fts USING fts5(
    name, description,
    content='patterns', content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS patterns_fts_insert AFTER INSERT ON patterns BEGIN
    INSERT INTO patterns_fts(rowid, name, description) VALUES (new.id, new.name, new.description);
END;

CREATE TRIGGER IF NOT EXISTS patterns_fts_delete AFTER DELETE ON patterns BEGIN
    INSERT INTO patterns_fts(patterns_fts, rowid, name, description) VALUES ('delete', old.id, old.name, old.description);
END;
`
