package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    candidates TEXT NOT NULL,
    output_path TEXT NOT NULL,
    workers INTEGER NOT NULL DEFAULT 1,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    total INTEGER DEFAULT 0,
    successful INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS attempts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    repo TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    worker TEXT,
    status TEXT NOT NULL,
    state TEXT NOT NULL,
    reason TEXT,
    build_system TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    UNIQUE(run_id, repo, pr_number)
);

CREATE INDEX IF NOT EXISTS idx_attempts_run_id ON attempts(run_id);
CREATE INDEX IF NOT EXISTS idx_attempts_status ON attempts(status);
`
