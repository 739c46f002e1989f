package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/parallelproof/parallelproof/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for tasks, agent runs and
// the optimization pattern library.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task record
func (s *Store) CreateTask(task *domain.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, original_code, language, num_agents, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, task.ID, task.OriginalCode, task.Language, task.NumAgents, string(task.Status), task.CreatedAt)
	return err
}

// UpdateTaskStatus updates a task's status
func (s *Store) UpdateTaskStatus(id string, status domain.TaskStatus) error {
	_, err := s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// FinalizeTask records the terminal status, winner reference and
// completion time in one statement.
func (s *Store) FinalizeTask(id string, status domain.TaskStatus, bestRunID string, completedAt time.Time) error {
	_, err := s.db.Exec(`
		UPDATE tasks SET status = ?, best_run_id = ?, completed_at = ? WHERE id = ?
	`, string(status), nullString(bestRunID), completedAt, id)
	return err
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, original_code, language, num_agents, status, best_run_id, created_at, completed_at
		FROM tasks WHERE id = ?
	`, id)

	var task domain.Task
	var status string
	var bestRunID sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&task.ID, &task.OriginalCode, &task.Language, &task.NumAgents, &status, &bestRunID, &task.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if bestRunID.Valid {
		task.BestRunID = bestRunID.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}

	return &task, nil
}

// UpsertAgentRun inserts or updates an agent run row. Each run is only
// ever written by its owning runner, so the last write wins.
func (s *Store) UpsertAgentRun(run *domain.AgentRun) error {
	var beforeMetric, afterMetric sql.NullFloat64
	var beforeUnit, afterUnit sql.NullString
	if run.Before != nil {
		beforeMetric = sql.NullFloat64{Float64: run.Before.Metric, Valid: true}
		beforeUnit = sql.NullString{String: run.Before.Unit, Valid: true}
	}
	if run.After != nil {
		afterMetric = sql.NullFloat64{Float64: run.After.Metric, Valid: true}
		afterUnit = sql.NullString{String: run.After.Unit, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO agent_runs (task_id, agent_id, strategy, status, original_code, optimized_code, explanation,
			before_metric, before_unit, after_metric, after_unit, improvement_pct, error_message, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, agent_id) DO UPDATE SET
			strategy = excluded.strategy,
			status = excluded.status,
			optimized_code = excluded.optimized_code,
			explanation = excluded.explanation,
			before_metric = excluded.before_metric,
			before_unit = excluded.before_unit,
			after_metric = excluded.after_metric,
			after_unit = excluded.after_unit,
			improvement_pct = excluded.improvement_pct,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`,
		run.TaskID,
		run.AgentID,
		run.Strategy,
		string(run.Status),
		run.OriginalCode,
		nullString(run.OptimizedCode),
		nullString(run.Explanation),
		beforeMetric,
		beforeUnit,
		afterMetric,
		afterUnit,
		run.ImprovementPct,
		nullString(run.ErrorMessage),
		run.StartedAt,
		run.EndedAt,
	)
	return err
}

// ListAgentRuns returns all runs for a task, completed runs first
// ordered by improvement descending.
func (s *Store) ListAgentRuns(taskID string) ([]*domain.AgentRun, error) {
	rows, err := s.db.Query(`
		SELECT task_id, agent_id, strategy, status, original_code, optimized_code, explanation,
			before_metric, before_unit, after_metric, after_unit, improvement_pct, error_message, started_at, ended_at
		FROM agent_runs
		WHERE task_id = ?
		ORDER BY (status = 'completed') DESC, improvement_pct DESC, agent_id ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AgentRun
	for rows.Next() {
		run, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// FailAbandoned marks running tasks created before the cutoff as failed
// and fails their non-terminal agent runs. Used by the janitor as a
// backstop when a task's orchestrating process never finalized it.
func (s *Store) FailAbandoned(cutoff time.Time) (int64, error) {
	now := time.Now()

	res, err := s.db.Exec(`
		UPDATE tasks SET status = ?, completed_at = ?
		WHERE status IN (?, ?) AND created_at < ?
	`, string(domain.TaskFailed), now, string(domain.TaskPending), string(domain.TaskRunning), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return 0, nil
	}

	_, err = s.db.Exec(`
		UPDATE agent_runs SET status = ?, error_message = ?, ended_at = ?
		WHERE status IN (?, ?)
		  AND task_id IN (SELECT id FROM tasks WHERE status = ? AND completed_at = ?)
	`, string(domain.AgentFailed), "abandoned: orchestrator never finalized the task", now,
		string(domain.AgentPending), string(domain.AgentRunning), string(domain.TaskFailed), now)
	return n, err
}

// InsertPattern adds a knowledge-base entry and returns its id
func (s *Store) InsertPattern(p *domain.Pattern) (int64, error) {
	tagsJSON, err := json.Marshal(p.Tags)
	if err != nil {
		return 0, err
	}
	var embJSON interface{}
	if p.Embedding != nil {
		b, err := json.Marshal(p.Embedding)
		if err != nil {
			return 0, err
		}
		embJSON = string(b)
	}

	res, err := s.db.Exec(`
		INSERT INTO patterns (name, category, description, example, tags, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.Name, p.Category, p.Description, p.Example, string(tagsJSON), embJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// PatternNames returns the set of pattern names already present
func (s *Store) PatternNames() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names[name] = true
	}
	return names, rows.Err()
}

// QueryPatternsByText returns patterns ranked by the FTS5 bm25 relevance
// of the query against name+description. Stemming comes from the porter
// tokenizer. Ties are broken by lower pattern id so a fixed store
// snapshot always yields the same ordering.
func (s *Store) QueryPatternsByText(query string, limit int) ([]*domain.Pattern, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT p.id, p.name, p.category, p.description, p.example, p.tags, p.embedding
		FROM patterns_fts f
		JOIN patterns p ON p.id = f.rowid
		WHERE patterns_fts MATCH ?
		ORDER BY bm25(patterns_fts), p.id ASC
		LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPatterns(rows)
}

// ListPatternsWithEmbeddings returns every pattern carrying a semantic
// vector, ordered by id.
func (s *Store) ListPatternsWithEmbeddings() ([]*domain.Pattern, error) {
	rows, err := s.db.Query(`
		SELECT id, name, category, description, example, tags, embedding
		FROM patterns
		WHERE embedding IS NOT NULL
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectPatterns(rows)
}

// CountPatterns returns the number of seeded patterns
func (s *Store) CountPatterns() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM patterns`).Scan(&n)
	return n, err
}

// Ping verifies the database is reachable
func (s *Store) Ping() error {
	return s.db.Ping()
}

// ftsQuery turns free text into a safe FTS5 match expression. Tokens
// are double-quoted to neutralize operator characters and joined with
// OR: recall matters more than precision here because the fused ranking
// downweights weak matches anyway.
func ftsQuery(text string) string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_')
	})

	const maxTokens = 32
	var tokens []string
	seen := make(map[string]bool)
	for _, f := range fields {
		f = strings.ToLower(f)
		if len(f) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, `"`+f+`"`)
		if len(tokens) >= maxTokens {
			break
		}
	}
	return strings.Join(tokens, " OR ")
}

func collectPatterns(rows *sql.Rows) ([]*domain.Pattern, error) {
	var patterns []*domain.Pattern
	for rows.Next() {
		var p domain.Pattern
		var category, description, example, tagsJSON, embJSON sql.NullString

		if err := rows.Scan(&p.ID, &p.Name, &category, &description, &example, &tagsJSON, &embJSON); err != nil {
			return nil, err
		}
		p.Category = category.String
		p.Description = description.String
		p.Example = example.String
		if tagsJSON.Valid && tagsJSON.String != "" && tagsJSON.String != "null" {
			if err := json.Unmarshal([]byte(tagsJSON.String), &p.Tags); err != nil {
				return nil, err
			}
		}
		if embJSON.Valid && embJSON.String != "" {
			if err := json.Unmarshal([]byte(embJSON.String), &p.Embedding); err != nil {
				return nil, err
			}
		}
		patterns = append(patterns, &p)
	}
	return patterns, rows.Err()
}

func scanAgentRun(rows *sql.Rows) (*domain.AgentRun, error) {
	var run domain.AgentRun
	var status string
	var strategy, optimizedCode, explanation, errorMessage, beforeUnit, afterUnit sql.NullString
	var beforeMetric, afterMetric, improvement sql.NullFloat64
	var startedAt, endedAt sql.NullTime

	err := rows.Scan(&run.TaskID, &run.AgentID, &strategy, &status, &run.OriginalCode,
		&optimizedCode, &explanation, &beforeMetric, &beforeUnit, &afterMetric, &afterUnit,
		&improvement, &errorMessage, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	run.Status = domain.AgentStatus(status)
	run.Strategy = strategy.String
	run.OptimizedCode = optimizedCode.String
	run.Explanation = explanation.String
	run.ErrorMessage = errorMessage.String
	run.ImprovementPct = improvement.Float64
	if beforeMetric.Valid {
		run.Before = &domain.Measurement{Metric: beforeMetric.Float64, Unit: beforeUnit.String}
	}
	if afterMetric.Valid {
		run.After = &domain.Measurement{Metric: afterMetric.Float64, Unit: afterUnit.String}
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}

	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
