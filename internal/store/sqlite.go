package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskdeck/taskdeck/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent HTTP requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Tasks ---

func (s *SQLiteStore) CreateTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = newULID()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusTodo
	}
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", task.Status)
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, title, description, agent_prompt, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, task.Description, task.AgentPrompt,
		string(task.Status), task.LastError, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task := &models.Task{}
	var status string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, agent_prompt, status, last_error, created_at, updated_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&task.ID, &task.Title, &task.Description, &task.AgentPrompt,
		&status, &task.LastError, &task.CreatedAt, &task.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	task.Status = models.TaskStatus(status)
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error) {
	query := `SELECT id, title, description, agent_prompt, status, last_error, created_at, updated_at FROM tasks`
	var args []any

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY
		CASE status
			WHEN 'todo' THEN 0 WHEN 'planning' THEN 1 WHEN 'planning_review' THEN 2
			WHEN 'in_progress' THEN 3 WHEN 'ai_review' THEN 4 WHEN 'fix' THEN 5
			WHEN 'review' THEN 6 WHEN 'done' THEN 7 ELSE 8 END,
		created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		task := &models.Task{}
		var status string
		if err := rows.Scan(&task.ID, &task.Title, &task.Description, &task.AgentPrompt,
			&status, &task.LastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Status = models.TaskStatus(status)
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, task *models.Task) error {
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status: %s", task.Status)
	}
	task.UpdatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, agent_prompt=?, status=?, last_error=?, updated_at=? WHERE id=?`,
		task.Title, task.Description, task.AgentPrompt,
		string(task.Status), task.LastError, task.UpdatedAt, task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task not found: %s", task.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task not found: %s", id)
	}
	return nil
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = newULID()
	}
	if session.Status == "" {
		session.Status = models.SessionStatusPending
	}
	session.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, task_id, phase, status, outcome, last_error, created_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.TaskID, string(session.Phase), string(session.Status),
		string(session.Outcome), session.LastError, session.CreatedAt, session.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT id, task_id, phase, status, outcome, last_error, created_at, ended_at
		FROM sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) GetRunningSession(ctx context.Context, taskID string) (*models.Session, error) {
	session, err := s.scanSessionRow(s.db.QueryRowContext(ctx,
		`SELECT id, task_id, phase, status, outcome, last_error, created_at, ended_at
		FROM sessions WHERE task_id = ? AND status = 'running'
		ORDER BY created_at DESC LIMIT 1`, taskID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running session: %w", err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionListFilter) ([]*models.Session, error) {
	query := `SELECT id, task_id, phase, status, outcome, last_error, created_at, ended_at
		FROM sessions WHERE 1=1`
	var args []any

	if filter.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, filter.TaskID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		session := &models.Session{}
		var phase, status, outcome string
		var endedAt sql.NullTime
		if err := rows.Scan(&session.ID, &session.TaskID, &phase, &status,
			&outcome, &session.LastError, &session.CreatedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		session.Phase = models.SessionPhase(phase)
		session.Status = models.SessionStatus(status)
		session.Outcome = models.SessionOutcome(outcome)
		if endedAt.Valid {
			session.EndedAt = &endedAt.Time
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, session *models.Session) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET phase=?, status=?, outcome=?, last_error=?, ended_at=? WHERE id=?`,
		string(session.Phase), string(session.Status), string(session.Outcome),
		session.LastError, session.EndedAt, session.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("session not found: %s", session.ID)
	}
	return nil
}

// scanSessionRow scans a single session row.
func (s *SQLiteStore) scanSessionRow(row *sql.Row) (*models.Session, error) {
	session := &models.Session{}
	var phase, status, outcome string
	var endedAt sql.NullTime

	if err := row.Scan(&session.ID, &session.TaskID, &phase, &status,
		&outcome, &session.LastError, &session.CreatedAt, &endedAt); err != nil {
		return nil, err
	}
	session.Phase = models.SessionPhase(phase)
	session.Status = models.SessionStatus(status)
	session.Outcome = models.SessionOutcome(outcome)
	if endedAt.Valid {
		session.EndedAt = &endedAt.Time
	}
	return session, nil
}
