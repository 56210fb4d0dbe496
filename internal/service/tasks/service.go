package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskmate/internal/models"
	"taskmate/internal/storage"
)

var (
	ErrEmptyTitle      = errors.New("title cannot be empty")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrNoFields        = errors.New("no updates provided")
	ErrNoReference     = errors.New("task_id or title_match is required")
)

const (
	maxNumberRetries = 5
	sequenceName     = "tasks"
)

const taskColumns = `id, task_number, title, description, status, priority, due_date, created_at, updated_at`

// Service is the task store shared by the REST handlers and the agent tools.
type Service struct {
	db     *sql.DB
	driver string
	logger *zap.Logger
}

// NewService wires the store to an opened database. driver selects the placeholder style.
func NewService(db *sql.DB, driver string, logger *zap.Logger) (*Service, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: db, driver: storage.DriverName(driver), logger: logger.Named("tasks")}, nil
}

func (s *Service) q(query string) string {
	return storage.Rebind(s.driver, query)
}

// Create inserts a task under the next free task number.
func (s *Service) Create(ctx context.Context, in models.NewTask) (*models.Task, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, ErrEmptyTitle
	}
	if in.Status == "" {
		in.Status = models.StatusTodo
	} else if !validStatus(in.Status) {
		return nil, ErrInvalidStatus
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	} else if !validPriority(in.Priority) {
		return nil, ErrInvalidPriority
	}

	var (
		number int64
		err    error
	)
	for attempt := 0; attempt < maxNumberRetries; attempt++ {
		number, err = s.insert(ctx, in)
		if err == nil || !isUniqueViolation(err) {
			break
		}
		s.logger.Debug("task number taken, retrying", zap.Int("attempt", attempt+1))
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, number)
}

func (s *Service) insert(ctx context.Context, in models.NewTask) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	number, err := s.nextNumber(ctx, tx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO tasks (task_number, title, description, status, priority, due_date, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		number, in.Title, in.Description, string(in.Status), string(in.Priority), nullTime(in.DueDate), now, now,
	); err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert task: %w", err)
	}
	return number, nil
}

// nextNumber advances the high-water mark so numbers of deleted tasks are
// never handed out again. Rows created before the mark existed still count.
func (s *Service) nextNumber(ctx context.Context, tx *sql.Tx) (int64, error) {
	var maxNumber int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(task_number), 0) FROM tasks`).Scan(&maxNumber); err != nil {
		return 0, fmt.Errorf("next task number: %w", err)
	}
	var last int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT last_number FROM task_sequence WHERE name = ?`), sequenceName).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		number := maxNumber + 1
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO task_sequence (name, last_number) VALUES (?, ?)`), sequenceName, number); err != nil {
			return 0, fmt.Errorf("init task sequence: %w", err)
		}
		return number, nil
	case err != nil:
		return 0, fmt.Errorf("read task sequence: %w", err)
	}

	number := max(last, maxNumber) + 1
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE task_sequence SET last_number = ? WHERE name = ?`), number, sequenceName); err != nil {
		return 0, fmt.Errorf("advance task sequence: %w", err)
	}
	return number, nil
}

// Get returns the task with the given number or sql.ErrNoRows.
func (s *Service) Get(ctx context.Context, number int64) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE task_number = ?`), number)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// Resolve finds a task by number, or by the lowest-numbered task whose title
// contains TitleMatch (case-insensitive).
func (s *Service) Resolve(ctx context.Context, ref models.TaskRef) (*models.Task, error) {
	if ref.Number > 0 {
		return s.Get(ctx, ref.Number)
	}
	match := strings.ToLower(strings.TrimSpace(ref.TitleMatch))
	if match == "" {
		return nil, ErrNoReference
	}
	row := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+taskColumns+` FROM tasks WHERE LOWER(title) LIKE ? ESCAPE '!' ORDER BY task_number ASC LIMIT 1`),
		"%"+likeEscaper.Replace(match)+"%",
	)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("find task by title: %w", err)
	}
	return task, nil
}

// List returns tasks matching filter ordered by task number.
func (s *Service) List(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		if !validStatus(filter.Status) {
			return nil, ErrInvalidStatus
		}
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		if !validPriority(filter.Priority) {
			return nil, ErrInvalidPriority
		}
		where = append(where, "priority = ?")
		args = append(args, string(filter.Priority))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY task_number ASC`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Update applies patch to the referenced task and returns the updated record.
func (s *Service) Update(ctx context.Context, ref models.TaskRef, patch models.TaskPatch) (*models.Task, error) {
	if patch.Empty() {
		return nil, ErrNoFields
	}
	if patch.Status != nil && !validStatus(*patch.Status) {
		return nil, ErrInvalidStatus
	}
	if patch.Priority != nil && !validPriority(*patch.Priority) {
		return nil, ErrInvalidPriority
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, ErrEmptyTitle
		}
		patch.Title = &title
	}

	task, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	var (
		sets []string
		args []any
	)
	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, string(*patch.Priority))
	}
	if patch.DueDate != nil {
		sets = append(sets, "due_date = ?")
		args = append(args, patch.DueDate.UTC())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), task.TaskNumber)

	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE task_number = ?`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return s.Get(ctx, task.TaskNumber)
}

// Delete removes the referenced task and returns what was deleted.
func (s *Service) Delete(ctx context.Context, ref models.TaskRef) (*models.Task, error) {
	task, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM tasks WHERE task_number = ?`), task.TaskNumber)
	if err != nil {
		return nil, fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("task rows affected: %w", err)
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	return task, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t           models.Task
		description sql.NullString
		status      string
		priority    string
		due         sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.TaskNumber, &t.Title, &description, &status, &priority, &due, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Status = models.Status(status)
	t.Priority = models.Priority(priority)
	if due.Valid {
		d := due.Time.UTC()
		t.DueDate = &d
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func validStatus(s models.Status) bool {
	switch s {
	case models.StatusTodo, models.StatusInProgress, models.StatusDone:
		return true
	}
	return false
}

func validPriority(p models.Priority) bool {
	switch p {
	case models.PriorityLow, models.PriorityMedium, models.PriorityHigh:
		return true
	}
	return false
}

// likeEscaper makes the title fragment literal inside LIKE. '!' is the escape
// character because a backslash literal is read differently by mysql.
var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}
