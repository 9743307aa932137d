package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/database"
)

// TaskStorage persists reminder tasks. Tasks are never deleted; the
// scheduler is the only writer of the delivered flag.
type TaskStorage interface {
	Insert(ctx context.Context, task *Task) error
	Due(ctx context.Context, now time.Time) ([]*Task, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id, reason string) error
	List(ctx context.Context, includeDelivered bool) ([]*Task, error)
}

// ---------- SQLite ----------

// SQLiteTaskStorage persists tasks in the shared jarvis.db "tasks" table.
type SQLiteTaskStorage struct {
	db *sql.DB
}

// NewSQLiteTaskStorage uses the shared DB; the table must already exist
// (created by database.Open).
func NewSQLiteTaskStorage(db *sql.DB) *SQLiteTaskStorage {
	return &SQLiteTaskStorage{db: db}
}

func (s *SQLiteTaskStorage) Insert(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, due_at, channel, chat_id, message, delivered, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', ?)`,
		t.ID,
		database.FormatTime(t.DueAt),
		t.Payload.Channel,
		t.Payload.ChatID,
		t.Payload.Message,
		database.FormatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %q: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteTaskStorage) Due(ctx context.Context, now time.Time) ([]*Task, error) {
	return s.query(ctx, `WHERE delivered = 0 AND due_at <= ? ORDER BY due_at, id`, database.FormatTime(now))
}

func (s *SQLiteTaskStorage) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET delivered = 1, delivered_at = ?, attempts = attempts + 1, last_error = '' WHERE id = ?`,
		database.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark task %q delivered: %w", id, err)
	}
	return nil
}

func (s *SQLiteTaskStorage) RecordFailure(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET attempts = attempts + 1, last_error = ? WHERE id = ? AND delivered = 0`,
		reason, id)
	if err != nil {
		return fmt.Errorf("record task %q failure: %w", id, err)
	}
	return nil
}

func (s *SQLiteTaskStorage) List(ctx context.Context, includeDelivered bool) ([]*Task, error) {
	if includeDelivered {
		return s.query(ctx, `ORDER BY due_at, id`)
	}
	return s.query(ctx, `WHERE delivered = 0 ORDER BY due_at, id`)
}

func (s *SQLiteTaskStorage) query(ctx context.Context, where string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, due_at, channel, chat_id, message, delivered,
		       attempts, last_error, created_at, delivered_at
		FROM tasks `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var (
			t           Task
			dueAt       string
			delivered   int
			createdAt   string
			deliveredAt sql.NullString
		)
		if err := rows.Scan(
			&t.ID, &dueAt, &t.Payload.Channel, &t.Payload.ChatID, &t.Payload.Message,
			&delivered, &t.Attempts, &t.LastError, &createdAt, &deliveredAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.DueAt = database.ParseTime(dueAt)
		t.CreatedAt = database.ParseTime(createdAt)
		t.Delivered = delivered != 0
		if deliveredAt.Valid {
			at := database.ParseTime(deliveredAt.String)
			t.DeliveredAt = &at
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// ---------- Memory ----------

// MemoryTaskStorage keeps tasks in process memory.
type MemoryTaskStorage struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryTaskStorage creates an empty storage.
func NewMemoryTaskStorage() *MemoryTaskStorage {
	return &MemoryTaskStorage{tasks: map[string]*Task{}}
}

func (m *MemoryTaskStorage) Insert(_ context.Context, t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[t.ID]; exists {
		return fmt.Errorf("insert task %q: already exists", t.ID)
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *MemoryTaskStorage) Due(_ context.Context, now time.Time) ([]*Task, error) {
	return m.collect(func(t *Task) bool { return !t.Delivered && !t.DueAt.After(now) }), nil
}

func (m *MemoryTaskStorage) MarkDelivered(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("mark task %q delivered: not found", id)
	}
	at = at.UTC()
	t.Delivered = true
	t.DeliveredAt = &at
	t.Attempts++
	t.LastError = ""
	return nil
}

func (m *MemoryTaskStorage) RecordFailure(_ context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Delivered {
		return nil
	}
	t.Attempts++
	t.LastError = reason
	return nil
}

func (m *MemoryTaskStorage) List(_ context.Context, includeDelivered bool) ([]*Task, error) {
	return m.collect(func(t *Task) bool { return includeDelivered || !t.Delivered }), nil
}

func (m *MemoryTaskStorage) collect(keep func(*Task) bool) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].DueAt.Before(out[j].DueAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
