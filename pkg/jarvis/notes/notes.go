// Package notes stores per-chat notes for the note/notes unit actions.
package notes

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/jarvis/pkg/jarvis/database"
	"github.com/jholhewres/jarvis/pkg/jarvis/faults"
	"github.com/jholhewres/jarvis/pkg/jarvis/units"
)

// DefaultLimit is how many notes RecentNotes returns when limit <= 0.
const DefaultLimit = 10

// SQLiteStore keeps notes in the shared database "notes" table.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore uses db, whose schema must already exist (database.Open).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// AddNote stores text for chatID and returns the new row id.
func (s *SQLiteStore) AddNote(ctx context.Context, chatID, text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, faults.Validation("notes.add", "", "note text is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (chat_id, note, created_at) VALUES (?, ?, ?)`,
		chatID, text, database.FormatTime(s.now()))
	if err != nil {
		return 0, faults.Persistence("notes.add", "", fmt.Errorf("insert note: %w", err))
	}
	return res.LastInsertId()
}

// RecentNotes returns the newest notes for chatID, newest first.
func (s *SQLiteStore) RecentNotes(ctx context.Context, chatID string, limit int) ([]units.Note, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note, created_at FROM notes
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, faults.Persistence("notes.list", "", fmt.Errorf("query notes: %w", err))
	}
	defer rows.Close()

	var out []units.Note
	for rows.Next() {
		var (
			n         units.Note
			createdAt string
		)
		if err := rows.Scan(&n.ID, &n.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		n.CreatedAt = database.ParseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// MemoryStore is an in-process notes store.
type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	notes  map[string][]units.Note
	now    func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: map[string][]units.Note{}, now: time.Now}
}

func (m *MemoryStore) AddNote(_ context.Context, chatID, text string) (int64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, faults.Validation("notes.add", "", "note text is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.notes[chatID] = append(m.notes[chatID], units.Note{ID: m.nextID, Text: text, CreatedAt: m.now().UTC()})
	return m.nextID, nil
}

func (m *MemoryStore) RecentNotes(_ context.Context, chatID string, limit int) ([]units.Note, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	m.mu.Lock()
	all := append([]units.Note(nil), m.notes[chatID]...)
	m.mu.Unlock()

	sort.SliceStable(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
