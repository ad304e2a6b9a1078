// Package learning implements the durable memory of the relay: lessons
// distilled from past task outcomes and an append-only task history. Both
// live in a single sqlite file; the pipeline queries lessons before invoking
// the reasoner and records the outcome afterwards.
package learning

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"relay/internal/logging"
)

// ErrStoreUnavailable is returned by every operation while the store is in
// degraded mode. Callers must treat it as "no data" and keep going.
var ErrStoreUnavailable = errors.New("learning store unavailable")

// Lesson is a durable record of a past task outcome.
type Lesson struct {
	ID                    int64     `json:"id"`
	TaskType              string    `json:"task_type"`
	Category              string    `json:"category"`
	Tags                  string    `json:"tags,omitempty"`
	TaskDescription       string    `json:"task_description"`
	Success               bool      `json:"success"`
	ErrorMessage          string    `json:"error_message,omitempty"`
	ErrorPattern          string    `json:"error_pattern,omitempty"`
	RootCause             string    `json:"root_cause,omitempty"`
	Solution              string    `json:"solution,omitempty"`
	LessonSummary         string    `json:"lesson_summary"`
	AttemptsBeforeSuccess int       `json:"attempts_before_success"`
	TimeToResolutionMs    int64     `json:"time_to_resolution_ms"`
	RelevanceScore        float64   `json:"relevance_score"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Filter is a partial match over stored lessons. Zero values are ignored.
type Filter struct {
	TaskType     string
	Category     string
	Success      *bool
	ErrorPattern string // substring match against error_pattern
	SearchText   string // free text over description, summary, and solution
	Limit        int
}

// TaskHistoryEntry is one dispatch outcome.
type TaskHistoryEntry struct {
	ID              int64     `json:"id"`
	TaskType        string    `json:"task_type"`
	TaskDescription string    `json:"task_description"`
	Success         bool      `json:"success"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	Output          string    `json:"output,omitempty"`
	DurationMs      int64     `json:"duration_ms"`
	LessonsApplied  []int64   `json:"lessons_applied"`
	Category        string    `json:"category,omitempty"`
	PersonaID       string    `json:"persona_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Stats summarizes recorded dispatches.
type Stats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Lessons    int64 `json:"lessons"`
}

// outputMaxBytes bounds stored reasoner output per history row.
const outputMaxBytes = 10000

// Store persists lessons and task history in a single sqlite file.
// It degrades rather than fails: a storage error flips the store into
// degraded mode with one warning, and a later success clears it.
type Store struct {
	db     *sql.DB
	dbPath string

	mu       sync.Mutex
	degraded bool
	warned   bool
}

// migration adds a column to an existing table. Forward-only: columns are
// only ever added, never removed or retyped.
type migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []migration{
	{"lessons", "relevance_score", "REAL DEFAULT 1.0"},
	{"lessons", "tags", "TEXT DEFAULT ''"},
	{"task_history", "category", "TEXT DEFAULT ''"},
	{"task_history", "persona_id", "TEXT DEFAULT ''"},
}

// NewStore opens (or creates) the learning database at path.
func NewStore(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "NewStore")
	defer timer.Stop()

	logging.Learning("Initializing learning store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.LearningDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.LearningDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.LearningDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	s := &Store{db: db, dbPath: path}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}
	s.runMigrations()

	logging.Learning("Learning store ready")
	return s, nil
}

func (s *Store) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lessons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		category TEXT DEFAULT '',
		tags TEXT DEFAULT '',
		task_description TEXT DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		error_pattern TEXT DEFAULT '',
		root_cause TEXT DEFAULT '',
		solution TEXT DEFAULT '',
		lesson_summary TEXT NOT NULL,
		attempts_before_success INTEGER DEFAULT 0,
		time_to_resolution_ms INTEGER DEFAULT 0,
		relevance_score REAL DEFAULT 1.0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS task_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_type TEXT NOT NULL,
		task_description TEXT DEFAULT '',
		success INTEGER NOT NULL DEFAULT 0,
		error_message TEXT DEFAULT '',
		output TEXT DEFAULT '',
		duration_ms INTEGER DEFAULT 0,
		lessons_applied TEXT DEFAULT '[]',
		category TEXT DEFAULT '',
		persona_id TEXT DEFAULT '',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_lessons_task_type ON lessons(task_type);
	CREATE INDEX IF NOT EXISTS idx_lessons_category ON lessons(category);
	CREATE INDEX IF NOT EXISTS idx_lessons_success ON lessons(success);
	CREATE INDEX IF NOT EXISTS idx_lessons_error_pattern ON lessons(error_pattern);
	CREATE INDEX IF NOT EXISTS idx_lessons_created_at ON lessons(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_task_type ON task_history(task_type);
	CREATE INDEX IF NOT EXISTS idx_history_created_at ON task_history(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// runMigrations adds columns missing from older databases. Errors are
// logged, never fatal: the column may exist in a different form.
func (s *Store) runMigrations() {
	for _, m := range pendingMigrations {
		if s.columnExists(m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(query); err != nil {
			logging.LearningWarn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
		} else {
			logging.Learning("Migration applied: added %s.%s", m.Table, m.Column)
		}
	}
}

func (s *Store) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}

// markDegraded records a storage failure. One warning per contiguous outage.
func (s *Store) markDegraded(op string, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.degraded = true
	if !s.warned {
		s.warned = true
		logging.LearningWarn("Learning store degraded (%s): %v; continuing without memory", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// clearDegraded notes a successful operation after an outage.
func (s *Store) clearDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		logging.Learning("Learning store recovered")
	}
	s.degraded = false
	s.warned = false
}

// Degraded reports whether the store is currently in degraded mode.
func (s *Store) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// SaveLesson inserts a lesson. The error pattern is computed from the error
// message when absent.
func (s *Store) SaveLesson(l *Lesson) (int64, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "SaveLesson")
	defer timer.Stop()

	if l.LessonSummary == "" {
		return 0, fmt.Errorf("lesson_summary is required")
	}
	if l.ErrorPattern == "" && l.ErrorMessage != "" {
		l.ErrorPattern = Canonicalize(l.ErrorMessage)
	}
	if l.RelevanceScore == 0 {
		l.RelevanceScore = 1.0
	}

	res, err := s.db.Exec(`
		INSERT INTO lessons (
			task_type, category, tags, task_description, success,
			error_message, error_pattern, root_cause, solution, lesson_summary,
			attempts_before_success, time_to_resolution_ms, relevance_score
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.TaskType, l.Category, l.Tags, l.TaskDescription, l.Success,
		l.ErrorMessage, l.ErrorPattern, l.RootCause, l.Solution, l.LessonSummary,
		l.AttemptsBeforeSuccess, l.TimeToResolutionMs, l.RelevanceScore,
	)
	if err != nil {
		return 0, s.markDegraded("SaveLesson", err)
	}
	s.clearDegraded()

	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.markDegraded("SaveLesson", err)
	}
	l.ID = id
	logging.LearningDebug("Lesson saved: id=%d task_type=%s pattern=%q", id, l.TaskType, l.ErrorPattern)
	return id, nil
}

// QueryLessons returns lessons matching the filter, most relevant first.
func (s *Store) QueryLessons(f Filter) ([]Lesson, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "QueryLessons")
	defer timer.Stop()

	query := `
		SELECT id, task_type, category, tags, task_description, success,
			error_message, error_pattern, root_cause, solution, lesson_summary,
			attempts_before_success, time_to_resolution_ms, relevance_score,
			created_at, updated_at
		FROM lessons WHERE 1=1`
	var args []interface{}

	if f.TaskType != "" {
		query += " AND task_type = ?"
		args = append(args, f.TaskType)
	}
	if f.Category != "" {
		query += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Success != nil {
		query += " AND success = ?"
		args = append(args, *f.Success)
	}
	if f.ErrorPattern != "" {
		query += ` AND error_pattern LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.ErrorPattern)+"%")
	}
	if f.SearchText != "" {
		clause, clauseArgs := searchClause(f.SearchText)
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}

	query += " ORDER BY relevance_score DESC, created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, s.markDegraded("QueryLessons", err)
	}
	defer rows.Close()

	var lessons []Lesson
	for rows.Next() {
		var l Lesson
		if err := rows.Scan(
			&l.ID, &l.TaskType, &l.Category, &l.Tags, &l.TaskDescription, &l.Success,
			&l.ErrorMessage, &l.ErrorPattern, &l.RootCause, &l.Solution, &l.LessonSummary,
			&l.AttemptsBeforeSuccess, &l.TimeToResolutionMs, &l.RelevanceScore,
			&l.CreatedAt, &l.UpdatedAt,
		); err != nil {
			continue
		}
		lessons = append(lessons, l)
	}
	s.clearDegraded()

	logging.LearningDebug("QueryLessons returned %d rows", len(lessons))
	return lessons, nil
}

// FindLessonsForError canonicalizes the error and returns successful lessons
// sharing its pattern.
func (s *Store) FindLessonsForError(errorMessage string, limit int) ([]Lesson, error) {
	if limit <= 0 {
		limit = 5
	}
	success := true
	return s.QueryLessons(Filter{
		ErrorPattern: Canonicalize(errorMessage),
		Success:      &success,
		Limit:        limit,
	})
}

// SaveTaskHistory appends one dispatch outcome. Output is truncated to keep
// rows bounded.
func (s *Store) SaveTaskHistory(e *TaskHistoryEntry) (int64, error) {
	timer := logging.StartTimer(logging.CategoryLearning, "SaveTaskHistory")
	defer timer.Stop()

	output := e.Output
	if len(output) > outputMaxBytes {
		output = output[:outputMaxBytes]
	}

	applied, err := json.Marshal(e.LessonsApplied)
	if err != nil {
		applied = []byte("[]")
	}

	res, err := s.db.Exec(`
		INSERT INTO task_history (
			task_type, task_description, success, error_message, output,
			duration_ms, lessons_applied, category, persona_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskType, e.TaskDescription, e.Success, e.ErrorMessage, output,
		e.DurationMs, string(applied), e.Category, e.PersonaID,
	)
	if err != nil {
		return 0, s.markDegraded("SaveTaskHistory", err)
	}
	s.clearDegraded()

	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.markDegraded("SaveTaskHistory", err)
	}
	e.ID = id
	return id, nil
}

// TaskHistoryForPersona returns the most recent history rows for a persona.
func (s *Store) TaskHistoryForPersona(personaID string, limit int) ([]TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(`
		SELECT id, task_type, task_description, success, error_message, output,
			duration_ms, lessons_applied, category, persona_id, created_at
		FROM task_history
		WHERE persona_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, personaID, limit)
	if err != nil {
		return nil, s.markDegraded("TaskHistoryForPersona", err)
	}
	defer rows.Close()

	var entries []TaskHistoryEntry
	for rows.Next() {
		var e TaskHistoryEntry
		var applied string
		if err := rows.Scan(
			&e.ID, &e.TaskType, &e.TaskDescription, &e.Success, &e.ErrorMessage,
			&e.Output, &e.DurationMs, &applied, &e.Category, &e.PersonaID, &e.CreatedAt,
		); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(applied), &e.LessonsApplied); err != nil {
			e.LessonsApplied = nil
		}
		entries = append(entries, e)
	}
	s.clearDegraded()
	return entries, nil
}

// Stats summarizes recorded dispatches and lesson counts.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		FROM task_history`).Scan(&st.Total, &st.Successful, &st.Failed)
	if err != nil {
		return Stats{}, s.markDegraded("Stats", err)
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM lessons").Scan(&st.Lessons); err != nil {
		return Stats{}, s.markDegraded("Stats", err)
	}
	s.clearDegraded()
	return st, nil
}

// Close closes the database.
func (s *Store) Close() error {
	logging.Learning("Closing learning store")
	return s.db.Close()
}

// searchClause builds the free-text match over description, summary, and
// solution. The search text is broken into words so a lesson about "deploy"
// is found by "please deploy the service"; short words carry no signal and
// are dropped. Text that yields no usable words falls back to a whole-string
// substring match.
func searchClause(text string) (string, []interface{}) {
	const fieldMatch = `(task_description LIKE ? ESCAPE '\'
		OR lesson_summary LIKE ? ESCAPE '\'
		OR solution LIKE ? ESCAPE '\')`

	words := searchWords(text)
	if len(words) == 0 {
		needle := "%" + escapeLike(text) + "%"
		return fieldMatch, []interface{}{needle, needle, needle}
	}

	clauses := make([]string, 0, len(words))
	var args []interface{}
	for _, w := range words {
		clauses = append(clauses, fieldMatch)
		needle := "%" + escapeLike(w) + "%"
		args = append(args, needle, needle, needle)
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

// searchWords extracts distinct lowercase words of four or more letters.
func searchWords(text string) []string {
	const maxWords = 8

	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})

	seen := make(map[string]bool)
	var words []string
	for _, f := range fields {
		if len(f) < 4 || seen[f] {
			continue
		}
		seen[f] = true
		words = append(words, f)
		if len(words) == maxWords {
			break
		}
	}
	return words
}

// escapeLike escapes LIKE metacharacters in user text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
