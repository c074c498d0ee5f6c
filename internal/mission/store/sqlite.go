package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sandboxd/sandboxd/internal/db"
	"github.com/sandboxd/sandboxd/internal/mission"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS missions (
    id TEXT PRIMARY KEY NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    title TEXT,
    workspace_id TEXT NOT NULL,
    agent TEXT,
    model_override TEXT,
    backend TEXT NOT NULL DEFAULT 'opencode',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    interrupted_at TEXT,
    resumable INTEGER NOT NULL DEFAULT 0,
    desktop_sessions TEXT,
    session_id TEXT,
    terminal_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_missions_updated_at ON missions(updated_at DESC);
CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);
CREATE INDEX IF NOT EXISTS idx_missions_status_updated ON missions(status, updated_at);

CREATE TABLE IF NOT EXISTS mission_trees (
    mission_id TEXT PRIMARY KEY NOT NULL,
    tree_json TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS mission_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mission_id TEXT NOT NULL,
    sequence INTEGER NOT NULL,
    event_type TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    event_id TEXT,
    tool_call_id TEXT,
    tool_name TEXT,
    content TEXT,
    content_file TEXT,
    metadata TEXT,
    FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_mission ON mission_events(mission_id, sequence);
CREATE INDEX IF NOT EXISTS idx_events_type ON mission_events(mission_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_tool_call ON mission_events(tool_call_id) WHERE tool_call_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_events_event_type ON mission_events(event_type);

CREATE TABLE IF NOT EXISTS mission_summaries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mission_id TEXT NOT NULL,
    summary TEXT NOT NULL,
    key_files TEXT,
    success INTEGER NOT NULL,
    created_at TEXT NOT NULL,
    FOREIGN KEY (mission_id) REFERENCES missions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_summaries_mission ON mission_summaries(mission_id);
`

// SQLiteStore is the authoritative mission store: SQLite in WAL mode with a
// single writer connection, a read-only reader pool, and content spill to
// side files above the configured threshold.
type SQLiteStore struct {
	writer         *sqlx.DB
	reader         *sqlx.DB
	contentDir     string
	spillThreshold int
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	// BaseDir is the root directory for the database and spilled content.
	BaseDir string
	// UserID namespaces the database file and content directory.
	UserID string
	// SpillThreshold is the inline content limit in bytes (default 64 KiB).
	SpillThreshold int
}

// NewSQLiteStore opens (creating if needed) the per-user mission database
// under baseDir and runs schema setup plus idempotent migrations.
func NewSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	sanitized := SanitizeFilename(opts.UserID)
	dbPath := filepath.Join(opts.BaseDir, fmt.Sprintf("missions-%s.db", sanitized))
	contentDir := filepath.Join(opts.BaseDir, "mission_data", sanitized)

	if err := os.MkdirAll(contentDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create content dir: %w", err)
	}

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}

	spill := opts.SpillThreshold
	if spill <= 0 {
		spill = 64 * 1024
	}

	s := &SQLiteStore{
		writer:         writer,
		reader:         reader,
		contentDir:     contentDir,
		spillThreshold: spill,
	}
	if err := s.initSchema(); err != nil {
		_ = writer.Close()
		_ = reader.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.writer.Exec(sqliteSchema); err != nil {
		return err
	}
	return s.runMigrations()
}

// runMigrations handles schema changes on databases created by older
// versions. CREATE TABLE IF NOT EXISTS does not add columns to existing
// tables, so each column is checked and added individually. All steps are
// idempotent.
func (s *SQLiteStore) runMigrations() error {
	for _, col := range []struct{ name, ddl string }{
		{"backend", "ALTER TABLE missions ADD COLUMN backend TEXT NOT NULL DEFAULT 'opencode'"},
		{"session_id", "ALTER TABLE missions ADD COLUMN session_id TEXT"},
		{"terminal_reason", "ALTER TABLE missions ADD COLUMN terminal_reason TEXT"},
	} {
		var exists bool
		err := s.writer.Get(&exists,
			"SELECT COUNT(*) > 0 FROM pragma_table_info('missions') WHERE name = ?", col.name)
		if err != nil {
			return fmt.Errorf("failed to check for %s column: %w", col.name, err)
		}
		if !exists {
			if _, err := s.writer.Exec(col.ddl); err != nil {
				return fmt.Errorf("failed to add %s column: %w", col.name, err)
			}
		}
	}

	_, err := s.writer.Exec(
		`CREATE INDEX IF NOT EXISTS idx_missions_status_updated ON missions(status, updated_at);
		 CREATE INDEX IF NOT EXISTS idx_events_event_type ON mission_events(event_type);`)
	if err != nil {
		return fmt.Errorf("failed to create performance indexes: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Persistent() bool { return true }

func (s *SQLiteStore) Close() error {
	if err := s.reader.Close(); err != nil {
		_ = s.writer.Close()
		return err
	}
	return s.writer.Close()
}

// missionRow mirrors the missions table for sqlx scanning.
type missionRow struct {
	ID              string         `db:"id"`
	Status          string         `db:"status"`
	Title           sql.NullString `db:"title"`
	WorkspaceID     string         `db:"workspace_id"`
	Agent           sql.NullString `db:"agent"`
	ModelOverride   sql.NullString `db:"model_override"`
	Backend         string         `db:"backend"`
	CreatedAt       string         `db:"created_at"`
	UpdatedAt       string         `db:"updated_at"`
	InterruptedAt   sql.NullString `db:"interrupted_at"`
	Resumable       bool           `db:"resumable"`
	DesktopSessions sql.NullString `db:"desktop_sessions"`
	SessionID       sql.NullString `db:"session_id"`
	TerminalReason  sql.NullString `db:"terminal_reason"`
}

const missionColumns = `id, status, title, workspace_id, agent, model_override, backend,
	created_at, updated_at, interrupted_at, resumable, desktop_sessions, session_id, terminal_reason`

func (r *missionRow) toMission() *mission.Mission {
	m := &mission.Mission{
		ID:             r.ID,
		Status:         mission.ParseStatus(r.Status),
		Title:          r.Title.String,
		WorkspaceID:    r.WorkspaceID,
		Agent:          r.Agent.String,
		ModelOverride:  r.ModelOverride.String,
		Backend:        r.Backend,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
		Resumable:      r.Resumable,
		SessionID:      r.SessionID.String,
		TerminalReason: mission.TerminalReason(r.TerminalReason.String),
	}
	if r.InterruptedAt.Valid && r.InterruptedAt.String != "" {
		t := parseTime(r.InterruptedAt.String)
		m.InterruptedAt = &t
	}
	if r.DesktopSessions.Valid && r.DesktopSessions.String != "" {
		_ = json.Unmarshal([]byte(r.DesktopSessions.String), &m.DesktopSessions)
	}
	return m
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) ListMissions(ctx context.Context, limit, offset int) ([]*mission.Mission, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []missionRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT `+missionColumns+` FROM missions ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list missions: %w", err)
	}
	out := make([]*mission.Mission, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMission())
	}
	return out, nil
}

func (s *SQLiteStore) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	var row missionRow
	err := s.reader.GetContext(ctx, &row,
		`SELECT `+missionColumns+` FROM missions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, ErrMissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission: %w", err)
	}

	m := row.toMission()
	history, err := s.deriveHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	m.History = history
	return m, nil
}

// deriveHistory reads the last message events (bounded for performance) and
// rebuilds the conversation in chronological order.
func (s *SQLiteStore) deriveHistory(ctx context.Context, id string) ([]mission.HistoryEntry, error) {
	type histRow struct {
		EventType   string         `db:"event_type"`
		Content     sql.NullString `db:"content"`
		ContentFile sql.NullString `db:"content_file"`
	}
	var rows []histRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT event_type, content, content_file FROM (
		     SELECT event_type, content, content_file, sequence
		     FROM mission_events
		     WHERE mission_id = ? AND event_type IN ('user_message', 'assistant_message')
		     ORDER BY sequence DESC
		     LIMIT ?
		 ) ORDER BY sequence ASC`,
		id, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to derive history: %w", err)
	}

	history := make([]mission.HistoryEntry, 0, len(rows))
	for _, r := range rows {
		role := "user"
		if r.EventType == mission.EventAssistantMessage {
			role = "assistant"
		}
		history = append(history, mission.HistoryEntry{
			Role:    role,
			Content: s.loadContent(r.Content, r.ContentFile),
		})
	}
	return history, nil
}

func (s *SQLiteStore) CreateMission(ctx context.Context, title, workspaceID, agent, modelOverride, backend string) (*mission.Mission, error) {
	m := mission.New(title, workspaceID, agent, modelOverride, backend)
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO missions (id, status, title, workspace_id, agent, model_override, backend,
		     created_at, updated_at, resumable, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		m.ID, string(m.Status), nullable(m.Title), m.WorkspaceID, nullable(m.Agent),
		nullable(m.ModelOverride), m.Backend, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		m.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMissionStatus(ctx context.Context, id string, status mission.Status, reason mission.TerminalReason) error {
	if err := validateReason(reason); err != nil {
		return err
	}

	now := formatTime(time.Now())
	var interruptedAt any
	if status == mission.StatusInterrupted || status == mission.StatusBlocked {
		interruptedAt = now
	}
	resumable := 0
	if status.Resumable() {
		resumable = 1
	}

	res, err := s.writer.ExecContext(ctx,
		`UPDATE missions SET status = ?, updated_at = ?, interrupted_at = ?, resumable = ?, terminal_reason = ? WHERE id = ?`,
		string(status), now, interruptedAt, resumable, nullable(string(reason)), id)
	if err != nil {
		return fmt.Errorf("failed to update mission status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMissionNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateMissionHistory(ctx context.Context, id string, history []mission.HistoryEntry) error {
	// History is derived from the event log; only stamp updated_at so the
	// mission bubbles up in list ordering.
	res, err := s.writer.ExecContext(ctx,
		`UPDATE missions SET updated_at = ? WHERE id = ?`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to touch mission: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMissionNotFound
	}
	return nil
}

func (s *SQLiteStore) updateColumn(ctx context.Context, id, column string, value any) error {
	res, err := s.writer.ExecContext(ctx,
		fmt.Sprintf(`UPDATE missions SET %s = ?, updated_at = ? WHERE id = ?`, column),
		value, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update mission %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMissionNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateMissionTitle(ctx context.Context, id, title string) error {
	return s.updateColumn(ctx, id, "title", title)
}

func (s *SQLiteStore) UpdateMissionSessionID(ctx context.Context, id, sessionID string) error {
	return s.updateColumn(ctx, id, "session_id", sessionID)
}

func (s *SQLiteStore) UpdateMissionDesktopSessions(ctx context.Context, id string, sessions []mission.DesktopSession) error {
	data, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to marshal desktop sessions: %w", err)
	}
	return s.updateColumn(ctx, id, "desktop_sessions", string(data))
}

func (s *SQLiteStore) UpdateMissionTree(ctx context.Context, id string, tree json.RawMessage) error {
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO mission_trees (mission_id, tree_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(mission_id) DO UPDATE SET tree_json = excluded.tree_json, updated_at = excluded.updated_at`,
		id, string(tree), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to update mission tree: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMissionTree(ctx context.Context, id string) (json.RawMessage, error) {
	var treeJSON string
	err := s.reader.GetContext(ctx, &treeJSON,
		`SELECT tree_json FROM mission_trees WHERE mission_id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mission tree: %w", err)
	}
	return json.RawMessage(treeJSON), nil
}

func (s *SQLiteStore) DeleteMission(ctx context.Context, id string) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM missions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete mission: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		// Spilled content is best-effort cleanup.
		_ = os.RemoveAll(filepath.Join(s.contentDir, id))
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteEmptyUntitledMissionsExcluding(ctx context.Context, exclude []string) (int, error) {
	query := `DELETE FROM missions
	          WHERE (title IS NULL OR title = '')
	            AND id NOT IN (SELECT DISTINCT mission_id FROM mission_events)`
	args := []any{}
	if len(exclude) > 0 {
		var err error
		var inQuery string
		inQuery, args, err = sqlx.In(` AND id NOT IN (?)`, exclude)
		if err != nil {
			return 0, fmt.Errorf("failed to build exclusion clause: %w", err)
		}
		query += inQuery
	}

	res, err := s.writer.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to compact missions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) GetStaleActiveMissions(ctx context.Context, staleHours int) ([]*mission.Mission, error) {
	cutoff := formatTime(time.Now().Add(-time.Duration(staleHours) * time.Hour))
	var rows []missionRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT `+missionColumns+` FROM missions WHERE status = 'active' AND updated_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to get stale missions: %w", err)
	}
	out := make([]*mission.Mission, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMission())
	}
	return out, nil
}

func (s *SQLiteStore) GetAllActiveMissions(ctx context.Context) ([]*mission.Mission, error) {
	var rows []missionRow
	err := s.reader.SelectContext(ctx, &rows,
		`SELECT `+missionColumns+` FROM missions WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("failed to get active missions: %w", err)
	}
	out := make([]*mission.Mission, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toMission())
	}
	return out, nil
}

func (s *SQLiteStore) InsertMissionSummary(ctx context.Context, missionID, summary string, keyFiles []string, success bool) error {
	keyFilesJSON, err := json.Marshal(keyFiles)
	if err != nil {
		return fmt.Errorf("failed to marshal key files: %w", err)
	}
	successInt := 0
	if success {
		successInt = 1
	}
	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO mission_summaries (mission_id, summary, key_files, success, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		missionID, summary, string(keyFilesJSON), successInt, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert mission summary: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
