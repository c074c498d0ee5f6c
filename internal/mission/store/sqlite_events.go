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

	"github.com/sandboxd/sandboxd/internal/mission"
)

// storeContent keeps content inline when small enough, otherwise writes it
// to a side file under the mission's events directory and returns the path.
// Spill failures fall back to inline storage so no content is ever lost.
func (s *SQLiteStore) storeContent(missionID string, sequence int64, eventType, content string) (inline any, file any) {
	if len(content) <= s.spillThreshold {
		return content, nil
	}

	eventsDir := filepath.Join(s.contentDir, missionID, "events")
	if err := os.MkdirAll(eventsDir, 0o755); err != nil {
		return content, nil
	}

	filePath := filepath.Join(eventsDir, fmt.Sprintf("event_%d_%s.txt", sequence, eventType))
	if err := os.WriteFile(filePath, []byte(content), 0o644); err != nil {
		return content, nil
	}
	return nil, filePath
}

// loadContent stitches content back together regardless of where it lives.
func (s *SQLiteStore) loadContent(content, contentFile sql.NullString) string {
	if content.Valid {
		return content.String
	}
	if contentFile.Valid && contentFile.String != "" {
		data, err := os.ReadFile(contentFile.String)
		if err != nil {
			return ""
		}
		return string(data)
	}
	return ""
}

func (s *SQLiteStore) LogEvent(ctx context.Context, missionID string, event *mission.AgentEvent) error {
	if !event.Persisted() {
		return nil
	}

	now := formatTime(time.Now())
	metadataJSON := "{}"
	if event.Metadata != nil {
		data, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	// A re-emitted event (same event_id) updates the stored row's metadata
	// and timestamp in place instead of inserting a duplicate.
	if event.EventID != "" {
		var existingID int64
		err := s.writer.GetContext(ctx, &existingID,
			`SELECT id FROM mission_events WHERE mission_id = ? AND event_id = ?`,
			missionID, event.EventID)
		if err == nil {
			_, err = s.writer.ExecContext(ctx,
				`UPDATE mission_events SET metadata = ?, timestamp = ? WHERE id = ?`,
				metadataJSON, now, existingID)
			if err != nil {
				return fmt.Errorf("failed to update existing event: %w", err)
			}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("failed to check for existing event: %w", err)
		}
	}

	var sequence int64
	err := s.writer.GetContext(ctx, &sequence,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM mission_events WHERE mission_id = ?`,
		missionID)
	if err != nil {
		return fmt.Errorf("failed to allocate event sequence: %w", err)
	}

	contentInline, contentFile := s.storeContent(missionID, sequence, event.Type, event.Content)

	_, err = s.writer.ExecContext(ctx,
		`INSERT INTO mission_events
		     (mission_id, sequence, event_type, timestamp, event_id, tool_call_id, tool_name, content, content_file, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		missionID, sequence, event.Type, now,
		nullable(event.EventID), nullable(event.ToolCallID), nullable(event.ToolName),
		contentInline, contentFile, metadataJSON)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// eventRow mirrors the mission_events table for sqlx scanning.
type eventRow struct {
	ID          int64          `db:"id"`
	MissionID   string         `db:"mission_id"`
	Sequence    int64          `db:"sequence"`
	EventType   string         `db:"event_type"`
	Timestamp   string         `db:"timestamp"`
	EventID     sql.NullString `db:"event_id"`
	ToolCallID  sql.NullString `db:"tool_call_id"`
	ToolName    sql.NullString `db:"tool_name"`
	Content     sql.NullString `db:"content"`
	ContentFile sql.NullString `db:"content_file"`
	Metadata    sql.NullString `db:"metadata"`
}

func (s *SQLiteStore) GetEvents(ctx context.Context, missionID string, eventTypes []string, limit, offset int) ([]*mission.StoredEvent, error) {
	if limit <= 0 {
		limit = 50000
	}

	query := `SELECT id, mission_id, sequence, event_type, timestamp, event_id, tool_call_id, tool_name, content, content_file, metadata
	          FROM mission_events WHERE mission_id = ?`
	args := []any{missionID}

	if len(eventTypes) > 0 {
		inQuery, inArgs, err := sqlx.In(` AND event_type IN (?)`, eventTypes)
		if err != nil {
			return nil, fmt.Errorf("failed to build type filter: %w", err)
		}
		query += inQuery
		args = append(args, inArgs...)
	}

	query += ` ORDER BY sequence ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	var rows []eventRow
	if err := s.reader.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	out := make([]*mission.StoredEvent, 0, len(rows))
	for _, r := range rows {
		ev := &mission.StoredEvent{
			ID:         r.ID,
			MissionID:  r.MissionID,
			Sequence:   r.Sequence,
			EventType:  r.EventType,
			Timestamp:  parseTime(r.Timestamp),
			EventID:    r.EventID.String,
			ToolCallID: r.ToolCallID.String,
			ToolName:   r.ToolName.String,
			Content:    s.loadContent(r.Content, r.ContentFile),
		}
		if r.Metadata.Valid && r.Metadata.String != "" {
			_ = json.Unmarshal([]byte(r.Metadata.String), &ev.Metadata)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *SQLiteStore) GetTotalCostCents(ctx context.Context) (uint64, error) {
	var metadatas []sql.NullString
	err := s.reader.SelectContext(ctx, &metadatas,
		`SELECT metadata FROM mission_events WHERE event_type = 'assistant_message'`)
	if err != nil {
		return 0, fmt.Errorf("failed to read assistant events: %w", err)
	}

	var total uint64
	for _, raw := range metadatas {
		if !raw.Valid || raw.String == "" {
			continue
		}
		var md map[string]any
		if err := json.Unmarshal([]byte(raw.String), &md); err != nil {
			continue
		}
		total += costCentsFromMetadata(md)
	}
	return total, nil
}
