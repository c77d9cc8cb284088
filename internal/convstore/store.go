// Package convstore implements the Conversation Store: an append-only log
// of (session, role, content, metadata, timestamp) tuples with session
// windowing and retention sweep, per spec.md §4.3. Loosely grounded on the
// teacher's internal/sessions/cockroach.go, with the driver swapped from
// lib/pq/Cockroach to modernc.org/sqlite per this spec's single-file
// CONVERSATION_DB_PATH. There is no separate sessions table: each append is
// a single INSERT into messages, and a user's current session is derived
// from their latest non-tool message.
package convstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/agentcore/agentcore/pkg/types"
)

// Store is the Conversation Store's public interface, per spec.md §4.3's
// operation table.
type Store struct {
	db          *sql.DB
	idleTimeout time.Duration
}

// Open opens (creating if necessary) the sqlite-backed conversation store
// at path, with the given session idle timeout.
//
// The teacher's own internal/memory/backend/sqlitevec/backend.go opens
// modernc.org/sqlite with driver name "sqlite3" — that is the mattn/go-sqlite3
// driver name, not modernc.org/sqlite's, which registers itself as "sqlite".
// That looks like a latent bug in the teacher file; this store uses the
// correct driver name. See DESIGN.md.
func Open(path string, idleTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("convstore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer sufficient per spec.md §5; avoids sqlite lock contention

	s := &Store{db: db, idleTimeout: idleTimeout}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_key TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			timestamp TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("convstore: create table: %w", err)
	}
	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_messages_user_ts ON messages(user_key, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(timestamp)`,
	} {
		if _, err := s.db.Exec(idx); err != nil {
			return fmt.Errorf("convstore: create index: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Metadata bundles the optional per-message fields append may carry.
type Metadata struct {
	ToolCalls         json.RawMessage `json:"tool_calls,omitempty"`
	MentionedEntities json.RawMessage `json:"mentioned_entities,omitempty"`
	Confidence        *float64        `json:"confidence,omitempty"`
}

// OpenOrReuseSession reuses the user's latest session if its last activity
// is within idleTimeout of now; otherwise it mints a fresh opaque id, per
// spec.md §4.3 and round-trip R1.
func (s *Store) OpenOrReuseSession(ctx context.Context, userKey string, now time.Time) (string, error) {
	var sessionID string
	var lastTS string
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, timestamp FROM messages
		WHERE user_key = ? AND role != ?
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, userKey, types.RoleTool)
	err := row.Scan(&sessionID, &lastTS)
	if err == sql.ErrNoRows {
		return uuid.NewString(), nil
	}
	if err != nil {
		return "", types.NewToolError(types.ErrStorageError, err.Error())
	}

	last, err := time.Parse(time.RFC3339Nano, lastTS)
	if err != nil {
		return uuid.NewString(), nil
	}
	if now.Sub(last) <= s.idleTimeout {
		return sessionID, nil
	}
	return uuid.NewString(), nil
}

// Append inserts one message row. A write failure is returned to the
// caller, who treats it as a soft error per spec.md §4.3 failure semantics
// — the run continues, just without memory of this turn.
func (s *Store) Append(ctx context.Context, sessionID, userKey string, role types.Role, content string, meta Metadata, now time.Time) error {
	var metaJSON sql.NullString
	if meta.ToolCalls != nil || meta.MentionedEntities != nil || meta.Confidence != nil {
		b, err := json.Marshal(meta)
		if err != nil {
			return types.NewToolError(types.ErrStorageError, err.Error())
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, user_key, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sessionID, userKey, string(role), content, metaJSON, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return types.NewToolError(types.ErrStorageError, err.Error())
	}
	return nil
}

// Recent returns the last limit messages for userKey, oldest first, used to
// hydrate planner context per spec.md §4.4. A read failure degrades to "no
// history" (a nil slice) rather than aborting the run, per
// spec.md §4.3 failure semantics.
func (s *Store) Recent(ctx context.Context, userKey string, limit int) []types.Message {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_key, role, content, metadata, timestamp
		FROM messages WHERE user_key = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, userKey, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var role, ts string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserKey, &role, &m.Content, &metaJSON, &ts); err != nil {
			return nil
		}
		m.Role = types.Role(role)
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			m.Timestamp = t
		}
		if metaJSON.Valid {
			var meta Metadata
			if json.Unmarshal([]byte(metaJSON.String), &meta) == nil {
				m.ToolCalls = meta.ToolCalls
				m.MentionedEntities = meta.MentionedEntities
				m.Confidence = meta.Confidence
			}
		}
		out = append(out, m)
	}

	// reverse to oldest-first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// PurgeOlderThan deletes messages with timestamp < cutoff, per spec.md
// §4.3 and property P6.
func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return types.NewToolError(types.ErrStorageError, err.Error())
	}
	return nil
}

// Clear forgets all messages for userKey; the next OpenOrReuseSession call
// mints a fresh session id.
func (s *Store) Clear(ctx context.Context, userKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE user_key = ?`, userKey)
	if err != nil {
		return types.NewToolError(types.ErrStorageError, err.Error())
	}
	return nil
}

// RunRetentionSweep starts a background goroutine that calls
// PurgeOlderThan(now - retention) on the given period, stopping when ctx is
// cancelled. Grounded on the teacher's internal/sessions/expiry.go
// periodic-check shape, simplified to idle-only retention.
func (s *Store) RunRetentionSweep(ctx context.Context, retention, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.PurgeOlderThan(ctx, time.Now().Add(-retention))
		}
	}
}
