package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// historyStore is the read-only message source for past sessions plus the
// advisory persistence surface (composer drafts, transcript snapshots). The
// line-oriented backend pages through the messages table; the embedded
// backend returns its full ordered blob set per call.
type historyStore struct {
	db *sql.DB
}

// historyPage is one fetchPage result.
type historyPage struct {
	records []rawHistoryRecord
	hasMore bool
	total   int
}

func openHistoryStore(path string) (*historyStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db %q: %w", path, err)
	}
	store := &historyStore{db: db}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *historyStore) Close() error {
	return s.db.Close()
}

func (s *historyStore) ensureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			message_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			seq INTEGER,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_seq
			ON messages(session_key, seq)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			blob_id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS drafts (
			session_key TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS transcript_snapshots (
			session_key TEXT PRIMARY KEY,
			snapshot TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return nil
}

// fetchPage returns one page of line-oriented records for a session. The
// offset counts back from the newest record; records within the page come
// back oldest-first so a page prepends as a contiguous block.
func (s *historyStore) fetchPage(ctx context.Context, sessionKey string, limit, offset int) (historyPage, error) {
	if limit <= 0 {
		return historyPage{}, errors.New("fetch page: limit must be positive")
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_key = ?
	`, sessionKey).Scan(&total); err != nil {
		return historyPage{}, fmt.Errorf("count messages for session %q: %w", sessionKey, err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, seq, payload
		FROM messages
		WHERE session_key = ?
		ORDER BY COALESCE(seq, message_id) DESC, message_id DESC
		LIMIT ? OFFSET ?
	`, sessionKey, limit, offset)
	if err != nil {
		return historyPage{}, fmt.Errorf("query messages for session %q: %w", sessionKey, err)
	}
	defer rows.Close()

	records := make([]rawHistoryRecord, 0, limit)
	for rows.Next() {
		var (
			rec rawHistoryRecord
			seq sql.NullInt64
		)
		var payload string
		if err := rows.Scan(&rec.rowID, &seq, &payload); err != nil {
			return historyPage{}, fmt.Errorf("scan message row: %w", err)
		}
		rec.seq = seq.Int64
		rec.hasSeq = seq.Valid
		rec.payload = []byte(payload)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return historyPage{}, fmt.Errorf("iterate message rows: %w", err)
	}

	// Newest-first from the query; the page itself reads oldest-first.
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	return historyPage{
		records: records,
		hasMore: offset+len(records) < total,
		total:   total,
	}, nil
}

// fetchAll returns the full ordered blob set for a session. The embedded
// backend has no pagination contract.
func (s *historyStore) fetchAll(ctx context.Context, sessionKey string) ([]blobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_id, seq, data
		FROM blobs
		WHERE session_key = ?
		ORDER BY seq ASC, blob_id ASC
	`, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("query blobs for session %q: %w", sessionKey, err)
	}
	defer rows.Close()

	blobs := make([]blobRecord, 0, 64)
	for rows.Next() {
		var blob blobRecord
		if err := rows.Scan(&blob.blobID, &blob.seq, &blob.data); err != nil {
			return nil, fmt.Errorf("scan blob row: %w", err)
		}
		blobs = append(blobs, blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate blob rows: %w", err)
	}
	return blobs, nil
}

func (s *historyStore) saveDraft(ctx context.Context, sessionKey, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drafts (session_key, content, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, sessionKey, content, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save draft for session %q: %w", sessionKey, err)
	}
	return nil
}

func (s *historyStore) loadDraft(ctx context.Context, sessionKey string) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM drafts WHERE session_key = ?
	`, sessionKey).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load draft for session %q: %w", sessionKey, err)
	}
	return content, nil
}

// saveSnapshot persists an advisory copy of the normalized transcript. The
// snapshot may lag the in-memory transcript by one flush cycle.
func (s *historyStore) saveSnapshot(ctx context.Context, sessionKey, snapshot string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_snapshots (session_key, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`, sessionKey, snapshot, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot for session %q: %w", sessionKey, err)
	}
	return nil
}

func (s *historyStore) loadSnapshot(ctx context.Context, sessionKey string) (string, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot FROM transcript_snapshots WHERE session_key = ?
	`, sessionKey).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load snapshot for session %q: %w", sessionKey, err)
	}
	return snapshot, nil
}
