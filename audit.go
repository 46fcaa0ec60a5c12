package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	turnAudit     *auditStore
	turnAuditOnce sync.Once
	auditEnabled  = true // Can be set to false to disable all logging
)

// TurnAuditEntry represents one complete chat turn
type TurnAuditEntry struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
	Surface        string    `json:"surface"`
	AssistantID    string    `json:"assistant_id,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	Shape          string    `json:"shape,omitempty"`
	Source         string    `json:"source"`
	Platform       string    `json:"platform,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Input          string    `json:"input"`
	Output         string    `json:"output"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	Attempts       int       `json:"attempts"`
	DurationMS     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

type auditStore struct {
	db *sql.DB
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS turn_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	surface TEXT NOT NULL,
	assistant_id TEXT,
	endpoint TEXT,
	shape TEXT,
	source TEXT NOT NULL,
	platform TEXT,
	user_id TEXT,
	input TEXT NOT NULL,
	output TEXT NOT NULL,
	input_tokens INTEGER,
	output_tokens INTEGER,
	attempts INTEGER,
	duration_ms INTEGER,
	error TEXT
);

CREATE INDEX IF NOT EXISTS idx_turn_conversation_id ON turn_audit(conversation_id);
CREATE INDEX IF NOT EXISTS idx_turn_timestamp ON turn_audit(timestamp);
`

func openAuditStore(path string) (*auditStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create audit schema: %w", err)
	}
	return &auditStore{db: db}, nil
}

func (s *auditStore) insert(e TurnAuditEntry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	result, err := s.db.Exec(`
		INSERT INTO turn_audit (
			conversation_id, timestamp, surface, assistant_id, endpoint, shape, source,
			platform, user_id, input, output, input_tokens, output_tokens, attempts,
			duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ConversationID, e.Timestamp, e.Surface, e.AssistantID, e.Endpoint, e.Shape, e.Source,
		e.Platform, e.UserID, e.Input, e.Output, e.InputTokens, e.OutputTokens, e.Attempts,
		e.DurationMS, e.Error)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (s *auditStore) history(conversationID string) ([]TurnAuditEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, timestamp, surface, assistant_id, endpoint, shape, source,
		       platform, user_id, input, output, input_tokens, output_tokens, attempts,
		       duration_ms, error
		FROM turn_audit
		WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []TurnAuditEntry
	for rows.Next() {
		var e TurnAuditEntry
		err := rows.Scan(
			&e.ID, &e.ConversationID, &e.Timestamp, &e.Surface,
			&e.AssistantID, &e.Endpoint, &e.Shape, &e.Source,
			&e.Platform, &e.UserID, &e.Input, &e.Output,
			&e.InputTokens, &e.OutputTokens, &e.Attempts,
			&e.DurationMS, &e.Error,
		)
		if err != nil {
			log.Printf("[AUDIT] Error scanning row: %v", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *auditStore) close() error {
	return s.db.Close()
}

// InitAuditDB opens the turn audit database unless ENABLE_TURN_AUDIT=false
func InitAuditDB() error {
	if os.Getenv("ENABLE_TURN_AUDIT") == "false" {
		auditEnabled = false
		log.Println("[AUDIT] Turn audit logging DISABLED")
		return nil
	}

	var err error
	turnAuditOnce.Do(func() {
		path := envString("AUDIT_DB_PATH", "turn_audit.db")
		turnAudit, err = openAuditStore(path)
		if err != nil {
			return
		}
		log.Printf("[AUDIT] Turn audit database initialized at %s", path)
	})
	return err
}

// LogTurn records a finished turn. It never fails the caller.
func LogTurn(entry TurnAuditEntry) {
	if !auditEnabled || turnAudit == nil {
		return
	}
	id, err := turnAudit.insert(entry)
	if err != nil {
		log.Printf("[AUDIT] Failed to log turn: %v", err)
		return
	}
	if debugMode {
		log.Printf("[AUDIT] Logged turn ID=%d, ConvID=%s, Source=%s, InputLen=%d, OutputLen=%d",
			id, entry.ConversationID, entry.Source, len(entry.Input), len(entry.Output))
	}
}

// ConversationHistory retrieves all turns of a conversation, oldest first
func ConversationHistory(conversationID string) ([]TurnAuditEntry, error) {
	if turnAudit == nil {
		return nil, fmt.Errorf("audit database not initialized")
	}
	return turnAudit.history(conversationID)
}
