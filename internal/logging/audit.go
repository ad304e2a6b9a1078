// Audit logging for relay: structured JSONL events recording every
// classification decision, item state transition, and reply. YELLOW
// classifications execute but must leave a record; this is that record.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event.
type AuditEventType string

const (
	// Message intake events
	AuditMessageReceived AuditEventType = "message_received"
	AuditMessageDropped  AuditEventType = "message_dropped"

	// Persona resolution
	AuditPersonaResolved AuditEventType = "persona_resolved"

	// Classification events
	AuditClassified  AuditEventType = "classified"
	AuditBlacklisted AuditEventType = "blacklisted"

	// Item lifecycle events
	AuditItemEnqueued  AuditEventType = "item_enqueued"
	AuditItemStarted   AuditEventType = "item_started"
	AuditItemCompleted AuditEventType = "item_completed"
	AuditItemFailed    AuditEventType = "item_failed"
	AuditItemBlocked   AuditEventType = "item_blocked"
	AuditItemRejected  AuditEventType = "item_rejected"
	AuditItemDisplaced AuditEventType = "item_displaced"

	// Approval events
	AuditApprovalRequested AuditEventType = "approval_requested"
	AuditApprovalTimedOut  AuditEventType = "approval_timed_out"

	// Reasoner events
	AuditReasonerInvoked AuditEventType = "reasoner_invoked"
	AuditReasonerDone    AuditEventType = "reasoner_done"

	// Reply events
	AuditReplySent   AuditEventType = "reply_sent"
	AuditReplyFailed AuditEventType = "reply_failed"
)

// AuditEvent represents one structured audit record.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	ChatID     string                 `json:"chat,omitempty"`
	PersonaID  string                 `json:"persona,omitempty"`
	ItemID     string                 `json:"item,omitempty"`
	Level      string                 `json:"level,omitempty"`  // Classification level
	Policy     string                 `json:"policy,omitempty"` // Policy that decided
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex

	// Initialized at declaration: Audit() is called from every pipeline
	// worker concurrently and must not lazily write package state.
	auditLogger = &AuditLogger{}
)

// AuditLogger writes audit events, optionally pre-scoped to a chat/persona.
type AuditLogger struct {
	chatID    string
	personaID string
}

// InitAudit initializes the audit logging system. A no-op outside debug mode.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	return auditLogger
}

// AuditWithChat creates an audit logger scoped to a chat.
func AuditWithChat(chatID string) *AuditLogger {
	return &AuditLogger{chatID: chatID}
}

// AuditWithContext creates an audit logger scoped to a chat and persona.
func AuditWithContext(chatID, personaID string) *AuditLogger {
	return &AuditLogger{chatID: chatID, personaID: personaID}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.ChatID == "" && a.chatID != "" {
		event.ChatID = a.chatID
	}
	if event.PersonaID == "" && a.personaID != "" {
		event.PersonaID = a.personaID
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// Classified records a classification decision.
func (a *AuditLogger) Classified(itemID, level, policy, pattern string) {
	a.Log(AuditEvent{
		EventType: AuditClassified,
		ItemID:    itemID,
		Level:     level,
		Policy:    policy,
		Success:   true,
		Fields:    map[string]interface{}{"pattern": pattern},
	})
}

// ItemTransition records an item state change.
func (a *AuditLogger) ItemTransition(event AuditEventType, itemID, reason string) {
	a.Log(AuditEvent{
		EventType: event,
		ItemID:    itemID,
		Message:   reason,
		Success:   event != AuditItemFailed,
	})
}

// ReplySent records an outbound reply.
func (a *AuditLogger) ReplySent(itemID string, bytes int, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditReplySent,
		ItemID:     itemID,
		Success:    true,
		DurationMs: durationMs,
		Fields:     map[string]interface{}{"bytes": bytes},
	})
}
