// Package audit is the structured audit sink every other package logs
// denials, violations, and state transitions through. Grounded on
// internal/security/session_audit.go's SessionAuditor: the
// store-backed persistence and non-blocking LogEvent are kept; the
// HTTP request extraction and IP geolocation enrichment are dropped
// (this kernel has no inbound HTTP request to enrich from at the
// point audit entries are raised) in favor of the category/severity
// fields spec.md §7 requires.
package audit

import (
	"log/slog"
	"time"

	"github.com/ocx/agentkernel/internal/store"
)

// Severity is the audit entry's log level.
type Severity string

const (
	Info  Severity = "info"
	Warn  Severity = "warn"
	Error Severity = "error"
)

// Entry is one structured audit record.
type Entry struct {
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Category  string                 `json:"category"`
	EventType string                 `json:"event_type"`
	Severity  Severity               `json:"severity"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Store is the persistence side of the sink. store.SupabaseStore and
// store.MemStore are adapted to it through StoreAdapter below.
type Store interface {
	InsertAuditLog(entry Entry) error
}

// Sink persists audit entries and mirrors them to structured logs.
type Sink struct {
	store  Store
	logger *slog.Logger
}

// NewSink constructs a Sink. store may be nil, in which case entries
// are logged but not persisted (useful for tests and for components
// that run before the store is wired up).
func NewSink(store Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

// Log records entry: synchronously to the structured logger, and
// asynchronously (non-blocking, matching the teacher's go func()
// persist idiom) to the backing store if one is configured.
func (s *Sink) Log(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	args := []interface{}{
		"tenant_id", entry.TenantID,
		"agent_id", entry.AgentID,
		"category", entry.Category,
		"event_type", entry.EventType,
	}
	switch entry.Severity {
	case Error:
		s.logger.Error("audit", args...)
	case Warn:
		s.logger.Warn("audit", args...)
	default:
		s.logger.Info("audit", args...)
	}

	if s.store == nil {
		return
	}
	go func(e Entry) {
		if err := s.store.InsertAuditLog(e); err != nil {
			s.logger.Error("audit: failed to persist entry", "event_type", e.EventType, "error", err)
		}
	}(entry)
}

// StoreAdapter adapts a store.Store's InsertAuditLog to the Store
// interface Sink expects, folding category/severity into the row's
// Payload since the relational schema has no dedicated columns for
// them.
type StoreAdapter struct {
	Store store.Store
}

func (a StoreAdapter) InsertAuditLog(entry Entry) error {
	payload := entry.Metadata
	if payload == nil {
		payload = make(map[string]interface{})
	}
	payload["category"] = entry.Category
	payload["severity"] = string(entry.Severity)
	return a.Store.InsertAuditLog(store.AuditLogRow{
		TenantID:  entry.TenantID,
		AgentID:   entry.AgentID,
		EventType: entry.EventType,
		Payload:   payload,
		CreatedAt: entry.CreatedAt,
	})
}
