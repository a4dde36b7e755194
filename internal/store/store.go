// Package store exposes the relational collaborator tables behind a
// narrow interface so the rest of the kernel never depends on a
// specific driver. Grounded on internal/database/supabase.go's
// table-mapped structs and CRUD methods, generalized from that
// teacher's agent-economy schema to the kernel's eight tables: agents,
// audit_log, provider_usage, policies, moderation_cases, sanctions,
// appeals, and capability_tokens.
package store

import "time"

// AgentRow is the persisted projection of one agent's registration.
type AgentRow struct {
	AgentID   string    `json:"agent_id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditLogRow is one structured audit event.
type AuditLogRow struct {
	ID        string                 `json:"id,omitempty"`
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id,omitempty"`
	EventType string                 `json:"event_type"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// ProviderUsageRow tracks one accounting entry for a call out to a
// model provider, attributed to a tenant/agent pair.
type ProviderUsageRow struct {
	ID         string    `json:"id,omitempty"`
	TenantID   string    `json:"tenant_id"`
	AgentID    string    `json:"agent_id"`
	Provider   string    `json:"provider"`
	Model      string    `json:"model"`
	InputUnits int64     `json:"input_units"`
	OutputUnits int64    `json:"output_units"`
	CostMicros int64     `json:"cost_micros"`
	CreatedAt  time.Time `json:"created_at"`
}

// PolicyRow is the persisted form of a policy.Policy, stored as an
// opaque JSON document keyed by tenant + ID.
type PolicyRow struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Document  []byte    `json:"document"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModerationCaseRow, SanctionRow, and AppealRow mirror
// governance.ModerationCase, governance.Sanction, and
// governance.Appeal for durable storage.
type ModerationCaseRow struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	PolicyID   string     `json:"policy_id,omitempty"`
	RuleIndex  int        `json:"rule_index"`
	Action     string     `json:"action,omitempty"`
	Reason     string     `json:"reason"`
	Status     string     `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type SanctionRow struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	AgentID   string     `json:"agent_id"`
	CaseID    string     `json:"case_id"`
	Kind      string     `json:"kind"`
	AppliedAt time.Time  `json:"applied_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Lifted    bool       `json:"lifted"`
}

type AppealRow struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	CaseID     string     `json:"case_id"`
	Reason     string     `json:"reason,omitempty"`
	Status     string     `json:"status"`
	Resolution string     `json:"resolution,omitempty"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// CapabilityTokenRow is the persisted form of a capability.CapabilityToken.
// Pattern/Actions summarize the token's first permission for quick
// filtering; PermissionsJSON carries the full permission set (including
// category and constraints) as an opaque document, mirroring PolicyRow.
type CapabilityTokenRow struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	AgentID         string    `json:"agent_id"`
	Pattern         string    `json:"pattern"`
	Actions         []string  `json:"actions"`
	PermissionsJSON []byte    `json:"permissions_json,omitempty"`
	IssuedAt        time.Time `json:"issued_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	Revoked         bool      `json:"revoked"`
}

// Store is the narrow persistence contract every collaborator table
// is reached through. Every method is tenant-scoped except the ones
// that operate on a single row already addressed by ID.
type Store interface {
	UpsertAgent(row AgentRow) error
	GetAgent(tenantID, agentID string) (*AgentRow, error)
	ListAgents(tenantID string) ([]AgentRow, error)

	InsertAuditLog(row AuditLogRow) error
	QueryAuditLog(tenantID string, limit int) ([]AuditLogRow, error)

	InsertProviderUsage(row ProviderUsageRow) error
	QueryProviderUsage(tenantID, agentID string) ([]ProviderUsageRow, error)

	UpsertPolicy(row PolicyRow) error
	GetPolicy(tenantID, id string) (*PolicyRow, error)
	ListPolicies(tenantID string) ([]PolicyRow, error)

	UpsertModerationCase(row ModerationCaseRow) error
	ListModerationCases(tenantID string) ([]ModerationCaseRow, error)

	UpsertSanction(row SanctionRow) error
	ListSanctions(tenantID string) ([]SanctionRow, error)

	UpsertAppeal(row AppealRow) error
	ListAppeals(tenantID string) ([]AppealRow, error)

	UpsertCapabilityToken(row CapabilityTokenRow) error
	ListCapabilityTokens(tenantID, agentID string) ([]CapabilityTokenRow, error)
}
