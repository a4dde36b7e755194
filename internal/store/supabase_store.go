package store

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseStore is the production Store, grounded on
// internal/database/supabase.go's From/Select/Insert/Upsert chain.
// The audit log, which is append-only and queried far more than the
// PostgREST client comfortably expresses with ordering + pagination,
// goes over a direct database/sql connection via lib/pq instead.
type SupabaseStore struct {
	client *supabase.Client
	sql    *sql.DB
}

// NewSupabaseStore creates the PostgREST client used for table CRUD
// and, when SUPABASE_DB_DSN is set, a database/sql handle (lib/pq) used
// for the audit log. sql.Open does not connect, so an unreachable
// database is not detected here.
func NewSupabaseStore() (*SupabaseStore, error) {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")
	if url == "" || key == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}

	s := &SupabaseStore{client: client}

	if dsn := os.Getenv("SUPABASE_DB_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres dsn: %w", err)
		}
		s.sql = db
	}
	return s, nil
}

func (s *SupabaseStore) UpsertAgent(row AgentRow) error {
	var result []AgentRow
	_, _, err := s.client.From("agents").Upsert(row, "tenant_id,agent_id", "", "").Execute()
	_ = result
	return err
}

func (s *SupabaseStore) GetAgent(tenantID, agentID string) (*AgentRow, error) {
	var rows []AgentRow
	_, err := s.client.From("agents").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("agent_id", agentID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseStore) ListAgents(tenantID string) ([]AgentRow, error) {
	var rows []AgentRow
	_, err := s.client.From("agents").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	return rows, err
}

// InsertAuditLog writes through the direct Postgres connection when
// configured, falling back to PostgREST otherwise. The audit table is
// append-only and high-volume; a prepared INSERT avoids the per-call
// PostgREST schema cache round trip.
func (s *SupabaseStore) InsertAuditLog(row AuditLogRow) error {
	if s.sql != nil {
		_, err := s.sql.Exec(
			`INSERT INTO audit_log (id, tenant_id, agent_id, event_type, payload, created_at)
			 VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)`,
			row.TenantID, row.AgentID, row.EventType, row.Payload, row.CreatedAt,
		)
		return err
	}
	_, _, err := s.client.From("audit_log").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *SupabaseStore) QueryAuditLog(tenantID string, limit int) ([]AuditLogRow, error) {
	if limit <= 0 {
		limit = 100
	}
	if s.sql != nil {
		rows, err := s.sql.Query(
			`SELECT id, tenant_id, agent_id, event_type, created_at FROM audit_log
			 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`, tenantID, limit)
		if err != nil {
			return nil, fmt.Errorf("query audit_log: %w", err)
		}
		defer rows.Close()
		out := make([]AuditLogRow, 0, limit)
		for rows.Next() {
			var r AuditLogRow
			if err := rows.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.EventType, &r.CreatedAt); err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, rows.Err()
	}
	var out []AuditLogRow
	_, err := s.client.From("audit_log").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&out)
	return out, err
}

func (s *SupabaseStore) InsertProviderUsage(row ProviderUsageRow) error {
	_, _, err := s.client.From("provider_usage").Insert(row, false, "", "", "").Execute()
	return err
}

func (s *SupabaseStore) QueryProviderUsage(tenantID, agentID string) ([]ProviderUsageRow, error) {
	query := s.client.From("provider_usage").Select("*", "", false).Eq("tenant_id", tenantID)
	if agentID != "" {
		query = query.Eq("agent_id", agentID)
	}
	var out []ProviderUsageRow
	_, err := query.ExecuteTo(&out)
	return out, err
}

func (s *SupabaseStore) UpsertPolicy(row PolicyRow) error {
	_, _, err := s.client.From("policies").Upsert(row, "tenant_id,id", "", "").Execute()
	return err
}

func (s *SupabaseStore) GetPolicy(tenantID, id string) (*PolicyRow, error) {
	var rows []PolicyRow
	_, err := s.client.From("policies").
		Select("*", "", false).
		Eq("tenant_id", tenantID).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *SupabaseStore) ListPolicies(tenantID string) ([]PolicyRow, error) {
	var rows []PolicyRow
	_, err := s.client.From("policies").Select("*", "", false).Eq("tenant_id", tenantID).ExecuteTo(&rows)
	return rows, err
}

func (s *SupabaseStore) UpsertModerationCase(row ModerationCaseRow) error {
	_, _, err := s.client.From("moderation_cases").Upsert(row, "id", "", "").Execute()
	return err
}

func (s *SupabaseStore) ListModerationCases(tenantID string) ([]ModerationCaseRow, error) {
	var rows []ModerationCaseRow
	_, err := s.client.From("moderation_cases").Select("*", "", false).Eq("tenant_id", tenantID).ExecuteTo(&rows)
	return rows, err
}

func (s *SupabaseStore) UpsertSanction(row SanctionRow) error {
	_, _, err := s.client.From("sanctions").Upsert(row, "id", "", "").Execute()
	return err
}

func (s *SupabaseStore) ListSanctions(tenantID string) ([]SanctionRow, error) {
	var rows []SanctionRow
	_, err := s.client.From("sanctions").Select("*", "", false).Eq("tenant_id", tenantID).ExecuteTo(&rows)
	return rows, err
}

func (s *SupabaseStore) UpsertAppeal(row AppealRow) error {
	_, _, err := s.client.From("appeals").Upsert(row, "id", "", "").Execute()
	return err
}

func (s *SupabaseStore) ListAppeals(tenantID string) ([]AppealRow, error) {
	var rows []AppealRow
	_, err := s.client.From("appeals").Select("*", "", false).Eq("tenant_id", tenantID).ExecuteTo(&rows)
	return rows, err
}

func (s *SupabaseStore) UpsertCapabilityToken(row CapabilityTokenRow) error {
	_, _, err := s.client.From("capability_tokens").Upsert(row, "id", "", "").Execute()
	return err
}

func (s *SupabaseStore) ListCapabilityTokens(tenantID, agentID string) ([]CapabilityTokenRow, error) {
	query := s.client.From("capability_tokens").Select("*", "", false).Eq("tenant_id", tenantID)
	if agentID != "" {
		query = query.Eq("agent_id", agentID)
	}
	var rows []CapabilityTokenRow
	_, err := query.ExecuteTo(&rows)
	return rows, err
}
