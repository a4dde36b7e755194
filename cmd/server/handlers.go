package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ocx/agentkernel/internal/capability"
	"github.com/ocx/agentkernel/internal/gateway"
	"github.com/ocx/agentkernel/internal/governance"
	"github.com/ocx/agentkernel/internal/kerr"
	"github.com/ocx/agentkernel/internal/lifecycle"
	"github.com/ocx/agentkernel/internal/multitenancy"
	"github.com/ocx/agentkernel/internal/policy"
)

// registerHandlers binds every minimum request type to the kernel
// components it operates on, grounded on the teacher's handler bodies
// in internal/api/server.go (tenant-scoped lookups, json.Encoder
// responses generalized here to gateway.Envelope payloads).
func registerHandlers(
	router *gateway.Router,
	lc *lifecycle.Manager,
	pol *policy.Engine,
	gov *governance.Governance,
	sandbox *capability.Sandbox,
	tenants *multitenancy.TenantManager,
	providers *gateway.ProviderRegistry,
) {
	router.Register("auth", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct{ APIKey string `json:"api_key"` }
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode auth request", err)
		}
		tenantID, err := tenants.ValidateAPIKey(req.APIKey)
		if err != nil {
			return nil, kerr.Wrap(kerr.PermissionDenied, "validate api key", err)
		}
		return map[string]string{"tenant_id": tenantID}, nil
	})

	router.Register("agent_spawn", func(ctx context.Context, tenantID string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID              string                  `json:"agent_id"`
			Name                 string                   `json:"name"`
			PreferredModel       string                   `json:"preferred_model"`
			RequiredCapabilities []capability.Permission `json:"required_capabilities"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode agent_spawn request", err)
		}
		manifest := lifecycle.Manifest{
			AgentID:              req.AgentID,
			TenantID:             tenantID,
			Name:                 req.Name,
			RequiredCapabilities: req.RequiredCapabilities,
		}
		handler := providers.BuildHandler(req.PreferredModel)
		id, err := lc.Spawn(ctx, manifest, handler)
		if err != nil {
			return nil, err
		}
		return map[string]string{"agent_id": id}, nil
	})

	router.Register("agent_task", func(ctx context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID string          `json:"agent_id"`
			Task    lifecycle.Task  `json:"task"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode agent_task request", err)
		}
		return lc.Task(ctx, req.AgentID, req.Task)
	})

	router.Register("agent_terminate", func(ctx context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode agent_terminate request", err)
		}
		if err := lc.Terminate(ctx, req.AgentID, req.Reason); err != nil {
			return nil, err
		}
		return map[string]string{"agent_id": req.AgentID, "status": "terminated"}, nil
	})

	router.Register("agent_status", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode agent_status request", err)
		}
		state, ok := lc.Status(req.AgentID)
		if !ok {
			return nil, kerr.New(kerr.NotFound, "agent not found: "+req.AgentID)
		}
		usage, _ := lc.ResourceUsage(req.AgentID)
		return map[string]interface{}{"agent_id": req.AgentID, "state": string(state), "resource_usage": usage}, nil
	})

	router.Register("policy_create", func(_ context.Context, tenantID string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID    string        `json:"id"`
			Rules []policy.Rule `json:"rules"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode policy_create request", err)
		}
		pol.Register(&policy.Policy{ID: req.ID, TenantID: tenantID, Rules: req.Rules})
		return map[string]string{"id": req.ID}, nil
	})

	router.Register("moderation_case_list", func(_ context.Context, tenantID string, _ json.RawMessage) (interface{}, error) {
		return gov.ListCases(tenantID), nil
	})

	router.Register("sanction_list", func(_ context.Context, tenantID string, _ json.RawMessage) (interface{}, error) {
		return gov.ListSanctions(tenantID), nil
	})

	router.Register("moderation_case_dismiss", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			CaseID string `json:"case_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode moderation_case_dismiss request", err)
		}
		if err := gov.DismissCase(req.CaseID); err != nil {
			return nil, err
		}
		return map[string]string{"case_id": req.CaseID, "status": "dismissed"}, nil
	})

	router.Register("appeal_open", func(_ context.Context, tenantID string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			CaseID   string `json:"case_id"`
			OpenedBy string `json:"opened_by"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode appeal_open request", err)
		}
		return gov.OpenAppeal(tenantID, req.CaseID, req.OpenedBy, req.Reason)
	})

	router.Register("appeal_list", func(_ context.Context, tenantID string, _ json.RawMessage) (interface{}, error) {
		return gov.ListAppeals(tenantID), nil
	})

	router.Register("appeal_resolve", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AppealID   string                  `json:"appeal_id"`
			Status     governance.AppealStatus `json:"status"`
			Resolution string                  `json:"resolution"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode appeal_resolve request", err)
		}
		if err := gov.ResolveAppeal(req.AppealID, req.Status, req.Resolution); err != nil {
			return nil, err
		}
		return map[string]string{"appeal_id": req.AppealID, "status": string(req.Status)}, nil
	})

	router.Register("capability_grant", func(_ context.Context, tenantID string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID     string                  `json:"agent_id"`
			Permissions []capability.Permission `json:"permissions"`
			TTLSeconds  int                     `json:"ttl_seconds"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode capability_grant request", err)
		}
		tok, err := sandbox.Grant(req.AgentID, tenantID, req.Permissions, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		return tok, nil
	})

	router.Register("capability_revoke", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			TokenID string `json:"token_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode capability_revoke request", err)
		}
		if err := sandbox.Revoke(req.TokenID); err != nil {
			return nil, err
		}
		return map[string]string{"token_id": req.TokenID, "status": "revoked"}, nil
	})

	router.Register("capability_list", func(_ context.Context, _ string, payload json.RawMessage) (interface{}, error) {
		var req struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, kerr.Wrap(kerr.InvalidInput, "decode capability_list request", err)
		}
		return sandbox.ListTokens(req.AgentID), nil
	})
}
