package tests

import (
	"context"
	"testing"

	"github.com/ocx/agentkernel/internal/capability"
	"github.com/ocx/agentkernel/internal/checkpoint"
	"github.com/ocx/agentkernel/internal/circuitbreaker"
	"github.com/ocx/agentkernel/internal/governance"
	"github.com/ocx/agentkernel/internal/lifecycle"
	"github.com/ocx/agentkernel/internal/policy"
	"github.com/ocx/agentkernel/internal/store"
)

// newTestSandbox builds a capability.Sandbox wired the way
// cmd/server/main.go wires one, minus the parts a given scenario
// doesn't need.
func newTestSandbox(t *testing.T, auditSink func(capability.AuditEntry), sanctionCheck func(agentID string, category capability.Category) bool, st store.Store) *capability.Sandbox {
	t.Helper()
	sandbox, err := capability.New(capability.Config{}, auditSink, sanctionCheck, st)
	if err != nil {
		t.Fatalf("capability.New failed: %v", err)
	}
	return sandbox
}

// newCheckpointManager builds a checkpoint.Manager over an in-memory
// store, guarded by its own breaker, for scenarios that restart a
// Manager instance across a checkpoint round-trip.
func newCheckpointManager(t *testing.T) *checkpoint.Manager {
	t.Helper()
	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("checkpoint"), nil)
	return checkpoint.NewManager(checkpoint.NewMemStore(), breaker)
}

// newTestManager wires a lifecycle.Manager around pol/gov with a
// sandbox whose sanctionCheck consults gov, mirroring cmd/server's
// wiring order (governance before sandbox).
func newTestManager(t *testing.T, pol *policy.Engine, gov *governance.Governance, checkpoints *checkpoint.Manager, st store.Store) *lifecycle.Manager {
	t.Helper()
	sandbox := newTestSandbox(t, nil, func(agentID string, category capability.Category) bool {
		return gov.IsActivelySanctioned(agentID, string(category))
	}, st)
	return lifecycle.New(lifecycle.Config{
		Sandbox:     sandbox,
		Policy:      pol,
		Governance:  gov,
		Checkpoints: checkpoints,
		Store:       st,
	})
}

// spawnEchoAgent spawns agentID with a handler that echoes task.Content
// back as output, granted perm at spawn time.
func spawnEchoAgent(t *testing.T, lc *lifecycle.Manager, agentID, tenantID string, perm capability.Permission) {
	t.Helper()
	spawnAgentWithHandler(t, lc, agentID, tenantID, func(_ context.Context, _ string, task lifecycle.Task) (lifecycle.Result, error) {
		return lifecycle.Result{Output: map[string]interface{}{"echo": task.Content}}, nil
	}, perm)
}

// spawnAgentWithHandler spawns agentID with handler, granted perm at
// spawn time via Manifest.RequiredCapabilities.
func spawnAgentWithHandler(t *testing.T, lc *lifecycle.Manager, agentID, tenantID string, handler lifecycle.Handler, perm capability.Permission) {
	t.Helper()
	manifest := lifecycle.Manifest{
		AgentID:              agentID,
		TenantID:             tenantID,
		Name:                 agentID,
		RequiredCapabilities: []capability.Permission{perm},
	}
	if _, err := lc.Spawn(context.Background(), manifest, handler); err != nil {
		t.Fatalf("spawn %s failed: %v", agentID, err)
	}
}
