// Package tests provides end-to-end coverage of the kernel's six
// canonical scenarios, each exercised directly against the internal
// packages the way a request would actually drive them — no HTTP
// layer, no gateway envelopes.
package tests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ocx/agentkernel/internal/capability"
	"github.com/ocx/agentkernel/internal/circuitbreaker"
	"github.com/ocx/agentkernel/internal/governance"
	"github.com/ocx/agentkernel/internal/kerr"
	"github.com/ocx/agentkernel/internal/lifecycle"
	"github.com/ocx/agentkernel/internal/policy"
	"github.com/ocx/agentkernel/internal/store"
)

// =============================================================================
// S1. RATE LIMIT SANCTION — spec.md §8 scenario S1
// =============================================================================

func TestS1_RateLimitTriggersCaseAndWarnSanction(t *testing.T) {
	gov := governance.New(nil, nil)
	pol := policy.NewEngine(nil)
	pol.Register(&policy.Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []policy.Rule{
			{Kind: policy.RateLimit, Action: "forum.post", Decision: policy.Warn, MaxCount: 1, WindowSeconds: 5, Sanction: "warn"},
		},
	})

	lc := newTestManager(t, pol, gov, nil, nil)
	spawnEchoAgent(t, lc, "a1", "t1", capability.Permission{Pattern: "*", Actions: []string{"*"}})

	if _, err := lc.Task(context.Background(), "a1", lifecycle.Task{ID: "task-1", Action: "forum.post", Resource: "thread-1", Content: "hello"}); err != nil {
		t.Fatalf("first post should be allowed: %v", err)
	}
	if _, err := lc.Task(context.Background(), "a1", lifecycle.Task{ID: "task-2", Action: "forum.post", Resource: "thread-1", Content: "again"}); err != nil {
		t.Fatalf("second post should still only warn, not block: %v", err)
	}

	cases := gov.ListCases("t1")
	if len(cases) != 1 {
		t.Fatalf("expected exactly one case opened, got %d", len(cases))
	}
	if cases[0].Status != governance.CaseOpen {
		t.Fatalf("expected case to be open, got %s", cases[0].Status)
	}

	sanctions := gov.ListSanctions("t1")
	if len(sanctions) != 1 || sanctions[0].Kind != governance.SanctionWarn {
		t.Fatalf("expected exactly one warn sanction, got %+v", sanctions)
	}
}

// =============================================================================
// S2. APPEAL LIFTS SANCTION — spec.md §8 scenario S2
// =============================================================================

func TestS2_ResolvedAppealLiftsTheCasesSanction(t *testing.T) {
	gov := governance.New(nil, nil)
	c := gov.OpenCase("t1", "a1", "rate_limit exceeded", []string{"rate_limit exceeded for action forum.post"}, "p1", 0, "forum.post")
	s := gov.ApplySanction("t1", "a1", c.ID, governance.SanctionWarn, "rate limited", nil)

	appeal, err := gov.OpenAppeal("t1", c.ID, "a1", "it was a retry, not spam")
	if err != nil {
		t.Fatalf("OpenAppeal failed: %v", err)
	}
	if err := gov.ResolveAppeal(appeal.ID, governance.AppealResolved, "retry confirmed benign"); err != nil {
		t.Fatalf("ResolveAppeal failed: %v", err)
	}

	for _, sanction := range gov.ListSanctions("t1") {
		if sanction.ID == s.ID && !sanction.Lifted {
			t.Fatalf("expected sanction %s to be lifted after the appeal resolved", s.ID)
		}
	}
	for _, a := range gov.ListAppeals("t1") {
		if a.ID == appeal.ID && a.Status != governance.AppealResolved {
			t.Fatalf("expected appeal status resolved, got %s", a.Status)
		}
	}
}

// =============================================================================
// S3. CHECKPOINT ROUND-TRIP WITH TOKEN ACCOUNTING — spec.md §8 scenario S3
// =============================================================================

func TestS3_CheckpointRoundTripPreservesResourceUsage(t *testing.T) {
	checkpoints := newCheckpointManager(t)
	lc := newTestManager(t, policy.NewEngine(nil), governance.New(nil, nil), checkpoints, nil)

	handler := func(_ context.Context, _ string, task lifecycle.Task) (lifecycle.Result, error) {
		return lifecycle.Result{
			Output: map[string]interface{}{"ok": true},
			Usage:  &lifecycle.UsageInfo{Provider: "test-provider", Model: "test-model", InputUnits: task.Bytes},
		}, nil
	}

	spawnAgentWithHandler(t, lc, "a1", "t1", handler, capability.Permission{Pattern: "*", Actions: []string{"*"}})

	if _, err := lc.Task(context.Background(), "a1", lifecycle.Task{ID: "t1", Action: "llm.call", Bytes: 73}); err != nil {
		t.Fatalf("first task failed: %v", err)
	}
	if _, err := lc.Task(context.Background(), "a1", lifecycle.Task{ID: "t2", Action: "llm.call", Bytes: 50}); err != nil {
		t.Fatalf("second task failed: %v", err)
	}

	if err := lc.Terminate(context.Background(), "a1", "end of test"); err != nil {
		t.Fatalf("terminate failed: %v", err)
	}

	recovered, err := lc.Recover(context.Background(), handler)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 agent recovered, got %d", recovered)
	}

	state, ok := lc.Status("a1")
	if !ok || state != "ready" {
		t.Fatalf("expected recovered agent ready, got %v ok=%v", state, ok)
	}
	usage, ok := lc.ResourceUsage("a1")
	if !ok {
		t.Fatal("expected resource usage for recovered agent")
	}
	if got := usage["inputTokens"]; got != int64(123) {
		t.Fatalf("expected resourceUsage.inputTokens == 123, got %v (%T)", got, got)
	}
}

// =============================================================================
// S4. DEGRADED HEALTH — GRACEFUL CONTINUATION — spec.md §8 scenario S4
// =============================================================================

// failingStore is a store.Store whose every write fails, standing in
// for an unreachable relational store. Reads are never exercised by
// this scenario and are left to the nil Store embedded beneath.
type failingStore struct {
	store.Store
}

func (failingStore) UpsertAgent(store.AgentRow) error      { return errors.New("store unreachable") }
func (failingStore) InsertAuditLog(store.AuditLogRow) error { return errors.New("store unreachable") }
func (failingStore) InsertProviderUsage(store.ProviderUsageRow) error {
	return errors.New("store unreachable")
}
func (failingStore) UpsertPolicy(store.PolicyRow) error { return errors.New("store unreachable") }
func (failingStore) UpsertModerationCase(store.ModerationCaseRow) error {
	return errors.New("store unreachable")
}
func (failingStore) UpsertSanction(store.SanctionRow) error { return errors.New("store unreachable") }
func (failingStore) UpsertAppeal(store.AppealRow) error     { return errors.New("store unreachable") }
func (failingStore) UpsertCapabilityToken(store.CapabilityTokenRow) error {
	return errors.New("store unreachable")
}

func TestS4_TaskSucceedsDespiteAnUnreachablePersistentStore(t *testing.T) {
	gov := governance.New(nil, failingStore{})
	pol := policy.NewEngine(failingStore{})
	sandbox := newTestSandbox(t, nil, nil, failingStore{})
	lc := lifecycle.New(lifecycle.Config{
		Sandbox:    sandbox,
		Policy:     pol,
		Governance: gov,
		Store:      failingStore{},
	})

	manifest := lifecycle.Manifest{
		AgentID:              "a1",
		TenantID:             "t1",
		Name:                 "degraded-agent",
		RequiredCapabilities: []capability.Permission{{Pattern: "*", Actions: []string{"*"}}},
	}
	if _, err := lc.Spawn(context.Background(), manifest, func(_ context.Context, _ string, _ lifecycle.Task) (lifecycle.Result, error) {
		return lifecycle.Result{Output: map[string]interface{}{"echoed": true}}, nil
	}); err != nil {
		t.Fatalf("spawn should succeed even though every store write will fail: %v", err)
	}

	if _, err := lc.Task(context.Background(), "a1", lifecycle.Task{ID: "t1", Action: "echo"}); err != nil {
		t.Fatalf("task should still complete despite an unreachable store: %v", err)
	}

	state, ok := lc.Status("a1")
	if !ok || state != "ready" {
		t.Fatalf("expected agent to be ready after the task, got %v ok=%v", state, ok)
	}

	// The writes were all dispatched async and fire-and-forget; give
	// them a moment to land (and fail) without ever blocking the
	// caller above.
	time.Sleep(20 * time.Millisecond)
}

// =============================================================================
// S5. CAPABILITY SCOPING DENIAL — spec.md §8 scenario S5
// =============================================================================

func TestS5_CapabilityScopedToMemoryReadDeniesMemoryWrite(t *testing.T) {
	var entries []capability.AuditEntry
	sandbox := newTestSandbox(t, func(e capability.AuditEntry) { entries = append(entries, e) }, nil, nil)

	if _, err := sandbox.Grant("a1", "t1", []capability.Permission{
		{Pattern: "memory.*", Actions: []string{"memory.read"}, Category: capability.CategoryMemory},
	}, 0); err != nil {
		t.Fatalf("grant failed: %v", err)
	}

	if sandbox.Check("a1", "t1", "memory.write", "memory.notes") {
		t.Fatal("expected memory.write to be denied: the token only grants memory.read")
	}

	var denied int
	for _, e := range entries {
		if !e.Allowed {
			denied++
		}
	}
	if denied != 1 {
		t.Fatalf("expected exactly one denied audit entry, got %d (of %d total)", denied, len(entries))
	}
}

// =============================================================================
// S6. CIRCUIT BREAKER OPENS THEN RECOVERS — spec.md §8 scenario S6
// =============================================================================

func TestS6_CircuitBreakerOpensAfterThresholdAndRecoversAfterTimeout(t *testing.T) {
	cfg := circuitbreaker.DefaultConfig("test-dependency")
	cfg.FailureThreshold = 3
	cfg.ResetTimeout = 30 * time.Millisecond
	cfg.SuccessThreshold = 1
	breaker := circuitbreaker.New(cfg, nil)

	boom := errors.New("downstream unavailable")
	for i := 0; i < cfg.FailureThreshold; i++ {
		if err := breaker.Execute(func() error { return boom }); err == nil {
			t.Fatalf("call %d should have failed", i)
		}
	}
	if breaker.GetState() != circuitbreaker.Open {
		t.Fatalf("expected breaker open after %d failures, got %s", cfg.FailureThreshold, breaker.GetState())
	}

	err := breaker.Execute(func() error { return nil })
	if !kerr.Is(err, kerr.CircuitOpen) {
		t.Fatalf("expected a circuit_open error while still inside the reset timeout, got %v", err)
	}

	time.Sleep(cfg.ResetTimeout + 10*time.Millisecond)

	if err := breaker.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected the probing half-open call to succeed: %v", err)
	}
	if breaker.GetState() != circuitbreaker.Closed {
		t.Fatalf("expected breaker closed after %d half-open success(es), got %s", cfg.SuccessThreshold, breaker.GetState())
	}
}
