package capability

import (
	"testing"
	"time"
)

func newTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := New(Config{HMACSecret: "test-secret"}, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return sb
}

func TestNarrowestPatternWins(t *testing.T) {
	sb := newTestSandbox(t)

	_, err := sb.Grant("agent-1", "tenant-a", []Permission{
		{Pattern: "fs:/data/*", Actions: []string{"read"}},
	}, 0)
	if err != nil {
		t.Fatalf("grant 1: %v", err)
	}
	time.Sleep(time.Millisecond)
	_, err = sb.Grant("agent-1", "tenant-a", []Permission{
		{Pattern: "fs:/data/secrets/*", Actions: []string{}},
	}, 0)
	if err != nil {
		t.Fatalf("grant 2: %v", err)
	}

	if sb.Check("agent-1", "tenant-a", "read", "fs:/data/secrets/key.pem") {
		t.Fatal("expected narrower permission (no actions) to win and deny read")
	}
	if !sb.Check("agent-1", "tenant-a", "read", "fs:/data/public/x") {
		t.Fatal("expected broader permission to allow read outside the narrower pattern")
	}
}

func TestRevokedTokenDenies(t *testing.T) {
	sb := newTestSandbox(t)
	tok, err := sb.Grant("agent-2", "tenant-a", []Permission{{Pattern: "*", Actions: []string{"exec"}}}, 0)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !sb.Check("agent-2", "tenant-a", "exec", "anything") {
		t.Fatal("expected exec to be allowed before revocation")
	}
	if err := sb.Revoke(tok.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if sb.Check("agent-2", "tenant-a", "exec", "anything") {
		t.Fatal("expected exec to be denied after revocation")
	}
}

func TestExpiredTokenDenies(t *testing.T) {
	sb := newTestSandbox(t)
	_, err := sb.Grant("agent-3", "tenant-a", []Permission{{Pattern: "*", Actions: []string{"exec"}}}, time.Millisecond)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if sb.Check("agent-3", "tenant-a", "exec", "anything") {
		t.Fatal("expected exec to be denied once expired")
	}
}

func TestRevokeAll(t *testing.T) {
	sb := newTestSandbox(t)
	sb.Grant("agent-4", "tenant-a", []Permission{{Pattern: "*", Actions: []string{"exec"}}}, 0)
	sb.Grant("agent-4", "tenant-a", []Permission{{Pattern: "*", Actions: []string{"read"}}}, 0)
	if n := sb.RevokeAll("agent-4"); n != 2 {
		t.Fatalf("expected 2 tokens revoked, got %d", n)
	}
	if sb.Check("agent-4", "tenant-a", "read", "x") {
		t.Fatal("expected all permissions revoked")
	}
}

func TestProductionHardeningRequiresSecret(t *testing.T) {
	_, err := New(Config{ProductionHardening: true}, nil, nil, nil)
	if err == nil {
		t.Fatal("expected error when hardening is enabled without a signing secret")
	}
}

func TestCheckEmitsAuditRegardlessOfOutcome(t *testing.T) {
	var entries []AuditEntry
	sb, _ := New(Config{HMACSecret: "s"}, func(e AuditEntry) { entries = append(entries, e) }, nil, nil)
	sb.Check("agent-5", "tenant-a", "read", "x")
	sb.Grant("agent-5", "tenant-a", []Permission{{Pattern: "*", Actions: []string{"read"}}}, 0)
	sb.Check("agent-5", "tenant-a", "read", "x")
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Allowed {
		t.Fatal("expected first check (no grant yet) to be denied")
	}
	if !entries[1].Allowed {
		t.Fatal("expected second check (after grant) to be allowed")
	}
}

func TestSanctionedCategoryDenies(t *testing.T) {
	sanctioned := map[string]bool{}
	sb, err := New(Config{HMACSecret: "s"}, nil, func(agentID string, cat Category) bool {
		return sanctioned[agentID+":"+string(cat)]
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sb.Grant("agent-6", "tenant-a", []Permission{
		{Pattern: "*", Actions: []string{"call"}, Category: CategoryLLM},
	}, 0)
	if !sb.Check("agent-6", "tenant-a", "call", "x") {
		t.Fatal("expected call to be allowed before any sanction")
	}
	sanctioned["agent-6:llm"] = true
	if sb.Check("agent-6", "tenant-a", "call", "x") {
		t.Fatal("expected call to be denied once the llm category is sanctioned")
	}
}

func TestAllowListDeniesUnlistedResource(t *testing.T) {
	sb := newTestSandbox(t)
	sb.Grant("agent-7", "tenant-a", []Permission{
		{Pattern: "*", Actions: []string{"read"}, Constraints: &Constraints{AllowList: []string{"fs:/ok"}}},
	}, 0)
	if !sb.Check("agent-7", "tenant-a", "read", "fs:/ok") {
		t.Fatal("expected allow-listed resource to be permitted")
	}
	if sb.Check("agent-7", "tenant-a", "read", "fs:/other") {
		t.Fatal("expected resource outside the allow list to be denied")
	}
}

func TestMaxCallsPerWindowExhausts(t *testing.T) {
	sb := newTestSandbox(t)
	sb.Grant("agent-8", "tenant-a", []Permission{
		{Pattern: "*", Actions: []string{"call"}, Constraints: &Constraints{MaxCallsPerWindow: 2, WindowMs: 60_000}},
	}, 0)
	if !sb.Check("agent-8", "tenant-a", "call", "x") {
		t.Fatal("expected first call to be admitted")
	}
	if !sb.Check("agent-8", "tenant-a", "call", "x") {
		t.Fatal("expected second call to be admitted")
	}
	if sb.Check("agent-8", "tenant-a", "call", "x") {
		t.Fatal("expected third call to exceed the window and be denied")
	}
}
