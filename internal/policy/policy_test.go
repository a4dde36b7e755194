package policy

import "testing"

func TestRateLimitTriggersBlock(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: RateLimit, Action: "chat", Decision: Block, MaxCount: 2, WindowSeconds: 60},
		},
	})

	for i := 0; i < 2; i++ {
		v := e.Evaluate("t1", "agent-1", "chat", "", 0)
		if v.Decision != Allow {
			t.Fatalf("expected allow under threshold, got %s", v.Decision)
		}
	}
	v := e.Evaluate("t1", "agent-1", "chat", "", 0)
	if v.Decision != Block {
		t.Fatalf("expected block once over rate limit, got %s", v.Decision)
	}
	if v.PolicyID != "p1" || v.RuleIndex != 0 {
		t.Fatalf("expected verdict attributed to p1 rule 0, got %s/%d", v.PolicyID, v.RuleIndex)
	}
}

func TestRateLimitUsesConfiguredWindowNotAHardcodedMinute(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: RateLimit, Action: "chat", Decision: Block, MaxCount: 1, WindowSeconds: 5},
		},
	})
	v := e.Evaluate("t1", "agent-1", "chat", "", 0)
	if v.Decision != Allow {
		t.Fatalf("expected first call to be allowed, got %s", v.Decision)
	}
	v = e.Evaluate("t1", "agent-1", "chat", "", 0)
	if v.Decision != Block {
		t.Fatalf("expected second call within the 5s window to be blocked, got %s", v.Decision)
	}
}

func TestBlockDominatesWarn(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: Content, Action: "*", Decision: Warn, ForbiddenPatterns: []string{"*spam*"}},
			{Kind: Content, Action: "*", Decision: Block, ForbiddenPatterns: []string{"*malware*"}},
		},
	})

	v := e.Evaluate("t1", "agent-1", "upload", "this contains spam and malware", 0)
	if v.Decision != Block {
		t.Fatalf("expected block to dominate warn, got %s", v.Decision)
	}
	if len(v.Reasons) != 2 {
		t.Fatalf("expected both rules to contribute a reason, got %d", len(v.Reasons))
	}
}

func TestContentRuleMatchesRegexpPatterns(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: Content, Action: "*", Decision: Block, PatternKind: PatternRegexp, ForbiddenPatterns: []string{`(?i)\bmalware\b`}},
		},
	})
	if v := e.Evaluate("t1", "agent-1", "upload", "a perfectly normal message", 0); v.Decision != Allow {
		t.Fatalf("expected allow for benign content, got %s", v.Decision)
	}
	if v := e.Evaluate("t1", "agent-1", "upload", "this is MALWARE", 0); v.Decision != Block {
		t.Fatalf("expected regexp pattern to match and block, got %s", v.Decision)
	}
}

func TestQuotaAccumulatesBytesWithinWindow(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: Quota, Action: "export", Decision: Block, MaxBytes: 100, PeriodSeconds: 3600},
		},
	})
	if v := e.Evaluate("t1", "agent-1", "export", "", 60); v.Decision != Allow {
		t.Fatalf("expected first export to be allowed, got %s", v.Decision)
	}
	if v := e.Evaluate("t1", "agent-1", "export", "", 30); v.Decision != Allow {
		t.Fatalf("expected export to be allowed at 90/100 accumulated bytes, got %s", v.Decision)
	}
	if v := e.Evaluate("t1", "agent-1", "export", "", 30); v.Decision != Block {
		t.Fatalf("expected export to be blocked once accumulated bytes exceed quota, got %s", v.Decision)
	}
}

func TestUnrelatedActionIsUnaffected(t *testing.T) {
	e := NewEngine(nil)
	e.Register(&Policy{
		ID:       "p1",
		TenantID: "t1",
		Rules: []Rule{
			{Kind: RateLimit, Action: "chat", Decision: Block, MaxCount: 1, WindowSeconds: 60},
		},
	})
	e.Evaluate("t1", "agent-1", "chat", "", 0)
	e.Evaluate("t1", "agent-1", "chat", "", 0)
	if v := e.Evaluate("t1", "agent-1", "export", "", 0); v.Decision != Allow {
		t.Fatalf("expected export action to be unaffected by chat rate limit, got %s", v.Decision)
	}
}
