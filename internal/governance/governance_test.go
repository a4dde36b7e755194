package governance

import (
	"testing"
	"time"
)

func TestAppealResolvedLiftsActiveSanction(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-1", "spam", nil, "", -1, "")
	s := g.ApplySanction("t1", "agent-1", c.ID, SanctionSuspend, "spam", nil)

	a, err := g.OpenAppeal("t1", c.ID, "agent-1", "evidence was weak")
	if err != nil {
		t.Fatalf("open appeal: %v", err)
	}
	if err := g.ResolveAppeal(a.ID, AppealResolved, "evidence was insufficient"); err != nil {
		t.Fatalf("resolve appeal: %v", err)
	}

	sanctions := g.ListSanctions("t1")
	if len(sanctions) != 1 || sanctions[0].ID != s.ID || !sanctions[0].Lifted {
		t.Fatal("expected sanction to be lifted after appeal resolved")
	}
}

func TestAppealResolvedLiftsEverySanctionOnCase(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-1", "repeat offense", nil, "", -1, "")
	g.ApplySanction("t1", "agent-1", c.ID, SanctionWarn, "first", nil)
	g.ApplySanction("t1", "agent-1", c.ID, SanctionSuspend, "second", nil)

	a, err := g.OpenAppeal("t1", c.ID, "agent-1", "context was missing")
	if err != nil {
		t.Fatalf("open appeal: %v", err)
	}
	if err := g.ResolveAppeal(a.ID, AppealResolved, "upheld"); err != nil {
		t.Fatalf("resolve appeal: %v", err)
	}

	for _, s := range g.ListSanctions("t1") {
		if !s.Lifted {
			t.Fatalf("expected every sanction on case %s to be lifted, %s was not", c.ID, s.ID)
		}
	}
}

func TestRejectedAppealLeavesSanctionInPlace(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-1", "abuse", nil, "", -1, "")
	g.ApplySanction("t1", "agent-1", c.ID, SanctionWarn, "abuse", nil)
	a, _ := g.OpenAppeal("t1", c.ID, "agent-1", "disagree")

	if err := g.ResolveAppeal(a.ID, AppealRejected, "upheld"); err != nil {
		t.Fatalf("resolve appeal: %v", err)
	}
	if g.ListSanctions("t1")[0].Lifted {
		t.Fatal("expected sanction to remain active after rejected appeal")
	}
}

func TestAppealOnDismissedCaseFails(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-1", "false positive", nil, "", -1, "")
	if err := g.DismissCase(c.ID); err != nil {
		t.Fatalf("dismiss case: %v", err)
	}
	if _, err := g.OpenAppeal("t1", c.ID, "agent-1", "still disagree"); err == nil {
		t.Fatal("expected opening an appeal on a dismissed case to fail")
	}
}

func TestBanForcesIsBannedTrue(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-2", "severe", nil, "", -1, "")
	g.ApplySanction("t1", "agent-2", c.ID, SanctionBan, "severe", nil)
	if !g.IsBanned("agent-2") {
		t.Fatal("expected agent to be banned")
	}
}

func TestMuteDeniesForumButNotOtherCategories(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-4", "spam in forum", nil, "", -1, "")
	g.ApplySanction("t1", "agent-4", c.ID, SanctionMute, "spam", nil)

	if !g.IsActivelySanctioned("agent-4", "forum") {
		t.Fatal("expected mute to deny the forum category")
	}
	if g.IsActivelySanctioned("agent-4", "memory") {
		t.Fatal("expected mute to leave unrelated categories unaffected")
	}
}

func TestSanctionsAutoExpire(t *testing.T) {
	g := New(nil, nil)
	c := g.OpenCase("t1", "agent-3", "minor", nil, "", -1, "")
	ttl := time.Millisecond
	g.ApplySanction("t1", "agent-3", c.ID, SanctionWarn, "minor", &ttl)

	time.Sleep(5 * time.Millisecond)
	if n := g.ExpireSanctions(); n != 1 {
		t.Fatalf("expected 1 sanction expired, got %d", n)
	}
	if g.ListSanctions("t1")[0].active(time.Now()) {
		t.Fatal("expected expired sanction to be inactive")
	}
}
