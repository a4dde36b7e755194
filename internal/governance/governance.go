// Package governance implements the moderation case / sanction / appeal
// workflow. Grounded on the teacher's KillSwitch
// (internal/escrow/kill_switch.go): the target-keyed record map with
// optional TTL expiry is kept and generalized from a binary
// kill/revive into full case-opening, sanction application, and an
// appeal process that can lift a sanction early.
package governance

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ocx/agentkernel/internal/kerr"
	"github.com/ocx/agentkernel/internal/store"
)

// CaseStatus is a ModerationCase's lifecycle position.
type CaseStatus string

const (
	CaseOpen      CaseStatus = "open"
	CaseResolved  CaseStatus = "resolved"
	CaseDismissed CaseStatus = "dismissed"
)

// ModerationCase is a flagged incident pending review. PolicyID,
// RuleIndex, and Action trace the case back to the policy rule that
// triggered it, when it was opened from a policy violation rather than
// filed directly.
type ModerationCase struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	AgentID    string     `json:"agent_id"`
	PolicyID   string     `json:"policy_id,omitempty"`
	RuleIndex  int        `json:"rule_index"`
	Action     string     `json:"action,omitempty"`
	Reason     string     `json:"reason"`
	Evidence   []string   `json:"evidence,omitempty"`
	Status     CaseStatus `json:"status"`
	OpenedAt   time.Time  `json:"opened_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// SanctionKind is the severity of an applied sanction.
type SanctionKind string

const (
	SanctionWarn    SanctionKind = "warn"
	SanctionMute    SanctionKind = "mute"
	SanctionSuspend SanctionKind = "suspend"
	SanctionBan     SanctionKind = "ban"
)

// Sanction is a penalty applied to an agent, optionally time-bounded.
type Sanction struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenant_id"`
	AgentID   string       `json:"agent_id"`
	CaseID    string       `json:"case_id"`
	Kind      SanctionKind `json:"kind"`
	Reason    string       `json:"reason"`
	AppliedAt time.Time    `json:"applied_at"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Lifted    bool         `json:"lifted"`
}

func (s *Sanction) active(now time.Time) bool {
	if s.Lifted {
		return false
	}
	if s.ExpiresAt != nil && !s.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AppealStatus is an Appeal's lifecycle position.
type AppealStatus string

const (
	AppealOpen     AppealStatus = "open"
	AppealResolved AppealStatus = "resolved"
	AppealRejected AppealStatus = "rejected"
)

// Appeal contests the sanctions tied to a moderation case.
type Appeal struct {
	ID         string       `json:"id"`
	TenantID   string       `json:"tenant_id"`
	CaseID     string       `json:"case_id"`
	OpenedBy   string       `json:"opened_by"`
	Reason     string       `json:"reason,omitempty"`
	Status     AppealStatus `json:"status"`
	Resolution string       `json:"resolution,omitempty"`
	OpenedAt   time.Time    `json:"opened_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// Governance tracks moderation cases, sanctions, and appeals for every
// tenant.
type Governance struct {
	mu        sync.RWMutex
	cases     map[string]*ModerationCase
	sanctions map[string]*Sanction
	appeals   map[string]*Appeal
	logger    *log.Logger
	onEvent   func(name string, payload map[string]interface{})
	store     store.Store
}

// New constructs an empty Governance. onEvent may be nil; when set it
// is invoked for every case/sanction/appeal state change so the event
// bus and audit sink can observe the workflow. st may be nil; when set
// every case/sanction/appeal write is mirrored to store.Store,
// asynchronously and non-blocking, matching audit.Sink.Log's idiom.
func New(onEvent func(name string, payload map[string]interface{}), st store.Store) *Governance {
	if onEvent == nil {
		onEvent = func(string, map[string]interface{}) {}
	}
	return &Governance{
		cases:     make(map[string]*ModerationCase),
		sanctions: make(map[string]*Sanction),
		appeals:   make(map[string]*Appeal),
		logger:    log.New(log.Writer(), "[GOVERNANCE] ", log.LstdFlags),
		onEvent:   onEvent,
		store:     st,
	}
}

func (g *Governance) persistCase(c ModerationCase) {
	if g.store == nil {
		return
	}
	row := store.ModerationCaseRow{
		ID: c.ID, TenantID: c.TenantID, AgentID: c.AgentID,
		PolicyID: c.PolicyID, RuleIndex: c.RuleIndex, Action: c.Action,
		Reason: c.Reason, Status: string(c.Status),
		OpenedAt: c.OpenedAt, ResolvedAt: c.ResolvedAt,
	}
	go func() {
		if err := g.store.UpsertModerationCase(row); err != nil {
			g.logger.Printf("failed to persist moderation case %s: %v", row.ID, err)
		}
	}()
}

func (g *Governance) persistSanction(s Sanction) {
	if g.store == nil {
		return
	}
	row := store.SanctionRow{
		ID: s.ID, TenantID: s.TenantID, AgentID: s.AgentID, CaseID: s.CaseID,
		Kind: string(s.Kind), AppliedAt: s.AppliedAt, ExpiresAt: s.ExpiresAt, Lifted: s.Lifted,
	}
	go func() {
		if err := g.store.UpsertSanction(row); err != nil {
			g.logger.Printf("failed to persist sanction %s: %v", row.ID, err)
		}
	}()
}

func (g *Governance) persistAppeal(a Appeal) {
	if g.store == nil {
		return
	}
	row := store.AppealRow{
		ID: a.ID, TenantID: a.TenantID, CaseID: a.CaseID, Reason: a.Reason,
		Status: string(a.Status), Resolution: a.Resolution,
		OpenedAt: a.OpenedAt, ResolvedAt: a.ResolvedAt,
	}
	go func() {
		if err := g.store.UpsertAppeal(row); err != nil {
			g.logger.Printf("failed to persist appeal %s: %v", row.ID, err)
		}
	}()
}

// OpenCase files a new moderation case, optionally tracing it back to
// the policy rule (policyID, ruleIndex, action) that triggered it.
// Pass an empty policyID and ruleIndex -1 when filing a case directly.
func (g *Governance) OpenCase(tenantID, agentID, reason string, evidence []string, policyID string, ruleIndex int, action string) *ModerationCase {
	g.mu.Lock()
	c := &ModerationCase{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentID:   agentID,
		PolicyID:  policyID,
		RuleIndex: ruleIndex,
		Action:    action,
		Reason:    reason,
		Evidence:  evidence,
		Status:    CaseOpen,
		OpenedAt:  time.Now(),
	}
	g.cases[c.ID] = c
	g.mu.Unlock()
	g.logger.Printf("opened case %s for agent %s: %s", c.ID, agentID, reason)
	g.onEvent("governance.case.opened", map[string]interface{}{"case_id": c.ID, "agent_id": agentID, "tenant_id": tenantID})
	g.persistCase(*c)
	return c
}

// ResolveCase marks a case resolved.
func (g *Governance) ResolveCase(caseID string) error {
	g.mu.Lock()
	c, ok := g.cases[caseID]
	if !ok {
		g.mu.Unlock()
		return kerr.New(kerr.NotFound, "moderation case not found: "+caseID)
	}
	if c.Status == CaseResolved {
		g.mu.Unlock()
		return nil
	}
	now := time.Now()
	c.Status = CaseResolved
	c.ResolvedAt = &now
	snapshot := *c
	g.mu.Unlock()
	g.onEvent("governance.case.resolved", map[string]interface{}{"case_id": caseID})
	g.persistCase(snapshot)
	return nil
}

// DismissCase marks a case dismissed: it was filed in error or the
// underlying conduct was found not to warrant sanction. A dismissed
// case can no longer have appeals opened against it.
func (g *Governance) DismissCase(caseID string) error {
	g.mu.Lock()
	c, ok := g.cases[caseID]
	if !ok {
		g.mu.Unlock()
		return kerr.New(kerr.NotFound, "moderation case not found: "+caseID)
	}
	if c.Status == CaseDismissed {
		g.mu.Unlock()
		return nil
	}
	now := time.Now()
	c.Status = CaseDismissed
	c.ResolvedAt = &now
	snapshot := *c
	g.mu.Unlock()
	g.onEvent("governance.case.dismissed", map[string]interface{}{"case_id": caseID})
	g.persistCase(snapshot)
	return nil
}

// ListCases returns every case filed for tenantID.
func (g *Governance) ListCases(tenantID string) []*ModerationCase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*ModerationCase, 0)
	for _, c := range g.cases {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

// ApplySanction records a new sanction against agentID, tied to caseID.
// ttl of nil means the sanction does not auto-expire.
func (g *Governance) ApplySanction(tenantID, agentID, caseID string, kind SanctionKind, reason string, ttl *time.Duration) *Sanction {
	g.mu.Lock()
	s := &Sanction{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentID:   agentID,
		CaseID:    caseID,
		Kind:      kind,
		Reason:    reason,
		AppliedAt: time.Now(),
	}
	if ttl != nil {
		exp := time.Now().Add(*ttl)
		s.ExpiresAt = &exp
	}
	g.sanctions[s.ID] = s
	g.mu.Unlock()
	g.logger.Printf("applied %s sanction %s to agent %s (case %s)", kind, s.ID, agentID, caseID)
	g.onEvent("governance.sanction.applied", map[string]interface{}{
		"sanction_id": s.ID, "agent_id": agentID, "tenant_id": tenantID, "kind": string(kind),
	})
	g.persistSanction(*s)
	return s
}

// LiftSanction lifts a sanction early, independent of any appeal.
func (g *Governance) LiftSanction(sanctionID string) error {
	g.mu.Lock()
	s, ok := g.sanctions[sanctionID]
	if !ok {
		g.mu.Unlock()
		return kerr.New(kerr.NotFound, "sanction not found: "+sanctionID)
	}
	s.Lifted = true
	snapshot := *s
	g.mu.Unlock()
	g.onEvent("governance.sanction.lifted", map[string]interface{}{"sanction_id": sanctionID})
	g.persistSanction(snapshot)
	return nil
}

// ListSanctions returns every sanction recorded for tenantID.
func (g *Governance) ListSanctions(tenantID string) []*Sanction {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Sanction, 0)
	for _, s := range g.sanctions {
		if s.TenantID == tenantID {
			out = append(out, s)
		}
	}
	return out
}

// IsBanned reports whether agentID currently carries an active ban
// sanction. It is a query only: no scheduled job or lifecycle path
// calls it, so a ban does not terminate the agent by itself (the
// sandbox still denies its calls through IsActivelySanctioned).
func (g *Governance) IsBanned(agentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := time.Now()
	for _, s := range g.sanctions {
		if s.AgentID == agentID && s.Kind == SanctionBan && s.active(now) {
			return true
		}
	}
	return false
}

// categoryMuted lists the capability categories a mute sanction denies.
// Suspend and ban deny every category uniformly; mute is narrower and
// only blocks forum-style output.
var categoryMuted = map[string]bool{"forum": true}

// IsActivelySanctioned reports whether agentID currently carries an
// active sanction that denies the given capability category. Suspend
// and ban deny every category; mute denies only "forum". This is the
// callback capability.Sandbox.Check consults before admitting a call.
func (g *Governance) IsActivelySanctioned(agentID, category string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := time.Now()
	for _, s := range g.sanctions {
		if s.AgentID != agentID || !s.active(now) {
			continue
		}
		switch s.Kind {
		case SanctionSuspend, SanctionBan:
			return true
		case SanctionMute:
			if categoryMuted[category] {
				return true
			}
		}
	}
	return false
}

// OpenAppeal contests every active sanction tied to caseID. Opening an
// appeal on a dismissed case fails.
func (g *Governance) OpenAppeal(tenantID, caseID, openedBy, reason string) (*Appeal, error) {
	g.mu.Lock()
	c, ok := g.cases[caseID]
	if !ok {
		g.mu.Unlock()
		return nil, kerr.New(kerr.NotFound, "moderation case not found: "+caseID)
	}
	if c.Status == CaseDismissed {
		g.mu.Unlock()
		return nil, kerr.New(kerr.InvalidTransition, "cannot open an appeal on a dismissed case: "+caseID)
	}
	a := &Appeal{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		CaseID:   caseID,
		OpenedBy: openedBy,
		Reason:   reason,
		Status:   AppealOpen,
		OpenedAt: time.Now(),
	}
	g.appeals[a.ID] = a
	g.mu.Unlock()
	g.onEvent("governance.appeal.opened", map[string]interface{}{"appeal_id": a.ID, "case_id": caseID})
	g.persistAppeal(*a)
	return a, nil
}

// ResolveAppeal resolves an appeal with the given outcome. Resolving
// an appeal as "resolved" (upheld in the appellant's favor) lifts
// every sanction tied to the appeal's case that is still active;
// "rejected" leaves every sanction in place.
func (g *Governance) ResolveAppeal(appealID string, status AppealStatus, resolution string) error {
	if status != AppealResolved && status != AppealRejected {
		return kerr.New(kerr.InvalidInput, fmt.Sprintf("invalid appeal resolution status %q", status))
	}

	g.mu.Lock()
	a, ok := g.appeals[appealID]
	if !ok {
		g.mu.Unlock()
		return kerr.New(kerr.NotFound, "appeal not found: "+appealID)
	}
	now := time.Now()
	a.Status = status
	a.Resolution = resolution
	a.ResolvedAt = &now
	appealSnapshot := *a

	var lifted []Sanction
	if status == AppealResolved {
		for _, s := range g.sanctions {
			if s.CaseID == a.CaseID && s.active(now) {
				s.Lifted = true
				lifted = append(lifted, *s)
			}
		}
	}
	g.mu.Unlock()

	g.onEvent("governance.appeal.resolved", map[string]interface{}{"appeal_id": appealID, "status": string(status)})
	g.persistAppeal(appealSnapshot)
	for _, s := range lifted {
		g.onEvent("governance.sanction.lifted", map[string]interface{}{"sanction_id": s.ID, "via_appeal": appealID})
		g.persistSanction(s)
	}
	return nil
}

// ListAppeals returns every appeal filed for tenantID.
func (g *Governance) ListAppeals(tenantID string) []*Appeal {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Appeal, 0)
	for _, a := range g.appeals {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	return out
}

// ExpireSanctions lifts every sanction whose TTL has passed, returning
// the count lifted. Intended to be registered with the scheduler as a
// 30s background job so it shares non-overlap and pause/resume with
// every other scheduled loop.
func (g *Governance) ExpireSanctions() int {
	g.mu.Lock()
	n := time.Now()
	var expired []Sanction
	for _, s := range g.sanctions {
		if !s.Lifted && s.ExpiresAt != nil && !s.ExpiresAt.After(n) {
			s.Lifted = true
			expired = append(expired, *s)
		}
	}
	g.mu.Unlock()
	for _, s := range expired {
		g.onEvent("governance.sanction.expired", map[string]interface{}{"sanction_id": s.ID, "agent_id": s.AgentID, "tenant_id": s.TenantID})
		g.persistSanction(s)
	}
	return len(expired)
}
