// Package policy implements the Policy Engine: rate_limit, content,
// and quota rules merged into a single allow/warn/block decision.
// Grounded on the teacher's RateLimiter (internal/middleware/rate_limiter.go,
// sliding-window counter keyed by agent:tenant, generalized to a
// per-(agentID,action) table) and the rolling-bucket metering idiom of
// internal/escrow/socket_meter.go (generalized from cost accounting to
// byte-accumulating quota counting). Rule evaluation order is fixed as
// declaration order, with block dominating warn dominating allow.
package policy

import (
	"encoding/json"
	"log"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/ocx/agentkernel/internal/store"
)

// Kind identifies a rule's evaluation strategy.
type Kind string

const (
	RateLimit Kind = "rate_limit"
	Content   Kind = "content"
	Quota     Kind = "quota"
)

// Decision is the verdict a rule (or the engine as a whole) reaches.
type Decision string

const (
	Allow Decision = "allow"
	Warn  Decision = "warn"
	Block Decision = "block"
)

// rank gives Block the highest precedence, matching "block dominates
// warn dominates allow".
func (d Decision) rank() int {
	switch d {
	case Block:
		return 2
	case Warn:
		return 1
	default:
		return 0
	}
}

// PatternKind selects how a content rule's ForbiddenPatterns entries
// are matched.
type PatternKind string

const (
	PatternGlob   PatternKind = "glob"
	PatternRegexp PatternKind = "regexp"
)

// Rule is one clause of a Policy, evaluated in declaration order.
type Rule struct {
	Kind     Kind
	Action   string   // action this rule governs, or "*" for any
	Decision Decision // verdict to emit when the rule triggers

	// RateLimit fields: the rule triggers once more than MaxCount
	// calls land in the current window. A window opens at the first
	// counted call and lasts WindowSeconds; the first call after it has
	// elapsed opens a new one with the count reset. The count does not
	// slide, so up to 2*MaxCount calls can pass within WindowSeconds
	// across a window change.
	MaxCount      int
	WindowSeconds int

	// Quota fields: the rule triggers once more than MaxBytes have
	// accumulated in the current PeriodSeconds window, which opens and
	// resets the same way as a rate-limit window.
	MaxBytes      int64
	PeriodSeconds int

	// Content fields: the rule triggers when content matches any entry
	// of ForbiddenPatterns, matched as a filepath.Match-style glob or
	// as a regexp per PatternKind ("glob" is the default when
	// PatternKind is left empty).
	ForbiddenPatterns []string
	PatternKind       PatternKind

	// Sanction, when non-empty, names the governance sanction kind
	// ("warn", "mute", "suspend", "ban") the engine proposes when this
	// rule triggers. Left empty, a trigger only opens a governance case.
	Sanction string
}

func (r Rule) appliesTo(action string) bool {
	return r.Action == "*" || r.Action == action
}

// Policy is an ordered list of rules scoped to a tenant.
type Policy struct {
	ID       string
	TenantID string
	Rules    []Rule
}

// slidingWindow is a rolling-window accumulator shared by rate limit
// (call count) and quota (byte count) rules.
type slidingWindow struct {
	value       int64
	windowStart time.Time
}

// Verdict is the engine's decision for one evaluation, plus which
// rules contributed to it. PolicyID/RuleIndex identify the rule that
// set the dominating Decision, for tracing a resulting governance
// case back to its trigger.
type Verdict struct {
	Decision  Decision
	PolicyID  string
	RuleIndex int
	Reasons   []string
	Sanctions []string // sanction kinds proposed by triggered rules, in trigger order
}

// Engine evaluates policies against (agentID, action) events.
type Engine struct {
	mu       sync.Mutex
	policies map[string][]*Policy // tenantID -> policies
	windows  map[string]*slidingWindow
	quotas   map[string]*slidingWindow
	logger   *log.Logger
	store    store.Store
}

// NewEngine constructs an empty Engine. st may be nil; when set, every
// Register call is mirrored to store.Store's policies table,
// asynchronously and non-blocking, matching audit.Sink.Log's idiom.
func NewEngine(st store.Store) *Engine {
	return &Engine{
		policies: make(map[string][]*Policy),
		windows:  make(map[string]*slidingWindow),
		quotas:   make(map[string]*slidingWindow),
		logger:   log.New(log.Writer(), "[POLICY] ", log.LstdFlags),
		store:    st,
	}
}

// Register adds or replaces a policy for its tenant.
func (e *Engine) Register(p *Policy) {
	e.mu.Lock()
	existing := e.policies[p.TenantID]
	replaced := false
	for i, cur := range existing {
		if cur.ID == p.ID {
			existing[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		e.policies[p.TenantID] = append(existing, p)
	}
	e.mu.Unlock()
	e.persist(p)
}

func (e *Engine) persist(p *Policy) {
	if e.store == nil {
		return
	}
	doc, err := json.Marshal(p.Rules)
	if err != nil {
		e.logger.Printf("failed to marshal policy %s for persistence: %v", p.ID, err)
		return
	}
	row := store.PolicyRow{ID: p.ID, TenantID: p.TenantID, Document: doc, UpdatedAt: time.Now()}
	go func() {
		if err := e.store.UpsertPolicy(row); err != nil {
			e.logger.Printf("failed to persist policy %s: %v", row.ID, err)
		}
	}()
}

// ListForTenant returns every policy registered for tenantID.
func (e *Engine) ListForTenant(tenantID string) []*Policy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Policy, len(e.policies[tenantID]))
	copy(out, e.policies[tenantID])
	return out
}

// Evaluate runs every rule of every policy registered for tenantID
// against (agentID, action, content, bytes), in declaration order, and
// returns the dominating decision. bytes is the payload size consumed
// by quota rules; pass 0 when the task carries no measurable payload.
func (e *Engine) Evaluate(tenantID, agentID, action, content string, bytes int64) Verdict {
	e.mu.Lock()
	policies := e.policies[tenantID]
	e.mu.Unlock()

	verdict := Verdict{Decision: Allow, RuleIndex: -1}
	for _, p := range policies {
		for i, rule := range p.Rules {
			if !rule.appliesTo(action) {
				continue
			}
			triggered, reason := e.evaluateRule(tenantID, agentID, action, content, bytes, rule)
			if !triggered {
				continue
			}
			if rule.Decision.rank() >= verdict.Decision.rank() {
				verdict.Decision = rule.Decision
				verdict.PolicyID = p.ID
				verdict.RuleIndex = i
			}
			verdict.Reasons = append(verdict.Reasons, reason)
			if rule.Sanction != "" {
				verdict.Sanctions = append(verdict.Sanctions, rule.Sanction)
			}
		}
	}
	return verdict
}

func (e *Engine) evaluateRule(tenantID, agentID, action, content string, bytes int64, rule Rule) (bool, string) {
	switch rule.Kind {
	case RateLimit:
		return e.evalRateLimit(tenantID, agentID, action, rule)
	case Quota:
		return e.evalQuota(tenantID, agentID, action, bytes, rule)
	case Content:
		return e.evalContent(content, rule)
	default:
		return false, ""
	}
}

func (e *Engine) evalRateLimit(tenantID, agentID, action string, rule Rule) (bool, string) {
	window := time.Duration(rule.WindowSeconds) * time.Second
	if window <= 0 {
		window = time.Minute
	}
	key := tenantID + ":" + agentID + ":" + action + ":rate"
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	w, ok := e.windows[key]
	if !ok || now.Sub(w.windowStart) > window {
		w = &slidingWindow{windowStart: now}
		e.windows[key] = w
	}
	w.value++
	if rule.MaxCount > 0 && w.value > int64(rule.MaxCount) {
		return true, "rate_limit exceeded for action " + action
	}
	return false, ""
}

func (e *Engine) evalQuota(tenantID, agentID, action string, bytes int64, rule Rule) (bool, string) {
	period := time.Duration(rule.PeriodSeconds) * time.Second
	if period <= 0 {
		period = time.Hour
	}
	key := tenantID + ":" + agentID + ":" + action + ":quota"
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	q, ok := e.quotas[key]
	if !ok || now.Sub(q.windowStart) > period {
		q = &slidingWindow{windowStart: now}
		e.quotas[key] = q
	}
	q.value += bytes
	if rule.MaxBytes > 0 && q.value > rule.MaxBytes {
		return true, "quota exceeded for action " + action
	}
	return false, ""
}

func (e *Engine) evalContent(content string, rule Rule) (bool, string) {
	for _, pattern := range rule.ForbiddenPatterns {
		if pattern == "" {
			continue
		}
		var matched bool
		var err error
		switch rule.PatternKind {
		case PatternRegexp:
			matched, err = regexp.MatchString(pattern, content)
		default:
			matched, err = filepath.Match(pattern, content)
		}
		if err != nil {
			e.logger.Printf("invalid content pattern %q (%s): %v", pattern, rule.PatternKind, err)
			continue
		}
		if matched {
			return true, "content matched pattern " + pattern
		}
	}
	return false, ""
}
