// Package capability implements the capability-based permission
// sandbox. Grounded on the teacher's JIT Token Broker
// (internal/security/token_broker.go): HMAC-signed issuance, key
// rotation grace windows, revocation sets and per-agent quotas are
// kept, generalized from single-permission trust-gated tokens to the
// kernel's CapabilityToken{Permissions} model with narrowest-pattern
// resolution.
package capability

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ocx/agentkernel/internal/kerr"
	"github.com/ocx/agentkernel/internal/store"
)

// Category buckets a permission into the coarse capability class
// sanctions act against: a case can sanction "every llm call" without
// enumerating every matching pattern.
type Category string

const (
	CategoryMemory  Category = "memory"
	CategoryLLM     Category = "llm"
	CategoryForum   Category = "forum"
	CategoryNetwork Category = "network"
)

// Constraints further restricts a Permission beyond its pattern/action
// match: a rolling call quota, a payload ceiling, and explicit
// resource allow/deny lists evaluated after the pattern match.
type Constraints struct {
	MaxCallsPerWindow int      `json:"max_calls_per_window,omitempty"`
	WindowMs          int64    `json:"window_ms,omitempty"`
	MaxBytes          int64    `json:"max_bytes,omitempty"`
	AllowList         []string `json:"allow_list,omitempty"`
	DenyList          []string `json:"deny_list,omitempty"`
}

// Permission grants a set of actions over resources matching Pattern.
// A Pattern ending in "*" is a prefix match; "*" alone matches every
// resource. Anything else requires an exact match. Category classes
// the permission for governance sanctioning; Constraints, when set,
// narrows the grant with a call-rate window and resource lists.
type Permission struct {
	Pattern     string       `json:"pattern"`
	Actions     []string     `json:"actions"`
	Category    Category     `json:"category,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// allowedResource reports whether resource clears the permission's
// AllowList/DenyList, if any are set. DenyList is checked first and
// always wins; an empty AllowList imposes no restriction.
func (p Permission) allowedResource(resource string) bool {
	if p.Constraints == nil {
		return true
	}
	for _, d := range p.Constraints.DenyList {
		if d == resource || d == "*" {
			return false
		}
	}
	if len(p.Constraints.AllowList) == 0 {
		return true
	}
	for _, a := range p.Constraints.AllowList {
		if a == resource || a == "*" {
			return true
		}
	}
	return false
}

func (p Permission) matches(resource string) bool {
	if p.Pattern == "*" {
		return true
	}
	if strings.HasSuffix(p.Pattern, "*") {
		return strings.HasPrefix(resource, strings.TrimSuffix(p.Pattern, "*"))
	}
	return p.Pattern == resource
}

// specificity ranks a pattern: lower is narrower/more specific. Exact
// patterns are always narrower than a prefix pattern; among prefix
// patterns a longer literal prefix is narrower.
func (p Permission) specificity() int {
	if !strings.HasSuffix(p.Pattern, "*") {
		return -len(p.Pattern) - 1_000_000 // exact match always wins
	}
	return -len(p.Pattern)
}

func (p Permission) allows(action string) bool {
	for _, a := range p.Actions {
		if a == action || a == "*" {
			return true
		}
	}
	return false
}

// CapabilityToken is a grant of permissions to an agent, optionally
// time-bounded.
type CapabilityToken struct {
	ID          string       `json:"id"`
	AgentID     string       `json:"agent_id"`
	TenantID    string       `json:"tenant_id"`
	Permissions []Permission `json:"permissions"`
	IssuedAt    time.Time    `json:"issued_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Revoked     bool         `json:"revoked"`
	Signature   string       `json:"signature"`
}

func (t *CapabilityToken) valid(now time.Time) bool {
	if t.Revoked {
		return false
	}
	if t.ExpiresAt != nil && !t.ExpiresAt.After(now) {
		return false
	}
	return true
}

// AuditEntry records every Check, regardless of outcome.
type AuditEntry struct {
	Time     time.Time `json:"time"`
	AgentID  string    `json:"agent_id"`
	TenantID string    `json:"tenant_id"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Allowed  bool       `json:"allowed"`
	TokenID  string    `json:"token_id,omitempty"`
	Reason   string    `json:"reason"`
}

// Config configures signing and quota behavior.
type Config struct {
	HMACSecret          string
	PreviousHMACSecret  string
	RotationGracePeriod time.Duration
	MaxTokensPerAgent   int
	ProductionHardening bool // when true, New refuses to build a sandbox without a signing secret
}

// Sandbox issues, verifies, and revokes capability tokens and answers
// Check() queries against them.
type Sandbox struct {
	mu          sync.RWMutex
	secret      []byte
	prevSecret  []byte
	graceUntil  time.Time
	maxPerAgent int
	hardened    bool

	tokens  map[string]*CapabilityToken // tokenID -> token
	byAgent map[string][]string         // agentID -> tokenIDs
	windows map[string]*callWindow      // tokenID:action -> rolling call count

	auditSink     func(AuditEntry)
	sanctionCheck func(agentID string, category Category) bool
	store         store.Store
	logger        *log.Logger
}

// callWindow tracks a rolling call count for one token+action pair
// against a Permission's Constraints.MaxCallsPerWindow.
type callWindow struct {
	count       int
	windowStart time.Time
}

// New constructs a Sandbox. auditSink may be nil. sanctionCheck, when
// non-nil, is consulted on every Check and denies the call when it
// reports agentID's capability category as actively sanctioned --
// mirroring the optional-callback injection governance.New uses for
// onEvent. st, when non-nil, persists every grant/revoke through
// store.Store's capability_tokens table.
func New(cfg Config, auditSink func(AuditEntry), sanctionCheck func(agentID string, category Category) bool, st store.Store) (*Sandbox, error) {
	if cfg.MaxTokensPerAgent <= 0 {
		cfg.MaxTokensPerAgent = 100
	}
	if cfg.RotationGracePeriod <= 0 {
		cfg.RotationGracePeriod = 24 * time.Hour
	}
	if cfg.ProductionHardening && cfg.HMACSecret == "" {
		return nil, kerr.New(kerr.InvalidInput, "ENFORCE_PRODUCTION_HARDENING requires a capability signing secret")
	}
	secret := []byte(cfg.HMACSecret)
	if len(secret) == 0 {
		secret = []byte("agentkernel-dev-capability-secret")
	}
	var prev []byte
	var grace time.Time
	if cfg.PreviousHMACSecret != "" {
		prev = []byte(cfg.PreviousHMACSecret)
		grace = time.Now().Add(cfg.RotationGracePeriod)
	}
	if auditSink == nil {
		auditSink = func(AuditEntry) {}
	}
	return &Sandbox{
		secret:        secret,
		prevSecret:    prev,
		graceUntil:    grace,
		maxPerAgent:   cfg.MaxTokensPerAgent,
		hardened:      cfg.ProductionHardening,
		tokens:        make(map[string]*CapabilityToken),
		byAgent:       make(map[string][]string),
		windows:       make(map[string]*callWindow),
		auditSink:     auditSink,
		sanctionCheck: sanctionCheck,
		store:         st,
		logger:        log.New(log.Writer(), "[CAPABILITY] ", log.LstdFlags),
	}, nil
}

func (s *Sandbox) sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Grant issues a new capability token. ttl of zero means no expiry.
func (s *Sandbox) Grant(agentID, tenantID string, perms []Permission, ttl time.Duration) (*CapabilityToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	active := 0
	for _, id := range s.byAgent[agentID] {
		if t := s.tokens[id]; t != nil && t.valid(now) {
			active++
		}
	}
	if active >= s.maxPerAgent {
		return nil, kerr.New(kerr.PermissionDenied, fmt.Sprintf("agent %s at max active capability tokens (%d)", agentID, s.maxPerAgent))
	}

	tok := &CapabilityToken{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		TenantID:    tenantID,
		Permissions: perms,
		IssuedAt:    now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		tok.ExpiresAt = &exp
	}

	signable, err := json.Marshal(struct {
		ID          string
		AgentID     string
		Permissions []Permission
		IssuedAt    time.Time
	}{tok.ID, tok.AgentID, tok.Permissions, tok.IssuedAt})
	if err != nil {
		return nil, kerr.Wrap(kerr.Internal, "marshal token for signing", err)
	}
	tok.Signature = base64.RawURLEncoding.EncodeToString(s.sign(signable))

	s.tokens[tok.ID] = tok
	s.byAgent[agentID] = append(s.byAgent[agentID], tok.ID)
	s.persist(tok)
	return tok, nil
}

// Revoke marks tokenID as revoked. Idempotent.
func (s *Sandbox) Revoke(tokenID string) error {
	s.mu.Lock()
	tok, ok := s.tokens[tokenID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	tok.Revoked = true
	s.mu.Unlock()
	s.persist(tok)
	return nil
}

// RevokeAll revokes every token issued to agentID and returns the count revoked.
func (s *Sandbox) RevokeAll(agentID string) int {
	s.mu.Lock()
	count := 0
	var revoked []*CapabilityToken
	for _, id := range s.byAgent[agentID] {
		if tok, ok := s.tokens[id]; ok && !tok.Revoked {
			tok.Revoked = true
			count++
			revoked = append(revoked, tok)
		}
	}
	s.mu.Unlock()
	for _, tok := range revoked {
		s.persist(tok)
	}
	return count
}

// persist writes tok to the backing store, if one is configured,
// asynchronously and non-blocking -- matching audit.Sink.Log's
// go func()+nil-check idiom.
func (s *Sandbox) persist(tok *CapabilityToken) {
	if s.store == nil {
		return
	}
	row := store.CapabilityTokenRow{
		ID:        tok.ID,
		TenantID:  tok.TenantID,
		AgentID:   tok.AgentID,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
		Revoked:   tok.Revoked,
	}
	if len(tok.Permissions) > 0 {
		row.Pattern = tok.Permissions[0].Pattern
		row.Actions = tok.Permissions[0].Actions
	}
	if data, err := json.Marshal(tok.Permissions); err == nil {
		row.PermissionsJSON = data
	}
	go func(r store.CapabilityTokenRow) {
		if err := s.store.UpsertCapabilityToken(r); err != nil {
			s.logger.Printf("failed to persist capability token %s: %v", r.ID, err)
		}
	}(row)
}

// ListTokens returns every token (including revoked/expired) issued to agentID.
func (s *Sandbox) ListTokens(agentID string) []*CapabilityToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CapabilityToken, 0, len(s.byAgent[agentID]))
	for _, id := range s.byAgent[agentID] {
		if tok, ok := s.tokens[id]; ok {
			out = append(out, tok)
		}
	}
	return out
}

// Check reports whether agentID may perform action on resource. Among
// all valid (unrevoked, unexpired) tokens whose permissions match
// resource, the narrowest matching pattern wins; ties are broken by
// the most recently issued token. A matching permission still denies
// the call when its AllowList/DenyList excludes resource, when its
// MaxCallsPerWindow has been exhausted, or when sanctionCheck reports
// an active sanction against the permission's Category. Every call
// emits an AuditEntry regardless of outcome.
func (s *Sandbox) Check(agentID, tenantID, action, resource string) bool {
	s.mu.RLock()
	ids := append([]string(nil), s.byAgent[agentID]...)
	now := time.Now()

	type candidate struct {
		perm     Permission
		issuedAt time.Time
		tokenID  string
	}
	var best *candidate

	for _, id := range ids {
		tok := s.tokens[id]
		if tok == nil || !tok.valid(now) {
			continue
		}
		for _, perm := range tok.Permissions {
			if !perm.matches(resource) {
				continue
			}
			c := candidate{perm: perm, issuedAt: tok.IssuedAt, tokenID: tok.ID}
			if best == nil {
				best = &c
				continue
			}
			if perm.specificity() < best.perm.specificity() {
				best = &c
			} else if perm.specificity() == best.perm.specificity() && c.issuedAt.After(best.issuedAt) {
				best = &c
			}
		}
	}
	s.mu.RUnlock()

	allowed := best != nil && best.perm.allows(action)
	reason := "no matching permission grants this action"

	if allowed && !best.perm.allowedResource(resource) {
		allowed = false
		reason = "resource excluded by allow/deny list"
	}
	if allowed && s.sanctionCheck != nil && best.perm.Category != "" && s.sanctionCheck(agentID, best.perm.Category) {
		allowed = false
		reason = fmt.Sprintf("category %q is actively sanctioned", best.perm.Category)
	}
	if allowed && best.perm.Constraints != nil && best.perm.Constraints.MaxCallsPerWindow > 0 {
		if !s.admitCall(best.tokenID, action, *best.perm.Constraints, now) {
			allowed = false
			reason = "capability call rate window exhausted"
		}
	}
	if allowed {
		reason = fmt.Sprintf("matched pattern %q", best.perm.Pattern)
	}

	entry := AuditEntry{Time: now, AgentID: agentID, TenantID: tenantID, Action: action, Resource: resource, Allowed: allowed, Reason: reason}
	if best != nil {
		entry.TokenID = best.tokenID
	}
	s.auditSink(entry)
	return allowed
}

// admitCall enforces constraints.MaxCallsPerWindow for one token+action
// pair, resetting the rolling window once WindowMs has elapsed.
func (s *Sandbox) admitCall(tokenID, action string, c Constraints, now time.Time) bool {
	window := time.Duration(c.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Minute
	}
	key := tokenID + ":" + action
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[key]
	if !ok || now.Sub(w.windowStart) > window {
		w = &callWindow{windowStart: now}
		s.windows[key] = w
	}
	w.count++
	return w.count <= c.MaxCallsPerWindow
}

// RotateKey atomically rotates the HMAC signing secret, keeping the
// previous key as prevSecret with a grace window of grace from now.
func (s *Sandbox) RotateKey(newSecret string, grace time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevSecret = s.secret
	s.graceUntil = time.Now().Add(grace)
	s.secret = []byte(newSecret)
}

// SweepExpired marks every unrevoked token past expiry as revoked (the
// tokens stay in the table); returns the count swept. Intended to be
// registered as a scheduled job.
func (s *Sandbox) SweepExpired() int {
	s.mu.Lock()
	now := time.Now()
	swept := 0
	var expired []*CapabilityToken
	for _, tok := range s.tokens {
		if tok.ExpiresAt != nil && !tok.ExpiresAt.After(now) && !tok.Revoked {
			tok.Revoked = true
			swept++
			expired = append(expired, tok)
		}
	}
	s.mu.Unlock()
	for _, tok := range expired {
		s.persist(tok)
	}
	return swept
}
