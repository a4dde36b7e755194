// Package lifecycle implements the Lifecycle Manager: the central
// orchestrator that wires the capability sandbox, policy engine,
// governance workflow, checkpoint manager, and event bus around each
// agent's state machine. Grounded on the teacher's APIServer
// (internal/api/server.go) for the struct-of-component-pointers
// constructor shape, and its EscrowGate interceptor
// (internal/escrow/interceptor.go) for the check -> sequester -> await
// pipeline, generalized here to sandbox-check -> policy-evaluate ->
// execute -> audit-and-emit.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ocx/agentkernel/internal/audit"
	"github.com/ocx/agentkernel/internal/capability"
	"github.com/ocx/agentkernel/internal/checkpoint"
	"github.com/ocx/agentkernel/internal/events"
	"github.com/ocx/agentkernel/internal/governance"
	"github.com/ocx/agentkernel/internal/kerr"
	"github.com/ocx/agentkernel/internal/policy"
	"github.com/ocx/agentkernel/internal/statemachine"
	"github.com/ocx/agentkernel/internal/store"
)

// Manifest declares an agent's identity and the capabilities it needs
// at spawn time.
type Manifest struct {
	AgentID              string                  `json:"agent_id"`
	TenantID             string                  `json:"tenant_id"`
	Name                 string                  `json:"name"`
	RequiredCapabilities []capability.Permission `json:"required_capabilities"`
}

// Digest returns the hex SHA-256 of the manifest's canonical JSON
// encoding, compared against a checkpoint's stored manifestDigest to
// decide whether a restore is safe to apply.
func (m Manifest) Digest() string {
	data, _ := json.Marshal(m)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Task is one unit of work submitted to an agent. Bytes is the
// payload size quota rules accumulate; when left zero it defaults to
// len(Content).
type Task struct {
	ID       string                 `json:"id"`
	Action   string                 `json:"action"`
	Resource string                 `json:"resource"`
	Content  string                 `json:"content,omitempty"`
	Bytes    int64                  `json:"bytes,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
}

// Result is what a task handler returns on success.
type Result struct {
	Output map[string]interface{} `json:"output"`
	// Usage is set by handlers that call out to a model provider, so
	// the call can be metered into store.ProviderUsageRow. Handlers
	// that don't touch a provider (e.g. pure memory/forum actions)
	// leave it nil.
	Usage *UsageInfo `json:"usage,omitempty"`
}

// UsageInfo carries provider-call accounting for one task invocation.
type UsageInfo struct {
	Provider    string
	Model       string
	InputUnits  int64
	OutputUnits int64
	CostMicros  int64
}

// Handler runs one task for an agent inside the sandbox/policy
// envelope the Manager has already cleared. It must poll ctx at any
// suspension point so Terminate's cooperative cancellation can take
// effect.
type Handler func(ctx context.Context, agentID string, task Task) (Result, error)

// agent is the Manager's bookkeeping record for one agent. The mailbox
// mutex enforces the "at most one task handler at a time" rule; mu
// guards the record's own fields and is always the narrowest lock
// taken, never the whole agents table.
type agent struct {
	mu       sync.RWMutex
	id       string
	tenantID string
	manifest Manifest
	handler  Handler
	machine  *statemachine.Machine
	mailbox  sync.Mutex

	resourceUsage map[string]interface{}
	userData      map[string]interface{}

	cancel context.CancelFunc
}

// Config wires the Manager to its collaborators. Sandbox and Policy are
// required. Governance, Checkpoints, Bus, AuditSink and Store may be
// nil, which turns that collaborator off; ShutdownGrace, Source and
// Logger get defaults when left zero.
type Config struct {
	Sandbox       *capability.Sandbox
	Policy        *policy.Engine
	Governance    *governance.Governance
	Checkpoints   *checkpoint.Manager
	Bus           *events.Bus
	AuditSink     *audit.Sink
	Store         store.Store // optional; persists agent registrations
	ShutdownGrace time.Duration
	Source        string // CloudEvent source attribute, e.g. "agentkernel/lifecycle"
	Logger        *log.Logger
}

// Manager is the kernel's Lifecycle Manager: it owns the agent table
// and drives every state transition, capability check, and policy
// evaluation an agent's work passes through.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*agent

	sandbox       *capability.Sandbox
	policy        *policy.Engine
	governance    *governance.Governance
	checkpoints   *checkpoint.Manager
	bus           *events.Bus
	auditSink     *audit.Sink
	store         store.Store
	shutdownGrace time.Duration
	source        string
	logger        *log.Logger
}

// New constructs a Manager. ShutdownGrace defaults to 5s and Source to
// "agentkernel/lifecycle" when left zero.
func New(cfg Config) *Manager {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	if cfg.Source == "" {
		cfg.Source = "agentkernel/lifecycle"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[LIFECYCLE] ", log.LstdFlags)
	}
	return &Manager{
		agents:        make(map[string]*agent),
		sandbox:       cfg.Sandbox,
		policy:        cfg.Policy,
		governance:    cfg.Governance,
		checkpoints:   cfg.Checkpoints,
		bus:           cfg.Bus,
		auditSink:     cfg.AuditSink,
		store:         cfg.Store,
		shutdownGrace: cfg.ShutdownGrace,
		source:        cfg.Source,
		logger:        cfg.Logger,
	}
}

func (m *Manager) audit(tenantID, agentID, category, eventType string, severity audit.Severity, meta map[string]interface{}) {
	if m.auditSink == nil {
		return
	}
	m.auditSink.Log(audit.Entry{
		TenantID:  tenantID,
		AgentID:   agentID,
		Category:  category,
		EventType: eventType,
		Severity:  severity,
		Metadata:  meta,
	})
}

func (m *Manager) emit(channel, tenantID, agentID string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Emit(channel, m.source, agentID, tenantID, data)
}

// persistAgent mirrors an agent's current registration to the
// backing store, asynchronously and non-blocking, matching
// audit.Sink.Log's go func()+nil-check idiom. Called on every state
// transition so the agents table tracks live state.
func (m *Manager) persistAgent(tenantID, agentID, name, state string) {
	if m.store == nil {
		return
	}
	row := store.AgentRow{AgentID: agentID, TenantID: tenantID, Name: name, State: state, UpdatedAt: time.Now()}
	go func() {
		if err := m.store.UpsertAgent(row); err != nil {
			m.logger.Printf("failed to persist agent %s: %v", agentID, err)
		}
	}()
}

// lookup returns the agent record for id, or nil.
func (m *Manager) lookup(id string) *agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// Spawn validates manifest, asserts no live agent already holds its
// id, requests every declared capability (logging refusals rather
// than failing the spawn), restores a matching checkpoint if one
// exists, and transitions the new agent to ready.
func (m *Manager) Spawn(ctx context.Context, manifest Manifest, handler Handler) (string, error) {
	if manifest.AgentID == "" || manifest.TenantID == "" {
		return "", kerr.New(kerr.InvalidInput, "manifest requires agent_id and tenant_id")
	}
	if handler == nil {
		return "", kerr.New(kerr.InvalidInput, "manifest requires a task handler")
	}

	m.mu.Lock()
	if existing, ok := m.agents[manifest.AgentID]; ok {
		existing.mu.RLock()
		live := existing.machine.State() != statemachine.Terminated
		existing.mu.RUnlock()
		if live {
			m.mu.Unlock()
			return "", kerr.New(kerr.InvalidInput, fmt.Sprintf("agent %s already exists and is not terminated", manifest.AgentID))
		}
	}

	a := &agent{
		id:            manifest.AgentID,
		tenantID:      manifest.TenantID,
		manifest:      manifest,
		handler:       handler,
		resourceUsage: make(map[string]interface{}),
		userData:      make(map[string]interface{}),
	}
	a.machine = statemachine.New(manifest.AgentID, func(ev statemachine.TransitionEvent) {
		m.audit(manifest.TenantID, manifest.AgentID, "lifecycle", "state.transition", audit.Info, map[string]interface{}{
			"from": string(ev.From), "to": string(ev.To), "trigger": ev.Trigger, "seq": ev.SeqNum,
		})
		m.persistAgent(manifest.TenantID, manifest.AgentID, manifest.Name, string(ev.To))
	})
	m.agents[manifest.AgentID] = a
	m.mu.Unlock()

	for _, perm := range manifest.RequiredCapabilities {
		if _, err := m.sandbox.Grant(manifest.AgentID, manifest.TenantID, []capability.Permission{perm}, 0); err != nil {
			m.audit(manifest.TenantID, manifest.AgentID, "permission", "capability.grant.refused", audit.Warn, map[string]interface{}{
				"pattern": perm.Pattern, "reason": err.Error(),
			})
		}
	}

	m.restoreCheckpoint(ctx, a)

	if err := a.machine.Transition(statemachine.Ready, "spawn"); err != nil {
		return "", err
	}
	m.emit("agent.spawned", manifest.TenantID, manifest.AgentID, map[string]interface{}{"name": manifest.Name})
	return manifest.AgentID, nil
}

// restoreCheckpoint loads the latest checkpoint for a, applying it
// only when its recorded manifest digest matches a's current
// manifest; a mismatch or absent checkpoint leaves a's state fresh.
func (m *Manager) restoreCheckpoint(ctx context.Context, a *agent) {
	if m.checkpoints == nil {
		return
	}
	cp, err := m.checkpoints.Latest(ctx, a.id)
	if err != nil {
		if !kerr.Is(err, kerr.NotFound) {
			m.audit(a.tenantID, a.id, "lifecycle", "checkpoint.restore.failed", audit.Warn, map[string]interface{}{"error": err.Error()})
		}
		return
	}
	digest, _ := cp.State["manifest_digest"].(string)
	if digest != a.manifest.Digest() {
		m.audit(a.tenantID, a.id, "lifecycle", "checkpoint.restore.skipped", audit.Info, map[string]interface{}{"reason": "manifest digest mismatch"})
		return
	}
	a.mu.Lock()
	if ru, ok := cp.State["resource_usage"].(map[string]interface{}); ok {
		a.resourceUsage = ru
	}
	if ud, ok := cp.State["user_data"].(map[string]interface{}); ok {
		a.userData = ud
	}
	a.mu.Unlock()
}

func (m *Manager) checkpointState(a *agent) map[string]interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return map[string]interface{}{
		"manifest_digest": a.manifest.Digest(),
		"tenant_id":       a.tenantID,
		"resource_usage":  a.resourceUsage,
		"user_data":       a.userData,
		"agent_state":     string(a.machine.State()),
	}
}

func (m *Manager) saveCheckpoint(ctx context.Context, a *agent) error {
	if m.checkpoints == nil {
		return nil
	}
	return m.checkpoints.Save(ctx, checkpoint.Checkpoint{
		AgentID:   a.id,
		SeqNum:    a.machine.SeqNum(),
		State:     m.checkpointState(a),
		Timestamp: time.Now(),
	})
}

// Task requires agentId to be ready or running, serializes execution
// against any other in-flight task for the same agent, runs the
// sandbox/policy check pipeline, then invokes handler.
func (m *Manager) Task(ctx context.Context, agentID string, task Task) (Result, error) {
	a := m.lookup(agentID)
	if a == nil {
		return Result{}, kerr.New(kerr.NotFound, "agent not found: "+agentID)
	}

	a.mailbox.Lock()
	defer a.mailbox.Unlock()

	a.mu.RLock()
	state := a.machine.State()
	a.mu.RUnlock()
	if state != statemachine.Ready && state != statemachine.Running {
		return Result{}, kerr.New(kerr.InvalidTransition, fmt.Sprintf("agent %s not runnable from state %s", agentID, state))
	}

	if err := a.machine.Transition(statemachine.Running, "task:start"); err != nil {
		return Result{}, err
	}

	if !m.sandbox.Check(agentID, a.tenantID, task.Action, task.Resource) {
		a.machine.Transition(statemachine.Ready, "task:denied")
		m.audit(a.tenantID, agentID, "permission", "task.denied", audit.Warn, map[string]interface{}{"action": task.Action, "resource": task.Resource})
		return Result{}, kerr.New(kerr.PermissionDenied, fmt.Sprintf("agent %s lacks capability for %s on %s", agentID, task.Action, task.Resource))
	}

	taskBytes := task.Bytes
	if taskBytes == 0 {
		taskBytes = int64(len(task.Content))
	}
	verdict := m.policy.Evaluate(a.tenantID, agentID, task.Action, task.Content, taskBytes)
	if verdict.Decision != policy.Allow {
		m.handleViolation(a, task, verdict)
		if verdict.Decision == policy.Block {
			a.machine.Transition(statemachine.Ready, "task:blocked")
			return Result{}, kerr.New(kerr.PermissionDenied, fmt.Sprintf("policy blocked action %s: %v", task.Action, verdict.Reasons))
		}
	}

	taskCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.cancel = nil
		a.mu.Unlock()
		cancel()
	}()

	result, herr := a.handler(taskCtx, agentID, task)
	if herr != nil {
		a.machine.Transition(statemachine.Error, "task:error")
		m.audit(a.tenantID, agentID, "tool", "task.failed", audit.Error, map[string]interface{}{"action": task.Action, "error": herr.Error()})
		m.emit("agent.task.failed", a.tenantID, agentID, map[string]interface{}{"task_id": task.ID, "error": herr.Error()})
		return Result{}, herr
	}

	if err := a.machine.Transition(statemachine.Ready, "task:complete"); err != nil {
		return Result{}, err
	}
	m.emit("agent.task.completed", a.tenantID, agentID, map[string]interface{}{"task_id": task.ID})
	if result.Usage != nil {
		m.accrueResourceUsage(a, *result.Usage)
		m.persistProviderUsage(a.tenantID, agentID, *result.Usage)
	}
	return result, nil
}

// accrueResourceUsage folds one task's provider usage into the agent's
// running totals, so a later checkpoint.Save captures
// resourceUsage.inputTokens/outputTokens across the agent's whole
// lifetime, not just its most recent task.
func (m *Manager) accrueResourceUsage(a *agent, usage UsageInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resourceUsage["inputTokens"] = asInt64(a.resourceUsage["inputTokens"]) + usage.InputUnits
	a.resourceUsage["outputTokens"] = asInt64(a.resourceUsage["outputTokens"]) + usage.OutputUnits
}

// asInt64 reads a counter out of a resourceUsage map that may hold a
// native int64 (an agent that never left memory) or a float64 (one
// restored from a checkpoint round-tripped through JSON).
func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}

// persistProviderUsage records one provider-call accounting entry.
// Fire-and-forget like persistAgent: a slow or unreachable store must
// never stall the task that already completed.
func (m *Manager) persistProviderUsage(tenantID, agentID string, usage UsageInfo) {
	if m.store == nil {
		return
	}
	row := store.ProviderUsageRow{
		TenantID:    tenantID,
		AgentID:     agentID,
		Provider:    usage.Provider,
		Model:       usage.Model,
		InputUnits:  usage.InputUnits,
		OutputUnits: usage.OutputUnits,
		CostMicros:  usage.CostMicros,
		CreatedAt:   time.Now(),
	}
	go func() {
		if err := m.store.InsertProviderUsage(row); err != nil {
			m.logger.Printf("failed to persist provider usage for %s/%s: %v", tenantID, agentID, err)
		}
	}()
}

// handleViolation opens a governance case for a non-allow verdict and
// applies every sanction the triggered rules proposed.
func (m *Manager) handleViolation(a *agent, task Task, verdict policy.Verdict) {
	if m.governance == nil {
		return
	}
	reason := fmt.Sprintf("policy %s on action %s: %v", verdict.Decision, task.Action, verdict.Reasons)
	c := m.governance.OpenCase(a.tenantID, a.id, reason, verdict.Reasons, verdict.PolicyID, verdict.RuleIndex, task.Action)
	for _, kind := range verdict.Sanctions {
		m.governance.ApplySanction(a.tenantID, a.id, c.ID, governance.SanctionKind(kind), reason, nil)
	}
}

// Pause moves agentId from ready or running to paused.
func (m *Manager) Pause(agentID string) error {
	a := m.lookup(agentID)
	if a == nil {
		return kerr.New(kerr.NotFound, "agent not found: "+agentID)
	}
	return a.machine.Transition(statemachine.Paused, "pause")
}

// Resume moves agentId from paused back to ready.
func (m *Manager) Resume(agentID string) error {
	a := m.lookup(agentID)
	if a == nil {
		return kerr.New(kerr.NotFound, "agent not found: "+agentID)
	}
	return a.machine.Transition(statemachine.Ready, "resume")
}

// Terminate sets agentId's cancellation flag, revokes every capability
// it holds, waits up to the configured shutdown grace period for an
// in-flight task to return, writes a final checkpoint, and emits
// agent.terminated. A handler still running past the grace period is
// abandoned: state moves to terminated anyway and the event logs
// forced-termination.
func (m *Manager) Terminate(ctx context.Context, agentID, reason string) error {
	a := m.lookup(agentID)
	if a == nil {
		return kerr.New(kerr.NotFound, "agent not found: "+agentID)
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	revoked := m.sandbox.RevokeAll(agentID)

	forced := false
	deadline := time.Now().Add(m.shutdownGrace)
	for {
		if a.mailbox.TryLock() {
			a.mailbox.Unlock()
			break
		}
		if time.Now().After(deadline) {
			forced = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.machine.Transition(statemachine.Terminated, "terminate"); err != nil {
		return err
	}

	if err := m.saveCheckpoint(ctx, a); err != nil {
		m.audit(a.tenantID, agentID, "lifecycle", "checkpoint.save.failed", audit.Warn, map[string]interface{}{"error": err.Error()})
	}

	if forced {
		m.logger.Printf("agent %s forced-termination: grace period exceeded while a task handler was still in flight", agentID)
		m.audit(a.tenantID, agentID, "lifecycle", "forced-termination", audit.Warn, map[string]interface{}{"reason": reason})
	}

	m.emit("agent.terminated", a.tenantID, agentID, map[string]interface{}{
		"reason": reason, "capabilities_revoked": revoked, "forced": forced,
	})
	return nil
}

// Status reports an agent's current state, or ok=false if unknown.
func (m *Manager) Status(agentID string) (statemachine.State, bool) {
	a := m.lookup(agentID)
	if a == nil {
		return "", false
	}
	return a.machine.State(), true
}

// ResourceUsage returns a copy of agentID's accumulated resource
// counters, or ok=false if the agent is unknown. "inputTokens" and
// "outputTokens" are present once a task has reported provider usage
// (or a restored checkpoint carried them); before that the map is empty.
func (m *Manager) ResourceUsage(agentID string) (map[string]interface{}, bool) {
	a := m.lookup(agentID)
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]interface{}, len(a.resourceUsage))
	for k, v := range a.resourceUsage {
		out[k] = v
	}
	return out, true
}

// List returns every agent id currently tracked by the Manager.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.agents))
	for id := range m.agents {
		out = append(out, id)
	}
	return out
}

// Recover runs crash recovery at startup: every agent with a stored
// checkpoint is reconstructed in ready and re-emits a recovered event;
// an agent whose checkpoint fails to load is reconstructed in error
// with the failure reason captured instead.
func (m *Manager) Recover(ctx context.Context, handler Handler) (int, error) {
	if m.checkpoints == nil {
		return 0, nil
	}
	ids, err := m.checkpoints.ListAgentIDs(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, id := range ids {
		cp, err := m.checkpoints.Latest(ctx, id)
		tenantID, _ := cp.State["tenant_id"].(string)
		if tenantID == "" {
			tenantID = "unknown"
		}

		a := &agent{
			id:            id,
			tenantID:      tenantID,
			handler:       handler,
			resourceUsage: make(map[string]interface{}),
			userData:      make(map[string]interface{}),
		}
		a.machine = statemachine.New(id, func(ev statemachine.TransitionEvent) {
			m.audit(tenantID, id, "lifecycle", "state.transition", audit.Info, map[string]interface{}{
				"from": string(ev.From), "to": string(ev.To), "trigger": ev.Trigger, "seq": ev.SeqNum,
			})
			m.persistAgent(tenantID, id, "", string(ev.To))
		})

		if err != nil {
			a.machine.Transition(statemachine.Error, "recover:failed")
			m.audit(tenantID, id, "lifecycle", "recovery.failed", audit.Error, map[string]interface{}{"error": err.Error()})
			m.mu.Lock()
			m.agents[id] = a
			m.mu.Unlock()
			continue
		}

		if ru, ok := cp.State["resource_usage"].(map[string]interface{}); ok {
			a.resourceUsage = ru
		}
		if ud, ok := cp.State["user_data"].(map[string]interface{}); ok {
			a.userData = ud
		}

		if terr := a.machine.Transition(statemachine.Ready, "recover"); terr != nil {
			m.audit(tenantID, id, "lifecycle", "recovery.failed", audit.Error, map[string]interface{}{"error": terr.Error()})
			continue
		}

		m.mu.Lock()
		m.agents[id] = a
		m.mu.Unlock()

		m.emit("recovered", tenantID, id, map[string]interface{}{"seq": a.machine.SeqNum()})
		recovered++
	}
	return recovered, nil
}
