// Package checkpoint implements the Persistence Manager: a checksummed
// checkpoint record and two interchangeable Store implementations
// (file-backed, in-memory), both wrapped by the same circuit breaker
// used for the relational store. Grounded on the teacher's
// SnapshotService (internal/state/snapshot_service.go) — its SHA-256
// hash-of-marshaled-state idiom is kept, generalized from a pre/post
// side-effect check to a full checkpoint record with history.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/ocx/agentkernel/internal/circuitbreaker"
	"github.com/ocx/agentkernel/internal/kerr"
)

// Checkpoint is one recorded snapshot of an agent's state.
type Checkpoint struct {
	AgentID   string                 `json:"agent_id"`
	SeqNum    uint64                 `json:"seq_num"`
	State     map[string]interface{} `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
	Checksum  string                 `json:"checksum"`
}

// checksum computes the hex SHA-256 over the canonical JSON encoding
// of cp with Checksum cleared. encoding/json sorts map keys, so the
// State field serializes deterministically; struct field order is
// fixed by declaration, giving a stable canonical form overall.
func checksum(cp Checkpoint) (string, error) {
	cp.Checksum = ""
	data, err := json.Marshal(cp)
	if err != nil {
		return "", kerr.Wrap(kerr.Internal, "marshal checkpoint for checksum", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and attaches cp's checksum, returning the sealed copy.
func Seal(cp Checkpoint) (Checkpoint, error) {
	sum, err := checksum(cp)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Checksum = sum
	return cp, nil
}

// Verify reports whether cp's stored checksum matches its content.
func Verify(cp Checkpoint) (bool, error) {
	want, err := checksum(cp)
	if err != nil {
		return false, err
	}
	return want == cp.Checksum, nil
}

// Store persists and retrieves checkpoints for agents. Implementations
// must be safe for concurrent use.
type Store interface {
	// Save appends a new sealed checkpoint to agentID's history.
	Save(ctx context.Context, cp Checkpoint) error
	// Latest returns the most recently saved checkpoint for agentID.
	Latest(ctx context.Context, agentID string) (Checkpoint, error)
	// History returns every retained checkpoint for agentID, oldest first.
	History(ctx context.Context, agentID string) ([]Checkpoint, error)
	// Delete removes all checkpoints for agentID.
	Delete(ctx context.Context, agentID string) error
	// ListAgentIDs enumerates every agent with at least one stored
	// checkpoint, for crash-recovery startup scans.
	ListAgentIDs(ctx context.Context) ([]string, error)
}

// Manager wraps a Store with the kernel's shared circuit breaker so
// every persistence call degrades the same way the relational store
// does.
type Manager struct {
	store   Store
	breaker *circuitbreaker.Breaker
}

// NewManager builds a Manager over store, guarded by breaker.
func NewManager(store Store, breaker *circuitbreaker.Breaker) *Manager {
	return &Manager{store: store, breaker: breaker}
}

// Save seals cp (computing its checksum) and persists it through the breaker.
func (m *Manager) Save(ctx context.Context, cp Checkpoint) error {
	sealed, err := Seal(cp)
	if err != nil {
		return err
	}
	return m.breaker.Execute(func() error {
		return m.store.Save(ctx, sealed)
	})
}

// Latest loads and verifies the most recent checkpoint for agentID.
func (m *Manager) Latest(ctx context.Context, agentID string) (Checkpoint, error) {
	var cp Checkpoint
	err := m.breaker.Execute(func() error {
		var ierr error
		cp, ierr = m.store.Latest(ctx, agentID)
		return ierr
	})
	if err != nil {
		return Checkpoint{}, err
	}
	ok, verr := Verify(cp)
	if verr != nil {
		return Checkpoint{}, verr
	}
	if !ok {
		return Checkpoint{}, kerr.New(kerr.Corrupt, "checkpoint checksum mismatch for agent "+agentID)
	}
	return cp, nil
}

// History returns every retained checkpoint for agentID.
func (m *Manager) History(ctx context.Context, agentID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := m.breaker.Execute(func() error {
		var ierr error
		out, ierr = m.store.History(ctx, agentID)
		return ierr
	})
	return out, err
}

// Delete removes all checkpoints for agentID.
func (m *Manager) Delete(ctx context.Context, agentID string) error {
	return m.breaker.Execute(func() error {
		return m.store.Delete(ctx, agentID)
	})
}

// ListAgentIDs enumerates every agent with at least one stored
// checkpoint.
func (m *Manager) ListAgentIDs(ctx context.Context) ([]string, error) {
	var out []string
	err := m.breaker.Execute(func() error {
		var ierr error
		out, ierr = m.store.ListAgentIDs(ctx)
		return ierr
	})
	return out, err
}
