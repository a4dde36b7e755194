package audit

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ocx/agentkernel/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	entries []Entry
}

func (f *fakeStore) InsertAuditLog(entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestSinkPersistsEntryAsynchronously(t *testing.T) {
	fs := &fakeStore{}
	sink := NewSink(fs, slog.Default())
	sink.Log(Entry{TenantID: "t1", Category: "policy", EventType: "policy.blocked", Severity: Warn})

	deadline := time.Now().Add(time.Second)
	for fs.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if fs.count() != 1 {
		t.Fatalf("expected entry to be persisted, got %d", fs.count())
	}
}

func TestSinkWithoutStoreDoesNotPanic(t *testing.T) {
	sink := NewSink(nil, slog.Default())
	sink.Log(Entry{TenantID: "t1", Category: "policy", EventType: "policy.allowed", Severity: Info})
}

func TestStoreAdapterFoldsCategoryIntoPayload(t *testing.T) {
	mem := store.NewMemStore()
	adapter := StoreAdapter{Store: mem}
	if err := adapter.InsertAuditLog(Entry{TenantID: "t1", Category: "capability", EventType: "capability.denied", Severity: Error}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	rows, err := mem.QueryAuditLog("t1", 10)
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d (%v)", len(rows), err)
	}
	if rows[0].Payload["category"] != "capability" {
		t.Fatalf("expected category folded into payload, got %+v", rows[0].Payload)
	}
}
