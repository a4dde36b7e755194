// Package multitenancy resolves tenant identity from API keys and
// carries the resolved tenant ID through a request's context. Grounded
// on the teacher's internal/multitenancy/tenant_manager.go: the
// ocx_<id>.<secret> key format, bcrypt-hashed secrets, and the
// context-key helpers are kept; the Supabase-specific Tenant/APIKey
// lookups are generalized onto a small KeyStore interface so the
// manager works against either the relational store package or an
// in-memory registry in tests.
package multitenancy

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is a tenant-scoped credential. Only KeyHash is persisted; the
// secret itself is returned once, at creation time, and never stored.
type APIKey struct {
	KeyID      string
	TenantID   string
	Name       string
	KeyHash    string
	Scopes     []string
	IsActive   bool
	ExpiresAt  *time.Time
	LastUsedAt *time.Time
}

// KeyStore persists API keys. MemKeyStore is the only implementation
// in this repository and is what cmd/server uses; keys therefore do
// not survive a restart.
type KeyStore interface {
	Put(key APIKey) error
	Get(keyID string) (*APIKey, error)
}

// MemKeyStore is an in-memory KeyStore.
type MemKeyStore struct {
	mu   sync.RWMutex
	keys map[string]APIKey
}

// NewMemKeyStore constructs an empty MemKeyStore.
func NewMemKeyStore() *MemKeyStore {
	return &MemKeyStore{keys: make(map[string]APIKey)}
}

func (m *MemKeyStore) Put(key APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KeyID] = key
	return nil
}

func (m *MemKeyStore) Get(keyID string) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.keys[keyID]
	if !ok {
		return nil, nil
	}
	return &k, nil
}

// TenantManager issues and validates API keys, and tracks which tenant
// IDs are currently active (suspended tenants reject every key).
type TenantManager struct {
	keys KeyStore

	mu       sync.RWMutex
	inactive map[string]bool
}

// NewTenantManager constructs a TenantManager backed by keys.
func NewTenantManager(keys KeyStore) *TenantManager {
	return &TenantManager{keys: keys, inactive: make(map[string]bool)}
}

// SuspendTenant marks tenantID inactive; every API key belonging to it
// is rejected by ValidateAPIKey until ReactivateTenant is called.
func (tm *TenantManager) SuspendTenant(tenantID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.inactive[tenantID] = true
}

// ReactivateTenant clears a prior SuspendTenant.
func (tm *TenantManager) ReactivateTenant(tenantID string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.inactive, tenantID)
}

func (tm *TenantManager) isActive(tenantID string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return !tm.inactive[tenantID]
}

// CreateAPIKey mints a new API key for tenantID, in the format
// ocx_<key_id>.<secret>. Only the hash of the secret is persisted; the
// full key is returned once and must be shown to the caller now.
func (tm *TenantManager) CreateAPIKey(tenantID, name string, scopes []string) (*APIKey, string, error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return nil, "", err
	}
	keyID := hex.EncodeToString(idBytes)

	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", err
	}
	secret := hex.EncodeToString(secretBytes)

	fullKey := fmt.Sprintf("ocx_%s.%s", keyID, secret)

	secretHash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", err
	}

	key := APIKey{
		KeyID:    keyID,
		TenantID: tenantID,
		Name:     name,
		KeyHash:  string(secretHash),
		Scopes:   scopes,
		IsActive: true,
	}
	if err := tm.keys.Put(key); err != nil {
		return nil, "", err
	}
	return &key, fullKey, nil
}

// ValidateAPIKey parses fullKey, verifies its secret against the
// stored bcrypt hash, and returns the tenant ID it resolves to.
func (tm *TenantManager) ValidateAPIKey(fullKey string) (string, error) {
	if !strings.HasPrefix(fullKey, "ocx_") {
		return "", errors.New("invalid key format")
	}
	parts := strings.SplitN(strings.TrimPrefix(fullKey, "ocx_"), ".", 2)
	if len(parts) != 2 {
		return "", errors.New("invalid key format")
	}
	keyID, secret := parts[0], parts[1]

	key, err := tm.keys.Get(keyID)
	if err != nil {
		return "", fmt.Errorf("lookup failed: %w", err)
	}
	if key == nil {
		return "", errors.New("invalid api key")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(secret)); err != nil {
		return "", errors.New("invalid api key secret")
	}
	if !key.IsActive {
		return "", errors.New("api key inactive")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		return "", errors.New("api key expired")
	}
	if !tm.isActive(key.TenantID) {
		return "", fmt.Errorf("tenant %s is suspended", key.TenantID)
	}
	return key.TenantID, nil
}

type contextKey string

const tenantIDKey contextKey = "tenant_id"

// WithTenant attaches tenantID to ctx.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID extracts the tenant ID attached by WithTenant.
func GetTenantID(ctx context.Context) (string, error) {
	id, ok := ctx.Value(tenantIDKey).(string)
	if !ok || id == "" {
		return "", errors.New("tenant context missing")
	}
	return id, nil
}
