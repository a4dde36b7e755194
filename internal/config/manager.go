package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds the per-tenant override document.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective Config for a tenant: the global
// config with any per-tenant overrides layered on top.
type Manager struct {
	mu            sync.RWMutex
	globalConfig  *Config
	tenantConfigs map[string]Config
}

// NewManager loads the global config and, if present, a tenant
// overrides file. A missing tenants file is not an error.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	return &Manager{globalConfig: master, tenantConfigs: tc.Tenants}, nil
}

// Get returns the effective config for tenantID: a copy of the global
// config in which the tenant override's whole Capability,
// CircuitBreaker or Hardening section replaces the global one when
// that section's HMACSecret, FailureThreshold or
// EnforceProductionHardening field is set. Other sections are not
// overridden.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig
	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.Capability.HMACSecret != "" {
		effective.Capability = override.Capability
	}
	if override.CircuitBreaker.FailureThreshold != 0 {
		effective.CircuitBreaker = override.CircuitBreaker
	}
	if override.Hardening.EnforceProductionHardening {
		effective.Hardening = override.Hardening
	}
	return &effective
}
