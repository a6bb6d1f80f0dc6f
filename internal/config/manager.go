package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds a map of per-tenant config overrides, keyed by
// tenant id.
type TenantsConfig struct {
	Tenants map[string]Config `yaml:"tenants"`
}

// Manager resolves the effective config for a tenant by layering its
// overrides, if any, on top of the global config.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]Config
	mu            sync.RWMutex
}

// NewManager loads both the master config and the tenant override file.
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

	return &Manager{
		globalConfig:  master,
		tenantConfigs: tc.Tenants,
	}, nil
}

// Get returns the effective config for tenantID: a copy of the global
// config with these fields from that tenant's override section applied on
// top when non-zero: Quotas (replaced as a whole if any of its time,
// memory or events-per-minute values is set), Pool.Max,
// Pool.MaxConcurrentPerPlugin, EventBus.MaxListenersPerTopic,
// EventBus.MaxPayloadBytes and Artifacts.BaseDir. Other override fields
// are ignored. A tenantID with no override returns an unchanged copy of
// the global config.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if override.Quotas.TimeMs != 0 || override.Quotas.MemoryMB != 0 || override.Quotas.EventsPerMinute != 0 {
		effective.Quotas = override.Quotas
	}
	if override.Pool.Max != 0 {
		effective.Pool.Max = override.Pool.Max
	}
	if override.Pool.MaxConcurrentPerPlugin != 0 {
		effective.Pool.MaxConcurrentPerPlugin = override.Pool.MaxConcurrentPerPlugin
	}
	if override.EventBus.MaxListenersPerTopic != 0 {
		effective.EventBus.MaxListenersPerTopic = override.EventBus.MaxListenersPerTopic
	}
	if override.EventBus.MaxPayloadBytes != 0 {
		effective.EventBus.MaxPayloadBytes = override.EventBus.MaxPayloadBytes
	}
	if override.Artifacts.BaseDir != "" {
		effective.Artifacts.BaseDir = override.Artifacts.BaseDir
	}

	return &effective
}
