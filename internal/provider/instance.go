package provider

import (
	"errors"
	"sync"

	"github.com/ydb-platform/camera-manager/internal/device"
)

const DefaultBackend = "udevdeviceprovider"

var errConfigured = errors.New("device provider instance already created")

var (
	instanceMu     sync.Mutex
	instanceOnce   sync.Once
	instance       *Provider
	instanceName   = DefaultBackend
	instanceConfig device.Config
)

// Configure selects the backend used by Instance. It fails once Instance has
// been called.
func Configure(name string, cfg device.Config) error {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return errConfigured
	}
	instanceName = name
	instanceConfig = cfg
	return nil
}

// Instance returns the process wide Provider, creating it on first use.
func Instance() *Provider {
	instanceOnce.Do(func() {
		instanceMu.Lock()
		defer instanceMu.Unlock()
		instance = Open(instanceName, instanceConfig)
	})
	return instance
}
