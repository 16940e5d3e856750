package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// Capability is an optional feature of a Backend.
type Capability int

const (
	// CapabilityFD means the backend accepts a file descriptor of a media
	// remote to discover devices through.
	CapabilityFD Capability = iota
)

func (c Capability) String() string {
	switch c {
	case CapabilityFD:
		return "fd"
	}
	return fmt.Sprintf("Capability(%d)", int(c))
}

// InvalidFD resets the descriptor of a backend.
const InvalidFD = -1

var (
	ErrUnknownBackend = errors.New("unknown discovery backend")
	ErrUnsupported    = errors.New("capability not supported by backend")
	ErrNotStarted     = errors.New("backend is not started")
)

// Backend is a discovery engine. Start begins discovery and fills the device
// snapshot; changes are reported on the Bus afterwards.
type Backend interface {
	Name() string
	Start() error
	Stop()
	IsStarted() bool
	// Devices returns the devices known right now.
	Devices() []Device
	Bus() *Bus
	Supports(Capability) bool
	// SetFD hands fd to the backend. Only valid if Supports(CapabilityFD);
	// InvalidFD resets it.
	SetFD(fd int) error
	// Close releases the backend. It must not be used afterwards.
	Close()
}

type Config struct {
	Infrared InfraredMatcher
	// PollInterval is used by backends without hot-plug notifications.
	PollInterval time.Duration
	DevDir       string
	SysDir       string
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultDevDir       = "/dev"
	DefaultSysDir       = "/sys/class/video4linux"
)

func (c Config) WithDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DevDir == "" {
		c.DevDir = DefaultDevDir
	}
	if c.SysDir == "" {
		c.SysDir = DefaultSysDir
	}
	return c
}

type Factory func(Config) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend available by name. It panics if the name is
// taken, so backends register from init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("device: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("device: Register called twice for backend " + name)
	}
	factories[name] = factory
}

// Open creates the backend registered under name.
func Open(name string, cfg Config) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}

	backend, err := factory(cfg.WithDefaults())
	if err != nil {
		klog.Errorf("failed to create discovery backend %q: %v", name, err)
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return backend, nil
}

func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
