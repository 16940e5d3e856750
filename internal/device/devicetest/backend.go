// Package devicetest provides a scriptable in-memory discovery backend.
package devicetest

import (
	"sync"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

const Name = "testdeviceprovider"

// Backend is a device.Backend whose snapshot and bus are driven by the test.
type Backend struct {
	mu        sync.Mutex
	devices   []device.Device
	bus       *device.Bus
	started   bool
	startErr  error
	fdCapable bool
	fds       []int
	starts    int
	stops     int
	closed    bool
}

type Option func(*Backend)

func WithDevices(devices ...device.Device) Option {
	return func(b *Backend) {
		b.devices = append(b.devices, devices...)
	}
}

// WithFD makes the backend support device.CapabilityFD.
func WithFD() Option {
	return func(b *Backend) {
		b.fdCapable = true
	}
}

func WithStartError(err error) Option {
	return func(b *Backend) {
		b.startErr = err
	}
}

func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		bus: device.NewBus(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.starts++
	if b.startErr != nil {
		return b.startErr
	}
	b.started = true
	return nil
}

func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stops++
	b.started = false
}

func (b *Backend) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Backend) Devices() []device.Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]device.Device(nil), b.devices...)
}

func (b *Backend) Bus() *device.Bus {
	return b.bus
}

func (b *Backend) Supports(c device.Capability) bool {
	return c == device.CapabilityFD && b.fdCapable
}

func (b *Backend) SetFD(fd int) error {
	if !b.fdCapable {
		return device.ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fds = append(b.fds, fd)
	return nil
}

func (b *Backend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.bus.Close()
}

func (b *Backend) SetDevices(devices ...device.Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices = devices
}

func (b *Backend) SetStartError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

// Post puts msg on the bus as the backend would.
func (b *Backend) Post(msg device.Message) bool {
	return b.bus.Post(msg)
}

func (b *Backend) Add(d device.Device) bool {
	return b.Post(device.DeviceAdded{Device: d})
}

func (b *Backend) Remove(d device.Device) bool {
	return b.Post(device.DeviceRemoved{Device: d})
}

// Occupy installs a foreign watch on the bus so that nobody else can.
func (b *Backend) Occupy() mux.CancelFunc {
	cancel, err := b.bus.AddWatch(mux.SinkFunc(func(device.Message) error { return nil }, nil))
	if err != nil {
		panic(err)
	}
	return cancel
}

// FDs returns every descriptor passed to SetFD, in order.
func (b *Backend) FDs() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.fds...)
}

func (b *Backend) Starts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.starts
}

func (b *Backend) Stops() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stops
}

func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Camera returns a video source device.
func Camera(name string, target device.TargetObject) *device.Info {
	return Device(name, device.ClassVideoSource, target)
}

func Device(name, class string, target device.TargetObject) *device.Info {
	return &device.Info{
		Name:   name,
		Class:  class,
		Target: target,
		Capability: &device.Caps{
			Formats: []string{"YUY2", "MJPG"},
		},
		Props: map[string]string{
			device.PropertyDevicePath: "/dev/" + string(target),
		},
	}
}

// Infrared returns a video source that only produces grayscale frames.
func Infrared(name string, target device.TargetObject) *device.Info {
	d := Camera(name, target)
	d.Capability = &device.Caps{Formats: []string{"GRAY8"}}
	return d
}

var _ device.Backend = (*Backend)(nil)
