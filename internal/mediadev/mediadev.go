// Package mediadev discovers cameras through the pion/mediadevices driver
// manager. The manager has no hot-plug notifications, so it is polled.
package mediadev

import (
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/mediadevices/pkg/driver"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/prop"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

const Name = "mediadevicesprovider"

const (
	PropertyDriverID = "mediadevices.id"
	PropertyLabel    = "mediadevices.label"
	PropertyStatus   = "mediadevices.status"
)

func init() {
	device.Register(Name, func(cfg device.Config) (device.Backend, error) {
		return New(cfg), nil
	})
}

// Driver is the part of a mediadevices driver the backend reads.
type Driver interface {
	ID() string
	Info() driver.Info
	Status() driver.State
	Open() error
	Close() error
	Properties() []prop.Media
}

// QueryFunc lists the video drivers currently known.
type QueryFunc func() []Driver

// queryManager registers the cameras present right now and lists them.
// Initialize replaces every video driver, so driver IDs do not survive a
// call. Use identity to tell cameras apart between polls.
func queryManager() []Driver {
	mediadevicescamera.Initialize()
	drivers := driver.GetManager().Query(driver.FilterVideoRecorder())
	res := make([]Driver, 0, len(drivers))
	for _, d := range drivers {
		res = append(res, d)
	}
	return res
}

type Option func(*Backend)

func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		b.clock = c
	}
}

func WithQuery(query QueryFunc) Option {
	return func(b *Backend) {
		b.query = query
	}
}

type monitorRequest interface {
	requestSealed()
}

type stateRequest struct{}

func (stateRequest) requestSealed() {}

type Backend struct {
	cfg      device.Config
	clock    clock.Clock
	query    QueryFunc
	bus      *device.Bus
	requests chan mux.AwaitReply[monitorRequest, any]

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg device.Config, opts ...Option) *Backend {
	b := &Backend{
		cfg:      cfg.WithDefaults(),
		clock:    clock.New(),
		query:    queryManager,
		bus:      device.NewBus(),
		requests: make(chan mux.AwaitReply[monitorRequest, any]),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string {
	return Name
}

// formats opens a closed driver to read what it can produce. Drivers in use
// are left alone.
func formats(d Driver) (res []string) {
	if d.Status() == driver.StateRunning {
		return nil
	}
	if d.Status() == driver.StateClosed {
		if err := d.Open(); err != nil {
			klog.V(2).Infof("mediadevices: cannot open %s: %v", d.ID(), err)
			return nil
		}
		defer func() {
			if err := d.Close(); err != nil {
				klog.Errorf("mediadevices: failed to close %s: %v", d.ID(), err)
			}
		}()
	}

	seen := make(map[string]bool)
	for _, p := range d.Properties() {
		format := string(p.Video.FrameFormat)
		if format == "" || seen[format] {
			continue
		}
		seen[format] = true
		res = append(res, format)
	}
	sort.Strings(res)
	return res
}

func labelOf(d Driver) string {
	return strings.Split(d.Info().Label, mediadevicescamera.LabelSeparator)[0]
}

// identity is the first part of the driver label, the device node the camera
// adapter resolved. The driver ID is only used when the label is empty.
func identity(d Driver) device.TargetObject {
	if label := labelOf(d); label != "" {
		return device.TargetObject(label)
	}
	return device.TargetObject(d.ID())
}

func (b *Backend) toDevice(d Driver) *device.Info {
	info := d.Info()
	label := labelOf(d)

	name := strings.Split(info.Name, mediadevicescamera.LabelSeparator)[0]
	if name == "" {
		name = label
	}

	props := map[string]string{
		PropertyDriverID: d.ID(),
		PropertyLabel:    info.Label,
		PropertyStatus:   string(d.Status()),
	}
	if strings.HasPrefix(label, "/") {
		props[device.PropertyDevicePath] = label
	}

	return &device.Info{
		Name:   name,
		Class:  device.ClassVideoSource,
		Target: identity(d),
		Capability: &device.Caps{
			Formats: formats(d),
			Tags:    b.cfg.Infrared.Tags(name),
		},
		Props: props,
	}
}

type snapshot struct {
	order []device.TargetObject
	state map[device.TargetObject]*device.Info
}

func (s *snapshot) devices() []device.Device {
	res := make([]device.Device, 0, len(s.order))
	for _, target := range s.order {
		res = append(res, s.state[target])
	}
	return res
}

// poll queries the drivers. Known drivers are not probed again.
func (b *Backend) poll(prev *snapshot) *snapshot {
	next := &snapshot{state: make(map[device.TargetObject]*device.Info)}
	for _, d := range b.query() {
		target := identity(d)
		if _, dup := next.state[target]; dup {
			continue
		}
		dev, known := prev.state[target]
		if !known {
			dev = b.toDevice(d)
		}
		next.state[target] = dev
		next.order = append(next.order, target)
	}
	return next
}

// diff posts what changed between two polls.
func (b *Backend) diff(prev, next *snapshot) {
	for _, target := range prev.order {
		if _, found := next.state[target]; !found {
			b.bus.Post(device.DeviceRemoved{Device: prev.state[target]})
		}
	}
	for _, target := range next.order {
		if _, found := prev.state[target]; !found {
			b.bus.Post(device.DeviceAdded{Device: next.state[target]})
		}
	}
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	current := b.poll(&snapshot{})
	klog.V(2).Infof("mediadevices: found %d video driver(s)", len(current.order))

	ticker := b.clock.Ticker(b.cfg.PollInterval)
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.started = true
	go b.monitor(ticker, current, b.stop, b.done)

	return nil
}

func (b *Backend) monitor(ticker *clock.Ticker, current *snapshot, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			next := b.poll(current)
			b.diff(current, next)
			current = next
		case req := <-b.requests:
			req.Reply(current.devices())
		}
	}
}

func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return
	}
	close(b.stop)
	<-b.done
	b.started = false
}

func (b *Backend) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *Backend) Devices() []device.Device {
	b.mu.Lock()
	started, done := b.started, b.done
	b.mu.Unlock()

	if !started {
		return nil
	}

	await := mux.NewAwaitReply[monitorRequest, any](stateRequest{})
	select {
	case b.requests <- await:
		return await.Await().([]device.Device)
	case <-done:
		return nil
	}
}

func (b *Backend) Bus() *device.Bus {
	return b.bus
}

func (b *Backend) Supports(device.Capability) bool {
	return false
}

func (b *Backend) SetFD(int) error {
	return device.ErrUnsupported
}

func (b *Backend) Close() {
	b.Stop()
	b.bus.Close()
}

var _ device.Backend = (*Backend)(nil)
