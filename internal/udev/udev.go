// Package udev discovers cameras through libudev: video4linux devices are
// enumerated on start and followed through the netlink monitor.
package udev

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	libudev "github.com/jochenvg/go-udev"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

const Name = "udevdeviceprovider"

const retryInterval = time.Second

func init() {
	device.Register(Name, func(cfg device.Config) (device.Backend, error) {
		return New(cfg), nil
	})
}

type monitorRequest interface {
	requestSealed()
}

type stateRequest struct{}

func (stateRequest) requestSealed() {}

type Backend struct {
	udev     libudev.Udev
	cfg      device.Config
	bus      *device.Bus
	requests chan mux.AwaitReply[monitorRequest, any]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(cfg device.Config) *Backend {
	return &Backend{
		cfg:      cfg,
		bus:      device.NewBus(),
		requests: make(chan mux.AwaitReply[monitorRequest, any]),
	}
}

func (b *Backend) Name() string {
	return Name
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	// The monitor is connected before enumerating so that nothing plugged
	// in between is lost. Duplicate adds are harmless.
	ctx, cancel := context.WithCancel(context.Background())
	devChan, errChan, err := b.connect(ctx)
	if err != nil {
		cancel()
		return err
	}

	srcs, err := b.enumerate()
	if err != nil {
		cancel()
		return err
	}

	t := newTracker(b.cfg.Infrared, b.bus)
	t.reset(srcs)
	klog.V(2).Infof("udev: found %d video4linux device(s)", len(t.order))

	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.monitor(ctx, t, devChan, errChan, b.done)

	return nil
}

func (b *Backend) connect(ctx context.Context) (<-chan *libudev.Device, <-chan error, error) {
	mon := b.udev.NewMonitorFromNetlink("udev")
	if mon == nil {
		return nil, nil, errors.New("failed to create udev monitor")
	}
	if err := mon.FilterAddMatchSubsystem(Subsystem); err != nil {
		return nil, nil, fmt.Errorf("failed to filter udev monitor: %w", err)
	}
	devChan, errChan, err := mon.DeviceChan(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create device channel: %w", err)
	}
	return devChan, errChan, nil
}

func (b *Backend) enumerate() ([]Source, error) {
	enum := b.udev.NewEnumerate()
	if err := enum.AddMatchSubsystem(Subsystem); err != nil {
		return nil, fmt.Errorf("failed to match subsystem %s: %w", Subsystem, err)
	}
	if err := enum.AddMatchIsInitialized(); err != nil {
		return nil, fmt.Errorf("failed to match initialized devices: %w", err)
	}

	devs, err := enum.Devices()
	if err != nil {
		klog.Errorf("Failed to enumerate devices: %v", err)
		return nil, err
	}

	srcs := make([]Source, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		srcs = append(srcs, dev)
	}
	return srcs, nil
}

func (b *Backend) monitor(
	ctx context.Context,
	t *tracker,
	devChan <-chan *libudev.Device,
	errChan <-chan error,
	done chan struct{},
) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case dev, ok := <-devChan:
			if !ok {
				devChan = nil
				continue
			}
			if dev == nil {
				continue
			}
			klog.V(5).Infof("Received device event (%s): %s", dev.Action(), dev.Syspath())
			t.handle(dev.Action(), dev)
		case req := <-b.requests:
			switch req.Value().(type) {
			case stateRequest:
				req.Reply(t.devices())
			default:
				req.Reply(nil)
			}
		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			klog.Errorf("Error from udev monitor, will try to retry connecting to udev: %v", err)
			for {
				devChan, errChan, err = b.connect(ctx)
				if err == nil {
					break
				}
				klog.Errorf("Failed to reconnect to udev, retrying: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(retryInterval):
				}
			}
			klog.Infof("Successfully reconnected to udev")
		}
	}
}

// Stop disconnects the monitor and waits for it to exit.
func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started {
		return
	}
	b.cancel()
	<-b.done
	b.started = false
}

func (b *Backend) IsStarted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// Devices returns the devices seen by the monitor, in discovery order.
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
