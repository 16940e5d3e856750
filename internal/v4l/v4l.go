// Package v4l discovers cameras by watching video4linux device nodes and
// reading their sysfs attributes. It needs neither udev nor a media server.
package v4l

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

const Name = "v4l2deviceprovider"

const PropertyDevNum = "device.devnum"

var nodeRe = regexp.MustCompile(`^video(\d+)$`)

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
	cfg      device.Config
	bus      *device.Bus
	requests chan mux.AwaitReply[monitorRequest, any]

	mu      sync.Mutex
	started bool
	watcher *fsnotify.Watcher
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg device.Config) *Backend {
	return &Backend{
		cfg:      cfg.WithDefaults(),
		bus:      device.NewBus(),
		requests: make(chan mux.AwaitReply[monitorRequest, any]),
	}
}

func (b *Backend) Name() string {
	return Name
}

// nodeNumber returns the number of a /dev/videoN node, or -1.
func nodeNumber(name string) int {
	m := nodeRe.FindStringSubmatch(name)
	if m == nil {
		return -1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return n
}

func (b *Backend) readAttr(node, attr string) string {
	data, err := os.ReadFile(filepath.Join(b.cfg.SysDir, node, attr))
	if err != nil {
		klog.V(5).Infof("v4l: no %s for %s: %v", attr, node, err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

// probe describes the node called name under the device directory.
func (b *Backend) probe(name string) *device.Info {
	path := filepath.Join(b.cfg.DevDir, name)

	displayName := b.readAttr(name, "name")
	if displayName == "" {
		displayName = name
	}

	// Only the first node of a camera captures frames. The others carry
	// metadata.
	class := device.ClassVideoSource
	if index := b.readAttr(name, "index"); index != "" && index != "0" {
		class = device.ClassMetadata
	}

	target := device.TargetObject(path)
	if resolved, err := filepath.EvalSymlinks(filepath.Join(b.cfg.SysDir, name)); err == nil {
		target = device.TargetObject(resolved)
	}

	props := map[string]string{
		device.PropertyDevicePath: path,
	}
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err == nil && st.Mode&unix.S_IFMT == unix.S_IFCHR {
		rdev := uint64(st.Rdev)
		props[PropertyDevNum] = fmt.Sprintf("%d:%d", unix.Major(rdev), unix.Minor(rdev))
	}
	if driver, err := os.Readlink(filepath.Join(b.cfg.SysDir, name, "device", "driver")); err == nil {
		props[device.PropertyDriver] = filepath.Base(driver)
	}

	return &device.Info{
		Name:       displayName,
		Class:      class,
		Target:     target,
		Capability: &device.Caps{Tags: b.cfg.Infrared.Tags(displayName)},
		Props:      props,
	}
}

// scan lists the video nodes sorted by number.
func (b *Backend) scan() (map[string]*device.Info, []string, error) {
	entries, err := os.ReadDir(b.cfg.DevDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", b.cfg.DevDir, err)
	}

	var names []string
	for _, entry := range entries {
		if nodeNumber(entry.Name()) >= 0 {
			names = append(names, entry.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool {
		return nodeNumber(names[i]) < nodeNumber(names[j])
	})

	state := make(map[string]*device.Info, len(names))
	for _, name := range names {
		state[name] = b.probe(name)
	}
	return state, names, nil
}

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("failed to create fsnotifier watcher: %v", err)
		return fmt.Errorf("failed to create fsnotifier watcher: %w", err)
	}
	if err := watcher.Add(b.cfg.DevDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", b.cfg.DevDir, err)
	}

	state, order, err := b.scan()
	if err != nil {
		watcher.Close()
		return err
	}
	klog.V(2).Infof("v4l: found %d video node(s) in %s", len(order), b.cfg.DevDir)

	b.watcher = watcher
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.started = true
	go b.monitor(watcher, state, order, b.stop, b.done)

	return nil
}

func (b *Backend) monitor(watcher *fsnotify.Watcher, state map[string]*device.Info, order []string, stop, done chan struct{}) {
	defer close(done)
	defer watcher.Close()

	remove := func(name string) {
		dev, found := state[name]
		if !found {
			return
		}
		delete(state, name)
		for i, known := range order {
			if known == name {
				order = append(order[:i], order[i+1:]...)
				break
			}
		}
		b.bus.Post(device.DeviceRemoved{Device: dev})
	}

	for {
		select {
		case <-stop:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if nodeNumber(name) < 0 {
				continue
			}
			klog.V(5).Infof("v4l: %s", event)
			switch {
			case event.Has(fsnotify.Create):
				if _, found := state[name]; found {
					continue
				}
				dev := b.probe(name)
				state[name] = dev
				order = append(order, name)
				b.bus.Post(device.DeviceAdded{Device: dev})
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				remove(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("v4l: watch error on %s: %v", b.cfg.DevDir, err)
			b.bus.Post(device.ErrorMessage{Source: b.cfg.DevDir, Err: err})
		case req := <-b.requests:
			devices := make([]device.Device, 0, len(order))
			for _, name := range order {
				devices = append(devices, state[name])
			}
			req.Reply(devices)
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
	b.watcher = nil
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
