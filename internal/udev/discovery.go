package udev

import (
	"path/filepath"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
)

const (
	Subsystem = "video4linux"

	PropertyV4LCapabilities = "ID_V4L_CAPABILITIES"
	PropertyV4LProduct      = "ID_V4L_PRODUCT"
	PropertyModel           = "ID_MODEL"
	PropertyVendor          = "ID_VENDOR"
	PropertyShortSerial     = "ID_SERIAL_SHORT"
	PropertyBus             = "ID_BUS"
	PropertyUSBDriver       = "ID_USB_DRIVER"
	PropertyPath            = "ID_PATH"

	SysAttrName  = "name"
	SysAttrIndex = "index"

	ActionAdd     = "add"
	ActionRemove  = "remove"
	ActionChange  = "change"
	ActionOffline = "offline"
	ActionOnline  = "online"
)

// Source is the part of a libudev device the backend reads.
type Source interface {
	Syspath() string
	Devnode() string
	Subsystem() string
	PropertyValue(key string) string
	SysattrValue(key string) string
}

func property(src Source, key string) string {
	return strings.TrimSpace(src.PropertyValue(key))
}

func sysattr(src Source, key string) string {
	return strings.TrimSpace(src.SysattrValue(key))
}

// deviceClass maps the capabilities reported by v4l_id to a device class.
func deviceClass(src Source) string {
	caps := property(src, PropertyV4LCapabilities)
	switch {
	case strings.Contains(caps, ":capture:"):
		if index := sysattr(src, SysAttrIndex); index != "" && index != "0" {
			return device.ClassMetadata
		}
		return device.ClassVideoSource
	case strings.Contains(caps, ":video_output:"):
		return device.ClassVideoSink
	}
	return device.ClassMetadata
}

func displayName(src Source) string {
	if name := property(src, PropertyV4LProduct); name != "" {
		return name
	}
	if name := sysattr(src, SysAttrName); name != "" {
		return name
	}
	return filepath.Base(src.Syspath())
}

// ToDevice converts a video4linux udev device. The sysfs path is its
// identity.
func ToDevice(src Source, infrared device.InfraredMatcher) *device.Info {
	name := displayName(src)
	props := map[string]string{
		device.PropertyDevicePath: src.Devnode(),
	}
	for key, udevKey := range map[string]string{
		device.PropertyBus:     PropertyBus,
		device.PropertyProduct: PropertyModel,
		device.PropertyVendor:  PropertyVendor,
		device.PropertySerial:  PropertyShortSerial,
		device.PropertyDriver:  PropertyUSBDriver,
		"device.id-path":       PropertyPath,
	} {
		if value := property(src, udevKey); value != "" {
			props[key] = value
		}
	}

	return &device.Info{
		Name:       name,
		Class:      deviceClass(src),
		Target:     device.TargetObject(src.Syspath()),
		Capability: &device.Caps{Tags: infrared.Tags(name)},
		Props:      props,
	}
}

// tracker remembers what was reported so that removals carry the device
// that was announced. It is owned by the monitor goroutine.
type tracker struct {
	infrared device.InfraredMatcher
	bus      *device.Bus
	state    map[device.TargetObject]*device.Info
	order    []device.TargetObject
}

func newTracker(infrared device.InfraredMatcher, bus *device.Bus) *tracker {
	return &tracker{
		infrared: infrared,
		bus:      bus,
		state:    make(map[device.TargetObject]*device.Info),
	}
}

// reset replaces the state with an enumeration result without posting
// anything.
func (t *tracker) reset(srcs []Source) {
	t.state = make(map[device.TargetObject]*device.Info)
	t.order = nil
	for _, src := range srcs {
		if src == nil {
			klog.Error("udev device is nil!")
			continue
		}
		t.put(ToDevice(src, t.infrared))
	}
}

func (t *tracker) put(dev *device.Info) {
	if _, found := t.state[dev.Target]; !found {
		t.order = append(t.order, dev.Target)
	}
	t.state[dev.Target] = dev
}

func (t *tracker) delete(target device.TargetObject) {
	delete(t.state, target)
	for i, known := range t.order {
		if known == target {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}

func (t *tracker) devices() []device.Device {
	res := make([]device.Device, 0, len(t.order))
	for _, target := range t.order {
		res = append(res, t.state[target])
	}
	return res
}

func (t *tracker) handle(action string, src Source) {
	if src.Subsystem() != Subsystem {
		return
	}

	target := device.TargetObject(src.Syspath())
	switch action {
	case ActionAdd, ActionOnline:
		dev := ToDevice(src, t.infrared)
		t.put(dev)
		t.bus.Post(device.DeviceAdded{Device: dev})
	case ActionRemove, ActionOffline:
		dev, found := t.state[target]
		if !found {
			klog.V(2).Infof("removal of unknown video device %s", target)
			dev = ToDevice(src, t.infrared)
		}
		t.delete(target)
		t.bus.Post(device.DeviceRemoved{Device: dev})
	case ActionChange:
		old, found := t.state[target]
		dev := ToDevice(src, t.infrared)
		t.put(dev)
		if found {
			t.bus.Post(device.DeviceChanged{Device: dev, Old: old})
		} else {
			t.bus.Post(device.DeviceAdded{Device: dev})
		}
	default:
		klog.V(5).Infof("ignoring udev action %q on %s", action, target)
	}
}
