package provider

import (
	"fmt"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

// Camera is one discovered camera. Its identity is the target object of the
// wrapped device; name and properties may differ between reports of the same
// hardware.
type Camera struct {
	dev device.Device
}

func NewCamera(dev device.Device) *Camera {
	return &Camera{dev: dev}
}

func (c *Camera) Device() device.Device {
	return c.dev
}

func (c *Camera) DisplayName() string {
	return c.dev.DisplayName()
}

func (c *Camera) DeviceClass() string {
	return c.dev.DeviceClass()
}

func (c *Camera) Caps() *device.Caps {
	return c.dev.Caps()
}

func (c *Camera) TargetObject() device.TargetObject {
	return c.dev.TargetObject()
}

func (c *Camera) Properties() map[string]string {
	return c.dev.Properties()
}

func (c *Camera) Property(key string) string {
	return c.dev.Properties()[key]
}

func (c *Camera) SameDevice(other *Camera) bool {
	return other != nil && c.TargetObject() == other.TargetObject()
}

func (c *Camera) String() string {
	return fmt.Sprintf("Camera[%q, target-object=%s]", c.DisplayName(), c.TargetObject())
}

func isVideoSource(dev device.Device) bool {
	return dev != nil && dev.DeviceClass() == device.ClassVideoSource
}

func isInfrared(dev device.Device) bool {
	return dev.Caps().IsInfrared()
}

// trackable is the policy every device added through the bus must pass.
var trackable = mux.And(isVideoSource, mux.Not(isInfrared))
