package provider

import (
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
)

func (p *Provider) handleMessage(msg device.Message) {
	switch m := msg.(type) {
	case device.ErrorMessage:
		klog.Errorf("Error from %q: %v (%s)", m.Source, m.Err, m.Debug)
	case device.DeviceAdded:
		p.deviceAdded(m.Device)
	case device.DeviceRemoved:
		p.deviceRemoved(m.Device)
	default:
		klog.V(5).Infof("ignoring bus message %T", msg)
	}
}

func (p *Provider) indexOf(target device.TargetObject) int {
	for i, camera := range p.cameras {
		if camera.TargetObject() == target {
			return i
		}
	}
	return -1
}

func (p *Provider) deviceAdded(dev device.Device) {
	if !isVideoSource(dev) {
		return
	}
	if p.indexOf(dev.TargetObject()) >= 0 {
		klog.V(5).Infof("ignoring duplicate camera %q, target-object: %s", dev.DisplayName(), dev.TargetObject())
		return
	}
	if !trackable(dev) {
		klog.V(2).Infof("ignoring infrared camera %q", dev.DisplayName())
		return
	}

	camera := NewCamera(dev)
	klog.V(2).Infof("Camera added: %s, target-object: %s, properties: %v",
		camera.DisplayName(), camera.TargetObject(), camera.Properties())

	position := len(p.cameras)
	p.cameras = append(p.cameras, camera)
	p.emitItemsChanged(position, 0, 1)
	p.emitCameraAdded(camera)
}

func (p *Provider) deviceRemoved(dev device.Device) {
	if !isVideoSource(dev) {
		return
	}

	position := p.indexOf(dev.TargetObject())
	if position < 0 {
		klog.Errorf("Tried to remove camera with target-object %s but it was not in the list", dev.TargetObject())
		return
	}

	camera := p.cameras[position]
	p.cameras = append(p.cameras[:position], p.cameras[position+1:]...)
	klog.V(2).Infof("Camera removed: %s", camera.DisplayName())
	p.emitItemsChanged(position, 1, 0)
	p.emitCameraRemoved(camera)
}
