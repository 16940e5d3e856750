package device

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

const (
	ClassVideoSource = "Video/Source"
	ClassVideoSink   = "Video/Sink"
	ClassMetadata    = "Video/Metadata"

	TagInfrared = "infrared"

	// Well known property keys filled in by the backends.
	PropertyDevicePath = "device.path"
	PropertyDriver     = "device.driver"
	PropertyBus        = "device.bus"
	PropertyProduct    = "device.product.name"
	PropertyVendor     = "device.vendor.name"
	PropertySerial     = "device.serial"
)

// TargetObject identifies the hardware behind a Device. Two devices are the
// same camera iff their target objects are equal. The zero value carries no
// identity.
type TargetObject string

func (t TargetObject) String() string {
	if t == "" {
		return "<none>"
	}
	return string(t)
}

// Device is a device as reported by a discovery backend.
type Device interface {
	DisplayName() string
	DeviceClass() string
	// Caps may be nil when the backend knows nothing about the formats.
	Caps() *Caps
	TargetObject() TargetObject
	Properties() map[string]string
}

var grayFormats = map[string]bool{
	"GRAY8":     true,
	"GRAY16_LE": true,
	"GRAY16_BE": true,
	"GREY":      true,
	"Y8":        true,
	"Y10":       true,
	"Y12":       true,
	"Y16":       true,
	"Z16":       true,
}

// Caps describes what a device can produce.
type Caps struct {
	Formats []string
	Tags    []string
}

func (c *Caps) HasTag(tag string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Tags, tag)
}

// IsInfrared reports whether the device only produces grayscale frames or was
// tagged as infrared by its backend.
func (c *Caps) IsInfrared() bool {
	if c == nil {
		return false
	}
	if c.HasTag(TagInfrared) {
		return true
	}
	if len(c.Formats) == 0 {
		return false
	}
	for _, format := range c.Formats {
		if !grayFormats[strings.ToUpper(format)] {
			return false
		}
	}
	return true
}

func (c *Caps) String() string {
	if c == nil {
		return "Caps[]"
	}
	return fmt.Sprintf("Caps[Formats=%v, Tags=%v]", c.Formats, c.Tags)
}

// Info is a plain Device implementation shared by the backends.
type Info struct {
	Name       string
	Class      string
	Target     TargetObject
	Capability *Caps
	Props      map[string]string
}

// The accessors accept a nil receiver, which reads as a device without class
// or identity.

func (i *Info) DisplayName() string {
	if i == nil {
		return ""
	}
	return i.Name
}

func (i *Info) DeviceClass() string {
	if i == nil {
		return ""
	}
	return i.Class
}

func (i *Info) Caps() *Caps {
	if i == nil {
		return nil
	}
	return i.Capability
}

func (i *Info) TargetObject() TargetObject {
	if i == nil {
		return ""
	}
	return i.Target
}

func (i *Info) Properties() map[string]string {
	if i == nil {
		return nil
	}
	return i.Props
}

func (i *Info) String() string {
	if i == nil {
		return "Device[nil]"
	}
	return Debug(i)
}

func Debug(d Device) string {
	if d == nil {
		return "Device[nil]"
	}
	return fmt.Sprintf("Device[Name=%q, Class=%s, TargetObject=%s, %s, Properties=%v]",
		d.DisplayName(),
		d.DeviceClass(),
		d.TargetObject(),
		d.Caps(),
		d.Properties(),
	)
}

// InfraredMatcher tags devices as infrared by their display name. Several
// laptop IR sensors only announce themselves through the product name.
type InfraredMatcher []*regexp.Regexp

func (m InfraredMatcher) Tags(name string) []string {
	for _, re := range m {
		if re.MatchString(name) {
			return []string{TagInfrared}
		}
	}
	return nil
}
