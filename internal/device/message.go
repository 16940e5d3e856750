package device

import "fmt"

// Message is posted by a backend on its Bus.
type Message interface {
	messageSealed()
}

type ErrorMessage struct {
	// Source is the path of the object that raised the error, if known.
	Source string
	Err    error
	Debug  string
}

func (ErrorMessage) messageSealed() {}

func (m ErrorMessage) String() string {
	return fmt.Sprintf("Error from %q: %v (%s)", m.Source, m.Err, m.Debug)
}

type DeviceAdded struct {
	Device
}

func (DeviceAdded) messageSealed() {}

type DeviceRemoved struct {
	Device
}

func (DeviceRemoved) messageSealed() {}

type DeviceChanged struct {
	Device
	Old Device
}

func (DeviceChanged) messageSealed() {}

type ProviderStarted struct{}

func (ProviderStarted) messageSealed() {}

type ProviderStopped struct{}

func (ProviderStopped) messageSealed() {}
