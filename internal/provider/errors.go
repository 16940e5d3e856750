package provider

import (
	"errors"
	"fmt"
)

var (
	ErrMissingPlugin = errors.New("missing discovery plugin")
	// ErrProvidedStarted is returned when a descriptor is set after discovery
	// started.
	ErrProvidedStarted = errors.New("device provider already started")
	// ErrOldVersion means the backend cannot take a descriptor. The caller
	// keeps ownership of it.
	ErrOldVersion = errors.New("discovery backend does not support file descriptors")
	ErrClosed     = errors.New("device provider is closed")
)

type MissingPluginError struct {
	Name string
}

func (e *MissingPluginError) Error() string {
	return fmt.Sprintf("missing discovery plugin %q", e.Name)
}

func (e *MissingPluginError) Is(target error) bool {
	return target == ErrMissingPlugin
}

// watchError is raised to the caller of Start when the bus watch cannot be
// installed.
type watchError struct {
	err error
}

func (e watchError) Error() string {
	return fmt.Sprintf("failed to add bus watch: %v", e.err)
}

func (e watchError) Unwrap() error {
	return e.err
}
