package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
	"github.com/ydb-platform/camera-manager/internal/provider"
)

type configSource interface {
	String() string
	open() (io.Reader, func() error, error)
}

type fileConfigSource struct {
	path string
}

func (fcs *fileConfigSource) open() (io.Reader, func() error, error) {
	file, err := os.Open(fcs.path)
	if err != nil {
		return nil, nil, err
	}
	return file, file.Close, nil
}

func (fcs *fileConfigSource) String() string {
	return "file:" + fcs.path
}

type envConfigSource struct {
	variable string
}

func (ecs *envConfigSource) open() (io.Reader, func() error, error) {
	data := os.Getenv(ecs.variable)
	if data == "" {
		return nil, nil, fmt.Errorf("config: environment variable %s is not set", ecs.variable)
	}
	return strings.NewReader(data), func() error { return nil }, nil
}

func (ecs *envConfigSource) String() string {
	return "env:" + ecs.variable
}

type stdinConfigSource struct{}

func (scs *stdinConfigSource) open() (io.Reader, func() error, error) {
	return os.Stdin, func() error { return nil }, nil
}

func (scs *stdinConfigSource) String() string {
	return "stdin"
}

// ConfigFlag is a flag.Value that selects where the configuration is read
// from.
type ConfigFlag struct {
	configSource
}

func (cf *ConfigFlag) Set(value string) error {
	switch {
	case strings.HasPrefix(value, "file:"):
		cf.configSource = &fileConfigSource{path: strings.TrimPrefix(value, "file:")}
	case strings.HasPrefix(value, "env:"):
		cf.configSource = &envConfigSource{variable: strings.TrimPrefix(value, "env:")}
	case value == "stdin":
		cf.configSource = &stdinConfigSource{}
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.configSource == nil {
		return ""
	}
	return cf.configSource.String()
}

var (
	deviceDomainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

const defaultListen = ":8080"

type DevicePluginConfig struct {
	Enabled bool   `yaml:"enabled"`
	Domain  string `yaml:"domain"`
	Dir     string `yaml:"dir,omitempty"` // kubelet device plugin directory override
}

func (dc *DevicePluginConfig) validate() error {
	if !dc.Enabled {
		return nil
	}
	if dc.Domain == "" {
		return fmt.Errorf(".domain: must be set")
	}
	if !deviceDomainRegex.MatchString(dc.Domain) {
		return fmt.Errorf(".domain: %q must be a valid domain name", dc.Domain)
	}
	return nil
}

type Config struct {
	Backend       string             `yaml:"backend"`
	Infrared      []string           `yaml:"infrared"`       // regexps on display names
	PollInterval  time.Duration      `yaml:"poll_interval"`  // mediadevices backend
	DevDir        string             `yaml:"dev_dir"`        // v4l backend
	SysDir        string             `yaml:"sys_dir"`        // v4l backend
	DefaultCamera string             `yaml:"default_camera"` // regexp on name, class or bus
	Timeout       time.Duration      `yaml:"timeout"`
	Listen        string             `yaml:"listen"`
	DevicePlugin  DevicePluginConfig `yaml:"device_plugin"`

	infrared      device.InfraredMatcher
	defaultCamera *regexp.Regexp
}

func (c *Config) validate() error {
	var errs error

	if c.Backend == "" {
		c.Backend = provider.DefaultBackend
	}
	if backends := device.Backends(); !slices.Contains(backends, c.Backend) {
		errs = errors.Join(errs, fmt.Errorf(".backend: %q must be one of %v", c.Backend, backends))
	}

	c.infrared = nil
	for i, expr := range c.Infrared {
		matcher, err := regexp.Compile(expr)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf(".infrared[%d]: %q must be a valid regexp: %w", i, expr, err))
			continue
		}
		c.infrared = append(c.infrared, matcher)
	}

	if c.DefaultCamera != "" {
		matcher, err := regexp.Compile(c.DefaultCamera)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf(".default_camera: %q must be a valid regexp: %w", c.DefaultCamera, err))
		}
		c.defaultCamera = matcher
	}

	if c.PollInterval < 0 {
		errs = errors.Join(errs, fmt.Errorf(".poll_interval: %s must not be negative", c.PollInterval))
	}
	if c.Timeout < 0 {
		errs = errors.Join(errs, fmt.Errorf(".timeout: %s must not be negative", c.Timeout))
	}
	if c.Listen == "" {
		c.Listen = defaultListen
	}

	if err := c.DevicePlugin.validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".device_plugin%w", err))
	}

	return errs
}

func (c *Config) deviceConfig() device.Config {
	return device.Config{
		Infrared:     c.infrared,
		PollInterval: c.PollInterval,
		DevDir:       c.DevDir,
		SysDir:       c.SysDir,
	}
}

// selector picks the default camera. Without default_camera no camera is the
// default.
func (c *Config) selector() func(*provider.Camera) bool {
	if c.defaultCamera == nil {
		return nil
	}
	matches := func(field func(*provider.Camera) string) mux.FilterFunc[*provider.Camera] {
		return func(camera *provider.Camera) bool {
			return c.defaultCamera.MatchString(field(camera))
		}
	}
	return mux.Or(
		matches((*provider.Camera).DisplayName),
		matches((*provider.Camera).DeviceClass),
		matches(func(camera *provider.Camera) string {
			return camera.Property(device.PropertyBus)
		}),
	)
}

func parseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := &Config{}
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}
