package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	prom "github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/httpapi"
	"github.com/ydb-platform/camera-manager/internal/metrics"
	"github.com/ydb-platform/camera-manager/internal/plugin"
	"github.com/ydb-platform/camera-manager/internal/provider"

	_ "github.com/ydb-platform/camera-manager/internal/mediadev"
	_ "github.com/ydb-platform/camera-manager/internal/udev"
	_ "github.com/ydb-platform/camera-manager/internal/v4l"
)

func main() {
	appContext, appCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer appCancel()
	appWaitGroup := &sync.WaitGroup{}

	flags := initFlags()
	config := flags.config

	if err := provider.Configure(config.Backend, config.deviceConfig()); err != nil {
		klog.Fatalf("failed to configure device provider: %v", err)
	}
	devices := provider.Instance()

	reg := prom.NewRegistry()
	metrics.RegisterCollectors(reg)
	m := metrics.New(reg)
	m.Observe(devices)

	tracker := availability.New(availability.WithTimeout(config.Timeout))
	m.ObserveAvailability(tracker)
	tracker.Watch(devices)

	opts := []httpapi.Option{
		httpapi.WithTracker(tracker),
		httpapi.WithGatherer(reg),
	}
	if config.DevicePlugin.Enabled {
		registry, err := newRegistry(appContext, appWaitGroup, config.DevicePlugin)
		if err != nil {
			klog.Fatalf("failed to create plugin registry: %v", err)
		}
		resource := plugin.NewCameraResource(config.DevicePlugin.Domain)
		plugin.Track(devices, resource)
		if err := registry.Add(resource); err != nil {
			// The registry registers again once the kubelet socket shows up.
			klog.Errorf("failed to register %q: %v", resource.Name(), err)
		}
		opts = append(opts, httpapi.WithProbe(registry.Probe))
	}
	server := httpapi.New(config.Listen, devices, opts...)

	handOverFD(devices, flags.PipewireFD)

	if err := devices.StartWithDefault(config.selector()); err != nil {
		klog.Errorf("failed to start camera discovery: %v", err)
		tracker.Fail(err)
	}

	if err := server.Start(appContext); err != nil {
		klog.Fatalf("failed to start http server: %v", err)
	}

	<-appContext.Done()
	klog.Info("Shutting down")

	server.Close()
	tracker.Close()
	devices.Close()
	appWaitGroup.Wait()
}

// openFD checks that fd is an open descriptor inherited from the parent and
// wraps it.
func openFD(fd int) (*os.File, error) {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("descriptor %d is not usable: %w", fd, err)
	}
	return os.NewFile(uintptr(fd), fmt.Sprintf("pipewire-remote:%d", fd)), nil
}

func handOverFD(devices *provider.Provider, fd int) {
	if fd < 0 {
		return
	}

	file, err := openFD(fd)
	if err != nil {
		klog.Errorf("failed to open pipewire remote: %v", err)
		return
	}

	if err := devices.SetFD(file); err != nil {
		if errors.Is(err, provider.ErrOldVersion) {
			klog.Warningf("discovery backend %q cannot use the pipewire remote, continuing without it", devices.BackendName())
		} else {
			klog.Errorf("failed to hand over pipewire remote: %v", err)
		}
		file.Close()
	}
}

func newRegistry(ctx context.Context, wg *sync.WaitGroup, config DevicePluginConfig) (*plugin.Registry, error) {
	var opts []plugin.RegistryOption
	if config.Dir != "" {
		opts = append(opts, plugin.WithPluginDir(config.Dir))
	}
	return plugin.NewRegistry(ctx, wg, opts...)
}

type FlagValues struct {
	Config     ConfigFlag
	PipewireFD int

	config *Config
}

func initFlags() FlagValues {
	values := FlagValues{}
	flags := flag.NewFlagSet("camera-manager", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin")`)
	flags.IntVar(&values.PipewireFD, "pipewire-fd", -1, "inherited descriptor of a pipewire remote to hand to the discovery backend")
	flags.Parse(os.Args[1:])
	if values.Config.configSource == nil {
		flags.Output().Write([]byte("config flag is required\n"))
		flags.Usage()
		os.Exit(2)
	}
	configReader, configCloser, err := values.Config.open()
	if err != nil {
		klog.Fatalf("failed to open --config %q: %v", values.Config.String(), err)
	}
	defer configCloser()

	config, err := parseConfig(configReader)
	if err != nil {
		klog.Fatalf("failed to parse --config %q: %v", values.Config.String(), err)
	}

	values.config = config

	return values
}
