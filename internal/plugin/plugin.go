package plugin

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kennygrant/sanitize"

	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

const probeTimeout = 1 * time.Second

var ErrCameraGone = errors.New("camera is no longer connected")

// plugin serves one Resource to the kubelet over its own unix socket.
type plugin struct {
	resource Resource
	dir      string
	server   *grpc.Server
	cancel   context.CancelFunc
	done     chan struct{}
}

func newPlugin(resource Resource, dir string, ctx context.Context, wg *sync.WaitGroup) (*plugin, error) {
	p := &plugin{
		resource: resource,
		dir:      dir,
		server:   grpc.NewServer(),
		done:     make(chan struct{}),
	}
	pluginapi.RegisterDevicePluginServer(p.server, p)

	socket := p.socket()
	if err := os.Remove(socket); err != nil && !errors.Is(err, fs.ErrNotExist) {
		klog.Errorf("%q: failed to remove stale socket %q: %v", resource.Name(), socket, err)
		return nil, fmt.Errorf("failed to remove socket file %s: %w", socket, err)
	}
	listener, err := net.Listen("unix", socket)
	if err != nil {
		klog.Errorf("%q: failed to listen on socket %q: %v", resource.Name(), socket, err)
		return nil, fmt.Errorf("failed to listen on socket %s: %w", socket, err)
	}

	ctx, p.cancel = context.WithCancel(ctx)
	served := make(chan error, 1)
	go func() {
		served <- p.server.Serve(listener)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(p.done)

		klog.Infof("Serving device plugin %q on socket %q", resource.Name(), socket)
		select {
		case <-ctx.Done():
			// Stop closes the listener, which unlinks the socket.
			p.server.Stop()
			<-served
		case err := <-served:
			klog.Errorf("%q: device plugin server stopped: %v", resource.Name(), err)
		}
	}()

	return p, nil
}

// stop shuts the server down and waits until its socket is gone.
func (p *plugin) stop() {
	klog.Infof("%q: Stopping device plugin", p.resource.Name())
	p.cancel()
	<-p.done
}

func (p *plugin) endpoint() string {
	return sanitize.BaseName(p.resource.Name()) + ".sock"
}

func (p *plugin) socket() string {
	return filepath.Join(p.dir, p.endpoint())
}

func (p *plugin) options() *pluginapi.DevicePluginOptions {
	return &pluginapi.DevicePluginOptions{GetPreferredAllocationAvailable: true}
}

func (p *plugin) GetDevicePluginOptions(context.Context, *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return p.options(), nil
}

func (p *plugin) PreStartContainer(context.Context, *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

func toDevices(instances []Instance) []*pluginapi.Device {
	devices := make([]*pluginapi.Device, len(instances))
	for i, instance := range instances {
		devices[i] = &pluginapi.Device{
			ID:       string(instance.Id()),
			Health:   instance.Health().String(),
			Topology: instance.TopologyHints(),
		}
	}
	return devices
}

func (p *plugin) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) (err error) {
	defer func() {
		klog.Infof("%q: closing ListAndWatch connection, err = %v", p.resource.Name(), err)
	}()

	for instances := range p.resource.ListAndWatch(stream.Context()) {
		devices := toDevices(instances)
		klog.V(2).Infof("%q: advertising %d camera(s): %+v", p.resource.Name(), len(devices), devices)
		if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: devices}); err != nil {
			klog.Errorf("%q: failed to send devices to ListAndWatch stream: %v", p.resource.Name(), err)
			return err
		}
	}
	return nil
}

func toIds(ids []string) []Id {
	res := make([]Id, len(ids))
	for i, id := range ids {
		res[i] = Id(id)
	}
	return res
}

func (p *plugin) GetPreferredAllocation(_ context.Context, request *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	response := &pluginapi.PreferredAllocationResponse{}
	for _, req := range request.ContainerRequests {
		preferred := p.resource.Prefer(toIds(req.AvailableDeviceIDs), toIds(req.MustIncludeDeviceIDs), int(req.AllocationSize))
		ids := make([]string, len(preferred))
		for i, id := range preferred {
			ids[i] = string(id)
		}
		klog.V(2).Infof("%q: preferring %v out of %v", p.resource.Name(), ids, req.AvailableDeviceIDs)
		response.ContainerResponses = append(response.ContainerResponses, &pluginapi.ContainerPreferredAllocationResponse{
			DeviceIDs: ids,
		})
	}
	return response, nil
}

// mergeAllocations folds the responses of several cameras into the response
// for one container. Device nodes appear once; env values of different
// cameras are joined with a comma.
func mergeAllocations(responses ...*pluginapi.ContainerAllocateResponse) *pluginapi.ContainerAllocateResponse {
	merged := &pluginapi.ContainerAllocateResponse{}
	envs := make(map[string][]string)
	for _, r := range responses {
		for _, dev := range r.Devices {
			if !slices.ContainsFunc(merged.Devices, func(d *pluginapi.DeviceSpec) bool { return d.HostPath == dev.HostPath }) {
				merged.Devices = append(merged.Devices, dev)
			}
		}
		merged.Mounts = append(merged.Mounts, r.Mounts...)
		for key, value := range r.Envs {
			if !slices.Contains(envs[key], value) {
				envs[key] = append(envs[key], value)
			}
		}
		for key, value := range r.Annotations {
			if merged.Annotations == nil {
				merged.Annotations = make(map[string]string)
			}
			if prev, ok := merged.Annotations[key]; ok && prev != value {
				value = prev + "," + value
			}
			merged.Annotations[key] = value
		}
	}
	if len(envs) > 0 {
		merged.Envs = make(map[string]string, len(envs))
		for key, values := range envs {
			merged.Envs[key] = strings.Join(values, ",")
		}
	}
	return merged
}

func (p *plugin) Allocate(ctx context.Context, request *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	klog.Infof("%q: Received allocation request", p.resource.Name())
	klog.V(2).Infof("%+v", request)

	instances := p.resource.Instances()
	response := &pluginapi.AllocateResponse{}
	for _, containerRequest := range request.ContainerRequests {
		allocations := make([]*pluginapi.ContainerAllocateResponse, 0, len(containerRequest.DevicesIDs))
		for _, id := range containerRequest.DevicesIDs {
			instance, found := instances[Id(id)]
			if !found {
				klog.Errorf("%q: device with ID %q not found", p.resource.Name(), id)
				return nil, status.Errorf(codes.NotFound, "device with ID %q not found", id)
			}
			allocation, err := instance.Allocate(ctx)
			switch {
			case errors.Is(err, ErrCameraGone):
				klog.Errorf("%q: camera %q was unplugged", p.resource.Name(), id)
				return nil, status.Errorf(codes.FailedPrecondition, "device with ID %q is gone", id)
			case err != nil:
				klog.Errorf("%q: failed to allocate device with ID %q: %v", p.resource.Name(), id, err)
				return nil, status.Errorf(codes.Internal, "failed to allocate device with ID %q: %s", id, err.Error())
			}
			allocations = append(allocations, allocation)
		}
		response.ContainerResponses = append(response.ContainerResponses, mergeAllocations(allocations...))
	}

	klog.V(2).Infof("%q: Responding to allocation request with: %+v", p.resource.Name(), response)
	return response, nil
}

func (p *plugin) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	addr := "unix://" + p.socket()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create client for %q: %w", addr, err)
	}
	defer conn.Close()

	client := pluginapi.NewDevicePluginClient(conn)
	if _, err := client.GetDevicePluginOptions(ctx, &pluginapi.Empty{}); err != nil {
		klog.Errorf("%q: failed to get device plugin options: %v", p.resource.Name(), err)
		return fmt.Errorf("plugin[%q]: failed to get device plugin options: %w", p.resource.Name(), err)
	}

	return nil
}
