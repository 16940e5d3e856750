package plugin

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/kennygrant/sanitize"
	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
	"github.com/ydb-platform/camera-manager/internal/provider"
)

const CameraResourceSuffix = "camera"

type Health interface {
	String() string
	sealed()
}

type Healthy struct{}

func (Healthy) sealed() {}

func (Healthy) String() string {
	return pluginapi.Healthy
}

type Unhealthy struct{}

func (Unhealthy) sealed() {}

func (Unhealthy) String() string {
	return pluginapi.Unhealthy
}

type Id string

type Instance interface {
	Id() Id
	Health() Health
	TopologyHints() *pluginapi.TopologyInfo
	Allocate(context.Context) (*pluginapi.ContainerAllocateResponse, error)
}

type Resource interface {
	Name() string
	Instances() map[Id]Instance
	ListAndWatch(context.Context) <-chan []Instance
	// Prefer picks size ids out of available, keeping every id of
	// mustInclude.
	Prefer(available, mustInclude []Id, size int) []Id
}

// cameraInstance is one camera advertised to the kubelet. Cameras that went
// away stay listed as unhealthy so that pods holding them are noticed.
type cameraInstance struct {
	camera *provider.Camera
	health Health
}

func CameraId(camera *provider.Camera) Id {
	return Id(sanitize.BaseName(string(camera.TargetObject())))
}

func (c *cameraInstance) Id() Id {
	return CameraId(c.camera)
}

func (c *cameraInstance) Health() Health {
	return c.health
}

func (c *cameraInstance) TopologyHints() *pluginapi.TopologyInfo {
	return nil
}

func (c *cameraInstance) Allocate(context.Context) (*pluginapi.ContainerAllocateResponse, error) {
	if _, ok := c.health.(Unhealthy); ok {
		return nil, ErrCameraGone
	}
	response := &pluginapi.ContainerAllocateResponse{
		Envs: map[string]string{
			"CAMERA_NAME": c.camera.DisplayName(),
		},
		Annotations: map[string]string{
			"camera-manager/target-object": string(c.camera.TargetObject()),
		},
	}
	if path := c.camera.Property(device.PropertyDevicePath); path != "" {
		response.Devices = append(response.Devices, &pluginapi.DeviceSpec{
			ContainerPath: path,
			HostPath:      path,
			Permissions:   "rw",
		})
	}
	return response, nil
}

// CameraResource exposes the tracked cameras as the extended resource
// <domain>/camera.
type CameraResource struct {
	domain string
	mux    *mux.Mux[[]Instance]

	mu        sync.Mutex
	instances map[Id]*cameraInstance
	preferred Id
}

func NewCameraResource(domain string) *CameraResource {
	return &CameraResource{
		domain:    domain,
		mux:       mux.Make[[]Instance](mux.Buffered[[]Instance](1)),
		instances: make(map[Id]*cameraInstance),
	}
}

func (r *CameraResource) Name() string {
	return r.domain + "/" + CameraResourceSuffix
}

func (r *CameraResource) Instances() map[Id]Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make(map[Id]Instance, len(r.instances))
	for id, instance := range r.instances {
		res[id] = instance
	}
	return res
}

func (r *CameraResource) list() []Instance {
	res := make([]Instance, 0, len(r.instances))
	for _, instance := range r.instances {
		res = append(res, instance)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Id() < res[j].Id()
	})
	return res
}

// Update replaces the healthy set with cameras. Instances not in cameras
// turn unhealthy. preferred, if not nil, is handed out first.
func (r *CameraResource) Update(cameras []*provider.Camera, preferred *provider.Camera) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.preferred = ""
	if preferred != nil {
		r.preferred = CameraId(preferred)
	}

	present := make(map[Id]bool, len(cameras))
	for _, camera := range cameras {
		id := CameraId(camera)
		present[id] = true
		r.instances[id] = &cameraInstance{camera: camera, health: Healthy{}}
	}
	for id, instance := range r.instances {
		if !present[id] {
			r.instances[id] = &cameraInstance{camera: instance.camera, health: Unhealthy{}}
		}
	}

	klog.V(2).Infof("%q: %d healthy camera(s) of %d", r.Name(), len(present), len(r.instances))
	if err := r.mux.Submit(r.list()); err != nil {
		klog.Errorf("%q: failed to publish instances: %v", r.Name(), err)
	}
}

// latest feeds ch keeping only the newest instance list.
func latest(ch chan []Instance) mux.Sink[[]Instance] {
	return mux.SinkFunc(func(instances []Instance) error {
		for {
			select {
			case ch <- instances:
				return nil
			default:
			}
			select {
			case <-ch:
			default:
			}
		}
	}, nil)
}

// ListAndWatch sends the current instances, then every update, until ctx
// is done.
func (r *CameraResource) ListAndWatch(ctx context.Context) <-chan []Instance {
	updates := make(chan []Instance, 1)
	out := make(chan []Instance, 1)

	cancel := r.mux.Subscribe(latest(updates))

	r.mu.Lock()
	out <- r.list()
	r.mu.Unlock()

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case instances := <-updates:
				select {
				case out <- instances:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

// Prefer hands out the must-include cameras, then the default camera, then
// the remaining healthy cameras in id order. Unhealthy cameras are never
// picked beyond mustInclude.
func (r *CameraResource) Prefer(available, mustInclude []Id, size int) []Id {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := make([]Id, 0, size)
	pick := func(id Id) {
		if len(res) < size && !slices.Contains(res, id) {
			res = append(res, id)
		}
	}

	for _, id := range mustInclude {
		pick(id)
	}

	candidates := make([]Id, 0, len(available))
	for _, id := range available {
		if instance, ok := r.instances[id]; ok {
			if _, healthy := instance.health.(Healthy); healthy {
				candidates = append(candidates, id)
			}
		}
	}
	slices.Sort(candidates)
	if slices.Contains(candidates, r.preferred) {
		pick(r.preferred)
	}
	for _, id := range candidates {
		pick(id)
	}

	return res
}

// Track keeps r in sync with the camera list and the default camera of p.
func Track(p *provider.Provider, r *CameraResource) mux.CancelFunc {
	return p.ConnectItemsChanged(func(v provider.View, _, _, _ int) {
		def, _ := v.DefaultCamera()
		r.Update(v.Cameras(), def)
	})
}
