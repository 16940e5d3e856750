package plugin

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

const registerTimeout = 5 * time.Second

// Registry serves every added Resource as a device plugin and keeps them
// registered with the kubelet across kubelet restarts.
type Registry struct {
	dir     string
	ctx     context.Context
	wg      *sync.WaitGroup
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	plugins map[string]*plugin
}

type RegistryOption func(*Registry)

// WithPluginDir overrides the kubelet device plugin directory. The kubelet
// socket is expected in the same directory.
func WithPluginDir(dir string) RegistryOption {
	return func(r *Registry) {
		r.dir = dir
	}
}

// NewRegistry watches the plugin directory until ctx is done. Goroutines it
// starts are tracked in wg.
func NewRegistry(ctx context.Context, wg *sync.WaitGroup, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		dir:     pluginapi.DevicePluginPath,
		ctx:     ctx,
		wg:      wg,
		plugins: make(map[string]*plugin),
	}
	for _, opt := range opts {
		opt(r)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("failed to create fsnotify watcher: %v", err)
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// The kubelet recreates its socket on restart, so the directory is
	// watched rather than the socket.
	if err := watcher.Add(r.dir); err != nil {
		watcher.Close()
		klog.Errorf("failed to watch %q: %v", r.dir, err)
		return nil, fmt.Errorf("failed to watch %s: %w", r.dir, err)
	}
	r.watcher = watcher

	r.wg.Add(1)
	go r.watch()

	return r, nil
}

func (r *Registry) kubeletSocket() string {
	return filepath.Join(r.dir, filepath.Base(pluginapi.KubeletSocket))
}

func (r *Registry) watch() {
	defer r.wg.Done()
	defer r.watcher.Close()

	for {
		select {
		case <-r.ctx.Done():
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && event.Name == r.kubeletSocket() {
				klog.Infof("kubelet socket %s created, serving plugins again", event.Name)
				r.restart()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			klog.Errorf("kubelet socket watch failed: %v", err)
		}
	}
}

// register announces p to the kubelet.
func (r *Registry) register(p *plugin) error {
	ctx, cancel := context.WithTimeout(r.ctx, registerTimeout)
	defer cancel()

	addr := "unix://" + r.kubeletSocket()
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		klog.Errorf("failed to create client for %q: %v", addr, err)
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			klog.Errorf("failed to close connection: %v", err)
		}
	}()

	_, err = pluginapi.NewRegistrationClient(conn).Register(ctx, &pluginapi.RegisterRequest{
		ResourceName: p.resource.Name(),
		Version:      pluginapi.Version,
		Endpoint:     p.endpoint(),
		Options:      p.options(),
	})
	if err != nil {
		klog.Infof("failed to register %q with kubelet: %v", p.resource.Name(), err)
		return fmt.Errorf("failed to register with kubelet: %w", err)
	}
	klog.Infof("registered %s with kubelet", p.resource.Name())
	return nil
}

// restart serves every plugin on a fresh socket and registers it again. A
// restarted kubelet wipes the plugin directory, see
// https://kubernetes.io/docs/concepts/extend-kubernetes/compute-storage-net/device-plugins/#handling-kubelet-restarts
func (r *Registry) restart() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, old := range r.plugins {
		old.stop()
		p, err := newPlugin(old.resource, r.dir, r.ctx, r.wg)
		if err != nil {
			klog.Errorf("failed to serve %s again: %v", name, err)
			delete(r.plugins, name)
			continue
		}
		r.plugins[name] = p
		if err := r.register(p); err != nil {
			klog.Errorf("failed to register %s: %v", name, err)
		}
	}
}

// Add serves resource and registers it with the kubelet. A resource name can
// only be added once. The plugin keeps being served when registration fails
// and is registered again once the kubelet comes up.
func (r *Registry) Add(resource Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := resource.Name()
	if _, loaded := r.plugins[name]; loaded {
		klog.Errorf("resource with name %q already exists", name)
		return fmt.Errorf("resource with name %q already exists", name)
	}

	p, err := newPlugin(resource, r.dir, r.ctx, r.wg)
	if err != nil {
		klog.Errorf("failed to serve resource %q: %v", name, err)
		return err
	}
	r.plugins[name] = p

	return r.register(p)
}

// Probe calls every plugin over its socket and returns the names of the
// resources that did not answer, sorted.
func (r *Registry) Probe(ctx context.Context) []string {
	r.mu.Lock()
	plugins := make([]*plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		plugins = append(plugins, p)
	}
	r.mu.Unlock()

	failed := make([]string, 0)
	for _, p := range plugins {
		if err := p.probe(ctx); err != nil {
			failed = append(failed, p.resource.Name())
			continue
		}
		klog.V(2).Infof("probe succeeded for %s", p.resource.Name())
	}
	sort.Strings(failed)
	return failed
}
