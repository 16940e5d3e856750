// Package provider keeps the live list of cameras reported by a discovery
// backend.
//
// A Provider owns a single goroutine. The camera list, the descriptor and the
// started latch are only touched by that goroutine: public methods send it a
// request and wait for the answer, and backend messages are fed to it through
// the bus watch. Observers run on it too, one at a time, in registration
// order.
package provider

import (
	"errors"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/mux"
)

var errWatchStopped = errors.New("bus watch stopped")

type request interface {
	requestSealed()
}

type startRequest struct {
	selector mux.FilterFunc[*Camera]
}

func (startRequest) requestSealed() {}

type setFDRequest struct {
	file *os.File
}

func (setFDRequest) requestSealed() {}

type lenRequest struct{}

func (lenRequest) requestSealed() {}

type cameraRequest struct {
	position int
}

func (cameraRequest) requestSealed() {}

type camerasRequest struct{}

func (camerasRequest) requestSealed() {}

type defaultRequest struct{}

func (defaultRequest) requestSealed() {}

type startedRequest struct{}

func (startedRequest) requestSealed() {}

type connectRequest struct {
	observer observer
}

func (connectRequest) requestSealed() {}

type disconnectRequest struct {
	id uint64
}

func (disconnectRequest) requestSealed() {}

type closeRequest struct{}

func (closeRequest) requestSealed() {}

type cameraReply struct {
	camera *Camera
	found  bool
}

// latch can be set once and never reset.
type latch struct {
	set bool
}

func (l *latch) IsSet() bool {
	return l.set
}

func (l *latch) Set() bool {
	if l.set {
		return false
	}
	l.set = true
	return true
}

type Provider struct {
	name      string
	backend   device.Backend
	requests  chan mux.AwaitReply[request, any]
	messages  chan device.Message
	stopWatch chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// owned by the run goroutine
	cameras   []*Camera
	fd        *os.File
	started   latch
	selector  mux.FilterFunc[*Camera]
	unwatch   mux.CancelFunc
	observers observers
}

// New wraps backend, which may be nil when the backend called name could not
// be obtained. Start then fails with a *MissingPluginError.
func New(name string, backend device.Backend) *Provider {
	p := &Provider{
		name:      name,
		backend:   backend,
		requests:  make(chan mux.AwaitReply[request, any]),
		messages:  make(chan device.Message),
		stopWatch: make(chan struct{}),
		done:      make(chan struct{}),
	}

	go p.run()

	return p
}

// Open creates a Provider around the backend registered as name. A backend
// that cannot be created is treated as absent for the provider's lifetime.
func Open(name string, cfg device.Config) *Provider {
	backend, err := device.Open(name, cfg)
	if err != nil {
		klog.Warningf("discovery backend %q is not available: %v", name, err)
		backend = nil
	}
	return New(name, backend)
}

func (p *Provider) BackendName() string {
	return p.name
}

type StartOption func(*startRequest)

// WithDefault sets the predicate that picks the default camera.
func WithDefault(selector func(*Camera) bool) StartOption {
	return func(r *startRequest) {
		if selector != nil {
			r.selector = selector
		}
	}
}

// Start starts discovery. Once it has succeeded further calls do nothing and
// return nil. A failed Start leaves no trace and may be retried.
//
// Start panics if the backend bus refuses the watch.
func (p *Provider) Start(opts ...StartOption) error {
	req := startRequest{selector: mux.None[*Camera]()}
	for _, opt := range opts {
		opt(&req)
	}

	reply, ok := p.call(req)
	if !ok {
		return ErrClosed
	}
	switch r := reply.(type) {
	case watchError:
		panic(r)
	case error:
		return r
	}
	return nil
}

// StartWithDefault is Start(WithDefault(selector)).
func (p *Provider) StartWithDefault(selector func(*Camera) bool) error {
	return p.Start(WithDefault(selector))
}

// SetFD hands a descriptor of a media remote to the backend. On success the
// provider owns f and closes it when it is replaced or the provider is
// closed. On error the caller keeps f.
func (p *Provider) SetFD(f *os.File) error {
	if f == nil {
		return os.ErrInvalid
	}
	reply, ok := p.call(setFDRequest{file: f})
	if !ok {
		return ErrClosed
	}
	if err, isErr := reply.(error); isErr {
		return err
	}
	return nil
}

func (p *Provider) Len() int {
	reply, ok := p.call(lenRequest{})
	if !ok {
		return 0
	}
	return reply.(int)
}

// Camera returns the camera at position, or false when position is out of
// range.
func (p *Provider) Camera(position int) (*Camera, bool) {
	reply, ok := p.call(cameraRequest{position: position})
	if !ok {
		return nil, false
	}
	r := reply.(cameraReply)
	return r.camera, r.found
}

func (p *Provider) Cameras() []*Camera {
	reply, ok := p.call(camerasRequest{})
	if !ok {
		return nil
	}
	return reply.([]*Camera)
}

// DefaultCamera returns the first camera accepted by the selector given to
// Start.
func (p *Provider) DefaultCamera() (*Camera, bool) {
	reply, ok := p.call(defaultRequest{})
	if !ok {
		return nil, false
	}
	r := reply.(cameraReply)
	return r.camera, r.found
}

func (p *Provider) IsStarted() bool {
	reply, ok := p.call(startedRequest{})
	if !ok {
		return false
	}
	return reply.(bool)
}

func (p *Provider) ConnectItemsChanged(f ItemsChangedFunc) mux.CancelFunc {
	return p.connect(observer{itemsChanged: f})
}

func (p *Provider) ConnectCameraAdded(f CameraFunc) mux.CancelFunc {
	return p.connect(observer{cameraAdded: f})
}

func (p *Provider) ConnectCameraRemoved(f CameraFunc) mux.CancelFunc {
	return p.connect(observer{cameraRemoved: f})
}

// ConnectStartedNotify registers f to learn when the provider has started.
// It fires at most once.
func (p *Provider) ConnectStartedNotify(f StartedFunc) mux.CancelFunc {
	return p.connect(observer{started: f})
}

func (p *Provider) connect(obs observer) mux.CancelFunc {
	reply, ok := p.call(connectRequest{observer: obs})
	if !ok {
		return func() {}
	}
	id := reply.(uint64)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.call(disconnectRequest{id: id})
		})
	}
}

// Close stops the backend, releases the descriptor and ends the provider.
// Every later call fails with ErrClosed or returns a zero value.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		p.call(closeRequest{})
	})
	<-p.done
}

func (p *Provider) call(req request) (any, bool) {
	await := mux.NewAwaitReply[request, any](req)
	select {
	case p.requests <- await:
		return await.Await(), true
	case <-p.done:
		return nil, false
	}
}

func (p *Provider) run() {
	defer close(p.done)

	for {
		select {
		case req := <-p.requests:
			if _, ok := req.Value().(closeRequest); ok {
				p.teardown()
				req.Reply(nil)
				return
			}
			req.Reply(p.serve(req.Value()))
		case msg := <-p.messages:
			p.handleMessage(msg)
		}
	}
}

func (p *Provider) serve(req request) any {
	switch r := req.(type) {
	case startRequest:
		if err := p.start(r.selector); err != nil {
			return err
		}
		return nil
	case setFDRequest:
		if err := p.setFD(r.file); err != nil {
			return err
		}
		return nil
	case lenRequest:
		return len(p.cameras)
	case cameraRequest:
		camera, found := p.camera(r.position)
		return cameraReply{camera, found}
	case camerasRequest:
		return append([]*Camera(nil), p.cameras...)
	case defaultRequest:
		camera, found := p.defaultCamera()
		return cameraReply{camera, found}
	case startedRequest:
		return p.started.IsSet()
	case connectRequest:
		return p.observers.add(r.observer)
	case disconnectRequest:
		p.observers.remove(r.id)
		return nil
	}
	klog.Errorf("device provider: unknown request %T", req)
	return nil
}

func (p *Provider) start(selector mux.FilterFunc[*Camera]) error {
	if p.started.IsSet() {
		return nil
	}

	if p.backend == nil {
		return &MissingPluginError{Name: p.name}
	}

	if err := p.backend.Start(); err != nil {
		klog.Errorf("failed to start discovery backend %q: %v", p.name, err)
		return err
	}

	cameras := snapshot(p.backend.Devices())

	// The watch goes in before the list is replaced so that a refused watch
	// leaves nothing behind. Messages wait on the bus until this request is
	// done, so the snapshot is still announced first.
	unwatch, err := p.backend.Bus().AddWatch(p.watchSink())
	if err != nil {
		klog.Errorf("failed to add bus watch on %q: %v", p.name, err)
		p.backend.Stop()
		return watchError{err}
	}
	p.unwatch = unwatch

	removed := len(p.cameras)
	p.cameras = cameras
	p.emitItemsChanged(0, removed, len(cameras))

	p.selector = selector
	p.started.Set()
	klog.Infof("device provider %q started with %d camera(s)", p.name, len(cameras))
	p.notifyStarted()

	return nil
}

// snapshot applies the same policy as the bus handlers: one camera per target
// object, first report wins, no infrared sources.
func snapshot(devices []device.Device) []*Camera {
	seen := make(map[device.TargetObject]struct{})
	unique := mux.Select(devices, func(dev device.Device) bool {
		if !trackable(dev) {
			return false
		}
		target := dev.TargetObject()
		if _, dup := seen[target]; dup {
			klog.V(5).Infof("ignoring duplicate camera %q, target-object: %s", dev.DisplayName(), target)
			return false
		}
		seen[target] = struct{}{}
		return true
	})

	cameras := mux.Map(unique, NewCamera)
	for _, camera := range cameras {
		klog.V(2).Infof("Camera found: %s, target-object: %s, properties: %v",
			camera.DisplayName(), camera.TargetObject(), camera.Properties())
	}
	return cameras
}

func (p *Provider) watchSink() mux.Sink[device.Message] {
	return mux.SinkFunc(func(msg device.Message) error {
		select {
		case p.messages <- msg:
			return nil
		case <-p.stopWatch:
			return errWatchStopped
		}
	}, nil)
}

func (p *Provider) setFD(f *os.File) error {
	if p.started.IsSet() {
		return ErrProvidedStarted
	}

	if p.backend == nil || !p.backend.Supports(device.CapabilityFD) {
		klog.Warningf("discovery backend %q does not accept a file descriptor, discovering without it", p.name)
		return ErrOldVersion
	}

	klog.V(2).Infof("Starting device provider with file descriptor: %d", f.Fd())
	if err := p.backend.SetFD(int(f.Fd())); err != nil {
		klog.Errorf("failed to pass file descriptor %d to %q: %v", f.Fd(), p.name, err)
		return err
	}

	if p.fd != nil {
		klog.V(2).Infof("Freeing fd %d", p.fd.Fd())
		if err := p.fd.Close(); err != nil {
			klog.Errorf("failed to close previous file descriptor: %v", err)
		}
	}
	p.fd = f

	return nil
}

func (p *Provider) camera(position int) (*Camera, bool) {
	if position < 0 || position >= len(p.cameras) {
		return nil, false
	}
	return p.cameras[position], true
}

func (p *Provider) defaultCamera() (*Camera, bool) {
	if p.selector == nil {
		return nil, false
	}
	for _, camera := range p.cameras {
		if p.selector(camera) {
			return camera, true
		}
	}
	return nil, false
}

func (p *Provider) teardown() {
	close(p.stopWatch)
	if p.unwatch != nil {
		p.unwatch()
		p.unwatch = nil
	}

	if p.backend != nil {
		if p.backend.IsStarted() {
			p.backend.Stop()
		}
		// Release the remote explicitly instead of relying on the backend
		// dropping it on Close.
		if p.backend.Supports(device.CapabilityFD) {
			if err := p.backend.SetFD(device.InvalidFD); err != nil {
				klog.Errorf("failed to reset file descriptor of %q: %v", p.name, err)
			}
		}
		p.backend.Close()
	}

	if p.fd != nil {
		if err := p.fd.Close(); err != nil {
			klog.Errorf("failed to close file descriptor: %v", err)
		}
		p.fd = nil
	}

	p.cameras = nil
	p.observers = observers{}
	klog.Infof("device provider %q closed", p.name)
}
