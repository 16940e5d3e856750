package provider

// View gives observers read access to the camera list while they run.
// Provider methods must not be called from an observer: observers run on the
// goroutine that serves those calls.
type View interface {
	Len() int
	Camera(position int) (*Camera, bool)
	Cameras() []*Camera
	DefaultCamera() (*Camera, bool)
	IsStarted() bool
}

type (
	ItemsChangedFunc func(v View, position, removed, added int)
	CameraFunc       func(v View, camera *Camera)
	StartedFunc      func(v View, started bool)
)

type observer struct {
	id            uint64
	itemsChanged  ItemsChangedFunc
	cameraAdded   CameraFunc
	cameraRemoved CameraFunc
	started       StartedFunc
}

type observers struct {
	next uint64
	list []observer
}

func (o *observers) add(obs observer) uint64 {
	o.next++
	obs.id = o.next
	o.list = append(o.list, obs)
	return obs.id
}

func (o *observers) remove(id uint64) {
	for i := range o.list {
		if o.list[i].id == id {
			o.list = append(o.list[:i], o.list[i+1:]...)
			return
		}
	}
}

// snapshot protects emission from observers being added or removed while it
// runs.
func (o *observers) snapshot() []observer {
	return append([]observer(nil), o.list...)
}

type loopView struct {
	p *Provider
}

func (v loopView) Len() int {
	return len(v.p.cameras)
}

func (v loopView) Camera(position int) (*Camera, bool) {
	return v.p.camera(position)
}

func (v loopView) Cameras() []*Camera {
	return append([]*Camera(nil), v.p.cameras...)
}

func (v loopView) DefaultCamera() (*Camera, bool) {
	return v.p.defaultCamera()
}

func (v loopView) IsStarted() bool {
	return v.p.started.IsSet()
}

func (p *Provider) emitItemsChanged(position, removed, added int) {
	v := loopView{p}
	for _, obs := range p.observers.snapshot() {
		if obs.itemsChanged != nil {
			obs.itemsChanged(v, position, removed, added)
		}
	}
}

func (p *Provider) emitCameraAdded(camera *Camera) {
	v := loopView{p}
	for _, obs := range p.observers.snapshot() {
		if obs.cameraAdded != nil {
			obs.cameraAdded(v, camera)
		}
	}
}

func (p *Provider) emitCameraRemoved(camera *Camera) {
	v := loopView{p}
	for _, obs := range p.observers.snapshot() {
		if obs.cameraRemoved != nil {
			obs.cameraRemoved(v, camera)
		}
	}
}

func (p *Provider) notifyStarted() {
	v := loopView{p}
	for _, obs := range p.observers.snapshot() {
		if obs.started != nil {
			obs.started(v, true)
		}
	}
}
