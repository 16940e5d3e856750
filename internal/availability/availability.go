// Package availability turns the camera list into what a viewer shows: a
// loading state while discovery warms up, then either the cameras or a
// not-found notice.
package availability

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/mux"
	"github.com/ydb-platform/camera-manager/internal/provider"
)

// DefaultTimeout is how long discovery may stay silent before the viewer
// gives up waiting.
const DefaultTimeout = 2 * time.Second

type State int

const (
	Loading State = iota
	NotFound
	Ready
	// Unavailable means discovery could not be started at all.
	Unavailable
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case NotFound:
		return "not-found"
	case Ready:
		return "ready"
	case Unavailable:
		return "unavailable"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, state := range []State{Loading, NotFound, Ready, Unavailable} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown availability state %q", text)
}

// Switcher is the control offered to change cameras.
type Switcher int

const (
	SwitcherNone Switcher = iota
	SwitcherToggle
	SwitcherMenu
)

func (s Switcher) String() string {
	switch s {
	case SwitcherNone:
		return "none"
	case SwitcherToggle:
		return "toggle"
	case SwitcherMenu:
		return "menu"
	}
	return fmt.Sprintf("Switcher(%d)", int(s))
}

func (s Switcher) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Switcher) UnmarshalText(text []byte) error {
	for _, switcher := range []Switcher{SwitcherNone, SwitcherToggle, SwitcherMenu} {
		if switcher.String() == string(text) {
			*s = switcher
			return nil
		}
	}
	return fmt.Errorf("unknown switcher %q", text)
}

func SwitcherFor(cameras int) Switcher {
	switch {
	case cameras <= 1:
		return SwitcherNone
	case cameras == 2:
		return SwitcherToggle
	}
	return SwitcherMenu
}

type Status struct {
	State    State    `json:"state"`
	Cameras  int      `json:"cameras"`
	Switcher Switcher `json:"switcher"`
}

func (s Status) String() string {
	return fmt.Sprintf("Status[%s, cameras=%d, switcher=%s]", s.State, s.Cameras, s.Switcher)
}

// Lister gives positional access to cameras. Both *provider.Provider and
// provider.View implement it.
type Lister interface {
	Camera(position int) (*provider.Camera, bool)
}

// Next picks the camera a toggle switches to: the second camera when
// current is the first one, the first camera otherwise.
func Next(cameras Lister, current *provider.Camera) (*provider.Camera, bool) {
	position := 0
	if first, ok := cameras.Camera(0); ok && first.SameDevice(current) {
		position = 1
	}
	return cameras.Camera(position)
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option {
	return func(t *Tracker) {
		t.clock = c
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(t *Tracker) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// Tracker follows a provider and publishes every status change.
type Tracker struct {
	clock   clock.Clock
	timeout time.Duration
	mux     *mux.Mux[Status]

	mu     sync.Mutex
	status Status
	timer  *clock.Timer
}

func New(opts ...Option) *Tracker {
	t := &Tracker{
		clock:   clock.New(),
		timeout: DefaultTimeout,
		mux:     mux.Make[Status](mux.Buffered[Status](16)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Watch follows the camera list of p and arms the loading timeout. It must
// be called before p is started so that the initial snapshot is seen.
func (t *Tracker) Watch(p *provider.Provider) mux.CancelFunc {
	cancel := p.ConnectItemsChanged(func(v provider.View, _, _, _ int) {
		t.update(v.Len())
	})

	t.mu.Lock()
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.timeout, t.expire)
	}
	t.mu.Unlock()

	return cancel
}

func (t *Tracker) set(status Status) {
	if status == t.status {
		return
	}
	klog.V(2).Infof("availability: %s -> %s", t.status, status)
	t.status = status
	if err := t.mux.Submit(status); err != nil {
		klog.Errorf("availability: failed to publish %s: %v", status, err)
	}
}

func (t *Tracker) update(cameras int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state := Ready
	if cameras == 0 {
		state = NotFound
	}
	t.set(Status{State: state, Cameras: cameras, Switcher: SwitcherFor(cameras)})
}

func (t *Tracker) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.State == Loading {
		klog.Infof("no cameras reported within %s", t.timeout)
		t.set(Status{State: NotFound})
	}
}

// Fail records that discovery could not be started.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	klog.Errorf("camera discovery is unavailable: %v", err)
	if t.timer != nil {
		t.timer.Stop()
	}
	t.set(Status{State: Unavailable})
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Tracker) Subscribe(sink mux.Sink[Status]) mux.CancelFunc {
	return t.mux.Subscribe(sink)
}

// Close stops publishing and closes every subscribed sink.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	t.mux.Close()
}
