// Package httpapi serves the camera list over HTTP and streams its changes
// over a websocket.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/provider"

	fanout "github.com/ydb-platform/camera-manager/internal/mux"
)

var (
	errNoCamera      = errors.New("camera not found")
	errNoDefault     = errors.New("no default camera")
	errNotStarted    = errors.New("discovery is not started")
	errPluginsFailed = errors.New("device plugin probe failed")
)

const (
	defaultReadHeaderTimeout = 5 * time.Second
	defaultIdleTimeout       = 10 * time.Second
	defaultShutdownTimeout   = 5 * time.Second
	defaultWebSocketTimeout  = 60 * time.Second
	defaultWebSocketPing     = 30 * time.Second
	defaultWriteWait         = 5 * time.Second
	defaultWebSocketLimit    = 1024
	defaultClientQueue       = 64
	defaultPublishTimeout    = 250 * time.Millisecond
)

// ProbeFunc returns the names of the failing dependencies.
type ProbeFunc func(context.Context) []string

type Option func(*Server)

func WithTracker(t *availability.Tracker) Option {
	return func(s *Server) {
		s.tracker = t
	}
}

func WithGatherer(g prom.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithProbe(probe ProbeFunc) Option {
	return func(s *Server) {
		s.probe = probe
	}
}

type Server struct {
	addr     string
	router   *mux.Router
	provider *provider.Provider
	tracker  *availability.Tracker
	gatherer prom.Gatherer
	probe    ProbeFunc

	events    *fanout.Mux[Event]
	detach    fanout.CancelFunc
	closeOnce sync.Once

	wsMu    sync.Mutex
	closed  bool
	clients map[*client]struct{}
	view    view
}

// view is the state the event stream has reached. It moves only when an
// event is broadcast, so a snapshot taken from it never overlaps the events
// that follow it.
type view struct {
	status  statusDTO
	cameras []cameraDTO
	// number of list changes applied
	seq uint64
}

func (v *view) apply(ev Event) {
	switch data := ev.Data.(type) {
	case itemsChangedDTO:
		v.cameras = data.Cameras
		v.status.Cameras = len(data.Cameras)
		v.seq++
	case bool:
		if ev.Type == EventStarted {
			v.status.Started = data
		}
	case availability.Status:
		v.status.Availability = &data
	}
}

func (v *view) snapshot() Event {
	return Event{Type: EventSnapshot, Data: snapshotDTO{Status: v.status, Cameras: v.cameras}}
}

// client is one websocket connection. Events are queued for it and written
// by its own goroutine.
type client struct {
	conn  *websocket.Conn
	queue chan Event
	once  sync.Once
	// view.seq when the snapshot was taken
	since uint64
}

func (c *client) drop() {
	c.once.Do(func() {
		_ = c.conn.Close()
	})
}

// New builds the server and starts following p. It should be created before
// p is started so that no change is missed.
func New(addr string, p *provider.Provider, opts ...Option) *Server {
	// The provider loop publishes, so a stalled stream must not hold it for
	// long.
	events := fanout.Make[Event](
		fanout.Buffered[Event](64),
		fanout.WithSubmitTimeout[Event](defaultPublishTimeout),
	)
	s := &Server{
		addr:     addr,
		router:   mux.NewRouter(),
		provider: p,
		gatherer: prom.DefaultGatherer,
		events:   events,
		clients:  make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.events.Subscribe(fanout.SinkFunc(func(ev Event) error {
		s.broadcast(ev)
		return nil
	}, nil))
	s.detach = s.follow()

	// Every event replaces what it touches, so one that raced with this
	// read is applied again harmlessly.
	s.wsMu.Lock()
	s.view = view{status: s.status(), cameras: s.cameras()}
	s.wsMu.Unlock()

	return s
}

func (s *Server) publish(ev Event) {
	if err := s.events.Submit(ev); err != nil {
		klog.Errorf("httpapi: dropping %s event: %v", ev.Type, err)
	}
}

// follow turns provider and availability notifications into events. The
// callbacks run on the provider goroutine and only hand the event over.
func (s *Server) follow() fanout.CancelFunc {
	cameraEvent := func(kind string) provider.CameraFunc {
		return func(v provider.View, camera *provider.Camera) {
			def, _ := v.DefaultCamera()
			position := -1
			for i, c := range v.Cameras() {
				if c.SameDevice(camera) {
					position = i
				}
			}
			s.publish(Event{Type: kind, Data: newCameraDTO(position, camera, def)})
		}
	}

	cancels := []fanout.CancelFunc{
		s.provider.ConnectItemsChanged(func(v provider.View, position, removed, added int) {
			def, _ := v.DefaultCamera()
			s.publish(Event{Type: EventItemsChanged, Data: itemsChangedDTO{
				Position: position,
				Removed:  removed,
				Added:    added,
				Cameras:  newCameraDTOs(v.Cameras(), def),
			}})
		}),
		s.provider.ConnectCameraAdded(cameraEvent(EventCameraAdded)),
		s.provider.ConnectCameraRemoved(cameraEvent(EventCameraRemoved)),
		s.provider.ConnectStartedNotify(func(_ provider.View, started bool) {
			s.publish(Event{Type: EventStarted, Data: started})
		}),
	}
	if s.tracker != nil {
		cancels = append(cancels, s.tracker.Subscribe(fanout.SinkFunc(func(status availability.Status) error {
			s.publish(Event{Type: EventAvailability, Data: status})
			return nil
		}, nil)))
	}

	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/cameras", s.handleCameras).Methods(http.MethodGet)
	api.HandleFunc("/cameras/default", s.handleDefault).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{position:[0-9]+}", s.handleCamera).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{position:[0-9]+}/next", s.handleNext).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
}

// Handler returns the routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

func jsonError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, errorDTO{Error: err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.provider.IsStarted() {
		jsonError(w, r, http.StatusServiceUnavailable, errNotStarted)
		return
	}
	if s.probe != nil {
		if failed := s.probe(r.Context()); len(failed) > 0 {
			render.Status(r, http.StatusServiceUnavailable)
			render.JSON(w, r, map[string]any{"error": errPluginsFailed.Error(), "failed": failed})
			return
		}
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}

func (s *Server) status() statusDTO {
	dto := statusDTO{
		Backend: s.provider.BackendName(),
		Started: s.provider.IsStarted(),
		Cameras: s.provider.Len(),
	}
	if s.tracker != nil {
		status := s.tracker.Status()
		dto.Availability = &status
	}
	return dto
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.status())
}

func (s *Server) cameras() []cameraDTO {
	def, _ := s.provider.DefaultCamera()
	return newCameraDTOs(s.provider.Cameras(), def)
}

func (s *Server) handleCameras(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.cameras())
}

func (s *Server) position(r *http.Request) int {
	position, err := strconv.Atoi(mux.Vars(r)["position"])
	if err != nil {
		return -1
	}
	return position
}

func (s *Server) handleCamera(w http.ResponseWriter, r *http.Request) {
	position := s.position(r)
	camera, found := s.provider.Camera(position)
	if !found {
		jsonError(w, r, http.StatusNotFound, errNoCamera)
		return
	}
	def, _ := s.provider.DefaultCamera()
	render.JSON(w, r, newCameraDTO(position, camera, def))
}

func (s *Server) handleDefault(w http.ResponseWriter, r *http.Request) {
	def, found := s.provider.DefaultCamera()
	if !found {
		jsonError(w, r, http.StatusNotFound, errNoDefault)
		return
	}
	for i, camera := range s.provider.Cameras() {
		if camera.SameDevice(def) {
			render.JSON(w, r, newCameraDTO(i, camera, def))
			return
		}
	}
	jsonError(w, r, http.StatusNotFound, errNoDefault)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	current, found := s.provider.Camera(s.position(r))
	if !found {
		jsonError(w, r, http.StatusNotFound, errNoCamera)
		return
	}
	next, found := availability.Next(s.provider, current)
	if !found || next.SameDevice(current) {
		jsonError(w, r, http.StatusNotFound, errNoCamera)
		return
	}
	def, _ := s.provider.DefaultCamera()
	for i, camera := range s.provider.Cameras() {
		if camera.SameDevice(next) {
			render.JSON(w, r, newCameraDTO(i, camera, def))
			return
		}
	}
	jsonError(w, r, http.StatusNotFound, errNoCamera)
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

func (s *Server) send(c *websocket.Conn, ev Event) error {
	_ = c.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return c.WriteJSON(ev)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	c := &client{conn: conn, queue: make(chan Event, defaultClientQueue)}

	s.wsMu.Lock()
	if s.closed {
		s.wsMu.Unlock()
		c.drop()
		return
	}
	c.queue <- s.view.snapshot()
	c.since = s.view.seq
	s.clients[c] = struct{}{}
	s.wsMu.Unlock()

	done := make(chan struct{})
	go s.writeLoop(c, done)

	conn.SetReadLimit(defaultWebSocketLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(done)

	s.wsMu.Lock()
	delete(s.clients, c)
	s.wsMu.Unlock()
	c.drop()
}

// writeLoop is the only writer of c.conn.
func (s *Server) writeLoop(c *client, done <-chan struct{}) {
	ticker := time.NewTicker(defaultWebSocketPing)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-c.queue:
			if err := s.send(c.conn, ev); err != nil {
				klog.V(2).Infof("dropping websocket client %s: %v", c.conn.RemoteAddr(), err)
				c.drop()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWriteWait)); err != nil {
				c.drop()
				return
			}
		}
	}
}

// broadcast moves the view and queues ev for every client. A client whose
// queue is full is disconnected and has to resync from a new snapshot.
func (s *Server) broadcast(ev Event) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()

	s.view.apply(ev)
	for c := range s.clients {
		// A camera event follows the items-changed of the same change. A
		// client that joined after that one has the camera in its snapshot.
		if isCameraEvent(ev) && c.since == s.view.seq {
			continue
		}
		select {
		case c.queue <- ev:
		default:
			klog.Warningf("websocket client %s is too slow, disconnecting", c.conn.RemoteAddr())
			delete(s.clients, c)
			c.drop()
		}
	}
}

// Start serves until ctx is done. Close is left to the caller.
func (s *Server) Start(ctx context.Context) error {
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	klog.Infof("http listen on %s", ln.Addr())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Errorf("http server stopped: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(shutdownCtx)
		_ = srv.Close()
	}()

	return nil
}

func isCameraEvent(ev Event) bool {
	return ev.Type == EventCameraAdded || ev.Type == EventCameraRemoved
}

// Close stops following the provider and the tracker and drops the websocket
// clients.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.detach()
		s.events.Close()

		s.wsMu.Lock()
		s.closed = true
		for c := range s.clients {
			c.drop()
			delete(s.clients, c)
		}
		s.wsMu.Unlock()
	})
}
