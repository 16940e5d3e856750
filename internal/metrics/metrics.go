// Package metrics exports the state of the camera list to prometheus.
package metrics

import (
	"errors"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"k8s.io/klog/v2"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/mux"
	"github.com/ydb-platform/camera-manager/internal/provider"
)

const namespace = "camera_manager"

type Metrics struct {
	Cameras      prom.Gauge
	CameraInfo   *prom.GaugeVec
	CameraEvents *prom.CounterVec
	ListChanges  prom.Counter
	Started      *prom.GaugeVec
	Availability *prom.GaugeVec
}

// New creates the collectors on reg.
func New(reg prom.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Cameras: factory.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "cameras",
			Help:      "Cameras currently tracked (Gauge).",
		}),
		CameraInfo: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "camera_info",
			Help:      "Tracked cameras, always 1 (Gauge). Labels: position, name, target_object.",
		}, []string{"position", "name", "target_object"}),
		CameraEvents: factory.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "camera_events_total",
			Help:      "Cameras added to or removed from the list (Counter). event=added|removed.",
		}, []string{"event"}),
		ListChanges: factory.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "list_changes_total",
			Help:      "Items-changed notifications emitted by the provider (Counter).",
		}),
		Started: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_started",
			Help:      "Discovery started: 1=started, 0=not started (Gauge).",
		}, []string{"backend"}),
		Availability: factory.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "availability",
			Help:      "Current availability state, 1 for the active state (Gauge).",
		}, []string{"state"}),
	}
}

// RegisterCollectors registers the Go and process collectors on reg.
func RegisterCollectors(reg prom.Registerer) {
	for _, c := range []prom.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			var are prom.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			klog.Errorf("failed to register collector: %v", err)
		}
	}
}

func (m *Metrics) setCameras(cameras []*provider.Camera) {
	m.Cameras.Set(float64(len(cameras)))
	m.CameraInfo.Reset()
	for i, camera := range cameras {
		m.CameraInfo.WithLabelValues(
			strconv.Itoa(i),
			camera.DisplayName(),
			string(camera.TargetObject()),
		).Set(1)
	}
}

// Observe follows p. It must be called before p is started.
func (m *Metrics) Observe(p *provider.Provider) mux.CancelFunc {
	started := m.Started.WithLabelValues(p.BackendName())
	started.Set(0)

	return mux.ChainCancelFunc(
		p.ConnectItemsChanged(func(v provider.View, _, _, _ int) {
			m.ListChanges.Inc()
			m.setCameras(v.Cameras())
		}),
		p.ConnectCameraAdded(func(provider.View, *provider.Camera) {
			m.CameraEvents.WithLabelValues("added").Inc()
		}),
		p.ConnectCameraRemoved(func(provider.View, *provider.Camera) {
			m.CameraEvents.WithLabelValues("removed").Inc()
		}),
		p.ConnectStartedNotify(func(_ provider.View, ok bool) {
			if ok {
				started.Set(1)
			}
		}),
	)
}

var states = []availability.State{
	availability.Loading,
	availability.NotFound,
	availability.Ready,
	availability.Unavailable,
}

func (m *Metrics) setAvailability(current availability.State) {
	for _, state := range states {
		value := 0.0
		if state == current {
			value = 1
		}
		m.Availability.WithLabelValues(state.String()).Set(value)
	}
}

// ObserveAvailability follows the states published by t.
func (m *Metrics) ObserveAvailability(t *availability.Tracker) mux.CancelFunc {
	m.setAvailability(t.Status().State)
	return t.Subscribe(mux.SinkFunc(func(status availability.Status) error {
		m.setAvailability(status.State)
		return nil
	}, nil))
}
