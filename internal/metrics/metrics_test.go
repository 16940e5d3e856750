package metrics_test

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/device/devicetest"
	"github.com/ydb-platform/camera-manager/internal/metrics"
	"github.com/ydb-platform/camera-manager/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Metrics", func() {
	var (
		reg     *prom.Registry
		m       *metrics.Metrics
		backend *devicetest.Backend
		p       *provider.Provider
	)

	BeforeEach(func() {
		reg = prom.NewRegistry()
		m = metrics.New(reg)
		backend = devicetest.NewBackend(devicetest.WithDevices(devicetest.Camera("A", "a")))
		p = provider.New(devicetest.Name, backend)
		DeferCleanup(p.Close)
	})

	It("should follow the provider", func() {
		m.Observe(p)
		Expect(testutil.ToFloat64(m.Started.WithLabelValues(devicetest.Name))).To(BeZero())

		Expect(p.Start()).To(Succeed())
		Expect(testutil.ToFloat64(m.Started.WithLabelValues(devicetest.Name))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.Cameras)).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.CameraInfo.WithLabelValues("0", "A", "a"))).To(Equal(1.0))

		backend.Add(devicetest.Camera("B", "b"))
		Eventually(func() float64 { return testutil.ToFloat64(m.Cameras) }).Should(Equal(2.0))

		backend.Remove(devicetest.Camera("A", "a"))
		Eventually(func() float64 { return testutil.ToFloat64(m.Cameras) }).Should(Equal(1.0))

		Expect(testutil.ToFloat64(m.CameraEvents.WithLabelValues("added"))).To(Equal(1.0))
		Eventually(func() float64 {
			return testutil.ToFloat64(m.CameraEvents.WithLabelValues("removed"))
		}).Should(Equal(1.0))
		Expect(testutil.ToFloat64(m.ListChanges)).To(Equal(3.0))
		Expect(testutil.CollectAndCount(m.CameraInfo)).To(Equal(1))
		Expect(testutil.ToFloat64(m.CameraInfo.WithLabelValues("0", "B", "b"))).To(Equal(1.0))
	})

	It("should follow availability", func() {
		mock := clock.NewMock()
		tracker := availability.New(availability.WithClock(mock))
		DeferCleanup(tracker.Close)

		m.ObserveAvailability(tracker)
		Expect(testutil.ToFloat64(m.Availability.WithLabelValues("loading"))).To(Equal(1.0))

		tracker.Fail(errors.New("no backend"))
		Eventually(func() float64 {
			return testutil.ToFloat64(m.Availability.WithLabelValues("unavailable"))
		}).Should(Equal(1.0))
		Expect(testutil.ToFloat64(m.Availability.WithLabelValues("loading"))).To(BeZero())

		mock.Add(time.Minute)
		Consistently(func() float64 {
			return testutil.ToFloat64(m.Availability.WithLabelValues("unavailable"))
		}).Should(Equal(1.0))
	})

	It("should register the runtime collectors once", func() {
		metrics.RegisterCollectors(reg)
		metrics.RegisterCollectors(reg)

		families, err := reg.Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).NotTo(BeEmpty())
	})
})
