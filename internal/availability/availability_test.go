package availability_test

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/device/devicetest"
	"github.com/ydb-platform/camera-manager/internal/mux/muxtest"
	"github.com/ydb-platform/camera-manager/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = DescribeTable("SwitcherFor",
	func(cameras int, expected availability.Switcher) {
		Expect(availability.SwitcherFor(cameras)).To(Equal(expected))
	},
	Entry("no camera", 0, availability.SwitcherNone),
	Entry("one camera", 1, availability.SwitcherNone),
	Entry("two cameras", 2, availability.SwitcherToggle),
	Entry("three cameras", 3, availability.SwitcherMenu),
	Entry("many cameras", 7, availability.SwitcherMenu),
)

var _ = Describe("Next", func() {
	var p *provider.Provider

	camA := devicetest.Camera("A", "a")
	camB := devicetest.Camera("B", "b")
	camC := devicetest.Camera("C", "c")

	BeforeEach(func() {
		p = provider.New(devicetest.Name, devicetest.NewBackend(devicetest.WithDevices(camA, camB, camC)))
		DeferCleanup(p.Close)
		Expect(p.Start()).To(Succeed())
	})

	It("should toggle away from the first camera", func() {
		next, ok := availability.Next(p, provider.NewCamera(camA))
		Expect(ok).To(BeTrue())
		Expect(next.DisplayName()).To(Equal("B"))
	})

	It("should go back to the first camera from any other", func() {
		next, ok := availability.Next(p, provider.NewCamera(camC))
		Expect(ok).To(BeTrue())
		Expect(next.DisplayName()).To(Equal("A"))

		next, ok = availability.Next(p, nil)
		Expect(ok).To(BeTrue())
		Expect(next.DisplayName()).To(Equal("A"))
	})

	It("should find nothing to switch to with a single camera", func() {
		single := provider.New(devicetest.Name, devicetest.NewBackend(devicetest.WithDevices(camA)))
		defer single.Close()
		Expect(single.Start()).To(Succeed())

		_, ok := availability.Next(single, provider.NewCamera(camA))
		Expect(ok).To(BeFalse())
	})
})

var _ = Describe("Tracker", func() {
	var (
		mock    *clock.Mock
		tracker *availability.Tracker
		backend *devicetest.Backend
		p       *provider.Provider
		updates chan availability.Status
	)

	BeforeEach(func() {
		mock = clock.NewMock()
		tracker = availability.New(availability.WithClock(mock), availability.WithTimeout(2*time.Second))
		updates = make(chan availability.Status, 16)
		tracker.Subscribe(muxtest.SinkFromChan(updates))
		DeferCleanup(tracker.Close)

		backend = devicetest.NewBackend()
		p = provider.New(devicetest.Name, backend)
		DeferCleanup(p.Close)
	})

	It("should start loading", func() {
		Expect(tracker.Status().State).To(Equal(availability.Loading))
	})

	It("should give up waiting after the timeout", func() {
		tracker.Watch(p)

		mock.Add(time.Second)
		Consistently(updates).ShouldNot(Receive())
		Expect(tracker.Status().State).To(Equal(availability.Loading))

		mock.Add(time.Second)
		Eventually(updates).Should(Receive(Equal(availability.Status{State: availability.NotFound})))
	})

	It("should follow the camera count", func() {
		backend.SetDevices(devicetest.Camera("A", "a"), devicetest.Camera("B", "b"))
		tracker.Watch(p)
		Expect(p.Start()).To(Succeed())

		Eventually(updates).Should(Receive(Equal(availability.Status{
			State: availability.Ready, Cameras: 2, Switcher: availability.SwitcherToggle,
		})))

		backend.Add(devicetest.Camera("C", "c"))
		Eventually(updates).Should(Receive(Equal(availability.Status{
			State: availability.Ready, Cameras: 3, Switcher: availability.SwitcherMenu,
		})))

		mock.Add(2 * time.Second)
		Consistently(updates).ShouldNot(Receive())
		Expect(tracker.Status().State).To(Equal(availability.Ready))
	})

	It("should report not found when the list empties", func() {
		backend.SetDevices(devicetest.Camera("A", "a"))
		tracker.Watch(p)
		Expect(p.Start()).To(Succeed())
		Eventually(updates).Should(Receive(HaveField("State", availability.Ready)))

		backend.Remove(devicetest.Camera("A", "a"))
		Eventually(updates).Should(Receive(Equal(availability.Status{State: availability.NotFound})))
	})

	It("should report a failed start as unavailable", func() {
		tracker.Watch(p)
		tracker.Fail(errors.New("missing plugin"))

		Eventually(updates).Should(Receive(HaveField("State", availability.Unavailable)))
		mock.Add(2 * time.Second)
		Expect(tracker.Status().State).To(Equal(availability.Unavailable))
	})

	It("should name its states", func() {
		Expect(availability.NotFound.String()).To(Equal("not-found"))
		Expect(availability.SwitcherMenu.String()).To(Equal("menu"))
		text, err := availability.Ready.MarshalText()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(text)).To(Equal("ready"))
	})

	It("should parse its names back", func() {
		var status availability.Status
		Expect(json.Unmarshal([]byte(`{"state":"not-found","cameras":0,"switcher":"toggle"}`), &status)).To(Succeed())
		Expect(status).To(Equal(availability.Status{State: availability.NotFound, Switcher: availability.SwitcherToggle}))

		Expect(json.Unmarshal([]byte(`{"state":"gone"}`), &status)).To(MatchError(ContainSubstring("unknown availability state")))
	})
})
