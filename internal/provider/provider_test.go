package provider_test

import (
	"errors"
	"os"
	"strings"

	"github.com/ydb-platform/camera-manager/internal/device"
	"github.com/ydb-platform/camera-manager/internal/device/devicetest"
	"github.com/ydb-platform/camera-manager/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Provider", func() {
	var (
		backend *devicetest.Backend
		p       *provider.Provider
		rec     *recorder
	)

	camX := devicetest.Camera("Camera X", "x")
	camY := devicetest.Camera("Camera Y", "y")
	camZ := devicetest.Camera("Camera Z", "z")

	list := func() []device.TargetObject { return targets(p) }

	AfterEach(func() {
		if p != nil {
			p.Close()
		}
	})

	Context("startup", func() {
		It("should fail with MissingPlugin without a backend", func() {
			p = provider.New("pipewiredeviceprovider", nil)

			err := p.Start()
			Expect(err).To(MatchError(provider.ErrMissingPlugin))
			var missing *provider.MissingPluginError
			Expect(errors.As(err, &missing)).To(BeTrue())
			Expect(missing.Name).To(Equal("pipewiredeviceprovider"))
			Expect(p.IsStarted()).To(BeFalse())
		})

		It("should treat a backend that cannot be opened as missing", func() {
			p = provider.Open("nosuchprovider", device.Config{})

			Expect(p.Start()).To(MatchError(provider.ErrMissingPlugin))
			Expect(p.BackendName()).To(Equal("nosuchprovider"))
		})

		It("should surface backend start errors verbatim and allow a retry", func() {
			startErr := errors.New("pipewire: connection refused")
			backend = devicetest.NewBackend(devicetest.WithStartError(startErr), devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)

			Expect(p.Start()).To(BeIdenticalTo(startErr))
			Expect(p.IsStarted()).To(BeFalse())
			Expect(p.Len()).To(BeZero())
			Expect(rec.Changes()).To(BeEmpty())
			Expect(backend.Bus().HasWatch()).To(BeFalse())

			backend.SetStartError(nil)
			Expect(p.Start()).To(Succeed())
			Expect(p.IsStarted()).To(BeTrue())
			Expect(list()).To(Equal([]device.TargetObject{"x"}))
			Expect(backend.Starts()).To(Equal(2))
		})

		It("should be idempotent", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)

			Expect(p.Start()).To(Succeed())
			Expect(p.Start()).To(Succeed())

			Expect(backend.Starts()).To(Equal(1))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}}))
			Expect(rec.Started()).To(Equal([]bool{true}))
		})

		It("should only keep video sources from the snapshot", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(
				devicetest.Device("HDMI output", device.ClassVideoSink, "sink"),
				camX,
				devicetest.Device("Metadata", device.ClassMetadata, "meta"),
				camY,
			))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)

			Expect(p.Start()).To(Succeed())
			Expect(list()).To(Equal([]device.TargetObject{"x", "y"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 2}}))
			Expect(rec.Lengths()).To(Equal([]int{2}))
		})

		It("should drop infrared and repeated devices from the snapshot", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(
				camX,
				devicetest.Infrared("IR Camera", "ir"),
				devicetest.Camera("Camera X (again)", "x"),
			))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)

			Expect(p.Start()).To(Succeed())
			Expect(list()).To(Equal([]device.TargetObject{"x"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}}))

			camera, ok := p.Camera(0)
			Expect(ok).To(BeTrue())
			Expect(camera.DisplayName()).To(Equal("Camera X"))

			backend.Remove(camX)
			Eventually(list).Should(BeEmpty())
			Expect(rec.Removed()).To(Equal([]device.TargetObject{"x"}))
		})

		It("should roll back and panic when the bus watch cannot be installed", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)
			release := backend.Occupy()

			Expect(func() { _ = p.Start() }).To(PanicWith(MatchError(device.ErrWatchExists)))
			Expect(p.IsStarted()).To(BeFalse())
			Expect(p.Len()).To(BeZero())
			Expect(backend.IsStarted()).To(BeFalse())
			Expect(rec.Changes()).To(BeEmpty())

			release()
			Expect(p.Start()).To(Succeed())
			Expect(list()).To(Equal([]device.TargetObject{"x"}))
		})
	})

	Context("discovery events", func() {
		BeforeEach(func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)
			rec = record(p)
		})

		It("should follow the backend end to end", func() {
			Expect(p.Start()).To(Succeed())
			Expect(list()).To(Equal([]device.TargetObject{"x"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}}))

			backend.Add(camY)
			Eventually(list).Should(Equal([]device.TargetObject{"x", "y"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
			Expect(rec.Added()).To(Equal([]device.TargetObject{"y"}))

			backend.Remove(camX)
			Eventually(list).Should(Equal([]device.TargetObject{"y"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}, {0, 1, 0}}))
			Expect(rec.Removed()).To(Equal([]device.TargetObject{"x"}))
		})

		It("should not track the same device twice", func() {
			Expect(p.Start()).To(Succeed())

			backend.Add(camY)
			backend.Add(devicetest.Camera("Camera Y (renamed)", "y"))
			backend.Add(camZ)

			Eventually(list).Should(Equal([]device.TargetObject{"x", "y", "z"}))
			Expect(rec.Added()).To(Equal([]device.TargetObject{"y", "z"}))
		})

		It("should ignore devices that are not video sources or are infrared", func() {
			Expect(p.Start()).To(Succeed())

			backend.Add(devicetest.Device("Speaker", "Audio/Sink", "speaker"))
			backend.Add(devicetest.Infrared("IR Camera", "ir"))
			backend.Add(&device.Info{
				Name:       "Tagged",
				Class:      device.ClassVideoSource,
				Target:     "tagged",
				Capability: &device.Caps{Tags: []string{device.TagInfrared}},
			})
			backend.Post(device.DeviceAdded{})
			backend.Add(camZ)

			Eventually(list).Should(Equal([]device.TargetObject{"x", "z"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
		})

		It("should ignore messages carrying a nil device pointer", func() {
			Expect(p.Start()).To(Succeed())

			backend.Post(device.DeviceAdded{Device: (*device.Info)(nil)})
			backend.Post(device.DeviceRemoved{Device: (*device.Info)(nil)})
			backend.Add(camZ)

			Eventually(list).Should(Equal([]device.TargetObject{"x", "z"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
			Expect(rec.Removed()).To(BeEmpty())
		})

		It("should ignore removal of unknown devices", func() {
			Expect(p.Start()).To(Succeed())

			backend.Remove(camY)
			backend.Remove(devicetest.Device("Speaker", "Audio/Sink", "x"))
			backend.Post(device.DeviceRemoved{})
			backend.Add(camZ)

			Eventually(list).Should(Equal([]device.TargetObject{"x", "z"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
			Expect(rec.Removed()).To(BeEmpty())
		})

		It("should announce removal at the position of the removed camera", func() {
			backend.SetDevices(camX, camY, camZ)
			Expect(p.Start()).To(Succeed())

			backend.Remove(devicetest.Camera("another name", "y"))

			Eventually(list).Should(Equal([]device.TargetObject{"x", "z"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 3}, {1, 1, 0}}))
			Expect(rec.Lengths()).To(Equal([]int{3, 2}))
		})

		It("should survive error and unrelated messages", func() {
			Expect(p.Start()).To(Succeed())

			backend.Post(device.ErrorMessage{Source: "/pipewire/node/42", Err: errors.New("device busy"), Debug: "spa"})
			backend.Post(device.ProviderStarted{})
			backend.Post(device.DeviceChanged{Device: camX, Old: camX})
			backend.Add(camY)

			Eventually(list).Should(Equal([]device.TargetObject{"x", "y"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
		})

		It("should announce the snapshot before queued bus messages", func() {
			backend.Add(camX)
			backend.Add(camY)

			Expect(p.Start()).To(Succeed())

			Eventually(list).Should(Equal([]device.TargetObject{"x", "y"}))
			Expect(rec.Changes()).To(Equal([]change{{0, 0, 1}, {1, 0, 1}}))
		})

		It("should not process messages before it is started", func() {
			backend.Add(camY)
			Consistently(p.Len).Should(BeZero())
			Expect(rec.Changes()).To(BeEmpty())
		})
	})

	Context("default camera", func() {
		usb := func(c *provider.Camera) bool {
			return strings.Contains(c.Property(device.PropertyBus), "USB")
		}
		onBus := func(name string, target device.TargetObject, bus string) *device.Info {
			d := devicetest.Camera(name, target)
			d.Props[device.PropertyBus] = bus
			return d
		}

		BeforeEach(func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(
				onBus("CamA", "a", "PCI"),
				onBus("CamB", "b", "USB"),
				onBus("CamC", "c", "USB"),
			))
			p = provider.New(devicetest.Name, backend)
		})

		It("should pick the first camera the selector accepts", func() {
			Expect(p.StartWithDefault(usb)).To(Succeed())

			camera, found := p.DefaultCamera()
			Expect(found).To(BeTrue())
			Expect(camera.DisplayName()).To(Equal("CamB"))
		})

		It("should have no default without a selector", func() {
			Expect(p.Start()).To(Succeed())

			_, found := p.DefaultCamera()
			Expect(found).To(BeFalse())
		})

		It("should keep the first selector", func() {
			Expect(p.Start(provider.WithDefault(usb))).To(Succeed())
			Expect(p.Start(provider.WithDefault(func(*provider.Camera) bool { return true }))).To(Succeed())

			camera, found := p.DefaultCamera()
			Expect(found).To(BeTrue())
			Expect(camera.TargetObject()).To(Equal(device.TargetObject("b")))
		})
	})

	Context("list model", func() {
		It("should bounds check positions", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX, camY))
			p = provider.New(devicetest.Name, backend)
			Expect(p.Start()).To(Succeed())

			Expect(p.Len()).To(Equal(2))
			camera, found := p.Camera(1)
			Expect(found).To(BeTrue())
			Expect(camera.SameDevice(provider.NewCamera(camY))).To(BeTrue())

			_, found = p.Camera(2)
			Expect(found).To(BeFalse())
			_, found = p.Camera(-1)
			Expect(found).To(BeFalse())
		})

		It("should stop notifying disconnected observers and keep registration order", func() {
			backend = devicetest.NewBackend()
			p = provider.New(devicetest.Name, backend)

			order := make(chan string, 8)
			cancel := p.ConnectCameraAdded(func(provider.View, *provider.Camera) { order <- "first" })
			p.ConnectCameraAdded(func(provider.View, *provider.Camera) { order <- "second" })
			Expect(p.Start()).To(Succeed())

			backend.Add(camX)
			Eventually(order).Should(Receive(Equal("first")))
			Eventually(order).Should(Receive(Equal("second")))

			cancel()
			cancel()
			backend.Add(camY)
			Eventually(order).Should(Receive(Equal("second")))
			Consistently(order).ShouldNot(Receive())
		})

		It("should let observers read the list they are told about", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)

			seen := make(chan string, 1)
			p.ConnectCameraAdded(func(v provider.View, c *provider.Camera) {
				last, _ := v.Camera(v.Len() - 1)
				seen <- last.DisplayName()
			})
			Expect(p.Start()).To(Succeed())

			backend.Add(camY)
			Eventually(seen).Should(Receive(Equal("Camera Y")))
		})
	})

	Context("file descriptor", func() {
		var r, w *os.File

		BeforeEach(func() {
			var err error
			r, w, err = os.Pipe()
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() {
				_ = r.Close()
				_ = w.Close()
			})
		})

		It("should hand the descriptor to capable backends and own it", func() {
			backend = devicetest.NewBackend(devicetest.WithFD())
			p = provider.New(devicetest.Name, backend)
			fd := int(w.Fd())

			Expect(p.SetFD(w)).To(Succeed())
			Expect(backend.FDs()).To(Equal([]int{fd}))

			p.Close()
			Expect(backend.FDs()).To(Equal([]int{fd, device.InvalidFD}))
			Expect(backend.Closed()).To(BeTrue())
			Expect(w.Close()).To(MatchError(os.ErrClosed))
		})

		It("should close the previous descriptor when replaced", func() {
			backend = devicetest.NewBackend(devicetest.WithFD())
			p = provider.New(devicetest.Name, backend)

			Expect(p.SetFD(r)).To(Succeed())
			Expect(p.SetFD(w)).To(Succeed())

			Expect(r.Close()).To(MatchError(os.ErrClosed))
			_, err := w.Write([]byte("still open"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should refuse descriptors once started", func() {
			backend = devicetest.NewBackend(devicetest.WithFD())
			p = provider.New(devicetest.Name, backend)
			Expect(p.SetFD(r)).To(Succeed())
			Expect(p.Start()).To(Succeed())

			Expect(p.SetFD(w)).To(MatchError(provider.ErrProvidedStarted))
			Expect(backend.FDs()).To(HaveLen(1))
			_, err := w.Write([]byte("caller still owns it"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should leave the descriptor to the caller on old backends", func() {
			backend = devicetest.NewBackend()
			p = provider.New(devicetest.Name, backend)

			Expect(p.SetFD(w)).To(MatchError(provider.ErrOldVersion))
			Expect(backend.FDs()).To(BeEmpty())

			p.Close()
			_, err := w.Write([]byte("caller still owns it"))
			Expect(err).NotTo(HaveOccurred())

			missing := provider.New("pipewiredeviceprovider", nil)
			defer missing.Close()
			Expect(missing.SetFD(w)).To(MatchError(provider.ErrOldVersion))
		})
	})

	Context("teardown", func() {
		It("should stop the backend and refuse further work", func() {
			backend = devicetest.NewBackend(devicetest.WithDevices(camX))
			p = provider.New(devicetest.Name, backend)
			Expect(p.Start()).To(Succeed())

			p.Close()
			p.Close()

			Expect(backend.Stops()).To(Equal(1))
			Expect(backend.Closed()).To(BeTrue())
			Expect(p.Start()).To(MatchError(provider.ErrClosed))
			Expect(p.Len()).To(BeZero())
			Expect(p.IsStarted()).To(BeFalse())
			Expect(backend.Add(camY)).To(BeFalse())
		})
	})
})
