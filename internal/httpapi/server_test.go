package httpapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/ydb-platform/camera-manager/internal/availability"
	"github.com/ydb-platform/camera-manager/internal/device/devicetest"
	"github.com/ydb-platform/camera-manager/internal/httpapi"
	"github.com/ydb-platform/camera-manager/internal/metrics"
	"github.com/ydb-platform/camera-manager/internal/provider"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/gstruct"
)

type camera struct {
	Position     int      `json:"position"`
	Name         string   `json:"name"`
	Class        string   `json:"class"`
	TargetObject string   `json:"target_object"`
	Formats      []string `json:"formats"`
	Infrared     bool     `json:"infrared"`
	Default      bool     `json:"default"`
}

type status struct {
	Backend      string               `json:"backend"`
	Started      bool                 `json:"started"`
	Cameras      int                  `json:"cameras"`
	Availability *availability.Status `json:"availability"`
}

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readEvent(conn *websocket.Conn, timeout time.Duration) (event, error) {
	var ev event
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ev, err
	}
	err := conn.ReadJSON(&ev)
	return ev, err
}

func get(url string, into any) int {
	GinkgoHelper()
	resp, err := http.Get(url)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	Expect(resp.Header.Get("Content-Type")).To(HavePrefix("application/json"))
	if into != nil {
		Expect(json.NewDecoder(resp.Body).Decode(into)).To(Succeed())
	}
	return resp.StatusCode
}

var _ = Describe("Server", func() {
	var (
		backend *devicetest.Backend
		p       *provider.Provider
		tracker *availability.Tracker
		probe   []string
		srv     *httpapi.Server
		ts      *httptest.Server
	)

	BeforeEach(func() {
		probe = nil
		backend = devicetest.NewBackend(devicetest.WithDevices(
			devicetest.Camera("A", "a"),
			devicetest.Camera("B", "b"),
		))
		p = provider.New(devicetest.Name, backend)
		DeferCleanup(p.Close)

		tracker = availability.New(availability.WithClock(clock.NewMock()))
		DeferCleanup(tracker.Close)
		tracker.Watch(p)

		reg := prom.NewRegistry()
		metrics.New(reg).Observe(p)

		srv = httpapi.New("127.0.0.1:0", p,
			httpapi.WithTracker(tracker),
			httpapi.WithGatherer(reg),
			httpapi.WithProbe(func(context.Context) []string { return probe }),
		)
		DeferCleanup(srv.Close)

		ts = httptest.NewServer(srv.Handler())
		DeferCleanup(ts.Close)
	})

	dial := func() *websocket.Conn {
		GinkgoHelper()
		conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/api/v1/events", nil)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(conn.Close)
		return conn
	}

	start := func() {
		GinkgoHelper()
		Expect(p.StartWithDefault(func(c *provider.Camera) bool {
			return c.DisplayName() == "B"
		})).To(Succeed())
	}

	Context("health", func() {
		It("should fail until discovery is started", func() {
			var body map[string]any
			Expect(get(ts.URL+"/healthz", &body)).To(Equal(http.StatusServiceUnavailable))
			Expect(body).To(HaveKeyWithValue("error", "discovery is not started"))

			start()
			Expect(get(ts.URL+"/healthz", &body)).To(Equal(http.StatusOK))
		})

		It("should report failing probes", func() {
			start()
			probe = []string{"example.com/camera"}

			var body map[string]any
			Expect(get(ts.URL+"/healthz", &body)).To(Equal(http.StatusServiceUnavailable))
			Expect(body).To(HaveKeyWithValue("failed", ConsistOf("example.com/camera")))
		})
	})

	Context("cameras", func() {
		BeforeEach(start)

		It("should list the cameras", func() {
			var cameras []camera
			Expect(get(ts.URL+"/api/v1/cameras", &cameras)).To(Equal(http.StatusOK))
			Expect(cameras).To(HaveLen(2))
			Expect(cameras[0]).To(gstruct.MatchFields(gstruct.IgnoreExtras, gstruct.Fields{
				"Position":     Equal(0),
				"Name":         Equal("A"),
				"TargetObject": Equal("a"),
				"Default":      BeFalse(),
			}))
			Expect(cameras[1].Default).To(BeTrue())
		})

		It("should return a camera by position", func() {
			var c camera
			Expect(get(ts.URL+"/api/v1/cameras/1", &c)).To(Equal(http.StatusOK))
			Expect(c.Name).To(Equal("B"))

			var body map[string]string
			Expect(get(ts.URL+"/api/v1/cameras/2", &body)).To(Equal(http.StatusNotFound))
			Expect(body).To(HaveKeyWithValue("error", "camera not found"))
		})

		It("should return the default camera", func() {
			var c camera
			Expect(get(ts.URL+"/api/v1/cameras/default", &c)).To(Equal(http.StatusOK))
			Expect(c.Position).To(Equal(1))
			Expect(c.TargetObject).To(Equal("b"))
		})

		It("should toggle between the first two cameras", func() {
			var c camera
			Expect(get(ts.URL+"/api/v1/cameras/0/next", &c)).To(Equal(http.StatusOK))
			Expect(c.Name).To(Equal("B"))
			Expect(get(ts.URL+"/api/v1/cameras/1/next", &c)).To(Equal(http.StatusOK))
			Expect(c.Name).To(Equal("A"))
		})

		It("should report the status", func() {
			var s status
			Expect(get(ts.URL+"/api/v1/status", &s)).To(Equal(http.StatusOK))
			Expect(s.Backend).To(Equal(devicetest.Name))
			Expect(s.Started).To(BeTrue())
			Expect(s.Cameras).To(Equal(2))
			Expect(s.Availability).NotTo(BeNil())
			Expect(s.Availability.State).To(Equal(availability.Ready))
		})
	})

	Context("no default", func() {
		It("should answer 404", func() {
			Expect(p.Start()).To(Succeed())
			var body map[string]string
			Expect(get(ts.URL+"/api/v1/cameras/default", &body)).To(Equal(http.StatusNotFound))
			Expect(body).To(HaveKeyWithValue("error", "no default camera"))
		})
	})

	It("should expose metrics", func() {
		start()
		resp, err := http.Get(ts.URL + "/metrics")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("camera_manager_cameras 2"))
	})

	Context("events", func() {
		var conn *websocket.Conn

		BeforeEach(func() {
			conn = dial()
		})

		read := func() event {
			GinkgoHelper()
			ev, err := readEvent(conn, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			return ev
		}

		It("should send a snapshot first", func() {
			ev := read()
			Expect(ev.Type).To(Equal(httpapi.EventSnapshot))

			var snapshot struct {
				Status  status   `json:"status"`
				Cameras []camera `json:"cameras"`
			}
			Expect(json.Unmarshal(ev.Data, &snapshot)).To(Succeed())
			Expect(snapshot.Status.Started).To(BeFalse())
			Expect(snapshot.Cameras).To(BeEmpty())
		})

		It("should stream changes", func() {
			Expect(read().Type).To(Equal(httpapi.EventSnapshot))
			start()

			seen := map[string]int{}
			for seen[httpapi.EventStarted] == 0 {
				seen[read().Type]++
			}
			Expect(seen).To(HaveKeyWithValue(httpapi.EventItemsChanged, 1))
			Expect(seen).NotTo(HaveKey(httpapi.EventCameraAdded))

			backend.Add(devicetest.Camera("C", "c"))
			var added camera
			for {
				ev := read()
				if ev.Type == httpapi.EventCameraAdded {
					Expect(json.Unmarshal(ev.Data, &added)).To(Succeed())
					break
				}
			}
			Expect(added.Name).To(Equal("C"))
			Expect(added.Position).To(Equal(2))
		})

		It("should carry the whole list in items-changed", func() {
			Expect(read().Type).To(Equal(httpapi.EventSnapshot))
			start()

			var changed struct {
				Position int      `json:"position"`
				Added    int      `json:"added"`
				Cameras  []camera `json:"cameras"`
			}
			for {
				ev := read()
				if ev.Type == httpapi.EventItemsChanged {
					Expect(json.Unmarshal(ev.Data, &changed)).To(Succeed())
					break
				}
			}
			Expect(changed.Added).To(Equal(2))
			Expect(changed.Cameras).To(HaveLen(2))
			Expect(changed.Cameras[1].Default).To(BeTrue())
		})
	})

	Context("change in flight", func() {
		It("should not report a camera twice to a client that connects meanwhile", func() {
			start()

			release := srv.HoldStream()
			backend.Add(devicetest.Camera("C", "c"))
			Eventually(p.Len).Should(Equal(3))
			conn := dial()
			release()

			ev, err := readEvent(conn, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev.Type).To(Equal(httpapi.EventSnapshot))
			var snapshot struct {
				Cameras []camera `json:"cameras"`
			}
			Expect(json.Unmarshal(ev.Data, &snapshot)).To(Succeed())

			seen := map[string]int{}
			for _, c := range snapshot.Cameras {
				seen[c.TargetObject]++
			}
			for seen["c"] == 0 {
				ev, err := readEvent(conn, 5*time.Second)
				Expect(err).NotTo(HaveOccurred())
				if ev.Type == httpapi.EventCameraAdded {
					var added camera
					Expect(json.Unmarshal(ev.Data, &added)).To(Succeed())
					seen[added.TargetObject]++
				}
			}

			// Drain until the stream goes quiet: c must not show up again.
			for {
				ev, err := readEvent(conn, 500*time.Millisecond)
				if err != nil {
					break
				}
				Expect(ev.Type).NotTo(Equal(httpapi.EventCameraAdded))
			}
			Expect(seen).To(Equal(map[string]int{"a": 1, "b": 1, "c": 1}))
		})
	})
})
