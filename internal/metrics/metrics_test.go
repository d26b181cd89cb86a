package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/ayusman/viewdistance/internal/model"
)

func TestMetricsManagerCreation(t *testing.T) {
	Convey("Given metrics manager creation", t, func() {
		Convey("When creating with default options", func() {
			manager := NewManager()

			Convey("Then it should own a registry", func() {
				So(manager, ShouldNotBeNil)
				So(manager.Registry(), ShouldNotBeNil)
			})
		})

		Convey("When creating with custom options", func() {
			registry := prometheus.NewRegistry()
			manager := NewManager(
				WithNamespace("test"),
				WithSubsystem("tracker"),
				WithHistogramBuckets([]float64{1, 10, 100}),
				WithMetricsEnabled(true),
				WithPrometheusRegistry(registry),
			)

			Convey("Then metric names should carry the namespace and subsystem", func() {
				So(manager.Registry(), ShouldEqual, registry)
				manager.TickSkipped()

				families, err := registry.Gather()
				So(err, ShouldBeNil)

				var names []string
				for _, f := range families {
					names = append(names, f.GetName())
				}
				So(names, ShouldContain, "test_tracker_tracker_ticks_skipped_total")
			})
		})
	})
}

func TestMetricsRecording(t *testing.T) {
	Convey("Given a metrics manager", t, func() {
		manager := NewManager(WithPrometheusRegistry(prometheus.NewRegistry()))

		Convey("When estimates are produced", func() {
			manager.EstimateProduced(model.DistanceEstimate{DistanceCm: 52.5, LatencyMs: 120})
			manager.EstimateProduced(model.DistanceEstimate{DistanceCm: 48, LatencyMs: 80})

			Convey("Then the counter, gauge and histogram should update", func() {
				So(testutil.ToFloat64(manager.estimates), ShouldEqual, 2)
				So(testutil.ToFloat64(manager.distance), ShouldEqual, 48)
				So(testutil.CollectAndCount(manager.estimateLatency), ShouldEqual, 1)
			})
		})

		Convey("When tracker events are recorded", func() {
			manager.TickSkipped()
			manager.FrameWithoutFace()
			manager.FrameWithoutFace()
			manager.SourceError()
			manager.Correction("closer")
			manager.SetTrackerRunning(true)

			Convey("Then each counter should reflect its events", func() {
				So(testutil.ToFloat64(manager.ticksSkipped), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.framesWithout), ShouldEqual, 2)
				So(testutil.ToFloat64(manager.sampleErrors), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.corrections.WithLabelValues("closer")), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.trackerRunning), ShouldEqual, 1)
			})

			Convey("Then stopping the tracker should clear the running gauge", func() {
				manager.SetTrackerRunning(false)
				So(testutil.ToFloat64(manager.trackerRunning), ShouldEqual, 0)
			})
		})

		Convey("When calibrations are recorded", func() {
			manager.CalibrationAccepted(model.MethodBlindSpot)
			manager.CalibrationRejected(RejectRepeatability)
			manager.CalibrationRejected(RejectTolerance)
			manager.CalibrationRejected(RejectTolerance)

			Convey("Then they should be labelled by method and kind", func() {
				So(testutil.ToFloat64(manager.calibrations.WithLabelValues("BlindSpot")), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.rejections.WithLabelValues(RejectRepeatability)), ShouldEqual, 1)
				So(testutil.ToFloat64(manager.rejections.WithLabelValues(RejectTolerance)), ShouldEqual, 2)
			})
		})

		Convey("When an HTTP request is recorded", func() {
			manager.HTTPRequest("/api/health", "GET", 200, 5*time.Millisecond)

			Convey("Then the request counter should be labelled by status", func() {
				So(testutil.ToFloat64(manager.httpRequests.WithLabelValues("/api/health", "GET", "200")), ShouldEqual, 1)
			})
		})
	})
}

func TestMetricsDisabled(t *testing.T) {
	Convey("Given a disabled metrics manager", t, func() {
		manager := NewManager(
			WithMetricsEnabled(false),
			WithPrometheusRegistry(prometheus.NewRegistry()),
		)

		Convey("When events are recorded", func() {
			manager.EstimateProduced(model.DistanceEstimate{DistanceCm: 50})
			manager.TickSkipped()
			manager.CalibrationAccepted(model.MethodObject)

			Convey("Then nothing should be counted", func() {
				So(testutil.ToFloat64(manager.estimates), ShouldEqual, 0)
				So(testutil.ToFloat64(manager.ticksSkipped), ShouldEqual, 0)
				So(testutil.ToFloat64(manager.calibrations.WithLabelValues("Object")), ShouldEqual, 0)
			})
		})
	})
}

func TestMetricsHandler(t *testing.T) {
	Convey("Given a metrics manager with recorded estimates", t, func() {
		manager := NewManager(WithPrometheusRegistry(prometheus.NewRegistry()))
		manager.EstimateProduced(model.DistanceEstimate{DistanceCm: 61})

		Convey("When the handler is scraped", func() {
			rec := httptest.NewRecorder()
			manager.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
			body, _ := io.ReadAll(rec.Body)

			Convey("Then the exposition should include the distance gauge", func() {
				So(rec.Code, ShouldEqual, 200)
				So(strings.Contains(string(body), "viewdistance_distance_cm 61"), ShouldBeTrue)
			})
		})
	})
}
