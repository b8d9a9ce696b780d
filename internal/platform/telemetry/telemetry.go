// Package telemetry exposes Prometheus metrics for HTTP traffic and for the
// reservation, booking and billing flows. Every recorder method is safe to
// call on a nil receiver so callers can run without metrics.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "scheduler"

// HTTPMetrics records request counts and latency per route.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.requests, m.latency)
	return m
}

// Middleware observes every request. Routes are labelled by their echo path
// template so ids do not explode cardinality.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			m.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).Inc()
			m.latency.WithLabelValues(c.Request().Method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) echo.HandlerFunc {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// ReservationMetrics counts hold and session outcomes.
type ReservationMetrics struct {
	operations *prometheus.CounterVec
	replays    *prometheus.CounterVec
	purged     prometheus.Counter
}

func NewReservationMetrics(reg prometheus.Registerer) *ReservationMetrics {
	m := &ReservationMetrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "operations_total",
			Help:      "Reservation operations by kind and outcome code",
		}, []string{"operation", "outcome"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "idempotent_replays_total",
			Help:      "Requests answered from the idempotency store",
		}, []string{"operation"}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reservation",
			Name:      "expired_holds_purged_total",
			Help:      "Expired holds deleted by the purge command",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.replays, m.purged)
	return m
}

// ObserveOperation records operation ("hold", "confirm", ...) with outcome
// "ok" or an error code such as THERAPIST_CONFLICT.
func (m *ReservationMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

func (m *ReservationMetrics) ObserveReplay(operation string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(operation).Inc()
}

func (m *ReservationMetrics) ObservePurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.Add(float64(n))
}

// BookingMetrics tracks orchestrated bookings end to end.
type BookingMetrics struct {
	bookings      *prometheus.CounterVec
	latency       prometheus.Histogram
	releaseErrors prometheus.Counter
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Booking attempts by failing stage (\"none\" on success) and outcome",
		}, []string{"stage", "outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "duration_seconds",
			Help:      "Time to hold, confirm and persist billing for a booking",
			Buckets:   prometheus.DefBuckets,
		}),
		releaseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "booking",
			Name:      "hold_release_failures_total",
			Help:      "Best-effort hold releases that failed after a confirm error",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookings, m.latency, m.releaseErrors)
	return m
}

func (m *BookingMetrics) ObserveBooking(stage, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bookings.WithLabelValues(stage, outcome).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *BookingMetrics) ObserveReleaseFailure() {
	if m == nil {
		return
	}
	m.releaseErrors.Inc()
}

// BillingMetrics counts line item writes.
type BillingMetrics struct {
	writes *prometheus.CounterVec
}

func NewBillingMetrics(reg prometheus.Registerer) *BillingMetrics {
	m := &BillingMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "line_item_writes_total",
			Help:      "Billing line item replacements by outcome and source",
		}, []string{"outcome", "source"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.writes)
	return m
}

func (m *BillingMetrics) ObserveWrite(outcome, source string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(outcome, source).Inc()
}
