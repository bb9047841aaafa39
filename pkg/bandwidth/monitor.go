package bandwidth

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Monitor tracks HTTP request and response sizes per route
type Monitor struct {
	bytesReceived *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	requests      *prometheus.CounterVec
	requestSize   *prometheus.HistogramVec
	responseSize  *prometheus.HistogramVec

	routeName func(*http.Request) string

	totalReceived atomic.Int64
	totalSent     atomic.Int64
	totalRequests atomic.Int64
}

// Stats holds process-wide traffic totals
type Stats struct {
	TotalBytesReceived int64 `json:"total_bytes_received"`
	TotalBytesSent     int64 `json:"total_bytes_sent"`
	TotalRequests      int64 `json:"total_requests"`
}

// NewMonitor creates a monitor registered on reg. routeName maps a request
// to a low-cardinality label (e.g. the mux route template); nil uses the
// URL path.
func NewMonitor(reg prometheus.Registerer, routeName func(*http.Request) string) (*Monitor, error) {
	if routeName == nil {
		routeName = func(r *http.Request) string { return r.URL.Path }
	}
	m := &Monitor{
		bytesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greengrid_http_request_bytes_total",
				Help: "Total bytes received in HTTP requests",
			},
			[]string{"method", "route"},
		),
		bytesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greengrid_http_response_bytes_total",
				Help: "Total bytes sent in HTTP responses",
			},
			[]string{"method", "route", "status"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "greengrid_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		requestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "greengrid_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route"},
		),
		responseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "greengrid_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 6),
			},
			[]string{"method", "route", "status"},
		),
		routeName: routeName,
	}

	for _, c := range []prometheus.Collector{m.bytesReceived, m.bytesSent, m.requests, m.requestSize, m.responseSize} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Middleware returns HTTP middleware that tracks bandwidth
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		// the route is only known once the router has matched
		route := m.routeName(r)
		method := r.Method
		status := strconv.Itoa(rw.statusCode)

		if size := r.ContentLength; size > 0 {
			m.bytesReceived.WithLabelValues(method, route).Add(float64(size))
			m.requestSize.WithLabelValues(method, route).Observe(float64(size))
			m.totalReceived.Add(size)
		}
		m.requests.WithLabelValues(method, route, status).Inc()
		m.totalRequests.Add(1)
		if rw.bytesWritten > 0 {
			m.bytesSent.WithLabelValues(method, route, status).Add(float64(rw.bytesWritten))
			m.responseSize.WithLabelValues(method, route, status).Observe(float64(rw.bytesWritten))
			m.totalSent.Add(int64(rw.bytesWritten))
		}
	})
}

// Stats returns traffic totals since start
func (m *Monitor) Stats() Stats {
	return Stats{
		TotalBytesReceived: m.totalReceived.Load(),
		TotalBytesSent:     m.totalSent.Load(),
		TotalRequests:      m.totalRequests.Load(),
	}
}

type responseWriter struct {
	http.ResponseWriter
	bytesWritten int
	statusCode   int
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
