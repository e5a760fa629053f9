package queryserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"k8s.io/klog/v2"

	"github.com/pwnguard/pwnguard/internal/hibp"
	"github.com/pwnguard/pwnguard/internal/rsqf"
)

var queryOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "pwnguard_query_outcomes_total",
		Help: "Query requests by outcome.",
	},
	[]string{"outcome"},
)

// filterReader is the subset of *rsqf.Filter (or an mmap-backed
// wrapper) the server needs; it never calls Insert.
type filterReader interface {
	Contains(h hibp.Hash) bool
}

// Server answers point membership queries over a read-only filter.
type Server struct {
	filter filterReader
}

// New wraps an already-loaded filter for serving.
func New(filter filterReader) *Server {
	return &Server{filter: filter}
}

// Handler returns the fasthttp handler for the single "/" route,
// wrapped in fasthttp.CompressHandler.
func (s *Server) Handler() fasthttp.RequestHandler {
	return fasthttp.CompressHandler(func(c *fasthttp.RequestCtx) {
		startedAt := time.Now()
		defer func() {
			klog.V(4).Infof("query request took %s", time.Since(startedAt))
		}()

		if !c.IsPost() {
			c.SetStatusCode(http.StatusMethodNotAllowed)
			queryOutcomes.WithLabelValues("bad_method").Inc()
			return
		}

		body := c.Request.Body()
		if len(body) != hibp.HashSize {
			c.SetStatusCode(http.StatusBadRequest)
			queryOutcomes.WithLabelValues("malformed").Inc()
			return
		}

		var h hibp.Hash
		copy(h[:], body)

		if s.filter.Contains(h) {
			c.SetStatusCode(http.StatusResetContent) // 205: compromised
			queryOutcomes.WithLabelValues("compromised").Inc()
			return
		}
		c.SetStatusCode(http.StatusNoContent) // 204: not compromised
		queryOutcomes.WithLabelValues("clean").Inc()
	})
}

// MetricsHandler exposes Prometheus metrics over plain net/http,
// served alongside (not instead of) the fasthttp query listener.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// LoadFilter mmap-loads the filter at path for serving.
func LoadFilter(path string) (filterReader, func() error, error) {
	f, err := rsqf.OpenMMAP(path)
	if err != nil {
		return nil, nil, fmt.Errorf("queryserver: load filter: %w", err)
	}
	return f, f.Close, nil
}
