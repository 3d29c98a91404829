// Package metrics holds the vault lifecycle counters and the server that
// exposes them in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mpc_vault"

var registry = prometheus.NewRegistry()

var (
	VaultsCreated         = counter("vaults_created_total", "Vaults registered.")
	AccessRequests        = counter("access_requests_total", "Access requests that started a computation cycle.")
	ComputationsCompleted = counter("computations_completed_total", "Computation results accepted from the fabric.")
	AttestationsCompleted = counter("attestations_completed_total", "Values that reached an attestor quorum.")
	Deliveries            = counter("deliveries_total", "Attested values delivered to their requester.")
	StaleResets           = counter("stale_resets_total", "Vaults reset after a computation or attestation timeout.")
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
	registry.MustRegister(c)
	return c
}

// Handler serves the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

type MetricsServer struct {
	srv *http.Server
}

func New(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (s *MetricsServer) ListenAndServe() error {
	return s.srv.ListenAndServe()
}

func (s *MetricsServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
