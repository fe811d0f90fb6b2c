// Package metrics holds the orchestrator's prometheus collectors.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Metrics struct {
	Registry *prometheus.Registry

	ProbeAttempts *prometheus.CounterVec
	ReadySeconds  *prometheus.GaugeVec
	ServiceExits  *prometheus.CounterVec
	Phase         *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		ProbeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devnet_probe_attempts_total",
			Help: "Readiness probe attempts by service and probe stage",
		}, []string{"service", "stage"}),
		ReadySeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devnet_service_ready_seconds",
			Help: "Seconds from launch until the service was ready",
		}, []string{"service"}),
		ServiceExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devnet_service_exits_total",
			Help: "Observed service process exits",
		}, []string{"service"}),
		Phase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "devnet_phase",
			Help: "1 for the orchestrator's current phase, 0 otherwise",
		}, []string{"phase"}),
	}
	reg.MustRegister(m.ProbeAttempts, m.ReadySeconds, m.ServiceExits, m.Phase)
	return m
}

// SetPhase marks phase as current among phases.
func (m *Metrics) SetPhase(phase string, phases []string) {
	if m == nil {
		return
	}
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.Phase.WithLabelValues(p).Set(v)
	}
}

func (m *Metrics) ProbeAttempt(service, stage string) {
	if m == nil {
		return
	}
	m.ProbeAttempts.WithLabelValues(service, stage).Inc()
}

func (m *Metrics) Ready(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.ReadySeconds.WithLabelValues(service).Set(d.Seconds())
}

func (m *Metrics) Exit(service string) {
	if m == nil {
		return
	}
	m.ServiceExits.WithLabelValues(service).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen metrics")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 2 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "serve metrics")
	}
	return nil
}
