// Package metrics exposes bus and device job counters to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dsyorkd/hydro-controller/internal/logger"
)

const (
	namespace = "hydro"

	// Device classes used as the class label
	ClassPump  = "pump"
	ClassFlow  = "flow"
	ClassRelay = "relay"
)

// Metrics holds every collector, registered on one registry
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandAttempts *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
	volumeTotal     *prometheus.CounterVec
	activeJobs      *prometheus.GaugeVec
	relayWrites     *prometheus.CounterVec
	relayState      *prometheus.GaugeVec
}

// New creates collectors on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		commandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "i2c",
				Name:      "commands_total",
				Help:      "Device commands sent on the I2C bus by result",
			},
			[]string{"address", "verb", "result"},
		),
		commandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "i2c",
				Name:      "command_duration_seconds",
				Help:      "Time from requesting the bus to the decoded answer",
				Buckets:   []float64{0.1, 0.3, 0.5, 0.75, 1, 2, 5},
			},
			[]string{"verb"},
		),
		commandAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "i2c",
				Name:      "command_attempts_total",
				Help:      "Bus attempts including retries",
			},
			[]string{"address"},
		),
		jobsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Finished pump and flow meter jobs by outcome",
			},
			[]string{"class", "outcome"},
		),
		volumeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "volume_total",
				Help:      "Volume moved by finished jobs, ml for pumps and gallons for flow meters",
			},
			[]string{"class", "id"},
		),
		activeJobs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_jobs",
				Help:      "Jobs currently running",
			},
			[]string{"class"},
		),
		relayWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "writes_total",
				Help:      "Relay output writes by result",
			},
			[]string{"relay", "result"},
		),
		relayState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "relay",
				Name:      "on",
				Help:      "1 when the relay is switched on",
			},
			[]string{"relay"},
		),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCommand records one transport Send
func (m *Metrics) ObserveCommand(address int, verb, result string, attempts int, elapsed time.Duration) {
	addr := fmt.Sprintf("0x%02x", address)
	m.commandsTotal.WithLabelValues(addr, verb, result).Inc()
	m.commandDuration.WithLabelValues(verb).Observe(elapsed.Seconds())
	if attempts > 0 {
		m.commandAttempts.WithLabelValues(addr).Add(float64(attempts))
	}
}

// JobFinished records a job reaching a terminal state and the volume it moved
func (m *Metrics) JobFinished(class string, id int, outcome string, volume float64) {
	m.jobsTotal.WithLabelValues(class, outcome).Inc()
	if volume > 0 {
		m.volumeTotal.WithLabelValues(class, strconv.Itoa(id)).Add(volume)
	}
}

// SetActiveJobs records how many jobs of a class are running
func (m *Metrics) SetActiveJobs(class string, n int) {
	m.activeJobs.WithLabelValues(class).Set(float64(n))
}

// RelayWritten records a relay output write
func (m *Metrics) RelayWritten(id int, on bool, err error) {
	relay := strconv.Itoa(id)
	if err != nil {
		m.relayWrites.WithLabelValues(relay, "error").Inc()
		return
	}
	m.relayWrites.WithLabelValues(relay, "ok").Inc()
	value := 0.0
	if on {
		value = 1
	}
	m.relayState.WithLabelValues(relay).Set(value)
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes the handler on listen at path until ctx is done
func (m *Metrics) Serve(ctx context.Context, listen, path string, log logger.Interface) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	server := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Metrics endpoint listening", "listen", listen, "path", path)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
