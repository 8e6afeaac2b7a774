// Package metrics exposes supervisor counters through Prometheus.
// Collectors always exist; Register makes them visible on a registry.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	workerSpawns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "garden",
			Subsystem: "supervisor",
			Name:      "worker_spawns_total",
			Help:      "Workers admitted into the fleet.",
		}, []string{"kind"},
	)
	workerReaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "garden",
			Subsystem: "supervisor",
			Name:      "worker_reaps_total",
			Help:      "Workers reaped, by exit code.",
		}, []string{"kind", "code"},
	)
	fleetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "garden",
			Subsystem: "supervisor",
			Name:      "fleet_size",
			Help:      "Workers currently in the child table.",
		},
	)
	exitAggregate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "garden",
			Subsystem: "supervisor",
			Name:      "exit_aggregate",
			Help:      "Current aggregate exit code under worst-case policy.",
		},
	)
)

// Register attaches the collectors to r. AlreadyRegistered is not an
// error; restarting the supervisor in-process reuses the collectors.
func Register(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{workerSpawns, workerReaps, fleetSize, exitAggregate} {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncSpawn(kind string) { workerSpawns.WithLabelValues(kind).Inc() }

func IncReap(kind string, code int) {
	workerReaps.WithLabelValues(kind, strconv.Itoa(code)).Inc()
}

func SetFleetSize(n int)     { fleetSize.Set(float64(n)) }
func SetExitAggregate(n int) { exitAggregate.Set(float64(n)) }
