package metrics

import (
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	managedProcesses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "managed_processes",
		Help:      "Number of processes currently tracked by the registry.",
	})

	processesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "processes_started_total",
		Help:      "Total number of processes spawned under supervision.",
	})

	processesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "processes_reaped_total",
		Help:      "Total number of already-exited entries removed by the reaper.",
	})

	terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Name:      "terminations_total",
		Help:      "Terminations by terminal state (exited, forced_killed, failed).",
	}, []string{"outcome"})

	terminationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Name:      "termination_duration_seconds",
		Help:      "Time for a single process to reach a terminal state during termination.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Name:      "build_info",
		Help:      "Build metadata for the running warden binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(managedProcesses, processesStarted, processesReaped, terminations, terminationSeconds, buildInfo)
}

// Registry returns the Prometheus registry containing all warden metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetManagedProcesses records the current registry size.
func SetManagedProcesses(n int) {
	if n < 0 {
		return
	}
	managedProcesses.Set(float64(n))
}

// IncrementProcessesStarted counts one successful spawn.
func IncrementProcessesStarted() {
	processesStarted.Inc()
}

// AddProcessesReaped counts entries removed by a reap pass.
func AddProcessesReaped(n int) {
	if n <= 0 {
		return
	}
	processesReaped.Add(float64(n))
}

// ObserveTermination records the terminal state and duration of one
// process termination.
func ObserveTermination(outcome string, d time.Duration) {
	if outcome == "" {
		outcome = "unknown"
	}
	terminations.WithLabelValues(outcome).Inc()
	terminationSeconds.Observe(d.Seconds())
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
