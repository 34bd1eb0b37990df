// Package metrics records the outcome of a run in the node_exporter textfile
// format so that upgrade health can be alerted on without a resident daemon.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nixos_upgrade"

// Outcome is what a single run reports.
type Outcome struct {
	Finished        time.Time
	Duration        time.Duration
	Success         bool
	Stage           string
	RebootTriggered bool
	RebootDeferred  bool
	ImageChanged    bool
}

// Write renders outcome into path atomically.
func Write(path string, outcome Outcome) error {
	registry := prometheus.NewRegistry()

	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
		g.Set(value)
		registry.MustRegister(g)
	}

	gauge("last_run_timestamp_seconds", "Unix time the last upgrade run finished.", float64(outcome.Finished.Unix()))
	gauge("last_run_duration_seconds", "Wall time of the last upgrade run.", outcome.Duration.Seconds())
	gauge("last_run_success", "Whether the last upgrade run succeeded.", boolValue(outcome.Success))
	gauge("reboot_triggered", "Whether the last run scheduled a reboot.", boolValue(outcome.RebootTriggered))
	gauge("reboot_deferred", "Whether the last run skipped a required reboot outside the window.", boolValue(outcome.RebootDeferred))
	gauge("image_changed", "Whether the built kernel, initrd or modules differ from the booted ones.", boolValue(outcome.ImageChanged))

	stage := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_stage",
		Help:      "Stage the last upgrade run ended in.",
	}, []string{"stage"})
	stage.WithLabelValues(outcome.Stage).Set(1)
	registry.MustRegister(stage)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func boolValue(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
