// Package health keeps per-cycle metrics and writes them where
// node_exporter's textfile collector can pick them up.
package health

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"sensornode-go/errcode"
	"sensornode-go/types"
)

// Recorder is the wake controller's view of metrics.
type Recorder interface {
	Record(r types.CycleReport)
	// Flush persists the metrics; called once per cycle just before sleep.
	Flush() error
}

type Metrics struct {
	reg      *prometheus.Registry
	textfile string

	cycles    *prometheus.CounterVec
	faults    *prometheus.CounterVec
	wakeCount prometheus.Gauge
	duration  prometheus.Gauge
	lastCycle prometheus.Gauge
	published prometheus.Gauge
}

var _ Recorder = (*Metrics)(nil)

// New registers the agent metrics on a private registry. An empty
// textfile makes Flush a no-op. Otherwise the counters continue from the
// values in the existing textfile, since in rtc mode every wake is a new
// process; a missing or unparsable file starts them from zero.
func New(textfile string, version types.FirmwareVersion) *Metrics {
	m := &Metrics{
		reg:      prometheus.NewRegistry(),
		textfile: textfile,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornode_cycles_total",
			Help: "Wake cycles by outcome.",
		}, []string{"outcome"}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sensornode_faults_total",
			Help: "Faults recorded during wake cycles, by code.",
		}, []string{"code"}),
		wakeCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensornode_wake_count",
			Help: "Persisted wake counter after the last cycle.",
		}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensornode_cycle_duration_seconds",
			Help: "Wall time of the last cycle, from wake to sleep.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensornode_last_cycle_timestamp_seconds",
			Help: "Unix time at which the last cycle started.",
		}),
		published: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sensornode_last_cycle_published",
			Help: "1 if the last cycle delivered its reading.",
		}),
	}
	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sensornode_firmware_info",
		Help: "Running firmware version.",
	}, []string{"version"})
	info.WithLabelValues(string(version)).Set(1)

	m.reg.MustRegister(m.cycles, m.faults, m.wakeCount, m.duration, m.lastCycle, m.published, info)

	for _, o := range types.Outcomes {
		m.cycles.WithLabelValues(o.String())
	}
	for _, c := range errcode.Codes {
		m.faults.WithLabelValues(string(c))
	}
	if textfile != "" {
		m.seed()
	}
	return m
}

func (m *Metrics) seed() error {
	f, err := os.Open(m.textfile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return err
	}
	for name, vec := range map[string]*prometheus.CounterVec{
		"sensornode_cycles_total": m.cycles,
		"sensornode_faults_total": m.faults,
	} {
		mf := families[name]
		if mf == nil || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := prometheus.Labels{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			c, err := vec.GetMetricWith(labels)
			if err != nil {
				continue
			}
			if v := metric.GetCounter().GetValue(); v > 0 {
				c.Add(v)
			}
		}
	}
	return nil
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Record(r types.CycleReport) {
	if r.Outcome != 0 {
		m.cycles.WithLabelValues(r.Outcome.String()).Inc()
	}
	for _, err := range r.Faults {
		m.faults.WithLabelValues(string(errcode.Of(err))).Inc()
	}
	m.wakeCount.Set(float64(r.Count))
	m.duration.Set(r.Duration.Seconds())
	if !r.Started.IsZero() {
		m.lastCycle.Set(float64(r.Started.UnixNano()) / 1e9)
	}
	if r.Published {
		m.published.Set(1)
	} else {
		m.published.Set(0)
	}
}

func (m *Metrics) Flush() error {
	if m.textfile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.textfile), 0o755); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	if err := prometheus.WriteToTextfile(m.textfile, m.reg); err != nil {
		return fmt.Errorf("health: %w", err)
	}
	return nil
}
