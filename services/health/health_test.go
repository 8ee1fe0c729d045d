package health

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"sensornode-go/errcode"
	"sensornode-go/types"
)

func TestRecord(t *testing.T) {
	m := New("", "1.2.0")
	m.Record(types.CycleReport{
		Count:     24,
		Outcome:   types.OutcomeUpdateNotAvailable,
		Published: true,
		Faults:    []error{errcode.New(errcode.PublishFault, "post", errors.New("503"))},
		Started:   time.Unix(1700000000, 0),
		Duration:  1500 * time.Millisecond,
	})
	m.Record(types.CycleReport{
		Count:   25,
		Outcome: types.OutcomeSensorFailed,
		Faults:  []error{errcode.SensorFault},
	})

	if got := testutil.ToFloat64(m.cycles.WithLabelValues("update_not_available")); got != 1 {
		t.Fatalf("update_not_available = %v", got)
	}
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("sensor_failed")); got != 1 {
		t.Fatalf("sensor_failed = %v", got)
	}
	if got := testutil.ToFloat64(m.faults.WithLabelValues("publish_fault")); got != 1 {
		t.Fatalf("publish_fault = %v", got)
	}
	if got := testutil.ToFloat64(m.faults.WithLabelValues("sensor_fault")); got != 1 {
		t.Fatalf("sensor_fault = %v", got)
	}
	if got := testutil.ToFloat64(m.wakeCount); got != 25 {
		t.Fatalf("wake_count = %v", got)
	}
	if got := testutil.ToFloat64(m.published); got != 0 {
		t.Fatalf("published = %v", got)
	}
	if n := testutil.CollectAndCount(m.cycles); n != len(types.Outcomes) {
		t.Fatalf("outcome series = %d, want %d", n, len(types.Outcomes))
	}
}

func TestFlushTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "textfile", "sensornode.prom")
	m := New(path, "1.2.0")
	m.Record(types.CycleReport{Count: 3, Outcome: types.OutcomePublished, Published: true})
	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`sensornode_cycles_total{outcome="published"} 1`,
		`sensornode_wake_count 3`,
		`sensornode_firmware_info{version="1.2.0"} 1`,
	} {
		if !strings.Contains(string(b), want) {
			t.Errorf("textfile missing %q:\n%s", want, b)
		}
	}
}

func TestCountersContinueAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensornode.prom")
	for wake := 1; wake <= 3; wake++ {
		m := New(path, "1.2.0")
		m.Record(types.CycleReport{
			Count:   types.WakeCounter(wake),
			Outcome: types.OutcomePublished,
			Faults:  []error{errcode.New(errcode.StoreFault, "set", errors.New("read-only"))},
		})
		if err := m.Flush(); err != nil {
			t.Fatal(err)
		}
		if got := testutil.ToFloat64(m.cycles.WithLabelValues("published")); got != float64(wake) {
			t.Fatalf("wake %d: published = %v", wake, got)
		}
		if got := testutil.ToFloat64(m.faults.WithLabelValues("store_fault")); got != float64(wake) {
			t.Fatalf("wake %d: store_fault = %v", wake, got)
		}
	}
}

func TestCorruptTextfileStartsFromZero(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensornode.prom")
	if err := os.WriteFile(path, []byte("not {{ a metric"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := New(path, "1.2.0")
	if got := testutil.ToFloat64(m.cycles.WithLabelValues("published")); got != 0 {
		t.Fatalf("published = %v", got)
	}
}

func TestFlushDisabled(t *testing.T) {
	if err := New("", "x").Flush(); err != nil {
		t.Fatal(err)
	}
}
