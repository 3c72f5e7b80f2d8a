package repository

import (
	"expvar"
	"fmt"
	"time"
)

// latencyBuckets defines the buckets for latency histograms (in seconds).
var latencyBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1.0}

// Metrics holds the expvar variables of a Repository.
type Metrics struct {
	PublishedGlobally bool

	UpdatesTotal          *expvar.Int
	UpdateErrorsTotal     *expvar.Int
	CheckpointsTotal      *expvar.Int
	CheckpointErrorsTotal *expvar.Int

	WALBytesWrittenTotal   *expvar.Int
	WALEntriesWrittenTotal *expvar.Int

	RecoveryDurationSeconds *expvar.Float
	RecoveredEntriesTotal   *expvar.Int
	LiveRecords             *expvar.Int
	OrphanedRecords         *expvar.Int

	UpdateLatencyHist     *expvar.Map
	CheckpointLatencyHist *expvar.Map
}

// NewMetrics creates the repository metrics. With publishGlobally the
// variables are registered in the process-wide expvar namespace under prefix.
func NewMetrics(publishGlobally bool, prefix string) *Metrics {
	newInt := func(_ string) *expvar.Int { return new(expvar.Int) }
	newFloat := func(_ string) *expvar.Float { return new(expvar.Float) }
	newMap := func(_ string) *expvar.Map { return new(expvar.Map).Init() }
	if publishGlobally {
		newInt = publishExpvarInt
		newFloat = publishExpvarFloat
		newMap = publishExpvarMap
	}

	m := &Metrics{
		PublishedGlobally:     publishGlobally,
		UpdatesTotal:          newInt(prefix + "updates_total"),
		UpdateErrorsTotal:     newInt(prefix + "update_errors_total"),
		CheckpointsTotal:      newInt(prefix + "checkpoints_total"),
		CheckpointErrorsTotal: newInt(prefix + "checkpoint_errors_total"),

		WALBytesWrittenTotal:   newInt(prefix + "wal_bytes_written_total"),
		WALEntriesWrittenTotal: newInt(prefix + "wal_entries_written_total"),

		RecoveryDurationSeconds: newFloat(prefix + "recovery_duration_seconds"),
		RecoveredEntriesTotal:   newInt(prefix + "recovered_entries_total"),
		LiveRecords:             newInt(prefix + "live_records"),
		OrphanedRecords:         newInt(prefix + "orphaned_records"),

		UpdateLatencyHist:     newMap(prefix + "update_latency_seconds"),
		CheckpointLatencyHist: newMap(prefix + "checkpoint_latency_seconds"),
	}
	for _, h := range []*expvar.Map{m.UpdateLatencyHist, m.CheckpointLatencyHist} {
		h.Set("count", new(expvar.Int))
		h.Set("sum", new(expvar.Float))
		for _, b := range latencyBuckets {
			h.Set(fmt.Sprintf("le_%.4f", b), new(expvar.Int))
		}
		h.Set("le_inf", new(expvar.Int))
	}
	return m
}

// observeLatency records the duration in the provided histogram map.
func observeLatency(hist *expvar.Map, d time.Duration) {
	if hist == nil {
		return
	}
	seconds := d.Seconds()
	if v, ok := hist.Get("count").(*expvar.Int); ok {
		v.Add(1)
	}
	if v, ok := hist.Get("sum").(*expvar.Float); ok {
		v.Add(seconds)
	}
	for _, b := range latencyBuckets {
		if seconds <= b {
			if v, ok := hist.Get(fmt.Sprintf("le_%.4f", b)).(*expvar.Int); ok {
				v.Add(1)
			}
		}
	}
	if v, ok := hist.Get("le_inf").(*expvar.Int); ok {
		v.Add(1)
	}
}

// publishExpvarInt returns the published Int called name, creating it if
// needed and resetting it if it already exists.
func publishExpvarInt(name string) *expvar.Int {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewInt(name)
	}
	if iv, ok := v.(*expvar.Int); ok {
		iv.Set(0)
		return iv
	}
	panic(fmt.Sprintf("expvar: trying to publish Int %s but variable already exists with different type %T", name, v))
}

func publishExpvarFloat(name string) *expvar.Float {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewFloat(name)
	}
	if fv, ok := v.(*expvar.Float); ok {
		fv.Set(0)
		return fv
	}
	panic(fmt.Sprintf("expvar: trying to publish Float %s but variable already exists with different type %T", name, v))
}

func publishExpvarMap(name string) *expvar.Map {
	v := expvar.Get(name)
	if v == nil {
		return expvar.NewMap(name)
	}
	if mv, ok := v.(*expvar.Map); ok {
		mv.Init()
		return mv
	}
	panic(fmt.Sprintf("expvar: trying to publish Map %s but variable already exists with different type %T", name, v))
}
