package jsondb

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	lockFailures    = metrics.NewCounter("jsondb_lock_failures_total")
	rewrites        = metrics.NewCounter("jsondb_rewrites_total")
	rewriteDuration = metrics.NewHistogram("jsondb_rewrite_duration_seconds")
)

func documentsWritten(collection string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf("jsondb_documents_written_total{collection=%q}", collection))
}

func documentsRemoved(collection string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf("jsondb_documents_removed_total{collection=%q}", collection))
}

func loads(collection string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf("jsondb_loads_total{collection=%q}", collection))
}

func loadFailures(collection string) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf("jsondb_load_failures_total{collection=%q}", collection))
}

// WriteMetrics writes the store counters in Prometheus text format.
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
