package runtime

import (
	"context"
	"sync"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
)

// ErrorReporter forwards recovered panics to an external tracker. It is
// called from the panicking goroutine and must be safe for concurrent use.
type ErrorReporter interface {
	CaptureException(ctx context.Context, err error, tags map[string]string)
}

var panicRecoveredMetric = metrics.Metric{
	Name:        "panic_recovered_total",
	Unit:        "1",
	Description: "Total number of recovered panics",
}

// settings is the process-wide panic handling setup, written once at
// startup by the composition root.
var settings struct {
	sync.RWMutex
	production bool
	reporter   ErrorReporter
	sink       metrics.Sink
}

// SetProductionMode redacts panic values and drops stacks from every output.
func SetProductionMode(enabled bool) {
	settings.Lock()
	settings.production = enabled
	settings.Unlock()
}

func IsProductionMode() bool {
	settings.RLock()
	defer settings.RUnlock()

	return settings.production
}

// SetErrorReporter installs reporter. Nil disables reporting.
func SetErrorReporter(reporter ErrorReporter) {
	settings.Lock()
	settings.reporter = reporter
	settings.Unlock()
}

func GetErrorReporter() ErrorReporter {
	settings.RLock()
	defer settings.RUnlock()

	return settings.reporter
}

// InitPanicMetrics counts recovered panics in sink. Nil disables counting.
func InitPanicMetrics(sink metrics.Sink) {
	settings.Lock()
	settings.sink = sink
	settings.Unlock()
}

func panicSink() metrics.Sink {
	settings.RLock()
	defer settings.RUnlock()

	return settings.sink
}
