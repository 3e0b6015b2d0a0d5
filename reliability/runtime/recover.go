package runtime

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/log"
	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy decides what follows a recovered goroutine panic.
type PanicPolicy int

const (
	KeepRunning PanicPolicy = iota
	// CrashProcess exits with status 1 once the panic is recorded.
	CrashProcess
)

func (p PanicPolicy) String() string {
	if p == CrashProcess {
		return "crash_process"
	}

	return "keep_running"
}

const (
	redactedPanicMsg = "panic recovered (details redacted)"
	maxStackLen      = 4096
)

var exitFunc = os.Exit

// SafeGo runs fn on a new goroutine that survives a panic in fn.
func SafeGo(logger log.Logger, name string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, "goroutine", name)

		fn()
	}()
}

// SafeGoWithContextAndComponent runs fn on a new goroutine and applies
// policy to a panic. The panic is also recorded on the span in ctx.
func SafeGoWithContextAndComponent(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}

	recoverFn := RecoverAndLog
	if policy == CrashProcess {
		recoverFn = RecoverAndCrash
	}

	go func() {
		defer recoverFn(ctx, logger, component, name)

		fn(ctx)
	}()
}

// RecoverAndLog must be deferred directly.
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		newPanicReport(r, component, name).emit(ctx, logger)
	}
}

// RecoverAndCrash must be deferred directly.
func RecoverAndCrash(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		newPanicReport(r, component, name).emit(ctx, logger)
		exitFunc(1)
	}
}

// HandlePanicValue records a value the caller already recovered, for code
// that turns panics into errors.
func HandlePanicValue(ctx context.Context, logger log.Logger, value any, component, name string) {
	newPanicReport(value, component, name).emit(ctx, logger)
}

// panicReport is one recovered panic, rendered once for every output.
type panicReport struct {
	component string
	name      string
	value     any
	message   string
	stack     string
	redacted  bool
}

func newPanicReport(value any, component, name string) panicReport {
	rep := panicReport{component: component, name: name, value: value, redacted: IsProductionMode()}

	if rep.redacted {
		rep.message = redactedPanicMsg
		return rep
	}

	rep.message = describe(value)

	rep.stack = string(debug.Stack())
	if len(rep.stack) > maxStackLen {
		rep.stack = rep.stack[:maxStackLen] + "\n...[truncated]"
	}

	return rep
}

func describe(value any) string {
	switch v := value.(type) {
	case nil:
		return "<nil>"
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (rep panicReport) emit(ctx context.Context, logger log.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}

	rep.toSpan(ctx)
	rep.toMetrics(ctx)
	rep.toReporter(ctx)
	rep.toLog(ctx, logger)
}

func (rep panicReport) toSpan(ctx context.Context) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", rep.component),
		attribute.String("panic.goroutine", rep.name),
		attribute.String("panic.value", rep.message),
	))
	span.SetStatus(codes.Error, "panic in "+rep.component+"/"+rep.name)
}

func (rep panicReport) toMetrics(ctx context.Context) {
	if sink := panicSink(); sink != nil {
		sink.Counter(panicRecoveredMetric).Inc(ctx, metrics.Labels{
			"component":      rep.component,
			"goroutine_name": rep.name,
		})
	}
}

type panicError struct{ message string }

func (e *panicError) Error() string { return e.message }

func (rep panicReport) toReporter(ctx context.Context) {
	reporter := GetErrorReporter()
	if reporter == nil {
		return
	}

	tags := map[string]string{"component": rep.component, "goroutine_name": rep.name}
	if rep.stack != "" {
		tags["stack_trace"] = rep.stack
	}

	var err error = &panicError{message: rep.message}
	if !rep.redacted {
		if asErr, ok := rep.value.(error); ok {
			err = asErr
		} else {
			err = &panicError{message: "panic: " + rep.message}
		}
	}

	reporter.CaptureException(ctx, err, tags)
}

func (rep panicReport) toLog(ctx context.Context, logger log.Logger) {
	if logger == nil {
		return
	}

	fields := []log.Field{
		log.String("goroutine", rep.component+"/"+rep.name),
		log.String("panic_value", rep.message),
	}

	if rep.stack != "" {
		fields = append(fields, log.String("stack", rep.stack))
	}

	logger.Log(ctx, log.LevelError, "panic recovered", fields...)
}
