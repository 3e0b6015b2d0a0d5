// Package circuitbreaker guards calls to remote dependencies.
//
// A Breaker trips OPEN after FailureThreshold consecutive failures, rejects
// calls with *errclass.CircuitOpenError until ResetTimeout has elapsed, then
// lets probes through in HALF_OPEN. SuccessThreshold consecutive probe
// successes close it again; any probe failure reopens it.
//
// Manager keeps one Breaker per dependency and publishes state changes to
// logs, metrics and listeners. HealthChecker resets open breakers once the
// dependency's health probe passes.
package circuitbreaker
