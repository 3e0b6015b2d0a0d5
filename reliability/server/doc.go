// Package server exposes the operational HTTP surface of a worker process:
// liveness, readiness over registered dependency checks, and the metrics
// scrape endpoint. OpsServer implements reliability.App.
package server
