// Package diagnostics samples resource usage of the orchestrator, the host
// and every supervised worker process.
//
// A Monitor keeps a bounded history of snapshots and logs a warning whenever a
// worker's resident memory or the host's memory pressure crosses the
// configured thresholds. The latest snapshot is served by the HTTP API.
package diagnostics
