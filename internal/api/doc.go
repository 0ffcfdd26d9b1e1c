// Package api hosts the engine's small operator HTTP surface:
//   - GET /healthz and /readyz for process probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for registry counts and the pause flag.
package api
