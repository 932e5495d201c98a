// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/harvests to submit a run, POST /v1/plan to size one.
//   - GET /v1/harvests/{run_id}/progress to poll a run; each poll drains the
//     log lines accumulated since the previous one.
//   - DELETE /v1/harvests/{run_id} to stop a run and forget its progress.
package api
