// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls, GET /v1/crawls/{run_id} and POST
//     /v1/crawls/{run_id}/cancel for run submission and control.
//   - GET /api/runs, /api/runs/{id}/stats and /api/runs/{id}/sites for
//     persisted progress via the StatsRepository interface.
package api
