// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/groups and /v1/groups/{group}/checkpoint for crawl state.
//   - POST /v1/groups/{group}/run and /stop to drive the runner.
//   - POST /v1/groups/{group}/checkpoint/reset and /seen/reset, refused with
//     409 while the group is running.
//   - GET /v1/delivery/stats for delivery queue counters.
package api
