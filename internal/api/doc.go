// Package api hosts the status server of a running extraction. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/subsets for run progress
//     read through the store.Repository interface.
package api
