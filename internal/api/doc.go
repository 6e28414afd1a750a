// Package api hosts the HTTP surface of the frontier. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/frontier/batch-upsert to seed the frontier.
package api
