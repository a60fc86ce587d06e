// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - POST /v1/jobs for public job submission (rate limit, then IP access check).
//   - POST /v1/internal/jobs for trusted callers holding the admin secret.
//   - POST /v1/access/requests and GET /v1/access/me for the access ledger.
//   - GET and PATCH /v1/access for admin review of ledger entries.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus scraping.
package api
