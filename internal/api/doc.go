// Package api hosts the HTTP server for search and crawl operators.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/search?q=&limit=&domain= for ranked full-text search.
//   - GET /v1/crawler/status and POST /v1/crawler/stop when a crawl is
//     attached to the server.
package api
