// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access to a running crawl. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - GET /v1/crawl for the crawl report, POST /v1/crawl/{start,pause,resume,stop,checkpoint}
//     for lifecycle requests.
//   - GET and PUT /v1/workers, POST /v1/workers/{serial}/kill for the worker pool.
//   - POST /v1/throttle/engage to force single-thread-mode.
//
// Requests that are not valid in the crawl's current state answer 409.
package api
