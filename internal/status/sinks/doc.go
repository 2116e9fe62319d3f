// Package sinks contains status.Listener implementations that forward
// crawl lifecycle events to logs, Prometheus, Pub/Sub and the run ledger.
package sinks
