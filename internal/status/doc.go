// Package status multicasts crawl lifecycle and checkpoint events to
// registered listeners. Delivery is synchronous and follows registration
// order; a slow listener stalls the transition that raised the event.
package status
