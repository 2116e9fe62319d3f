// Package store is the crawl's backing persistent store: an append-only,
// segmented key/value log. Segment files are named %08x.seg and are never
// modified once rolled, so a checkpoint can reference them by name and hard
// link them. A background cleaner compacts mostly-dead segments; it must be
// disabled while a checkpoint copies segments.
package store
