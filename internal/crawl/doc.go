// Package crawl defines the data model shared by the controller, the worker
// pool and the checkpoint coordinator: crawl states, exit classifications,
// work items and the contracts this engine needs from its Frontier.
package crawl
