// Package uuid generates crawl run ids and API request ids.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out crawl run ids. Ids are UUIDv7, so run ids sort by
// the time the crawl was first prepared, which keeps ledger rows and
// checkpoint mirrors of consecutive runs in order.
type Generator struct{}

// New returns a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh crawl run id. Recovered crawls keep the id stored
// in their checkpoint snapshot and never call this.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate crawl id: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a random id for an operator API request.
func NewRequestID() string {
	return uuid.NewString()
}
