package storage

import (
	"context"
	"io"

	"github.com/stretchr/testify/mock"
)

// MockLedger is a mock implementation of the Ledger interface for testing.
type MockLedger struct {
	mock.Mock
}

// RecordRun is the mock implementation of the RecordRun method.
func (m *MockLedger) RecordRun(ctx context.Context, run Run) error {
	args := m.Called(ctx, run)
	return args.Error(0) //nolint:wrapcheck
}

// RecordCheckpoint is the mock implementation of the RecordCheckpoint method.
func (m *MockLedger) RecordCheckpoint(ctx context.Context, row CheckpointRow) error {
	args := m.Called(ctx, row)
	return args.Error(0) //nolint:wrapcheck
}

// Close is the mock implementation of the Close method.
func (m *MockLedger) Close() error {
	args := m.Called()
	return args.Error(0) //nolint:wrapcheck
}

// MockBlobStore is a mock implementation of the BlobStore interface.
type MockBlobStore struct {
	mock.Mock
}

// PutObject is the mock implementation of the PutObject method.
func (m *MockBlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
