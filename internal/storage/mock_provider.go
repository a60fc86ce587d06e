// Package storage holds shared helpers for the result archive backends.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/contentgen-pipeline/internal/pipeline"
)

// ArchivePath returns the object path for a job's archived result.
func ArchivePath(prefix string, kind pipeline.Kind, jobID string) string {
	name := fmt.Sprintf("%s/%s.json", kind, jobID)
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// MockBlobStore is a testify mock of pipeline.BlobStore.
type MockBlobStore struct {
	mock.Mock
}

// PutObject records the call and returns the configured URI and error.
func (m *MockBlobStore) PutObject(ctx context.Context, path, contentType string, data []byte) (string, error) {
	args := m.Called(ctx, path, contentType, data)
	return args.String(0), args.Error(1) //nolint:wrapcheck
}
