package storage

import (
	"fmt"

	"github.com/chunkvault/chunkvault/pkg/config"
)

// Factory creates storage backends from configuration
type Factory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(cfg *config.StorageConfig) *Factory {
	return &Factory{config: cfg}
}

// CreateStorage creates the configured storage backend
func (f *Factory) CreateStorage() (BlobStorage, error) {
	switch f.config.Type {
	case "local", "":
		return NewLocalStorage(f.config.LocalPath)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", f.config.Type)
	}
}
