package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// StoreType selects the module storage backend.
type StoreType string

const (
	StoreTypeFS StoreType = "fs"
	StoreTypeS3 StoreType = "s3"
)

// NewStoreFromEnv creates a module store from environment variables.
//
//   - FORGE_MODULE_STORE: "fs" (default) or "s3"
//   - FORGE_DATA_DIR: base directory for the fs store (default: "data")
//
// For S3:
//   - FORGE_MODULE_S3_BUCKET (required)
//   - FORGE_MODULE_S3_REGION or AWS_REGION (default: us-east-1)
//   - FORGE_MODULE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - FORGE_MODULE_S3_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	storeType := StoreType(os.Getenv("FORGE_MODULE_STORE"))
	if storeType == "" {
		storeType = StoreTypeFS
	}

	switch storeType {
	case StoreTypeFS:
		dataDir := os.Getenv("FORGE_DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileStore(filepath.Join(dataDir, "modules"))
	case StoreTypeS3:
		bucket := os.Getenv("FORGE_MODULE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("FORGE_MODULE_S3_BUCKET is required for s3 module storage")
		}
		region := os.Getenv("FORGE_MODULE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("FORGE_MODULE_S3_ENDPOINT"),
			Prefix:   os.Getenv("FORGE_MODULE_S3_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("unsupported module storage type: %s", storeType)
	}
}
