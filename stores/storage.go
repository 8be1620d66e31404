package stores

import (
	"codecollab-server/config"
	"codecollab-server/core"
	"codecollab-server/stores/aws"
	"codecollab-server/stores/filesystem"
	"codecollab-server/stores/memory"
	"codecollab-server/stores/sqlite"
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// GetStore builds the document store selected by cfg.Type. The returned
// store may additionally implement core.RoomRegistry.
func GetStore(ctx context.Context, cfg config.Storage) (core.DocumentStore, error) {
	var (
		store core.DocumentStore
		err   error
	)

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	switch cfg.Type {
	case "filesystem":
		storageField["basePath"] = cfg.Path
		store, err = filesystem.NewDocumentStore(cfg.Path)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DSN
		store, err = sqlite.NewDocumentStore(cfg.DSN)
	case "s3":
		storageField["bucketName"] = cfg.Bucket
		store, err = aws.NewDocumentStore(ctx, cfg.Bucket)
	case "memory", "":
		store = memory.NewDocumentStore()
		storageField["storageType"] = "in-memory"
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s storage: %w", cfg.Type, err)
	}

	logrus.WithFields(storageField).Info("Use storage")
	return store, nil
}
