package blobsvc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/shule/core"
)

// New builds the BlobStore selected by conf.Blob.Driver.
func New(ctx context.Context, conf *core.Config) (core.BlobStore, error) {
	switch conf.Blob.Driver {
	case "", "disk":
		return NewDisk(conf.Blob.Dir)
	case "s3":
		return NewS3(ctx, conf)
	}
	return nil, errors.Errorf("unknown blob driver %q", conf.Blob.Driver)
}
