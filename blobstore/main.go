package blobstore

import (
	"fmt"

	"github.com/tnqbao/gau-forge/config"
	"github.com/tnqbao/gau-forge/infra"
)

// FromInfra returns the store backed by whichever client InitInfra configured
func FromInfra(cfg *config.Config, in *infra.Infra) (Store, error) {
	bucket := cfg.EnvConfig.BlobStore.Bucket
	switch {
	case in.Minio != nil:
		return NewMinioStore(in.Minio.Client, bucket), nil
	case in.S3 != nil:
		return NewS3Store(in.S3.Client, in.S3.Presign, bucket), nil
	default:
		return nil, fmt.Errorf("no blob store client configured for backend %q", cfg.EnvConfig.BlobStore.Backend)
	}
}
