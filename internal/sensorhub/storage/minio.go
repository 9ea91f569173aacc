// Package storage serves firmware images and configuration bundles from an
// S3 compatible object store.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/log"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

// User metadata keys as returned by StatObject (X-Amz-Meta- stripped).
const (
	metaVersion    = "Version"
	metaDeviceType = "Device-Type"
	metaChecksum   = "Checksum"
)

var (
	_ core.FirmwareCatalog      = (*Catalog)(nil)
	_ core.ConfigurationCatalog = (*Catalog)(nil)
)

// Catalog reads artifacts from a bucket. Object keys are the artifact id
// below the firmware or configuration prefix; version, device type and
// checksum travel as object user metadata.
type Catalog struct {
	client         *minio.Client
	bucketName     string
	firmwarePrefix string
	configPrefix   string
}

// NewMinIOCatalog creates a Catalog backed by the store described by opts.
func NewMinIOCatalog(opts *options.S3Options) (*Catalog, error) {
	// Development deployments run MinIO with self-signed certificates.
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure:    opts.UseSSL,
		Region:    opts.Region,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Catalog{
		client:         client,
		bucketName:     opts.BucketName,
		firmwarePrefix: opts.FirmwarePrefix,
		configPrefix:   opts.ConfigPrefix,
	}, nil
}

// CheckBucket makes sure the artifact bucket exists, creating it if needed.
func (c *Catalog) CheckBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucketName)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		log.Info("Bucket does not exist, creating...", "bucket", c.bucketName)
		if err := c.client.MakeBucket(ctx, c.bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

func (c *Catalog) GetFirmware(ctx context.Context, id string) (*model.Firmware, error) {
	a, err := c.fetch(ctx, c.firmwarePrefix+id)
	if err != nil {
		return nil, fmt.Errorf("firmware %s: %w", id, err)
	}
	return &model.Firmware{
		ID:         id,
		Version:    a.version,
		DeviceType: a.deviceType,
		Data:       a.data,
		Size:       len(a.data),
		Checksum:   a.checksum,
	}, nil
}

func (c *Catalog) GetConfiguration(ctx context.Context, id string) (*model.Configuration, error) {
	a, err := c.fetch(ctx, c.configPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("configuration %s: %w", id, err)
	}
	return &model.Configuration{
		ID:         id,
		Version:    a.version,
		DeviceType: a.deviceType,
		Data:       a.data,
		Size:       len(a.data),
		Checksum:   a.checksum,
	}, nil
}

type artifact struct {
	version    string
	deviceType string
	checksum   string
	data       []byte
}

func (c *Catalog) fetch(ctx context.Context, key string) (*artifact, error) {
	obj, err := c.client.GetObject(ctx, c.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapError(err)
	}
	defer obj.Close()

	// GetObject is lazy; Stat performs the request.
	info, err := obj.Stat()
	if err != nil {
		return nil, mapError(err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", key, err)
	}
	return fromObject(info.UserMetadata, data), nil
}

func fromObject(meta map[string]string, data []byte) *artifact {
	a := &artifact{data: data}
	for k, v := range meta {
		switch {
		case strings.EqualFold(k, metaVersion):
			a.version = v
		case strings.EqualFold(k, metaDeviceType):
			a.deviceType = v
		case strings.EqualFold(k, metaChecksum):
			a.checksum = strings.ToLower(v)
		}
	}
	if a.checksum == "" {
		a.checksum = model.Checksum(data)
	}
	return a
}

func mapError(err error) error {
	switch minio.ToErrorResponse(err).Code {
	case minio.NoSuchKey, minio.NoSuchBucket:
		return core.ErrNotFound
	}
	return err
}
