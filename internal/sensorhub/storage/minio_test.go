package storage

import (
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"

	"github.com/autopeer-io/sensorhub/internal/sensorhub/core"
	"github.com/autopeer-io/sensorhub/internal/sensorhub/core/model"
	"github.com/autopeer-io/sensorhub/pkg/options"
)

func TestFromObject(t *testing.T) {
	a := fromObject(map[string]string{
		"Version":     "2.1.0",
		"Device-Type": "ESP32",
		"Checksum":    "ABCDEF",
	}, []byte("image"))

	assert.Equal(t, "2.1.0", a.version)
	assert.Equal(t, "ESP32", a.deviceType)
	assert.Equal(t, "abcdef", a.checksum)

	a = fromObject(nil, []byte("abc"))
	assert.Equal(t, model.Checksum([]byte("abc")), a.checksum)
	assert.Empty(t, a.deviceType)
}

func TestMapError(t *testing.T) {
	assert.ErrorIs(t, mapError(minio.ErrorResponse{Code: minio.NoSuchKey}), core.ErrNotFound)
	assert.ErrorIs(t, mapError(minio.ErrorResponse{Code: minio.NoSuchBucket}), core.ErrNotFound)

	other := errors.New("connection refused")
	assert.Equal(t, other, mapError(other))
}

func TestNewMinIOCatalog(t *testing.T) {
	opts := options.NewS3Options()
	c, err := NewMinIOCatalog(opts)
	assert.NoError(t, err)
	assert.Equal(t, "firmware/", c.firmwarePrefix)

	opts.Endpoint = "minio.local/firmware"
	_, err = NewMinIOCatalog(opts)
	assert.Error(t, err)
}
