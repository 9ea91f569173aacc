package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configures the object store that holds firmware and configuration artifacts.
type S3Options struct {
	Enabled         bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// FirmwarePrefix and ConfigPrefix are object key prefixes inside the bucket.
	FirmwarePrefix string `json:"firmware-prefix" mapstructure:"firmware-prefix"`
	ConfigPrefix   string `json:"config-prefix" mapstructure:"config-prefix"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Endpoint:       "localhost:9000",
		UseSSL:         false,
		BucketName:     "firmware",
		Region:         "us-east-1",
		FirmwarePrefix: "firmware/",
		ConfigPrefix:   "config/",
	}
}

func (o *S3Options) Validate() []error {
	errors := []error{}

	if !o.Enabled {
		return errors
	}

	if o.Endpoint == "" {
		errors = append(errors, fmt.Errorf("--s3.endpoint must be set when s3 is enabled"))
	}
	if o.BucketName == "" {
		errors = append(errors, fmt.Errorf("--s3.bucket-name must be set when s3 is enabled"))
	}

	return errors
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, join(prefixes, "s3.enabled"), o.Enabled, "Serve artifacts from S3 instead of the in-memory catalog.")
	fs.StringVar(&o.Endpoint, join(prefixes, "s3.endpoint"), o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local)")
	fs.StringVar(&o.AccessKeyID, join(prefixes, "s3.access-key-id"), o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, join(prefixes, "s3.secret-access-key"), o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, join(prefixes, "s3.use-ssl"), o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, join(prefixes, "s3.bucket-name"), o.BucketName, "S3 bucket holding update artifacts")
	fs.StringVar(&o.Region, join(prefixes, "s3.region"), o.Region, "S3 region")
	fs.StringVar(&o.FirmwarePrefix, join(prefixes, "s3.firmware-prefix"), o.FirmwarePrefix, "Object key prefix of firmware images")
	fs.StringVar(&o.ConfigPrefix, join(prefixes, "s3.config-prefix"), o.ConfigPrefix, "Object key prefix of configuration bundles")
}
