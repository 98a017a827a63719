package options

import (
	"errors"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*S3Options)(nil)

// S3Options configure the object store that keeps alert evidence frames.
type S3Options struct {
	Enabled         bool          `json:"enabled" mapstructure:"enabled"`
	Endpoint        string        `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string        `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string        `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool          `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string        `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string        `json:"region" mapstructure:"region"`
	URLExpiry       time.Duration `json:"url-expiry" mapstructure:"url-expiry"`
}

func NewS3Options() *S3Options {
	return &S3Options{
		Enabled:    false,
		Endpoint:   "localhost:9000",
		UseSSL:     false,
		BucketName: "overcrowding-evidence",
		Region:     "us-east-1",
		URLExpiry:  24 * time.Hour,
	}
}

func (o *S3Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errs := []error{}
	if o.Endpoint == "" {
		errs = append(errs, errors.New("s3.endpoint is required when s3 is enabled"))
	}
	if o.BucketName == "" {
		errs = append(errs, errors.New("s3.bucket-name is required when s3 is enabled"))
	}

	return errs
}

func (o *S3Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, "s3.enabled", o.Enabled, "Upload the frame that triggered an alert to S3.")
	fs.StringVar(&o.Endpoint, "s3.endpoint", o.Endpoint, "S3 service endpoint (e.g. s3.amazonaws.com or minio.local:9000)")
	fs.StringVar(&o.AccessKeyID, "s3.access-key-id", o.AccessKeyID, "S3 access key ID")
	fs.StringVar(&o.SecretAccessKey, "s3.secret-access-key", o.SecretAccessKey, "S3 secret access key")
	fs.BoolVar(&o.UseSSL, "s3.use-ssl", o.UseSSL, "Enable SSL for S3 connection")
	fs.StringVar(&o.BucketName, "s3.bucket-name", o.BucketName, "S3 bucket name for alert evidence")
	fs.StringVar(&o.Region, "s3.region", o.Region, "S3 region")
	fs.DurationVar(&o.URLExpiry, "s3.url-expiry", o.URLExpiry, "Lifetime of presigned evidence URLs")
}
