// Package s3blob keeps attachment bodies in an S3 (or S3-compatible)
// bucket instead of the local SQLite file. Document metadata stays local;
// only the file contents move, keyed as "<prefix>/<docID>/<name>".
package s3blob

// Config configures the bucket backend.
//
// Credentials follow the AWS SDK v2 default chain (environment, shared
// config, instance role) unless an explicit key pair is given. For
// S3-compatible stores (MinIO, Wasabi) set Endpoint and usually
// ForcePathStyle.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string

	// Prefix is prepended to every key, e.g. "htgrid/attachments".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS proper when
	// nothing else resolves one; no default is applied when Endpoint is set.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile selects a shared-config profile.
	Profile string

	// AccessKeyID and SecretAccessKey override the default credential
	// chain. Both must be set together.
	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the subdomain.
	// Needed by most S3-compatible stores.
	ForcePathStyle bool
}

const defaultAWSRegion = "us-east-1"

// ConfigError reports invalid blob configuration.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "s3blob config: " + e.Field + ": " + e.Message
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Bucket == "" {
		return &ConfigError{Field: "Bucket", Message: "bucket name is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}
