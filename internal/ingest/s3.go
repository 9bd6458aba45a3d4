package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/mailgun/holster/v4/clock"
	"github.com/mailgun/holster/v4/setter"

	"github.com/sentinelops/perfcore/pkg/errors"
	"github.com/sentinelops/perfcore/pkg/logging"
)

// PutObjectAPI is the part of the S3 client the archive uses.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config configures the archive sink.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	// Key prefix. Default "events".
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
	// Custom endpoint for S3 compatible stores; enables path style addressing.
	Endpoint string `yaml:"endpoint"`
	// Static credentials; when empty the default AWS chain is used.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	Logger *logging.Logger `yaml:"-"`
}

// S3Archive writes each batch as one NDJSON object.
type S3Archive struct {
	client PutObjectAPI
	conf   S3Config
	log    *logging.Logger
}

// NewS3Archive builds an S3 client from the default AWS configuration chain,
// overridden by the region, endpoint and credentials in conf.
func NewS3Archive(ctx context.Context, conf S3Config) (*S3Archive, error) {
	if conf.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "archive bucket cannot be empty").
			WithComponent("ingest")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if conf.Region != "" {
		opts = append(opts, awsconfig.WithRegion(conf.Region))
	}
	if conf.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(conf.AccessKey, conf.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeConfigLoad, "failed to load AWS config").
			WithComponent("ingest")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if conf.Endpoint != "" {
			o.BaseEndpoint = aws.String(conf.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiveFromClient(client, conf), nil
}

// NewS3ArchiveFromClient creates an archive around an existing client.
func NewS3ArchiveFromClient(client PutObjectAPI, conf S3Config) *S3Archive {
	setter.SetDefault(&conf.Prefix, "events")
	if conf.Logger == nil {
		conf.Logger = logging.Default()
	}
	return &S3Archive{
		client: client,
		conf:   conf,
		log:    conf.Logger.WithComponent("ingest.s3"),
	}
}

// WriteBatch uploads the events of one batch to
// <prefix>/<yyyy>/<mm>/<dd>/<unixnano>.ndjson, one JSON document per line.
func (a *S3Archive) WriteBatch(ctx context.Context, items []interface{}) error {
	evs, skipped := toEvents(items)
	if skipped > 0 {
		a.log.Warn("Skipping non-event batch items", map[string]interface{}{"skipped": skipped})
	}
	if len(evs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range evs {
		if err := enc.Encode(ev); err != nil {
			return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to encode event").
				WithComponent("ingest").
				WithDetail("event_id", ev.ID)
		}
	}

	key := ObjectKey(a.conf.Prefix, clock.Now())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.conf.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String("application/x-ndjson"),
	})
	if err != nil {
		return a.translateError(err, key)
	}

	a.log.Debug("Archived event batch", map[string]interface{}{
		"key":    key,
		"events": len(evs),
		"bytes":  buf.Len(),
	})
	return nil
}

// ObjectKey returns the archive key for a batch written at t.
func ObjectKey(prefix string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix, t.Format("2006/01/02"), fmt.Sprintf("%d.ndjson", t.UnixNano()))
}

func (a *S3Archive) translateError(err error, key string) error {
	var noBucket *s3types.NoSuchBucket
	if stderrors.As(err, &noBucket) {
		return errors.Wrap(err, errors.ErrCodeInvalidConfig, "archive bucket not found").
			WithComponent("ingest").
			WithDetail("bucket", a.conf.Bucket)
	}
	return errors.Wrap(err, errors.ErrCodeStorageWrite, "failed to upload event batch").
		WithComponent("ingest").
		WithOperation("put_object").
		WithDetail("key", key)
}
