package submit

import (
	"bytes"
	"context"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"minerd/pkg/types"
)

// Uploader stores an artifact under key using job-scoped credentials.
type Uploader interface {
	Upload(ctx context.Context, creds types.TempCredentials, key string, data []byte, contentType string) error
}

// S3Config locates the result bucket.
type S3Config struct {
	Bucket string
	Region string
	// Optional custom endpoint (S3-compatible stores); switches to path-style.
	Endpoint   string
	HTTPClient *http.Client
}

// S3Uploader puts objects with the credentials carried by each job. A client
// is built per upload since credentials change with every job.
type S3Uploader struct {
	cfg S3Config
}

func NewS3Uploader(cfg S3Config) *S3Uploader { return &S3Uploader{cfg: cfg} }

func (u *S3Uploader) client(creds types.TempCredentials) *s3.Client {
	awsCfg := aws.Config{
		Region:      u.cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
	}
	if u.cfg.HTTPClient != nil {
		awsCfg.HTTPClient = u.cfg.HTTPClient
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if u.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(u.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
}

func (u *S3Uploader) Upload(ctx context.Context, creds types.TempCredentials, key string, data []byte, contentType string) error {
	if creds.Empty() {
		return errors.New("job carries no upload credentials")
	}
	_, err := u.client(creds).PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	return errors.Wrapf(err, "put s3://%s/%s", u.cfg.Bucket, key)
}
