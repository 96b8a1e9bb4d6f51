package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"shadowdog/internal/logging"
)

// RemoteBackend stores cache objects in an S3-compatible bucket under
// <prefix>/<objectName>.tar.gz.
//
// Credential resolution order (§4.6, decided in DESIGN.md):
//  1. explicit SHADOWDOG_REMOTE_CACHE_* env vars, if all required ones are set;
//  2. a named AWS profile, resolved through the SDK's standard credential chain;
//  3. neither: the backend is unavailable and degrades both read and write to no-ops.
type RemoteBackend struct {
	Bucket string
	Prefix string
	Extra  string // opaque metadata from SHADOWDOG_REMOTE_CACHE_EXTRA, attached on upload

	downloader *s3manager.Downloader
	uploader   *s3manager.Uploader
	available  bool
}

// NewRemoteBackendFromEnv builds a RemoteBackend using the §6 environment
// variables. If no usable credentials/bucket configuration is found, it
// returns a backend with available=false, which Get/Put treat as a
// guaranteed miss / no-op store, i.e. graceful degradation.
func NewRemoteBackendFromEnv() *RemoteBackend {
	bucket := os.Getenv("SHADOWDOG_REMOTE_CACHE_BUCKET")
	prefix := os.Getenv("SHADOWDOG_REMOTE_CACHE_PREFIX")
	extra := os.Getenv("SHADOWDOG_REMOTE_CACHE_EXTRA")

	rb := &RemoteBackend{Bucket: bucket, Prefix: prefix, Extra: extra}
	if bucket == "" {
		return rb
	}

	sess, err := buildSession()
	if err != nil {
		logger := logging.WithComponent("cache.remote")
		logger.Warn().Err(err).Msg("remote cache unavailable: no usable credentials")
		return rb
	}

	rb.downloader = s3manager.NewDownloader(sess)
	rb.uploader = s3manager.NewUploader(sess)
	rb.available = true
	return rb
}

func buildSession() (*session.Session, error) {
	accessKey := os.Getenv("SHADOWDOG_REMOTE_CACHE_ACCESS_KEY")
	secretKey := os.Getenv("SHADOWDOG_REMOTE_CACHE_SECRET_KEY")
	region := os.Getenv("SHADOWDOG_REMOTE_CACHE_REGION")

	if accessKey != "" && secretKey != "" {
		return session.NewSession(&aws.Config{
			Region:      aws.String(region),
			Credentials: credentials.NewStaticCredentials(accessKey, secretKey, ""),
		})
	}

	profile := os.Getenv("SHADOWDOG_REMOTE_CACHE_PROFILE")
	if profile == "" {
		profile = os.Getenv("AWS_PROFILE")
	}
	if profile != "" {
		return session.NewSessionWithOptions(session.Options{
			Profile:           profile,
			SharedConfigState: session.SharedConfigEnable,
		})
	}

	return nil, fmt.Errorf("no remote cache credentials configured")
}

func (b *RemoteBackend) Name() string { return "remote" }

func (b *RemoteBackend) key(objectName string) string {
	if b.Prefix == "" {
		return objectName + ".tar.gz"
	}
	return b.Prefix + "/" + objectName + ".tar.gz"
}

// Get downloads the object, or reports a miss if unavailable/not found.
func (b *RemoteBackend) Get(ctx context.Context, objectName string) ([]byte, bool, error) {
	if !b.available {
		return nil, false, nil
	}

	buf := &aws.WriteAtBuffer{}
	_, err := b.downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(objectName)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("downloading %q: %w", objectName, err)
	}
	return buf.Bytes(), true, nil
}

// Put uploads the object. A no-op when the backend is unavailable.
func (b *RemoteBackend) Put(ctx context.Context, objectName string, data []byte) error {
	if !b.available {
		return nil
	}

	input := &s3manager.UploadInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.key(objectName)),
		Body:   bytes.NewReader(data),
	}
	if b.Extra != "" {
		input.Metadata = map[string]*string{"shadowdog-extra": aws.String(b.Extra)}
	}

	_, err := b.uploader.UploadWithContext(ctx, input)
	if err != nil {
		return fmt.Errorf("uploading %q: %w", objectName, err)
	}
	return nil
}
