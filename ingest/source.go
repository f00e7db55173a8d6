package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"rental-ingest/utils"
)

// Opener opens a byte stream for a file reference.
type Opener interface {
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}

// StreamSource opens remote files as streams. Bodies are handed to the
// caller unread; nothing is buffered beyond what the transport holds.
type StreamSource struct {
	s3     s3iface.S3API
	http   *retryablehttp.Client
	logger *utils.Logger
}

// SourceOptions configures a StreamSource.
type SourceOptions struct {
	// S3 is required for s3:// references.
	S3 s3iface.S3API
	// HTTPRetries bounds transport-level retries of http(s) fetches.
	HTTPRetries  int
	HTTPRetryMin time.Duration
	HTTPRetryMax time.Duration
	Logger       *utils.Logger
}

func NewStreamSource(opts SourceOptions) *StreamSource {
	client := retryablehttp.NewClient()
	client.RetryMax = opts.HTTPRetries
	if opts.HTTPRetryMin > 0 {
		client.RetryWaitMin = opts.HTTPRetryMin
	}
	if opts.HTTPRetryMax > 0 {
		client.RetryWaitMax = opts.HTTPRetryMax
	}
	client.Logger = nil
	if opts.Logger != nil {
		client.Logger = retryLogger{opts.Logger}
	}

	return &StreamSource{s3: opts.S3, http: client, logger: opts.Logger}
}

// Open returns the body of the referenced file. Every failure is a
// *SourceUnavailableError.
func (s *StreamSource) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, unavailable(ref, errors.Wrap(err, "parsing file reference"))
	}

	var body io.ReadCloser
	switch strings.ToLower(u.Scheme) {
	case "s3":
		body, err = s.openS3(ctx, u)
	case "http", "https":
		body, err = s.openHTTP(ctx, ref)
	case "file":
		body, err = os.Open(u.Path)
		if err != nil {
			err = errors.Wrapf(err, "opening local file %v", u.Path)
		}
	default:
		err = fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, unavailable(ref, err)
	}

	if s.logger != nil {
		s.logger.Debug("[source] Opened stream %s", ref)
	}
	return body, nil
}

func (s *StreamSource) openS3(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	if s.s3 == nil {
		return nil, errors.New("missing s3 client")
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, errors.New("s3 reference needs a bucket and a key")
	}

	out, err := s.s3.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok {
			switch aerr.Code() {
			case s3.ErrCodeNoSuchBucket, s3.ErrCodeNoSuchKey:
				return nil, errors.Wrapf(aerr, "s3 object %v/%v not found", u.Host, key)
			}
		}
		return nil, errors.Wrapf(err, "fetching S3 object %v/%v", u.Host, key)
	}
	return out.Body, nil
}

func (s *StreamSource) openHTTP(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// SourceKey derives the provenance tag stored on every record: the object
// key, i.e. the reference path without its leading slash.
func SourceKey(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", unavailable(ref, errors.Wrap(err, "parsing file reference"))
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", unavailable(ref, errors.New("file reference has no key"))
	}
	return key, nil
}

func unavailable(ref string, err error) error {
	return &SourceUnavailableError{Ref: ref, Err: err}
}

type retryLogger struct {
	l *utils.Logger
}

func (r retryLogger) Printf(format string, args ...interface{}) {
	r.l.Debug("[source] "+format, args...)
}
