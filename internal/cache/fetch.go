package cache

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// HTTPFetcher downloads http and https references
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher creates an HTTP fetcher with the given per-request timeout
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Supports reports whether ref is an http or https URL
func (f *HTTPFetcher) Supports(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Fetch GETs ref and returns the response body. Any status but 200 is an error.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// S3Config configures the S3 fetcher
type S3Config struct {
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// S3Fetcher reads s3://bucket/key references
type S3Fetcher struct {
	client *s3.Client
}

// NewS3Fetcher builds an S3 client from the default AWS credential chain
func NewS3Fetcher(ctx context.Context, cfg S3Config) (*S3Fetcher, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &S3Fetcher{client: client}, nil
}

// Supports reports whether ref is an s3://bucket/key reference
func (f *S3Fetcher) Supports(ref string) bool {
	return strings.HasPrefix(ref, "s3://")
}

func parseS3Ref(ref string) (string, string, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("invalid s3 reference %q", ref)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", fmt.Errorf("s3 reference %q has no key", ref)
	}
	return u.Host, key, nil
}

// Fetch streams the object named by ref
func (f *S3Fetcher) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return nil, err
	}
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3 object: %w", err)
	}
	return out.Body, nil
}

// RemoteHash returns the object's stored SHA-256 checksum when it was
// uploaded with one. Multipart composite checksums are not content hashes
// and are ignored.
func (f *S3Fetcher) RemoteHash(ctx context.Context, ref string) (string, bool, error) {
	bucket, key, err := parseS3Ref(ref)
	if err != nil {
		return "", false, err
	}
	out, err := f.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		ChecksumMode: types.ChecksumModeEnabled,
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to head s3 object: %w", err)
	}

	sum := aws.ToString(out.ChecksumSHA256)
	if sum == "" || strings.Contains(sum, "-") {
		return "", false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sum)
	if err != nil || len(raw) != 32 {
		return "", false, nil
	}
	return hex.EncodeToString(raw), true, nil
}
