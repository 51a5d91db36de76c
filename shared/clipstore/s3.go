// Package clipstore — S3 implementation of Store, using AWS SDK v2.
//
// Works against AWS S3 and S3-compatible servers (MinIO) via Endpoint and
// PathStyle. The SDK's retryer is replaced with aws.NopRetryer: the Store
// contract leaves retries to the caller.
package clipstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// maxDeleteBatch is the DeleteObjects per-request key limit.
const maxDeleteBatch = 1000

// S3Config selects the bucket and how to reach it.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, e.g. "http://minio:9000"
	PathStyle bool
	// Static credentials. Empty = default AWS credential chain.
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of *s3.Client the store uses.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, opts ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// S3Store implements Store on an S3 bucket.
type S3Store struct {
	client s3API
	bucket string
}

// NewS3Store loads AWS configuration and resolves credentials once, so a
// misconfigured deployment fails at startup with ErrCredentials instead of on
// the first upload.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("clipstore: S3 bucket not configured")
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &StoreError{Op: "config", Err: err}
	}
	if awsCfg.Credentials == nil {
		return nil, &StoreError{Op: "config", Err: fmt.Errorf("%w: no credential provider", ErrCredentials)}
	}
	if _, err := awsCfg.Credentials.Retrieve(ctx); err != nil {
		return nil, &StoreError{Op: "config", Err: fmt.Errorf("%w: %w", ErrCredentials, err)}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return &StoreError{Op: "put", Key: key, Err: classify(err)}
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: classify(err)}
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return body, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	err = classify(err)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, &StoreError{Op: "head", Key: key, Err: err}
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]StoredClipRef, error) {
	var refs []StoredClipRef
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, &StoreError{Op: "list", Key: prefix, Err: classify(err)}
		}
		for _, obj := range page.Contents {
			refs = append(refs, RefForKey(aws.ToString(obj.Key)))
		}
	}
	return refs, nil
}

func (s *S3Store) Download(ctx context.Context, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &StoreError{Op: "download", Key: key, Err: classify(err)}
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &StoreError{Op: "download", Key: key, Err: err}
	}
	f, err := os.Create(localPath)
	if err != nil {
		return &StoreError{Op: "download", Key: key, Err: err}
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(localPath)
		return &StoreError{Op: "download", Key: key, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(localPath)
		return &StoreError{Op: "download", Key: key, Err: err}
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, keys []string) map[string]error {
	result := make(map[string]error, len(keys))
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		chunk := keys[start:end]

		ids := make([]types.ObjectIdentifier, 0, len(chunk))
		for _, k := range chunk {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			err = classify(err)
			for _, k := range chunk {
				result[k] = &StoreError{Op: "delete", Key: k, Err: err}
			}
			continue
		}
		for _, k := range chunk {
			result[k] = nil
		}
		// Quiet mode: only failures are reported.
		for _, e := range out.Errors {
			k := aws.ToString(e.Key)
			result[k] = &StoreError{Op: "delete", Key: k, Err: classifyCode(aws.ToString(e.Code), aws.ToString(e.Message))}
		}
	}
	return result
}

// classify maps SDK errors onto ErrNotFound / ErrCredentials where the service
// says so, keeping the original error in the chain.
func classify(err error) error {
	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind := kindForCode(apiErr.ErrorCode()); kind != nil {
			return fmt.Errorf("%w: %w", kind, err)
		}
	}
	return err
}

func classifyCode(code, msg string) error {
	err := fmt.Errorf("%s: %s", code, msg)
	if kind := kindForCode(code); kind != nil {
		return fmt.Errorf("%w: %w", kind, err)
	}
	return err
}

func kindForCode(code string) error {
	switch code {
	case "NoSuchKey", "NotFound":
		return ErrNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch",
		"ExpiredToken", "InvalidToken", "AllAccessDisabled":
		return ErrCredentials
	}
	return nil
}
