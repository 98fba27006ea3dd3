package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Options configures the object-store binding. EndpointOverride and
// Scheme support S3-compatible stores (R2, B2, Wasabi, MinIO).
type S3Options struct {
	Bucket           string
	Prefix           string
	Region           string
	EndpointOverride string
	Scheme           string
	PathStyle        bool
	AccessKeyID      string
	SecretAccessKey  string
}

// S3FileSystem maps filesystem paths onto keys under bucket/prefix.
type S3FileSystem struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3FileSystem builds the AWS client from the default chain, with
// optional static credentials and endpoint override.
func NewS3FileSystem(ctx context.Context, opts S3Options) (*S3FileSystem, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 filesystem requires a bucket")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	endpoint := opts.EndpointOverride
	if endpoint != "" && !strings.Contains(endpoint, "://") {
		scheme := opts.Scheme
		if scheme == "" {
			scheme = "https"
		}
		endpoint = scheme + "://" + endpoint
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = opts.PathStyle
	})

	return &S3FileSystem{
		client: client,
		bucket: opts.Bucket,
		prefix: strings.Trim(opts.Prefix, "/"),
	}, nil
}

func (s *S3FileSystem) key(path string) string {
	path = strings.TrimPrefix(path, "/")
	if s.prefix == "" {
		return path
	}
	return s.prefix + "/" + path
}

func (s *S3FileSystem) OpenInput(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: s3://%s/%s", fs.ErrNotExist, s.bucket, s.key(path))
		}
		return nil, err
	}
	return out.Body, nil
}

// s3Writer buffers the object in memory and uploads on Close, the same
// way parquet files are staged before a PutObject.
type s3Writer struct {
	ctx    context.Context
	fs     *S3FileSystem
	key    string
	buffer bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buffer.Write(p)
}

func (w *s3Writer) Close() error {
	_, err := w.fs.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.fs.bucket),
		Key:         aws.String(w.key),
		Body:        bytes.NewReader(w.buffer.Bytes()),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.fs.bucket, err)
	}
	return nil
}

func (s *S3FileSystem) OpenOutput(ctx context.Context, path string) (io.WriteCloser, error) {
	return &s3Writer{ctx: ctx, fs: s, key: s.key(path)}, nil
}

// CreateDir is a no-op: object stores have no directories.
func (s *S3FileSystem) CreateDir(string, bool) error { return nil }

func (s *S3FileSystem) GetFileInfo(ctx context.Context, path string) (FileInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return FileInfo{}, fmt.Errorf("%w: s3://%s/%s", fs.ErrNotExist, s.bucket, s.key(path))
		}
		return FileInfo{}, err
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return FileInfo{Path: path, Size: size}, nil
}

func (s *S3FileSystem) List(ctx context.Context, dir string, recursive, allowNotFound bool) ([]FileInfo, error) {
	prefix := s.key(strings.TrimSuffix(dir, "/")) + "/"

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	var infos []FileInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			if allowNotFound {
				return nil, nil
			}
			return nil, err
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			rel := strings.TrimPrefix(key, s.prefix+"/")
			if s.prefix == "" {
				rel = key
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			infos = append(infos, FileInfo{Path: rel, Size: size})
		}
	}
	return infos, nil
}
