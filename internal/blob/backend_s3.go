package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"golang.org/x/sync/errgroup"
)

const defaultPartConcurrency = 4

type S3Backend struct {
	s3Client *s3.Client
	config   *S3Config
}

func NewS3Backend(s3Client *s3.Client, config *S3Config) *S3Backend {
	return &S3Backend{
		s3Client: s3Client,
		config:   config,
	}
}

func NewS3BackendWithConfig(ctx context.Context, cfg *S3Config) (*S3Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Create optimized HTTP client with HTTP/2 support
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	awsClient := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.UseAccelerate {
			o.UseAccelerate = true
		}
	})

	return NewS3Backend(awsClient, cfg), nil
}

func (s *S3Backend) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}

	input := &s3.PutObjectInput{
		Bucket:        &s.config.BucketName,
		Key:           &params.Key,
		Body:          params.Body,
		ContentLength: aws.Int64(params.Size),
	}
	if params.ContentType != "" {
		input.ContentType = aws.String(params.ContentType)
	}
	if len(params.Metadata) > 0 {
		input.Metadata = params.Metadata
	}

	resp, err := s.s3Client.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}

	// s3.PutObjectOutput does not have LastModified
	return &PutObjectResponse{
		Key:          params.Key,
		Size:         params.Size,
		Version:      aws.ToString(resp.VersionId),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		LastModified: time.Now().UTC(),
	}, nil
}

func (s *S3Backend) PutObjectMultipart(ctx context.Context, params *PutMultipartParams) (*PutObjectResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if params.PartSize <= 0 {
		return nil, fmt.Errorf("part size must be positive")
	}
	if params.Size < params.PartSize {
		// Not worth splitting.
		return s.PutObject(ctx, &PutObjectParams{
			Key:         params.Key,
			Body:        params.Body,
			Size:        params.Size,
			ContentType: params.ContentType,
			Metadata:    params.Metadata,
		})
	}

	createInput := &s3.CreateMultipartUploadInput{
		Bucket: &s.config.BucketName,
		Key:    &params.Key,
	}
	if params.ContentType != "" {
		createInput.ContentType = aws.String(params.ContentType)
	}
	if len(params.Metadata) > 0 {
		createInput.Metadata = params.Metadata
	}

	created, err := s.s3Client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}
	uploadID := aws.ToString(created.UploadId)

	totalParts := int((params.Size + params.PartSize - 1) / params.PartSize)
	completed := make([]types.CompletedPart, totalParts)
	var uploaded atomic.Int64

	concurrency := params.MaxConcurrentParts
	if concurrency <= 0 {
		concurrency = defaultPartConcurrency
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	// Parts are read sequentially from the body; uploads overlap up to the
	// concurrency limit. The errgroup limit also bounds buffered part memory.
	remaining := params.Size
	for partNum := int32(1); remaining > 0; partNum++ {
		n := params.PartSize
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(params.Body, buf); err != nil {
			g.Wait()
			s.abortMultipart(ctx, params.Key, uploadID)
			return nil, fmt.Errorf("read part %d: %w", partNum, err)
		}
		remaining -= n

		pn := partNum
		g.Go(func() error {
			out, err := s.s3Client.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:        &s.config.BucketName,
				Key:           &params.Key,
				UploadId:      created.UploadId,
				PartNumber:    aws.Int32(pn),
				Body:          bytes.NewReader(buf),
				ContentLength: aws.Int64(int64(len(buf))),
			})
			if err != nil {
				return fmt.Errorf("upload part %d: %w", pn, err)
			}
			completed[pn-1] = types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(pn),
			}
			if params.OnProgress != nil {
				params.OnProgress(uploaded.Add(int64(len(buf))), params.Size)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.abortMultipart(ctx, params.Key, uploadID)
		return nil, err
	}

	res, err := s.s3Client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   &s.config.BucketName,
		Key:      &params.Key,
		UploadId: created.UploadId,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		s.abortMultipart(ctx, params.Key, uploadID)
		return nil, fmt.Errorf("complete multipart upload: %w", err)
	}

	return &PutObjectResponse{
		Key:          params.Key,
		Size:         params.Size,
		Version:      aws.ToString(res.VersionId),
		ETag:         strings.ReplaceAll(aws.ToString(res.ETag), "\"", ""),
		LastModified: time.Now().UTC(),
	}, nil
}

func (s *S3Backend) abortMultipart(ctx context.Context, key, uploadID string) {
	// Best effort, even when the caller's context is already gone.
	abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, _ = s.s3Client.AbortMultipartUpload(abortCtx, &s3.AbortMultipartUploadInput{
		Bucket:   &s.config.BucketName,
		Key:      &key,
		UploadId: &uploadID,
	})
}

func (s *S3Backend) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	if !ValidateKey(key) {
		return nil, ErrInvalidKey
	}

	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		return nil, err
	}

	return &GetObjectResponse{
		Body:         resp.Body,
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		ContentType:  aws.ToString(resp.ContentType),
		Metadata:     resp.Metadata,
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

func (s *S3Backend) DeleteObject(ctx context.Context, key string) (bool, error) {
	if !ValidateKey(key) {
		return false, ErrInvalidKey
	}

	_, err := s.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.config.BucketName,
		Key:    &key,
	})
	if err != nil {
		// Deleting a missing key is success.
		if IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func (s *S3Backend) ListObjects(ctx context.Context, params *ListParams) (*ListResponse, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: &s.config.BucketName,
	}
	if params.Prefix != "" {
		input.Prefix = aws.String(params.Prefix)
	}
	if params.ContinuationToken != "" {
		input.ContinuationToken = aws.String(params.ContinuationToken)
	}
	if params.MaxKeys > 0 {
		input.MaxKeys = aws.Int32(params.MaxKeys)
	}

	page, err := s.s3Client.ListObjectsV2(ctx, input)
	if err != nil {
		return nil, err
	}

	objects := make([]*ObjectInfo, 0, len(page.Contents))
	for _, obj := range page.Contents {
		objects = append(objects, &ObjectInfo{
			Key:          aws.ToString(obj.Key),
			ETag:         strings.ReplaceAll(aws.ToString(obj.ETag), "\"", ""),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}

	return &ListResponse{
		Objects:           objects,
		ContinuationToken: aws.ToString(page.NextContinuationToken),
		Truncated:         aws.ToBool(page.IsTruncated),
	}, nil
}

// IsNotFound reports whether err is any flavor of the store's missing-key
// error.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrKeyNotFound) {
		return true
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}

var _ Backend = (*S3Backend)(nil)
