package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hqcloud/hqsync/internal/utils"
)

// CLIBackend drives the official `aws` CLI as a subprocess. It exists for
// environments where bundling SDK credentials is not possible but the CLI is
// already configured. Parts are uploaded sequentially.
type CLIBackend struct {
	config  *S3Config
	awsPath string
}

func NewCLIBackend(cfg *S3Config) (*CLIBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	awsPath, err := exec.LookPath("aws")
	if err != nil {
		return nil, fmt.Errorf("aws cli not found in PATH: %w", err)
	}
	return &CLIBackend{config: cfg, awsPath: awsPath}, nil
}

func (c *CLIBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	baseArgs := []string{"s3api"}
	baseArgs = append(baseArgs, args...)
	baseArgs = append(baseArgs, "--bucket", c.config.BucketName, "--output", "json")
	if c.config.Region != "" {
		baseArgs = append(baseArgs, "--region", c.config.Region)
	}
	if c.config.Endpoint != "" {
		baseArgs = append(baseArgs, "--endpoint-url", c.config.Endpoint)
	}

	cmd := exec.CommandContext(ctx, c.awsPath, baseArgs...)
	cmd.Env = os.Environ()
	if c.config.AccessKey != "" {
		cmd.Env = append(cmd.Env,
			"AWS_ACCESS_KEY_ID="+c.config.AccessKey,
			"AWS_SECRET_ACCESS_KEY="+c.config.SecretKey,
		)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isCLINotFound(msg) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("aws %s: %s: %w", args[0], msg, err)
	}
	return stdout.Bytes(), nil
}

func isCLINotFound(stderr string) bool {
	return strings.Contains(stderr, "NoSuchKey") || strings.Contains(stderr, "Not Found") || strings.Contains(stderr, "(404)")
}

// spool copies r to a temp file so the CLI can read it by path.
func spool(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp("", "hqsync-cli-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), n, nil
}

func metadataJSON(md Metadata) (string, error) {
	if len(md) == 0 {
		return "", nil
	}
	raw, err := utils.JSONMarshal(md)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (c *CLIBackend) PutObject(ctx context.Context, params *PutObjectParams) (*PutObjectResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}

	bodyPath, size, err := spool(params.Body)
	if err != nil {
		return nil, fmt.Errorf("spool body: %w", err)
	}
	defer os.Remove(bodyPath)

	args := []string{"put-object", "--key", params.Key, "--body", bodyPath}
	if params.ContentType != "" {
		args = append(args, "--content-type", params.ContentType)
	}
	if md, err := metadataJSON(params.Metadata); err != nil {
		return nil, err
	} else if md != "" {
		args = append(args, "--metadata", md)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ETag      string `json:"ETag"`
		VersionId string `json:"VersionId"`
	}
	if err := utils.JSONUnmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("parse put-object output: %w", err)
	}

	return &PutObjectResponse{
		Key:          params.Key,
		Size:         size,
		ETag:         strings.Trim(resp.ETag, `"`),
		Version:      resp.VersionId,
		LastModified: time.Now().UTC(),
	}, nil
}

func (c *CLIBackend) PutObjectMultipart(ctx context.Context, params *PutMultipartParams) (*PutObjectResponse, error) {
	if !ValidateKey(params.Key) {
		return nil, ErrInvalidKey
	}
	if params.PartSize <= 0 {
		return nil, fmt.Errorf("part size must be positive")
	}
	if params.Size < params.PartSize {
		return c.PutObject(ctx, &PutObjectParams{
			Key:         params.Key,
			Body:        params.Body,
			Size:        params.Size,
			ContentType: params.ContentType,
			Metadata:    params.Metadata,
		})
	}

	args := []string{"create-multipart-upload", "--key", params.Key}
	if params.ContentType != "" {
		args = append(args, "--content-type", params.ContentType)
	}
	if md, err := metadataJSON(params.Metadata); err != nil {
		return nil, err
	} else if md != "" {
		args = append(args, "--metadata", md)
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	var created struct {
		UploadId string `json:"UploadId"`
	}
	if err := utils.JSONUnmarshal(out, &created); err != nil {
		return nil, fmt.Errorf("parse create-multipart-upload output: %w", err)
	}

	type completedPart struct {
		ETag       string `json:"ETag"`
		PartNumber int32  `json:"PartNumber"`
	}
	var parts []completedPart
	var uploaded int64

	abort := func() {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_, _ = c.run(abortCtx, "abort-multipart-upload", "--key", params.Key, "--upload-id", created.UploadId)
	}

	for partNum, remaining := int32(1), params.Size; remaining > 0; partNum++ {
		n := params.PartSize
		if remaining < n {
			n = remaining
		}
		partPath, _, err := spool(io.LimitReader(params.Body, n))
		if err != nil {
			abort()
			return nil, fmt.Errorf("spool part %d: %w", partNum, err)
		}

		out, err := c.run(ctx, "upload-part",
			"--key", params.Key,
			"--upload-id", created.UploadId,
			"--part-number", strconv.Itoa(int(partNum)),
			"--body", partPath,
		)
		os.Remove(partPath)
		if err != nil {
			abort()
			return nil, fmt.Errorf("upload part %d: %w", partNum, err)
		}

		var partResp struct {
			ETag string `json:"ETag"`
		}
		if err := utils.JSONUnmarshal(out, &partResp); err != nil {
			abort()
			return nil, fmt.Errorf("parse upload-part output: %w", err)
		}
		parts = append(parts, completedPart{ETag: partResp.ETag, PartNumber: partNum})

		remaining -= n
		uploaded += n
		if params.OnProgress != nil {
			params.OnProgress(uploaded, params.Size)
		}
	}

	manifest, err := utils.JSONMarshal(map[string]any{"Parts": parts})
	if err != nil {
		abort()
		return nil, err
	}

	out, err = c.run(ctx, "complete-multipart-upload",
		"--key", params.Key,
		"--upload-id", created.UploadId,
		"--multipart-upload", string(manifest),
	)
	if err != nil {
		abort()
		return nil, err
	}

	var completed struct {
		ETag      string `json:"ETag"`
		VersionId string `json:"VersionId"`
	}
	if err := utils.JSONUnmarshal(out, &completed); err != nil {
		return nil, fmt.Errorf("parse complete-multipart-upload output: %w", err)
	}

	return &PutObjectResponse{
		Key:          params.Key,
		Size:         params.Size,
		ETag:         strings.Trim(completed.ETag, `"`),
		Version:      completed.VersionId,
		LastModified: time.Now().UTC(),
	}, nil
}

// removeOnClose deletes the backing temp file once the caller is done.
type removeOnClose struct {
	*os.File
}

func (r *removeOnClose) Close() error {
	err := r.File.Close()
	os.Remove(r.File.Name())
	return err
}

func (c *CLIBackend) GetObject(ctx context.Context, key string) (*GetObjectResponse, error) {
	if !ValidateKey(key) {
		return nil, ErrInvalidKey
	}

	tmp, err := os.CreateTemp("", "hqsync-get-*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	out, err := c.run(ctx, "get-object", "--key", key, tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	var resp struct {
		ETag          string            `json:"ETag"`
		ContentLength int64             `json:"ContentLength"`
		ContentType   string            `json:"ContentType"`
		LastModified  string            `json:"LastModified"`
		Metadata      map[string]string `json:"Metadata"`
	}
	if err := utils.JSONUnmarshal(out, &resp); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("parse get-object output: %w", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	return &GetObjectResponse{
		Body:         &removeOnClose{f},
		Size:         resp.ContentLength,
		ETag:         strings.Trim(resp.ETag, `"`),
		ContentType:  resp.ContentType,
		Metadata:     resp.Metadata,
		LastModified: parseCLITime(resp.LastModified),
	}, nil
}

func (c *CLIBackend) DeleteObject(ctx context.Context, key string) (bool, error) {
	if !ValidateKey(key) {
		return false, ErrInvalidKey
	}
	if _, err := c.run(ctx, "delete-object", "--key", key); err != nil {
		if IsNotFound(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

func (c *CLIBackend) ListObjects(ctx context.Context, params *ListParams) (*ListResponse, error) {
	// --no-paginate keeps this a single raw call so continuation tokens
	// surface instead of the CLI merging pages itself.
	args := []string{"list-objects-v2", "--no-paginate"}
	if params.Prefix != "" {
		args = append(args, "--prefix", params.Prefix)
	}
	if params.ContinuationToken != "" {
		args = append(args, "--continuation-token", params.ContinuationToken)
	}
	if params.MaxKeys > 0 {
		args = append(args, "--max-keys", strconv.Itoa(int(params.MaxKeys)))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Contents []struct {
			Key          string `json:"Key"`
			LastModified string `json:"LastModified"`
			ETag         string `json:"ETag"`
			Size         int64  `json:"Size"`
		} `json:"Contents"`
		IsTruncated           bool   `json:"IsTruncated"`
		NextContinuationToken string `json:"NextContinuationToken"`
	}
	if err := utils.JSONUnmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("parse list-objects-v2 output: %w", err)
	}

	objects := make([]*ObjectInfo, 0, len(resp.Contents))
	for _, obj := range resp.Contents {
		objects = append(objects, &ObjectInfo{
			Key:          obj.Key,
			ETag:         strings.Trim(obj.ETag, `"`),
			Size:         obj.Size,
			LastModified: parseCLITime(obj.LastModified),
		})
	}

	return &ListResponse{
		Objects:           objects,
		ContinuationToken: resp.NextContinuationToken,
		Truncated:         resp.IsTruncated,
	}, nil
}

func parseCLITime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var _ Backend = (*CLIBackend)(nil)
