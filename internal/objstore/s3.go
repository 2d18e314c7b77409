package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mbta/dmap-loader/internal/errs"
	"github.com/mbta/dmap-loader/internal/retry"
)

// s3Client implements Client on top of aws-sdk-go-v2/service/s3. This is
// the one teacher (malbeclabs-lake) dependency the retrieved source never
// exercised: its go.mod declares aws-sdk-go-v2/service/s3 but no file in the
// indexer/admin/api packages imports it. The ingestion pipeline is exactly
// the missing consumer.
type s3Client struct {
	log        *slog.Logger
	api        *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	retryCfg   retry.Config
}

// NewS3Client builds a Client from the default AWS credential chain (env,
// shared config, instance/task role), optionally overriding the region.
func NewS3Client(ctx context.Context, log *slog.Logger, region string) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(cfg)
	return &s3Client{
		log:        log,
		api:        api,
		downloader: manager.NewDownloader(api),
		uploader:   manager.NewUploader(api),
		retryCfg:   retry.DefaultConfig(),
	}, nil
}

func (c *s3Client) List(ctx context.Context, bucket, prefix string, filter ListFilter) ([]URI, error) {
	var out []URI
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})

	for paginator.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := retry.Do(ctx, c.retryCfg, func() error {
			var pageErr error
			page, pageErr = paginator.NextPage(ctx)
			return pageErr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: list %s/%s: %v", errs.ErrObjectStoreUnavailable, bucket, prefix, err)
		}

		for _, obj := range page.Contents {
			if obj.Size == nil || *obj.Size == 0 {
				continue // zero-byte entries are treated as absent
			}
			key := *obj.Key
			if filter != nil && !filter(key) {
				continue
			}
			out = append(out, URI{Bucket: bucket, Key: key})
		}
	}
	return out, nil
}

func (c *s3Client) Exists(ctx context.Context, uri URI) (bool, error) {
	var head *s3.HeadObjectOutput
	err := retry.Do(ctx, c.retryCfg, func() error {
		var headErr error
		head, headErr = c.api.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &uri.Bucket, Key: &uri.Key})
		return headErr
	})
	if err != nil {
		if s3IsNotFoundErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: head %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
	}
	return head.ContentLength != nil && *head.ContentLength > 0, nil
}

func (c *s3Client) Get(ctx context.Context, uri URI) (io.ReadCloser, error) {
	var out *s3.GetObjectOutput
	err := retry.Do(ctx, c.retryCfg, func() error {
		var getErr error
		out, getErr = c.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &uri.Bucket, Key: &uri.Key})
		return getErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
	}
	return out.Body, nil
}

func (c *s3Client) Put(ctx context.Context, localPath string, uri URI, extra map[string]string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket:   &uri.Bucket,
		Key:      &uri.Key,
		Body:     f,
		Metadata: extra,
	}
	return retry.Do(ctx, c.retryCfg, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := c.uploader.Upload(ctx, input)
		if err != nil {
			return fmt.Errorf("%w: put %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
		}
		return nil
	})
}

func (c *s3Client) PutBytes(ctx context.Context, data []byte, uri URI) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: &uri.Bucket,
			Key:    &uri.Key,
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("%w: put %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
		}
		return nil
	})
}

func (c *s3Client) Download(ctx context.Context, uri URI, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}
	defer f.Close()

	return retry.Do(ctx, c.retryCfg, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		if err := f.Truncate(0); err != nil {
			return err
		}
		_, err := c.downloader.Download(ctx, f, &s3.GetObjectInput{Bucket: &uri.Bucket, Key: &uri.Key})
		if err != nil {
			return fmt.Errorf("%w: download %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
		}
		return nil
	})
}

func (c *s3Client) Delete(ctx context.Context, uri URI) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: &uri.Bucket, Key: &uri.Key})
		if err != nil {
			return fmt.Errorf("%w: delete %s: %v", errs.ErrObjectStoreUnavailable, uri, err)
		}
		return nil
	})
}

func (c *s3Client) Copy(ctx context.Context, src, dst URI) error {
	copySource := src.Bucket + "/" + src.Key
	return retry.Do(ctx, c.retryCfg, func() error {
		_, err := c.api.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     &dst.Bucket,
			Key:        &dst.Key,
			CopySource: &copySource,
		})
		if err != nil {
			return fmt.Errorf("%w: copy %s -> %s: %v", errs.ErrObjectStoreUnavailable, src, dst, err)
		}
		return nil
	})
}

// s3IsNotFoundErr does a best-effort string match for "NotFound"/"404"
// since the SDK's error types vary across S3-compatible backends.
func s3IsNotFoundErr(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"NotFound", "NoSuchKey", "404"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
