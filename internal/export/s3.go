// Package export snapshots a successful run's generated file set to S3 as
// a tar.gz archive. Export is dispatched fire-and-forget after the run's
// success event; failures are the caller's to log.
package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"sort"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"forgeline/internal/logging"
)

// S3Snapshotter uploads run snapshots.
type S3Snapshotter struct {
	uploader *manager.Uploader
	bucket   string
}

// NewS3Snapshotter loads the default AWS credential chain for the region.
func NewS3Snapshotter(ctx context.Context, bucket, region string) (*S3Snapshotter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Snapshotter{
		uploader: manager.NewUploader(client),
		bucket:   bucket,
	}, nil
}

// Export implements the pipeline's exporter collaborator.
func (e *S3Snapshotter) Export(ctx context.Context, runID string, files map[string]string) error {
	archive, err := tarGz(files)
	if err != nil {
		return fmt.Errorf("archive run %s: %w", runID, err)
	}

	key := fmt.Sprintf("runs/%s/snapshot-%s.tar.gz", runID, time.Now().UTC().Format("20060102T150405Z"))
	_, err = e.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: &e.bucket,
		Key:    &key,
		Body:   bytes.NewReader(archive),
	})
	if err != nil {
		return fmt.Errorf("upload snapshot for run %s: %w", runID, err)
	}

	logging.L().Info("run snapshot exported",
		zap.String("run_id", runID), zap.String("key", key), zap.Int("files", len(files)))
	return nil
}

// tarGz packs the file map deterministically (paths sorted).
func tarGz(files map[string]string) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, path := range paths {
		content := []byte(files[path])
		hdr := &tar.Header{
			Name: path,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
