package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/objectstore"
)

// Bucket uploads the JSON Document of a run to S3-compatible storage as
// <prefix>/<run id>.json.
type Bucket struct {
	Client *minio.Client
	Bucket string
	Prefix string
	// Ensure creates the bucket on first use.
	Ensure bool
	Region string
}

// NewBucket connects to the bucket configured under report.bucket.
func NewBucket(cfg core.Config) (*Bucket, error) {
	b := cfg.Report.Bucket
	client, err := objectstore.NewMinIOClient(objectstore.Config{
		Endpoint:  b.Endpoint,
		AccessKey: b.AccessKey,
		SecretKey: b.SecretKey,
		Bucket:    b.Bucket,
		Region:    b.Region,
		UseSSL:    b.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("report bucket: %w", err)
	}
	if b.Bucket == "" {
		return nil, errors.New("report bucket: bucket name is required")
	}
	return &Bucket{Client: client, Bucket: b.Bucket, Prefix: b.Prefix, Region: b.Region, Ensure: true}, nil
}

// Key returns the object name for a run.
func (b *Bucket) Key(runID string) string {
	return path.Join(b.Prefix, runID+".json")
}

func (b *Bucket) Report(ctx context.Context, s *core.Summary) error {
	if b.Ensure {
		if err := objectstore.EnsureBucket(ctx, b.Client, b.Bucket, b.Region); err != nil {
			return err
		}
		b.Ensure = false
	}
	data, err := json.Marshal(NewDocument(s))
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	key := b.Key(s.RunID)
	info, err := b.Client.PutObject(ctx, b.Bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"plan":      s.Plan,
			"exit-code": strconv.Itoa(s.ExitCode()),
		},
	})
	if err != nil {
		return fmt.Errorf("upload run %s: %w", s.RunID, err)
	}
	log.Info().Str("bucket", b.Bucket).Str("key", key).Int64("size", info.Size).Msg("run report uploaded")
	return nil
}
