package probe

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"

	"github.com/3cpo-dev/convoy/internal/core"
	"github.com/3cpo-dev/convoy/internal/objectstore"
)

// MinIOChecker asks the S3 endpoint in hc.Address whether Options["bucket"]
// exists, or lists buckets when no bucket is named. Options "access_key",
// "secret_key", "region" and "use_ssl" configure the client. An S3 error
// response (for example AccessDenied) is a mismatch since the service answered.
type MinIOChecker struct{}

func (MinIOChecker) Check(ctx context.Context, _ *core.Target, hc core.HealthCheck) (bool, string, error) {
	client, err := objectstore.NewMinIOClient(objectstore.Config{
		Endpoint:  hc.Address,
		AccessKey: hc.Options["access_key"],
		SecretKey: hc.Options["secret_key"],
		Region:    hc.Options["region"],
		UseSSL:    hc.Options["use_ssl"] == "true",
	})
	if err != nil {
		return false, "", err
	}
	bucket := hc.Options["bucket"]
	if bucket == "" {
		buckets, err := client.ListBuckets(ctx)
		if err != nil {
			return s3Failure("list buckets", err)
		}
		return true, fmt.Sprintf("%d buckets", len(buckets)), nil
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return s3Failure("bucket exists", err)
	}
	if !exists {
		return false, "bucket " + bucket + " missing", nil
	}
	return true, "bucket " + bucket + " present", nil
}

func s3Failure(op string, err error) (bool, string, error) {
	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		return false, fmt.Sprintf("%s: %s", op, resp.Code), nil
	}
	return false, "", fmt.Errorf("%s: %w", op, err)
}
