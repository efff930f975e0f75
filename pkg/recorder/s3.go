package recorder

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of *s3.Client used by S3Uploader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Uploader uploads record files to an S3 bucket.
//
// Example usage:
//
//	client := s3.New(s3.Options{Region: "us-west-2", Credentials: creds})
//	rec, _ := recorder.New("run.csv",
//		recorder.WithUploader(recorder.NewS3Uploader(client, "my-bucket", "runs/")))
type S3Uploader struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Uploader creates an uploader. Objects are stored under
// prefix + timestamp + "-" + file name.
func NewS3Uploader(client S3API, bucket, prefix string) *S3Uploader {
	return &S3Uploader{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}
}

// Upload implements Uploader. It returns the s3:// location of the object.
func (u *S3Uploader) Upload(ctx context.Context, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("recorder: open %s for upload: %w", file, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("recorder: stat %s: %w", file, err)
	}

	contentType := "text/csv"
	if format, err := FormatFor(file); err == nil && format == FormatJSON {
		contentType = "application/x-ndjson"
	}

	key := path.Join(u.prefix, u.now().UTC().Format("20060102T150405Z")+"-"+filepath.Base(file))
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
		Metadata: map[string]string{
			"original-filename": filepath.Base(file),
		},
	})
	if err != nil {
		return "", fmt.Errorf("recorder: s3 upload failed: %w", err)
	}
	return "s3://" + u.bucket + "/" + key, nil
}
