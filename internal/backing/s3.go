package backing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"
)

// S3Client is the subset of *s3.Client the backing uses, so tests can fake
// it without a real bucket.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backing is the object-store mode of §6's backing contract, grounded on
// the original's pyLibrary.aws.s3.Bucket and on the pack's aws-sdk-go-v2
// family (ethereum-go-ethereum go.mod).
type S3Backing struct {
	client S3Client
	bucket string
	region string
}

func NewS3Backing(client S3Client, bucket, region string) *S3Backing {
	return &S3Backing{client: client, bucket: bucket, region: region}
}

func (s *S3Backing) objectKey(key string) string {
	return withExtension(key)
}

func (s *S3Backing) WriteLines(ctx context.Context, key string, lines []string) error {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	for _, line := range lines {
		w.WriteString(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return errors.Wrapf(err, "buffer block for %s", key)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(buf.Bytes()),
	})
	if err != nil {
		return errors.Wrapf(err, "put object for %s", key)
	}
	return nil
}

func (s *S3Backing) ReadLines(ctx context.Context, key string) ([]string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get object for %s", key)
	}
	defer out.Body.Close()

	var lines []string
	scanner := bufio.NewScanner(out.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan object body for %s", key)
	}
	return lines, nil
}

func (s *S3Backing) URL(key string) string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, strings.TrimPrefix(s.objectKey(key), "/"))
}
