package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectPutter is the part of the S3 client used by S3Writer.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Writer stores every batch as a CSV object under
// <prefix>/<date>/<batch id>.csv.
type S3Writer struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Writer creates a writer using the default AWS credential chain.
func NewS3Writer(ctx context.Context, bucket, prefix string) (*S3Writer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewS3WriterWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// NewS3WriterWithClient creates a writer around an existing client.
func NewS3WriterWithClient(client ObjectPutter, bucket, prefix string) *S3Writer {
	return &S3Writer{client: client, bucket: bucket, prefix: prefix, now: time.Now}
}

// AppendRows implements Writer.
func (w *S3Writer) AppendRows(ctx context.Context, rows []Row) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Record()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}

	key := path.Join(w.prefix, w.now().UTC().Format("2006-01-02"), uuid.NewString()+".csv")
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}
