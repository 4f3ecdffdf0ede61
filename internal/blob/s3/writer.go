package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/vaultd/internal/domain"
)

const (
	// minPartSize is the smallest part S3 accepts in a multipart upload.
	minPartSize int64 = 5 * 1024 * 1024

	uploadConcurrency = 4
)

// Writer stores event-archive objects: JSONL batches under
// archive/events/<month>/ and the checkpoint beside them.
type Writer struct {
	client *s3.Client
	bucket string
}

// NewWriter creates a Writer over the client's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{client: c.S3(), bucket: c.Bucket()}
}

// Put stores a small object, such as the checkpoint or a short batch, in
// one request.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	in := w.object(path, data, contentType)
	if _, err := w.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}

// PutMultipart stores a large archive batch in parts of at least
// minPartSize. Parts of a failed upload are aborted.
func (w *Writer) PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error {
	uploader := manager.NewUploader(w.client, func(u *manager.Uploader) {
		u.PartSize = max(partSize, minPartSize)
		u.Concurrency = uploadConcurrency
		u.LeavePartsOnError = false
	})
	if _, err := uploader.Upload(ctx, w.object(path, data, jsonlContentType)); err != nil {
		return fmt.Errorf("s3blob: multipart put %s: %w", path, err)
	}
	return nil
}

func (w *Writer) object(path string, data io.Reader, contentType string) *s3.PutObjectInput {
	return &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        data,
		ContentType: aws.String(contentType),
	}
}

var _ domain.BlobWriter = (*Writer)(nil)
