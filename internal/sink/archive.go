package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/vigil/pkg/violation"
)

// S3PutAPI is the part of the S3 client the archive uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink buffers violations as JSON lines and uploads them to S3 on Flush.
type ArchiveSink struct {
	client S3PutAPI
	bucket string
	prefix string
	now    func() time.Time
	logger zerolog.Logger

	mu    sync.Mutex
	buf   bytes.Buffer
	count int
}

// NewArchiveSink creates an archive writing to bucket under prefix.
func NewArchiveSink(client S3PutAPI, bucket, prefix string) *ArchiveSink {
	return &ArchiveSink{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
		logger: log.With().Str("component", "sink").Str("sink", "archive").Logger(),
	}
}

// Put appends v to the pending batch.
func (a *ArchiveSink) Put(_ context.Context, v violation.Violation) {
	line, err := json.Marshal(v)
	if err != nil {
		a.logger.Error().Err(err).Str("key", v.Key().String()).Msg("failed to encode violation")
		return
	}

	a.mu.Lock()
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.count++
	a.mu.Unlock()
}

// Pending returns the number of buffered violations.
func (a *ArchiveSink) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// Flush uploads the pending batch as one object. An empty batch uploads nothing.
// On failure the batch is kept for the next flush.
func (a *ArchiveSink) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.count == 0 {
		a.mu.Unlock()
		return nil
	}
	body := bytes.Clone(a.buf.Bytes())
	count := a.count
	a.buf.Reset()
	a.count = 0
	a.mu.Unlock()

	now := a.now().UTC()
	key := path.Join(a.prefix, now.Format("2006/01/02"), fmt.Sprintf("%s-%s.jsonl", now.Format("150405"), uuid.NewString()))

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		a.mu.Lock()
		restored := append(body, a.buf.Bytes()...)
		a.buf.Reset()
		a.buf.Write(restored)
		a.count += count
		a.mu.Unlock()
		return fmt.Errorf("upload archive %s: %w", key, err)
	}

	a.logger.Debug().Str("key", key).Int("violations", count).Msg("archived violations")
	return nil
}
