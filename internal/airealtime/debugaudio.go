package airealtime

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// s3PutAPI is the slice of the S3 client the uploader needs
type s3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DebugAudioUploader exports buffered call audio snapshots to S3 for
// offline inspection of garbled or silent calls
type DebugAudioUploader struct {
	client s3PutAPI
	bucket string
	logger *zap.Logger
}

// NewDebugAudioUploader builds an uploader against the configured bucket.
// Returns nil (upload disabled) when no bucket is configured.
func NewDebugAudioUploader(ctx context.Context, bucket, region string, logger *zap.Logger) (*DebugAudioUploader, error) {
	if bucket == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &DebugAudioUploader{
		client: s3.NewFromConfig(awsCfg),
		bucket: bucket,
		logger: logger,
	}, nil
}

// Upload writes each audio chunk of the snapshot as its own object and
// returns the object keys. A failed chunk is logged and skipped — partial
// debug audio still beats none.
func (u *DebugAudioUploader) Upload(ctx context.Context, conversationID string, snapshot [][]byte) ([]string, error) {
	if len(snapshot) == 0 {
		return nil, nil
	}

	prefix := fmt.Sprintf("debug-audio/%s/%s", conversationID, time.Now().UTC().Format("20060102T150405Z"))
	var keys []string
	for i, chunk := range snapshot {
		key := fmt.Sprintf("%s/chunk-%04d.pcm", prefix, i)
		_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(u.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(chunk),
			ContentType: aws.String("audio/L16"),
		})
		if err != nil {
			u.logger.Warn("debug audio chunk upload failed",
				zap.String("conversation_id", conversationID),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("all %d debug audio chunks failed to upload", len(snapshot))
	}
	u.logger.Info("debug audio uploaded",
		zap.String("conversation_id", conversationID),
		zap.Int("chunks", len(keys)),
	)
	return keys, nil
}
