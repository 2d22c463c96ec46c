package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// S3Provider implements the Provider API for AWS S3.
type S3Provider struct {
	*baseProvider

	s3Client *s3.Client
	s3Bucket string
}

func NewS3Provider(bucket string) *S3Provider {
	return &S3Provider{
		baseProvider: newBaseProvider(""),
		s3Bucket:     bucket,
	}
}

func (p *S3Provider) Connect() error {
	p.logger.Debug("Connecting to remote storage",
		zap.String("remote_storage", "AWS S3"),
		zap.String("bucket", p.s3Bucket))

	p.status = Connecting

	sdkConfig, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		p.logger.Error("Failed to load AWS SDK config", zap.Error(err))
		p.status = Disconnected
		return err
	}

	p.s3Client = s3.NewFromConfig(sdkConfig)
	p.status = Connected

	return nil
}

func (p *S3Provider) Close() error {
	p.status = Disconnected
	return nil
}

func (p *S3Provider) WriteChunk(ctx context.Context, key string, data []byte) error {
	if p.s3Client == nil {
		return errors.Wrap(ErrNotConnected, "s3")
	}

	writeStart := time.Now()
	_, err := p.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		p.logger.Error("Error while writing log chunk to AWS S3.",
			zap.String("key", key), zap.String("bucket", p.s3Bucket), zap.Error(err))
		return err
	}

	p.logger.Debug("Successfully wrote log chunk to AWS S3.",
		zap.String("key", key),
		zap.String("bucket", p.s3Bucket),
		zap.Int("num_bytes", len(data)),
		zap.Duration("duration", time.Since(writeStart)))

	return nil
}

func (p *S3Provider) Read(ctx context.Context, key string) ([]byte, error) {
	if p.s3Client == nil {
		return nil, errors.Wrap(ErrNotConnected, "s3")
	}

	result, err := p.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, errors.Wrap(ErrKeyNotFound, key)
		}

		p.logger.Error("Could not retrieve log chunk from AWS S3.",
			zap.String("key", key),
			zap.String("bucket", p.s3Bucket),
			zap.Error(err))
		return nil, err
	}

	defer func() { _ = result.Body.Close() }()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		p.logger.Error("Could not read log chunk from S3 response body.",
			zap.String("key", key),
			zap.String("bucket", p.s3Bucket),
			zap.Error(err))
		return nil, err
	}

	return data, nil
}

func (p *S3Provider) Delete(ctx context.Context, key string) error {
	if p.s3Client == nil {
		return errors.Wrap(ErrNotConnected, "s3")
	}

	_, err := p.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(p.s3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		p.logger.Error("Error while deleting log chunk from AWS S3.",
			zap.String("key", key), zap.String("bucket", p.s3Bucket), zap.Error(err))
	}
	return err
}
