package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultPartSize keeps part counts reasonable while staying above the
	// S3 minimum part size.
	DefaultPartSize int64 = 8 * 1024 * 1024

	// minPartSize is the smallest part size S3 accepts for multipart uploads.
	minPartSize int64 = 5 * 1024 * 1024

	checkpointVersion  = 1
	numTransferRetries = 3
)

// S3Transfer uploads Sources to an S3 bucket. Sources larger than one part
// go through a resumable multipart upload whose state is captured in the
// progress checkpoints; smaller ones are uploaded in a single request.
// The zero value is ready to use.
type S3Transfer struct{}

type s3Checkpoint struct {
	UploadID  string   `json:"upload_id"`
	Key       string   `json:"key"`
	Bucket    string   `json:"bucket"`
	PartSize  int64    `json:"part_size"`
	TotalSize int64    `json:"total_size"`
	Parts     []s3Part `json:"parts"`
}

type s3Part struct {
	Number int32  `json:"number"`
	ETag   string `json:"etag"`
	Size   int64  `json:"size"`
}

// MultipartUpload ...
func (t S3Transfer) MultipartUpload(ctx context.Context, remoteName string, src Source, opts Options, logger log.Logger) (*Result, error) {
	if remoteName == "" {
		return nil, fmt.Errorf("remote name must not be empty")
	}
	if opts.Credentials.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	partSize := opts.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	if partSize < minPartSize {
		partSize = minPartSize
	}

	cfg, err := loadAWSConfig(ctx, opts.Credentials)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}
	client := s3.NewFromConfig(cfg)

	if opts.Checkpoint == nil && src.Size() <= partSize {
		return t.uploadSingle(ctx, client, remoteName, src, opts, partSize)
	}
	return t.uploadMultipart(ctx, client, remoteName, src, opts, partSize, logger)
}

func (t S3Transfer) uploadSingle(ctx context.Context, client *s3.Client, remoteName string, src Source, opts Options, partSize int64) (*Result, error) {
	file, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer file.Close() //nolint:errcheck

	body := &progressReader{
		reader:     file,
		total:      src.Size(),
		onProgress: opts.OnProgress,
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})
	out, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Body:          body,
		Bucket:        aws.String(opts.Credentials.Bucket),
		Key:           aws.String(remoteName),
		ContentType:   aws.String(src.ContentType()),
		ContentLength: aws.Int64(src.Size()),
	})
	if err != nil {
		return nil, wrapTransferError(ctx, fmt.Errorf("put object: %w", err))
	}

	return &Result{
		RequestURLs: []string{out.Location},
		Bucket:      opts.Credentials.Bucket,
		Key:         remoteName,
		ETag:        aws.ToString(out.ETag),
	}, nil
}

func (t S3Transfer) uploadMultipart(ctx context.Context, client *s3.Client, remoteName string, src Source, opts Options, partSize int64, logger log.Logger) (*Result, error) {
	total := src.Size()
	bucket := opts.Credentials.Bucket

	cp := decodeCheckpoint(opts.Checkpoint, remoteName, bucket, total)
	if cp != nil {
		exists, err := uploadExists(ctx, client, cp)
		if err != nil {
			return nil, wrapTransferError(ctx, err)
		}
		if !exists {
			logger.Warnf("Stored checkpoint points at an expired upload, starting over")
			cp = nil
		} else {
			logger.Debugf("Resuming multipart upload %s from part %d", cp.UploadID, len(cp.Parts)+1)
		}
	}

	if cp == nil {
		out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(remoteName),
			ContentType: aws.String(src.ContentType()),
		})
		if err != nil {
			return nil, wrapTransferError(ctx, fmt.Errorf("create multipart upload: %w", err))
		}
		cp = &s3Checkpoint{
			UploadID:  aws.ToString(out.UploadId),
			Key:       remoteName,
			Bucket:    bucket,
			PartSize:  partSize,
			TotalSize: total,
		}
	}

	file, err := src.Open()
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer file.Close() //nolint:errcheck

	numParts := (total + cp.PartSize - 1) / cp.PartSize
	if numParts < 1 {
		numParts = 1
	}

	consumed := int64(0)
	for _, part := range cp.Parts {
		consumed += part.Size
	}

	for n := int64(len(cp.Parts)) + 1; n <= numParts; n++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrAborted, ctx.Err())
		}

		offset := (n - 1) * cp.PartSize
		length := cp.PartSize
		if offset+length > total {
			length = total - offset
		}
		if _, err := file.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek to part %d: %w", n, err)
		}
		data, err := io.ReadAll(io.LimitReader(file, length))
		if err != nil {
			return nil, fmt.Errorf("read part %d: %w", n, err)
		}

		out, err := client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(cp.Bucket),
			Key:           aws.String(cp.Key),
			UploadId:      aws.String(cp.UploadID),
			PartNumber:    aws.Int32(int32(n)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return nil, wrapTransferError(ctx, fmt.Errorf("upload part %d: %w", n, err))
		}

		cp.Parts = append(cp.Parts, s3Part{
			Number: int32(n),
			ETag:   aws.ToString(out.ETag),
			Size:   int64(len(data)),
		})
		consumed += int64(len(data))

		if opts.OnProgress != nil {
			opts.OnProgress(Progress{
				ConsumedBytes: consumed,
				TotalBytes:    total,
				Checkpoint:    encodeCheckpoint(cp, logger),
			})
		}
	}

	completed := make([]types.CompletedPart, 0, len(cp.Parts))
	for _, part := range cp.Parts {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(part.ETag),
			PartNumber: aws.Int32(part.Number),
		})
	}

	var location, etag string
	err = retry.Times(numTransferRetries).Wait(time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(cp.Bucket),
			Key:      aws.String(cp.Key),
			UploadId: aws.String(cp.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{
				Parts: completed,
			},
		})
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("complete multipart upload: %w", err), false
		}
		location = aws.ToString(out.Location)
		etag = aws.ToString(out.ETag)
		return nil, true
	})
	if err != nil {
		return nil, wrapTransferError(ctx, err)
	}

	if location == "" {
		location = fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", cp.Bucket, opts.Credentials.Region, cp.Key)
	}

	return &Result{
		RequestURLs: []string{fmt.Sprintf("%s?uploadId=%s", location, cp.UploadID)},
		Bucket:      cp.Bucket,
		Key:         cp.Key,
		ETag:        etag,
	}, nil
}

// uploadExists checks whether the multipart upload a checkpoint points at is
// still alive on the service side.
func uploadExists(ctx context.Context, client *s3.Client, cp *s3Checkpoint) (bool, error) {
	exists := false
	err := retry.Times(numTransferRetries).Wait(time.Second).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:   aws.String(cp.Bucket),
			Key:      aws.String(cp.Key),
			UploadId: aws.String(cp.UploadID),
		})
		if err != nil {
			var apiError smithy.APIError
			if errors.As(err, &apiError) {
				switch apiError.(type) {
				case *types.NoSuchUpload:
					return nil, true
				}
			}
			if ctx.Err() != nil {
				return err, true
			}
			return fmt.Errorf("list parts: %w", err), false
		}
		exists = true
		return nil, true
	})
	return exists, err
}

func encodeCheckpoint(cp *s3Checkpoint, logger log.Logger) *Checkpoint {
	data, err := json.Marshal(cp)
	if err != nil {
		// The checkpoint only holds plain fields, this should not happen.
		logger.Warnf("Failed to encode checkpoint: %s", err)
		return nil
	}
	return &Checkpoint{Version: checkpointVersion, Data: data}
}

// decodeCheckpoint returns nil for anything that can't safely resume the
// current transfer: a checkpoint of a different version, of another object,
// or of a source whose size changed since the checkpoint was written.
func decodeCheckpoint(checkpoint *Checkpoint, key, bucket string, totalSize int64) *s3Checkpoint {
	if checkpoint == nil || checkpoint.Version != checkpointVersion {
		return nil
	}
	var cp s3Checkpoint
	if err := json.Unmarshal(checkpoint.Data, &cp); err != nil {
		return nil
	}
	if cp.UploadID == "" || cp.Key != key || cp.Bucket != bucket || cp.TotalSize != totalSize || cp.PartSize <= 0 {
		return nil
	}
	return &cp
}

func wrapTransferError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s", ErrAborted, err)
	}
	return err
}

func loadAWSConfig(ctx context.Context, creds Credentials) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(creds.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKeyID, creds.AccessKeySecret, creds.SessionToken),
		),
	)
}

// progressReader reports consumed bytes as the wrapped reader is drained.
// Single-request uploads have no resumable state, so the reported progress
// carries no checkpoint.
type progressReader struct {
	reader     io.Reader
	total      int64
	consumed   int64
	onProgress func(Progress)
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.consumed += int64(n)
		if r.consumed > r.total {
			r.consumed = r.total
		}
		if r.onProgress != nil {
			r.onProgress(Progress{ConsumedBytes: r.consumed, TotalBytes: r.total})
		}
	}
	return n, err
}
