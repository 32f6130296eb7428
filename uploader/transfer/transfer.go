// Package transfer is the boundary to the object-storage service. It defines
// the multipart transfer contract the upload engine drives, the opaque
// checkpoint format transfers resume from, and a default S3 implementation.
package transfer

import (
	"context"
	"errors"

	"github.com/bitrise-io/go-utils/v2/log"
)

// ErrAborted is returned by a Transferrer when the transfer was cancelled
// through its context (pause or stop). Callers check for it with errors.Is;
// it is neither a success nor a transfer failure.
var ErrAborted = errors.New("transfer aborted")

// Credentials are the short-lived storage credentials of one upload attempt.
type Credentials struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	AccessKeySecret string
	SessionToken    string
}

// Progress is reported after every transferred chunk.
type Progress struct {
	ConsumedBytes int64
	TotalBytes    int64
	// Checkpoint is the state needed to continue the transfer from this
	// point. Nil when there is nothing to resume from yet.
	Checkpoint *Checkpoint
}

// Result ...
type Result struct {
	// RequestURLs are the URLs the final requests of the transfer went to.
	// The first one, stripped of its query string, is the public object URL.
	RequestURLs []string
	Bucket      string
	Key         string
	ETag        string
}

// Options ...
type Options struct {
	Credentials Credentials
	// Checkpoint resumes an earlier transfer when set. Invalid or stale
	// checkpoints are ignored and the transfer starts over.
	Checkpoint *Checkpoint
	// PartSize in bytes. 0 means the implementation default.
	PartSize   int64
	OnProgress func(Progress)
}

// Transferrer uploads a Source to object storage under a remote name.
type Transferrer interface {
	MultipartUpload(ctx context.Context, remoteName string, src Source, opts Options, logger log.Logger) (*Result, error)
}
