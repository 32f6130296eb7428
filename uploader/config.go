package uploader

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

// Params describes the caller's upload intent. Fields left empty are filled
// with defaults when the upload starts and are immutable afterwards.
type Params struct {
	FileType    string
	SubCategory string
	// FileExtension defaults to the extension of the source name.
	FileExtension string
}

const (
	// DefaultFileType is used when Params.FileType is empty.
	DefaultFileType = "file"
	// DefaultMaxTryCount is the retry budget on top of the initial attempt.
	DefaultMaxTryCount = 3
	// DefaultRetryTimeout is the back-off between attempts.
	DefaultRetryTimeout = 2 * time.Second
	// DefaultTrackMaxAge matches the lifetime storage vendors give
	// server-side multipart state.
	DefaultTrackMaxAge = 7 * 24 * time.Hour
)

const (
	tokenServiceURLEnvVar  = "UPLOAD_TOKEN_SERVICE_URL"
	tokenAccessTokenEnvVar = "UPLOAD_TOKEN_ACCESS_TOKEN"
)

// Config ...
type Config struct {
	// TokenServiceURL is the base URL of the token-issuing endpoint. Read
	// from the UPLOAD_TOKEN_SERVICE_URL env var when empty.
	TokenServiceURL string
	// TokenServiceAccessToken authenticates against the token service.
	// Read from the UPLOAD_TOKEN_ACCESS_TOKEN env var when empty.
	TokenServiceAccessToken string
	// MaxTryCount is the number of retries after a failed attempt.
	// If not provided (0), DefaultMaxTryCount is used.
	MaxTryCount int
	// RetryTimeout is the wait between attempts. 0 means the default.
	RetryTimeout time.Duration
	// TrackMaxAge is the expiry horizon of persisted Tracks. 0 means the
	// default.
	TrackMaxAge time.Duration
	// PartSize in bytes handed to the transfer. 0 means the transfer's
	// default.
	PartSize int64
	// DecideResume gates resuming from a cached Track. Nil resumes
	// whenever a cached Track exists.
	DecideResume DecideFunc
}

// uploadConfig is the per-chain view of the configuration, with all
// defaults applied.
type uploadConfig struct {
	params       Params
	maxTryCount  int
	retryTimeout time.Duration
	trackMaxAge  time.Duration
	partSize     int64
}

func (u *Uploader) createConfig(src transfer.Source, params Params) uploadConfig {
	if params.FileType == "" {
		params.FileType = DefaultFileType
	}
	if params.FileExtension == "" {
		params.FileExtension = strings.TrimPrefix(filepath.Ext(src.Name()), ".")
	}

	return uploadConfig{
		params:       params,
		maxTryCount:  u.maxTryCount,
		retryTimeout: u.retryTimeout,
		trackMaxAge:  u.trackMaxAge,
		partSize:     u.partSize,
	}
}
