// Package uploader implements resumable multipart uploads to object storage.
// An Uploader fingerprints the file, keeps a persisted progress record (a
// "Track") so an interrupted upload can continue after a process restart,
// retries transient failures with an observer-vetoable hook, and exposes
// pause/resume/stop controls.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"

	"github.com/parcelkit/go-uploadutils/uploader/network"
	"github.com/parcelkit/go-uploadutils/uploader/trackstore"
	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

// Uploader drives resumable multipart uploads. One Uploader runs one upload
// chain at a time; Pause, Resume and Stop act on the chain the last Upload
// call started and are safe to call from other goroutines.
type Uploader struct {
	maxTryCount  int
	retryTimeout time.Duration
	trackMaxAge  time.Duration
	partSize     int64
	decideResume DecideFunc

	logger      log.Logger
	notifier    Notifier
	tokens      network.TokenClient
	transferrer transfer.Transferrer
	store       *trackstore.Store

	mu                 sync.Mutex
	paused             bool
	active             bool
	cancelAttempt      context.CancelFunc
	currentSrc         transfer.Source
	currentParams      Params
	currentFingerprint string
}

// uploadIntent is the transient state of one attempt. Every retry gets a
// fresh intent with an incremented try count and the resume flag cleared:
// a retry runs against the persisted Track, it never trusts the cache
// blindly.
type uploadIntent struct {
	tryCount    int
	fingerprint string
	track       *trackstore.Track
	resume      bool
}

// NewUploader creates an uploader. Nil collaborators are replaced with
// production defaults: a token client against Config.TokenServiceURL, an S3
// transferrer and a memory-backed track store. Pass a trackstore.FileKV to
// make uploads resumable across processes.
func NewUploader(
	config Config,
	envRepo env.Repository,
	logger log.Logger,
	notifier Notifier,
	tokens network.TokenClient,
	transferrer transfer.Transferrer,
	kv trackstore.KV,
) *Uploader {
	if envRepo == nil {
		envRepo = env.NewRepository()
	}
	if logger == nil {
		logger = log.NewLogger()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if config.TokenServiceURL == "" {
		config.TokenServiceURL = envRepo.Get(tokenServiceURLEnvVar)
	}
	if config.TokenServiceAccessToken == "" {
		config.TokenServiceAccessToken = envRepo.Get(tokenAccessTokenEnvVar)
	}
	if config.MaxTryCount == 0 {
		config.MaxTryCount = DefaultMaxTryCount
	}
	if config.RetryTimeout == 0 {
		config.RetryTimeout = DefaultRetryTimeout
	}
	if config.TrackMaxAge == 0 {
		config.TrackMaxAge = DefaultTrackMaxAge
	}
	if tokens == nil && config.TokenServiceURL != "" {
		tokens = network.NewClient(retryhttp.NewClient(logger), config.TokenServiceURL, config.TokenServiceAccessToken, logger)
	}
	if transferrer == nil {
		transferrer = transfer.S3Transfer{}
	}
	if kv == nil {
		kv = trackstore.NewMemoryKV()
	}

	return &Uploader{
		maxTryCount:  config.MaxTryCount,
		retryTimeout: config.RetryTimeout,
		trackMaxAge:  config.TrackMaxAge,
		partSize:     config.PartSize,
		decideResume: config.DecideResume,
		logger:       logger,
		notifier:     notifier,
		tokens:       tokens,
		transferrer:  transferrer,
		store:        trackstore.NewStore(kv, logger),
	}
}

// Upload runs one upload chain for src. It blocks until the chain reaches a
// terminal state and returns the terminal error; nil when the upload
// succeeded, when the resume policy cancelled it, or when it was paused or
// stopped. Everything the chain goes through is also reported through the
// Notifier.
func (u *Uploader) Upload(ctx context.Context, src transfer.Source, params Params) error {
	if src == nil {
		return fmt.Errorf("source must not be nil")
	}
	if u.tokens == nil {
		return fmt.Errorf("no token client: the token service URL is not defined")
	}

	cfg := u.createConfig(src, params)
	return u.upload(ctx, src, cfg, false)
}

// Pause signals the in-flight transfer to stop. Idempotent; safe to call
// from any goroutine. Bytes already handed to the storage service may still
// land before the signal is observed. A paused chain keeps its Track, so an
// explicit Resume or a later Upload of the same file continues it.
func (u *Uploader) Pause() {
	u.mu.Lock()
	changed := !u.paused
	u.paused = true
	cancel := u.cancelAttempt
	u.cancelAttempt = nil
	u.mu.Unlock()

	if !changed {
		return
	}
	u.logger.Debugf("Pausing upload")
	u.notifier.PausedChanged(true)
	if cancel != nil {
		cancel()
	}
}

// Resume restarts a paused chain against the remembered file, reusing the
// cached Track's checkpoint and token. It blocks like Upload does and is a
// no-op when nothing is paused.
func (u *Uploader) Resume(ctx context.Context) error {
	u.mu.Lock()
	src := u.currentSrc
	params := u.currentParams
	paused := u.paused
	u.mu.Unlock()

	if !paused || src == nil {
		return nil
	}
	cfg := u.createConfig(src, params)
	return u.upload(ctx, src, cfg, true)
}

// Stop pauses the chain, emits the terminal end event (once per chain) and
// deletes the persisted Track. This is the only control operation that
// forgets progress permanently.
func (u *Uploader) Stop() {
	u.Pause()

	u.mu.Lock()
	fingerprint := u.currentFingerprint
	wasActive := u.active
	u.active = false
	u.currentSrc = nil
	u.currentFingerprint = ""
	var deleteErr error
	if fingerprint != "" {
		// Deleting under the lock serializes with persistTrack, so a
		// progress write queued behind the stop cannot resurrect the Track.
		deleteErr = u.store.Delete(fingerprint)
	}
	u.mu.Unlock()

	if fingerprint == "" {
		return
	}
	if deleteErr != nil {
		u.logger.Warnf("Failed to delete track on stop: %s", deleteErr)
	}
	if wasActive {
		u.notifier.End(EndEvent{Fingerprint: fingerprint})
	}
}

// IsPaused reports whether the uploader is paused.
func (u *Uploader) IsPaused() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.paused
}

func (u *Uploader) upload(ctx context.Context, src transfer.Source, cfg uploadConfig, forceResume bool) error {
	u.store.SweepExpired(cfg.trackMaxAge)

	fingerprint := Fingerprint(src, cfg.params)
	cached, _ := u.store.Get(fingerprint)

	decision, err := u.decide(ctx, src, cached, forceResume)
	if err != nil {
		return fmt.Errorf("resume decision: %w", err)
	}
	if decision == DecisionCancel {
		u.logger.Debugf("Resume policy cancelled the upload of %s", src.Name())
		return nil
	}

	resume := decision == DecisionResume && cached != nil
	track := cached
	if !resume {
		track = newTrack(src, cfg.params)
	}

	u.mu.Lock()
	u.currentSrc = src
	u.currentParams = cfg.params
	u.currentFingerprint = fingerprint
	u.active = true
	u.mu.Unlock()

	intent := uploadIntent{
		tryCount:    0,
		fingerprint: fingerprint,
		track:       track,
		resume:      resume,
	}
	return u.run(ctx, src, cfg, intent)
}

// run drives the retry chain: attempts until success, abort, an observer
// veto or an exhausted retry budget.
func (u *Uploader) run(ctx context.Context, src transfer.Source, cfg uploadConfig, intent uploadIntent) error {
	for {
		err := u.attempt(ctx, src, cfg, &intent)
		if err == nil {
			u.emitEnd(intent.fingerprint)
			return nil
		}
		if errors.Is(err, transfer.ErrAborted) {
			// Paused or stopped. The Track stays so an explicit resume can
			// still pick the transfer up.
			u.logger.Debugf("Upload of %s aborted", src.Name())
			return nil
		}
		if ctx.Err() != nil {
			u.emitEnd(intent.fingerprint)
			return ctx.Err()
		}
		if u.IsPaused() {
			// The attempt failed while the chain was being paused; hold the
			// failure for a later resume instead of reporting it.
			u.logger.Debugf("Upload of %s paused", src.Name())
			return nil
		}

		u.logger.Warnf("Upload attempt %d failed: %s", intent.tryCount+1, err)
		u.notifier.Fail(FailEvent{Err: err, TryCount: intent.tryCount})

		if intent.tryCount+1 > cfg.maxTryCount {
			u.logger.Errorf("Giving up on %s after %d attempts", src.Name(), intent.tryCount+1)
			u.emitEnd(intent.fingerprint)
			return err
		}
		if !u.notifier.BeforeRetry(BeforeRetryEvent{TryCount: intent.tryCount, MaxTryCount: cfg.maxTryCount}) {
			u.logger.Infof("Retry of %s vetoed by observer", src.Name())
			u.emitEnd(intent.fingerprint)
			return err
		}

		select {
		case <-time.After(cfg.retryTimeout):
		case <-ctx.Done():
			u.emitEnd(intent.fingerprint)
			return ctx.Err()
		}

		intent = uploadIntent{
			tryCount:    intent.tryCount + 1,
			fingerprint: intent.fingerprint,
			track:       intent.track,
			resume:      false,
		}
	}
}

func (u *Uploader) attempt(ctx context.Context, src transfer.Source, cfg uploadConfig, intent *uploadIntent) error {
	track := intent.track

	// A stop, or a pause racing a scheduled retry, must not reach the token
	// service or the store again.
	u.mu.Lock()
	halted := !u.active || (u.paused && intent.tryCount > 0)
	u.mu.Unlock()
	if halted {
		return fmt.Errorf("%w: halted before attempt start", transfer.ErrAborted)
	}

	if intent.tryCount == 0 {
		u.setPaused(false)
		u.notifier.Begin(BeginEvent{FileName: src.Name(), FileSize: src.Size(), Fingerprint: intent.fingerprint})
		u.notifier.Prepare(PrepareEvent{Fingerprint: intent.fingerprint, Resumed: intent.resume, Percent: track.Percent})
		u.logger.Infof("Uploading %s (%s)", src.Name(), units.HumanSizeWithPrecision(float64(src.Size()), 3))
	} else {
		u.logger.Infof("Attempt %d/%d for %s", intent.tryCount+1, cfg.maxTryCount+1, src.Name())
	}

	var token *network.Token
	if intent.resume && track.Token != nil {
		u.logger.Debugf("Reusing cached upload token for %s", track.RemoteName)
		token = track.Token
	} else {
		u.notifier.BeforeGetToken(BeforeGetTokenEvent{FileName: src.Name(), Params: cfg.params})
		issued, err := u.tokens.GetToken(ctx, network.TokenRequest{
			FileType:        cfg.params.FileType,
			SubCategory:     cfg.params.SubCategory,
			FileExtension:   cfg.params.FileExtension,
			FileName:        src.Name(),
			FileSizeInBytes: src.Size(),
		})
		if err != nil {
			return fmt.Errorf("get upload token: %w", err)
		}
		token = issued

		// Persist the token right away: a crash between here and the end of
		// the transfer can then still resume without re-issuing one.
		track.Token = token
		track.RemoteName = token.RemoteName
		track.LastTime = time.Now().Unix()
		active, err := u.persistTrack(intent.fingerprint, track)
		if err != nil {
			return fmt.Errorf("persist track: %w", err)
		}
		if !active {
			return fmt.Errorf("%w: stopped during token fetch", transfer.ErrAborted)
		}
		u.notifier.AfterGetToken(AfterGetTokenEvent{RemoteName: token.RemoteName, Bucket: token.Bucket, Region: token.Region})
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.mu.Lock()
	if u.paused {
		// Pause raced ahead of the attempt, don't start the transfer.
		u.mu.Unlock()
		return fmt.Errorf("%w: paused before transfer start", transfer.ErrAborted)
	}
	u.cancelAttempt = cancel
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.cancelAttempt = nil
		u.mu.Unlock()
	}()

	result, err := u.transferrer.MultipartUpload(attemptCtx, track.RemoteName, src, transfer.Options{
		Credentials: transfer.Credentials{
			Region:          token.Region,
			Bucket:          token.Bucket,
			AccessKeyID:     token.AccessKeyID,
			AccessKeySecret: token.AccessKeySecret,
			SessionToken:    token.SessionToken,
		},
		Checkpoint: track.Checkpoint,
		PartSize:   cfg.partSize,
		OnProgress: func(p transfer.Progress) {
			percent := progressPercent(p)
			track.Percent = percent
			track.Checkpoint = p.Checkpoint
			track.LastTime = time.Now().Unix()
			active, err := u.persistTrack(intent.fingerprint, track)
			if !active {
				// A part already handed to the service can land after a
				// stop; it must not resurrect the deleted Track.
				return
			}
			if err != nil {
				u.logger.Warnf("Failed to persist upload progress: %s", err)
			}
			u.notifier.Progress(ProgressEvent{Percent: percent, ConsumedBytes: p.ConsumedBytes, TotalBytes: p.TotalBytes})
		},
	}, u.logger)
	if err != nil {
		return err
	}

	url := publicURL(result)
	u.notifier.Done(DoneEvent{URL: url, RemoteName: track.RemoteName, Result: result})
	if err := u.store.Delete(intent.fingerprint); err != nil {
		u.logger.Warnf("Failed to delete track after upload: %s", err)
	}
	u.logger.Donef("Uploaded %s to %s", src.Name(), url)
	return nil
}

// persistTrack writes the Track unless the chain was stopped meanwhile. It
// holds the state lock across the write so it serializes with the delete in
// Stop. Reports whether the chain was still active, plus the write error.
func (u *Uploader) persistTrack(fingerprint string, track *trackstore.Track) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.active {
		return false, nil
	}
	return true, u.store.Put(fingerprint, track)
}

func (u *Uploader) setPaused(paused bool) {
	u.mu.Lock()
	changed := u.paused != paused
	u.paused = paused
	u.mu.Unlock()
	if changed {
		u.notifier.PausedChanged(paused)
	}
}

// emitEnd fires the end event at most once per chain.
func (u *Uploader) emitEnd(fingerprint string) {
	u.mu.Lock()
	wasActive := u.active
	u.active = false
	u.mu.Unlock()
	if wasActive {
		u.notifier.End(EndEvent{Fingerprint: fingerprint})
	}
}

func newTrack(src transfer.Source, params Params) *trackstore.Track {
	return &trackstore.Track{
		FileName:      src.Name(),
		FileSize:      src.Size(),
		ContentType:   src.ContentType(),
		LastModified:  src.LastModified().UnixMilli(),
		FileType:      params.FileType,
		SubCategory:   params.SubCategory,
		FileExtension: params.FileExtension,
		LastTime:      time.Now().Unix(),
	}
}

func progressPercent(p transfer.Progress) int {
	if p.TotalBytes <= 0 {
		return 0
	}
	percent := int(p.ConsumedBytes * 100 / p.TotalBytes)
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// publicURL derives the public object URL from the transfer result: the
// first request URL without its query string.
func publicURL(result *transfer.Result) string {
	if result == nil || len(result.RequestURLs) == 0 {
		return ""
	}
	return strings.SplitN(result.RequestURLs[0], "?", 2)[0]
}
