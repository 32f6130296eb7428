package uploader

import (
	"context"

	"github.com/parcelkit/go-uploadutils/uploader/trackstore"
	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

// Decision is the outcome of the resume policy for a cached Track.
type Decision int

const (
	// DecisionRestart discards the cached progress and starts over.
	DecisionRestart Decision = iota
	// DecisionResume continues from the cached Track's checkpoint.
	DecisionResume
	// DecisionCancel makes the whole Upload call a silent no-op.
	DecisionCancel
)

// DecideFunc inspects the current file and its cached Track and picks how to
// proceed. It runs once per Upload call, before any event fires, and is the
// place to put an interactive "resume this upload?" gate.
type DecideFunc func(ctx context.Context, src transfer.Source, cached *trackstore.Track) (Decision, error)

// decide resolves the resume policy. A forced resume (the Resume control
// operation) skips the decide func; without a cached Track the only possible
// outcome is a fresh start.
func (u *Uploader) decide(ctx context.Context, src transfer.Source, cached *trackstore.Track, forceResume bool) (Decision, error) {
	if cached == nil {
		return DecisionRestart, nil
	}
	if forceResume {
		return DecisionResume, nil
	}
	if u.decideResume == nil {
		return DecisionResume, nil
	}
	return u.decideResume(ctx, src, cached)
}
