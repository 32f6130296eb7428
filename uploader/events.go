package uploader

import "github.com/parcelkit/go-uploadutils/uploader/transfer"

// BeginEvent fires once per upload chain, before the first attempt.
type BeginEvent struct {
	FileName    string
	FileSize    int64
	Fingerprint string
}

// PrepareEvent reports what the resume policy decided for the chain.
type PrepareEvent struct {
	Fingerprint string
	// Resumed is true when the chain continues a cached Track.
	Resumed bool
	// Percent already complete according to the cached Track.
	Percent int
}

// BeforeGetTokenEvent ...
type BeforeGetTokenEvent struct {
	FileName string
	Params   Params
}

// AfterGetTokenEvent carries the non-secret parts of the issued token.
type AfterGetTokenEvent struct {
	RemoteName string
	Bucket     string
	Region     string
}

// ProgressEvent ...
type ProgressEvent struct {
	Percent       int
	ConsumedBytes int64
	TotalBytes    int64
}

// DoneEvent ...
type DoneEvent struct {
	// URL is the public object URL derived from the transfer result.
	URL        string
	RemoteName string
	Result     *transfer.Result
}

// FailEvent fires for every failed attempt.
type FailEvent struct {
	Err      error
	TryCount int
}

// BeforeRetryEvent fires before a retry is scheduled. Observers can veto it.
type BeforeRetryEvent struct {
	TryCount    int
	MaxTryCount int
}

// EndEvent fires exactly once per chain that reaches a terminal state.
type EndEvent struct {
	Fingerprint string
}

// Notifier is the observation channel of an Uploader. Implementations
// typically embed NopNotifier and override the events they care about.
type Notifier interface {
	Begin(BeginEvent)
	Prepare(PrepareEvent)
	BeforeGetToken(BeforeGetTokenEvent)
	AfterGetToken(AfterGetTokenEvent)
	Progress(ProgressEvent)
	Done(DoneEvent)
	Fail(FailEvent)
	// BeforeRetry reports whether the engine may schedule another attempt.
	// Returning false terminates the retry chain.
	BeforeRetry(BeforeRetryEvent) bool
	PausedChanged(paused bool)
	End(EndEvent)
}

// NopNotifier ignores every event and approves every retry.
type NopNotifier struct{}

// Begin ...
func (NopNotifier) Begin(BeginEvent) {}

// Prepare ...
func (NopNotifier) Prepare(PrepareEvent) {}

// BeforeGetToken ...
func (NopNotifier) BeforeGetToken(BeforeGetTokenEvent) {}

// AfterGetToken ...
func (NopNotifier) AfterGetToken(AfterGetTokenEvent) {}

// Progress ...
func (NopNotifier) Progress(ProgressEvent) {}

// Done ...
func (NopNotifier) Done(DoneEvent) {}

// Fail ...
func (NopNotifier) Fail(FailEvent) {}

// BeforeRetry ...
func (NopNotifier) BeforeRetry(BeforeRetryEvent) bool { return true }

// PausedChanged ...
func (NopNotifier) PausedChanged(bool) {}

// End ...
func (NopNotifier) End(EndEvent) {}

// MultiNotifier fans events out to every notifier in order. A retry is
// scheduled only if all of them agree; every notifier is asked even after
// the first veto.
type MultiNotifier []Notifier

// Begin ...
func (m MultiNotifier) Begin(e BeginEvent) {
	for _, n := range m {
		n.Begin(e)
	}
}

// Prepare ...
func (m MultiNotifier) Prepare(e PrepareEvent) {
	for _, n := range m {
		n.Prepare(e)
	}
}

// BeforeGetToken ...
func (m MultiNotifier) BeforeGetToken(e BeforeGetTokenEvent) {
	for _, n := range m {
		n.BeforeGetToken(e)
	}
}

// AfterGetToken ...
func (m MultiNotifier) AfterGetToken(e AfterGetTokenEvent) {
	for _, n := range m {
		n.AfterGetToken(e)
	}
}

// Progress ...
func (m MultiNotifier) Progress(e ProgressEvent) {
	for _, n := range m {
		n.Progress(e)
	}
}

// Done ...
func (m MultiNotifier) Done(e DoneEvent) {
	for _, n := range m {
		n.Done(e)
	}
}

// Fail ...
func (m MultiNotifier) Fail(e FailEvent) {
	for _, n := range m {
		n.Fail(e)
	}
}

// BeforeRetry ...
func (m MultiNotifier) BeforeRetry(e BeforeRetryEvent) bool {
	retry := true
	for _, n := range m {
		if !n.BeforeRetry(e) {
			retry = false
		}
	}
	return retry
}

// PausedChanged ...
func (m MultiNotifier) PausedChanged(paused bool) {
	for _, n := range m {
		n.PausedChanged(paused)
	}
}

// End ...
func (m MultiNotifier) End(e EndEvent) {
	for _, n := range m {
		n.End(e)
	}
}
