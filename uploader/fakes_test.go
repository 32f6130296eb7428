package uploader

import (
	"context"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/parcelkit/go-uploadutils/uploader/network"
	"github.com/parcelkit/go-uploadutils/uploader/transfer"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	value, ok := repo.envVars[key]
	if ok {
		return value
	} else {
		return ""
	}
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	repo.envVars[key] = ""
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

// fakeTokenClient hands out a scripted token or error. When started and
// proceed are set, every call signals started and then waits for proceed, so
// a test can act while a fetch is in flight.
type fakeTokenClient struct {
	mu      sync.Mutex
	calls   int
	token   network.Token
	err     error
	started chan struct{}
	proceed chan struct{}
}

func (c *fakeTokenClient) GetToken(ctx context.Context, request network.TokenRequest) (*network.Token, error) {
	c.mu.Lock()
	c.calls++
	err := c.err
	token := c.token
	c.mu.Unlock()

	if c.started != nil {
		c.started <- struct{}{}
	}
	if c.proceed != nil {
		<-c.proceed
	}

	if err != nil {
		return nil, err
	}
	return &token, nil
}

func (c *fakeTokenClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type transferCall struct {
	remoteName  string
	checkpoint  *transfer.Checkpoint
	credentials transfer.Credentials
}

// fakeTransfer scripts the storage transfer primitive: the first blockCalls
// calls emit their progress ticks and then hang until the context is
// cancelled, the next failCalls calls fail, every later call replays the
// progress ticks and succeeds. A cancelled blocking call waits for unblock
// (when set) and then emits the lateProgress ticks before returning, the way
// a part already handed to the service lands after the cancel signal.
type fakeTransfer struct {
	mu           sync.Mutex
	calls        []transferCall
	blockCalls   int
	failCalls    int
	progress     []transfer.Progress
	lateProgress []transfer.Progress
	result       *transfer.Result
	started      chan struct{}
	unblock      chan struct{}
}

func (f *fakeTransfer) MultipartUpload(ctx context.Context, remoteName string, src transfer.Source, opts transfer.Options, logger log.Logger) (*transfer.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transferCall{
		remoteName:  remoteName,
		checkpoint:  opts.Checkpoint,
		credentials: opts.Credentials,
	})
	call := len(f.calls)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}

	if call <= f.blockCalls {
		f.replayProgress(opts)
		<-ctx.Done()
		if f.unblock != nil {
			<-f.unblock
		}
		if opts.OnProgress != nil {
			for _, p := range f.lateProgress {
				opts.OnProgress(p)
			}
		}
		return nil, fmt.Errorf("%w: %s", transfer.ErrAborted, ctx.Err())
	}
	if call <= f.blockCalls+f.failCalls {
		return nil, fmt.Errorf("simulated transfer failure %d", call)
	}

	f.replayProgress(opts)

	result := f.result
	if result == nil {
		result = &transfer.Result{
			RequestURLs: []string{fmt.Sprintf("https://test-bucket.s3.test-1.amazonaws.com/%s?uploadId=up-1", remoteName)},
			Bucket:      "test-bucket",
			Key:         remoteName,
		}
	}
	return result, nil
}

func (f *fakeTransfer) replayProgress(opts transfer.Options) {
	if opts.OnProgress == nil {
		return
	}
	for _, p := range f.progress {
		opts.OnProgress(p)
	}
}

func (f *fakeTransfer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransfer) call(i int) transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type recordingNotifier struct {
	mu        sync.Mutex
	events    []string
	prepares  []PrepareEvent
	progress  []ProgressEvent
	dones     []DoneEvent
	fails     []FailEvent
	retries   []BeforeRetryEvent
	pauses    []bool
	vetoRetry bool
}

func (n *recordingNotifier) record(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, name)
}

func (n *recordingNotifier) Begin(BeginEvent) { n.record("begin") }

func (n *recordingNotifier) Prepare(e PrepareEvent) {
	n.record("prepare")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prepares = append(n.prepares, e)
}

func (n *recordingNotifier) BeforeGetToken(BeforeGetTokenEvent) { n.record("beforeGetToken") }

func (n *recordingNotifier) AfterGetToken(AfterGetTokenEvent) { n.record("afterGetToken") }

func (n *recordingNotifier) Progress(e ProgressEvent) {
	n.record("progress")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, e)
}

func (n *recordingNotifier) Done(e DoneEvent) {
	n.record("done")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dones = append(n.dones, e)
}

func (n *recordingNotifier) Fail(e FailEvent) {
	n.record("fail")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fails = append(n.fails, e)
}

func (n *recordingNotifier) BeforeRetry(e BeforeRetryEvent) bool {
	n.record("beforeRetry")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retries = append(n.retries, e)
	return !n.vetoRetry
}

func (n *recordingNotifier) PausedChanged(paused bool) {
	n.record("isPausedChanged")
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pauses = append(n.pauses, paused)
}

func (n *recordingNotifier) End(EndEvent) { n.record("end") }

func (n *recordingNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, len(n.events))
	copy(names, n.events)
	return names
}

func (n *recordingNotifier) count(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, event := range n.events {
		if event == name {
			count++
		}
	}
	return count
}
