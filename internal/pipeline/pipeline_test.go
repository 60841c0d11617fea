package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/plantscan/internal/capture"
	"github.com/xkilldash9x/plantscan/internal/capture/agenttest"
	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
)

// TestHelperProcess is the fake capture agent, not a real test.
func TestHelperProcess(t *testing.T) { agenttest.Main() }

// -- Test Setup Helpers --

type fakeClassifier struct {
	mu     sync.Mutex
	calls  []classifier.Request
	result classifier.Result
	err    error
	delay  time.Duration
	onCall func(n int, req classifier.Request)
}

func (f *fakeClassifier) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	n := len(f.calls)
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(n, req)
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.result, f.err
}

func (f *fakeClassifier) Calls() []classifier.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]classifier.Request(nil), f.calls...)
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *fakeRecorder) RecordCapture(ctx context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return r.err
}

// captureConfig points the pipeline at the fake agent running in dir.
func captureConfig(b agenttest.Behavior, dir string) config.CaptureConfig {
	cmd := agenttest.Command(b, dir)
	return config.CaptureConfig{
		Command:     cmd.Path,
		Args:        cmd.Args,
		WorkingDir:  dir,
		Env:         cmd.Env,
		ImageSuffix: ".jpg",
		Timeout:     10 * time.Second,
		LeaseMode:   config.LeaseQueue,
		LeaseWait:   10 * time.Second,
	}
}

func newPipeline(t *testing.T, cfg config.CaptureConfig, c Classifier, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, c, opts...)
	require.NoError(t, err)
	return p
}

func fileRef(dir, name string) string {
	return "file://" + filepath.ToSlash(filepath.Join(dir, name))
}

func leafBlight() classifier.Result {
	return classifier.Result{{Label: "leaf_blight", Score: 0.87}}
}

// -- Test Cases: Construction --

func TestNew_Validation(t *testing.T) {
	cfg := captureConfig(agenttest.Behavior{}, t.TempDir())

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "classifier is required")

	cfg.Command = ""
	_, err = New(cfg, &fakeClassifier{})
	assert.ErrorContains(t, err, "command is required")
}

// -- Test Cases: Run --

func TestRun_Success(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"camera ready", "capture_001.jpg"}}, dir), fc)

	out := p.Run(context.Background())

	require.True(t, out.Succeeded(), "unexpected failure: %v", out.Err())
	assert.Equal(t, "capture_001.jpg", out.ImagePath)
	assert.Equal(t, leafBlight(), out.Analysis)
	assert.Equal(t, fileRef(dir, "capture_001.jpg"), out.Reference)
	assert.Equal(t, 0, out.ExitCode)
	assert.NoError(t, out.Err())
	_, err := uuid.Parse(out.CaptureID)
	assert.NoError(t, err)
	assert.False(t, out.FinishedAt.Before(out.StartedAt))

	calls := fc.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, fileRef(dir, "capture_001.jpg"), calls[0].Reference())
}

func TestRun_LastMatchingLineWins(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeClassifier{result: classifier.Result{}}
	p := newPipeline(t, captureConfig(agenttest.Behavior{
		Lines: []string{"init", "a.jpg", "noise", "b.jpg", "shutting down"},
	}, dir), fc)

	out := p.Run(context.Background())

	require.True(t, out.Succeeded())
	assert.Equal(t, "b.jpg", out.ImagePath)
	require.Len(t, fc.Calls(), 1)
	assert.Equal(t, fileRef(dir, "b.jpg"), fc.Calls()[0].Reference())
}

func TestRun_ImageAfterOversizedLine(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, captureConfig(agenttest.Behavior{
		LongLine: 1<<20 + 4096,
		Lines:    []string{"capture_001.jpg"},
	}, dir), fc)

	out := p.Run(context.Background())

	require.True(t, out.Succeeded(), "failure: %v", out.Failure)
	assert.Equal(t, "capture_001.jpg", out.ImagePath)
	require.Len(t, fc.Calls(), 1)
	assert.Equal(t, fileRef(dir, "capture_001.jpg"), fc.Calls()[0].Reference())
}

func TestRun_NoImageCaptured(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, captureConfig(agenttest.Behavior{
		Lines:    []string{"camera not detected"},
		Stderr:   []string{"Traceback: no device"},
		ExitCode: 1,
	}, t.TempDir()), fc)

	out := p.Run(context.Background())

	require.NotNil(t, out.Failure)
	assert.False(t, out.Succeeded())
	assert.Equal(t, FailureNoImage, out.Failure.Kind)
	assert.Equal(t, "No image captured", out.Failure.Message)
	assert.Equal(t, 1, out.ExitCode)
	assert.Empty(t, out.ImagePath)
	assert.Empty(t, fc.Calls(), "the classifier must not be called without an image")
}

func TestRun_ClassificationFailedKeepsPath(t *testing.T) {
	svcErr := &classifier.ServiceError{Status: 502, Body: "upstream model offline"}
	fc := &fakeClassifier{err: svcErr}
	dir := t.TempDir()
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}}, dir), fc)

	out := p.Run(context.Background())

	require.NotNil(t, out.Failure)
	assert.False(t, out.Succeeded())
	assert.Equal(t, FailureClassification, out.Failure.Kind)
	assert.Equal(t, "capture_001.jpg", out.ImagePath, "the capture path stays available for diagnostics")
	assert.Equal(t, fileRef(dir, "capture_001.jpg"), out.Reference)
	assert.Nil(t, out.Analysis)

	var got *classifier.ServiceError
	require.True(t, errors.As(out.Err(), &got))
	assert.Equal(t, 502, got.Status)
	assert.Len(t, fc.Calls(), 1)
}

func TestRun_TimeoutTerminatesHungAgent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fc := &fakeClassifier{result: leafBlight()}
	cfg := captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}, Hang: true}, t.TempDir())
	cfg.Timeout = 2 * time.Second
	p := newPipeline(t, cfg, fc)

	start := time.Now()
	out := p.Run(context.Background())

	assert.Less(t, time.Since(start), 10*time.Second, "a hung agent must not stall the pipeline")
	require.NotNil(t, out.Failure)
	assert.Equal(t, FailureTimeout, out.Failure.Kind)
	assert.ErrorIs(t, out.Err(), context.DeadlineExceeded)
	assert.Equal(t, "capture_001.jpg", out.ImagePath)
	assert.Empty(t, fc.Calls())
}

func TestRun_CallerCanceled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	fc := &fakeClassifier{}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Hang: true}, t.TempDir()), fc)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	out := p.Run(ctx)

	require.NotNil(t, out.Failure)
	assert.Equal(t, FailureCanceled, out.Failure.Kind)
	assert.Empty(t, fc.Calls())
}

func TestRun_AlreadyCanceledDoesNotSpawn(t *testing.T) {
	dir := t.TempDir()
	startLog := filepath.Join(dir, "starts.log")
	p := newPipeline(t, captureConfig(agenttest.Behavior{StartLog: startLog}, dir), &fakeClassifier{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := p.Run(ctx)

	require.NotNil(t, out.Failure)
	assert.Equal(t, FailureCanceled, out.Failure.Kind)
	assert.NoFileExists(t, startLog)
}

func TestRun_SpawnError(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeClassifier{}
	cfg := captureConfig(agenttest.Behavior{}, dir)
	cfg.Command = filepath.Join(dir, "no-such-agent")
	p := newPipeline(t, cfg, fc)

	out := p.Run(context.Background())

	require.NotNil(t, out.Failure)
	assert.Equal(t, FailureSpawnError, out.Failure.Kind)
	var spawnErr *capture.SpawnError
	assert.True(t, errors.As(out.Err(), &spawnErr))
	assert.Equal(t, -1, out.ExitCode)
	assert.Empty(t, fc.Calls())
}

func TestRun_NonZeroExitWithImageStillClassifies(t *testing.T) {
	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}, ExitCode: 3}, t.TempDir()), fc)

	out := p.Run(context.Background())

	require.True(t, out.Succeeded())
	assert.Equal(t, 3, out.ExitCode)
	assert.Len(t, fc.Calls(), 1)
}

func TestRun_BusyInRejectMode(t *testing.T) {
	dir := t.TempDir()
	startLog := filepath.Join(dir, "starts.log")
	cfg := captureConfig(agenttest.Behavior{StartLog: startLog, Lines: []string{"capture.jpg"}}, dir)
	cfg.LeaseMode = config.LeaseReject

	lease := capture.NewLease(config.LeaseReject, 0)
	release, err := lease.Acquire(context.Background())
	require.NoError(t, err)

	fc := &fakeClassifier{}
	p := newPipeline(t, cfg, fc, WithLease(lease))

	out := p.Run(context.Background())
	require.NotNil(t, out.Failure)
	assert.Equal(t, FailureBusy, out.Failure.Kind)
	assert.ErrorIs(t, out.Err(), capture.ErrLeaseBusy)
	assert.NoFileExists(t, startLog, "no agent is launched while another session holds the lease")

	release()
	out = p.Run(context.Background())
	assert.True(t, out.Succeeded())
}

// Two sessions against an agent that always writes the same file: the second
// agent must not start until the first session's classification is finished.
func TestRun_ConcurrentSessionsAreSerialized(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	dir := t.TempDir()
	startLog := filepath.Join(dir, "starts.log")
	cfg := captureConfig(agenttest.Behavior{StartLog: startLog, WriteFile: "capture.jpg"}, dir)

	startsAtCall := make(map[int]int)
	var mu sync.Mutex
	fc := &fakeClassifier{
		result: leafBlight(),
		delay:  200 * time.Millisecond,
		onCall: func(n int, req classifier.Request) {
			data, err := os.ReadFile(startLog)
			if err != nil {
				return
			}
			mu.Lock()
			startsAtCall[n] = strings.Count(string(data), "start ")
			mu.Unlock()
		},
	}
	p := newPipeline(t, cfg, fc)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.Run(context.Background())
		}(i)
	}
	wg.Wait()

	for _, out := range outcomes {
		require.True(t, out.Succeeded(), "unexpected failure: %v", out.Err())
		assert.Equal(t, "capture.jpg", out.ImagePath)
	}
	assert.NotEqual(t, outcomes[0].CaptureID, outcomes[1].CaptureID)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int]int{1: 1, 2: 2}, startsAtCall, "each classification ran before the next agent started")
}

func TestRun_UniqueNames(t *testing.T) {
	dir := t.TempDir()
	cfg := captureConfig(agenttest.Behavior{WriteFile: "$env", EchoEnv: EnvCaptureOutput}, dir)
	cfg.UniqueNames = true
	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, cfg, fc)

	out := p.Run(context.Background())

	require.True(t, out.Succeeded(), "unexpected failure: %v", out.Err())
	assert.Equal(t, out.CaptureID+".jpg", out.ImagePath)
	assert.FileExists(t, filepath.Join(dir, out.ImagePath))
}

func TestRun_ServedReferences(t *testing.T) {
	dir := t.TempDir()
	fc := &fakeClassifier{result: leafBlight()}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}}, dir), fc,
		WithReferenceStrategy(ServedURLStrategy{BaseURL: "http://localhost:8000/captures", Root: dir}))

	out := p.Run(context.Background())

	require.True(t, out.Succeeded())
	assert.Equal(t, "http://localhost:8000/captures/capture_001.jpg", out.Reference)
}

func TestRun_RecordsOutcomes(t *testing.T) {
	rec := &fakeRecorder{}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}}, t.TempDir()),
		&fakeClassifier{result: leafBlight()}, WithRecorder(rec))

	out := p.Run(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, out.CaptureID, rec.outcomes[0].CaptureID)
	assert.False(t, rec.outcomes[0].FinishedAt.IsZero())
}

func TestRun_RecorderFailureDoesNotChangeOutcome(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	rec := &fakeRecorder{err: errors.New("database is down")}
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}}, t.TempDir()),
		&fakeClassifier{result: leafBlight()}, WithRecorder(rec), WithLogger(zap.New(core)))

	out := p.Run(context.Background())

	assert.True(t, out.Succeeded())
	assert.Equal(t, 1, logs.FilterMessage("Failed to record capture outcome").Len())
	assert.Equal(t, 1, logs.FilterMessage("Capture analyzed").Len())
}

func TestRun_UsesClock(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	p := newPipeline(t, captureConfig(agenttest.Behavior{Lines: []string{"capture_001.jpg"}}, t.TempDir()),
		&fakeClassifier{result: leafBlight()}, WithClock(func() time.Time { return fixed }))

	out := p.Run(context.Background())
	assert.Equal(t, fixed, out.StartedAt)
	assert.Equal(t, fixed, out.FinishedAt)
	assert.Zero(t, out.Duration())
}

// -- Test Cases: Session internals --

func TestRun_StateTraces(t *testing.T) {
	tests := []struct {
		name     string
		behavior agenttest.Behavior
		err      error
		want     []State
	}{
		{
			name:     "success",
			behavior: agenttest.Behavior{Lines: []string{"capture_001.jpg"}},
			want:     []State{StateIdle, StateAgentRunning, StateAgentCompletedWithPath, StateClassifying, StateDone},
		},
		{
			name:     "no image",
			behavior: agenttest.Behavior{Lines: []string{"nothing"}},
			want:     []State{StateIdle, StateAgentRunning, StateAgentCompletedWithoutPath, StateDone},
		},
		{
			name:     "classifier error",
			behavior: agenttest.Behavior{Lines: []string{"capture_001.jpg"}},
			err:      &classifier.TransportError{Endpoint: "http://x", Err: errors.New("refused")},
			want:     []State{StateIdle, StateAgentRunning, StateAgentCompletedWithPath, StateClassifying, StateDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, captureConfig(tt.behavior, t.TempDir()), &fakeClassifier{result: leafBlight(), err: tt.err})
			s := newSession("test-session", time.Now(), zap.NewNop())

			p.run(context.Background(), s)

			assert.Equal(t, tt.want, s.trace)
			assert.True(t, s.register.Sealed())
		})
	}
}

func TestCommand_OutputSubstitution(t *testing.T) {
	cfg := captureConfig(agenttest.Behavior{}, t.TempDir())
	cfg.Command = "python"
	cfg.Args = []string{"camera_capture.py", "--out", "{output}"}
	cfg.Env = []string{"CAMERA_INDEX=0"}
	p := newPipeline(t, cfg, &fakeClassifier{})
	s := newSession("abc", time.Now(), zap.NewNop())

	cmd := p.command(s)
	assert.Equal(t, []string{"camera_capture.py", "--out", "{output}"}, cmd.Args, "placeholders are left alone without unique names")
	assert.Equal(t, []string{"CAMERA_INDEX=0", EnvCaptureID + "=abc"}, cmd.Env)

	p.cfg.UniqueNames = true
	cmd = p.command(s)
	assert.Equal(t, []string{"camera_capture.py", "--out", "abc.jpg"}, cmd.Args)
	assert.Contains(t, cmd.Env, EnvCaptureOutput+"=abc.jpg")
	assert.Equal(t, []string{"camera_capture.py", "--out", "{output}"}, cfg.Args, "configuration is not mutated")
}
