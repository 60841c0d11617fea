// File: internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/plantscan/internal/capture"
	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
)

const (
	// EnvCaptureID carries the session's capture id to the agent.
	EnvCaptureID = "PLANTSCAN_CAPTURE_ID"
	// EnvCaptureOutput carries the artifact name the agent should write when
	// unique names are enabled.
	EnvCaptureOutput = "PLANTSCAN_CAPTURE_OUTPUT"
	// outputPlaceholder in capture.args is replaced with the artifact name.
	outputPlaceholder = "{output}"

	recordTimeout = 5 * time.Second
)

// Classifier classifies an image reference.
type Classifier interface {
	Classify(ctx context.Context, req classifier.Request) (classifier.Result, error)
}

// Recorder persists finished outcomes.
type Recorder interface {
	RecordCapture(ctx context.Context, outcome Outcome) error
}

// Pipeline runs capture sessions: it launches the agent, watches its output
// for an image path, and classifies the image once the agent is done.
// A Pipeline is safe for concurrent use; sessions are serialized by its lease.
type Pipeline struct {
	cfg        config.CaptureConfig
	classifier Classifier
	references ReferenceStrategy
	extractor  capture.Extractor
	lease      *capture.Lease
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRecorder persists every outcome. Recorder failures are logged only.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithLease shares a capture lease between pipelines driving the same agent.
func WithLease(l *capture.Lease) Option {
	return func(p *Pipeline) { p.lease = l }
}

// WithReferenceStrategy overrides the default file:// references.
func WithReferenceStrategy(s ReferenceStrategy) Option {
	return func(p *Pipeline) { p.references = s }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline for the configured capture agent.
func New(cfg config.CaptureConfig, c Classifier, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid capture configuration: %w", err)
	}
	if c == nil {
		return nil, errors.New("classifier is required")
	}
	p := &Pipeline{
		cfg:        cfg,
		classifier: c,
		extractor:  capture.NewExtractor(cfg.ImageSuffix),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.lease == nil {
		p.lease = capture.NewLease(cfg.LeaseMode, cfg.LeaseWait)
	}
	if p.references == nil {
		p.references = FileURIStrategy{Dir: cfg.WorkingDir}
	}
	p.logger = p.logger.Named("pipeline")
	return p, nil
}

// Run executes one capture session and returns its outcome. It always
// returns after the agent process has been reaped.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	id := uuid.NewString()
	s := newSession(id, p.now(), p.logger.With(zap.String("capture_id", id)))

	out := p.run(ctx, s)
	out.FinishedAt = p.now()

	if out.Succeeded() {
		s.log.Info("Capture analyzed",
			zap.String("image_path", out.ImagePath),
			zap.Int("predictions", len(out.Analysis)),
			zap.Duration("duration", out.Duration()))
	} else {
		s.log.Warn("Capture failed",
			zap.String("kind", string(out.Failure.Kind)),
			zap.String("message", out.Failure.Message),
			zap.String("image_path", out.ImagePath),
			zap.Error(out.Failure.Err))
	}

	p.record(ctx, s, out)
	return out
}

func (p *Pipeline) run(ctx context.Context, s *session) Outcome {
	release, err := p.lease.Acquire(ctx)
	if err != nil {
		if errors.Is(err, capture.ErrLeaseBusy) {
			return p.fail(s, FailureBusy, "Capture agent is busy", err)
		}
		return p.fail(s, FailureCanceled, "Capture request canceled", err)
	}
	// The lease covers classification too: another session must not overwrite
	// the artifact while it is being analyzed.
	defer release()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := ctx.Err(); err != nil {
		return p.fail(s, FailureCanceled, "Capture request canceled", err)
	}
	agent, err := capture.Start(runCtx, p.command(s), s.log)
	if err != nil {
		if ctx.Err() != nil {
			return p.fail(s, FailureCanceled, "Capture request canceled", ctx.Err())
		}
		return p.fail(s, FailureSpawnError, "Failed to start capture agent", err)
	}
	s.advance(StateAgentRunning)

	exit, interrupted := p.observe(runCtx, agent, s)
	s.exitCode = exit.Code

	if interrupted || exit.Terminated {
		if ctx.Err() != nil {
			return p.fail(s, FailureCanceled, "Capture request canceled", ctx.Err())
		}
		return p.fail(s, FailureTimeout, fmt.Sprintf("Capture agent did not finish within %s", p.cfg.Timeout), context.DeadlineExceeded)
	}

	path, ok := s.register.Path()
	if !ok {
		s.advance(StateAgentCompletedWithoutPath)
		s.log.Warn("Capture agent produced no image",
			zap.Int("exit_code", exit.Code),
			zap.Strings("stderr_tail", exit.StderrTail))
		return p.fail(s, FailureNoImage, "No image captured", exit.Err)
	}
	s.advance(StateAgentCompletedWithPath)
	if !exit.Success() {
		s.log.Warn("Capture agent exited abnormally after reporting an image; classifying anyway",
			zap.Int("exit_code", exit.Code), zap.String("image_path", path))
	}
	if n := s.register.Overwrites(); n > 0 {
		s.log.Debug("Capture agent reported several images; using the last", zap.Int("overwritten", n))
	}

	req, err := p.references.Reference(path)
	if err != nil {
		return p.fail(s, FailureClassification, "Failed to reference captured image", err)
	}

	s.advance(StateClassifying)
	result, err := p.classifier.Classify(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return p.fail(s, FailureCanceled, "Capture request canceled", err)
		}
		out := p.fail(s, FailureClassification, "Image classification failed", err)
		out.Reference = req.Reference()
		return out
	}

	s.advance(StateDone)
	out := s.outcome()
	out.Reference = req.Reference()
	out.Analysis = result
	return out
}

// observe feeds agent output to the extractor until stdout closes, then waits
// for the exit status. It reports whether the deadline or caller interrupted
// the agent.
func (p *Pipeline) observe(ctx context.Context, agent *capture.Agent, s *session) (capture.Exit, bool) {
	interrupted := false
	lines := agent.Lines()
	ctxDone := ctx.Done()

	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if path, matched := p.extractor.Observe(line); matched {
				if s.register.Record(path) {
					s.log.Debug("Capture agent reported image", zap.String("image_path", path))
				}
				continue
			}
			s.log.Debug("Capture agent output", zap.String("line", line))
		case <-ctxDone:
			interrupted = true
			ctxDone = nil
			// Nothing the agent prints from here on is trusted.
			s.register.Seal()
			agent.Terminate()
		}
	}

	exit := <-agent.Done()
	s.register.Seal()
	return exit, interrupted
}

// command builds the agent invocation for a session.
func (p *Pipeline) command(s *session) capture.Command {
	env := append([]string(nil), p.cfg.Env...)
	env = append(env, EnvCaptureID+"="+s.id)

	args := append([]string(nil), p.cfg.Args...)
	if p.cfg.UniqueNames {
		output := s.id + p.cfg.ImageSuffix
		env = append(env, EnvCaptureOutput+"="+output)
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, outputPlaceholder, output)
		}
	}

	return capture.Command{
		Path: p.cfg.Command,
		Args: args,
		Dir:  p.cfg.WorkingDir,
		Env:  env,
	}
}

func (p *Pipeline) fail(s *session, kind FailureKind, msg string, err error) Outcome {
	s.advance(StateDone)
	out := s.outcome()
	out.Failure = &Failure{Kind: kind, Message: msg, Err: err}
	return out
}

func (p *Pipeline) record(ctx context.Context, s *session, out Outcome) {
	if p.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := p.recorder.RecordCapture(rctx, out); err != nil {
		s.log.Error("Failed to record capture outcome", zap.Error(err))
	}
}
