// File: internal/pipeline/outcome.go
package pipeline

import (
	"fmt"
	"time"

	"github.com/xkilldash9x/plantscan/internal/classifier"
)

// FailureKind distinguishes why a capture did not produce an analysis.
type FailureKind string

const (
	// FailureSpawnError means the capture agent could not be launched.
	FailureSpawnError FailureKind = "spawn_error"
	// FailureNoImage means the agent finished without naming an image artifact.
	FailureNoImage FailureKind = "no_image_captured"
	// FailureClassification means the classification service call failed.
	FailureClassification FailureKind = "classification_failed"
	// FailureTimeout means the agent outlived capture.timeout and was killed.
	FailureTimeout FailureKind = "timeout"
	// FailureBusy means another capture held the agent and this one could not wait.
	FailureBusy FailureKind = "busy"
	// FailureCanceled means the caller went away before the capture finished.
	FailureCanceled FailureKind = "canceled"
)

// Failure describes a failed capture.
type Failure struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error { return f.Err }

// Outcome is the single result of one capture session. It is either a success
// (Failure is nil) or a failure; failures keep whatever image path the agent
// reported so operators can inspect the artifact.
type Outcome struct {
	CaptureID  string
	ImagePath  string
	Reference  string
	Analysis   classifier.Result
	Failure    *Failure
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the outcome carries a completed classification of
// a discovered image.
func (o Outcome) Succeeded() bool {
	return o.Failure == nil && o.ImagePath != ""
}

// Err returns the failure as an error, or nil on success.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Duration is how long the session ran.
func (o Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
