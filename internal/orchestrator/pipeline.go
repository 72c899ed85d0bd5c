package orchestrator

import (
	"context"
	"errors"
	"time"

	"aegiscdr/internal/models"
)

// ErrNoReconstructionPath fails the pipeline of files that could not be classified.
var ErrNoReconstructionPath = errors.New("no reconstruction path for unrecognised file type")

// Step is one named stage of the sanitization sequence. A step carrying Err
// aborts the pipeline when reached.
type Step struct {
	Label string
	Err   error
}

// Pipeline returns the ordered sanitization steps for a file type.
func Pipeline(t models.FileType) []Step {
	switch t {
	case models.FileTypeDocument:
		return steps("Parsing Structure", "Stripping Macros", "Flattening OLE Objects", "Rebuilding as PDF")
	case models.FileTypeImage:
		return steps("Stripping EXIF", "Normalizing Colorspace", "Re-encoding to PNG")
	case models.FileTypeVideo:
		return steps("Decoding H264 -> YUV", "Compressing Frame Rate", "Injecting White Noise", "Re-encoding to H264/MP4")
	case models.FileTypeAudio:
		return steps("Decoding Stream", "Injecting White Noise", "Re-encoding to MP3")
	default:
		return []Step{
			{Label: "Binary Analysis"},
			{Label: "Sanitization Failed", Err: ErrNoReconstructionPath},
		}
	}
}

func steps(labels ...string) []Step {
	out := make([]Step, len(labels))
	for i, l := range labels {
		out[i] = Step{Label: l}
	}
	return out
}

// Labels returns the step labels in order.
func Labels(pipeline []Step) []string {
	out := make([]string, len(pipeline))
	for i, s := range pipeline {
		out[i] = s.Label
	}
	return out
}

// StepProgress is the progress after completing step i (zero based) of n.
func StepProgress(i, n int) int {
	return 50 + 40*(i+1)/n
}

// StageContext locates a step within its pipeline.
type StageContext struct {
	Label string
	Index int
	Count int
}

// StageRunner performs the work of one sanitization step.
type StageRunner interface {
	Run(ctx context.Context, task *models.TaskRecord, stage StageContext) error
}

// SimulatedRunner stands in for real processing: each step waits an equal
// share of Total.
type SimulatedRunner struct {
	Total time.Duration
}

func (r SimulatedRunner) Run(ctx context.Context, _ *models.TaskRecord, stage StageContext) error {
	if stage.Count <= 0 {
		return nil
	}
	return wait(ctx, r.Total/time.Duration(stage.Count))
}

// Delays are the simulated durations of the stages outside the step sequence.
type Delays struct {
	Upload   time.Duration
	Analysis time.Duration
	Sanitize time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Upload:   800 * time.Millisecond,
		Analysis: time.Second,
		Sanitize: 3 * time.Second,
	}
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
