package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/cluster"
	"github.com/adalundhe/threatlens/core/ledger"
)

// =============================================================================
// Stages
// =============================================================================

// Stage names one step of a training run.
type Stage string

const (
	StageGenerate   Stage = "generate"
	StageClassifier Stage = "classifier"
	StageClusterer  Stage = "clusterer"
	StagePlots      Stage = "plots"
	StageSave       Stage = "save"
)

// Stages returns the stages in execution order.
func Stages() []Stage {
	return []Stage{StageGenerate, StageClassifier, StageClusterer, StagePlots, StageSave}
}

// StageError reports which stage failed a run.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// =============================================================================
// Run Options
// =============================================================================

// RunOptions override the configured run parameters. Zero values keep the
// configuration.
type RunOptions struct {
	Seed    *int64
	Samples int

	// Clean wipes existing artifacts before training.
	Clean bool

	// Force retrains even if artifacts exist.
	Force bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger. Components receive the same
// logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLedger records every run outcome.
func WithLedger(l *ledger.Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithStageHook installs a hook called after each stage before the save.
// A non-nil return fails the run at that stage.
func WithStageHook(hook func(Stage) error) Option {
	return func(o *Orchestrator) { o.hook = hook }
}

// WithClock replaces the clock used for durations and ledger timestamps.
// Artifacts never see it.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// =============================================================================
// Report
// =============================================================================

// Report summarizes a finished run.
type Report struct {
	RunID   string
	Status  ledger.Status
	Seed    int64
	Samples int

	// Dir is the committed snapshot, or the existing one when skipped.
	Dir string

	Benign    int
	Malicious int

	Classifier *classifier.Classifier
	Clusterer  *cluster.Model

	// Agreement is the share of malicious rows attributed to their
	// generating archetype. It is reported, never enforced.
	Agreement float64

	Duration time.Duration
}

// runNamespace scopes run ids.
var runNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://threatlens/training-run"))

// RunID derives a stable UUIDv5 from the inputs that determine a run's
// artifacts.
func RunID(seed int64, samples int, profileDigest string) string {
	return uuid.NewSHA1(runNamespace, []byte(fmt.Sprintf("%d/%d/%s", seed, samples, profileDigest))).String()
}
