// Package errors implements the failure taxonomy shared by the training
// pipeline and the inference engine.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline failure. Every kind is fatal to the run that
// raised it; the pipeline never retries because training is deterministic
// for a given seed.
type Kind int

const (
	// KindSchema indicates an unknown feature name or an out-of-domain value.
	KindSchema Kind = iota + 1

	// KindTraining indicates a degenerate evaluation split or a classifier
	// that fails to beat the trivial baseline.
	KindTraining

	// KindClustering indicates an ambiguous centroid-to-archetype mapping,
	// an empty cluster, or non-convergence.
	KindClustering

	// KindArtifactMissing indicates that a persisted artifact is absent.
	KindArtifactMissing

	// KindArtifactCorrupt indicates that a persisted artifact cannot be
	// decoded or fails its checksum.
	KindArtifactCorrupt
)

var kindNames = map[Kind]string{
	KindSchema:          "schema",
	KindTraining:        "training",
	KindClustering:      "clustering",
	KindArtifactMissing: "artifact_missing",
	KindArtifactCorrupt: "artifact_corrupt",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error is a classified pipeline error.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Kind)
	if e.Op != "" {
		prefix = fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	if e.Underlying != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Underlying)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is reports whether target is an *Error of the same kind, so the sentinels
// below match any error of their kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil and keeps the kind of
// an already classified error.
func Wrap(kind Kind, op, message string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		kind = te.Kind
	}
	return &Error{Kind: kind, Op: op, Message: message, Underlying: err}
}

// KindOf extracts the Kind from err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsLoadFailure reports whether err means the persisted artifacts are
// unusable. Callers answer these with a retrain, not a re-ask.
func IsLoadFailure(err error) bool {
	switch KindOf(err) {
	case KindArtifactMissing, KindArtifactCorrupt:
		return true
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrSchema          = New(KindSchema, "", "schema violation")
	ErrTraining        = New(KindTraining, "", "training failed")
	ErrClustering      = New(KindClustering, "", "clustering failed")
	ErrArtifactMissing = New(KindArtifactMissing, "", "artifact missing")
	ErrArtifactCorrupt = New(KindArtifactCorrupt, "", "artifact corrupt")
)
