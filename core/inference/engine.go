// Package inference answers classification and attribution queries against
// the current artifact set.
package inference

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/adalundhe/threatlens/core/artifacts"
	"github.com/adalundhe/threatlens/core/dataset"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/threat"
)

// DefaultCacheSize bounds memoized predictions. The feature space is finite
// so a modest cache covers typical traffic.
const DefaultCacheSize = 4096

// Loader supplies verified artifact sets. *artifacts.Store implements it.
type Loader interface {
	Load() (*artifacts.Set, error)
}

// Prescriber drafts a response plan for an attributed threat. No
// implementation ships with this module.
type Prescriber interface {
	Prescribe(ctx context.Context, archetype threat.Archetype, v features.Vector, confidence float64) (string, error)
}

// Classification is the verdict for one vector.
type Classification struct {
	Label dataset.Label

	// Confidence is the probability of Label.
	Confidence float64

	// Probability is P(malicious).
	Probability float64
}

// Malicious reports whether the verdict is malicious.
func (c Classification) Malicious() bool {
	return c.Label == dataset.Malicious
}

// Attribution names the likely threat actor.
type Attribution struct {
	Archetype threat.Archetype
	ClusterID int
	Profile   threat.Profile
}

// Analysis combines verdict, attribution and display risk scores.
type Analysis struct {
	Classification Classification

	// Attribution is nil for benign verdicts.
	Attribution *Attribution

	Risk      []RiskContribution
	RiskScore int
}

type prediction struct {
	probability float64
	clusterID   int
	archetype   threat.Archetype
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCacheSize sets the prediction cache capacity.
func WithCacheSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cacheSize = n
		}
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	loader    Loader
	logger    *slog.Logger
	cacheSize int

	mu    sync.RWMutex
	set   *artifacts.Set
	cache *lru.Cache[string, prediction]
}

// NewEngine loads the current set. Load failures are returned unchanged so
// callers can tell missing or corrupt artifacts from bad input.
func NewEngine(loader Loader, opts ...Option) (*Engine, error) {
	e := &Engine{loader: loader, logger: slog.Default(), cacheSize: DefaultCacheSize}
	for _, opt := range opts {
		opt(e)
	}
	cache, err := lru.New[string, prediction](e.cacheSize)
	if err != nil {
		return nil, err
	}
	e.cache = cache
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload swaps in the current set. On failure the previous set stays active.
func (e *Engine) Reload() error {
	set, err := e.loader.Load()
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.set = set
	e.cache.Purge()
	e.mu.Unlock()

	e.logger.Info("loaded artifact set",
		"dir", set.Dir,
		"run_id", set.Manifest.Run.RunID,
		"family", set.Classifier.Family,
	)
	return nil
}

// Set returns the active artifact set.
func (e *Engine) Set() *artifacts.Set {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.set
}

// Classify returns the benign/malicious verdict for v.
func (e *Engine) Classify(v features.Vector) (Classification, error) {
	p, err := e.predict(v)
	if err != nil {
		return Classification{}, err
	}
	return classification(p.probability), nil
}

// Attribute maps v to a threat actor, regardless of its verdict.
func (e *Engine) Attribute(v features.Vector) (Attribution, error) {
	p, err := e.predict(v)
	if err != nil {
		return Attribution{}, err
	}
	return attribution(p), nil
}

// Analyze classifies v and attributes it when malicious.
func (e *Engine) Analyze(v features.Vector) (Analysis, error) {
	p, err := e.predict(v)
	if err != nil {
		return Analysis{}, err
	}
	risk, err := RiskContributions(v)
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		Classification: classification(p.probability),
		Risk:           risk,
		RiskScore:      RiskScore(risk),
	}
	if a.Classification.Malicious() {
		attr := attribution(p)
		a.Attribution = &attr
	}
	return a, nil
}

func (e *Engine) predict(v features.Vector) (prediction, error) {
	row, err := v.Encode()
	if err != nil {
		return prediction{}, err
	}
	key := cacheKey(row)

	e.mu.RLock()
	defer e.mu.RUnlock()

	if p, ok := e.cache.Get(key); ok {
		return p, nil
	}
	prob, err := e.set.Classifier.PredictProba(row)
	if err != nil {
		return prediction{}, err
	}
	archetype, id, err := e.set.Clusterer.Attribute(row)
	if err != nil {
		return prediction{}, err
	}
	p := prediction{probability: prob, clusterID: id, archetype: archetype}
	e.cache.Add(key, p)
	return p, nil
}

func classification(p float64) Classification {
	if p >= 0.5 {
		return Classification{Label: dataset.Malicious, Confidence: p, Probability: p}
	}
	return Classification{Label: dataset.Benign, Confidence: 1 - p, Probability: p}
}

func attribution(p prediction) Attribution {
	profile, _ := threat.Describe(p.archetype)
	return Attribution{Archetype: p.archetype, ClusterID: p.clusterID, Profile: profile}
}

func cacheKey(row []float64) string {
	var b strings.Builder
	for i, v := range row {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}
