// Package classifier fits and selects the benign/malicious URL model.
//
// Three tree-ensemble families compete on a stratified held-out split. The
// winner is refit on the full dataset and carries normalized feature
// importances for the diagnostic chart.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adalundhe/threatlens/core/dataset"
	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
)

// Metric is the scalar used to compare candidates on the held-out split.
type Metric string

const (
	MetricAccuracy Metric = "accuracy"
	MetricF1       Metric = "f1"
)

// scoreTolerance treats metric values this close as tied.
const scoreTolerance = 1e-12

// Config configures a training run.
type Config struct {
	// HoldoutFraction is the share of each class kept for evaluation.
	HoldoutFraction float64

	// Candidates are the families to compare. Empty means all of Priority().
	Candidates []Family

	Metric Metric
	Seed   int64

	// Parallel fits candidates concurrently. Selection does not depend on it.
	Parallel bool

	Params EnsembleParams
}

// DefaultConfig returns the standard training configuration.
func DefaultConfig() Config {
	return Config{
		HoldoutFraction: 0.2,
		Candidates:      Priority(),
		Metric:          MetricAccuracy,
		Seed:            42,
		Parallel:        true,
		Params:          DefaultEnsembleParams(),
	}
}

// Trainer runs candidate comparison and produces a Classifier.
type Trainer struct {
	config Config
	logger *slog.Logger
}

// NewTrainer creates a trainer. A nil logger uses slog.Default().
func NewTrainer(cfg Config, logger *slog.Logger) (*Trainer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		return nil, fmt.Errorf("classifier: holdout fraction must be in (0,1), got %v", cfg.HoldoutFraction)
	}
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = Priority()
	}
	for _, f := range cfg.Candidates {
		if f.rank() < 0 {
			return nil, fmt.Errorf("classifier: unknown family %q", f)
		}
	}
	switch cfg.Metric {
	case "":
		cfg.Metric = MetricAccuracy
	case MetricAccuracy, MetricF1:
	default:
		return nil, fmt.Errorf("classifier: unknown metric %q", cfg.Metric)
	}
	return &Trainer{config: cfg, logger: logger}, nil
}

// Split holds row indices of a stratified train/held-out partition.
type Split struct {
	Train   []int
	Holdout []int
}

// StratifiedSplit shuffles each class with the seed and moves
// round(fraction*classSize) rows of it into the held-out set.
func StratifiedSplit(y []int, fraction float64, seed int64) Split {
	rng := rand.New(rand.NewSource(seed))
	byClass := [2][]int{}
	for i, label := range y {
		if label == 1 {
			byClass[1] = append(byClass[1], i)
		} else {
			byClass[0] = append(byClass[0], i)
		}
	}

	var s Split
	for _, rows := range byClass {
		rng.Shuffle(len(rows), func(i, j int) { rows[i], rows[j] = rows[j], rows[i] })
		k := int(math.Round(fraction * float64(len(rows))))
		s.Holdout = append(s.Holdout, rows[:k]...)
		s.Train = append(s.Train, rows[k:]...)
	}
	sort.Ints(s.Train)
	sort.Ints(s.Holdout)
	return s
}

// Train fits every candidate, selects the best by the configured metric,
// and refits the winner on the full dataset.
func (t *Trainer) Train(ctx context.Context, ds *dataset.Dataset) (*Classifier, error) {
	const op = "classifier.Train"
	start := time.Now()

	x, y := ds.Matrix()
	if len(x) == 0 {
		return nil, tlerrors.New(tlerrors.KindTraining, op, "dataset is empty")
	}
	for i, row := range x {
		if err := features.ValidateRow(row); err != nil {
			return nil, tlerrors.Wrap(tlerrors.KindSchema, op, fmt.Sprintf("row %d", i), err)
		}
	}

	split := StratifiedSplit(y, t.config.HoldoutFraction, t.config.Seed)
	if err := checkSplit(y, split); err != nil {
		return nil, err
	}

	trainX, trainY := subset(x, y, split.Train)
	holdX, holdY := subset(x, y, split.Holdout)
	baseline := baselineScore(trainY, holdY, t.config.Metric)

	candidates := t.orderedCandidates()
	scores := make([]CandidateScore, len(candidates))

	fit := func(ctx context.Context, i int) error {
		family := candidates[i]
		rng := rand.New(rand.NewSource(familySeed(t.config.Seed, family)))
		m, err := fitFamily(ctx, family, trainX, trainY, t.config.Params, rng)
		if err != nil {
			return fmt.Errorf("fit %s: %w", family, err)
		}
		pred := make([]int, len(holdX))
		for j, row := range holdX {
			if m.predictProba(row) >= 0.5 {
				pred[j] = 1
			}
		}
		acc, f1 := Accuracy(holdY, pred), F1(holdY, pred)
		score := acc
		if t.config.Metric == MetricF1 {
			score = f1
		}
		scores[i] = CandidateScore{Family: family, Score: score, Accuracy: acc, F1: f1}
		return nil
	}

	if t.config.Parallel && len(candidates) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range candidates {
			g.Go(func() error { return fit(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range candidates {
			if err := fit(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	for _, s := range scores {
		t.logger.Info("evaluated candidate",
			"family", s.Family,
			"metric", t.config.Metric,
			"score", s.Score,
			"accuracy", s.Accuracy,
			"f1", s.F1,
		)
	}

	best := selectBest(scores)
	if best.Score <= baseline+scoreTolerance {
		return nil, tlerrors.Newf(tlerrors.KindTraining, op,
			"best candidate %s scored %.4f, not above majority baseline %.4f", best.Family, best.Score, baseline)
	}

	rng := rand.New(rand.NewSource(familySeed(t.config.Seed, best.Family)))
	final, err := fitFamily(ctx, best.Family, x, y, t.config.Params, rng)
	if err != nil {
		return nil, fmt.Errorf("refit %s: %w", best.Family, err)
	}

	c := &Classifier{
		Family:      best.Family,
		Features:    features.Names(),
		Importances: normalize(final.importance),
		Forest:      final.forest,
		Boosted:     final.boosted,
		Evaluation: Evaluation{
			Metric:      t.config.Metric,
			Selected:    best.Family,
			Score:       best.Score,
			Accuracy:    best.Accuracy,
			Baseline:    baseline,
			Candidates:  scores,
			TrainSize:   len(split.Train),
			HoldoutSize: len(split.Holdout),
		},
	}

	t.logger.Info("selected classifier",
		"family", best.Family,
		"holdout_accuracy", best.Accuracy,
		"baseline", baseline,
		"duration", time.Since(start),
	)
	return c, nil
}

// orderedCandidates returns the configured families, deduplicated, in
// priority order.
func (t *Trainer) orderedCandidates() []Family {
	seen := make(map[Family]bool, len(t.config.Candidates))
	var out []Family
	for _, f := range Priority() {
		for _, c := range t.config.Candidates {
			if c == f && !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}

// selectBest returns the highest score; scores must be in priority order so
// the earlier family wins ties.
func selectBest(scores []CandidateScore) CandidateScore {
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score+scoreTolerance {
			best = s
		}
	}
	return best
}

// familySeed gives every family its own stream, independent of which other
// families are configured.
func familySeed(seed int64, f Family) int64 {
	return seed*1000003 + int64(f.rank()+1)
}

func checkSplit(y []int, s Split) error {
	const op = "classifier.Train"
	if len(s.Train) == 0 || len(s.Holdout) == 0 {
		return tlerrors.Newf(tlerrors.KindTraining, op, "degenerate split: %d train, %d held out", len(s.Train), len(s.Holdout))
	}
	for _, part := range []struct {
		name string
		rows []int
	}{{"held-out", s.Holdout}, {"training", s.Train}} {
		var hasPos, hasNeg bool
		for _, i := range part.rows {
			if y[i] == 1 {
				hasPos = true
			} else {
				hasNeg = true
			}
		}
		if !hasPos || !hasNeg {
			return tlerrors.Newf(tlerrors.KindTraining, op, "degenerate %s split: one class absent", part.name)
		}
	}
	return nil
}

func subset(x [][]float64, y []int, idx []int) ([][]float64, []int) {
	sx := make([][]float64, len(idx))
	sy := make([]int, len(idx))
	for i, j := range idx {
		sx[i] = x[j]
		sy[i] = y[j]
	}
	return sx, sy
}

// baselineScore scores predicting the training majority class for every
// held-out row. Ties in the majority go to benign.
func baselineScore(trainY, holdY []int, metric Metric) float64 {
	var pos int
	for _, v := range trainY {
		pos += v
	}
	majority := 0
	if 2*pos > len(trainY) {
		majority = 1
	}
	pred := make([]int, len(holdY))
	for i := range pred {
		pred[i] = majority
	}
	if metric == MetricF1 {
		return F1(holdY, pred)
	}
	return Accuracy(holdY, pred)
}
