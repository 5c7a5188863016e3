package classifier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

// Family names a candidate classifier.
type Family string

const (
	ExtraTrees       Family = "extra_trees"
	RandomForest     Family = "random_forest"
	GradientBoosting Family = "gradient_boosting"
)

// Priority lists families from simplest and fastest to most expensive. Ties
// in the selection metric go to the earlier family.
func Priority() []Family {
	return []Family{ExtraTrees, RandomForest, GradientBoosting}
}

// rank returns the position of f in Priority, or -1.
func (f Family) rank() int {
	for i, p := range Priority() {
		if p == f {
			return i
		}
	}
	return -1
}

// ParseFamily validates a family name.
func ParseFamily(name string) (Family, error) {
	f := Family(name)
	if f.rank() < 0 {
		return "", fmt.Errorf("unknown classifier family %q", name)
	}
	return f, nil
}

// EnsembleParams configures the candidate families.
type EnsembleParams struct {
	Trees           int     `yaml:"trees" json:"trees"`
	MaxDepth        int     `yaml:"max_depth" json:"max_depth"`
	MinSamplesLeaf  int     `yaml:"min_samples_leaf" json:"min_samples_leaf"`
	BoostingRounds  int     `yaml:"boosting_rounds" json:"boosting_rounds"`
	BoostingDepth   int     `yaml:"boosting_depth" json:"boosting_depth"`
	LearningRate    float64 `yaml:"learning_rate" json:"learning_rate"`
	FeatureFraction float64 `yaml:"feature_fraction" json:"feature_fraction"`
}

// DefaultEnsembleParams mirrors common library defaults: 100 fully grown
// trees with sqrt(d) features per split, and 100 depth-3 boosting rounds.
func DefaultEnsembleParams() EnsembleParams {
	return EnsembleParams{
		Trees:          100,
		MaxDepth:       0,
		MinSamplesLeaf: 1,
		BoostingRounds: 100,
		BoostingDepth:  3,
		LearningRate:   0.1,
	}
}

func (p EnsembleParams) maxFeatures(dim int) int {
	if p.FeatureFraction > 0 {
		return max(1, int(math.Round(p.FeatureFraction*float64(dim))))
	}
	return max(1, int(math.Sqrt(float64(dim))))
}

// Forest averages the outputs of independently grown trees.
type Forest struct {
	Trees []*Tree `json:"trees"`
}

// PredictProba returns the mean tree vote for the malicious class.
func (f *Forest) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range f.Trees {
		sum += t.Predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Boosted is an additive logistic model over regression trees.
type Boosted struct {
	Init         float64 `json:"init"`
	LearningRate float64 `json:"learning_rate"`
	Trees        []*Tree `json:"trees"`
}

// PredictProba applies the sigmoid to the boosted log-odds.
func (b *Boosted) PredictProba(x []float64) float64 {
	f := b.Init
	for _, t := range b.Trees {
		f += b.LearningRate * t.Predict(x)
	}
	return sigmoid(f)
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// fitted is the result of fitting one family.
type fitted struct {
	forest     *Forest
	boosted    *Boosted
	importance []float64
}

func (f *fitted) predictProba(x []float64) float64 {
	if f.boosted != nil {
		return f.boosted.PredictProba(x)
	}
	return f.forest.PredictProba(x)
}

// fitFamily trains one family on rows x with 0/1 labels y. The rng is owned
// by the caller and consumed in a fixed order.
func fitFamily(ctx context.Context, family Family, x [][]float64, y []int, params EnsembleParams, rng *rand.Rand) (*fitted, error) {
	target := make([]float64, len(y))
	for i, v := range y {
		target[i] = float64(v)
	}
	switch family {
	case RandomForest:
		return fitForest(ctx, x, target, params, rng, true, false)
	case ExtraTrees:
		return fitForest(ctx, x, target, params, rng, false, true)
	case GradientBoosting:
		return fitBoosted(ctx, x, target, params, rng)
	default:
		return nil, fmt.Errorf("unknown classifier family %q", family)
	}
}

func fitForest(ctx context.Context, x [][]float64, y []float64, params EnsembleParams, rng *rand.Rand, bootstrap, randomSplits bool) (*fitted, error) {
	n := len(x)
	tp := treeParams{
		maxDepth:       params.MaxDepth,
		minSamplesLeaf: params.MinSamplesLeaf,
		maxFeatures:    params.maxFeatures(len(x[0])),
		randomSplits:   randomSplits,
	}
	b := newTreeBuilder(x, y, nil, tp, rng)

	trees := max(1, params.Trees)
	forest := &Forest{Trees: make([]*Tree, 0, trees)}
	idx := make([]int, n)
	for t := 0; t < trees; t++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := range idx {
			if bootstrap {
				idx[i] = rng.Intn(n)
			} else {
				idx[i] = i
			}
		}
		forest.Trees = append(forest.Trees, b.build(idx))
	}
	return &fitted{forest: forest, importance: b.importance}, nil
}

func fitBoosted(ctx context.Context, x [][]float64, y []float64, params EnsembleParams, rng *rand.Rand) (*fitted, error) {
	n := len(x)
	var pos float64
	for _, v := range y {
		pos += v
	}
	p0 := math.Min(math.Max(pos/float64(n), 1e-6), 1-1e-6)

	model := &Boosted{
		Init:         math.Log(p0 / (1 - p0)),
		LearningRate: params.LearningRate,
	}
	if model.LearningRate <= 0 {
		model.LearningRate = 0.1
	}

	score := make([]float64, n)
	for i := range score {
		score[i] = model.Init
	}
	residual := make([]float64, n)
	hess := make([]float64, n)

	tp := treeParams{
		maxDepth:       max(1, params.BoostingDepth),
		minSamplesLeaf: params.MinSamplesLeaf,
	}
	b := newTreeBuilder(x, residual, hess, tp, rng)

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	rounds := max(1, params.BoostingRounds)
	for r := 0; r < rounds; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			p := sigmoid(score[i])
			residual[i] = y[i] - p
			hess[i] = p * (1 - p)
		}
		tree := b.build(idx)
		for i := 0; i < n; i++ {
			score[i] += model.LearningRate * tree.Predict(x[i])
		}
		model.Trees = append(model.Trees, tree)
	}
	return &fitted{boosted: model, importance: b.importance}, nil
}
