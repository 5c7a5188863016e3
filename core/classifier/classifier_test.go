package classifier

import (
	"bytes"
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/adalundhe/threatlens/core/dataset"
	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func smallConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.Trees = 20
	cfg.Params.BoostingRounds = 30
	return cfg
}

func newTestTrainer(t *testing.T, cfg Config) *Trainer {
	t.Helper()
	tr, err := NewTrainer(cfg, nil)
	require.NoError(t, err)
	return tr
}

func generate(t *testing.T, n int, seed int64) *dataset.Dataset {
	t.Helper()
	g, err := dataset.NewGenerator(nil, nil)
	require.NoError(t, err)
	ds, err := g.Generate(n, seed)
	require.NoError(t, err)
	return ds
}

// disjointDataset builds rows where having_IP_Address alone decides the
// label and every other feature is constant.
func disjointDataset(n int) *dataset.Dataset {
	ds := &dataset.Dataset{}
	for i := 0; i < n; i++ {
		row := make([]float64, features.Count)
		for j := range row {
			row[j] = -1
		}
		label := dataset.Benign
		if i%2 == 1 {
			label = dataset.Malicious
			row[0] = 1
		}
		ds.Samples = append(ds.Samples, dataset.Sample{Encoded: row, Label: label})
	}
	return ds
}

// constantDataset has identical feature rows for both classes.
func constantDataset(n int) *dataset.Dataset {
	ds := disjointDataset(n)
	for i := range ds.Samples {
		ds.Samples[i].Encoded[0] = -1
	}
	return ds
}

// =============================================================================
// Trees and ensembles
// =============================================================================

func TestTreeLearnsSingleSplit(t *testing.T) {
	x := [][]float64{{-1}, {-1}, {1}, {1}}
	y := []float64{0, 0, 1, 1}
	b := newTreeBuilder(x, y, nil, treeParams{}, nil)
	tree := b.build([]int{0, 1, 2, 3})

	assert.Equal(t, 1, tree.Depth())
	assert.Equal(t, 0.0, tree.Predict([]float64{-1}))
	assert.Equal(t, 1.0, tree.Predict([]float64{1}))
	assert.InDelta(t, 1.0, b.importance[0], 1e-12)
}

func TestTreeRespectsMaxDepth(t *testing.T) {
	x := [][]float64{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}}
	y := []float64{0, 1, 1, 0}
	b := newTreeBuilder(x, y, nil, treeParams{maxDepth: 1}, nil)
	tree := b.build([]int{0, 1, 2, 3})
	assert.LessOrEqual(t, tree.Depth(), 1)
}

func TestFamiliesFitDisjointData(t *testing.T) {
	ds := disjointDataset(80)
	x, y := ds.Matrix()
	params := DefaultEnsembleParams()
	params.Trees = 10
	params.BoostingRounds = 20
	params.FeatureFraction = 1

	for _, family := range Priority() {
		t.Run(string(family), func(t *testing.T) {
			m, err := fitFamily(context.Background(), family, x, y, params, newRand(1))
			require.NoError(t, err)
			for i, row := range x {
				p := m.predictProba(row)
				if y[i] == 1 {
					assert.Greater(t, p, 0.5)
				} else {
					assert.Less(t, p, 0.5)
				}
			}
		})
	}
}

func TestFitHonorsCancellation(t *testing.T) {
	ds := disjointDataset(20)
	x, y := ds.Matrix()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fitFamily(ctx, RandomForest, x, y, DefaultEnsembleParams(), newRand(1))
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Metrics and split
// =============================================================================

func TestMetrics(t *testing.T) {
	truth := []int{1, 1, 0, 0}
	assert.Equal(t, 0.75, Accuracy(truth, []int{1, 0, 0, 0}))
	assert.InDelta(t, 2.0/3.0, F1(truth, []int{1, 0, 0, 0}), 1e-12)
	assert.Equal(t, 0.0, F1(truth, []int{0, 0, 0, 0}))
	assert.Equal(t, 0.0, Accuracy(nil, nil))
}

func TestStratifiedSplit(t *testing.T) {
	y := make([]int, 100)
	for i := 50; i < 100; i++ {
		y[i] = 1
	}
	s := StratifiedSplit(y, 0.2, 9)
	assert.Len(t, s.Holdout, 20)
	assert.Len(t, s.Train, 80)

	var pos int
	for _, i := range s.Holdout {
		pos += y[i]
	}
	assert.Equal(t, 10, pos)
	assert.Equal(t, s, StratifiedSplit(y, 0.2, 9))
}

func TestSelectBestTieGoesToEarlierFamily(t *testing.T) {
	best := selectBest([]CandidateScore{
		{Family: ExtraTrees, Score: 0.9},
		{Family: RandomForest, Score: 0.9},
		{Family: GradientBoosting, Score: 0.9 + 1e-13},
	})
	assert.Equal(t, ExtraTrees, best.Family)

	best = selectBest([]CandidateScore{
		{Family: ExtraTrees, Score: 0.8},
		{Family: RandomForest, Score: 0.9},
		{Family: GradientBoosting, Score: 0.85},
	})
	assert.Equal(t, RandomForest, best.Family)
}

// =============================================================================
// Trainer
// =============================================================================

func TestNewTrainerValidation(t *testing.T) {
	cfg := smallConfig()
	cfg.HoldoutFraction = 1
	_, err := NewTrainer(cfg, nil)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.Candidates = []Family{"svm"}
	_, err = NewTrainer(cfg, nil)
	assert.Error(t, err)

	cfg = smallConfig()
	cfg.Metric = "auc"
	_, err = NewTrainer(cfg, nil)
	assert.Error(t, err)
}

func TestTrainDisjointData(t *testing.T) {
	c, err := newTestTrainer(t, smallConfig()).Train(context.Background(), disjointDataset(200))
	require.NoError(t, err)

	assert.GreaterOrEqual(t, c.Evaluation.Accuracy, 0.95)
	assert.Equal(t, ExtraTrees, c.Family, "perfect ties resolve to the first family")
	assert.Equal(t, features.Names(), c.Features)
	assert.InDelta(t, 1.0, sum(c.Importances), 1e-9)
	assert.Equal(t, features.HavingIPAddress, c.RankedImportances()[0].Feature)
}

func TestTrainSyntheticData(t *testing.T) {
	c, err := newTestTrainer(t, smallConfig()).Train(context.Background(), generate(t, 200, 42))
	require.NoError(t, err)

	assert.Greater(t, c.Evaluation.Accuracy, 0.85)
	assert.Greater(t, c.Evaluation.Score, c.Evaluation.Baseline)
	assert.Len(t, c.Evaluation.Candidates, 3)
	assert.Equal(t, 160, c.Evaluation.TrainSize)
	assert.Equal(t, 40, c.Evaluation.HoldoutSize)

	for _, v := range c.Importances {
		assert.GreaterOrEqual(t, v, 0.0)
	}
	assert.InDelta(t, 1.0, sum(c.Importances), 1e-9)
}

func TestTrainDeterministicAcrossScheduling(t *testing.T) {
	ds := generate(t, 200, 3)

	parallel := smallConfig()
	serial := smallConfig()
	serial.Parallel = false

	a, err := newTestTrainer(t, parallel).Train(context.Background(), ds)
	require.NoError(t, err)
	b, err := newTestTrainer(t, serial).Train(context.Background(), ds)
	require.NoError(t, err)

	var bufA, bufB bytes.Buffer
	require.NoError(t, a.Encode(&bufA))
	require.NoError(t, b.Encode(&bufB))
	assert.Equal(t, bufA.String(), bufB.String())
}

func TestTrainF1Metric(t *testing.T) {
	cfg := smallConfig()
	cfg.Metric = MetricF1
	c, err := newTestTrainer(t, cfg).Train(context.Background(), disjointDataset(100))
	require.NoError(t, err)
	assert.Equal(t, MetricF1, c.Evaluation.Metric)
	assert.InDelta(t, 1.0, c.Evaluation.Score, 1e-12)
}

func TestTrainFailures(t *testing.T) {
	tests := []struct {
		name string
		ds   *dataset.Dataset
	}{
		{"uninformative features", constantDataset(100)},
		{"split too small", disjointDataset(2)},
		{"single class", &dataset.Dataset{Samples: disjointDataset(20).Samples[:1]}},
		{"empty", &dataset.Dataset{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestTrainer(t, smallConfig()).Train(context.Background(), tt.ds)
			assert.ErrorIs(t, err, tlerrors.ErrTraining)
		})
	}
}

func TestTrainRejectsOutOfDomainRows(t *testing.T) {
	ds := disjointDataset(20)
	ds.Samples[3].Encoded[2] = 7
	_, err := newTestTrainer(t, smallConfig()).Train(context.Background(), ds)
	assert.ErrorIs(t, err, tlerrors.ErrSchema)
}

// =============================================================================
// Model
// =============================================================================

func TestPredict(t *testing.T) {
	c, err := newTestTrainer(t, smallConfig()).Train(context.Background(), disjointDataset(100))
	require.NoError(t, err)

	row := make([]float64, features.Count)
	for i := range row {
		row[i] = -1
	}
	label, conf, err := c.Predict(row)
	require.NoError(t, err)
	assert.Equal(t, 0, label)
	assert.GreaterOrEqual(t, conf, 0.5)

	row[0] = 1
	label, conf, err = c.Predict(row)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.GreaterOrEqual(t, conf, 0.5)

	_, _, err = c.Predict(row[:3])
	assert.ErrorIs(t, err, tlerrors.ErrSchema)
}

func TestEncodeDecode(t *testing.T) {
	c, err := newTestTrainer(t, smallConfig()).Train(context.Background(), generate(t, 120, 5))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, c.Encode(&buf))
	got, err := Decode(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	ds := generate(t, 30, 6)
	for _, s := range ds.Samples {
		want, err := c.PredictProba(s.Encoded)
		require.NoError(t, err)
		have, err := got.PredictProba(s.Encoded)
		require.NoError(t, err)
		assert.Equal(t, want, have)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"wrong features", `{"family":"extra_trees","features":["a"],"importances":[1],"forest":{"trees":[{"nodes":[{"l":-1,"r":-1}]}]}}`},
		{"unknown family", `{"family":"svm"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.body))
			assert.ErrorIs(t, err, tlerrors.ErrArtifactCorrupt)
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []float64{0.25, 0.75}, normalize([]float64{1, 3}))
	assert.Equal(t, []float64{0.5, 0.5}, normalize([]float64{0, 0}))
}

func sum(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewSource(seed))
}
