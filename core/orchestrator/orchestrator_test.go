package orchestrator

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adalundhe/threatlens/core/artifacts"
	"github.com/adalundhe/threatlens/core/config"
	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/ledger"
	"github.com/adalundhe/threatlens/core/threat"
)

// =============================================================================
// Test Helpers
// =============================================================================

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Dataset.Samples = 200
	cfg.Artifacts.Dir = filepath.Join(t.TempDir(), "models")
	return cfg
}

// fastConfig trims ensemble sizes for tests that only exercise control flow.
func fastConfig(t *testing.T) *config.Config {
	cfg := testConfig(t)
	cfg.Classifier.Params.Trees = 20
	cfg.Classifier.Params.BoostingRounds = 20
	cfg.Cluster.Restarts = 3
	return cfg
}

func newOrchestrator(t *testing.T, cfg *config.Config, opts ...Option) (*Orchestrator, *artifacts.Store) {
	t.Helper()
	store, err := artifacts.NewStore(cfg.Artifacts.Dir)
	require.NoError(t, err)
	o, err := New(cfg, store, opts...)
	require.NoError(t, err)
	return o, store
}

func encode(t *testing.T, enc func(*bytes.Buffer) error) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, enc(&buf))
	return buf.Bytes()
}

func failAt(stage Stage) func(Stage) error {
	return func(s Stage) error {
		if s == stage {
			return errors.New("injected failure")
		}
		return nil
	}
}

// =============================================================================
// End to end
// =============================================================================

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	o, store := newOrchestrator(t, cfg)

	rep, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusSucceeded, rep.Status)
	assert.Equal(t, 100, rep.Benign)
	assert.Equal(t, 100, rep.Malicious)
	assert.Greater(t, rep.Classifier.Evaluation.Accuracy, 0.85)

	require.Len(t, rep.Clusterer.Sizes, 3)
	for id, n := range rep.Clusterer.Sizes {
		assert.Positive(t, n, "cluster %d is empty", id)
	}
	assert.ElementsMatch(t, threat.All(), []threat.Archetype(rep.Clusterer.Mapping))

	set, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, rep.Dir, set.Dir)
	assert.Equal(t, rep.RunID, set.Manifest.Run.RunID)
	assert.Equal(t, config.DefaultCreatedAt, set.Manifest.Run.CreatedAt)
	assert.Equal(t,
		encode(t, func(b *bytes.Buffer) error { return rep.Classifier.Encode(b) }),
		encode(t, func(b *bytes.Buffer) error { return set.Classifier.Encode(b) }))
	assert.Equal(t,
		encode(t, func(b *bytes.Buffer) error { return rep.Clusterer.Encode(b) }),
		encode(t, func(b *bytes.Buffer) error { return set.Clusterer.Encode(b) }))

	for _, f := range []string{store.Paths().ImportancePlot, store.Paths().ClusterPlot} {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
}

func TestRunIsReproducible(t *testing.T) {
	a, storeA := newOrchestrator(t, fastConfig(t))
	b, storeB := newOrchestrator(t, fastConfig(t))

	repA, err := a.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	repB, err := b.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, repA.RunID, repB.RunID)
	ma, err := storeA.ReadManifest()
	require.NoError(t, err)
	mb, err := storeB.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, ma.Files, mb.Files)
}

func TestRunID(t *testing.T) {
	a := RunID(42, 200, "digest")
	assert.Equal(t, a, RunID(42, 200, "digest"))
	assert.NotEqual(t, a, RunID(43, 200, "digest"))
	assert.NotEqual(t, a, RunID(42, 201, "digest"))
	assert.NotEqual(t, a, RunID(42, 200, "other"))
	assert.Len(t, a, 36)
}

// =============================================================================
// Skip, force and clean
// =============================================================================

func TestRunSkipsWhenArtifactsExist(t *testing.T) {
	o, store := newOrchestrator(t, fastConfig(t))
	ctx := context.Background()

	first, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)

	second, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSkipped, second.Status)
	assert.Equal(t, first.Dir, second.Dir)
	assert.Nil(t, second.Classifier)

	seed := int64(7)
	forced, err := o.Run(ctx, RunOptions{Force: true, Seed: &seed})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, forced.Status)
	assert.NotEqual(t, first.RunID, forced.RunID)

	set, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, forced.RunID, set.Manifest.Run.RunID)
	assert.Equal(t, int64(7), set.Manifest.Run.Seed)
}

func TestRunCleanRetrains(t *testing.T) {
	o, store := newOrchestrator(t, fastConfig(t))
	ctx := context.Background()

	_, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	rep, err := o.Run(ctx, RunOptions{Clean: true})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, rep.Status)
	assert.Equal(t, "snapshot_v1", filepath.Base(rep.Dir), "clean restarts versioning")

	_, err = store.Load()
	assert.NoError(t, err)
}

// =============================================================================
// Failures
// =============================================================================

func TestStageFailureLeavesNothingLoadable(t *testing.T) {
	for _, stage := range []Stage{StageGenerate, StageClassifier, StageClusterer, StagePlots} {
		t.Run(string(stage), func(t *testing.T) {
			o, store := newOrchestrator(t, fastConfig(t), WithStageHook(failAt(stage)))

			_, err := o.Run(context.Background(), RunOptions{})
			var serr *StageError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, stage, serr.Stage)

			assert.False(t, store.Exists())
			_, err = store.Load()
			assert.ErrorIs(t, err, tlerrors.ErrArtifactMissing)
		})
	}
}

func TestStageFailureKeepsPreviousSet(t *testing.T) {
	cfg := fastConfig(t)
	o, store := newOrchestrator(t, cfg)
	first, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	o, err = New(cfg, store, WithStageHook(failAt(StageClusterer)))
	require.NoError(t, err)
	seed := int64(9)
	_, err = o.Run(context.Background(), RunOptions{Force: true, Seed: &seed})
	require.Error(t, err)

	set, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, first.RunID, set.Manifest.Run.RunID)
}

func TestTrainingErrorIsWrapped(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Dataset.Samples = 2
	o, _ := newOrchestrator(t, cfg)

	_, err := o.Run(context.Background(), RunOptions{})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageClassifier, serr.Stage)
	assert.ErrorIs(t, err, tlerrors.ErrTraining)
}

func TestRunHonorsCancellation(t *testing.T) {
	o, store := newOrchestrator(t, fastConfig(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Run(ctx, RunOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, store.Exists())
}

func TestBadProfilesFailGenerate(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Dataset.Profiles = filepath.Join(t.TempDir(), "missing.yaml")
	o, _ := newOrchestrator(t, cfg)

	_, err := o.Run(context.Background(), RunOptions{})
	var serr *StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StageGenerate, serr.Stage)
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Classifier.Metric = "auc"
	store, err := artifacts.NewStore(cfg.Artifacts.Dir)
	require.NoError(t, err)
	_, err = New(cfg, store)
	assert.Error(t, err)

	_, err = New(fastConfig(t), nil)
	assert.Error(t, err)
}

// =============================================================================
// Side outputs
// =============================================================================

func TestRunExportsCSV(t *testing.T) {
	cfg := fastConfig(t)
	cfg.Dataset.ExportCSV = filepath.Join(t.TempDir(), "data", "phishing_synthetic.csv")
	o, _ := newOrchestrator(t, cfg)

	_, err := o.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	f, err := os.Open(cfg.Dataset.ExportCSV)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 201)
	assert.Len(t, records[0], features.Count+2)
}

func TestRunRecordsLedger(t *testing.T) {
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer l.Close()

	cfg := fastConfig(t)
	o, store := newOrchestrator(t, cfg, WithLedger(l))
	ctx := context.Background()

	rep, err := o.Run(ctx, RunOptions{})
	require.NoError(t, err)
	rec, err := l.Get(ctx, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSucceeded, rec.Status)
	assert.Equal(t, string(rep.Classifier.Family), rec.Family)
	assert.Equal(t, "snapshot_v1", rec.Snapshot)

	failing, err := New(cfg, store, WithLedger(l), WithStageHook(failAt(StagePlots)))
	require.NoError(t, err)
	_, err = failing.Run(ctx, RunOptions{Force: true})
	require.Error(t, err)

	latest, err := l.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, latest.Status)
	assert.Equal(t, string(StagePlots), latest.Stage)
	assert.Contains(t, latest.Error, "injected failure")
}
