// Package orchestrator sequences a training run: generate the synthetic
// dataset, select the classifier, fit the threat clusterer, draw the
// diagnostic plots and commit everything as one artifact set.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adalundhe/threatlens/core/artifacts"
	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/cluster"
	"github.com/adalundhe/threatlens/core/config"
	"github.com/adalundhe/threatlens/core/dataset"
	"github.com/adalundhe/threatlens/core/ledger"
	"github.com/adalundhe/threatlens/core/plots"
)

// Orchestrator runs training against one artifact store.
type Orchestrator struct {
	cfg    *config.Config
	store  *artifacts.Store
	ledger *ledger.Ledger
	logger *slog.Logger
	hook   func(Stage) error
	now    func() time.Time
}

// New creates an orchestrator. cfg is validated here so a bad
// configuration fails before any stage runs.
func New(cfg *config.Config, store *artifacts.Store, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator: artifact store is required")
	}
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run carries state between stages.
type run struct {
	id      string
	seed    int64
	samples int
	digest  string

	profiles *dataset.ProfileSet
	data     *dataset.Dataset
	clf      *classifier.Classifier
	model    *cluster.Model
	rows     [][]float64
	bundle   *artifacts.Bundle
	dir      string

	agreement float64
}

// Run trains and commits a new artifact set. It returns a skipped report
// when artifacts exist and neither Clean nor Force is set. Any stage
// failure is a *StageError and leaves the store as it was.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	start := o.now()

	r := &run{seed: o.cfg.Seed, samples: o.cfg.Dataset.Samples}
	if opts.Seed != nil {
		r.seed = *opts.Seed
	}
	if opts.Samples > 0 {
		r.samples = opts.Samples
	}

	profiles, err := o.loadProfiles()
	if err != nil {
		return nil, &StageError{Stage: StageGenerate, Err: err}
	}
	r.profiles = profiles
	r.digest = profiles.Digest()
	r.id = RunID(r.seed, r.samples, r.digest)

	logger := o.logger.With("run_id", r.id)

	if opts.Clean {
		if err := o.store.Clean(); err != nil {
			return nil, fmt.Errorf("clean artifacts: %w", err)
		}
	} else if o.store.Exists() && !opts.Force {
		dir, _ := o.store.CurrentDir()
		logger.Info("artifacts exist, skipping training", "dir", dir)
		rep := &Report{RunID: r.id, Status: ledger.StatusSkipped, Seed: r.seed, Samples: r.samples, Dir: dir}
		o.record(ctx, rep, start, nil)
		return rep, nil
	}

	logger.Info("training run started", "seed", r.seed, "samples", r.samples)

	steps := []struct {
		stage Stage
		fn    func(context.Context, *run, *slog.Logger) error
	}{
		{StageGenerate, o.generate},
		{StageClassifier, o.trainClassifier},
		{StageClusterer, o.fitClusterer},
		{StagePlots, o.drawPlots},
		{StageSave, o.save},
	}
	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return nil, o.fail(ctx, r, start, st.stage, err)
		}
		stageStart := o.now()
		if err := st.fn(ctx, r, logger); err != nil {
			return nil, o.fail(ctx, r, start, st.stage, err)
		}
		logger.Debug("stage complete", "stage", st.stage, "duration", o.now().Sub(stageStart))
		if st.stage != StageSave && o.hook != nil {
			if err := o.hook(st.stage); err != nil {
				return nil, o.fail(ctx, r, start, st.stage, err)
			}
		}
	}

	benign, malicious := r.data.Counts()
	rep := &Report{
		RunID:      r.id,
		Status:     ledger.StatusSucceeded,
		Seed:       r.seed,
		Samples:    r.samples,
		Dir:        r.dir,
		Benign:     benign,
		Malicious:  malicious,
		Classifier: r.clf,
		Clusterer:  r.model,
		Agreement:  r.agreement,
		Duration:   o.now().Sub(start),
	}
	logger.Info("training run complete",
		"dir", r.dir,
		"family", r.clf.Family,
		"holdout_accuracy", r.clf.Evaluation.Accuracy,
		"mapping", r.model.Mapping,
		"agreement", r.agreement,
		"duration", rep.Duration,
	)
	o.record(ctx, rep, start, nil)
	return rep, nil
}

func (o *Orchestrator) loadProfiles() (*dataset.ProfileSet, error) {
	if o.cfg.Dataset.Profiles == "" {
		return dataset.DefaultProfiles()
	}
	return dataset.LoadProfiles(o.cfg.Dataset.Profiles)
}

func (o *Orchestrator) generate(_ context.Context, r *run, logger *slog.Logger) error {
	gen, err := dataset.NewGenerator(r.profiles, logger)
	if err != nil {
		return err
	}
	ds, err := gen.Generate(r.samples, r.seed)
	if err != nil {
		return err
	}
	r.data = ds

	if path := o.cfg.Dataset.ExportCSV; path != "" {
		if err := exportCSV(path, ds); err != nil {
			return err
		}
		logger.Info("exported dataset", "path", path, "rows", ds.Len())
	}
	return nil
}

func exportCSV(path string, ds *dataset.Dataset) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	if err := ds.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (o *Orchestrator) trainClassifier(ctx context.Context, r *run, logger *slog.Logger) error {
	tc, err := o.cfg.TrainerConfig()
	if err != nil {
		return err
	}
	tc.Seed = r.seed
	trainer, err := classifier.NewTrainer(tc, logger)
	if err != nil {
		return err
	}
	clf, err := trainer.Train(ctx, r.data)
	if err != nil {
		return err
	}
	r.clf = clf
	return nil
}

func (o *Orchestrator) fitClusterer(ctx context.Context, r *run, logger *slog.Logger) error {
	km := o.cfg.KMeansConfig()
	km.Seed = r.seed
	c, err := cluster.NewClusterer(km, logger)
	if err != nil {
		return err
	}
	rows, tags := r.data.Malicious()
	model, err := c.Fit(ctx, rows)
	if err != nil {
		return err
	}
	r.model = model
	r.rows = rows

	agreement, err := model.Agreement(rows, tags)
	if err != nil {
		return err
	}
	r.agreement = agreement
	logger.Info("archetype agreement", "agreement", agreement)
	return nil
}

func (o *Orchestrator) drawPlots(_ context.Context, r *run, _ *slog.Logger) error {
	importance, err := plots.FeatureImportance(r.clf.RankedImportances(),
		fmt.Sprintf("Feature Importance (%s)", r.clf.Family))
	if err != nil {
		return err
	}

	proj, err := cluster.Project(r.rows, r.model.Centroids)
	if err != nil {
		return err
	}
	assignments := make([]int, len(r.rows))
	for i, row := range r.rows {
		if assignments[i], err = r.model.Predict(row); err != nil {
			return err
		}
	}
	clusters, err := plots.Clusters(proj, assignments, r.model.Mapping, "Threat Actor Clusters (PCA)")
	if err != nil {
		return err
	}

	r.bundle = &artifacts.Bundle{
		Classifier:    r.clf,
		Clusterer:     r.model,
		ImportancePNG: importance,
		ClustersPNG:   clusters,
		Meta: artifacts.Metadata{
			RunID:         r.id,
			Seed:          r.seed,
			Samples:       r.samples,
			ProfileDigest: r.digest,
			CreatedAt:     o.cfg.CreatedAt.UTC(),
		},
	}
	return nil
}

func (o *Orchestrator) save(_ context.Context, r *run, _ *slog.Logger) error {
	dir, err := o.store.Save(r.bundle)
	if err != nil {
		return err
	}
	r.dir = dir
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, r *run, start time.Time, stage Stage, err error) error {
	serr := &StageError{Stage: stage, Err: err}
	o.logger.Error("training run failed", "run_id", r.id, "stage", stage, "error", err)
	o.record(ctx, &Report{RunID: r.id, Status: ledger.StatusFailed, Seed: r.seed, Samples: r.samples}, start, serr)
	return serr
}

// record appends the outcome to the ledger, if one is configured. Ledger
// errors are logged and never fail the run.
func (o *Orchestrator) record(ctx context.Context, rep *Report, start time.Time, serr *StageError) {
	if o.ledger == nil {
		return
	}
	rec := ledger.Record{
		RunID:      rep.RunID,
		Status:     rep.Status,
		Seed:       rep.Seed,
		Samples:    rep.Samples,
		Snapshot:   filepath.Base(rep.Dir),
		StartedAt:  start,
		FinishedAt: o.now(),
	}
	if rep.Dir == "" {
		rec.Snapshot = ""
	}
	if rep.Classifier != nil {
		rec.Family = string(rep.Classifier.Family)
		rec.HoldoutAccuracy = rep.Classifier.Evaluation.Accuracy
		rec.Baseline = rep.Classifier.Evaluation.Baseline
	}
	if rep.Clusterer != nil {
		rec.Inertia = rep.Clusterer.Inertia
		names := make([]string, len(rep.Clusterer.Mapping))
		for i, a := range rep.Clusterer.Mapping {
			names[i] = string(a)
		}
		rec.Mapping = strings.Join(names, ",")
	}
	if serr != nil {
		rec.Stage = string(serr.Stage)
		rec.Error = serr.Err.Error()
	}
	if _, err := o.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record run in ledger", "run_id", rep.RunID, "error", err)
	}
}
