package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/adalundhe/threatlens/core/ledger"
	"github.com/adalundhe/threatlens/core/orchestrator"
)

type trainOptions struct {
	seed      int64
	samples   int
	clean     bool
	force     bool
	exportCSV string
	ledger    bool
	json      bool
}

func newTrainCmd(g *globalOptions) *cobra.Command {
	o := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Generate data, train both models and commit the artifacts",
		Long: `Generate the synthetic dataset, select the classifier, fit the threat-actor
clusterer, draw the diagnostic plots and commit everything atomically.

Training is skipped when artifacts already exist. Use --force to retrain over
them or --clean to wipe them first.

Examples:
  threatlens train
  threatlens train --seed 7 --samples 2000 --force
  threatlens train --clean --export-csv data/phishing_synthetic.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTrain(cmd, g, o)
		},
	}

	f := cmd.Flags()
	f.Int64Var(&o.seed, "seed", 0, "random seed (default from config)")
	f.IntVar(&o.samples, "samples", 0, "dataset size (default from config)")
	f.BoolVar(&o.clean, "clean", false, "remove existing artifacts before training")
	f.BoolVar(&o.force, "force", false, "retrain even if artifacts exist")
	f.StringVar(&o.exportCSV, "export-csv", "", "write the generated dataset to this CSV file")
	f.BoolVar(&o.ledger, "ledger", false, "record the run in the sqlite ledger")
	f.BoolVar(&o.json, "json", false, "print the report as JSON")
	return cmd
}

func runTrain(cmd *cobra.Command, g *globalOptions, o *trainOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := *g.cfg
	if o.exportCSV != "" {
		cfg.Dataset.ExportCSV = o.exportCSV
	}
	if o.ledger {
		cfg.Ledger.Enabled = true
	}

	store, err := g.openStore()
	if err != nil {
		return err
	}
	opts := []orchestrator.Option{orchestrator.WithLogger(g.logger)}
	if cfg.Ledger.Enabled {
		l, err := ledger.Open(cfg.Ledger.Path)
		if err != nil {
			return err
		}
		defer l.Close()
		opts = append(opts, orchestrator.WithLedger(l))
	}

	orch, err := orchestrator.New(&cfg, store, opts...)
	if err != nil {
		return err
	}

	run := orchestrator.RunOptions{Samples: o.samples, Clean: o.clean, Force: o.force}
	if cmd.Flags().Changed("seed") {
		run.Seed = &o.seed
	}
	rep, err := orch.Run(ctx, run)
	if err != nil {
		return err
	}
	if o.json {
		return writeJSON(cmd.OutOrStdout(), trainSummary(rep))
	}
	printTrainReport(cmd.OutOrStdout(), rep)
	return nil
}

type trainReport struct {
	RunID           string   `json:"run_id"`
	Status          string   `json:"status"`
	Seed            int64    `json:"seed"`
	Samples         int      `json:"samples"`
	Dir             string   `json:"dir"`
	Family          string   `json:"family,omitempty"`
	HoldoutAccuracy float64  `json:"holdout_accuracy,omitempty"`
	Baseline        float64  `json:"baseline,omitempty"`
	Mapping         []string `json:"mapping,omitempty"`
	Agreement       float64  `json:"agreement,omitempty"`
}

func trainSummary(rep *orchestrator.Report) trainReport {
	out := trainReport{
		RunID:   rep.RunID,
		Status:  string(rep.Status),
		Seed:    rep.Seed,
		Samples: rep.Samples,
		Dir:     rep.Dir,
	}
	if rep.Classifier != nil {
		out.Family = string(rep.Classifier.Family)
		out.HoldoutAccuracy = rep.Classifier.Evaluation.Accuracy
		out.Baseline = rep.Classifier.Evaluation.Baseline
	}
	if rep.Clusterer != nil {
		for _, a := range rep.Clusterer.Mapping {
			out.Mapping = append(out.Mapping, string(a))
		}
		out.Agreement = rep.Agreement
	}
	return out
}

func printTrainReport(w io.Writer, rep *orchestrator.Report) {
	s := trainSummary(rep)
	if rep.Status == ledger.StatusSkipped {
		fmt.Fprintf(w, "Artifacts already exist in %s; training skipped.\n", s.Dir)
		fmt.Fprintln(w, "Use --force to retrain or --clean to start over.")
		return
	}
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Snapshot:   %s\n", s.Dir)
	fmt.Fprintf(w, "Samples:    %d (benign %d, malicious %d), seed %d\n", s.Samples, rep.Benign, rep.Malicious, s.Seed)
	fmt.Fprintf(w, "Classifier: %s, held-out accuracy %.3f (baseline %.3f)\n", s.Family, s.HoldoutAccuracy, s.Baseline)
	fmt.Fprintln(w, "Clusters:")
	for id, a := range s.Mapping {
		fmt.Fprintf(w, "  %d -> %-22s %d rows\n", id, a, rep.Clusterer.Sizes[id])
	}
	fmt.Fprintf(w, "Agreement:  %.3f\n", s.Agreement)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
