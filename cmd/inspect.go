package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/adalundhe/threatlens/core/artifacts"
	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/ledger"
	"github.com/adalundhe/threatlens/core/threat"
)

type inspectOptions struct {
	runs int
	json bool
}

func newInspectCmd(g *globalOptions) *cobra.Command {
	o := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the committed artifact set",
		Long: `Verify and describe the current artifact set: run metadata, the selected
classifier with its candidate scores, ranked feature importances and the
cluster-to-archetype mapping.

With --runs, list recent runs from the ledger instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.runs > 0 {
				return runInspectLedger(cmd, g, o)
			}
			return runInspect(cmd, g, o)
		},
	}
	cmd.Flags().IntVar(&o.runs, "runs", 0, "list the N most recent ledger records")
	cmd.Flags().BoolVar(&o.json, "json", false, "print as JSON")
	return cmd
}

type inspectReport struct {
	Dir         string                  `json:"dir"`
	Manifest    *artifacts.Manifest     `json:"manifest"`
	Family      classifier.Family       `json:"family"`
	Evaluation  classifier.Evaluation   `json:"evaluation"`
	Importances []classifier.Importance `json:"importances"`
	Clusters    []inspectCluster        `json:"clusters"`
}

type inspectCluster struct {
	ID        int              `json:"id"`
	Archetype threat.Archetype `json:"archetype"`
	Size      int              `json:"size"`
}

func runInspect(cmd *cobra.Command, g *globalOptions, o *inspectOptions) error {
	store, err := g.openStore()
	if err != nil {
		return err
	}
	set, err := store.Load()
	if err != nil {
		return loadHint(err)
	}

	rep := inspectReport{
		Dir:         set.Dir,
		Manifest:    set.Manifest,
		Family:      set.Classifier.Family,
		Evaluation:  set.Classifier.Evaluation,
		Importances: set.Classifier.RankedImportances(),
	}
	for id, a := range set.Clusterer.Mapping {
		rep.Clusters = append(rep.Clusters, inspectCluster{ID: id, Archetype: a, Size: set.Clusterer.Sizes[id]})
	}
	if o.json {
		return writeJSON(cmd.OutOrStdout(), rep)
	}
	printInspect(cmd.OutOrStdout(), rep)
	return nil
}

func printInspect(w io.Writer, rep inspectReport) {
	m := rep.Manifest
	fmt.Fprintf(w, "Snapshot:  %s (v%d)\n", rep.Dir, m.Version)
	fmt.Fprintf(w, "Run:       %s  seed %d  samples %d  created %s\n",
		m.Run.RunID, m.Run.Seed, m.Run.Samples, m.Run.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))

	ev := rep.Evaluation
	fmt.Fprintf(w, "\nClassifier: %s (%s %.3f, accuracy %.3f, baseline %.3f, %d train / %d held out)\n",
		rep.Family, ev.Metric, ev.Score, ev.Accuracy, ev.Baseline, ev.TrainSize, ev.HoldoutSize)
	for _, c := range ev.Candidates {
		fmt.Fprintf(w, "  %-18s %.4f\n", c.Family, c.Score)
	}

	fmt.Fprintln(w, "\nFeature importance:")
	for _, imp := range rep.Importances {
		fmt.Fprintf(w, "  %-26s %.4f\n", imp.Feature, imp.Value)
	}

	fmt.Fprintln(w, "\nClusters:")
	for _, c := range rep.Clusters {
		fmt.Fprintf(w, "  %d -> %-22s %d rows\n", c.ID, c.Archetype, c.Size)
	}

	fmt.Fprintln(w, "\nFiles:")
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-28s %s\n", name, m.Files[name][:12])
	}
}

func runInspectLedger(cmd *cobra.Command, g *globalOptions, o *inspectOptions) error {
	l, err := ledger.Open(g.cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer l.Close()

	records, err := l.List(cmd.Context(), o.runs)
	if err != nil {
		return err
	}
	if o.json {
		return writeJSON(cmd.OutOrStdout(), records)
	}
	w := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(w, "No recorded runs.")
		return nil
	}
	for _, r := range records {
		line := fmt.Sprintf("%s  %-9s seed %-6d samples %-6d", r.StartedAt.Format("2006-01-02 15:04:05"), r.Status, r.Seed, r.Samples)
		switch {
		case r.Status == ledger.StatusFailed:
			line += fmt.Sprintf(" stage %s: %s", r.Stage, r.Error)
		case r.Family != "":
			line += fmt.Sprintf(" %s acc %.3f %s", r.Family, r.HoldoutAccuracy, r.Snapshot)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}
