package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/inference"
)

type classifyOptions struct {
	set  []string
	file string
	list bool
	json bool
}

func newClassifyCmd(g *globalOptions) *cobra.Command {
	o := &classifyOptions{}
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "Classify one feature vector and attribute it if malicious",
		Long: `Classify a URL described by its 14 indicator features. Features are given
with repeated --set name=value flags or as a JSON object in --file ("-" reads
stdin). Features left unset take their lowest domain value.

Examples:
  threatlens classify --list
  threatlens classify --set having_IP_Address=yes --set SSLfinal_State=none
  echo '{"Abnormal_URL":"yes"}' | threatlens classify --file - --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if o.list {
				printSchema(cmd.OutOrStdout())
				return nil
			}
			return runClassify(cmd, g, o)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&o.set, "set", nil, "feature assignment name=value (repeatable)")
	f.StringVar(&o.file, "file", "", "JSON object of feature values")
	f.BoolVar(&o.list, "list", false, "list features and their values")
	f.BoolVar(&o.json, "json", false, "print the analysis as JSON")
	return cmd
}

func runClassify(cmd *cobra.Command, g *globalOptions, o *classifyOptions) error {
	v, err := buildVector(cmd.InOrStdin(), o)
	if err != nil {
		return err
	}

	store, err := g.openStore()
	if err != nil {
		return err
	}
	engine, err := inference.NewEngine(store, inference.WithLogger(g.logger))
	if err != nil {
		return loadHint(err)
	}
	a, err := engine.Analyze(v)
	if err != nil {
		return err
	}

	if o.json {
		return writeJSON(cmd.OutOrStdout(), analysisJSON(a))
	}
	printAnalysis(cmd.OutOrStdout(), a)
	return nil
}

// buildVector starts from the lowest value of every feature and applies
// the file, then the --set flags.
func buildVector(stdin io.Reader, o *classifyOptions) (features.Vector, error) {
	v := features.Vector{}
	for _, d := range features.Definitions() {
		v[d.Name] = d.Values[0]
	}

	if o.file != "" {
		var r io.Reader = stdin
		if o.file != "-" {
			f, err := os.Open(o.file)
			if err != nil {
				return nil, err
			}
			defer f.Close()
			r = f
		}
		var fromFile map[string]string
		if err := json.NewDecoder(r).Decode(&fromFile); err != nil {
			return nil, tlerrors.Wrap(tlerrors.KindSchema, "classify", "decode feature file", err)
		}
		for name, value := range fromFile {
			v[name] = value
		}
	}

	for _, kv := range o.set {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, tlerrors.Newf(tlerrors.KindSchema, "classify", "--set %q is not name=value", kv)
		}
		v[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return v, v.Validate()
}

// loadHint points the operator at retraining when artifacts are unusable.
func loadHint(err error) error {
	if tlerrors.IsLoadFailure(err) {
		return fmt.Errorf("%w\nrun `threatlens train --clean` to rebuild the models", err)
	}
	return err
}

type analysisOutput struct {
	Label       string       `json:"label"`
	Confidence  float64      `json:"confidence"`
	Probability float64      `json:"probability_malicious"`
	Archetype   string       `json:"archetype,omitempty"`
	ClusterID   *int         `json:"cluster_id,omitempty"`
	Profile     string       `json:"profile,omitempty"`
	RiskScore   int          `json:"risk_score"`
	Risk        []riskOutput `json:"risk"`
}

type riskOutput struct {
	Indicator string `json:"indicator"`
	Points    int    `json:"points"`
}

func analysisJSON(a inference.Analysis) analysisOutput {
	out := analysisOutput{
		Label:       a.Classification.Label.String(),
		Confidence:  a.Classification.Confidence,
		Probability: a.Classification.Probability,
		RiskScore:   a.RiskScore,
	}
	if attr := a.Attribution; attr != nil {
		id := attr.ClusterID
		out.Archetype = string(attr.Archetype)
		out.ClusterID = &id
		out.Profile = attr.Profile.Description
	}
	for _, r := range a.Risk {
		out.Risk = append(out.Risk, riskOutput{Indicator: r.Indicator, Points: r.Points})
	}
	return out
}

func printAnalysis(w io.Writer, a inference.Analysis) {
	c := a.Classification
	fmt.Fprintf(w, "Verdict:    %s (confidence %.1f%%)\n", strings.ToUpper(c.Label.String()), c.Confidence*100)
	if attr := a.Attribution; attr != nil {
		p := attr.Profile
		fmt.Fprintf(w, "Attributed: %s\n", p.Name)
		fmt.Fprintf(w, "  %s\n", p.Description)
		fmt.Fprintf(w, "  Motivations:     %s\n", p.Motivations)
		fmt.Fprintf(w, "  Typical targets: %s\n", p.TypicalTargets)
		for _, ch := range p.Characteristics {
			fmt.Fprintf(w, "  - %s\n", ch)
		}
	}
	fmt.Fprintf(w, "Risk score: %d\n", a.RiskScore)
	for _, r := range a.Risk {
		if r.Points > 0 {
			fmt.Fprintf(w, "  %-20s +%d\n", r.Indicator, r.Points)
		}
	}
}

func printSchema(w io.Writer) {
	for _, d := range features.Definitions() {
		fmt.Fprintf(w, "%-26s %-8s %s\n", d.Name, d.Kind, strings.Join(d.Values, " | "))
	}
}
