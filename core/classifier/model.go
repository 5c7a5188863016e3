package classifier

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"gonum.org/v1/gonum/floats"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
)

// CandidateScore is the held-out result of one family.
type CandidateScore struct {
	Family   Family  `json:"family"`
	Score    float64 `json:"score"`
	Accuracy float64 `json:"accuracy"`
	F1       float64 `json:"f1"`
}

// Evaluation summarizes candidate selection.
type Evaluation struct {
	Metric      Metric           `json:"metric"`
	Selected    Family           `json:"selected"`
	Score       float64          `json:"score"`
	Accuracy    float64          `json:"accuracy"`
	Baseline    float64          `json:"baseline"`
	Candidates  []CandidateScore `json:"candidates"`
	TrainSize   int              `json:"train_size"`
	HoldoutSize int              `json:"holdout_size"`
}

// Classifier is a trained benign/malicious model. Exactly one of Forest and
// Boosted is set, according to Family.
type Classifier struct {
	Family      Family     `json:"family"`
	Features    []string   `json:"features"`
	Importances []float64  `json:"importances"`
	Evaluation  Evaluation `json:"evaluation"`
	Forest      *Forest    `json:"forest,omitempty"`
	Boosted     *Boosted   `json:"boosted,omitempty"`
}

// Importance is one ranked feature importance.
type Importance struct {
	Feature string
	Value   float64
}

// PredictProba returns P(malicious) for an encoded row.
func (c *Classifier) PredictProba(row []float64) (float64, error) {
	if err := features.ValidateRow(row); err != nil {
		return 0, err
	}
	if c.Boosted != nil {
		return c.Boosted.PredictProba(row), nil
	}
	if c.Forest != nil {
		return c.Forest.PredictProba(row), nil
	}
	return 0, fmt.Errorf("classifier %s has no fitted model", c.Family)
}

// Predict returns the label (1 malicious) and the probability of that label.
func (c *Classifier) Predict(row []float64) (label int, confidence float64, err error) {
	p, err := c.PredictProba(row)
	if err != nil {
		return 0, 0, err
	}
	if p >= 0.5 {
		return 1, p, nil
	}
	return 0, 1 - p, nil
}

// RankedImportances returns feature importances in descending order; equal
// values keep schema order.
func (c *Classifier) RankedImportances() []Importance {
	out := make([]Importance, len(c.Features))
	for i, name := range c.Features {
		out[i] = Importance{Feature: name}
		if i < len(c.Importances) {
			out[i].Value = c.Importances[i]
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Value > out[j].Value })
	return out
}

// Validate checks the decoded model against the feature schema.
func (c *Classifier) Validate() error {
	const op = "classifier.Validate"
	names := features.Names()
	if len(c.Features) != len(names) {
		return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "model has %d features, schema has %d", len(c.Features), len(names))
	}
	for i, n := range names {
		if c.Features[i] != n {
			return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "feature %d is %q, want %q", i, c.Features[i], n)
		}
	}
	if len(c.Importances) != len(names) {
		return tlerrors.New(tlerrors.KindArtifactCorrupt, op, "importance vector has wrong length")
	}

	var trees []*Tree
	switch c.Family {
	case ExtraTrees, RandomForest:
		if c.Forest == nil {
			return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "%s model missing forest", c.Family)
		}
		trees = c.Forest.Trees
	case GradientBoosting:
		if c.Boosted == nil {
			return tlerrors.New(tlerrors.KindArtifactCorrupt, op, "gradient_boosting model missing trees")
		}
		trees = c.Boosted.Trees
	default:
		return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "unknown family %q", c.Family)
	}
	if len(trees) == 0 {
		return tlerrors.New(tlerrors.KindArtifactCorrupt, op, "model has no trees")
	}
	for ti, t := range trees {
		if err := validateTree(t, len(names)); err != nil {
			return tlerrors.Wrap(tlerrors.KindArtifactCorrupt, op, fmt.Sprintf("tree %d", ti), err)
		}
	}
	return nil
}

// validateTree checks that every child index points forward, which also
// rules out cycles.
func validateTree(t *Tree, dim int) error {
	if t == nil || len(t.Nodes) == 0 {
		return fmt.Errorf("empty tree")
	}
	for i, n := range t.Nodes {
		if n.Left == leafNode {
			continue
		}
		if n.Feature < 0 || n.Feature >= dim {
			return fmt.Errorf("node %d: feature %d out of range", i, n.Feature)
		}
		if n.Left <= i || n.Right <= i || n.Left >= len(t.Nodes) || n.Right >= len(t.Nodes) {
			return fmt.Errorf("node %d: bad child index", i)
		}
	}
	return nil
}

// Encode writes the model as JSON.
func (c *Classifier) Encode(w io.Writer) error {
	enc := json.NewEncoder(w)
	return enc.Encode(c)
}

// Decode reads and validates a JSON model.
func Decode(r io.Reader) (*Classifier, error) {
	var c Classifier
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, "classifier.Decode", "invalid model json", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// normalize scales importances to sum to 1. An all-zero vector (no split was
// ever made) becomes uniform.
func normalize(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	for i := range out {
		if out[i] < 0 {
			out[i] = 0
		}
	}
	sum := floats.Sum(out)
	if sum <= 0 {
		for i := range out {
			out[i] = 1 / float64(len(out))
		}
		return out
	}
	floats.Scale(1/sum, out)
	return out
}
