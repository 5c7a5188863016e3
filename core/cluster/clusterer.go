// Package cluster groups malicious URL rows into threat-actor clusters and
// names each cluster after the archetype its centroid most resembles.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/threat"
)

// Clusterer fits the threat-actor model on malicious rows.
type Clusterer struct {
	config KMeansConfig
	logger *slog.Logger
}

// NewClusterer creates a clusterer. The archetype mapping is a bijection, so
// K must equal the number of archetypes.
func NewClusterer(cfg KMeansConfig, logger *slog.Logger) (*Clusterer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.K == 0 {
		cfg.K = len(threat.All())
	}
	if cfg.K != len(threat.All()) {
		return nil, fmt.Errorf("cluster: k must be %d, got %d", len(threat.All()), cfg.K)
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("cluster: tolerance must be non-negative")
	}
	return &Clusterer{config: cfg, logger: logger}, nil
}

// Model is a fitted clusterer with its archetype mapping.
type Model struct {
	K          int         `json:"k"`
	Features   []string    `json:"features"`
	Centroids  [][]float64 `json:"centroids"`
	Mapping    Mapping     `json:"mapping"`
	Sizes      []int       `json:"sizes"`
	Inertia    float64     `json:"inertia"`
	Iterations int         `json:"iterations"`
	Restart    int         `json:"restart"`
	Margin     float64     `json:"margin"`
	Seed       int64       `json:"seed"`
}

// Fit clusters rows, which must be malicious samples only, and derives the
// mapping from the centroids.
func (c *Clusterer) Fit(ctx context.Context, rows [][]float64) (*Model, error) {
	const op = "cluster.Fit"
	start := time.Now()

	for i, r := range rows {
		if err := features.ValidateRow(r); err != nil {
			return nil, tlerrors.Wrap(tlerrors.KindSchema, op, fmt.Sprintf("row %d", i), err)
		}
	}
	if len(rows) < c.config.K {
		return nil, tlerrors.Newf(tlerrors.KindClustering, op, "%d malicious rows cannot form %d clusters", len(rows), c.config.K)
	}

	res, err := KMeans(ctx, rows, c.config)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, tlerrors.Wrap(tlerrors.KindClustering, op, "k-means failed", err)
	}

	mapping, margin, err := Assign(res.Centroids, res.Sizes)
	if err != nil {
		return nil, err
	}

	m := &Model{
		K:          c.config.K,
		Features:   features.Names(),
		Centroids:  res.Centroids,
		Mapping:    mapping,
		Sizes:      res.Sizes,
		Inertia:    res.Inertia,
		Iterations: res.Iterations,
		Restart:    res.Restart,
		Margin:     margin,
		Seed:       c.config.Seed,
	}

	c.logger.Info("fitted threat clusters",
		"rows", len(rows),
		"inertia", res.Inertia,
		"iterations", res.Iterations,
		"restart", res.Restart,
		"sizes", res.Sizes,
		"mapping", mapping,
		"margin", margin,
		"duration", time.Since(start),
	)
	return m, nil
}

// Predict returns the id of the nearest centroid; ties go to the lower id.
func (m *Model) Predict(row []float64) (int, error) {
	if err := features.ValidateRow(row); err != nil {
		return 0, err
	}
	best, bestID := math.Inf(1), 0
	for id, c := range m.Centroids {
		var d float64
		for j := range c {
			diff := row[j] - c[j]
			d += diff * diff
		}
		if d < best {
			best, bestID = d, id
		}
	}
	return bestID, nil
}

// Attribute returns the archetype and raw cluster id for a row.
func (m *Model) Attribute(row []float64) (threat.Archetype, int, error) {
	id, err := m.Predict(row)
	if err != nil {
		return "", 0, err
	}
	a, ok := m.Mapping.Archetype(id)
	if !ok {
		return "", id, tlerrors.Newf(tlerrors.KindArtifactCorrupt, "cluster.Attribute", "cluster %d has no archetype", id)
	}
	return a, id, nil
}

// Agreement is the share of rows whose attributed archetype equals its
// ground-truth tag.
func (m *Model) Agreement(rows [][]float64, tags []threat.Archetype) (float64, error) {
	if len(rows) != len(tags) {
		return 0, fmt.Errorf("cluster: %d rows but %d tags", len(rows), len(tags))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	var hit int
	for i, r := range rows {
		a, _, err := m.Attribute(r)
		if err != nil {
			return 0, err
		}
		if a == tags[i] {
			hit++
		}
	}
	return float64(hit) / float64(len(rows)), nil
}

// Validate checks a decoded model against the schema.
func (m *Model) Validate() error {
	const op = "cluster.Validate"
	names := features.Names()
	if len(m.Features) != len(names) {
		return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "model has %d features, schema has %d", len(m.Features), len(names))
	}
	for i, n := range names {
		if m.Features[i] != n {
			return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "feature %d is %q, want %q", i, m.Features[i], n)
		}
	}
	if m.K != len(threat.All()) || len(m.Centroids) != m.K {
		return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "model has k=%d with %d centroids", m.K, len(m.Centroids))
	}
	for id, c := range m.Centroids {
		if len(c) != len(names) {
			return tlerrors.Newf(tlerrors.KindArtifactCorrupt, op, "centroid %d has %d dims", id, len(c))
		}
	}
	if err := m.Mapping.Validate(); err != nil {
		return tlerrors.Wrap(tlerrors.KindArtifactCorrupt, op, "invalid mapping", err)
	}
	return nil
}

// Encode writes the model as JSON.
func (m *Model) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(m)
}

// Decode reads and validates a JSON model.
func Decode(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindArtifactCorrupt, "cluster.Decode", "invalid model json", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
