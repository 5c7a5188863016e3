// Package dataset synthesizes labeled URL feature rows from declarative
// per-archetype profiles.
package dataset

import (
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/threat"
)

// DefaultSamples is the dataset size used when none is configured.
const DefaultSamples = 1000

// Label is the binary class of a sample.
type Label int

const (
	Benign Label = iota
	Malicious
)

func (l Label) String() string {
	if l == Malicious {
		return "malicious"
	}
	return "benign"
}

// Sample is one generated row. Archetype is generation metadata for
// validation only; it is empty for benign rows and never reaches the
// clusterer.
type Sample struct {
	Vector    features.Vector
	Encoded   []float64
	Label     Label
	Archetype threat.Archetype
}

// Dataset is an ordered collection of samples.
type Dataset struct {
	Samples []Sample
	Seed    int64
}

// Len returns the number of samples.
func (d *Dataset) Len() int {
	return len(d.Samples)
}

// Counts returns the number of benign and malicious samples.
func (d *Dataset) Counts() (benign, malicious int) {
	for _, s := range d.Samples {
		if s.Label == Malicious {
			malicious++
		} else {
			benign++
		}
	}
	return benign, malicious
}

// ArchetypeCounts tallies ground-truth tags among malicious samples.
func (d *Dataset) ArchetypeCounts() map[threat.Archetype]int {
	out := make(map[threat.Archetype]int, 3)
	for _, s := range d.Samples {
		if s.Label == Malicious {
			out[s.Archetype]++
		}
	}
	return out
}

// Matrix returns the encoded rows and 0/1 labels of every sample.
func (d *Dataset) Matrix() (x [][]float64, y []int) {
	x = make([][]float64, len(d.Samples))
	y = make([]int, len(d.Samples))
	for i, s := range d.Samples {
		x[i] = s.Encoded
		y[i] = int(s.Label)
	}
	return x, y
}

// Malicious returns the encoded malicious rows and, separately, their
// ground-truth tags. Only the rows are meant for fitting.
func (d *Dataset) Malicious() (rows [][]float64, tags []threat.Archetype) {
	for _, s := range d.Samples {
		if s.Label == Malicious {
			rows = append(rows, s.Encoded)
			tags = append(tags, s.Archetype)
		}
	}
	return rows, tags
}

// Generator draws datasets from a validated profile set.
type Generator struct {
	benign     *sampler
	archetypes map[threat.Archetype]*sampler
	names      []string
	logger     *slog.Logger
}

// NewGenerator validates profiles and prepares their samplers.
func NewGenerator(profiles *ProfileSet, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if profiles == nil {
		var err error
		if profiles, err = DefaultProfiles(); err != nil {
			return nil, err
		}
	} else if err := profiles.Validate(); err != nil {
		return nil, err
	}

	g := &Generator{
		benign:     compile(profiles.Benign),
		archetypes: make(map[threat.Archetype]*sampler, 3),
		names:      features.Names(),
		logger:     logger,
	}
	for _, a := range threat.All() {
		g.archetypes[a] = compile(profiles.Archetypes[a])
	}
	return g, nil
}

// ArchetypeQuotas splits the malicious half across archetypes. Counts differ
// by at most one; the remainder goes to archetypes in canonical order.
func ArchetypeQuotas(malicious int) map[threat.Archetype]int {
	all := threat.All()
	out := make(map[threat.Archetype]int, len(all))
	base, rem := malicious/len(all), malicious%len(all)
	for i, a := range all {
		out[a] = base
		if i < rem {
			out[a]++
		}
	}
	return out
}

// Generate produces n samples: floor(n/2) malicious, the rest benign. The
// same seed, n, and profiles always yield the same rows in the same order.
func (g *Generator) Generate(n int, seed int64) (*Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("dataset: sample count must be positive, got %d", n)
	}

	rng := rand.New(rand.NewSource(seed))
	malicious := n / 2
	benign := n - malicious
	quotas := ArchetypeQuotas(malicious)

	samples := make([]Sample, 0, n)
	for _, a := range threat.All() {
		for i := 0; i < quotas[a]; i++ {
			samples = append(samples, g.draw(rng, g.archetypes[a], Malicious, a))
		}
	}
	for i := 0; i < benign; i++ {
		samples = append(samples, g.draw(rng, g.benign, Benign, ""))
	}

	rng.Shuffle(len(samples), func(i, j int) {
		samples[i], samples[j] = samples[j], samples[i]
	})

	g.logger.Debug("generated synthetic dataset",
		"samples", n,
		"benign", benign,
		"malicious", malicious,
		"seed", seed,
	)

	return &Dataset{Samples: samples, Seed: seed}, nil
}

func (g *Generator) draw(rng *rand.Rand, s *sampler, label Label, a threat.Archetype) Sample {
	n := len(s.cumulative)
	vec := make(features.Vector, n)
	enc := make([]float64, n)
	for i := 0; i < n; i++ {
		j := s.draw(i, rng.Float64())
		vec[g.names[i]] = s.values[i][j]
		enc[i] = s.codes[i][j]
	}
	return Sample{Vector: vec, Encoded: enc, Label: label, Archetype: a}
}
