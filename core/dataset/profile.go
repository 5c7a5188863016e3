package dataset

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/threat"
	"gopkg.in/yaml.v3"
)

//go:embed profiles.yaml
var defaultProfilesYAML []byte

// probabilityTolerance bounds how far a distribution may sum away from 1.
const probabilityTolerance = 1e-9

// Distribution maps each domain value of a feature to its probability.
type Distribution map[string]float64

// Profile assigns a distribution to every feature.
type Profile map[string]Distribution

// ProfileSet is the declarative description of the synthetic population:
// one clean profile for benign rows and one profile per archetype.
type ProfileSet struct {
	Benign     Profile                      `yaml:"benign"`
	Archetypes map[threat.Archetype]Profile `yaml:"archetypes"`
}

// DefaultProfiles returns the embedded profile set.
func DefaultProfiles() (*ProfileSet, error) {
	return ParseProfiles(defaultProfilesYAML)
}

// LoadProfiles reads a profile set from a yaml file.
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(data)
}

// ParseProfiles decodes and validates a yaml profile set.
func ParseProfiles(data []byte) (*ProfileSet, error) {
	var ps ProfileSet
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return nil, tlerrors.Wrap(tlerrors.KindSchema, "dataset.ParseProfiles", "decode yaml", err)
	}
	if err := ps.Validate(); err != nil {
		return nil, err
	}
	return &ps, nil
}

// Validate checks that every profile covers every feature with a proper
// distribution over its domain.
func (ps *ProfileSet) Validate() error {
	if err := validateProfile("benign", ps.Benign); err != nil {
		return err
	}
	for name := range ps.Archetypes {
		if _, err := threat.Parse(string(name)); err != nil {
			return err
		}
	}
	for _, a := range threat.All() {
		p, ok := ps.Archetypes[a]
		if !ok {
			return tlerrors.Newf(tlerrors.KindSchema, "dataset.Validate", "missing archetype profile %s", a)
		}
		if err := validateProfile(string(a), p); err != nil {
			return err
		}
	}
	return nil
}

func validateProfile(label string, p Profile) error {
	for name := range p {
		if _, err := features.Lookup(name); err != nil {
			return tlerrors.Wrap(tlerrors.KindSchema, "dataset.Validate", "profile "+label, err)
		}
	}
	for _, def := range features.Definitions() {
		dist, ok := p[def.Name]
		if !ok {
			return tlerrors.Newf(tlerrors.KindSchema, "dataset.Validate", "profile %s: missing feature %s", label, def.Name)
		}
		var sum float64
		for value, prob := range dist {
			if _, ok := def.Code(value); !ok {
				return tlerrors.Newf(tlerrors.KindSchema, "dataset.Validate", "profile %s: %s has value %q outside %v", label, def.Name, value, def.Values)
			}
			if prob < 0 || math.IsNaN(prob) {
				return tlerrors.Newf(tlerrors.KindSchema, "dataset.Validate", "profile %s: %s=%s has probability %v", label, def.Name, value, prob)
			}
			sum += prob
		}
		if math.Abs(sum-1) > probabilityTolerance {
			return tlerrors.Newf(tlerrors.KindSchema, "dataset.Validate", "profile %s: %s sums to %v", label, def.Name, sum)
		}
	}
	return nil
}

// Digest returns a stable hash of the profile set. It walks features and
// values in schema order so map iteration order never leaks in.
func (ps *ProfileSet) Digest() string {
	var b strings.Builder
	write := func(label string, p Profile) {
		b.WriteString(label)
		b.WriteByte('\n')
		for _, def := range features.Definitions() {
			b.WriteString(def.Name)
			for _, value := range def.Values {
				b.WriteByte(' ')
				b.WriteString(value)
				b.WriteByte('=')
				b.WriteString(strconv.FormatFloat(p[def.Name][value], 'g', -1, 64))
			}
			b.WriteByte('\n')
		}
	}
	write("benign", ps.Benign)
	for _, a := range threat.All() {
		write(string(a), ps.Archetypes[a])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// sampler draws domain values with cumulative tables laid out in schema
// order.
type sampler struct {
	cumulative [][]float64 // [feature][value]
	codes      [][]float64
	values     [][]string
}

func compile(p Profile) *sampler {
	defs := features.Definitions()
	s := &sampler{
		cumulative: make([][]float64, len(defs)),
		codes:      make([][]float64, len(defs)),
		values:     make([][]string, len(defs)),
	}
	for i, def := range defs {
		cum := make([]float64, len(def.Values))
		var acc float64
		for j, value := range def.Values {
			acc += p[def.Name][value]
			cum[j] = acc
		}
		s.cumulative[i] = cum
		s.codes[i] = def.Codes
		s.values[i] = def.Values
	}
	return s
}

// draw picks a value index for feature i given a uniform variate u in [0,1).
func (s *sampler) draw(i int, u float64) int {
	cum := s.cumulative[i]
	for j, c := range cum {
		if u < c {
			return j
		}
	}
	// Rounding can leave the last bucket a hair under 1.
	for j := len(cum) - 1; j >= 0; j-- {
		if j == 0 || cum[j] > cum[j-1] {
			return j
		}
	}
	return len(cum) - 1
}
