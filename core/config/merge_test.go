package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOverlayStructs(t *testing.T) {
	dst := DefaultConfig()
	src := &Config{
		Seed:    7,
		Dataset: DatasetConfig{Samples: 200},
	}

	Overlay(dst, src)

	assert.Equal(t, int64(7), dst.Seed)
	assert.Equal(t, 200, dst.Dataset.Samples)
	assert.Equal(t, "models", dst.Artifacts.Dir, "zero value must not override")
	assert.Equal(t, DefaultCreatedAt, dst.CreatedAt)
}

func TestOverlayTime(t *testing.T) {
	dst := DefaultConfig()
	ts := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	Overlay(dst, &Config{CreatedAt: ts})
	assert.Equal(t, ts, dst.CreatedAt)
}

func TestOverlaySlicesReplace(t *testing.T) {
	dst := DefaultConfig()
	Overlay(dst, &Config{Classifier: ClassifierConfig{Candidates: []string{"gradient_boosting"}}})
	assert.Equal(t, []string{"gradient_boosting"}, dst.Classifier.Candidates)
}

func TestOverlayMaps(t *testing.T) {
	type S struct {
		M map[string]int
	}
	dst := &S{M: map[string]int{"a": 1, "b": 2}}
	Overlay(dst, &S{M: map[string]int{"b": 20, "c": 3}})
	assert.Equal(t, map[string]int{"a": 1, "b": 20, "c": 3}, dst.M)
}

func TestOverlayIgnoresMismatchedTypes(t *testing.T) {
	dst := DefaultConfig()
	Overlay(dst, &DatasetConfig{Samples: 5})
	Overlay(*dst, &Config{Seed: 5})
	assert.Equal(t, int64(42), dst.Seed)
	assert.Equal(t, 1000, dst.Dataset.Samples)
}
