package cluster

import (
	"fmt"
	"math"

	tlerrors "github.com/adalundhe/threatlens/core/errors"
	"github.com/adalundhe/threatlens/core/features"
	"github.com/adalundhe/threatlens/core/threat"
)

// mappingTolerance is the smallest total-score margin that separates the best
// cluster assignment from the runner-up.
const mappingTolerance = 1e-9

// Mapping assigns each raw cluster id (the index) an archetype.
type Mapping []threat.Archetype

// Archetype returns the archetype of cluster id, or false if id is out of
// range.
func (m Mapping) Archetype(id int) (threat.Archetype, bool) {
	if id < 0 || id >= len(m) {
		return "", false
	}
	return m[id], true
}

// Cluster returns the cluster id mapped to a, or -1.
func (m Mapping) Cluster(a threat.Archetype) int {
	for i, v := range m {
		if v == a {
			return i
		}
	}
	return -1
}

// Validate checks that m is a bijection onto the archetype set.
func (m Mapping) Validate() error {
	all := threat.All()
	if len(m) != len(all) {
		return fmt.Errorf("mapping has %d clusters, want %d", len(m), len(all))
	}
	seen := make(map[threat.Archetype]bool, len(all))
	for id, a := range m {
		if a.Tag() < 0 {
			return fmt.Errorf("cluster %d mapped to unknown archetype %q", id, a)
		}
		if seen[a] {
			return fmt.Errorf("archetype %s mapped twice", a)
		}
		seen[a] = true
	}
	return nil
}

// ArchetypeScores rates how strongly a centroid resembles each archetype, in
// threat.All() order. Centroid coordinates are feature means over the
// encoded -1..1 scale.
//
//	organized_cybercrime: mean(IP, shortener, @) + (1 - |sophistication|)
//	state_sponsored:      mean(URL length, -SSL, subdomains, sophistication)
//	hacktivist:           2*political + (1 - |sophistication|)/2
func ArchetypeScores(centroid []float64) []float64 {
	at := func(name string) float64 { return centroid[features.MustIndex(name)] }

	soph := at(features.SophisticationLevel)
	cyber := (at(features.HavingIPAddress)+at(features.ShorteningService)+at(features.HavingAtSymbol))/3 +
		(1 - math.Abs(soph))
	state := (at(features.URLLength) - at(features.SSLFinalState) + at(features.HavingSubDomain) + soph) / 4
	hack := 2*at(features.HasPoliticalKeyword) + (1-math.Abs(soph))/2

	return []float64{cyber, state, hack}
}

// ScoreMatrix returns S[cluster][archetype] for every centroid.
func ScoreMatrix(centroids [][]float64) [][]float64 {
	s := make([][]float64, len(centroids))
	for i, c := range centroids {
		s[i] = ArchetypeScores(c)
	}
	return s
}

// Assign picks the bijection between clusters and archetypes that maximizes
// the total score. A runner-up within mappingTolerance of the best is an
// ambiguous mapping and fails with a ClusteringError, as does any empty
// cluster.
func Assign(centroids [][]float64, sizes []int) (Mapping, float64, error) {
	const op = "cluster.Assign"
	all := threat.All()
	if len(centroids) != len(all) {
		return nil, 0, tlerrors.Newf(tlerrors.KindClustering, op, "need %d clusters, got %d", len(all), len(centroids))
	}
	for id, n := range sizes {
		if n == 0 {
			return nil, 0, tlerrors.Newf(tlerrors.KindClustering, op, "cluster %d is empty", id)
		}
	}

	scores := ScoreMatrix(centroids)
	best, second := math.Inf(-1), math.Inf(-1)
	var bestPerm []int
	for _, perm := range permutations(len(all)) {
		var total float64
		for cluster, a := range perm {
			total += scores[cluster][a]
		}
		switch {
		case total > best:
			second = best
			best = total
			bestPerm = perm
		case total > second:
			second = total
		}
	}

	if best-second <= mappingTolerance {
		return nil, 0, tlerrors.Newf(tlerrors.KindClustering, op,
			"ambiguous cluster mapping: best total %.6f, runner-up %.6f", best, second)
	}

	m := make(Mapping, len(bestPerm))
	for cluster, a := range bestPerm {
		m[cluster] = all[a]
	}
	return m, best - second, nil
}

// permutations returns every ordering of 0..n-1 in lexicographic order.
func permutations(n int) [][]int {
	var out [][]int
	perm := make([]int, n)
	used := make([]bool, n)
	var walk func(pos int)
	walk = func(pos int) {
		if pos == n {
			out = append(out, append([]int(nil), perm...))
			return
		}
		for v := 0; v < n; v++ {
			if used[v] {
				continue
			}
			used[v] = true
			perm[pos] = v
			walk(pos + 1)
			used[v] = false
		}
	}
	walk(0)
	return out
}
