package cluster

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// KMeansConfig configures Lloyd's algorithm with k-means++ seeding.
type KMeansConfig struct {
	K int `yaml:"k" json:"k"`

	// Restarts is the number of seeded runs; the lowest inertia wins and
	// equal inertia keeps the earlier restart.
	Restarts int `yaml:"restarts" json:"restarts"`

	// MaxIterations caps each restart. A restart that has not converged by
	// then is discarded.
	MaxIterations int `yaml:"max_iterations" json:"max_iterations"`

	// Tolerance is the total squared centroid movement treated as converged.
	Tolerance float64 `yaml:"tolerance" json:"tolerance"`

	Seed int64 `yaml:"seed" json:"seed"`
}

// DefaultKMeansConfig returns k=3, 10 restarts, 300 iterations.
func DefaultKMeansConfig() KMeansConfig {
	return KMeansConfig{
		K:             3,
		Restarts:      10,
		MaxIterations: 300,
		Tolerance:     1e-4,
		Seed:          42,
	}
}

// KMeansResult is the best restart of a k-means fit.
type KMeansResult struct {
	Centroids   [][]float64
	Assignments []int
	Sizes       []int
	Inertia     float64
	Iterations  int
	Restart     int
}

// kmeansState holds one restart's buffers, laid out row-major for BLAS.
type kmeansState struct {
	n, k, dim int

	vectors   []float64 // [n × dim]
	centroids []float64 // [k × dim]

	vectorNorms   []float64 // ||x_i||²
	centroidNorms []float64 // ||c_j||²

	dots []float64 // [n × k] x_i · c_j

	assignments []int
	previous    []int
	counts      []int

	newCentroids []float64
	objective    float64
}

func newKMeansState(rows [][]float64, k int) *kmeansState {
	n, dim := len(rows), len(rows[0])
	s := &kmeansState{
		n:             n,
		k:             k,
		dim:           dim,
		vectors:       make([]float64, n*dim),
		centroids:     make([]float64, k*dim),
		vectorNorms:   make([]float64, n),
		centroidNorms: make([]float64, k),
		dots:          make([]float64, n*k),
		assignments:   make([]int, n),
		previous:      make([]int, n),
		counts:        make([]int, k),
		newCentroids:  make([]float64, k*dim),
	}
	for i, row := range rows {
		copy(s.vectors[i*dim:(i+1)*dim], row)
		s.vectorNorms[i] = s.norm(s.vectors[i*dim : (i+1)*dim])
	}
	return s
}

func (s *kmeansState) row(i int) []float64      { return s.vectors[i*s.dim : (i+1)*s.dim] }
func (s *kmeansState) centroid(j int) []float64 { return s.centroids[j*s.dim : (j+1)*s.dim] }

func (s *kmeansState) norm(v []float64) float64 {
	n := len(v)
	return blas64.Dot(blas64.Vector{N: n, Inc: 1, Data: v}, blas64.Vector{N: n, Inc: 1, Data: v})
}

func (s *kmeansState) reset() {
	clear(s.centroids)
	clear(s.centroidNorms)
	clear(s.dots)
	clear(s.assignments)
	clear(s.counts)
	clear(s.newCentroids)
	for i := range s.previous {
		s.previous[i] = -1
	}
	s.objective = 0
}

// initPlusPlus seeds centroids with k-means++ using GEMV for the distances
// to each newly chosen centroid.
func (s *kmeansState) initPlusPlus(rng *rand.Rand) {
	first := rng.Intn(s.n)
	copy(s.centroid(0), s.row(first))

	distances := make([]float64, s.n)
	for i := range distances {
		distances[i] = math.MaxFloat64
	}
	dotProducts := make([]float64, s.n)

	for c := 1; c < s.k; c++ {
		prev := s.centroid(c - 1)
		prevNorm := s.norm(prev)

		blas64.Gemv(blas.NoTrans, 1.0,
			blas64.General{Rows: s.n, Cols: s.dim, Stride: s.dim, Data: s.vectors},
			blas64.Vector{N: s.dim, Inc: 1, Data: prev},
			0.0,
			blas64.Vector{N: s.n, Inc: 1, Data: dotProducts},
		)

		var total float64
		for i := 0; i < s.n; i++ {
			d := math.Max(0, s.vectorNorms[i]+prevNorm-2*dotProducts[i])
			if d < distances[i] {
				distances[i] = d
			}
			total += distances[i]
		}

		if total == 0 {
			idx := rng.Intn(s.n)
			copy(s.centroid(c), s.row(idx))
			continue
		}

		target := rng.Float64() * total
		var cumulative float64
		selected := s.n - 1
		for i, d := range distances {
			cumulative += d
			if cumulative >= target {
				selected = i
				break
			}
		}
		copy(s.centroid(c), s.row(selected))
	}
}

func (s *kmeansState) computeCentroidNorms() {
	for j := 0; j < s.k; j++ {
		s.centroidNorms[j] = s.norm(s.centroid(j))
	}
}

// computeDots fills dots = X @ C.T with a single GEMM.
func (s *kmeansState) computeDots() {
	blas64.Gemm(blas.NoTrans, blas.Trans, 1.0,
		blas64.General{Rows: s.n, Cols: s.dim, Stride: s.dim, Data: s.vectors},
		blas64.General{Rows: s.k, Cols: s.dim, Stride: s.dim, Data: s.centroids},
		0.0,
		blas64.General{Rows: s.n, Cols: s.k, Stride: s.k, Data: s.dots},
	)
}

func (s *kmeansState) distance(i, j int) float64 {
	return math.Max(0, s.vectorNorms[i]+s.centroidNorms[j]-2*s.dots[i*s.k+j])
}

// assign moves every row to its nearest centroid, lowest index on ties, and
// reports whether any assignment changed.
func (s *kmeansState) assign() bool {
	clear(s.counts)
	copy(s.previous, s.assignments)

	changed := false
	var total float64
	for i := 0; i < s.n; i++ {
		best, bestJ := math.MaxFloat64, 0
		for j := 0; j < s.k; j++ {
			if d := s.distance(i, j); d < best {
				best, bestJ = d, j
			}
		}
		if s.previous[i] != bestJ {
			changed = true
		}
		s.assignments[i] = bestJ
		s.counts[bestJ]++
		total += best
	}
	s.objective = total
	return changed
}

// updateCentroids recomputes cluster means with AXPY/SCAL and returns the
// total squared movement.
func (s *kmeansState) updateCentroids() float64 {
	clear(s.newCentroids)
	for i := 0; i < s.n; i++ {
		off := s.assignments[i] * s.dim
		blas64.Axpy(1.0,
			blas64.Vector{N: s.dim, Inc: 1, Data: s.row(i)},
			blas64.Vector{N: s.dim, Inc: 1, Data: s.newCentroids[off : off+s.dim]},
		)
	}
	for j := 0; j < s.k; j++ {
		off := j * s.dim
		if s.counts[j] > 0 {
			blas64.Scal(1.0/float64(s.counts[j]), blas64.Vector{N: s.dim, Inc: 1, Data: s.newCentroids[off : off+s.dim]})
		} else {
			copy(s.newCentroids[off:off+s.dim], s.centroids[off:off+s.dim])
		}
	}

	var shift float64
	for i := range s.centroids {
		d := s.newCentroids[i] - s.centroids[i]
		shift += d * d
	}
	s.centroids, s.newCentroids = s.newCentroids, s.centroids
	return shift
}

// reinitEmpty moves each empty centroid to the row farthest from its own
// centroid. It reports whether any cluster was empty.
func (s *kmeansState) reinitEmpty() bool {
	found := false
	var dist []float64
	for j := 0; j < s.k; j++ {
		if s.counts[j] != 0 {
			continue
		}
		if dist == nil {
			dist = make([]float64, s.n)
			for i := range dist {
				dist[i] = s.distance(i, s.assignments[i])
			}
		}
		found = true
		farIdx := 0
		for i := 1; i < s.n; i++ {
			if dist[i] > dist[farIdx] {
				farIdx = i
			}
		}
		copy(s.centroid(j), s.row(farIdx))
		dist[farIdx] = 0
	}
	return found
}

// run executes one restart. It returns the iterations used and whether the
// restart converged within the cap.
func (s *kmeansState) run(cfg KMeansConfig, rng *rand.Rand) (int, bool) {
	s.initPlusPlus(rng)
	s.computeCentroidNorms()

	for iter := 1; iter <= cfg.MaxIterations; iter++ {
		s.computeDots()
		changed := s.assign()
		if math.IsNaN(s.objective) || math.IsInf(s.objective, 0) {
			return iter, false
		}

		shift := s.updateCentroids()
		s.computeCentroidNorms()
		s.computeDots()
		reinit := s.reinitEmpty()
		s.computeCentroidNorms()

		if !reinit && (!changed || shift <= cfg.Tolerance) {
			s.computeDots()
			s.assign()
			return iter, true
		}
	}
	return cfg.MaxIterations, false
}

func (s *kmeansState) result(iterations, restart int) *KMeansResult {
	r := &KMeansResult{
		Centroids:   make([][]float64, s.k),
		Assignments: append([]int(nil), s.assignments...),
		Sizes:       append([]int(nil), s.counts...),
		Inertia:     s.objective,
		Iterations:  iterations,
		Restart:     restart,
	}
	for j := range r.Centroids {
		r.Centroids[j] = append([]float64(nil), s.centroid(j)...)
	}
	return r
}

// KMeans runs the configured number of seeded restarts sequentially, reusing
// one state, and returns the converged restart with the lowest inertia.
// Restart r draws from seed+r.
func KMeans(ctx context.Context, rows [][]float64, cfg KMeansConfig) (*KMeansResult, error) {
	if cfg.K <= 0 {
		return nil, fmt.Errorf("kmeans: k must be positive, got %d", cfg.K)
	}
	if len(rows) < cfg.K {
		return nil, fmt.Errorf("kmeans: %d rows cannot form %d clusters", len(rows), cfg.K)
	}
	dim := len(rows[0])
	for i, r := range rows {
		if len(r) != dim {
			return nil, fmt.Errorf("kmeans: row %d has %d columns, want %d", i, len(r), dim)
		}
	}
	if cfg.Restarts <= 0 {
		cfg.Restarts = 1
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultKMeansConfig().MaxIterations
	}

	state := newKMeansState(rows, cfg.K)
	var best *KMeansResult
	for restart := 0; restart < cfg.Restarts; restart++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state.reset()
		rng := rand.New(rand.NewSource(cfg.Seed + int64(restart)))
		iters, ok := state.run(cfg, rng)
		if !ok {
			continue
		}
		if best == nil || state.objective < best.Inertia {
			best = state.result(iters, restart)
		}
	}
	if best == nil {
		return nil, errNotConverged
	}
	return best, nil
}

var errNotConverged = fmt.Errorf("kmeans: no restart converged")
