package cluster

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Point is a row projected onto the first two principal components.
type Point struct {
	X, Y float64
}

// Projection is a 2-D PCA view of clustered rows.
type Projection struct {
	Points    []Point
	Centroids []Point

	// Explained is the variance share of each of the two components.
	Explained [2]float64
}

// Project fits PCA on rows and projects both rows and centroids onto the
// first two components.
func Project(rows, centroids [][]float64) (*Projection, error) {
	if len(rows) < 2 {
		return nil, fmt.Errorf("projection: need at least 2 rows, got %d", len(rows))
	}
	n, d := len(rows), len(rows[0])

	x := mat.NewDense(n, d, nil)
	for i, r := range rows {
		x.SetRow(i, r)
	}

	var pc stat.PC
	if ok := pc.PrincipalComponents(x, nil); !ok {
		return nil, fmt.Errorf("projection: principal component analysis failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)
	vars := pc.VarsTo(nil)

	_, comps := vecs.Dims()
	k := min(2, comps)
	basis := vecs.Slice(0, d, 0, k)

	mean := make([]float64, d)
	for j := 0; j < d; j++ {
		mean[j] = stat.Mean(mat.Col(nil, j, x), nil)
	}

	p := &Projection{
		Points:    project(rows, mean, basis, k),
		Centroids: project(centroids, mean, basis, k),
	}
	var total float64
	for _, v := range vars {
		total += v
	}
	if total > 0 {
		for i := 0; i < k; i++ {
			p.Explained[i] = vars[i] / total
		}
	}
	return p, nil
}

func project(rows [][]float64, mean []float64, basis mat.Matrix, k int) []Point {
	if len(rows) == 0 {
		return nil
	}
	d := len(mean)
	centered := mat.NewDense(len(rows), d, nil)
	for i, r := range rows {
		for j := 0; j < d; j++ {
			centered.Set(i, j, r[j]-mean[j])
		}
	}
	var out mat.Dense
	out.Mul(centered, basis)

	pts := make([]Point, len(rows))
	for i := range pts {
		pts[i].X = out.At(i, 0)
		if k > 1 {
			pts[i].Y = out.At(i, 1)
		}
	}
	return pts
}
