// Package plots renders the diagnostic charts saved next to the models.
package plots

import (
	"bytes"
	"fmt"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/adalundhe/threatlens/core/classifier"
	"github.com/adalundhe/threatlens/core/cluster"
	"github.com/adalundhe/threatlens/core/threat"
)

const (
	width  = 8 * vg.Inch
	height = 6 * vg.Inch
)

var palette = map[string]color.RGBA{
	"red":   {R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	"blue":  {R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	"green": {R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
}

var neutral = color.RGBA{R: 0x7f, G: 0x7f, B: 0x7f, A: 0xff}

func archetypeColor(a threat.Archetype) color.Color {
	p, ok := threat.Describe(a)
	if !ok {
		return neutral
	}
	if c, ok := palette[p.Color]; ok {
		return c
	}
	return neutral
}

// FeatureImportance draws a horizontal bar chart of the ranked importances
// with the most important feature on top, returned as PNG bytes.
func FeatureImportance(ranked []classifier.Importance, title string) ([]byte, error) {
	if len(ranked) == 0 {
		return nil, fmt.Errorf("plots: no importances to draw")
	}

	// Bars stack bottom-up, so reverse to put the top feature at the top.
	values := make(plotter.Values, len(ranked))
	names := make([]string, len(ranked))
	for i, imp := range ranked {
		j := len(ranked) - 1 - i
		values[j] = imp.Value
		names[j] = imp.Feature
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Relative importance"
	p.X.Min = 0

	bars, err := plotter.NewBarChart(values, vg.Points(14))
	if err != nil {
		return nil, fmt.Errorf("plots: importance bars: %w", err)
	}
	bars.Horizontal = true
	bars.Color = palette["blue"]
	bars.LineStyle.Width = 0

	p.Add(bars, plotter.NewGrid())
	p.NominalY(names...)

	return render(p)
}

// Clusters draws the PCA projection of the malicious rows colored by their
// attributed archetype, with centroids marked by crosses.
func Clusters(proj *cluster.Projection, assignments []int, mapping cluster.Mapping, title string) ([]byte, error) {
	if proj == nil || len(proj.Points) == 0 {
		return nil, fmt.Errorf("plots: empty projection")
	}
	if len(assignments) != len(proj.Points) {
		return nil, fmt.Errorf("plots: %d assignments for %d points", len(assignments), len(proj.Points))
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = fmt.Sprintf("PC1 (%.1f%%)", 100*proj.Explained[0])
	p.Y.Label.Text = fmt.Sprintf("PC2 (%.1f%%)", 100*proj.Explained[1])
	p.Add(plotter.NewGrid())

	for id, a := range mapping {
		var xys plotter.XYs
		for i, pt := range proj.Points {
			if assignments[i] == id {
				xys = append(xys, plotter.XY{X: pt.X, Y: pt.Y})
			}
		}
		if len(xys) == 0 {
			continue
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("plots: cluster %d: %w", id, err)
		}
		s.GlyphStyle = draw.GlyphStyle{
			Color:  archetypeColor(a),
			Radius: vg.Points(3),
			Shape:  draw.CircleGlyph{},
		}
		p.Add(s)
		p.Legend.Add(fmt.Sprintf("%s (cluster %d)", a.DisplayName(), id), s)
	}

	if len(proj.Centroids) > 0 {
		xys := make(plotter.XYs, len(proj.Centroids))
		for i, c := range proj.Centroids {
			xys[i] = plotter.XY{X: c.X, Y: c.Y}
		}
		s, err := plotter.NewScatter(xys)
		if err != nil {
			return nil, fmt.Errorf("plots: centroids: %w", err)
		}
		s.GlyphStyle = draw.GlyphStyle{
			Color:  color.Black,
			Radius: vg.Points(6),
			Shape:  draw.CrossGlyph{},
		}
		p.Add(s)
		p.Legend.Add("centroid", s)
	}
	p.Legend.Top = true

	return render(p)
}

func render(p *plot.Plot) ([]byte, error) {
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return nil, fmt.Errorf("plots: render: %w", err)
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("plots: encode png: %w", err)
	}
	return buf.Bytes(), nil
}
