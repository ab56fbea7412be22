package collab

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"strings"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Plane selects the two world axes an evaluation plot is drawn on
type Plane int

const (
	PlaneXY Plane = iota
	PlaneXZ
	PlaneYZ
)

// ParsePlane parses "xy", "xz" or "yz"; the empty string selects xz
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(s) {
	case "xy":
		return PlaneXY, nil
	case "xz", "":
		return PlaneXZ, nil
	case "yz":
		return PlaneYZ, nil
	}
	return 0, fmt.Errorf("%w: unknown plot plane %q", ErrInvalidConfig, s)
}

// Project drops the axis normal to the plane
func (p Plane) Project(v Vec3) orb.Point {
	switch p {
	case PlaneXY:
		return orb.Point{v.X, v.Y}
	case PlaneYZ:
		return orb.Point{v.Y, v.Z}
	default:
		return orb.Point{v.X, v.Z}
	}
}

// TierColor returns the plot colour of bin i out of n tiers: tight tiers are
// green, loose tiers blue and the overflow bin red
func TierColor(i, n int) color.RGBA {
	if i < 0 || i >= n {
		return color.RGBA{R: 255, A: 255}
	}
	if n == 1 {
		return color.RGBA{G: 255, A: 255}
	}
	t := float64(i) / float64(n-1)
	return color.RGBA{G: uint8(255 * (1 - t)), B: uint8(255 * t), A: 255}
}

// EvalPlot draws a classification top-down: the training trajectory, every
// binned test pose coloured by tier and a link to its closest training pose.
type EvalPlot struct {
	Train      []Pose
	Result     *Classification
	Plane      Plane
	Scale      float64 // millimetres per world unit
	Padding    float64 // world units around the data
	Resolution canvas.Resolution
}

// NewEvalPlot creates a plot with default scale and padding
func NewEvalPlot(train []Pose, result *Classification, plane Plane) *EvalPlot {
	return &EvalPlot{
		Train:      train,
		Result:     result,
		Plane:      plane,
		Scale:      100,
		Padding:    0.5,
		Resolution: canvas.DPI(150),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// Bound returns the padded world extent of everything the plot draws
func (p *EvalPlot) Bound() orb.Bound {
	var pts orb.MultiPoint
	for _, tp := range p.Train {
		pts = append(pts, p.Plane.Project(tp.Translation))
	}
	if p.Result != nil {
		for _, bin := range p.Result.Bins {
			for _, e := range bin {
				pts = append(pts, p.Plane.Project(e.Test.Translation), p.Plane.Project(e.Estimate.Translation))
			}
		}
	}
	if len(pts) == 0 {
		pts = orb.MultiPoint{{0, 0}}
	}
	return pts.Bound().Pad(p.Padding)
}

func (p *EvalPlot) size() (float64, float64) {
	b := p.Bound()
	return (b.Max[0] - b.Min[0]) * p.Scale, (b.Max[1] - b.Min[1]) * p.Scale
}

// RenderSVG writes the plot as SVG
func (p *EvalPlot) RenderSVG(w io.Writer) error {
	width, height := p.size()
	r := svg.New(w, width, height, nil)
	p.render(r, width, height)
	return r.Close()
}

// RenderPNG writes the plot as PNG with a text legend
func (p *EvalPlot) RenderPNG(w io.Writer) error {
	width, height := p.size()
	rast := rasterizer.New(width, height, p.Resolution, canvas.DefaultColorSpace)
	p.render(rast, width, height)
	p.drawLegend(rast)
	return png.Encode(w, rast)
}

func (p *EvalPlot) render(r canvasRenderer, width, height float64) {
	b := p.Bound()
	toCanvas := func(v Vec3) (float64, float64) {
		pt := p.Plane.Project(v)
		return (pt[0] - b.Min[0]) * p.Scale, (pt[1] - b.Min[1]) * p.Scale
	}

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	if len(p.Train) > 1 {
		trajStyle := canvas.DefaultStyle
		trajStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trajStyle.Stroke = canvas.Paint{Color: canvas.Gray}
		trajStyle.StrokeWidth = 0.5

		path := &canvas.Path{}
		for i, tp := range p.Train {
			x, y := toCanvas(tp.Translation)
			if i == 0 {
				path.MoveTo(x, y)
			} else {
				path.LineTo(x, y)
			}
		}
		r.RenderPath(path, trajStyle, canvas.Identity)
	}

	if p.Result == nil {
		return
	}
	n := len(p.Result.Tiers)
	for bi, bin := range p.Result.Bins {
		c := TierColor(bi, n)

		link := canvas.DefaultStyle
		link.Fill = canvas.Paint{Color: canvas.Transparent}
		link.Stroke = canvas.Paint{Color: c}
		link.StrokeWidth = 0.3
		link.Dashes = []float64{1.0, 1.0}

		dot := canvas.DefaultStyle
		dot.Fill = canvas.Paint{Color: c}
		dot.Stroke = canvas.Paint{Color: canvas.Black}
		dot.StrokeWidth = 0.2

		for _, e := range bin {
			tx, ty := toCanvas(e.Test.Translation)
			if e.TrainIndex >= 0 {
				lx, ly := toCanvas(e.Train.Translation)
				path := &canvas.Path{}
				path.MoveTo(tx, ty)
				path.LineTo(lx, ly)
				r.RenderPath(path, link, canvas.Identity)
			}
			ex, ey := toCanvas(e.Estimate.Translation)
			r.RenderPath(canvas.Circle(1.0).Translate(ex, ey), dot, canvas.Identity)
		}
	}

	// Legend swatches along the bottom edge.
	for bi := range p.Result.Bins {
		sw := canvas.DefaultStyle
		sw.Fill = canvas.Paint{Color: TierColor(bi, n)}
		r.RenderPath(canvas.Rectangle(3, 3).Translate(2+float64(bi)*4, 2), sw, canvas.Identity)
	}
}

// drawLegend writes one line per bin in the top-left corner
func (p *EvalPlot) drawLegend(dst draw.Image) {
	if p.Result == nil {
		return
	}
	n := len(p.Result.Tiers)
	y := 16
	for bi, bin := range p.Result.Bins {
		label := "overflow"
		if bi < n {
			label = p.Result.Tiers[bi].String()
		}
		drawText(dst, 8, y, fmt.Sprintf("%-12s %d", label, len(bin)), TierColor(bi, n))
		y += 15
	}
}

// drawText renders text onto an image at the specified position
func drawText(dst draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
