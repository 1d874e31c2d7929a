package fusion

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	sampleColor    = color.RGBA{R: 33, G: 113, B: 181, A: 255}
	pendingColor   = color.RGBA{R: 160, G: 160, B: 160, A: 255}
	trackColor     = color.RGBA{R: 107, G: 174, B: 214, A: 255}
	referenceColor = color.RGBA{R: 215, G: 48, B: 39, A: 255}
	gridColor      = color.RGBA{R: 225, G: 225, B: 225, A: 255}
)

// CoverageRenderer draws a coverage FeatureCollection as a top-down map
type CoverageRenderer struct {
	Scale      float64           // canvas millimeters per session meter
	Padding    float64           // canvas millimeters around the content
	MinExtent  float64           // smallest drawn area side, in meters
	GridStep   float64           // grid spacing in meters (0 disables)
	Resolution canvas.Resolution // PNG resolution
}

// NewCoverageRenderer returns a renderer with defaults suited to room-sized scans
func NewCoverageRenderer() *CoverageRenderer {
	return &CoverageRenderer{
		Scale:      40,
		Padding:    10,
		MinExtent:  2,
		GridStep:   1,
		Resolution: canvas.DPI(150),
	}
}

// canvasRenderer is implemented by both the svg and rasterizer renderers
type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

// layout maps session meters to canvas millimeters
type layout struct {
	bound         orb.Bound
	scale         float64
	padding       float64
	width, height float64
}

func (l layout) point(p orb.Point) (float64, float64) {
	return l.padding + (p[0]-l.bound.Min[0])*l.scale, l.padding + (p[1]-l.bound.Min[1])*l.scale
}

func (r *CoverageRenderer) layout(fc *geojson.FeatureCollection) layout {
	b, ok := coverageBound(fc)
	if !ok {
		b = orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{0, 0}}
	}
	// Grow small bounds around their center so a single point still gets an area.
	c := b.Center()
	half := r.MinExtent / 2
	b = b.Union(orb.Bound{Min: orb.Point{c[0] - half, c[1] - half}, Max: orb.Point{c[0] + half, c[1] + half}})

	return layout{
		bound:   b,
		scale:   r.Scale,
		padding: r.Padding,
		width:   (b.Max[0]-b.Min[0])*r.Scale + 2*r.Padding,
		height:  (b.Max[1]-b.Min[1])*r.Scale + 2*r.Padding,
	}
}

// RenderToSVG writes the coverage map as an SVG
func (r *CoverageRenderer) RenderToSVG(w io.Writer, fc *geojson.FeatureCollection) error {
	l := r.layout(fc)
	svgRenderer := svg.New(w, l.width, l.height, nil)
	r.renderToCanvas(svgRenderer, fc, l)
	return svgRenderer.Close()
}

// RenderToPNG writes the coverage map as a PNG with a text caption
func (r *CoverageRenderer) RenderToPNG(w io.Writer, fc *geojson.FeatureCollection, caption string) error {
	l := r.layout(fc)
	rast := rasterizer.New(l.width, l.height, r.Resolution, canvas.DefaultColorSpace)
	r.renderToCanvas(rast, fc, l)
	if caption != "" {
		drawCaption(rast, 6, 16, caption, color.RGBA{A: 255})
	}
	if err := png.Encode(w, rast); err != nil {
		return fmt.Errorf("encoding coverage png: %w", err)
	}
	return nil
}

func (r *CoverageRenderer) renderToCanvas(renderer canvasRenderer, fc *geojson.FeatureCollection, l layout) {
	bgStyle := canvas.DefaultStyle
	bgStyle.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(l.width, l.height), bgStyle, canvas.Identity)

	if r.GridStep > 0 {
		gridStyle := canvas.DefaultStyle
		gridStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		gridStyle.Stroke = canvas.Paint{Color: gridColor}
		gridStyle.StrokeWidth = 0.3

		for x := math.Ceil(l.bound.Min[0]/r.GridStep) * r.GridStep; x <= l.bound.Max[0]; x += r.GridStep {
			cx, _ := l.point(orb.Point{x, 0})
			gridPath := &canvas.Path{}
			gridPath.MoveTo(cx, 0)
			gridPath.LineTo(cx, l.height)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
		for y := math.Ceil(l.bound.Min[1]/r.GridStep) * r.GridStep; y <= l.bound.Max[1]; y += r.GridStep {
			_, cy := l.point(orb.Point{0, y})
			gridPath := &canvas.Path{}
			gridPath.MoveTo(0, cy)
			gridPath.LineTo(l.width, cy)
			renderer.RenderPath(gridPath, gridStyle, canvas.Identity)
		}
	}

	// Track first so markers sit on top of it.
	for _, f := range fc.Features {
		ls, ok := f.Geometry.(orb.LineString)
		if !ok || len(ls) < 2 {
			continue
		}
		trackStyle := canvas.DefaultStyle
		trackStyle.Fill = canvas.Paint{Color: canvas.Transparent}
		trackStyle.Stroke = canvas.Paint{Color: trackColor}
		trackStyle.StrokeWidth = 0.8

		p := &canvas.Path{}
		x, y := l.point(ls[0])
		p.MoveTo(x, y)
		for _, pt := range ls[1:] {
			x, y = l.point(pt)
			p.LineTo(x, y)
		}
		renderer.RenderPath(p, trackStyle, canvas.Identity)
	}

	for _, f := range fc.Features {
		kind, _ := f.Properties["kind"].(string)
		switch g := f.Geometry.(type) {
		case orb.MultiPoint:
			for _, pt := range g {
				r.marker(renderer, l, pt, 1.0, pendingColor)
			}
		case orb.Point:
			switch kind {
			case CoverageReference:
				r.marker(renderer, l, g, 2.5, referenceColor)
			default:
				r.marker(renderer, l, g, 1.5, sampleColor)
			}
		}
	}
}

func (r *CoverageRenderer) marker(renderer canvasRenderer, l layout, pt orb.Point, radius float64, c color.RGBA) {
	style := canvas.DefaultStyle
	style.Fill = canvas.Paint{Color: c}
	style.Stroke = canvas.Paint{Color: canvas.Black}
	style.StrokeWidth = 0.2

	x, y := l.point(pt)
	renderer.RenderPath(canvas.Circle(radius).Translate(x, y), style, canvas.Identity)
}

// drawCaption renders text onto a raster image at the given pixel position
func drawCaption(img draw.Image, x, y int, text string, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
