package annotate

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/geometry"
)

var (
	colFree    = color.RGBA{46, 204, 113, 255}
	colTaken   = color.RGBA{231, 76, 60, 255}
	colBarrier = color.RGBA{241, 196, 15, 255}
	colText    = color.RGBA{255, 255, 255, 255}

	// Per-track box colors, picked by track ID modulo.
	trackPalette = []color.RGBA{
		{52, 152, 219, 255},
		{155, 89, 182, 255},
		{26, 188, 156, 255},
		{230, 126, 34, 255},
		{236, 240, 241, 255},
		{127, 140, 141, 255},
	}
)

// SpaceBox is one parking space prepared for drawing: bounds already
// denormalized to the frame's pixel grid.
type SpaceBox struct {
	Rect     image.Rectangle
	Name     string
	Occupied bool
	Plate    string
}

// Annotator renders detection boxes, space overlays and short per-track
// movement trails onto frames. One instance belongs to one camera worker;
// trails are remembered across frames in a small LRU keyed by track ID, so
// tracks that leave the scene age out on their own.
type Annotator struct {
	trailLen int
	quality  int
	trails   *lru.Cache[int, []image.Point]
}

func New(trailLength, jpegQuality int) (*Annotator, error) {
	if trailLength < 1 {
		trailLength = 1
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 80
	}
	trails, err := lru.New[int, []image.Point](64)
	if err != nil {
		return nil, err
	}
	return &Annotator{trailLen: trailLength, quality: jpegQuality, trails: trails}, nil
}

// Render draws overlays onto a copy of src and returns the encoded JPEG.
// Spaces are drawn first so vehicle boxes stay readable on top of them.
func (a *Annotator) Render(src image.Image, dets []detect.Detection, spcs []SpaceBox, barriers []image.Rectangle) ([]byte, error) {
	b := src.Bounds()
	canvas := image.NewRGBA(b)
	draw.Draw(canvas, b, src, b.Min, draw.Src)

	for _, z := range barriers {
		drawRect(canvas, z, colBarrier, 2)
	}

	for _, sp := range spcs {
		col := colFree
		if sp.Occupied {
			col = colTaken
		}
		drawRect(canvas, sp.Rect, col, 2)

		label := sp.Name
		if sp.Plate != "" {
			label += " " + sp.Plate
		}
		drawLabel(canvas, sp.Rect.Min.X+3, sp.Rect.Min.Y+13, label, col)
	}

	for _, d := range dets {
		r := image.Rect(d.Box.X, d.Box.Y, d.Box.X+d.Box.W, d.Box.Y+d.Box.H)
		col := trackColor(d.TrackID)
		drawRect(canvas, r, col, 2)

		label := fmt.Sprintf("%s %.2f", d.Class, d.Confidence)
		if d.TrackID != nil {
			label = fmt.Sprintf("#%d %s", *d.TrackID, label)
		}
		if d.Plate != "" {
			label += " " + d.Plate
		}
		drawLabel(canvas, r.Min.X+3, r.Min.Y-4, label, col)

		if d.TrackID != nil {
			a.drawTrail(canvas, *d.TrackID, anchor(r), col)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: a.quality}); err != nil {
		return nil, fmt.Errorf("encode annotated frame: %w", err)
	}
	return buf.Bytes(), nil
}

// SpaceBoxes converts normalized space bounds to pixel rectangles for the
// given frame size.
func SpaceBoxes(bounds []geometry.RectNorm, names []string, occupied []bool, plate []string, w, h int) []SpaceBox {
	out := make([]SpaceBox, len(bounds))
	for i, bb := range bounds {
		px := bb.Denormalize(w, h)
		out[i] = SpaceBox{
			Rect:     image.Rect(px.X, px.Y, px.X+px.W, px.Y+px.H),
			Name:     names[i],
			Occupied: occupied[i],
			Plate:    plate[i],
		}
	}
	return out
}

// TrailLen reports the stored trail length for a track, mainly for tests.
func (a *Annotator) TrailLen(trackID int) int {
	pts, ok := a.trails.Get(trackID)
	if !ok {
		return 0
	}
	return len(pts)
}

func (a *Annotator) drawTrail(canvas *image.RGBA, trackID int, p image.Point, col color.RGBA) {
	pts, _ := a.trails.Get(trackID)
	pts = append(pts, p)
	if len(pts) > a.trailLen {
		pts = pts[len(pts)-a.trailLen:]
	}
	a.trails.Add(trackID, pts)

	for _, pt := range pts {
		drawDot(canvas, pt, col)
	}
}

// anchor is the bottom-center of a box, roughly where the vehicle touches
// the ground.
func anchor(r image.Rectangle) image.Point {
	return image.Pt((r.Min.X+r.Max.X)/2, r.Max.Y)
}

func trackColor(id *int) color.RGBA {
	if id == nil {
		return trackPalette[0]
	}
	return trackPalette[*id%len(trackPalette)]
}

func drawRect(img *image.RGBA, r image.Rectangle, col color.RGBA, thickness int) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < thickness; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, clampY(img, r.Min.Y+t), col)
			img.SetRGBA(x, clampY(img, r.Max.Y-1-t), col)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(clampX(img, r.Min.X+t), y, col)
			img.SetRGBA(clampX(img, r.Max.X-1-t), y, col)
		}
	}
}

func drawDot(img *image.RGBA, p image.Point, col color.RGBA) {
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			q := image.Pt(p.X+dx, p.Y+dy)
			if q.In(img.Bounds()) {
				img.SetRGBA(q.X, q.Y, col)
			}
		}
	}
}

func drawLabel(img *image.RGBA, x, y int, text string, bg color.RGBA) {
	if text == "" {
		return
	}
	if y < 13 {
		y = 13
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, text).Ceil()

	// Filled backdrop so the label reads on busy frames.
	back := image.Rect(x-2, y-11, x+w+2, y+3).Intersect(img.Bounds())
	draw.Draw(img, back, &image.Uniform{bg}, image.Point{}, draw.Src)

	d := font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{colText},
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

func clampX(img *image.RGBA, x int) int {
	b := img.Bounds()
	if x < b.Min.X {
		return b.Min.X
	}
	if x >= b.Max.X {
		return b.Max.X - 1
	}
	return x
}

func clampY(img *image.RGBA, y int) int {
	b := img.Bounds()
	if y < b.Min.Y {
		return b.Min.Y
	}
	if y >= b.Max.Y {
		return b.Max.Y - 1
	}
	return y
}
