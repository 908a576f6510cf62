package geometry

import "fmt"

// RectPx is a bounding box in source-image pixels.
type RectPx struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// RectNorm is a resolution-independent bounding box with all components in [0,1].
type RectNorm struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Validate enforces the normalized-bbox invariant:
// x,y in [0..1], w > 0, h > 0, x+w <= 1, y+h <= 1.
func (r RectNorm) Validate() error {
	if r.X < 0 || r.X > 1 || r.Y < 0 || r.Y > 1 {
		return fmt.Errorf("bbox x/y out of range: x=%f y=%f", r.X, r.Y)
	}
	if r.W <= 0 || r.H <= 0 {
		return fmt.Errorf("bbox w/h must be > 0: w=%f h=%f", r.W, r.H)
	}
	if r.X+r.W > 1 || r.Y+r.H > 1 {
		return fmt.Errorf("bbox exceeds bounds: x+w=%f y+h=%f", r.X+r.W, r.Y+r.H)
	}
	return nil
}

func (r RectNorm) Area() float64 {
	return r.W * r.H
}

// Normalize converts a pixel box to normalized coordinates for the given frame size.
func (r RectPx) Normalize(frameW, frameH int) RectNorm {
	if frameW <= 0 || frameH <= 0 {
		return RectNorm{}
	}
	return RectNorm{
		X: float64(r.X) / float64(frameW),
		Y: float64(r.Y) / float64(frameH),
		W: float64(r.W) / float64(frameW),
		H: float64(r.H) / float64(frameH),
	}
}

// Denormalize converts a normalized box back to pixel coordinates.
func (r RectNorm) Denormalize(frameW, frameH int) RectPx {
	return RectPx{
		X: int(r.X * float64(frameW)),
		Y: int(r.Y * float64(frameH)),
		W: int(r.W * float64(frameW)),
		H: int(r.H * float64(frameH)),
	}
}

// Intersection returns the overlap area of two normalized boxes.
func Intersection(a, b RectNorm) float64 {
	x1 := max(a.X, b.X)
	y1 := max(a.Y, b.Y)
	x2 := min(a.X+a.W, b.X+b.W)
	y2 := min(a.Y+a.H, b.Y+b.H)
	if x2 <= x1 || y2 <= y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// IoU is intersection over union.
func IoU(a, b RectNorm) float64 {
	inter := Intersection(a, b)
	if inter == 0 {
		return 0
	}
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// IoA is intersection over the detection-box area. Useful when a vehicle
// is larger than its outlined parking space.
func IoA(det, space RectNorm) float64 {
	inter := Intersection(det, space)
	if inter == 0 {
		return 0
	}
	area := det.Area()
	if area <= 0 {
		return 0
	}
	return inter / area
}
