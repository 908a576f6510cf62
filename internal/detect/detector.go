package detect

import (
	"context"
	"image"

	"github.com/technosupport/ts-park/internal/geometry"
)

// Detection is one object reported by the detector for one frame.
// TrackID is present only when tracking is enabled and stable across calls
// within one worker's session. Plate is filled later by the occupancy
// tracker, never by the detector.
type Detection struct {
	Class      string           `json:"class"`
	Confidence float64          `json:"confidence"`
	Box        geometry.RectPx  `json:"box"`
	TrackID    *int             `json:"track_id,omitempty"`
	Plate      string           `json:"plate,omitempty"`
}

// Frame carries both decoded and encoded forms of a snapshot so remote
// detectors can forward bytes while local ones inspect pixels.
type Frame struct {
	Image  image.Image
	JPEG   []byte
	Width  int
	Height int
}

// Options are passed through to the model on every call.
type Options struct {
	ConfThreshold   float64
	IoUThreshold    float64
	TrackingEnabled bool
	// SessionID identifies the calling worker; remote detectors keep
	// tracker state per session.
	SessionID string
}

// Detector is the narrow interface the pipeline consumes. Implementations
// must be safe for concurrent use from multiple workers.
type Detector interface {
	Detect(ctx context.Context, frame Frame, opts Options) ([]Detection, error)
}

// ClassSet is a case-sensitive membership set for vehicle classes.
type ClassSet map[string]struct{}

func NewClassSet(classes []string) ClassSet {
	s := make(ClassSet, len(classes))
	for _, c := range classes {
		s[c] = struct{}{}
	}
	return s
}

func (s ClassSet) Contains(class string) bool {
	_, ok := s[class]
	return ok
}

// FilterClasses keeps only detections whose class is in the set.
// Order is preserved.
func FilterClasses(dets []Detection, set ClassSet) []Detection {
	if len(set) == 0 {
		return dets
	}
	out := dets[:0:0]
	for _, d := range dets {
		if set.Contains(d.Class) {
			out = append(out, d)
		}
	}
	return out
}
