package spaces

import (
	"sort"

	"github.com/google/uuid"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/geometry"
)

// Metric selects how detection/space overlap is scored.
type Metric string

const (
	MetricIoU Metric = "iou"
	MetricIoA Metric = "ioa"
)

type Params struct {
	Metric    Metric
	Threshold float64
}

// Pair is one greedy assignment of a detection to a space.
type Pair struct {
	DetectionIndex int       `json:"detection_index"`
	SpaceID        uuid.UUID `json:"space_id"`
	Score          float64   `json:"score"`
}

// Result is the full matching output for one frame.
type Result struct {
	// Occupied maps every input space to its occupancy for this frame.
	Occupied map[uuid.UUID]bool
	// Assigned maps occupied spaces to the index of the matched detection.
	Assigned map[uuid.UUID]int
	Pairs    []Pair
}

type candidate struct {
	detIdx   int
	spaceIdx int
	score    float64
	conf     float64
}

// Match computes per-space occupancy via greedy assignment on descending
// overlap. Pure and deterministic: identical inputs always produce the
// identical result, and tie-breaks (score, then confidence, then detection
// index, then space ID) give a total order.
func Match(dets []detect.Detection, spcs []data.ParkingSpace, frameW, frameH int, p Params) Result {
	res := Result{
		Occupied: make(map[uuid.UUID]bool, len(spcs)),
		Assigned: make(map[uuid.UUID]int),
	}
	for _, sp := range spcs {
		res.Occupied[sp.ID] = false
	}
	if len(dets) == 0 || len(spcs) == 0 {
		return res
	}

	norm := make([]geometry.RectNorm, len(dets))
	for i, d := range dets {
		norm[i] = d.Box.Normalize(frameW, frameH)
	}

	var cands []candidate
	for si, sp := range spcs {
		for di := range dets {
			var score float64
			switch p.Metric {
			case MetricIoA:
				score = geometry.IoA(norm[di], sp.Bounds)
			default:
				score = geometry.IoU(norm[di], sp.Bounds)
			}
			if score >= p.Threshold {
				cands = append(cands, candidate{detIdx: di, spaceIdx: si, score: score, conf: dets[di].Confidence})
			}
		}
	}

	sort.Slice(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.score != cb.score {
			return ca.score > cb.score
		}
		if ca.conf != cb.conf {
			return ca.conf > cb.conf
		}
		if ca.detIdx != cb.detIdx {
			return ca.detIdx < cb.detIdx
		}
		// Input order of spaces must not matter, so exact ties fall back
		// to the space ID.
		return spcs[ca.spaceIdx].ID.String() < spcs[cb.spaceIdx].ID.String()
	})

	detTaken := make([]bool, len(dets))
	spaceTaken := make([]bool, len(spcs))
	for _, c := range cands {
		if detTaken[c.detIdx] || spaceTaken[c.spaceIdx] {
			continue
		}
		detTaken[c.detIdx] = true
		spaceTaken[c.spaceIdx] = true

		sp := spcs[c.spaceIdx]
		res.Occupied[sp.ID] = true
		res.Assigned[sp.ID] = c.detIdx
		res.Pairs = append(res.Pairs, Pair{DetectionIndex: c.detIdx, SpaceID: sp.ID, Score: c.score})
	}

	return res
}
