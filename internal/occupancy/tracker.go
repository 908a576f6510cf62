package occupancy

import (
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/spaces"
)

const (
	EventNewOccupation = "new_occupation"
	EventVacated       = "vacated"
)

// Event is one occupancy transition for one space.
type Event struct {
	Type         string    `json:"type"`
	SpaceID      uuid.UUID `json:"space_id"`
	SpaceName    string    `json:"space_name"`
	ParkingLotID uuid.UUID `json:"parking_lot_id"`
	CameraID     uuid.UUID `json:"camera_id"`
	Plate        string    `json:"plate,omitempty"`
	TrackID      *int      `json:"track_id,omitempty"`
	At           time.Time `json:"at"`
}

// SpaceStatus is the tracker's view of one space after a frame.
type SpaceStatus struct {
	ID       uuid.UUID
	Name     string
	Occupied bool
	Plate    string
	TrackID  *int
}

// PlateSource hands out barrier plate readings for new occupations.
// *plates.Queue satisfies it.
type PlateSource interface {
	ClaimNewest(now time.Time) (string, bool)
}

type spaceState struct {
	occupied bool
	missed   int
	plate    string
	trackID  *int
}

// Tracker holds per-space occupancy state for one camera and applies the
// free-side debounce: a space flips to occupied on the first matched frame
// but only back to free after debounce consecutive unmatched frames.
type Tracker struct {
	cameraID uuid.UUID
	debounce int
	plateSrc PlateSource
	states   map[uuid.UUID]*spaceState
}

func NewTracker(cameraID uuid.UUID, debounceFrames int, plateSrc PlateSource) *Tracker {
	if debounceFrames < 1 {
		debounceFrames = 1
	}
	return &Tracker{
		cameraID: cameraID,
		debounce: debounceFrames,
		plateSrc: plateSrc,
		states:   make(map[uuid.UUID]*spaceState),
	}
}

// Apply folds one frame's matching result into the tracker. It returns the
// resulting per-space statuses (in the order of spcs) and any transitions
// that fired. Matched detections get their Plate field filled from the
// space's sticky plate so annotations can show it.
//
// Tracker state is keyed by space ID, so spaces removed from config simply
// stop being updated; their stale entries are dropped here.
func (t *Tracker) Apply(res spaces.Result, dets []detect.Detection, spcs []data.ParkingSpace, now time.Time) ([]SpaceStatus, []Event) {
	statuses := make([]SpaceStatus, 0, len(spcs))
	var events []Event

	seen := make(map[uuid.UUID]struct{}, len(spcs))
	for _, sp := range spcs {
		seen[sp.ID] = struct{}{}

		st, ok := t.states[sp.ID]
		if !ok {
			// Seed from the store so a restart does not fire a spurious
			// new_occupation for a car that never moved.
			st = &spaceState{occupied: sp.Occupied, plate: sp.Plate, trackID: sp.TrackID}
			t.states[sp.ID] = st
		}

		matched := res.Occupied[sp.ID]
		detIdx, hasDet := res.Assigned[sp.ID]

		if matched {
			st.missed = 0
			if !st.occupied {
				st.occupied = true
				if hasDet {
					st.trackID = cloneTrackID(dets[detIdx].TrackID)
				}
				st.plate = t.claimPlate(now)
				events = append(events, Event{
					Type:         EventNewOccupation,
					SpaceID:      sp.ID,
					SpaceName:    sp.Name,
					ParkingLotID: sp.ParkingLotID,
					CameraID:     t.cameraID,
					Plate:        st.plate,
					TrackID:      st.trackID,
					At:           now,
				})
			} else if st.trackID == nil && hasDet {
				// The track id is recorded once per occupation; later
				// frames from a re-identifying tracker never rewrite it.
				st.trackID = cloneTrackID(dets[detIdx].TrackID)
			}
			if hasDet && st.plate != "" {
				dets[detIdx].Plate = st.plate
			}
		} else if st.occupied {
			st.missed++
			if st.missed >= t.debounce {
				freedTrack := st.trackID
				st.occupied = false
				st.missed = 0
				st.plate = ""
				st.trackID = nil
				events = append(events, Event{
					Type:         EventVacated,
					SpaceID:      sp.ID,
					SpaceName:    sp.Name,
					ParkingLotID: sp.ParkingLotID,
					CameraID:     t.cameraID,
					TrackID:      freedTrack,
					At:           now,
				})
			}
		}

		statuses = append(statuses, SpaceStatus{
			ID:       sp.ID,
			Name:     sp.Name,
			Occupied: st.occupied,
			Plate:    st.plate,
			TrackID:  cloneTrackID(st.trackID),
		})
	}

	for id := range t.states {
		if _, ok := seen[id]; !ok {
			delete(t.states, id)
		}
	}

	return statuses, events
}

func (t *Tracker) claimPlate(now time.Time) string {
	if t.plateSrc == nil {
		return ""
	}
	plate, ok := t.plateSrc.ClaimNewest(now)
	if !ok {
		return ""
	}
	return plate
}

func cloneTrackID(id *int) *int {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
