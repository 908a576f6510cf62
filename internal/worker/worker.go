package worker

import (
	"context"
	"fmt"
	"image"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/annotate"
	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/config"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/events"
	"github.com/technosupport/ts-park/internal/metrics"
	"github.com/technosupport/ts-park/internal/occupancy"
	"github.com/technosupport/ts-park/internal/spaces"
)

// fpsWindow is how far back the FPS figure in Status looks.
const fpsWindow = 10 * time.Second

// Status is a point-in-time snapshot of one worker, exposed on /api/status.
type Status struct {
	CameraID            uuid.UUID `json:"camera_id"`
	CameraName          string    `json:"camera_name"`
	Running             bool      `json:"running"`
	BackingOff          bool      `json:"backing_off"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastTick            time.Time `json:"last_tick"`
	LastSuccess         time.Time `json:"last_success"`
	FPS                 float64   `json:"fps"`
}

// Worker runs the full per-camera pipeline: fetch, detect, match, track,
// annotate, publish. One goroutine per camera, owned by the Supervisor.
type Worker struct {
	cam       data.Camera
	cfg       config.Config
	cache     *data.ConfigCache
	fetcher   *SnapshotFetcher
	detector  detect.Detector
	tracker   *occupancy.Tracker
	persister *occupancy.Persister
	annotator *annotate.Annotator
	publisher FramePublisher
	events    events.Publisher
	classes   detect.ClassSet

	lastTickNano  atomic.Int64
	lastOKNano    atomic.Int64
	failures      atomic.Int32
	mu            sync.Mutex
	recentSuccess []time.Time
}

type Deps struct {
	Store     data.ConfigStore
	Cache     *data.ConfigCache
	Fetcher   *SnapshotFetcher
	Detector  detect.Detector
	Publisher FramePublisher
	Events    events.Publisher
	PlateSrc  occupancy.PlateSource
}

func New(cam data.Camera, cfg config.Config, deps Deps) (*Worker, error) {
	ann, err := annotate.New(cfg.Annotate.TrailLength, cfg.Annotate.JPEGQuality)
	if err != nil {
		return nil, fmt.Errorf("annotator: %w", err)
	}
	return &Worker{
		cam:       cam,
		cfg:       cfg,
		cache:     deps.Cache,
		fetcher:   deps.Fetcher,
		detector:  deps.Detector,
		tracker:   occupancy.NewTracker(cam.ID, cfg.Occupancy.FreeDebounceFrames, deps.PlateSrc),
		persister: occupancy.NewPersister(deps.Store, cfg.PersistMinInterval()),
		annotator: ann,
		publisher: deps.Publisher,
		events:    deps.Events,
		classes:   detect.NewClassSet(cfg.Matching.VehicleClasses),
	}, nil
}

func (w *Worker) targetFPS() float64 {
	if w.cam.TargetFPS > 0 {
		return w.cam.TargetFPS
	}
	return w.cfg.Pipeline.TargetFPS
}

// Run processes frames until ctx is cancelled. After
// max_consecutive_fetch_failures the loop drops to the backoff interval so
// a dead camera does not spin at full rate.
func (w *Worker) Run(ctx context.Context) {
	interval := time.Duration(float64(time.Second) / w.targetFPS())
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	log.Printf("[Worker %s] started (camera=%s fps=%.1f)", w.cam.Name, w.cam.ID, w.targetFPS())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Worker %s] stopped", w.cam.Name)
			return
		case <-ticker.C:
		}

		if w.backingOff() {
			// In backoff: only probe every backoff interval.
			lastTick := time.Unix(0, w.lastTickNano.Load())
			if time.Since(lastTick) < w.cfg.BackoffInterval() {
				continue
			}
		}
		w.lastTickNano.Store(time.Now().UnixNano())

		start := time.Now()
		if err := w.processOnce(ctx); err != nil {
			n := w.failures.Add(1)
			metrics.RecordFrame("error", 0)
			if int(n) == w.cfg.Pipeline.MaxConsecutiveFetchFailures {
				log.Printf("[Worker %s] %d consecutive failures, backing off: %v", w.cam.Name, n, err)
			} else if int(n) < w.cfg.Pipeline.MaxConsecutiveFetchFailures {
				log.Printf("[Worker %s] frame failed: %v", w.cam.Name, err)
			}
			continue
		}

		w.failures.Store(0)
		w.lastOKNano.Store(time.Now().UnixNano())
		w.recordSuccess(time.Now())
		metrics.RecordFrame("ok", time.Since(start).Seconds())
	}
}

func (w *Worker) processOnce(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout())
	frame, err := w.fetcher.Fetch(fetchCtx, w.cam.SnapshotURL)
	cancel()
	if err != nil {
		return err
	}

	dets, err := w.detector.Detect(ctx, frame, detect.Options{
		ConfThreshold:   w.cfg.Detector.ConfThreshold,
		IoUThreshold:    w.cfg.Detector.IoUThreshold,
		TrackingEnabled: w.cfg.Detector.TrackingEnabled,
		SessionID:       w.cam.ID.String(),
	})
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	dets = detect.FilterClasses(dets, w.classes)

	spcs := w.cache.SpacesForCamera(ctx, w.cam.ID)

	now := time.Now()
	res := spaces.Match(dets, spcs, frame.Width, frame.Height, spaces.Params{
		Metric:    spaces.Metric(w.cfg.Matching.Metric),
		Threshold: w.cfg.Matching.Threshold,
	})

	statuses, transitions := w.tracker.Apply(res, dets, spcs, now)
	w.handleTransitions(ctx, transitions, now)
	w.persister.Flush(ctx)

	jpeg, err := w.renderFrame(frame, dets, statuses, spcs)
	if err != nil {
		return err
	}

	meta := w.buildMetadata(dets, statuses, spcs, res, frame, now)

	pubCtx, cancel := context.WithTimeout(ctx, w.cfg.PublishTimeout())
	defer cancel()
	if err := w.publisher.PublishFrame(pubCtx, w.cam.ID, jpeg, meta); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (w *Worker) handleTransitions(ctx context.Context, transitions []occupancy.Event, now time.Time) {
	for _, ev := range transitions {
		metrics.RecordTransition(ev.Type, ev.Plate != "")
		if err := w.events.PublishOccupancy(ctx, ev); err != nil {
			log.Printf("[Worker %s] event publish failed: %v", w.cam.Name, err)
		}

		upd := data.OccupancyUpdate{
			Occupied:  ev.Type == occupancy.EventNewOccupation,
			Timestamp: now,
		}
		if ev.Plate != "" {
			plate := ev.Plate
			upd.Plate = &plate
		}
		if upd.Occupied {
			upd.TrackID = ev.TrackID
		}
		w.persister.Record(ctx, ev.SpaceID, upd)
	}
}

func (w *Worker) renderFrame(frame detect.Frame, dets []detect.Detection, statuses []occupancy.SpaceStatus, spcs []data.ParkingSpace) ([]byte, error) {
	boxes := make([]annotate.SpaceBox, len(spcs))
	for i, sp := range spcs {
		px := sp.Bounds.Denormalize(frame.Width, frame.Height)
		boxes[i] = annotate.SpaceBox{
			Rect:     image.Rect(px.X, px.Y, px.X+px.W, px.Y+px.H),
			Name:     statuses[i].Name,
			Occupied: statuses[i].Occupied,
			Plate:    statuses[i].Plate,
		}
	}

	var barriers []image.Rectangle
	for _, z := range w.cam.BarrierZones {
		px := z.Denormalize(frame.Width, frame.Height)
		barriers = append(barriers, image.Rect(px.X, px.Y, px.X+px.W, px.Y+px.H))
	}

	return w.annotator.Render(frame.Image, dets, boxes, barriers)
}

func (w *Worker) buildMetadata(dets []detect.Detection, statuses []occupancy.SpaceStatus, spcs []data.ParkingSpace, res spaces.Result, frame detect.Frame, now time.Time) broadcast.Metadata {
	meta := broadcast.Metadata{
		CameraID:        w.cam.ID,
		VehicleCount:    len(dets),
		TotalSpaces:     len(spcs),
		TrackingEnabled: w.cfg.Detector.TrackingEnabled,
		TimestampMS:     now.UnixMilli(),
	}

	for i, st := range statuses {
		if st.Occupied {
			meta.OccupiedSpaces++
		}
		meta.Spaces = append(meta.Spaces, broadcast.SpaceInfo{
			ID:       st.ID,
			Name:     st.Name,
			Occupied: st.Occupied,
			Plate:    st.Plate,
			TrackID:  st.TrackID,
			Bounds:   spcs[i].Bounds,
		})
	}

	for _, d := range dets {
		meta.Detections = append(meta.Detections, broadcast.DetectionInfo{
			Class:      d.Class,
			Confidence: d.Confidence,
			Box:        d.Box.Normalize(frame.Width, frame.Height),
			TrackID:    d.TrackID,
			Plate:      d.Plate,
		})
	}

	for _, p := range res.Pairs {
		meta.Pairs = append(meta.Pairs, broadcast.MatchedPair{
			DetectionIndex: p.DetectionIndex,
			SpaceID:        p.SpaceID,
			Score:          p.Score,
		})
	}
	return meta
}

func (w *Worker) backingOff() bool {
	return int(w.failures.Load()) >= w.cfg.Pipeline.MaxConsecutiveFetchFailures
}

func (w *Worker) recordSuccess(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recentSuccess = append(w.recentSuccess, t)
	cutoff := t.Add(-fpsWindow)
	for len(w.recentSuccess) > 0 && w.recentSuccess[0].Before(cutoff) {
		w.recentSuccess = w.recentSuccess[1:]
	}
}

// Status snapshots the worker's counters. Safe to call from any goroutine.
func (w *Worker) Status() Status {
	w.mu.Lock()
	cutoff := time.Now().Add(-fpsWindow)
	n := 0
	for _, t := range w.recentSuccess {
		if t.After(cutoff) {
			n++
		}
	}
	w.mu.Unlock()

	return Status{
		CameraID:            w.cam.ID,
		CameraName:          w.cam.Name,
		Running:             true,
		BackingOff:          w.backingOff(),
		ConsecutiveFailures: int(w.failures.Load()),
		LastTick:            time.Unix(0, w.lastTickNano.Load()),
		LastSuccess:         time.Unix(0, w.lastOKNano.Load()),
		FPS:                 float64(n) / fpsWindow.Seconds(),
	}
}
