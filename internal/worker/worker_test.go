package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/config"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/detect"
	"github.com/technosupport/ts-park/internal/events"
	"github.com/technosupport/ts-park/internal/geometry"
	"github.com/technosupport/ts-park/internal/live"
	"github.com/technosupport/ts-park/internal/plates"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{60, 60, 60, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func snapshotServer(t *testing.T, jpegBytes []byte) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBytes)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testSetup(t *testing.T, snapshotURL string, det detect.Detector) (*Worker, data.Camera, data.ParkingSpace, *broadcast.Hub, *data.MemoryStore) {
	t.Helper()

	store := data.NewMemoryStore()
	lot := data.ParkingLot{ID: uuid.New(), Name: "Lot 1", Active: true}
	store.PutLot(lot)

	cam := data.Camera{
		ID:            uuid.New(),
		Name:          "cam-1",
		ParkingLotID:  lot.ID,
		SnapshotURL:   snapshotURL,
		WorkerEnabled: true,
		Role:          data.CameraRoleRegular,
	}
	store.PutCamera(cam)

	sp := data.ParkingSpace{
		ID:           uuid.New(),
		Name:         "A-01",
		ParkingLotID: lot.ID,
		CameraID:     cam.ID,
		Bounds:       geometry.RectNorm{X: 0.1, Y: 0.1, W: 0.5, H: 0.5},
	}
	store.PutSpace(sp)

	cfg := config.Default()
	cfg.Occupancy.FreeDebounceFrames = 2
	cfg.Occupancy.PersistMinIntervalMs = 0

	hub := broadcast.NewHub(time.Minute)
	q := plates.NewQueue(10, time.Minute)

	w, err := New(cam, cfg, Deps{
		Store:     store,
		Cache:     data.NewConfigCache(store, time.Minute),
		Fetcher:   NewSnapshotFetcher(2 * time.Second),
		Detector:  det,
		Publisher: NewHubPublisher(hub, nil),
		Events:    events.LogPublisher{},
		PlateSrc:  q,
	})
	require.NoError(t, err)
	return w, cam, sp, hub, store
}

func TestWorker_ProcessOnce_FullPipeline(t *testing.T) {
	frame := encodeTestJPEG(t, 320, 240)
	srv, _ := snapshotServer(t, frame)

	// Detection exactly covering the space (space bounds 0.1,0.1,0.5,0.5 of
	// a 320x240 frame).
	tid := 1
	det := detect.NewStaticDetector([]detect.Detection{{
		Class:      "car",
		Confidence: 0.9,
		Box:        geometry.RectPx{X: 32, Y: 24, W: 160, H: 120},
		TrackID:    &tid,
	}})

	w, cam, sp, hub, store := testSetup(t, srv.URL, det)

	viewer := hub.Get(cam.ID).Subscribe()
	defer hub.Get(cam.ID).Unsubscribe(viewer)

	require.NoError(t, w.processOnce(context.Background()))

	select {
	case f := <-viewer.Frames():
		assert.NotEmpty(t, f.JPEG)
		assert.Equal(t, cam.ID, f.Meta.CameraID)
		assert.Equal(t, 1, f.Meta.VehicleCount)
		assert.Equal(t, 1, f.Meta.OccupiedSpaces)
		assert.Equal(t, 1, f.Meta.TotalSpaces)
		require.Len(t, f.Meta.Spaces, 1)
		assert.True(t, f.Meta.Spaces[0].Occupied)
		require.Len(t, f.Meta.Pairs, 1)
		assert.Equal(t, sp.ID, f.Meta.Pairs[0].SpaceID)
	case <-time.After(time.Second):
		t.Fatal("no frame published")
	}

	// Occupancy persisted to the store.
	got, ok := store.GetSpace(sp.ID)
	require.True(t, ok)
	assert.True(t, got.Occupied)
}

// With Redis disabled, main wires a nil *live.Cache into the publisher;
// publishing must still reach viewers without touching the cache.
func TestHubPublisher_NilCachePublishes(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	p := NewHubPublisher(hub, (*live.Cache)(nil))

	camID := uuid.New()
	viewer := hub.Get(camID).Subscribe()
	defer hub.Get(camID).Unsubscribe(viewer)

	meta := broadcast.Metadata{CameraID: camID, TimestampMS: time.Now().UnixMilli()}
	require.NoError(t, p.PublishFrame(context.Background(), camID, []byte("jpeg"), meta))

	select {
	case f := <-viewer.Frames():
		assert.Equal(t, []byte("jpeg"), f.JPEG)
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestWorker_ProcessOnce_DetectorErrorFails(t *testing.T) {
	frame := encodeTestJPEG(t, 320, 240)
	srv, _ := snapshotServer(t, frame)

	badDetector := detect.NewHTTPDetector("http://127.0.0.1:1/detect", 200*time.Millisecond)
	w, _, _, hub, _ := testSetup(t, srv.URL, badDetector)

	err := w.processOnce(context.Background())
	require.Error(t, err)
	// Nothing reaches viewers on a failed tick.
	assert.Equal(t, 0, hub.CameraCount())
}

func TestWorker_ProcessOnce_FetchErrorFails(t *testing.T) {
	det := detect.NewStaticDetector([]detect.Detection{})
	w, _, _, _, _ := testSetup(t, "http://127.0.0.1:1/snapshot", det)

	assert.Error(t, w.processOnce(context.Background()))
	assert.Equal(t, 0, det.Calls())
}

func TestWorker_VacateAfterDebounce(t *testing.T) {
	frame := encodeTestJPEG(t, 320, 240)
	srv, _ := snapshotServer(t, frame)

	carBox := geometry.RectPx{X: 32, Y: 24, W: 160, H: 120}
	det := detect.NewStaticDetector(
		[]detect.Detection{{Class: "car", Confidence: 0.9, Box: carBox}},
		[]detect.Detection{}, // car gone from here on
	)

	w, _, sp, _, store := testSetup(t, srv.URL, det)
	ctx := context.Background()

	require.NoError(t, w.processOnce(ctx)) // occupies
	require.NoError(t, w.processOnce(ctx)) // miss 1
	got, ok := store.GetSpace(sp.ID)
	require.True(t, ok)
	assert.True(t, got.Occupied, "still occupied inside debounce window")

	require.NoError(t, w.processOnce(ctx)) // miss 2 of debounce=2: vacates
	got, ok = store.GetSpace(sp.ID)
	require.True(t, ok)
	assert.False(t, got.Occupied)
}

func TestWorker_RunBacksOffAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "camera offline", http.StatusInternalServerError)
	}))
	defer srv.Close()

	det := detect.NewStaticDetector([]detect.Detection{})
	w, _, _, _, _ := testSetup(t, srv.URL, det)
	w.cfg.Pipeline.TargetFPS = 100
	w.cfg.Pipeline.MaxConsecutiveFetchFailures = 3
	w.cfg.Pipeline.BackoffIntervalMs = 60000

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	// Three failures at full rate, then at most one probe per backoff
	// interval.
	assert.LessOrEqual(t, hits.Load(), int64(5))
	assert.True(t, w.backingOff())
	assert.True(t, w.Status().BackingOff)
}

func TestWorker_StatusReflectsCounters(t *testing.T) {
	frame := encodeTestJPEG(t, 320, 240)
	srv, _ := snapshotServer(t, frame)
	det := detect.NewStaticDetector([]detect.Detection{})

	w, cam, _, _, _ := testSetup(t, srv.URL, det)
	require.NoError(t, w.processOnce(context.Background()))
	w.recordSuccess(time.Now())

	st := w.Status()
	assert.Equal(t, cam.ID, st.CameraID)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.False(t, st.BackingOff)
	assert.Greater(t, st.FPS, 0.0)
}
