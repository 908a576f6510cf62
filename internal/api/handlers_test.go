package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/data"
	"github.com/technosupport/ts-park/internal/geometry"
	"github.com/technosupport/ts-park/internal/live"
	"github.com/technosupport/ts-park/internal/plates"
	"github.com/technosupport/ts-park/internal/ratelimit"
)

func newTestRouter(t *testing.T, store data.ConfigStore, hub *broadcast.Hub) http.Handler {
	t.Helper()
	if hub == nil {
		hub = broadcast.NewHub(time.Minute)
	}
	return NewRouter(Deps{
		Broadcast: NewBroadcastHandler(hub, nil),
		ViewerWS:  NewViewerWSHandler(hub, 500*time.Millisecond, time.Minute),
		Plates:    NewPlateHandler(data.NewConfigCache(store, time.Minute), plates.NewRegistry(10, time.Minute), nil, 0),
		Status:    NewStatusHandler(nil, hub, nil),
	})
}

func TestBroadcastIngest_RoundTrip(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	r := newTestRouter(t, data.NewMemoryStore(), hub)

	camID := uuid.New()
	viewer := hub.Get(camID).Subscribe()
	defer hub.Get(camID).Unsubscribe(viewer)

	tid := 4
	meta := broadcast.Metadata{
		VehicleCount: 1,
		TotalSpaces:  2,
		Detections: []broadcast.DetectionInfo{
			{Class: "car", Confidence: 0.91, Box: geometry.RectNorm{X: 0.1, Y: 0.2, W: 0.3, H: 0.2}, TrackID: &tid},
		},
		TimestampMS: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(map[string]interface{}{
		"camera_id":    camID.String(),
		"frame_base64": base64.StdEncoding.EncodeToString([]byte("jpeg-bytes")),
		"metadata":     meta,
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast-detection", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success   bool `json:"success"`
		Viewers   int  `json:"viewers"`
		FrameSize int  `json:"frame_size"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.Viewers)
	assert.Equal(t, len("jpeg-bytes"), resp.FrameSize)

	// Metadata survives the wire unchanged.
	select {
	case f := <-viewer.Frames():
		assert.Equal(t, []byte("jpeg-bytes"), f.JPEG)
		assert.Equal(t, camID, f.Meta.CameraID)
		require.Len(t, f.Meta.Detections, 1)
		assert.Equal(t, "car", f.Meta.Detections[0].Class)
		require.NotNil(t, f.Meta.Detections[0].TrackID)
		assert.Equal(t, 4, *f.Meta.Detections[0].TrackID)
		assert.Equal(t, geometry.RectNorm{X: 0.1, Y: 0.2, W: 0.3, H: 0.2}, f.Meta.Detections[0].Box)
	case <-time.After(time.Second):
		t.Fatal("frame not fanned out")
	}
}

func TestBroadcastIngest_RejectsBadRequests(t *testing.T) {
	r := newTestRouter(t, data.NewMemoryStore(), nil)

	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"bad camera id", `{"camera_id":"nope","frame_base64":"aGk="}`},
		{"missing frame", `{"camera_id":"` + uuid.NewString() + `"}`},
		{"bad base64", `{"camera_id":"` + uuid.NewString() + `","frame_base64":"!!!"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast-detection", strings.NewReader(tc.body)))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// Default config runs without Redis: the handler then carries a typed-nil
// *live.Cache and ingest must still succeed.
func TestBroadcastIngest_NilCache(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	r := NewRouter(Deps{
		Broadcast: NewBroadcastHandler(hub, (*live.Cache)(nil)),
		ViewerWS:  NewViewerWSHandler(hub, 500*time.Millisecond, time.Minute),
		Plates:    NewPlateHandler(data.NewConfigCache(data.NewMemoryStore(), time.Minute), plates.NewRegistry(10, time.Minute), nil, 0),
		Status:    NewStatusHandler(nil, hub, (*live.Cache)(nil)),
	})

	body := `{"camera_id":"` + uuid.NewString() + `","frame_base64":"` +
		base64.StdEncoding.EncodeToString([]byte("jpeg")) + `"}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/broadcast-detection", strings.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPlateIngest_QueuesPlate(t *testing.T) {
	r := newTestRouter(t, data.NewMemoryStore(), nil)

	lotID := uuid.New()
	body := `{"plate":"AB123CD","confidence":0.95}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/parking-lots/"+lotID.String()+"/plates", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp plateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)
	assert.Equal(t, 1, resp.QueueLen)
}

func TestPlateIngest_Validation(t *testing.T) {
	r := newTestRouter(t, data.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/parking-lots/not-a-uuid/plates", strings.NewReader(`{"plate":"X"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/parking-lots/"+uuid.NewString()+"/plates", strings.NewReader(`{"confidence":0.9}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlateIngest_BarrierZoneFilter(t *testing.T) {
	store := data.NewMemoryStore()
	lot := data.ParkingLot{ID: uuid.New(), Name: "Lot", Active: true}
	store.PutLot(lot)
	cam := data.Camera{
		ID:            uuid.New(),
		Name:          "barrier-1",
		ParkingLotID:  lot.ID,
		SnapshotURL:   "http://example/snap",
		WorkerEnabled: true,
		Role:          data.CameraRoleBarrier,
		BarrierZones:  []geometry.RectNorm{{X: 0.4, Y: 0.4, W: 0.2, H: 0.2}},
	}
	store.PutCamera(cam)

	r := newTestRouter(t, store, nil)
	url := "/api/parking-lots/" + lot.ID.String() + "/plates"

	// Box inside the zone: accepted.
	inside := `{"plate":"IN1","camera_id":"` + cam.ID.String() + `","box":{"x":0.45,"y":0.45,"w":0.1,"h":0.1}}`
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, strings.NewReader(inside)))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp plateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)

	// Box far outside the zone: ignored.
	outside := `{"plate":"OUT1","camera_id":"` + cam.ID.String() + `","box":{"x":0.0,"y":0.0,"w":0.1,"h":0.1}}`
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, strings.NewReader(outside)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "outside_barrier_zone", resp.Reason)
}

func TestPlateIngest_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	hub := broadcast.NewHub(time.Minute)
	r := NewRouter(Deps{
		Broadcast: NewBroadcastHandler(hub, nil),
		ViewerWS:  NewViewerWSHandler(hub, 500*time.Millisecond, time.Minute),
		Plates:    NewPlateHandler(data.NewConfigCache(data.NewMemoryStore(), time.Minute), plates.NewRegistry(10, time.Minute), ratelimit.NewLimiter(rdb), 2),
		Status:    NewStatusHandler(nil, hub, nil),
	})

	url := "/api/parking-lots/" + uuid.NewString() + "/plates"
	body := `{"plate":"AB123CD"}`

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, url, strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestStatusEndpoints(t *testing.T) {
	r := newTestRouter(t, data.NewMemoryStore(), nil)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status["status"])
}

func TestLatestDetection_HubFallbackAndCache(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	r := newTestRouter(t, data.NewMemoryStore(), hub)

	camID := uuid.New()

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/"+camID.String()+"/detections/latest", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hub.Get(camID).Publish([]byte("jpeg"), broadcast.Metadata{
		CameraID:     camID,
		VehicleCount: 2,
		TimestampMS:  time.Now().UnixMilli(),
	})

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/cameras/"+camID.String()+"/detections/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Metadata broadcast.Metadata `json:"metadata"`
		AgeMS    int64              `json:"age_ms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Metadata.VehicleCount)
	assert.GreaterOrEqual(t, resp.AgeMS, int64(0))
}

func TestLatestDetection_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	cache := live.NewCache(rdb, 30*time.Second)

	hub := broadcast.NewHub(time.Minute)
	handler := NewStatusHandler(nil, hub, cache)

	camID := uuid.New()
	require.NoError(t, cache.StoreLatest(t.Context(), broadcast.Metadata{
		CameraID:     camID,
		VehicleCount: 5,
		TimestampMS:  time.Now().UnixMilli(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/cameras/"+camID.String()+"/detections/latest", nil)
	req.SetPathValue("id", camID.String())
	rec := httptest.NewRecorder()
	handler.GetLatestDetection(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Metadata broadcast.Metadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Metadata.VehicleCount)
}

func TestViewerWS_ReceivesFramesAndPong(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	srv := httptest.NewServer(newTestRouter(t, data.NewMemoryStore(), hub))
	defer srv.Close()

	camID := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/viewer/detection?camera_id=" + camID.String()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Wait for the subscription to land before publishing.
	require.Eventually(t, func() bool {
		return hub.Get(camID).ViewerCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	hub.Get(camID).Publish([]byte("jpeg-bytes"), broadcast.Metadata{
		CameraID:    camID,
		TimestampMS: time.Now().UnixMilli(),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Type       string `json:"type"`
		Frame      string `json:"frame"`
		FrameCount uint64 `json:"frame_count"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "frame", msg.Type)
	assert.True(t, strings.HasPrefix(msg.Frame, "data:image/jpeg;base64,"))
	assert.Equal(t, uint64(1), msg.FrameCount)

	// Keepalive protocol is plain text: "ping" in, "pong" back.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, pong, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "pong", string(pong))
}

func TestViewerWS_KeepaliveWhenIdle(t *testing.T) {
	hub := broadcast.NewHub(time.Minute)
	srv := httptest.NewServer(NewRouter(Deps{
		Broadcast: NewBroadcastHandler(hub, nil),
		ViewerWS:  NewViewerWSHandler(hub, 500*time.Millisecond, 100*time.Millisecond),
		Plates:    NewPlateHandler(data.NewConfigCache(data.NewMemoryStore(), time.Minute), plates.NewRegistry(10, time.Minute), nil, 0),
		Status:    NewStatusHandler(nil, hub, nil),
	}))
	defer srv.Close()

	camID := uuid.New()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/viewer/detection?camera_id=" + camID.String()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// No frames published: the idle timer must produce a text keepalive.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)
	assert.Equal(t, "keepalive", string(msg))
}

func TestViewerWS_RequiresCameraID(t *testing.T) {
	r := newTestRouter(t, data.NewMemoryStore(), nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/viewer/detection", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
