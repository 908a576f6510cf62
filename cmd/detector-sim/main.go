package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"image"
	"io"
	"log"
	"math/rand"
	"net/http"
	"sync"

	_ "image/jpeg"
	_ "image/png"
)

// detector-sim mimics the detection sidecar contract: POST /detect with a
// raw JPEG body returns labeled boxes in pixel coordinates. Track IDs are
// stable per session, and boxes drift a little on every call so trails and
// occupancy transitions can be exercised without a real model.

type bbox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

type object struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       bbox    `json:"bbox"`
	TrackID    *int    `json:"track_id,omitempty"`
}

type simTrack struct {
	id    int
	label string
	x, y  float64
	vx    float64
	w, h  int
}

type session struct {
	rng    *rand.Rand
	tracks []*simTrack
}

type simulator struct {
	mu       sync.Mutex
	sessions map[string]*session
	vehicles int
}

func newSimulator(vehicles int) *simulator {
	return &simulator{
		sessions: make(map[string]*session),
		vehicles: vehicles,
	}
}

func (s *simulator) session(id string, frameW, frameH int) *session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		rng := rand.New(rand.NewSource(int64(len(id)) + 42))
		sess = &session{rng: rng}
		labels := []string{"car", "car", "truck", "bus", "motorcycle"}
		for i := 0; i < s.vehicles; i++ {
			sess.tracks = append(sess.tracks, &simTrack{
				id:    i + 1,
				label: labels[i%len(labels)],
				x:     rng.Float64() * float64(frameW) * 0.7,
				y:     float64(frameH) * (0.3 + 0.5*rng.Float64()),
				vx:    2 + 3*rng.Float64(),
				w:     frameW / 6,
				h:     frameH / 5,
			})
		}
		s.sessions[id] = sess
	}
	return sess
}

func (s *simulator) detect(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 8<<20))
	if err != nil || len(raw) == 0 {
		http.Error(w, "jpeg body required", http.StatusBadRequest)
		return
	}

	frameW, frameH := 640, 480
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(raw)); err == nil {
		frameW, frameH = cfg.Width, cfg.Height
	}

	tracking := r.URL.Query().Get("track") == "1"
	sess := s.session(r.URL.Query().Get("session"), frameW, frameH)

	s.mu.Lock()
	objs := make([]object, 0, len(sess.tracks))
	for _, tr := range sess.tracks {
		tr.x += tr.vx
		if tr.x > float64(frameW) {
			tr.x = -float64(tr.w)
		}
		o := object{
			Label:      tr.label,
			Confidence: 0.6 + 0.35*sess.rng.Float64(),
			BBox:       bbox{X: int(tr.x), Y: int(tr.y), W: tr.w, H: tr.h},
		}
		if tracking {
			id := tr.id
			o.TrackID = &id
		}
		objs = append(objs, o)
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"objects": objs})
}

func main() {
	addr := flag.String("addr", ":8090", "listen address")
	vehicles := flag.Int("vehicles", 3, "simulated vehicles per session")
	flag.Parse()

	sim := newSimulator(*vehicles)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /detect", sim.detect)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})

	log.Printf("[Detector-Sim] listening on %s (%d vehicles/session)", *addr, *vehicles)
	log.Fatal(http.ListenAndServe(*addr, mux))
}
