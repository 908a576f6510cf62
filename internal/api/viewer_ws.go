package api

import (
	"bytes"
	"encoding/base64"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-park/internal/broadcast"
	"github.com/technosupport/ts-park/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// ViewerWSHandler streams annotated frames to browser viewers.
type ViewerWSHandler struct {
	Hub           *broadcast.Hub
	SendTimeout   time.Duration
	KeepaliveIdle time.Duration
}

func NewViewerWSHandler(hub *broadcast.Hub, sendTimeout, keepaliveIdle time.Duration) *ViewerWSHandler {
	return &ViewerWSHandler{
		Hub:           hub,
		SendTimeout:   sendTimeout,
		KeepaliveIdle: keepaliveIdle,
	}
}

type frameMessage struct {
	Type       string             `json:"type"`
	CameraID   uuid.UUID          `json:"camera_id"`
	Frame      string             `json:"frame"`
	Metadata   broadcast.Metadata `json:"metadata"`
	FrameCount uint64             `json:"frame_count"`
	Timestamp  int64              `json:"timestamp"`
}

// GET /ws/viewer/detection?camera_id=<uuid>
func (h *ViewerWSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	cameraID, err := uuid.Parse(r.URL.Query().Get("camera_id"))
	if err != nil {
		http.Error(w, "camera_id required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade Failed: %v", err)
		return
	}
	defer conn.Close()

	// Viewers may connect before the worker publishes anything; Get creates
	// the broadcaster so the first frame reaches them.
	b := h.Hub.Get(cameraID)
	viewer := b.Subscribe()
	defer b.Unsubscribe(viewer)

	metrics.ViewerConnections.Inc()
	defer metrics.ViewerConnections.Dec()

	log.Printf("[WS] Viewer connected: camera=%s viewers=%d", cameraID, b.ViewerCount())

	// Reader goroutine: handles client pings and detects disconnect.
	// Clients send the literal text "ping"; anything else is ignored.
	pings := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if bytes.Equal(bytes.TrimSpace(msg), []byte("ping")) {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	keepalive := time.NewTicker(h.KeepaliveIdle)
	defer keepalive.Stop()

	for {
		select {
		case <-done:
			log.Printf("[WS] Viewer disconnected: camera=%s", cameraID)
			return

		case <-pings:
			if err := h.writeText(conn, "pong"); err != nil {
				return
			}

		case f := <-viewer.Frames():
			keepalive.Reset(h.KeepaliveIdle)
			msg := frameMessage{
				Type:       "frame",
				CameraID:   cameraID,
				Frame:      "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(f.JPEG),
				Metadata:   f.Meta,
				FrameCount: f.Seq,
				Timestamp:  f.Meta.TimestampMS,
			}
			if err := h.write(conn, msg); err != nil {
				log.Printf("[WS] Write Error: camera=%s err=%v", cameraID, err)
				return
			}

		case <-keepalive.C:
			// No frames lately (worker down or backing off): keep the
			// socket alive so the viewer does not have to reconnect.
			if err := h.writeText(conn, "keepalive"); err != nil {
				return
			}
		}
	}
}

func (h *ViewerWSHandler) write(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(h.SendTimeout))
	return conn.WriteJSON(v)
}

func (h *ViewerWSHandler) writeText(conn *websocket.Conn, s string) error {
	conn.SetWriteDeadline(time.Now().Add(h.SendTimeout))
	return conn.WriteMessage(websocket.TextMessage, []byte(s))
}
