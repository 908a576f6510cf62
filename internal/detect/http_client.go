package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/technosupport/ts-park/internal/geometry"
)

const maxDetectResponseBytes = 1 << 20 // 1MB

// HTTPDetector talks to a detection sidecar over HTTP. The sidecar accepts
// a raw JPEG body on POST /detect and returns JSON objects in pixel
// coordinates. cmd/detector-sim implements the same contract.
type HTTPDetector struct {
	url    string
	client *http.Client
}

func NewHTTPDetector(detectURL string, timeout time.Duration) *HTTPDetector {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPDetector{
		url:    detectURL,
		client: &http.Client{Timeout: timeout},
	}
}

type wireObject struct {
	Label      string `json:"label"`
	Confidence float64 `json:"confidence"`
	BBox       struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"bbox"`
	TrackID *int `json:"track_id,omitempty"`
}

type wireResponse struct {
	Objects []wireObject `json:"objects"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame Frame, opts Options) ([]Detection, error) {
	q := url.Values{}
	q.Set("conf", strconv.FormatFloat(opts.ConfThreshold, 'f', -1, 64))
	q.Set("iou", strconv.FormatFloat(opts.IoUThreshold, 'f', -1, 64))
	if opts.TrackingEnabled {
		q.Set("track", "1")
	}
	if opts.SessionID != "" {
		q.Set("session", opts.SessionID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url+"?"+q.Encode(), bytes.NewReader(frame.JPEG))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "image/jpeg")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("detector status %d", resp.StatusCode)
	}

	var wire wireResponse
	body := io.LimitReader(resp.Body, maxDetectResponseBytes)
	if err := json.NewDecoder(body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("detector response: %w", err)
	}

	dets := make([]Detection, 0, len(wire.Objects))
	for _, o := range wire.Objects {
		det := Detection{
			Class:      o.Label,
			Confidence: o.Confidence,
			Box:        geometry.RectPx{X: o.BBox.X, Y: o.BBox.Y, W: o.BBox.W, H: o.BBox.H},
		}
		if opts.TrackingEnabled && o.TrackID != nil {
			tid := *o.TrackID
			det.TrackID = &tid
		}
		dets = append(dets, det)
	}
	return dets, nil
}
