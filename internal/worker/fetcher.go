package worker

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/technosupport/ts-park/internal/detect"
)

const maxSnapshotBytes = 8 << 20 // 8MB

// SnapshotFetcher pulls single frames from a camera's snapshot endpoint.
type SnapshotFetcher struct {
	client *http.Client
}

func NewSnapshotFetcher(timeout time.Duration) *SnapshotFetcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SnapshotFetcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch retrieves and decodes one frame. The raw bytes are kept alongside
// the decoded image so the detector can forward them without re-encoding.
func (f *SnapshotFetcher) Fetch(ctx context.Context, url string) (detect.Frame, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return detect.Frame{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return detect.Frame{}, fmt.Errorf("snapshot fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return detect.Frame{}, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return detect.Frame{}, fmt.Errorf("snapshot read: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return detect.Frame{}, fmt.Errorf("snapshot decode: %w", err)
	}

	b := img.Bounds()
	return detect.Frame{
		Image:  img,
		JPEG:   raw,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
