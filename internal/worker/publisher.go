package worker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-park/internal/broadcast"
)

// FramePublisher delivers one annotated frame with its metadata.
type FramePublisher interface {
	PublishFrame(ctx context.Context, cameraID uuid.UUID, jpeg []byte, meta broadcast.Metadata) error
}

type metadataStore interface {
	StoreLatest(ctx context.Context, meta broadcast.Metadata) error
}

// HubPublisher publishes in-process: straight into the broadcast hub, with
// a best-effort copy into the latest-detection cache.
type HubPublisher struct {
	Hub   *broadcast.Hub
	Cache metadataStore
}

func NewHubPublisher(hub *broadcast.Hub, cache metadataStore) *HubPublisher {
	return &HubPublisher{Hub: hub, Cache: cache}
}

func (p *HubPublisher) PublishFrame(ctx context.Context, cameraID uuid.UUID, jpeg []byte, meta broadcast.Metadata) error {
	p.Hub.Get(cameraID).Publish(jpeg, meta)
	if p.Cache != nil {
		if err := p.Cache.StoreLatest(ctx, meta); err != nil {
			log.Printf("[Worker] cache store failed for %s: %v", cameraID, err)
		}
	}
	return nil
}

// RemotePublisher POSTs frames to a central server's broadcast ingress,
// for deployments where workers run next to the cameras.
type RemotePublisher struct {
	url    string
	token  string
	client *http.Client
}

func NewRemotePublisher(ingressURL, serviceToken string, timeout time.Duration) *RemotePublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemotePublisher{
		url:    ingressURL,
		token:  serviceToken,
		client: &http.Client{Timeout: timeout},
	}
}

func (p *RemotePublisher) PublishFrame(ctx context.Context, cameraID uuid.UUID, jpeg []byte, meta broadcast.Metadata) error {
	body, err := json.Marshal(map[string]interface{}{
		"camera_id":    cameraID.String(),
		"frame_base64": base64.StdEncoding.EncodeToString(jpeg),
		"metadata":     meta,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("X-Service-Token", p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("broadcast post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broadcast ingress status %d", resp.StatusCode)
	}
	return nil
}
