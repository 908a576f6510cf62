package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/technosupport/ts-park/internal/occupancy"
)

// Publisher emits occupancy transitions for downstream consumers (billing,
// enforcement, dashboards).
type Publisher interface {
	PublishOccupancy(ctx context.Context, ev occupancy.Event) error
	Close()
}

// NATSPublisher publishes one message per transition on
// <prefix>.<parking_lot_id>, payload is the JSON-encoded event.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = "parking.occupancy"
	}
	nc, err := nats.Connect(url,
		nats.Name("ts-park-server"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Printf("[Events] NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[Events] NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) PublishOccupancy(_ context.Context, ev occupancy.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", p.prefix, ev.ParkingLotID)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// LogPublisher is the fallback when NATS is disabled: transitions still
// show up in the server log.
type LogPublisher struct{}

func (LogPublisher) PublishOccupancy(_ context.Context, ev occupancy.Event) error {
	log.Printf("[Events] %s space=%s lot=%s plate=%q", ev.Type, ev.SpaceName, ev.ParkingLotID, ev.Plate)
	return nil
}

func (LogPublisher) Close() {}
