// Package ingestion accepts measurements from test stations (over HTTP or MQTT)
// and hands them to the broker as durable messages.
package ingestion

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/illmade-knight/teststation/pkg/broker"
	"github.com/illmade-knight/teststation/pkg/types"
	"github.com/rs/zerolog"
)

// Publisher publishes a payload on a named route. *broker.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, route string, payload []byte) error
}

// Producer publishes raw measurements to the raw stream. It does not buffer or
// deduplicate: every call produces exactly one publish attempt.
type Producer struct {
	publisher Publisher
	route     string
	logger    zerolog.Logger
}

// NewProducer creates a Producer that publishes on route.
func NewProducer(publisher Publisher, route string, logger zerolog.Logger) (*Producer, error) {
	if publisher == nil {
		return nil, errors.New("ingestion: publisher is required")
	}
	if route == "" {
		return nil, errors.New("ingestion: raw route is required")
	}
	return &Producer{
		publisher: publisher,
		route:     route,
		logger:    logger.With().Str("component", "Producer").Str("route", route).Logger(),
	}, nil
}

// Publish serialises m and publishes it. Failures are returned as *broker.PublishError.
func (p *Producer) Publish(ctx context.Context, m *types.RawMeasurement) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return &broker.PublishError{Route: p.route, Err: err}
	}
	if err := p.publisher.Publish(ctx, p.route, payload); err != nil {
		var pubErr *broker.PublishError
		if errors.As(err, &pubErr) {
			return err
		}
		return &broker.PublishError{Route: p.route, Err: err}
	}
	p.logger.Debug().Str("barcode", m.Barcode).Str("machine_id", m.MachineID).Msg("Measurement queued.")
	return nil
}
