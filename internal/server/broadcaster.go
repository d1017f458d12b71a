package server

import (
	"errors"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/Kascencio/backend-appacua/internal/logging"
	"github.com/Kascencio/backend-appacua/internal/metrics"
)

const eventTypeReadingCreated = "lectura.created"

type streamMessage struct {
	Type    string        `json:"type"`
	Data    *ReadingEvent `json:"data,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Broadcaster delivers reading events to every matching subscriber in the
// registry.
type Broadcaster struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewBroadcaster(registry *Registry) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		logger:   logging.WithComponent("broadcaster"),
	}
}

// Publish never blocks on a subscriber and never returns a delivery failure;
// a slow or closed subscriber only loses its own copy. The return value is
// the number of subscribers that accepted the event.
func (broadcaster *Broadcaster) Publish(event ReadingEvent) int {
	frame, err := json.Marshal(streamMessage{Type: eventTypeReadingCreated, Data: &event})
	if err != nil {
		broadcaster.logger.Error().Err(err).Int64("id_lectura", event.IDLectura).Msg("encode reading event")
		return 0
	}

	delivered := 0
	for _, subscriber := range broadcaster.registry.Snapshot() {
		if !subscriber.Filter.Matches(event) {
			continue
		}

		switch err := subscriber.Enqueue(frame); {
		case err == nil:
			delivered++
			metrics.StreamDeliveries.WithLabelValues(metrics.DeliverySent).Inc()
		case errors.Is(err, ErrSubscriberBusy):
			metrics.StreamDeliveries.WithLabelValues(metrics.DeliveryBusy).Inc()
			broadcaster.logDrop(subscriber, event, err)
		default:
			metrics.StreamDeliveries.WithLabelValues(metrics.DeliveryClosed).Inc()
			broadcaster.logDrop(subscriber, event, err)
		}
	}
	return delivered
}

func (broadcaster *Broadcaster) logDrop(subscriber *Subscriber, event ReadingEvent, err error) {
	broadcaster.logger.Debug().
		Err(err).
		Str("subscriber", subscriber.ID).
		Int64("id_lectura", event.IDLectura).
		Msg("dropped reading event")
}

func encodeStreamError(message string) []byte {
	frame, err := json.Marshal(streamMessage{Type: "error", Message: message})
	if err != nil {
		return []byte(`{"type":"error","message":"internal error"}`)
	}
	return frame
}
