package infrastructure

import (
	"encoding/json"
	"time"

	"github.com/draftea/order-saga/shared/events"
	"github.com/draftea/order-saga/shared/models"
	"github.com/pkg/errors"
)

// wireMessage is the JSON envelope exchanged with SNS and SQS
type wireMessage struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	Topic         string          `json:"topic"`
	Version       string          `json:"version"`
	Metadata      events.Metadata `json:"metadata,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// snsNotification is the body SQS receives from an SNS subscription without
// raw message delivery
type snsNotification struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func encodeEvent(event *events.Event) ([]byte, error) {
	payload, err := event.MarshalPayload()
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload")
	}

	msg, err := json.Marshal(&wireMessage{
		ID:            event.ID.String(),
		AggregateID:   event.AggregateID.String(),
		Topic:         event.Topic.String(),
		Version:       event.Version,
		Metadata:      event.Metadata,
		Payload:       payload,
		Timestamp:     event.Timestamp,
		CorrelationID: event.CorrelationID.String(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal message")
	}

	return msg, nil
}

// decodeEvent rebuilds an event from a wire message, unwrapping SNS
// notifications. The payload stays raw JSON until a handler decodes it.
func decodeEvent(body []byte) (*events.Event, error) {
	var notification snsNotification
	if err := json.Unmarshal(body, &notification); err == nil && notification.Type == "Notification" {
		body = []byte(notification.Message)
	}

	var msg wireMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, errors.Wrap(events.ErrInvalidEvent, err.Error())
	}

	if len(msg.Payload) == 0 {
		return nil, errors.Wrap(events.ErrInvalidPayload, "message has no payload")
	}

	metadata := msg.Metadata
	if metadata == nil {
		metadata = make(events.Metadata)
	}

	event := &events.Event{
		ID:            models.ID(msg.ID),
		AggregateID:   models.ID(msg.AggregateID),
		Topic:         events.Topic(msg.Topic),
		Version:       msg.Version,
		Data:          msg.Payload,
		Metadata:      metadata,
		Timestamp:     msg.Timestamp,
		CorrelationID: models.ID(msg.CorrelationID),
	}

	if event.ID.IsZero() {
		event.ID = models.GenerateUUID()
	}
	if event.AggregateID.IsZero() {
		var ref struct {
			OrderID models.ID `json:"order_id"`
		}
		if json.Unmarshal(msg.Payload, &ref) == nil {
			event.AggregateID = ref.OrderID
		}
	}

	return event, event.Validate()
}
