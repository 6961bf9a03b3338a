package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Actor roles recorded on emitted events.
const (
	ActorBuyer   = "buyer"
	ActorSeller  = "seller"
	ActorGateway = "gateway"
	ActorSystem  = "system"
)

// ActorRef identifies who produced the event.
type ActorRef struct {
	UserID *uuid.UUID `json:"userId,omitempty"`
	Role   string     `json:"role"`
}

// PayloadEnvelope is what consumers receive. Version covers the envelope and
// Data together; bump it when either changes shape.
type PayloadEnvelope struct {
	Version       int             `json:"version"`
	EventID       string          `json:"eventId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Actor         *ActorRef       `json:"actor,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// DecodeEnvelope parses a stored payload and rejects envelopes without an
// event id.
func DecodeEnvelope(payload []byte) (PayloadEnvelope, error) {
	var env PayloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return PayloadEnvelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventID == "" {
		return PayloadEnvelope{}, errors.New("envelope missing eventId")
	}
	return env, nil
}

// SystemActor is the actor for scheduler-driven transitions.
func SystemActor() *ActorRef {
	return &ActorRef{Role: ActorSystem}
}

// GatewayActor is the actor for transitions driven by payment notifications.
func GatewayActor() *ActorRef {
	return &ActorRef{Role: ActorGateway}
}

// UserActor builds an actor for a buyer or seller request.
func UserActor(userID uuid.UUID, role string) *ActorRef {
	id := userID
	return &ActorRef{UserID: &id, Role: role}
}
