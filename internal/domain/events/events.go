package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the common interface every domain event on the fleet bus
// implements, regardless of what it carries as a payload.
type Event interface {
	GetID() string
	GetType() EventType
	GetChargePointID() string
	GetTimestamp() time.Time
	GetSeverity() EventSeverity
	GetMetadata() Metadata
	GetPayload() interface{}
	ToJSON() ([]byte, error)
}

// BaseEvent carries the fields common to every event type.
type BaseEvent struct {
	ID            string        `json:"id"`
	Type          EventType     `json:"type"`
	ChargePointID string        `json:"charge_point_id"`
	Timestamp     time.Time     `json:"timestamp"`
	Severity      EventSeverity `json:"severity"`
	Metadata      Metadata      `json:"metadata"`
}

func (e *BaseEvent) GetID() string                 { return e.ID }
func (e *BaseEvent) GetType() EventType             { return e.Type }
func (e *BaseEvent) GetChargePointID() string       { return e.ChargePointID }
func (e *BaseEvent) GetTimestamp() time.Time        { return e.Timestamp }
func (e *BaseEvent) GetSeverity() EventSeverity     { return e.Severity }
func (e *BaseEvent) GetMetadata() Metadata          { return e.Metadata }

// NewBaseEvent stamps a fresh ID and timestamp for a new event.
func NewBaseEvent(eventType EventType, chargePointID string, severity EventSeverity, metadata Metadata) *BaseEvent {
	return &BaseEvent{
		ID:            uuid.New().String(),
		Type:          eventType,
		ChargePointID: chargePointID,
		Timestamp:     time.Now().UTC(),
		Severity:      severity,
		Metadata:      metadata,
	}
}

// ConnectorStatusChangedEvent reports a connector's status transition.
type ConnectorStatusChangedEvent struct {
	*BaseEvent
	ConnectorInfo  ConnectorInfo   `json:"connector_info"`
	PreviousStatus ConnectorStatus `json:"previous_status"`
}

func (e *ConnectorStatusChangedEvent) GetPayload() interface{} {
	return map[string]interface{}{
		"connector_info":  e.ConnectorInfo,
		"previous_status": e.PreviousStatus,
	}
}

func (e *ConnectorStatusChangedEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFactory builds envelope-stamped events.
type EventFactory struct{}

func NewEventFactory() *EventFactory {
	return &EventFactory{}
}

// CreateConnectorStatusChangedEvent builds a connector status-change event.
func (f *EventFactory) CreateConnectorStatusChangedEvent(chargePointID string, connectorInfo ConnectorInfo, previousStatus ConnectorStatus, metadata Metadata) *ConnectorStatusChangedEvent {
	return &ConnectorStatusChangedEvent{
		BaseEvent:      NewBaseEvent(EventTypeConnectorStatusChanged, chargePointID, EventSeverityInfo, metadata),
		ConnectorInfo:  connectorInfo,
		PreviousStatus: previousStatus,
	}
}
