package events

// EventType identifies the kind of domain event carried on the bus.
type EventType string

const (
	EventTypeConnectorStatusChanged EventType = "connector.status_changed"
)

// EventSeverity is the operational severity attached to an event.
type EventSeverity string

const (
	EventSeverityInfo     EventSeverity = "info"
	EventSeverityWarning  EventSeverity = "warning"
	EventSeverityError    EventSeverity = "error"
	EventSeverityCritical EventSeverity = "critical"
)

// ConnectorStatus is the connector status vocabulary carried on events,
// independent of the wire-level OCPP 1.6/2.0.1 status enums.
type ConnectorStatus string

const (
	ConnectorStatusAvailable     ConnectorStatus = "available"
	ConnectorStatusPreparing     ConnectorStatus = "preparing"
	ConnectorStatusCharging      ConnectorStatus = "charging"
	ConnectorStatusSuspendedEVSE ConnectorStatus = "suspended_evse"
	ConnectorStatusSuspendedEV   ConnectorStatus = "suspended_ev"
	ConnectorStatusFinishing     ConnectorStatus = "finishing"
	ConnectorStatusReserved      ConnectorStatus = "reserved"
	ConnectorStatusUnavailable   ConnectorStatus = "unavailable"
	ConnectorStatusFaulted       ConnectorStatus = "faulted"
)

// ConnectorInfo describes the connector a status-change event is about.
type ConnectorInfo struct {
	ID               int             `json:"id"`
	ChargePointID    string          `json:"charge_point_id"`
	Status           ConnectorStatus `json:"status"`
	ErrorCode        *string         `json:"error_code,omitempty"`
	ErrorDescription *string         `json:"error_description,omitempty"`
	VendorErrorCode  *string         `json:"vendor_error_code,omitempty"`
}

// Metadata is the envelope metadata carried alongside every event.
type Metadata struct {
	Source          string                 `json:"source"`
	CorrelationID   *string                `json:"correlation_id,omitempty"`
	ProtocolVersion string                 `json:"protocol_version"`
	MessageID       *string                `json:"message_id,omitempty"`
	Custom          map[string]interface{} `json:"custom,omitempty"`
}
