package main

import (
	"github.com/evse-systems/charge-point-agent/internal/domain/events"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/message"
)

// telemetry publishes connector/transaction state changes onto the
// optional fleet-observability event bus. It is a thin adapter: the
// protocol managers know nothing about Kafka, they just report what
// happened through a plain callback.
type telemetry struct {
	producer      *message.KafkaProducer
	factory       *events.EventFactory
	chargePointID string
}

func newTelemetry(producer *message.KafkaProducer, chargePointID string) *telemetry {
	return &telemetry{producer: producer, factory: events.NewEventFactory(), chargePointID: chargePointID}
}

func (t *telemetry) publish(evt events.Event) {
	if t == nil || t.producer == nil {
		return
	}
	if err := t.producer.PublishEvent(evt); err != nil {
		// Best-effort: telemetry is never allowed to affect the OCPP
		// session itself, so failures are swallowed here and only
		// surface in the producer's own error log.
		return
	}
}

func (t *telemetry) connectorStatusChanged(connectorID uint32, status ocpp16.ChargePointStatus) {
	if t == nil {
		return
	}
	info := events.ConnectorInfo{
		ID:            int(connectorID),
		ChargePointID: t.chargePointID,
		Status:        connectorStatusFromOcpp16(status),
	}
	meta := events.Metadata{Source: t.chargePointID, ProtocolVersion: "1.6"}
	t.publish(t.factory.CreateConnectorStatusChangedEvent(t.chargePointID, info, events.ConnectorStatusAvailable, meta))
}

func connectorStatusFromOcpp16(status ocpp16.ChargePointStatus) events.ConnectorStatus {
	switch status {
	case ocpp16.ChargePointStatusPreparing:
		return events.ConnectorStatusPreparing
	case ocpp16.ChargePointStatusCharging:
		return events.ConnectorStatusCharging
	case ocpp16.ChargePointStatusSuspendedEVSE:
		return events.ConnectorStatusSuspendedEVSE
	case ocpp16.ChargePointStatusSuspendedEV:
		return events.ConnectorStatusSuspendedEV
	case ocpp16.ChargePointStatusFinishing:
		return events.ConnectorStatusFinishing
	case ocpp16.ChargePointStatusReserved:
		return events.ConnectorStatusReserved
	case ocpp16.ChargePointStatusUnavailable:
		return events.ConnectorStatusUnavailable
	case ocpp16.ChargePointStatusFaulted:
		return events.ConnectorStatusFaulted
	default:
		return events.ConnectorStatusAvailable
	}
}
