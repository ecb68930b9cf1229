// Package transfer implements the OCPP 1.6 DataTransfer vendor extension
// mechanism: an outbound Send that submits a DataTransferRequest as a
// direct call, and an inbound dispatcher handler that hands received
// vendor payloads to whichever Handler is registered for that vendor id.
package transfer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
)

// Caller performs a direct, un-queued OCPP call.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Handler answers a vendor-specific DataTransfer request received from the
// Central System. A returned zero DataTransferStatus is treated as Accepted.
type Handler func(ctx context.Context, messageID *string, data interface{}) (ocpp16.DataTransferStatus, interface{})

// Config carries timing knobs.
type Config struct {
	CallTimeout time.Duration
}

// DefaultConfig mirrors typical OCPP 1.6 call timeouts.
func DefaultConfig() Config {
	return Config{CallTimeout: 30 * time.Second}
}

// Manager routes inbound DataTransfer requests by vendor id and submits
// outbound ones directly, bypassing the persistent request FIFO: a vendor
// extension message has no transaction-ordering requirement to preserve.
type Manager struct {
	cfg    Config
	caller Caller
	log    *logger.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds a Manager with no vendors registered.
func New(cfg Config, caller Caller, log *logger.Logger) *Manager {
	return &Manager{cfg: cfg, caller: caller, log: log, handlers: make(map[string]Handler)}
}

// RegisterVendor installs h as the handler for every DataTransfer request
// carrying vendorID, overwriting any handler previously registered for it.
func (m *Manager) RegisterVendor(vendorID string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[vendorID] = h
}

// Register wires the inbound DataTransfer handler onto d.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	return d.Register("DataTransfer", m.handleDataTransfer)
}

// Send submits an outbound DataTransferRequest and returns the Central
// System's response.
func (m *Manager) Send(ctx context.Context, vendorID string, messageID *string, data interface{}) (ocpp16.DataTransferResponse, error) {
	req := ocpp16.DataTransferRequest{VendorId: vendorID, MessageId: messageID, Data: data}
	raw, err := m.caller.Call(ctx, "DataTransfer", req, m.cfg.CallTimeout)
	if err != nil {
		return ocpp16.DataTransferResponse{}, err
	}
	var resp ocpp16.DataTransferResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.log.Errorf("transfer: decoding DataTransfer.conf failed: %v", err)
		return ocpp16.DataTransferResponse{}, err
	}
	return resp, nil
}

func (m *Manager) handleDataTransfer(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.DataTransferRequest)

	m.mu.RLock()
	h, ok := m.handlers[req.VendorId]
	m.mu.RUnlock()
	if !ok {
		return ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}, nil
	}

	status, data := h(ctx, req.MessageId, req.Data)
	if status == "" {
		status = ocpp16.DataTransferStatusAccepted
	}
	return ocpp16.DataTransferResponse{Status: status, Data: data}, nil
}
