// Package transaction implements the charge point side of the Core
// profile's transaction lifecycle: Authorize, StartTransaction/
// StopTransaction (delivered through the persistent request FIFO so a
// transaction record survives a disconnect), and the passive
// RemoteStartTransaction/RemoteStopTransaction/UnlockConnector handlers a
// Central System uses to initiate or cancel a session remotely.
//
// A transaction started while offline is assigned a negative local id,
// exactly as the reference implementation does, and the FIFO's
// RewriteOfflineID hook patches the StopTransaction/MeterValues entries
// already queued for it once the real id comes back from the Central
// System.
package transaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/storage"
)

func errTransactionInProgress(connectorID uint32) error {
	return fmt.Errorf("transaction: connector %d already has an active transaction", connectorID)
}

func errNoTransaction(connectorID uint32) error {
	return fmt.Errorf("transaction: connector %d has no active transaction", connectorID)
}

// Caller performs a direct, un-queued OCPP call, used for Authorize which
// carries no transaction-ordering requirement of its own.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Fifo hands a transaction-critical message to the persistent delivery
// queue.
type Fifo interface {
	Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error
}

// Controller is implemented by the embedding application to actually act on
// remotely-requested session changes; it owns the hardware/contactor state,
// this package only owns the protocol bookkeeping.
type Controller interface {
	// RemoteStartRequested is asked whether connectorID should begin
	// charging for idTag. Returning false rejects the request.
	RemoteStartRequested(ctx context.Context, connectorID uint32, idTag string) bool
	// RemoteStopRequested is asked to stop the transaction running on
	// connectorID. Returning false rejects the request.
	RemoteStopRequested(ctx context.Context, connectorID uint32, transactionID int) bool
	// UnlockConnector is asked to release the connector's physical lock.
	UnlockConnector(ctx context.Context, connectorID uint32) ocpp16.UnlockStatus
}

// Config carries timing knobs.
type Config struct {
	CallTimeout time.Duration
}

// DefaultConfig mirrors typical OCPP 1.6 Core profile defaults.
func DefaultConfig() Config {
	return Config{CallTimeout: 30 * time.Second}
}

type connectorTransaction struct {
	transactionID int
	idTag         string
	offline       bool
}

// Manager tracks the one active transaction per connector and wires
// Authorize/StartTransaction/StopTransaction/RemoteStartTransaction/
// RemoteStopTransaction/UnlockConnector together.
type Manager struct {
	cfg        Config
	caller     Caller
	fifo       Fifo
	controller Controller
	store      storage.Store
	log        *logger.Logger

	mu            sync.Mutex
	connectors    map[uint32]*connectorTransaction
	nextOfflineID int
	// offlineIDs maps a negative placeholder transaction id to the real id
	// once the Central System has assigned one, so StopTransaction/
	// MeterValues entries still queued under the placeholder get rewritten.
	offlineIDs map[int]int

	// OnStatusChange is invoked whenever a transaction starts or stops on a
	// connector, so a status-notification layer can react without this
	// package needing to know about ChargePointStatus transitions itself.
	OnStatusChange func(connectorID uint32, status ocpp16.ChargePointStatus)

	// OnDeauthorized is invoked when a StartTransaction CALLRESULT reports
	// idTagInfo.status Blocked/Invalid/Expired: the Central System has
	// refused the idTag that was charging on connectorID, and the embedder
	// (and internal/metervalues) must stop treating the transaction as
	// authorized.
	OnDeauthorized func(connectorID uint32)
}

// New builds a Manager. controller may be nil; remote start/stop and
// unlock requests are then rejected/NotSupported instead of panicking.
func New(cfg Config, caller Caller, fifo Fifo, controller Controller, store storage.Store, log *logger.Logger) *Manager {
	return &Manager{
		cfg:           cfg,
		caller:        caller,
		fifo:          fifo,
		controller:    controller,
		store:         store,
		log:           log,
		connectors:    make(map[uint32]*connectorTransaction),
		nextOfflineID: -1,
		offlineIDs:    make(map[int]int),
	}
}

// Register wires RemoteStartTransaction, RemoteStopTransaction and
// UnlockConnector onto d. StartTransaction/StopTransaction are outbound
// only and have no dispatcher registration.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	handlers := map[string]dispatcher.HandlerFunc{
		"RemoteStartTransaction": m.handleRemoteStartTransaction,
		"RemoteStopTransaction":  m.handleRemoteStopTransaction,
		"UnlockConnector":        m.handleUnlockConnector,
	}
	for action, h := range handlers {
		if err := d.Register(action, h); err != nil {
			return err
		}
	}
	return nil
}

// Authorize places a direct Authorize call for idTag and reports whether
// the Central System accepted it.
func (m *Manager) Authorize(ctx context.Context, idTag string) (ocpp16.IdTagInfo, error) {
	raw, err := m.caller.Call(ctx, "Authorize", ocpp16.AuthorizeRequest{IdTag: idTag}, m.cfg.CallTimeout)
	if err != nil {
		return ocpp16.IdTagInfo{}, err
	}
	var resp ocpp16.AuthorizeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ocpp16.IdTagInfo{}, err
	}
	return resp.IdTagInfo, nil
}

// StartTransaction begins a transaction on connectorID, queuing the
// StartTransaction message through the FIFO. Every transaction, online or
// offline, is assigned a fresh negative placeholder id that the FIFO's
// RewriteOfflineID hook later replaces.
func (m *Manager) StartTransaction(ctx context.Context, connectorID uint32, idTag string, meterStart int, offline bool) (int, error) {
	m.mu.Lock()
	if _, active := m.connectors[connectorID]; active {
		m.mu.Unlock()
		return 0, errTransactionInProgress(connectorID)
	}
	localID := m.nextOfflineID
	m.nextOfflineID--
	m.connectors[connectorID] = &connectorTransaction{transactionID: localID, idTag: idTag, offline: offline}
	m.mu.Unlock()

	req := ocpp16.StartTransactionRequest{
		ConnectorId: int(connectorID),
		IdTag:       idTag,
		MeterStart:  meterStart,
		Timestamp:   ocpp16.DateTime{Time: time.Now()},
	}
	if err := m.fifo.Push(ctx, connectorID, "StartTransaction", req); err != nil {
		m.mu.Lock()
		delete(m.connectors, connectorID)
		m.mu.Unlock()
		return 0, err
	}
	if m.OnStatusChange != nil {
		m.OnStatusChange(connectorID, ocpp16.ChargePointStatusCharging)
	}
	return localID, nil
}

// StopTransaction ends the transaction on connectorID, queuing the
// StopTransaction message through the FIFO.
func (m *Manager) StopTransaction(ctx context.Context, connectorID uint32, meterStop int, reason ocpp16.Reason, transactionData []ocpp16.MeterValue) error {
	m.mu.Lock()
	tx, active := m.connectors[connectorID]
	if !active {
		m.mu.Unlock()
		return errNoTransaction(connectorID)
	}
	delete(m.connectors, connectorID)
	m.mu.Unlock()

	idTag := &tx.idTag
	if tx.idTag == "" {
		idTag = nil
	}
	req := ocpp16.StopTransactionRequest{
		IdTag:           idTag,
		MeterStop:       meterStop,
		Timestamp:       ocpp16.DateTime{Time: time.Now()},
		TransactionId:   tx.transactionID,
		Reason:          &reason,
		TransactionData: transactionData,
	}
	if err := m.fifo.Push(ctx, connectorID, "StopTransaction", req); err != nil {
		return err
	}
	if m.OnStatusChange != nil {
		m.OnStatusChange(connectorID, ocpp16.ChargePointStatusFinishing)
	}
	return nil
}

// ActiveTransaction reports the transaction id running on connectorID, if
// any.
func (m *Manager) ActiveTransaction(connectorID uint32) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.connectors[connectorID]
	if !ok {
		return 0, false
	}
	return tx.transactionID, true
}

// HandleDelivered implements the fifo.Manager.OnDelivered hook. Every
// StartTransaction, whether it was queued while offline or while connected,
// carries the negative placeholder id assigned in StartTransaction until
// this fires; the real transaction id from the response then replaces it in
// this manager's own bookkeeping and is remembered so RewriteOfflineID can
// patch whatever StopTransaction/MeterValues entries were queued under it
// in the meantime. idTagInfo.status then decides what happens next: only
// Accepted leaves the transaction running untouched; Blocked/Invalid/
// Expired deauthorizes it; ConcurrentTx resolves the id (so the wire never
// carries the placeholder again) without treating the idTag as validated.
func (m *Manager) HandleDelivered(entry storage.FifoEntry, response json.RawMessage) {
	if entry.Action != "StartTransaction" {
		return
	}
	var resp ocpp16.StartTransactionResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		m.log.Errorf("transaction: decoding StartTransaction response failed: %v", err)
		return
	}

	m.mu.Lock()
	tx, ok := m.connectors[entry.ConnectorID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if tx.transactionID < 0 {
		m.offlineIDs[tx.transactionID] = resp.TransactionId
	}
	tx.transactionID = resp.TransactionId
	tx.offline = false
	m.mu.Unlock()

	switch resp.IdTagInfo.Status {
	case ocpp16.AuthorizationStatusBlocked, ocpp16.AuthorizationStatusInvalid, ocpp16.AuthorizationStatusExpired:
		if m.OnDeauthorized != nil {
			m.OnDeauthorized(entry.ConnectorID)
		}
	case ocpp16.AuthorizationStatusConcurrentTx:
		// The id above is still resolved so the wire never carries the
		// placeholder again, but the idTag must not be treated as freshly
		// validated: no authorization cache update follows from this path.
	case ocpp16.AuthorizationStatusAccepted:
		// Normal path; nothing further to do.
	}
}

// RewriteOfflineID implements the fifo.Manager.RewriteOfflineID hook: a
// StopTransaction or MeterValues entry still carrying a resolved negative
// placeholder transaction id is rewritten to the real one before it is
// sent.
func (m *Manager) RewriteOfflineID(entry storage.FifoEntry) (json.RawMessage, bool) {
	if entry.Action != "StopTransaction" && entry.Action != "MeterValues" {
		return nil, false
	}

	var holder struct {
		TransactionId *int `json:"transactionId,omitempty"`
	}
	if err := json.Unmarshal(entry.Payload, &holder); err != nil || holder.TransactionId == nil {
		return nil, false
	}

	m.mu.Lock()
	realID, known := m.offlineIDs[*holder.TransactionId]
	m.mu.Unlock()
	if !known {
		return nil, false
	}

	patched := map[string]interface{}{}
	if err := json.Unmarshal(entry.Payload, &patched); err != nil {
		return nil, false
	}
	patched["transactionId"] = realID
	raw, err := json.Marshal(patched)
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (m *Manager) handleRemoteStartTransaction(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.RemoteStartTransactionRequest)

	connectorID := uint32(1)
	if req.ConnectorId != nil {
		connectorID = uint32(*req.ConnectorId)
	}
	if m.controller == nil || !m.controller.RemoteStartRequested(ctx, connectorID, req.IdTag) {
		return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}
	return ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

func (m *Manager) handleRemoteStopTransaction(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.RemoteStopTransactionRequest)

	connectorID, ok := m.connectorForTransaction(req.TransactionId)
	if !ok || m.controller == nil || !m.controller.RemoteStopRequested(ctx, connectorID, req.TransactionId) {
		return ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, nil
	}
	return ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, nil
}

func (m *Manager) handleUnlockConnector(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.UnlockConnectorRequest)

	if m.controller == nil {
		return ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusNotSupported}, nil
	}
	status := m.controller.UnlockConnector(ctx, uint32(req.ConnectorId))
	return ocpp16.UnlockConnectorResponse{Status: status}, nil
}

func (m *Manager) connectorForTransaction(transactionID int) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for connectorID, tx := range m.connectors {
		if tx.transactionID == transactionID {
			return connectorID, true
		}
	}
	return 0, false
}
