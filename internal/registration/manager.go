// Package registration drives the BootNotification/Heartbeat/StatusNotification
// state machine: it owns the registration status (Rejected/Pending/Accepted),
// restarts BootNotification on every reconnect until accepted, debounces
// connector status notifications by MinimumStatusDuration, and keeps the
// heartbeat cadence in sync with whatever interval the Central System grants.
package registration

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/metrics"
	"github.com/evse-systems/charge-point-agent/internal/rpc"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

// Caller is the subset of rpc.Transport the manager needs to place calls.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// StatusStore is the subset of storage.Store the manager needs to persist
// the last known registration status across restarts.
type StatusStore interface {
	SetValue(ctx context.Context, key, value string) error
	GetValue(ctx context.Context, key string) (string, error)
}

// Identity describes this charge point's BootNotification fields.
type Identity struct {
	ChargePointVendor       string
	ChargePointModel        string
	ChargePointSerialNumber string
	ChargeBoxSerialNumber   string
	FirmwareVersion         string
	Iccid                   string
	Imsi                    string
	MeterType               string
	MeterSerialNumber       string
}

// Config controls retry and debounce behavior.
type Config struct {
	// RetryInterval is used when the BootNotification call itself fails
	// (transport error), mirroring the stack's configured retry interval.
	RetryInterval time.Duration
	// DefaultHeartbeatInterval seeds the heartbeat timer until a BootNotification
	// response supplies one.
	DefaultHeartbeatInterval time.Duration
	// MinimumStatusDuration debounces repeated StatusNotification sends for
	// the same connector; zero sends immediately.
	MinimumStatusDuration time.Duration
	CallTimeout           time.Duration
	// MaxHeartbeatInterval caps the heartbeat interval, whether granted by a
	// BootNotification response or taken from DefaultHeartbeatInterval,
	// regardless of what the Central System asks
	// for. Zero leaves the interval uncapped. OCPP 2.0.1 deployments must
	// set this to 24h per the mandatory heartbeat bound.
	MaxHeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RetryInterval:            10 * time.Second,
		DefaultHeartbeatInterval: 300 * time.Second,
		MinimumStatusDuration:    0,
		CallTimeout:              30 * time.Second,
		MaxHeartbeatInterval:     0,
	}
}

type connectorState struct {
	status             ocpp16.ChargePointStatus
	lastNotifiedStatus ocpp16.ChargePointStatus
	errorCode          ocpp16.ChargePointErrorCode
	info               string
	vendorID           string
	vendorErrorCode    string
	timestamp          time.Time
	debounceTimer      workerpool.TimerHandle
}

// Manager implements the registration state machine described for
// BootNotification/Heartbeat/StatusNotification.
type Manager struct {
	identity Identity
	cfg      Config
	caller   Caller
	store    StatusStore
	timers   *workerpool.TimerPool
	pool     *workerpool.Pool
	log      *logger.Logger

	mu                 sync.Mutex
	status             ocpp16.RegistrationStatus
	forceReRegister    bool
	bootNotificationTx workerpool.TimerHandle
	heartbeatTx        workerpool.TimerHandle
	connectors         map[uint32]*connectorState

	// OnAccepted is invoked once per transition into Accepted status.
	OnAccepted func()
}

// New builds a Manager starting in Rejected status, matching the stack's
// fail-safe default until the first successful BootNotification.
func New(identity Identity, cfg Config, caller Caller, store StatusStore, timers *workerpool.TimerPool, pool *workerpool.Pool, log *logger.Logger) *Manager {
	return &Manager{
		identity:   identity,
		cfg:        cfg,
		caller:     caller,
		store:      store,
		timers:     timers,
		pool:       pool,
		log:        log,
		status:     ocpp16.RegistrationStatusRejected,
		connectors: make(map[uint32]*connectorState),
	}
}

// Status returns the current registration status.
func (m *Manager) Status() ocpp16.RegistrationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// RegistrationAccepted implements fifo.StateProvider.
func (m *Manager) RegistrationAccepted() bool {
	return m.Status() == ocpp16.RegistrationStatusAccepted
}

// ForceReRegistration requests a new BootNotification cycle on the next
// reconnect, e.g. after a firmware update.
func (m *Manager) ForceReRegistration() {
	m.mu.Lock()
	m.forceReRegister = true
	m.mu.Unlock()
}

// RegisterConnector seeds a connector's initial status so the first boot
// cycle has something to report.
func (m *Manager) RegisterConnector(id uint32, status ocpp16.ChargePointStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectors[id] = &connectorState{status: status, timestamp: time.Now().UTC()}
}

// OnStateChange implements rpc.Listener: reconnecting kicks the boot/status
// machine back into motion, disconnecting stops the timers.
func (m *Manager) OnStateChange(old, next rpc.State) {
	if next == rpc.StateConnected {
		m.handleConnected()
	} else if old == rpc.StateConnected {
		m.handleDisconnected()
	}
}

func (m *Manager) handleConnected() {
	m.mu.Lock()
	needsBoot := m.forceReRegister || m.status != ocpp16.RegistrationStatusAccepted
	m.mu.Unlock()

	if needsBoot {
		m.timers.After(time.Millisecond, func(ctx context.Context) {
			m.bootNotificationCycle(ctx)
		})
		return
	}

	m.mu.Lock()
	ids := make([]uint32, 0, len(m.connectors))
	for id, c := range m.connectors {
		if c.status != c.lastNotifiedStatus {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	for _, id := range ids {
		id := id
		m.pool.Submit(func(ctx context.Context) { m.sendStatusNotification(ctx, id) })
	}
	m.restartHeartbeat(m.cfg.DefaultHeartbeatInterval)
}

func (m *Manager) handleDisconnected() {
	m.mu.Lock()
	boot, hb := m.bootNotificationTx, m.heartbeatTx
	m.mu.Unlock()
	m.timers.Cancel(boot)
	m.timers.Cancel(hb)
}

func (m *Manager) bootNotificationCycle(ctx context.Context) {
	req := ocpp16.BootNotificationRequest{
		ChargePointVendor: m.identity.ChargePointVendor,
		ChargePointModel:  m.identity.ChargePointModel,
	}
	if m.identity.ChargePointSerialNumber != "" {
		req.ChargePointSerialNumber = &m.identity.ChargePointSerialNumber
	}
	if m.identity.ChargeBoxSerialNumber != "" {
		req.ChargeBoxSerialNumber = &m.identity.ChargeBoxSerialNumber
	}
	if m.identity.FirmwareVersion != "" {
		req.FirmwareVersion = &m.identity.FirmwareVersion
	}
	if m.identity.Iccid != "" {
		req.Iccid = &m.identity.Iccid
	}
	if m.identity.Imsi != "" {
		req.Imsi = &m.identity.Imsi
	}
	if m.identity.MeterType != "" {
		req.MeterType = &m.identity.MeterType
	}
	if m.identity.MeterSerialNumber != "" {
		req.MeterSerialNumber = &m.identity.MeterSerialNumber
	}

	m.mu.Lock()
	m.status = ocpp16.RegistrationStatusRejected
	m.mu.Unlock()

	raw, err := m.caller.Call(ctx, "BootNotification", req, m.cfg.CallTimeout)
	if err != nil {
		m.log.Warnf("registration: BootNotification call failed, retrying in %s: %v", m.cfg.RetryInterval, err)
		m.timers.After(m.cfg.RetryInterval, func(ctx context.Context) { m.bootNotificationCycle(ctx) })
		return
	}

	var resp ocpp16.BootNotificationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.log.Errorf("registration: failed to decode BootNotification response: %v", err)
		m.timers.After(m.cfg.RetryInterval, func(ctx context.Context) { m.bootNotificationCycle(ctx) })
		return
	}

	m.mu.Lock()
	m.status = resp.Status
	m.forceReRegister = false
	m.mu.Unlock()

	metrics.RegistrationStatus.WithLabelValues(string(resp.Status)).Inc()
	if err := m.store.SetValue(ctx, "LastRegistrationStatus", string(resp.Status)); err != nil {
		m.log.Warnf("registration: failed to persist registration status: %v", err)
	}
	m.log.Infof("registration: status %s", resp.Status)

	if resp.Status == ocpp16.RegistrationStatusAccepted {
		m.mu.Lock()
		ids := make([]uint32, 0, len(m.connectors))
		for id := range m.connectors {
			ids = append(ids, id)
		}
		m.mu.Unlock()
		for _, id := range ids {
			id := id
			m.pool.Submit(func(ctx context.Context) { m.sendStatusNotification(ctx, id) })
		}
		interval := time.Duration(resp.Interval) * time.Second
		if interval <= 0 {
			interval = m.cfg.DefaultHeartbeatInterval
		}
		m.restartHeartbeat(interval)
		if m.OnAccepted != nil {
			m.OnAccepted()
		}
		return
	}

	retry := time.Duration(resp.Interval) * time.Second
	if retry <= 0 {
		retry = m.cfg.RetryInterval
	}
	m.mu.Lock()
	m.bootNotificationTx = m.timers.After(retry, func(ctx context.Context) { m.bootNotificationCycle(ctx) })
	m.mu.Unlock()
}

func (m *Manager) restartHeartbeat(interval time.Duration) {
	if m.cfg.MaxHeartbeatInterval > 0 && interval > m.cfg.MaxHeartbeatInterval {
		m.log.Debugf("registration: clamping heartbeat interval %s to configured maximum %s", interval, m.cfg.MaxHeartbeatInterval)
		interval = m.cfg.MaxHeartbeatInterval
	}
	m.mu.Lock()
	m.timers.Cancel(m.heartbeatTx)
	m.heartbeatTx = m.timers.Every(interval, func(ctx context.Context) { m.sendHeartbeat(ctx) })
	m.mu.Unlock()
}

func (m *Manager) sendHeartbeat(ctx context.Context) {
	raw, err := m.caller.Call(ctx, "Heartbeat", ocpp16.HeartbeatRequest{}, m.cfg.CallTimeout)
	if err != nil {
		m.log.Warnf("registration: heartbeat failed: %v", err)
		return
	}
	var resp ocpp16.HeartbeatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.log.Warnf("registration: failed to decode heartbeat response: %v", err)
		return
	}
	m.log.Debugf("registration: heartbeat acknowledged, server time %s", resp.CurrentTime.Time)
}

// UpdateConnectorStatus records a connector's new status and, once
// registration is Accepted, triggers (or schedules) a StatusNotification.
func (m *Manager) UpdateConnectorStatus(connectorID uint32, status ocpp16.ChargePointStatus, errorCode ocpp16.ChargePointErrorCode, info, vendorID, vendorErrorCode string) {
	m.mu.Lock()
	c, ok := m.connectors[connectorID]
	if !ok {
		c = &connectorState{}
		m.connectors[connectorID] = c
	}
	if c.status == status {
		m.mu.Unlock()
		return
	}
	c.status = status
	c.errorCode = errorCode
	c.info = info
	c.vendorID = vendorID
	c.vendorErrorCode = vendorErrorCode
	c.timestamp = time.Now().UTC()
	accepted := m.status == ocpp16.RegistrationStatusAccepted
	duration := m.cfg.MinimumStatusDuration
	m.mu.Unlock()

	if !accepted {
		return
	}
	if duration <= 0 {
		m.pool.Submit(func(ctx context.Context) { m.sendStatusNotification(ctx, connectorID) })
		return
	}

	m.mu.Lock()
	m.timers.Cancel(c.debounceTimer)
	c.debounceTimer = m.timers.After(duration, func(ctx context.Context) {
		m.mu.Lock()
		fire := c.status != c.lastNotifiedStatus
		m.mu.Unlock()
		if !fire {
			return
		}
		m.sendStatusNotification(ctx, connectorID)
	})
	m.mu.Unlock()
}

func (m *Manager) sendStatusNotification(ctx context.Context, connectorID uint32) {
	m.mu.Lock()
	c, ok := m.connectors[connectorID]
	m.mu.Unlock()
	if !ok {
		return
	}

	req := ocpp16.StatusNotificationRequest{
		ConnectorId: int(connectorID),
		ErrorCode:   c.errorCode,
		Status:      c.status,
	}
	if c.info != "" {
		req.Info = &c.info
	}
	if c.vendorID != "" {
		req.VendorId = &c.vendorID
	}
	if c.vendorErrorCode != "" {
		req.VendorErrorCode = &c.vendorErrorCode
	}

	_, err := m.caller.Call(ctx, "StatusNotification", req, m.cfg.CallTimeout)
	if err != nil {
		m.log.Warnf("registration: StatusNotification for connector %d failed: %v", connectorID, err)
		return
	}

	m.mu.Lock()
	c.lastNotifiedStatus = c.status
	m.mu.Unlock()
}

// TriggerBootNotification restarts the boot cycle on demand, used by the
// TriggerMessage handler.
func (m *Manager) TriggerBootNotification(ctx context.Context) {
	m.bootNotificationCycle(ctx)
}

// TriggerHeartbeat sends a single heartbeat on demand.
func (m *Manager) TriggerHeartbeat(ctx context.Context) {
	m.sendHeartbeat(ctx)
}

// TriggerStatusNotification resends the current status for one connector, or
// every connector if connectorID is nil.
func (m *Manager) TriggerStatusNotification(ctx context.Context, connectorID *uint32) {
	if connectorID != nil {
		m.sendStatusNotification(ctx, *connectorID)
		return
	}
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.sendStatusNotification(ctx, id)
	}
}

// ChangeAvailability implements the ChangeAvailability handler contract:
// apply the requested availability to one connector (or all, when
// connectorID is 0) and return the ids of the connectors it was applied to.
func (m *Manager) ChangeAvailability(connectorID uint32, availType ocpp16.AvailabilityType) []uint32 {
	status := ocpp16.ChargePointStatusUnavailable
	if availType == ocpp16.AvailabilityTypeOperative {
		status = ocpp16.ChargePointStatusAvailable
	}

	if connectorID != 0 {
		m.UpdateConnectorStatus(connectorID, status, ocpp16.ChargePointErrorCodeNoError, "", "", "")
		return []uint32{connectorID}
	}

	m.mu.Lock()
	ids := make([]uint32, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.UpdateConnectorStatus(id, status, ocpp16.ChargePointErrorCodeNoError, "", "", "")
	}
	return ids
}
