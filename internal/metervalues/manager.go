// Package metervalues samples and delivers OCPP 1.6 MeterValues: periodic
// per-connector samples, clock-aligned samples on the hour boundary,
// transaction-scoped samples buffered until StopTransaction, and
// TriggerMessage-driven one-off samples sent outside the persistent FIFO.
package metervalues

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/storage"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

const action = "MeterValues"

// Reader supplies the current reading for a measurand on a connector. It
// returns false when the connector has nothing to report for that
// measurand (unsupported, sensor absent, ...), in which case the sample is
// silently skipped rather than sent empty.
type Reader interface {
	MeterValue(connectorID uint32, measurand ocpp16.Measurand, phase *ocpp16.Phase) (ocpp16.SampledValue, bool)
}

// Caller performs a direct, un-queued OCPP call, used for triggered samples
// that must bypass the persistent FIFO.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Fifo hands a transaction-critical message to the persistent delivery
// queue, used for periodic and clock-aligned samples.
type Fifo interface {
	Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error
}

// StateProvider reports whether clock-aligned sampling should run at all;
// it never makes sense before the charge point has registered.
type StateProvider interface {
	RegistrationAccepted() bool
}

// measurandSpec is one entry of a comma-separated measurand list, optionally
// qualified by phase (e.g. "Power.Active.Import.L1").
type measurandSpec struct {
	measurand ocpp16.Measurand
	phase     *ocpp16.Phase
}

// Config carries the sampling intervals and measurand lists normally
// surfaced through GetConfiguration/ChangeConfiguration keys
// (MeterValueSampleInterval, MeterValuesSampledData, ClockAlignedDataInterval,
// MeterValuesAlignedData, StopTxnSampledData, StopTxnAlignedData).
type Config struct {
	SampleInterval       time.Duration
	ClockAlignedInterval time.Duration
	SampledData          string
	AlignedData          string
	StopTxnSampledData   string
	StopTxnAlignedData   string
	MaxMeasurands        int
	CallTimeout          time.Duration
}

// DefaultConfig returns values matching the reference implementation's
// built-in defaults: energy-only sampling every minute, no clock alignment,
// no StopTxn buffering.
func DefaultConfig() Config {
	return Config{
		SampleInterval: time.Minute,
		SampledData:    string(ocpp16.MeasurandEnergyActiveImportRegister),
		MaxMeasurands:  8,
		CallTimeout:    30 * time.Second,
	}
}

type connectorState struct {
	transactionID *int
	sampleTimer   workerpool.TimerHandle
}

// Manager drives the sampling timers and buffers StopTxn data until a
// transaction ends.
type Manager struct {
	cfg    Config
	reader Reader
	caller Caller
	fifo   Fifo
	store  storage.Store
	state  StateProvider
	timers *workerpool.TimerPool
	pool   *workerpool.Pool
	log    *logger.Logger

	mu         sync.Mutex
	connectors map[uint32]*connectorState
	clockTimer workerpool.TimerHandle
}

// New builds a Manager. Call Start to arm the clock-aligned timer.
func New(cfg Config, reader Reader, caller Caller, fifo Fifo, store storage.Store, state StateProvider, timers *workerpool.TimerPool, pool *workerpool.Pool, log *logger.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		reader:     reader,
		caller:     caller,
		fifo:       fifo,
		store:      store,
		state:      state,
		timers:     timers,
		pool:       pool,
		log:        log,
		connectors: make(map[uint32]*connectorState),
	}
}

// Start arms the clock-aligned sampling timer, if configured.
func (m *Manager) Start() {
	m.configureClockAlignedTimer()
}

// Stop cancels every outstanding sampling timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.Cancel(m.clockTimer)
	for _, c := range m.connectors {
		m.timers.Cancel(c.sampleTimer)
	}
}

// StartTransaction arms periodic sampling for a connector once a
// transaction begins, associating subsequent StopTxn samples with it.
func (m *Manager) StartTransaction(connectorID uint32, transactionID int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.connectorFor(connectorID)
	c.transactionID = &transactionID

	if m.cfg.SampleInterval <= 0 {
		return
	}
	m.timers.Cancel(c.sampleTimer)
	c.sampleTimer = m.timers.Every(m.cfg.SampleInterval, func(ctx context.Context) {
		m.processSampled(ctx, connectorID)
	})
}

// StopTransaction cancels the connector's sample timer and returns every
// StopTxn-buffered meter value recorded for the transaction, clearing them
// from storage so a future transaction starts with an empty buffer.
func (m *Manager) StopTransaction(ctx context.Context, connectorID uint32, transactionID int) []ocpp16.MeterValue {
	m.mu.Lock()
	c, ok := m.connectors[connectorID]
	if ok {
		m.timers.Cancel(c.sampleTimer)
		c.sampleTimer = 0
		c.transactionID = nil
	}
	m.mu.Unlock()

	txKey := transactionKey(transactionID)
	records, err := m.store.LoadTxMeterValues(ctx, txKey)
	if err != nil {
		m.log.Errorf("metervalues: failed to load buffered meter values for transaction %d: %v", transactionID, err)
		return nil
	}
	if err := m.store.DeleteTxMeterValues(ctx, txKey); err != nil {
		m.log.Errorf("metervalues: failed to clear buffered meter values for transaction %d: %v", transactionID, err)
	}

	values := make([]ocpp16.MeterValue, 0, len(records))
	for _, r := range records {
		var mv ocpp16.MeterValue
		if err := json.Unmarshal(r.MeterValue, &mv); err == nil {
			values = append(values, mv)
		}
	}
	return values
}

// Deauthorize implements the transaction.Manager's OnDeauthorized hook:
// once a transaction's idTag has been reported Blocked/Invalid/Expired, its
// periodic/clock-aligned sampling and StopTxn buffering both stop, the same
// way StopTransaction tears them down, but without flushing or returning
// the buffered StopTxn values the transaction hasn't actually ended yet.
func (m *Manager) Deauthorize(connectorID uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connectors[connectorID]
	if !ok {
		return
	}
	m.timers.Cancel(c.sampleTimer)
	c.sampleTimer = 0
	c.transactionID = nil
}

// TriggerMeterValues sends a single, un-queued MeterValues.req for a
// connector, used to answer a TriggerMessage request.
func (m *Manager) TriggerMeterValues(ctx context.Context, connectorID uint32) {
	measurands := parseMeasurandList(m.cfg.SampledData, m.cfg.MaxMeasurands)
	if len(measurands) == 0 {
		return
	}
	mv, ok := m.fillMeterValue(connectorID, measurands, ocpp16.ReadingContextTrigger)
	if !ok {
		return
	}
	req := ocpp16.MeterValuesRequest{
		ConnectorId: int(connectorID),
		MeterValue:  []ocpp16.MeterValue{mv},
	}
	if _, err := m.caller.Call(ctx, action, req, m.cfg.CallTimeout); err != nil {
		m.log.Errorf("metervalues: triggered meter values call failed for connector %d: %v", connectorID, err)
	}
}

func (m *Manager) processSampled(ctx context.Context, connectorID uint32) {
	measurands := parseMeasurandList(m.cfg.SampledData, m.cfg.MaxMeasurands)
	var txID *int
	m.mu.Lock()
	if c, ok := m.connectors[connectorID]; ok {
		txID = c.transactionID
	}
	m.mu.Unlock()

	if len(measurands) > 0 {
		if mv, ok := m.fillMeterValue(connectorID, measurands, ocpp16.ReadingContextSamplePeriodic); ok {
			req := ocpp16.MeterValuesRequest{ConnectorId: int(connectorID), MeterValue: []ocpp16.MeterValue{mv}}
			if txID != nil {
				req.TransactionId = txID
			}
			if err := m.fifo.Push(ctx, connectorID, action, req); err != nil {
				m.log.Errorf("metervalues: failed to queue sampled meter values for connector %d: %v", connectorID, err)
			}
		}
	}

	if txID == nil {
		return
	}
	stopTxn := parseMeasurandList(m.cfg.StopTxnSampledData, m.cfg.MaxMeasurands)
	if len(stopTxn) == 0 {
		return
	}
	if mv, ok := m.fillMeterValue(connectorID, stopTxn, ocpp16.ReadingContextSamplePeriodic); ok {
		m.bufferStopTxnValue(ctx, *txID, mv)
	}
}

func (m *Manager) processClockAligned(ctx context.Context) {
	if !m.state.RegistrationAccepted() {
		return
	}

	measurands := parseMeasurandList(m.cfg.AlignedData, m.cfg.MaxMeasurands)
	if len(measurands) > 0 {
		for _, connectorID := range m.connectorIDs() {
			if mv, ok := m.fillMeterValue(connectorID, measurands, ocpp16.ReadingContextSampleClock); ok {
				req := ocpp16.MeterValuesRequest{ConnectorId: int(connectorID), MeterValue: []ocpp16.MeterValue{mv}}
				if err := m.fifo.Push(ctx, connectorID, action, req); err != nil {
					m.log.Errorf("metervalues: failed to queue clock-aligned meter values for connector %d: %v", connectorID, err)
				}
			}
		}
	}

	stopTxn := parseMeasurandList(m.cfg.StopTxnAlignedData, m.cfg.MaxMeasurands)
	if len(stopTxn) == 0 {
		return
	}
	m.mu.Lock()
	type txConn struct {
		connectorID uint32
		txID        int
	}
	var active []txConn
	for id, c := range m.connectors {
		if c.transactionID != nil {
			active = append(active, txConn{id, *c.transactionID})
		}
	}
	m.mu.Unlock()

	for _, tc := range active {
		if mv, ok := m.fillMeterValue(tc.connectorID, stopTxn, ocpp16.ReadingContextSampleClock); ok {
			m.bufferStopTxnValue(ctx, tc.txID, mv)
		}
	}
}

func (m *Manager) bufferStopTxnValue(ctx context.Context, transactionID int, mv ocpp16.MeterValue) {
	payload, err := json.Marshal(mv)
	if err != nil {
		return
	}
	if err := m.store.AppendTxMeterValue(ctx, transactionKey(transactionID), payload); err != nil {
		m.log.Errorf("metervalues: failed to buffer StopTxn meter value for transaction %d: %v", transactionID, err)
	}
}

func (m *Manager) fillMeterValue(connectorID uint32, measurands []measurandSpec, ctxType ocpp16.ReadingContext) (ocpp16.MeterValue, bool) {
	mv := ocpp16.MeterValue{Timestamp: ocpp16.DateTime{Time: time.Now()}}
	for _, spec := range measurands {
		sample, ok := m.reader.MeterValue(connectorID, spec.measurand, spec.phase)
		if !ok {
			continue
		}
		measurand := spec.measurand
		sample.Measurand = &measurand
		sample.Context = &ctxType
		if spec.phase != nil {
			sample.Phase = spec.phase
		}
		mv.SampledValue = append(mv.SampledValue, sample)
	}
	return mv, len(mv.SampledValue) > 0
}

func (m *Manager) configureClockAlignedTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timers.Cancel(m.clockTimer)
	if m.cfg.ClockAlignedInterval <= 0 {
		return
	}

	now := time.Now()
	aligned := now.Truncate(time.Hour)
	for !aligned.After(now) {
		aligned = aligned.Add(m.cfg.ClockAlignedInterval)
	}
	delay := aligned.Sub(now)

	m.clockTimer = m.timers.After(delay, func(ctx context.Context) {
		m.processClockAligned(ctx)
		m.rearmClockAligned()
	})
}

func (m *Manager) rearmClockAligned() {
	m.mu.Lock()
	interval := m.cfg.ClockAlignedInterval
	m.mu.Unlock()
	if interval <= 0 {
		return
	}
	m.mu.Lock()
	m.clockTimer = m.timers.After(interval, func(ctx context.Context) {
		m.processClockAligned(ctx)
		m.rearmClockAligned()
	})
	m.mu.Unlock()
}

func (m *Manager) connectorFor(connectorID uint32) *connectorState {
	c, ok := m.connectors[connectorID]
	if !ok {
		c = &connectorState{}
		m.connectors[connectorID] = c
	}
	return c
}

func (m *Manager) connectorIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint32, 0, len(m.connectors))
	for id := range m.connectors {
		ids = append(ids, id)
	}
	return ids
}

func transactionKey(transactionID int) string {
	return strconv.Itoa(transactionID)
}

// parseMeasurandList parses a comma-separated measurand configuration
// string, optionally phase-qualified with a ".L1"-style suffix, truncating
// to maxCount entries.
func parseMeasurandList(csv string, maxCount int) []measurandSpec {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var out []measurandSpec
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		spec := measurandSpec{measurand: ocpp16.Measurand(p)}
		if idx := strings.LastIndex(p, "."); idx > 0 {
			candidate := ocpp16.Phase(p[idx+1:])
			if isKnownPhase(candidate) {
				spec.measurand = ocpp16.Measurand(p[:idx])
				phase := candidate
				spec.phase = &phase
			}
		}
		out = append(out, spec)
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
	}
	return out
}

func isKnownPhase(p ocpp16.Phase) bool {
	switch p {
	case ocpp16.PhaseL1, ocpp16.PhaseL2, ocpp16.PhaseL3, ocpp16.PhaseN,
		ocpp16.PhaseL1N, ocpp16.PhaseL2N, ocpp16.PhaseL3N,
		ocpp16.PhaseL1L2, ocpp16.PhaseL2L3, ocpp16.PhaseL3L1:
		return true
	default:
		return false
	}
}
