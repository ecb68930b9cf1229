// Package fifo guarantees in-order, bounded-retry delivery of
// transaction-critical messages (StartTransaction, StopTransaction,
// MeterValues, SecurityEventNotification) across disconnects and process
// restarts. Every other action bypasses the FIFO and is sent directly
// through the transport.
package fifo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/metrics"
	"github.com/evse-systems/charge-point-agent/internal/rpc"
	"github.com/evse-systems/charge-point-agent/internal/storage"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

// Actions is the fixed set of actions that must go through the FIFO rather
// than being sent directly.
var Actions = map[string]bool{
	"StartTransaction":         true,
	"StopTransaction":          true,
	"MeterValues":              true,
	"SecurityEventNotification": true,
}

// IsFifoAction reports whether action must be queued rather than sent directly.
func IsFifoAction(action string) bool {
	return Actions[action]
}

// Caller is the subset of rpc.Transport the manager needs.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// StateProvider reports the two gates the delivery loop must hold open:
// an active connection, and an Accepted registration status.
type StateProvider interface {
	Connected() bool
	RegistrationAccepted() bool
}

// Config controls retry behavior.
type Config struct {
	RetryInterval      time.Duration
	MaxAttempts        int
	DefaultCallTimeout time.Duration
}

// DefaultConfig mirrors typical OCPP 1.6 TransactionMessage defaults.
func DefaultConfig() Config {
	return Config{
		RetryInterval:      60 * time.Second,
		MaxAttempts:        3,
		DefaultCallTimeout: 30 * time.Second,
	}
}

// Manager runs the persistent delivery loop described for the request FIFO.
type Manager struct {
	store  storage.Store
	caller Caller
	state  StateProvider
	timers *workerpool.TimerPool
	pool   *workerpool.Pool
	cfg    Config
	log    *logger.Logger

	// OnDelivered is invoked after a successful send with the entry that was
	// delivered and the CALLRESULT payload, so a higher-level transaction
	// manager can react (e.g. assign the real transaction id).
	OnDelivered func(entry storage.FifoEntry, response json.RawMessage)

	// RewriteOfflineID is given the chance to patch an entry's payload
	// before it is sent, e.g. replacing a negative offline transaction id
	// with the real one once known. It returns the rewritten payload and
	// whether a rewrite occurred.
	RewriteOfflineID func(entry storage.FifoEntry) (json.RawMessage, bool)

	mu         sync.Mutex
	entries    []storage.FifoEntry
	retryCount int
	retryTimer workerpool.TimerHandle
	running    bool
}

// New builds a Manager. Call Load before accepting pushes so the in-memory
// queue reflects whatever survived the last process lifetime.
func New(store storage.Store, caller Caller, state StateProvider, timers *workerpool.TimerPool, pool *workerpool.Pool, cfg Config, log *logger.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	return &Manager{
		store:  store,
		caller: caller,
		state:  state,
		timers: timers,
		pool:   pool,
		cfg:    cfg,
		log:    log,
	}
}

// Load restores the in-memory queue from the persistent store, in strict
// enqueue order.
func (m *Manager) Load(ctx context.Context) error {
	entries, err := m.store.LoadFifo(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.entries = entries
	m.mu.Unlock()
	metrics.FifoDepth.Set(float64(len(entries)))
	return nil
}

// Push durably enqueues an entry and kicks the delivery loop.
func (m *Manager) Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	entry, err := m.store.PushFifoEntry(ctx, connectorID, action, raw)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.entries = append(m.entries, entry)
	depth := len(m.entries)
	m.mu.Unlock()

	metrics.FifoDepth.Set(float64(depth))
	m.trigger()
	return nil
}

// OnStateChange implements rpc.Listener: a transition to Connected kicks the
// delivery loop.
func (m *Manager) OnStateChange(old, next rpc.State) {
	if next == rpc.StateConnected {
		m.trigger()
	}
}

func (m *Manager) trigger() {
	if !m.state.Connected() {
		return
	}
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.pool.Submit(func(ctx context.Context) {
		m.runLoop(ctx)
	})
}

func (m *Manager) runLoop(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	for {
		if !m.state.Connected() {
			return
		}
		if !m.state.RegistrationAccepted() {
			m.scheduleRetry(250 * time.Millisecond)
			return
		}

		m.mu.Lock()
		if len(m.entries) == 0 {
			m.mu.Unlock()
			return
		}
		entry := m.entries[0]
		m.mu.Unlock()

		payload := entry.Payload
		if m.RewriteOfflineID != nil {
			if rewritten, changed := m.RewriteOfflineID(entry); changed {
				payload = rewritten
				if err := m.store.UpdateFifoPayload(ctx, entry.ID, rewritten); err != nil {
					m.log.Warnf("fifo: failed to persist rewritten payload for entry %d: %v", entry.ID, err)
				}
				entry.Payload = rewritten
			}
		}

		var decoded interface{}
		_ = json.Unmarshal(payload, &decoded)

		resp, err := m.caller.Call(ctx, entry.Action, decoded, m.cfg.DefaultCallTimeout)
		if err == nil {
			m.log.Debugf("fifo: delivered entry %d action %s", entry.ID, entry.Action)
			m.popFront(ctx)
			m.retryCount = 0
			if m.OnDelivered != nil {
				m.OnDelivered(entry, resp)
			}
			continue
		}

		metrics.FifoRetries.WithLabelValues(entry.Action).Inc()
		m.retryCount++
		if m.retryCount > m.cfg.MaxAttempts {
			m.log.Warnf("fifo: dropping entry %d action %s after %d attempts: %v", entry.ID, entry.Action, m.retryCount, err)
			m.popFront(ctx)
			m.retryCount = 0
			continue
		}

		m.log.Warnf("fifo: entry %d action %s failed, retry in %s: %v", entry.ID, entry.Action, m.cfg.RetryInterval, err)
		m.scheduleRetry(m.cfg.RetryInterval)
		return
	}
}

func (m *Manager) popFront(ctx context.Context) {
	m.mu.Lock()
	if len(m.entries) == 0 {
		m.mu.Unlock()
		return
	}
	entry := m.entries[0]
	m.entries = m.entries[1:]
	depth := len(m.entries)
	m.mu.Unlock()

	metrics.FifoDepth.Set(float64(depth))
	if err := m.store.DeleteFifoEntry(ctx, entry.ID); err != nil {
		m.log.Warnf("fifo: failed to delete delivered entry %d: %v", entry.ID, err)
	}
}

func (m *Manager) scheduleRetry(after time.Duration) {
	m.retryTimer = m.timers.After(after, func(ctx context.Context) {
		m.trigger()
	})
}

// Depth reports the current in-memory queue length.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
