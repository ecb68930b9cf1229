// Package rpc implements the OCPP-J transport: a WebSocket connection to a
// Central System carrying CALL/CALLRESULT/CALLERROR frames, with automatic
// reconnect, security-profile-aware dialing, and message-id correlation for
// outbound calls.
package rpc

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/metrics"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

// State is a connection lifecycle state.
type State string

const (
	StateDisconnected State = "Disconnected"
	StateConnecting   State = "Connecting"
	StateConnected    State = "Connected"
)

// Error codes from the fixed OCPP-J CALLERROR vocabulary.
const (
	ErrNotImplemented               = "NotImplemented"
	ErrNotSupported                 = "NotSupported"
	ErrInternalError                = "InternalError"
	ErrProtocolError                = "ProtocolError"
	ErrSecurityError                = "SecurityError"
	ErrFormationViolation           = "FormationViolation"
	ErrPropertyConstraintViolation  = "PropertyConstraintViolation"
	ErrOccurenceConstraintViolation = "OccurenceConstraintViolation"
	ErrTypeConstraintViolation      = "TypeConstraintViolation"
	ErrGenericError                 = "GenericError"
)

// Listener is notified on every connection state transition.
type Listener interface {
	OnStateChange(old, next State)
}

// Spy observes every frame as sent or received, for audit logging.
type Spy interface {
	OnFrameSent(frame []byte)
	OnFrameReceived(frame []byte)
}

// DispatchResult is what a Dispatcher returns for one inbound CALL.
type DispatchResult struct {
	Payload          interface{}
	ErrorCode        string
	ErrorDescription string
}

// Dispatcher routes an inbound CALL to its handler and reports the result
// to be framed back as a CALLRESULT or CALLERROR.
type Dispatcher interface {
	Dispatch(ctx context.Context, action string, payload json.RawMessage) DispatchResult
}

// Config controls dialing and framing behavior.
type Config struct {
	URL               string
	ChargePointID     string
	ProtocolVersion   string // "1.6" or "2.0.1"
	SecurityProfile   int    // 1, 2 or 3
	BasicAuthUser     string
	BasicAuthPassword string
	TLSConfig         *tls.Config

	RetryInterval    time.Duration
	PingInterval     time.Duration
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	MaxMessageSize   int64
}

type pendingCall struct {
	action string
	result chan callResult
}

type callResult struct {
	payload json.RawMessage
	errCode string
	errDesc string
	err     error
}

// Transport owns the single WebSocket connection to the Central System.
type Transport struct {
	cfg        Config
	dispatcher Dispatcher
	pool       *workerpool.Pool
	timers     *workerpool.TimerPool
	log        *logger.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state State

	listenersMu sync.RWMutex
	listeners   []Listener
	spies       []Spy

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	writeMu sync.Mutex
	pingID  workerpool.TimerHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTransport builds a Transport. Call Start to begin dialing.
func NewTransport(cfg Config, dispatcher Dispatcher, pool *workerpool.Pool, timers *workerpool.TimerPool, log *logger.Logger) *Transport {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 1024 * 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		cfg:        cfg,
		dispatcher: dispatcher,
		pool:       pool,
		timers:     timers,
		log:        log,
		state:      StateDisconnected,
		pending:    make(map[string]*pendingCall),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// AddListener registers a connection-state observer.
func (t *Transport) AddListener(l Listener) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.listeners = append(t.listeners, l)
}

// AddSpy registers a frame observer.
func (t *Transport) AddSpy(s Spy) {
	t.listenersMu.Lock()
	defer t.listenersMu.Unlock()
	t.spies = append(t.spies, s)
}

// State reports the current connection state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Connected reports whether the transport currently holds an open connection.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Start begins the connect-retry loop in the background.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.connectLoop()
}

// Stop cancels the transport and closes any open connection. Every in-flight
// Call unblocks with an error.
func (t *Transport) Stop() {
	t.cancel()
	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn != nil {
		conn.Close()
	}
	t.wg.Wait()
	t.failAllPending(fmt.Errorf("transport stopped"))
}

// SetSecurityProfile applies a new security profile. Profiles may only
// increase; a request to lower the profile is rejected. On success the
// transport disconnects and reconnects under the new profile.
func (t *Transport) SetSecurityProfile(profile int, basicAuthUser, basicAuthPassword string, tlsConfig *tls.Config) error {
	if profile < t.cfg.SecurityProfile {
		return fmt.Errorf("rpc: security profile can only increase (current %d, requested %d)", t.cfg.SecurityProfile, profile)
	}
	t.cfg.SecurityProfile = profile
	t.cfg.BasicAuthUser = basicAuthUser
	t.cfg.BasicAuthPassword = basicAuthPassword
	t.cfg.TLSConfig = tlsConfig

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn != nil {
		conn.Close() // forces the read loop to exit and the connect loop to redial
	}
	return nil
}

func (t *Transport) setState(next State) {
	t.mu.Lock()
	old := t.state
	t.state = next
	t.mu.Unlock()
	if old == next {
		return
	}
	t.listenersMu.RLock()
	listeners := append([]Listener(nil), t.listeners...)
	t.listenersMu.RUnlock()
	for _, l := range listeners {
		l.OnStateChange(old, next)
	}
}

func (t *Transport) connectLoop() {
	defer t.wg.Done()
	for {
		if t.ctx.Err() != nil {
			return
		}

		t.setState(StateConnecting)
		conn, err := t.dial()
		if err != nil {
			t.log.Warnf("rpc: dial failed: %v", err)
			t.setState(StateDisconnected)
			if !t.sleepRetry() {
				return
			}
			continue
		}

		metrics.ReconnectsTotal.Inc()
		t.mu.Lock()
		t.conn = conn
		t.mu.Unlock()
		t.setState(StateConnected)
		metrics.ConnectionState.Set(1)

		t.schedulePing()
		t.readLoop(conn)

		t.stopPing()
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
		metrics.ConnectionState.Set(0)
		t.setState(StateDisconnected)
		t.failAllPending(fmt.Errorf("connection lost"))

		if !t.sleepRetry() {
			return
		}
	}
}

func (t *Transport) sleepRetry() bool {
	select {
	case <-t.ctx.Done():
		return false
	case <-time.After(t.cfg.RetryInterval):
		return true
	}
}

func (t *Transport) dial() (*websocket.Conn, error) {
	target, err := url.Parse(strings.TrimRight(t.cfg.URL, "/") + "/" + t.cfg.ChargePointID)
	if err != nil {
		return nil, fmt.Errorf("parse central system url: %w", err)
	}

	switch t.cfg.SecurityProfile {
	case 2, 3:
		target.Scheme = "wss"
	default:
		target.Scheme = "ws"
	}

	subprotocol := "ocpp1.6"
	if t.cfg.ProtocolVersion == "2.0.1" {
		subprotocol = "ocpp2.0.1"
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
		Subprotocols:     []string{subprotocol},
	}
	if t.cfg.SecurityProfile == 3 {
		dialer.TLSClientConfig = t.cfg.TLSConfig
	} else if t.cfg.SecurityProfile == 2 {
		dialer.TLSClientConfig = t.cfg.TLSConfig
	}

	header := http.Header{}
	if t.cfg.SecurityProfile == 1 || t.cfg.SecurityProfile == 2 {
		creds := base64.StdEncoding.EncodeToString([]byte(t.cfg.BasicAuthUser + ":" + t.cfg.BasicAuthPassword))
		header.Set("Authorization", "Basic "+creds)
	}

	conn, _, err := dialer.DialContext(t.ctx, target.String(), header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(t.cfg.MaxMessageSize)
	return conn, nil
}

func (t *Transport) schedulePing() {
	if t.cfg.PingInterval <= 0 {
		return
	}
	t.pingID = t.timers.Every(t.cfg.PingInterval, func(ctx context.Context) {
		t.mu.RLock()
		conn := t.conn
		t.mu.RUnlock()
		if conn == nil {
			return
		}
		t.writeMu.Lock()
		defer t.writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(t.cfg.CallTimeout))
		conn.WriteMessage(websocket.PingMessage, nil)
	})
}

func (t *Transport) stopPing() {
	if t.pingID != 0 {
		t.timers.Cancel(t.pingID)
		t.pingID = 0
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.notifyFrameReceived(raw)

		t.pool.Submit(func(ctx context.Context) {
			t.handleFrame(ctx, raw)
		})
	}
}

func (t *Transport) handleFrame(ctx context.Context, raw []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil || len(frame) < 3 {
		t.log.Warnf("rpc: malformed frame: %v", err)
		return
	}

	var msgType int
	if err := json.Unmarshal(frame[0], &msgType); err != nil {
		t.log.Warnf("rpc: malformed message type: %v", err)
		return
	}

	var msgID string
	_ = json.Unmarshal(frame[1], &msgID)

	switch msgType {
	case 2:
		if len(frame) < 4 {
			t.log.Warn("rpc: malformed CALL frame")
			return
		}
		var action string
		_ = json.Unmarshal(frame[2], &action)
		t.handleInboundCall(ctx, msgID, action, frame[3])
	case 3:
		t.resolvePending(msgID, callResult{payload: frame[2]})
	case 4:
		var errCode, errDesc string
		_ = json.Unmarshal(frame[2], &errCode)
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &errDesc)
		}
		t.resolvePending(msgID, callResult{errCode: errCode, errDesc: errDesc})
	default:
		t.log.Warnf("rpc: unknown message type %d", msgType)
	}
}

func (t *Transport) handleInboundCall(ctx context.Context, msgID, action string, payload json.RawMessage) {
	metrics.MessagesReceived.WithLabelValues(action).Inc()

	result := t.safeDispatch(ctx, action, payload)

	if result.ErrorCode != "" {
		metrics.CallErrors.WithLabelValues(action, result.ErrorCode).Inc()
		t.sendCallError(msgID, result.ErrorCode, result.ErrorDescription)
		return
	}

	respBytes, err := json.Marshal(result.Payload)
	if err != nil {
		t.sendCallError(msgID, ErrInternalError, "failed to encode response")
		return
	}
	t.sendFrame([]interface{}{3, msgID, json.RawMessage(respBytes)})
}

func (t *Transport) safeDispatch(ctx context.Context, action string, payload json.RawMessage) (result DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Errorf("rpc: handler panic for %s: %v", action, r)
			result = DispatchResult{ErrorCode: ErrInternalError, ErrorDescription: "internal error"}
		}
	}()
	return t.dispatcher.Dispatch(ctx, action, payload)
}

func (t *Transport) sendCallError(msgID, code, description string) {
	t.sendFrame([]interface{}{4, msgID, code, description, struct{}{}})
}

// Call sends a CALL frame and blocks until the matching CALLRESULT/CALLERROR
// arrives, the timeout expires, or the connection is lost. Re-entrant.
func (t *Transport) Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.cfg.CallTimeout
	}

	msgID := uuid.NewString()
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}

	pc := &pendingCall{action: action, result: make(chan callResult, 1)}
	t.pendingMu.Lock()
	t.pending[msgID] = pc
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, msgID)
		t.pendingMu.Unlock()
	}()

	start := time.Now()
	if err := t.sendFrame([]interface{}{2, msgID, action, json.RawMessage(payloadBytes)}); err != nil {
		return nil, fmt.Errorf("send %s: %w", action, err)
	}
	metrics.MessagesSent.WithLabelValues(action).Inc()

	select {
	case res := <-pc.result:
		metrics.CallDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
		if res.err != nil {
			return nil, res.err
		}
		if res.errCode != "" {
			metrics.CallErrors.WithLabelValues(action, res.errCode).Inc()
			return nil, &CallError{Code: res.errCode, Description: res.errDesc}
		}
		return res.payload, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("rpc: %s timed out after %s", action, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.ctx.Done():
		return nil, fmt.Errorf("rpc: transport stopped")
	}
}

func (t *Transport) resolvePending(msgID string, res callResult) {
	t.pendingMu.Lock()
	pc, ok := t.pending[msgID]
	if ok {
		delete(t.pending, msgID)
	}
	t.pendingMu.Unlock()
	if !ok {
		t.log.Warnf("rpc: no pending call for message id %s", msgID)
		return
	}
	select {
	case pc.result <- res:
	default:
	}
}

func (t *Transport) failAllPending(err error) {
	t.pendingMu.Lock()
	pending := t.pending
	t.pending = make(map[string]*pendingCall)
	t.pendingMu.Unlock()

	for _, pc := range pending {
		select {
		case pc.result <- callResult{err: err}:
		default:
		}
	}
}

func (t *Transport) sendFrame(frame []interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	t.mu.RLock()
	conn := t.conn
	t.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("rpc: not connected")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.cfg.CallTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	t.notifyFrameSent(raw)
	return nil
}

func (t *Transport) notifyFrameSent(raw []byte) {
	t.listenersMu.RLock()
	spies := append([]Spy(nil), t.spies...)
	t.listenersMu.RUnlock()
	for _, s := range spies {
		s.OnFrameSent(raw)
	}
}

func (t *Transport) notifyFrameReceived(raw []byte) {
	t.listenersMu.RLock()
	spies := append([]Spy(nil), t.spies...)
	t.listenersMu.RUnlock()
	for _, s := range spies {
		s.OnFrameReceived(raw)
	}
}

// CallError wraps a CALLERROR response to a Call.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
