package transaction

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/storage"
)

type recordingCaller struct {
	action  string
	payload interface{}
	resp    ocpp16.AuthorizeResponse
	err     error
}

func (c *recordingCaller) Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.action = action
	c.payload = payload
	if c.err != nil {
		return nil, c.err
	}
	return json.Marshal(c.resp)
}

type fakeFifo struct {
	pushed  []pushedEntry
	pushErr error
}

type pushedEntry struct {
	connectorID uint32
	action      string
	payload     interface{}
}

func (f *fakeFifo) Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error {
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, pushedEntry{connectorID, action, payload})
	return nil
}

type fakeController struct {
	startOK    bool
	stopOK     bool
	unlockStat ocpp16.UnlockStatus
}

func (c *fakeController) RemoteStartRequested(ctx context.Context, connectorID uint32, idTag string) bool {
	return c.startOK
}
func (c *fakeController) RemoteStopRequested(ctx context.Context, connectorID uint32, transactionID int) bool {
	return c.stopOK
}
func (c *fakeController) UnlockConnector(ctx context.Context, connectorID uint32) ocpp16.UnlockStatus {
	return c.unlockStat
}

func newTestManager(t *testing.T, caller Caller, fifo Fifo, controller Controller) *Manager {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	return New(DefaultConfig(), caller, fifo, controller, nil, log)
}

func TestManager_AuthorizeReturnsIdTagInfo(t *testing.T) {
	caller := &recordingCaller{resp: ocpp16.AuthorizeResponse{IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}}}
	mgr := newTestManager(t, caller, &fakeFifo{}, nil)

	info, err := mgr.Authorize(context.Background(), "TAG1")
	require.NoError(t, err)
	assert.Equal(t, "Authorize", caller.action)
	assert.Equal(t, ocpp16.AuthorizationStatusAccepted, info.Status)
}

func TestManager_StartTransactionPushesAndRejectsDuplicate(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, &recordingCaller{}, fifo, nil)

	id, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 100, false)
	require.NoError(t, err)
	assert.Equal(t, -1, id)
	require.Len(t, fifo.pushed, 1)
	assert.Equal(t, "StartTransaction", fifo.pushed[0].action)

	_, err = mgr.StartTransaction(context.Background(), 1, "TAG2", 0, false)
	assert.Error(t, err)
}

func TestManager_StopTransactionRequiresActiveTransaction(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, nil)
	err := mgr.StopTransaction(context.Background(), 1, 200, ocpp16.ReasonLocal, nil)
	assert.Error(t, err)
}

func TestManager_StopTransactionPushesAndClearsConnector(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, &recordingCaller{}, fifo, nil)

	_, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 0, false)
	require.NoError(t, err)

	err = mgr.StopTransaction(context.Background(), 1, 500, ocpp16.ReasonLocal, nil)
	require.NoError(t, err)
	require.Len(t, fifo.pushed, 2)
	assert.Equal(t, "StopTransaction", fifo.pushed[1].action)

	_, active := mgr.ActiveTransaction(1)
	assert.False(t, active)
}

func TestManager_HandleDeliveredResolvesOfflinePlaceholder(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, &recordingCaller{}, fifo, nil)

	localID, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 0, true)
	require.NoError(t, err)
	require.Equal(t, -1, localID)

	resp, err := json.Marshal(ocpp16.StartTransactionResponse{TransactionId: 4242, IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}})
	require.NoError(t, err)
	mgr.HandleDelivered(storage.FifoEntry{ConnectorID: 1, Action: "StartTransaction"}, resp)

	txID, ok := mgr.ActiveTransaction(1)
	require.True(t, ok)
	assert.Equal(t, 4242, txID)

	stopPayload, err := json.Marshal(map[string]interface{}{"transactionId": -1, "meterStop": 10})
	require.NoError(t, err)
	rewritten, changed := mgr.RewriteOfflineID(storage.FifoEntry{Action: "StopTransaction", Payload: stopPayload})
	require.True(t, changed)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(rewritten, &decoded))
	assert.Equal(t, float64(4242), decoded["transactionId"])
}

func TestManager_HandleDeliveredResolvesPlaceholderEvenWhenStartedOnline(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, &recordingCaller{}, fifo, nil)

	localID, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 0, false)
	require.NoError(t, err)
	require.Equal(t, -1, localID)

	resp, err := json.Marshal(ocpp16.StartTransactionResponse{TransactionId: 777, IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusAccepted}})
	require.NoError(t, err)
	mgr.HandleDelivered(storage.FifoEntry{ConnectorID: 1, Action: "StartTransaction"}, resp)

	txID, ok := mgr.ActiveTransaction(1)
	require.True(t, ok)
	assert.Equal(t, 777, txID)

	err = mgr.StopTransaction(context.Background(), 1, 10, ocpp16.ReasonLocal, nil)
	require.NoError(t, err)
	stopReq := fifo.pushed[len(fifo.pushed)-1].payload.(ocpp16.StopTransactionRequest)
	assert.Equal(t, 777, stopReq.TransactionId)
}

func TestManager_HandleDeliveredBlockedNotifiesDeauthorized(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, &recordingCaller{}, fifo, nil)

	var deauthorizedConnector uint32
	var deauthorizedCalls int
	mgr.OnDeauthorized = func(connectorID uint32) {
		deauthorizedCalls++
		deauthorizedConnector = connectorID
	}

	_, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 0, false)
	require.NoError(t, err)

	resp, err := json.Marshal(ocpp16.StartTransactionResponse{TransactionId: 55, IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusBlocked}})
	require.NoError(t, err)
	mgr.HandleDelivered(storage.FifoEntry{ConnectorID: 1, Action: "StartTransaction"}, resp)

	assert.Equal(t, 1, deauthorizedCalls)
	assert.Equal(t, uint32(1), deauthorizedConnector)
	txID, ok := mgr.ActiveTransaction(1)
	require.True(t, ok)
	assert.Equal(t, 55, txID)
}

func TestManager_HandleDeliveredConcurrentTxResolvesIDWithoutDeauthorizing(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, nil)

	var deauthorizedCalls int
	mgr.OnDeauthorized = func(connectorID uint32) { deauthorizedCalls++ }

	_, err := mgr.StartTransaction(context.Background(), 1, "TAG1", 0, false)
	require.NoError(t, err)

	resp, err := json.Marshal(ocpp16.StartTransactionResponse{TransactionId: 88, IdTagInfo: ocpp16.IdTagInfo{Status: ocpp16.AuthorizationStatusConcurrentTx}})
	require.NoError(t, err)
	mgr.HandleDelivered(storage.FifoEntry{ConnectorID: 1, Action: "StartTransaction"}, resp)

	assert.Equal(t, 0, deauthorizedCalls)
	txID, ok := mgr.ActiveTransaction(1)
	require.True(t, ok)
	assert.Equal(t, 88, txID)
}

func TestManager_RewriteOfflineIDNoopForUnknownID(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, nil)
	payload, err := json.Marshal(map[string]interface{}{"transactionId": -99})
	require.NoError(t, err)
	_, changed := mgr.RewriteOfflineID(storage.FifoEntry{Action: "StopTransaction", Payload: payload})
	assert.False(t, changed)
}

func TestManager_HandleRemoteStartTransaction(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, &fakeController{startOK: true})
	connectorID := 1
	resp, herr := mgr.handleRemoteStartTransaction(context.Background(), &ocpp16.RemoteStartTransactionRequest{ConnectorId: &connectorID, IdTag: "TAG1"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusAccepted}, resp)
}

func TestManager_HandleRemoteStartTransactionRejectedWithoutController(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, nil)
	resp, herr := mgr.handleRemoteStartTransaction(context.Background(), &ocpp16.RemoteStartTransactionRequest{IdTag: "TAG1"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.RemoteStartTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, resp)
}

func TestManager_HandleRemoteStopTransactionUnknownTransaction(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, &fakeController{stopOK: true})
	resp, herr := mgr.handleRemoteStopTransaction(context.Background(), &ocpp16.RemoteStopTransactionRequest{TransactionId: 999})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.RemoteStopTransactionResponse{Status: ocpp16.RemoteStartStopStatusRejected}, resp)
}

func TestManager_HandleUnlockConnector(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, &fakeController{unlockStat: ocpp16.UnlockStatusUnlocked})
	resp, herr := mgr.handleUnlockConnector(context.Background(), &ocpp16.UnlockConnectorRequest{ConnectorId: 1})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.UnlockConnectorResponse{Status: ocpp16.UnlockStatusUnlocked}, resp)
}

func TestManager_Register(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{}, &fakeFifo{}, nil)
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	d := dispatcher.New(nil, nil, nil, log)

	require.NoError(t, mgr.Register(d))
	actions := d.RegisteredActions()
	assert.Contains(t, actions, "RemoteStartTransaction")
	assert.Contains(t, actions, "RemoteStopTransaction")
	assert.Contains(t, actions, "UnlockConnector")
}
