package transfer

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
)

type recordingCaller struct {
	action  string
	payload interface{}
	resp    ocpp16.DataTransferResponse
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

func newTestManager(t *testing.T, caller Caller) *Manager {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	return New(DefaultConfig(), caller, log)
}

func TestManager_SendReturnsDecodedResponse(t *testing.T) {
	caller := &recordingCaller{resp: ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusAccepted}}
	mgr := newTestManager(t, caller)

	resp, err := mgr.Send(context.Background(), "com.example", nil, map[string]string{"key": "value"})
	require.NoError(t, err)
	assert.Equal(t, ocpp16.DataTransferStatusAccepted, resp.Status)
	assert.Equal(t, "DataTransfer", caller.action)
}

func TestManager_HandleDataTransferUnknownVendor(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{})

	resp, herr := mgr.handleDataTransfer(context.Background(), &ocpp16.DataTransferRequest{VendorId: "unknown"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.DataTransferResponse{Status: ocpp16.DataTransferStatusUnknownVendorId}, resp)
}

func TestManager_HandleDataTransferRoutesToVendor(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{})

	var received interface{}
	mgr.RegisterVendor("com.example", func(ctx context.Context, messageID *string, data interface{}) (ocpp16.DataTransferStatus, interface{}) {
		received = data
		return ocpp16.DataTransferStatusAccepted, "ack"
	})

	resp, herr := mgr.handleDataTransfer(context.Background(), &ocpp16.DataTransferRequest{VendorId: "com.example", Data: "hello"})
	require.Nil(t, herr)
	out := resp.(ocpp16.DataTransferResponse)
	assert.Equal(t, ocpp16.DataTransferStatusAccepted, out.Status)
	assert.Equal(t, "ack", out.Data)
	assert.Equal(t, "hello", received)
}

func TestManager_HandleDataTransferDefaultsAcceptedWhenStatusEmpty(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{})
	mgr.RegisterVendor("com.example", func(ctx context.Context, messageID *string, data interface{}) (ocpp16.DataTransferStatus, interface{}) {
		return "", nil
	})

	resp, herr := mgr.handleDataTransfer(context.Background(), &ocpp16.DataTransferRequest{VendorId: "com.example"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.DataTransferStatusAccepted, resp.(ocpp16.DataTransferResponse).Status)
}

func TestManager_Register(t *testing.T) {
	mgr := newTestManager(t, &recordingCaller{})
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	d := dispatcher.New(nil, nil, nil, log)

	require.NoError(t, mgr.Register(d))
	assert.Contains(t, d.RegisteredActions(), "DataTransfer")
}
