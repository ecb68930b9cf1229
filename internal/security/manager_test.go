package security

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
)

type fakeFifo struct {
	mu    sync.Mutex
	calls []ocpp16.SecurityEventNotificationRequest
}

func (f *fakeFifo) Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload.(ocpp16.SecurityEventNotificationRequest))
	return nil
}

type recordingCaller struct {
	mu      sync.Mutex
	actions []string
	payload interface{}
}

func (c *recordingCaller) Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
	c.payload = payload
	return json.RawMessage(`{}`), nil
}

type fakeStore struct {
	ids        []ocpp16.CertificateHashDataType
	installErr error
	deleteErr  error
	installed  []string
}

func (s *fakeStore) InstalledCertificateIds(ctx context.Context, typ ocpp16.CertificateUse) ([]ocpp16.CertificateHashDataType, error) {
	return s.ids, nil
}

func (s *fakeStore) InstallCertificate(ctx context.Context, typ ocpp16.CertificateUse, pemCertificate string) error {
	if s.installErr != nil {
		return s.installErr
	}
	s.installed = append(s.installed, pemCertificate)
	return nil
}

func (s *fakeStore) DeleteCertificate(ctx context.Context, hash ocpp16.CertificateHashDataType) error {
	return s.deleteErr
}

type fakeKeyGenerator struct {
	csr        string
	genErr     error
	installed  string
	installErr error
}

func (k *fakeKeyGenerator) GenerateCsr(ctx context.Context, typ ocpp16.CertificateUse) (string, error) {
	return k.csr, k.genErr
}

func (k *fakeKeyGenerator) InstallSignedCertificate(ctx context.Context, pemChain string) error {
	if k.installErr != nil {
		return k.installErr
	}
	k.installed = pemChain
	return nil
}

func newTestManager(t *testing.T, fifo Fifo, caller Caller, store CertificateStore, keys KeyGenerator) *Manager {
	t.Helper()
	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	return New(DefaultConfig(), fifo, caller, store, keys, log)
}

func TestManager_NotifySecurityEvent(t *testing.T) {
	fifo := &fakeFifo{}
	mgr := newTestManager(t, fifo, &recordingCaller{}, nil, nil)

	err := mgr.NotifySecurityEvent(context.Background(), ocpp16.SecurityEventStartupOfTheDevice, "boot")
	require.NoError(t, err)

	require.Len(t, fifo.calls, 1)
	assert.Equal(t, ocpp16.SecurityEventStartupOfTheDevice, fifo.calls[0].Type)
	require.NotNil(t, fifo.calls[0].TechInfo)
	assert.Equal(t, "boot", *fifo.calls[0].TechInfo)
}

func TestManager_TriggerSignCertificateSubmitsCsr(t *testing.T) {
	caller := &recordingCaller{}
	keys := &fakeKeyGenerator{csr: "-----BEGIN CERTIFICATE REQUEST-----..."}
	mgr := newTestManager(t, &fakeFifo{}, caller, nil, keys)

	err := mgr.TriggerSignCertificate(context.Background(), ocpp16.CertificateUseManufacturerRootCertificate)
	require.NoError(t, err)

	assert.Contains(t, caller.actions, "SignCertificate")
	req, ok := caller.payload.(ocpp16.SignCertificateRequest)
	require.True(t, ok)
	assert.Equal(t, keys.csr, req.Csr)
}

func TestManager_TriggerSignCertificateWithoutKeysIsNoop(t *testing.T) {
	caller := &recordingCaller{}
	mgr := newTestManager(t, &fakeFifo{}, caller, nil, nil)

	err := mgr.TriggerSignCertificate(context.Background(), ocpp16.CertificateUseManufacturerRootCertificate)
	require.NoError(t, err)
	assert.Empty(t, caller.actions)
}

func TestManager_HandleCertificateSignedInstallsChain(t *testing.T) {
	keys := &fakeKeyGenerator{}
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, nil, keys)

	resp, herr := mgr.handleCertificateSigned(context.Background(), &ocpp16.CertificateSignedRequest{CertificateChain: "chain-pem"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.CertificateSignedResponse{Status: ocpp16.CertificateStatusAccepted}, resp)
	assert.Equal(t, "chain-pem", keys.installed)
}

func TestManager_HandleCertificateSignedWithoutKeysRejects(t *testing.T) {
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, nil, nil)

	resp, herr := mgr.handleCertificateSigned(context.Background(), &ocpp16.CertificateSignedRequest{CertificateChain: "chain-pem"})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.CertificateSignedResponse{Status: ocpp16.CertificateStatusRejected}, resp)
}

func TestManager_HandleGetInstalledCertificateIds(t *testing.T) {
	store := &fakeStore{ids: []ocpp16.CertificateHashDataType{{HashAlgorithm: ocpp16.HashAlgorithmSHA256, SerialNumber: "01"}}}
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, store, nil)

	resp, herr := mgr.handleGetInstalledCertificateIds(context.Background(), &ocpp16.GetInstalledCertificateIdsRequest{})
	require.Nil(t, herr)
	out := resp.(ocpp16.GetInstalledCertificateIdsResponse)
	assert.Equal(t, ocpp16.GetInstalledCertificateStatusAccepted, out.Status)
	assert.Len(t, out.CertificateHashData, 1)
}

func TestManager_HandleInstallCertificate(t *testing.T) {
	store := &fakeStore{}
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, store, nil)

	resp, herr := mgr.handleInstallCertificate(context.Background(), &ocpp16.InstallCertificateRequest{
		CertificateType: ocpp16.CertificateUseCentralSystemRootCertificate,
		Certificate:     "pem-data",
	})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusAccepted}, resp)
	assert.Contains(t, store.installed, "pem-data")
}

func TestManager_HandleInstallCertificateFailure(t *testing.T) {
	store := &fakeStore{installErr: errors.New("disk full")}
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, store, nil)

	resp, herr := mgr.handleInstallCertificate(context.Background(), &ocpp16.InstallCertificateRequest{
		CertificateType: ocpp16.CertificateUseCentralSystemRootCertificate,
		Certificate:     "pem-data",
	})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusRejected}, resp)
}

func TestManager_HandleDeleteCertificate(t *testing.T) {
	store := &fakeStore{}
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, store, nil)

	resp, herr := mgr.handleDeleteCertificate(context.Background(), &ocpp16.DeleteCertificateRequest{
		CertificateHashData: ocpp16.CertificateHashDataType{SerialNumber: "01"},
	})
	require.Nil(t, herr)
	assert.Equal(t, ocpp16.DeleteCertificateResponse{Status: ocpp16.DeleteCertificateStatusAccepted}, resp)
}

func TestManager_Register(t *testing.T) {
	mgr := newTestManager(t, &fakeFifo{}, &recordingCaller{}, nil, nil)

	log, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)
	d := dispatcher.New(nil, nil, nil, log)

	require.NoError(t, mgr.Register(d))
	actions := d.RegisteredActions()
	assert.Contains(t, actions, "GetInstalledCertificateIds")
	assert.Contains(t, actions, "InstallCertificate")
	assert.Contains(t, actions, "DeleteCertificate")
	assert.Contains(t, actions, "CertificateSigned")
}
