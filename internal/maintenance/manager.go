// Package maintenance implements the charge point side of the Firmware
// Management and Diagnostics profiles: Reset, GetDiagnostics,
// UpdateFirmware/SignedUpdateFirmware, and GetLog. Each long-running
// operation runs on the worker pool and reports progress through direct,
// un-queued status notification calls, never through the persistent
// request FIFO — a stale progress report is worthless once superseded by
// the next one, unlike a transaction record.
package maintenance

import (
	"context"
	"encoding/json"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/security"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

// Caller performs a direct, un-queued OCPP call.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// Rebooter actually restarts or power-cycles the charge point; invoked only
// after the Reset.conf has had a chance to reach the Central System.
type Rebooter interface {
	Reset(ctx context.Context, hard bool) error
}

// DiagnosticsUploader uploads a diagnostics archive covering the optional
// time window to destination, returning the uploaded file's name.
type DiagnosticsUploader interface {
	UploadDiagnostics(ctx context.Context, destination string, start, stop *time.Time) (filename string, err error)
}

// FirmwareInstaller downloads a firmware image from location (optionally
// signature/certificate-verified) and installs it.
type FirmwareInstaller interface {
	DownloadFirmware(ctx context.Context, location string) (path string, err error)
	VerifyFirmware(ctx context.Context, path, signature, signingCertificate string) error
	InstallFirmware(ctx context.Context, path string) error
}

// LogUploader uploads a diagnostics or security log file, returning its
// uploaded name.
type LogUploader interface {
	UploadLog(ctx context.Context, logType ocpp16.LogType, params ocpp16.LogParameters) (filename string, err error)
}

// CertificateVerifier performs the internal certificate-management steps
// of a signed firmware update: parsing and validating the signing
// certificate (and its chain, when a Manufacturer CA is installed), and
// verifying the firmware image's SHA-256 signature against it. Satisfied
// by *security.Manager; nil falls back to FirmwareInstaller.VerifyFirmware
// for the whole sequence, delegating to the application.
type CertificateVerifier interface {
	VerifySigningCertificate(pemCertificate string) (*security.Certificate, error)
	VerifyFirmwareSignature(cert *security.Certificate, path, signatureBase64 string) error
}

// SecurityNotifier queues the security event raised when a signed firmware
// update is aborted over a bad signing certificate. Satisfied by
// *security.Manager.
type SecurityNotifier interface {
	NotifySecurityEvent(ctx context.Context, eventType ocpp16.SecurityEvent, techInfo string) error
}

// Config carries timing knobs that are otherwise hardcoded in the reference
// implementation.
type Config struct {
	ResetDelay  time.Duration
	CallTimeout time.Duration
}

// DefaultConfig gives the Central System enough time to receive the
// CALLRESULT before the process restarts.
func DefaultConfig() Config {
	return Config{ResetDelay: 2 * time.Second, CallTimeout: 30 * time.Second}
}

// Manager implements the handler side of Reset/GetDiagnostics/UpdateFirmware/
// SignedUpdateFirmware/GetLog, registering itself against a dispatcher.
type Manager struct {
	cfg         Config
	caller      Caller
	rebooter    Rebooter
	diagnostics DiagnosticsUploader
	firmware    FirmwareInstaller
	logs        LogUploader
	certs       CertificateVerifier
	security    SecurityNotifier
	pool        *workerpool.Pool
	timers      *workerpool.TimerPool
	log         *logger.Logger
}

// New builds a Manager. rebooter, diagnostics, firmware and logs may be nil;
// Reset, SignedUpdateFirmware and GetLog then answer Rejected, and
// GetDiagnostics and UpdateFirmware answer an empty response, instead of
// panicking. certs and
// security may also be nil, in which case signed firmware updates delegate
// certificate/signature verification entirely to firmware.VerifyFirmware
// and no security event is raised on a bad signing certificate.
func New(cfg Config, caller Caller, rebooter Rebooter, diagnostics DiagnosticsUploader, firmware FirmwareInstaller, logs LogUploader, certs CertificateVerifier, security SecurityNotifier, pool *workerpool.Pool, timers *workerpool.TimerPool, log *logger.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		caller:      caller,
		rebooter:    rebooter,
		diagnostics: diagnostics,
		firmware:    firmware,
		logs:        logs,
		certs:       certs,
		security:    security,
		pool:        pool,
		timers:      timers,
		log:         log,
	}
}

// Register wires every handler this package implements onto d.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	handlers := map[string]dispatcher.HandlerFunc{
		"Reset":                m.handleReset,
		"GetDiagnostics":       m.handleGetDiagnostics,
		"UpdateFirmware":       m.handleUpdateFirmware,
		"SignedUpdateFirmware": m.handleSignedUpdateFirmware,
		"GetLog":               m.handleGetLog,
	}
	for action, h := range handlers {
		if err := d.Register(action, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleReset(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.ResetRequest)
	if m.rebooter == nil {
		return ocpp16.ResetResponse{Status: ocpp16.ResetStatusRejected}, nil
	}

	hard := req.Type == ocpp16.ResetTypeHard
	m.timers.After(m.cfg.ResetDelay, func(ctx context.Context) {
		if err := m.rebooter.Reset(ctx, hard); err != nil {
			m.log.Errorf("maintenance: reset failed: %v", err)
		}
	})
	return ocpp16.ResetResponse{Status: ocpp16.ResetStatusAccepted}, nil
}

func (m *Manager) handleGetDiagnostics(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.GetDiagnosticsRequest)
	if m.diagnostics == nil {
		return ocpp16.GetDiagnosticsResponse{}, nil
	}

	var start, stop *time.Time
	if req.StartTime != nil {
		t := req.StartTime.Time
		start = &t
	}
	if req.StopTime != nil {
		t := req.StopTime.Time
		stop = &t
	}

	m.pool.Submit(func(ctx context.Context) {
		m.notifyDiagnostics(ctx, ocpp16.DiagnosticsStatusUploading)
		filename, err := m.diagnostics.UploadDiagnostics(ctx, req.Location, start, stop)
		if err != nil {
			m.log.Errorf("maintenance: diagnostics upload failed: %v", err)
			m.notifyDiagnostics(ctx, ocpp16.DiagnosticsStatusUploadFailed)
			return
		}
		m.log.Infof("maintenance: diagnostics uploaded as %s", filename)
		m.notifyDiagnostics(ctx, ocpp16.DiagnosticsStatusUploaded)
	})

	return ocpp16.GetDiagnosticsResponse{}, nil
}

func (m *Manager) notifyDiagnostics(ctx context.Context, status ocpp16.DiagnosticsStatus) {
	req := ocpp16.DiagnosticsStatusNotificationRequest{Status: status}
	if _, err := m.caller.Call(ctx, "DiagnosticsStatusNotification", req, m.cfg.CallTimeout); err != nil {
		m.log.Errorf("maintenance: DiagnosticsStatusNotification failed: %v", err)
	}
}

func (m *Manager) handleUpdateFirmware(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.UpdateFirmwareRequest)
	if m.firmware == nil {
		return ocpp16.UpdateFirmwareResponse{}, nil
	}

	delay := time.Until(req.RetrieveDate.Time)
	if delay < 0 {
		delay = 0
	}
	m.timers.After(delay, func(ctx context.Context) {
		m.runFirmwareUpdate(ctx, req.Location, "", "", nil)
	})
	return ocpp16.UpdateFirmwareResponse{}, nil
}

func (m *Manager) handleSignedUpdateFirmware(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.SignedUpdateFirmwareRequest)
	if m.firmware == nil {
		return ocpp16.SignedUpdateFirmwareResponse{Status: ocpp16.UpdateFirmwareStatusRejected}, nil
	}

	requestID := req.RequestId
	delay := time.Until(req.Firmware.RetrieveDateTime.Time)
	if delay < 0 {
		delay = 0
	}
	m.timers.After(delay, func(ctx context.Context) {
		m.runFirmwareUpdate(ctx, req.Firmware.Location, req.Firmware.Signature, req.Firmware.SigningCertificate, &requestID)
	})
	return ocpp16.SignedUpdateFirmwareResponse{Status: ocpp16.UpdateFirmwareStatusAccepted}, nil
}

// runFirmwareUpdate drives the full download/verify/install sequence,
// reporting each stage through FirmwareStatusNotification (plain updates)
// or SignedFirmwareStatusNotification (requestID != nil).
func (m *Manager) runFirmwareUpdate(ctx context.Context, location, signature, signingCertificate string, requestID *int) {
	m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumDownloading, requestID)
	path, err := m.firmware.DownloadFirmware(ctx, location)
	if err != nil {
		m.log.Errorf("maintenance: firmware download failed: %v", err)
		m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumDownloadFailed, requestID)
		return
	}
	m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumDownloaded, requestID)

	if signature != "" {
		if !m.verifySignedFirmware(ctx, path, signature, signingCertificate, requestID) {
			return
		}
		m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumSignatureVerified, requestID)
	}

	m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInstalling, requestID)
	if err := m.firmware.InstallFirmware(ctx, path); err != nil {
		m.log.Errorf("maintenance: firmware installation failed: %v", err)
		m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInstallationFailed, requestID)
		return
	}
	m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInstalled, requestID)

	if m.rebooter != nil {
		if err := m.rebooter.Reset(ctx, true); err != nil {
			m.log.Errorf("maintenance: post-install reboot failed: %v", err)
		}
	}
}

// verifySignedFirmware runs the certificate and signature checks required
// before a signed firmware update may install: the signing certificate
// must parse, be non-self-signed, valid now, and (when internal
// certificate management has a Manufacturer CA installed) chain to it;
// then the downloaded image's SHA-256 must verify against it. Reports
// InvalidCertificate/InvalidSignature and the associated security event on
// failure, and returns whether verification succeeded.
func (m *Manager) verifySignedFirmware(ctx context.Context, path, signature, signingCertificate string, requestID *int) bool {
	if m.certs == nil {
		if err := m.firmware.VerifyFirmware(ctx, path, signature, signingCertificate); err != nil {
			m.log.Errorf("maintenance: firmware signature verification failed: %v", err)
			m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInvalidSignature, requestID)
			return false
		}
		return true
	}

	cert, err := m.certs.VerifySigningCertificate(signingCertificate)
	if err != nil {
		m.log.Errorf("maintenance: signing certificate rejected: %v", err)
		m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInvalidCertificate, requestID)
		if m.security != nil {
			if err := m.security.NotifySecurityEvent(ctx, ocpp16.SecurityEventInvalidFirmwareSigningCertificate, err.Error()); err != nil {
				m.log.Errorf("maintenance: notifying InvalidFirmwareSigningCertificate failed: %v", err)
			}
		}
		return false
	}

	if err := m.certs.VerifyFirmwareSignature(cert, path, signature); err != nil {
		m.log.Errorf("maintenance: firmware signature verification failed: %v", err)
		m.notifyFirmware(ctx, ocpp16.FirmwareStatusEnumInvalidSignature, requestID)
		return false
	}
	return true
}

func (m *Manager) notifyFirmware(ctx context.Context, status ocpp16.FirmwareStatusEnumType, requestID *int) {
	if requestID != nil {
		req := ocpp16.SignedFirmwareStatusNotificationRequest{Status: status, RequestId: *requestID}
		if _, err := m.caller.Call(ctx, "SignedFirmwareStatusNotification", req, m.cfg.CallTimeout); err != nil {
			m.log.Errorf("maintenance: SignedFirmwareStatusNotification failed: %v", err)
		}
		return
	}
	req := ocpp16.FirmwareStatusNotificationRequest{Status: ocpp16.FirmwareStatus(status)}
	if _, err := m.caller.Call(ctx, "FirmwareStatusNotification", req, m.cfg.CallTimeout); err != nil {
		m.log.Errorf("maintenance: FirmwareStatusNotification failed: %v", err)
	}
}

func (m *Manager) handleGetLog(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.GetLogRequest)
	if m.logs == nil {
		return ocpp16.GetLogResponse{Status: ocpp16.LogStatusRejected}, nil
	}

	requestID := req.RequestId
	logType := req.LogType
	params := req.Log
	m.pool.Submit(func(ctx context.Context) {
		m.notifyLog(ctx, ocpp16.UploadLogStatusUploading, requestID)
		filename, err := m.logs.UploadLog(ctx, logType, params)
		if err != nil {
			m.log.Errorf("maintenance: log upload failed: %v", err)
			m.notifyLog(ctx, ocpp16.UploadLogStatusUploadFailure, requestID)
			return
		}
		m.log.Infof("maintenance: log uploaded as %s", filename)
		m.notifyLog(ctx, ocpp16.UploadLogStatusUploaded, requestID)
	})

	return ocpp16.GetLogResponse{Status: ocpp16.LogStatusAccepted}, nil
}

func (m *Manager) notifyLog(ctx context.Context, status ocpp16.UploadLogStatus, requestID int) {
	req := ocpp16.LogStatusNotificationRequest{Status: status, RequestId: requestID}
	if _, err := m.caller.Call(ctx, "LogStatusNotification", req, m.cfg.CallTimeout); err != nil {
		m.log.Errorf("maintenance: LogStatusNotification failed: %v", err)
	}
}
