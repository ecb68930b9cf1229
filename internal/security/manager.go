// Package security implements the charge point side of the Security
// Extension profile: SecurityEventNotification (queued through the
// persistent request FIFO alongside transaction data, since a security
// event record is as precious as a meter reading), the SignCertificate /
// CertificateSigned certificate renewal handshake, and the passive
// GetInstalledCertificateIds / InstallCertificate / DeleteCertificate
// handlers a Central System uses to manage the charge point's trust
// store.
package security

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
)

// Fifo queues a security event for guaranteed, in-order delivery.
type Fifo interface {
	Push(ctx context.Context, connectorID uint32, action string, payload interface{}) error
}

// Caller performs a direct, un-queued OCPP call.
type Caller interface {
	Call(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error)
}

// CertificateStore is the host-side trust store backing the three passive
// certificate management actions. A charge point vendor implements this
// against whatever keeps the actual certificate material: a directory of
// PEM files, a TPM, an HSM.
type CertificateStore interface {
	InstalledCertificateIds(ctx context.Context, typ ocpp16.CertificateUse) ([]ocpp16.CertificateHashDataType, error)
	InstallCertificate(ctx context.Context, typ ocpp16.CertificateUse, pemCertificate string) error
	DeleteCertificate(ctx context.Context, hash ocpp16.CertificateHashDataType) error
}

// KeyGenerator produces the CSR submitted in a SignCertificate request and
// installs the signed chain CertificateSigned eventually returns.
type KeyGenerator interface {
	GenerateCsr(ctx context.Context, typ ocpp16.CertificateUse) (csr string, err error)
	InstallSignedCertificate(ctx context.Context, pemChain string) error
}

// Config carries timing knobs otherwise hardcoded in the reference
// implementation, plus the trust anchor for internal certificate
// management (chain verification of signing certificates against the
// Manufacturer CA, per the Security Extension's firmware-signing profile).
type Config struct {
	CallTimeout time.Duration

	// ManufacturerCAPEM is the PEM-encoded Manufacturer root certificate
	// baked in at provisioning time. When empty, internal certificate
	// management starts with no trust anchor until one arrives through
	// InstallCertificate(ManufacturerRootCertificate, ...); signing
	// certificate chain verification is then skipped rather than failed;
	// the signing certificate is still checked for self-signature and validity.
	ManufacturerCAPEM string
}

// DefaultConfig mirrors typical OCPP 1.6 Security Extension call timeouts.
func DefaultConfig() Config {
	return Config{CallTimeout: 30 * time.Second}
}

// Manager implements the handler side of the Security Extension profile,
// registering itself against a dispatcher, and offers NotifySecurityEvent /
// TriggerSignCertificate as library entry points the host calls directly. It also
// owns the internal certificate-management path: parsing, validity and
// chain verification for signing certificates, and SHA-256 firmware
// signature verification, both consumed by internal/maintenance.
type Manager struct {
	cfg    Config
	fifo   Fifo
	caller Caller
	store  CertificateStore
	keys   KeyGenerator
	log    *logger.Logger

	mu             sync.Mutex
	manufacturerCA *x509.CertPool
}

// New builds a Manager. store and keys may be nil; the actions they back
// then answer Rejected/empty rather than panicking.
func New(cfg Config, fifo Fifo, caller Caller, store CertificateStore, keys KeyGenerator, log *logger.Logger) *Manager {
	m := &Manager{cfg: cfg, fifo: fifo, caller: caller, store: store, keys: keys, log: log}
	if cfg.ManufacturerCAPEM != "" {
		if err := m.trustManufacturerCA(cfg.ManufacturerCAPEM); err != nil {
			log.Errorf("security: invalid configured Manufacturer CA: %v", err)
		}
	}
	return m
}

// trustManufacturerCA adds pemData's certificate(s) to the trust anchor
// used by VerifySigningCertificate's chain check.
func (m *Manager) trustManufacturerCA(pemData string) error {
	cert, err := ParseCertificate(pemData)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manufacturerCA == nil {
		m.manufacturerCA = x509.NewCertPool()
	}
	for _, c := range cert.Chain {
		m.manufacturerCA.AddCert(c.raw)
	}
	return nil
}

// VerifySigningCertificate implements the signing-certificate validation
// required before a signed firmware update may proceed: the certificate
// must parse, must not be self-signed, and must be valid at the current
// time. If a Manufacturer CA has been installed, the certificate's chain
// must also verify against it; otherwise chain verification is skipped.
func (m *Manager) VerifySigningCertificate(pemCertificate string) (*Certificate, error) {
	cert, err := ParseCertificate(pemCertificate)
	if err != nil {
		return nil, err
	}
	if cert.IsSelfSigned() {
		return nil, errors.New("security: signing certificate is self-signed")
	}
	now := time.Now()
	if !cert.ValidAt(now) {
		return nil, fmt.Errorf("security: signing certificate not valid at %s (window %s to %s)", now, cert.ValidityFrom, cert.ValidityTo)
	}

	m.mu.Lock()
	roots := m.manufacturerCA
	m.mu.Unlock()
	if roots != nil {
		if err := cert.VerifyChain(roots, now); err != nil {
			return nil, fmt.Errorf("security: signing certificate chain verification failed: %w", err)
		}
	}
	return cert, nil
}

// HasManufacturerCA reports whether a trust anchor has been installed, i.e.
// whether VerifySigningCertificate will also enforce chain verification.
func (m *Manager) HasManufacturerCA() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.manufacturerCA != nil
}

// VerifyFirmwareSignature hashes the firmware image at path with SHA-256
// and verifies signatureBase64 against it using cert's public key.
func (m *Manager) VerifyFirmwareSignature(cert *Certificate, path, signatureBase64 string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("security: reading firmware image: %w", err)
	}
	digest := sha256.Sum256(data)
	return cert.VerifySHA256Signature(digest, signatureBase64)
}

// Register wires the passive certificate management handlers and the
// CertificateSigned acknowledgement handler onto d. SignCertificate itself
// is not a handler: it is a request this charge point sends when the host
// calls TriggerSignCertificate; there is no automatic renewal timer.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	handlers := map[string]dispatcher.HandlerFunc{
		"GetInstalledCertificateIds": m.handleGetInstalledCertificateIds,
		"InstallCertificate":         m.handleInstallCertificate,
		"DeleteCertificate":          m.handleDeleteCertificate,
		"CertificateSigned":          m.handleCertificateSigned,
	}
	for action, h := range handlers {
		if err := d.Register(action, h); err != nil {
			return err
		}
	}
	return nil
}

// NotifySecurityEvent queues a SecurityEventNotification for guaranteed
// delivery. connectorID 0 is used since security events are charge-point
// wide, never connector-scoped.
func (m *Manager) NotifySecurityEvent(ctx context.Context, eventType ocpp16.SecurityEvent, techInfo string) error {
	req := ocpp16.SecurityEventNotificationRequest{
		Type:      eventType,
		Timestamp: ocpp16.DateTime{Time: time.Now()},
	}
	if techInfo != "" {
		req.TechInfo = &techInfo
	}
	return m.fifo.Push(ctx, 0, "SecurityEventNotification", req)
}

// TriggerSignCertificate generates a new key pair and CSR through keys and
// submits it as a SignCertificate request. The signed chain arrives later,
// asynchronously, as a CertificateSigned call handled by handleCertificateSigned.
func (m *Manager) TriggerSignCertificate(ctx context.Context, typ ocpp16.CertificateUse) error {
	if m.keys == nil {
		return nil
	}
	csr, err := m.keys.GenerateCsr(ctx, typ)
	if err != nil {
		m.log.Errorf("security: CSR generation failed: %v", err)
		return err
	}
	req := ocpp16.SignCertificateRequest{Csr: csr}
	_, err = m.caller.Call(ctx, "SignCertificate", req, m.cfg.CallTimeout)
	if err != nil {
		m.log.Errorf("security: SignCertificate call failed: %v", err)
	}
	return err
}

func (m *Manager) handleCertificateSigned(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.CertificateSignedRequest)
	if m.keys == nil {
		return ocpp16.CertificateSignedResponse{Status: ocpp16.CertificateStatusRejected}, nil
	}
	if err := m.keys.InstallSignedCertificate(ctx, req.CertificateChain); err != nil {
		m.log.Errorf("security: installing signed certificate failed: %v", err)
		return ocpp16.CertificateSignedResponse{Status: ocpp16.CertificateStatusRejected}, nil
	}
	return ocpp16.CertificateSignedResponse{Status: ocpp16.CertificateStatusAccepted}, nil
}

func (m *Manager) handleGetInstalledCertificateIds(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.GetInstalledCertificateIdsRequest)
	if m.store == nil {
		return ocpp16.GetInstalledCertificateIdsResponse{Status: ocpp16.GetInstalledCertificateStatusNotFound}, nil
	}
	var typ ocpp16.CertificateUse
	if req.CertificateType != nil {
		typ = *req.CertificateType
	}
	ids, err := m.store.InstalledCertificateIds(ctx, typ)
	if err != nil {
		m.log.Errorf("security: listing installed certificates failed: %v", err)
		return ocpp16.GetInstalledCertificateIdsResponse{Status: ocpp16.GetInstalledCertificateStatusNotFound}, nil
	}
	status := ocpp16.GetInstalledCertificateStatusNotFound
	if len(ids) > 0 {
		status = ocpp16.GetInstalledCertificateStatusAccepted
	}
	return ocpp16.GetInstalledCertificateIdsResponse{Status: status, CertificateHashData: ids}, nil
}

func (m *Manager) handleInstallCertificate(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.InstallCertificateRequest)
	if m.store == nil {
		return ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusRejected}, nil
	}
	if req.CertificateType == ocpp16.CertificateUseManufacturerRootCertificate {
		if err := m.trustManufacturerCA(req.Certificate); err != nil {
			m.log.Errorf("security: rejecting unparseable Manufacturer CA: %v", err)
			return ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusRejected}, nil
		}
	}
	if err := m.store.InstallCertificate(ctx, req.CertificateType, req.Certificate); err != nil {
		m.log.Errorf("security: installing certificate failed: %v", err)
		return ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusRejected}, nil
	}
	return ocpp16.InstallCertificateResponse{Status: ocpp16.CertificateStatusAccepted}, nil
}

func (m *Manager) handleDeleteCertificate(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.DeleteCertificateRequest)
	if m.store == nil {
		return ocpp16.DeleteCertificateResponse{Status: ocpp16.DeleteCertificateStatusNotFound}, nil
	}
	if err := m.store.DeleteCertificate(ctx, req.CertificateHashData); err != nil {
		m.log.Errorf("security: deleting certificate failed: %v", err)
		return ocpp16.DeleteCertificateResponse{Status: ocpp16.DeleteCertificateStatusNotFound}, nil
	}
	return ocpp16.DeleteCertificateResponse{Status: ocpp16.DeleteCertificateStatusAccepted}, nil
}
