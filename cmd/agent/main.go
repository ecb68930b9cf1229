package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/evse-systems/charge-point-agent/internal/config"
	"github.com/evse-systems/charge-point-agent/internal/devicemodel"
	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/domain/serialization"
	"github.com/evse-systems/charge-point-agent/internal/domain/validation"
	"github.com/evse-systems/charge-point-agent/internal/fifo"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/maintenance"
	"github.com/evse-systems/charge-point-agent/internal/message"
	"github.com/evse-systems/charge-point-agent/internal/metervalues"
	"github.com/evse-systems/charge-point-agent/internal/ocppconfig"
	"github.com/evse-systems/charge-point-agent/internal/registration"
	"github.com/evse-systems/charge-point-agent/internal/rpc"
	"github.com/evse-systems/charge-point-agent/internal/schema"
	"github.com/evse-systems/charge-point-agent/internal/security"
	"github.com/evse-systems/charge-point-agent/internal/storage"
	"github.com/evse-systems/charge-point-agent/internal/transaction"
	"github.com/evse-systems/charge-point-agent/internal/transfer"
	"github.com/evse-systems/charge-point-agent/internal/workerpool"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Logger.
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
		Async:  cfg.Log.Async,
	})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	log.Infof("Starting charge point agent %s (profile=%s)", cfg.Identity.ChargePointID, cfg.App.Profile)

	// 3. Durable storage.
	store, err := storage.NewRedisStorage(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to storage: %v", err)
	}

	// 4. Schema validation, struct validation and action<->type serialization.
	schemas := schema.NewRegistry(cfg.Schema.Directory)
	validator := validation.NewValidator()
	serializer := serialization.NewSerializer(serialization.FormatJSON)
	dispatch := dispatcher.New(schemas, validator, serializer, log)

	// 5. Worker pool and timers every blocking/scheduled operation runs through.
	pool := workerpool.New(workerpool.Config{Workers: cfg.OCPP.WorkerCount})
	timers := workerpool.NewTimerPool(pool)

	// 6. Transport: the single outbound OCPP-J WebSocket connection.
	transport := rpc.NewTransport(buildTransportConfig(cfg), dispatch, pool, timers, log)

	// 7. Registration state machine (BootNotification/Heartbeat/StatusNotification).
	registrationMgr := registration.New(
		registration.Identity{
			ChargePointVendor: cfg.Identity.ChargePointVendor,
			ChargePointModel:  cfg.Identity.ChargePointModel,
			FirmwareVersion:   cfg.Identity.FirmwareVersion,
		},
		registration.Config{
			RetryInterval:            cfg.Central.RetryInterval,
			DefaultHeartbeatInterval: 300 * time.Second,
			MinimumStatusDuration:    cfg.OCPP.MinimumStatusDuration,
			CallTimeout:              cfg.Central.CallTimeout,
			MaxHeartbeatInterval:     registrationMaxHeartbeatInterval(cfg.OCPP.SupportedVersions),
		},
		transport, store, timers, pool, log,
	)
	transport.AddListener(registrationMgr)
	registrationMgr.RegisterConnector(1, ocpp16.ChargePointStatusAvailable)

	// 8. Persistent request FIFO for StartTransaction/StopTransaction/
	// MeterValues/SecurityEventNotification.
	fifoMgr := fifo.New(store, transport, chargePointState{transport: transport, registration: registrationMgr}, timers, pool, fifo.Config{
		RetryInterval:      cfg.Central.RetryInterval,
		MaxAttempts:        cfg.OCPP.FifoRetries,
		DefaultCallTimeout: cfg.Central.CallTimeout,
	}, log)
	if err := fifoMgr.Load(context.Background()); err != nil {
		log.Errorf("Failed to load persisted FIFO entries: %v", err)
	}

	// 9. Optional fleet-observability event bus.
	var telemetryBus *telemetry
	if cfg.EventBus.Enabled {
		producer, err := message.NewKafkaProducer(cfg.EventBus.Brokers, cfg.EventBus.TelemetryTopic, cfg.Identity.ChargePointID)
		if err != nil {
			log.Errorf("Failed to start event bus producer, continuing without telemetry: %v", err)
		} else {
			telemetryBus = newTelemetry(producer, cfg.Identity.ChargePointID)
			defer producer.Close()
		}
	}

	// 10. Transaction lifecycle: Authorize/StartTransaction/StopTransaction
	// and the passive remote-start/remote-stop/unlock handlers.
	txnMgr := transaction.New(transaction.DefaultConfig(), transport, fifoMgr, nil, store, log)
	txnMgr.OnStatusChange = telemetryBus.connectorStatusChanged
	fifoMgr.OnDelivered = txnMgr.HandleDelivered
	fifoMgr.RewriteOfflineID = txnMgr.RewriteOfflineID

	// 11. Periodic/clock-aligned/transaction-scoped meter value sampling.
	meterCfg := metervalues.DefaultConfig()
	meterCfg.SampleInterval = cfg.OCPP.MeterValueSampleRate
	meterCfg.ClockAlignedInterval = cfg.OCPP.MeterValueAlignRate
	meterCfg.CallTimeout = cfg.Central.CallTimeout
	meterValuesMgr := metervalues.New(meterCfg, demoMeterReader{}, transport, fifoMgr, store, registrationMgr, timers, pool, log)
	meterValuesMgr.Start()
	txnMgr.OnDeauthorized = meterValuesMgr.Deauthorize

	// 12. Security Extension profile. Certificate storage and CSR/key
	// generation are host-owned and left nil here; certificate parsing,
	// validity/chain verification and SHA-256 firmware signature
	// verification are handled internally regardless.
	securityMgr := security.New(security.DefaultConfig(), fifoMgr, transport, nil, nil, log)

	// 13. Firmware Management / Diagnostics profile. The hardware-specific
	// collaborators (reboot, firmware download/verify/install, log upload)
	// are owned by the embedding application; none is available here, so
	// Reset, SignedUpdateFirmware and GetLog answer Rejected and
	// GetDiagnostics/UpdateFirmware answer an empty response rather than
	// panicking.
	// Signed firmware updates still run the internal certificate/signature
	// checks via securityMgr.
	maintenanceMgr := maintenance.New(maintenance.DefaultConfig(), transport, nil, nil, nil, nil, securityMgr, securityMgr, pool, timers, log)

	// 14. DataTransfer vendor extension.
	transferMgr := transfer.New(transfer.DefaultConfig(), transport, log)

	// 15. GetConfiguration/ChangeConfiguration key-value store.
	configMgr := ocppconfig.New(ocppconfig.DefaultRegistry(), store, log)

	registerers := []interface{ Register(*dispatcher.Dispatcher) error }{
		txnMgr, maintenanceMgr, securityMgr, transferMgr, configMgr,
	}

	// 15b. Device Model (2.0.1 GetVariables/SetVariables), only meaningful
	// when the Central System may address this agent over 2.0.1.
	if supportsOCPP201(cfg.OCPP.SupportedVersions) {
		deviceModelMgr := devicemodel.New(nil, log)
		registerers = append(registerers, deviceModelMgr)
	}

	for _, registerer := range registerers {
		if err := registerer.Register(dispatch); err != nil {
			log.Fatalf("Failed to register handlers: %v", err)
		}
	}

	// 16. Start dialing the Central System.
	transport.Start()

	// 17. Metrics and health endpoints.
	go startMetricsServer(cfg.Monitoring.MetricsAddr, log)
	go startHealthServer(cfg.Monitoring.HealthCheckPort, transport, log)

	log.Info("Charge point agent started successfully")

	// 18. Wait for a termination signal, then shut down in dependency order.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down agent...")

	meterValuesMgr.Stop()
	transport.Stop()
	if err := store.Close(); err != nil {
		log.Errorf("Error closing storage: %v", err)
	}
	log.Info("Agent gracefully stopped")
}

// chargePointState adapts rpc.Transport and registration.Manager to the
// combined gate internal/fifo needs before it will deliver a queued entry:
// a live connection and an Accepted registration.
type chargePointState struct {
	transport    *rpc.Transport
	registration *registration.Manager
}

func (s chargePointState) Connected() bool {
	return s.transport.Connected()
}

func (s chargePointState) RegistrationAccepted() bool {
	return s.registration.RegistrationAccepted()
}

// demoMeterReader stands in for the hardware meter this repository has no
// access to; matching the reference implementation's own demo handler, it
// reports that it has nothing to sample rather than fabricating a value.
type demoMeterReader struct{}

func (demoMeterReader) MeterValue(connectorID uint32, measurand ocpp16.Measurand, phase *ocpp16.Phase) (ocpp16.SampledValue, bool) {
	return ocpp16.SampledValue{}, false
}

func supportsOCPP201(versions []string) bool {
	for _, v := range versions {
		if v == "2.0.1" || v == "2.0" {
			return true
		}
	}
	return false
}

// registrationMaxHeartbeatInterval enforces the 2.0.1 mandatory 24h
// heartbeat bound; 1.6-only deployments leave the interval uncapped.
func registrationMaxHeartbeatInterval(versions []string) time.Duration {
	if supportsOCPP201(versions) {
		return 24 * time.Hour
	}
	return 0
}

func buildTransportConfig(cfg *config.Config) rpc.Config {
	rpcCfg := rpc.Config{
		URL:               cfg.Central.URL,
		ChargePointID:     cfg.Identity.ChargePointID,
		ProtocolVersion:   cfg.Central.ProtocolVersion,
		SecurityProfile:   cfg.Central.SecurityProfile,
		BasicAuthUser:     cfg.Central.BasicAuthUser,
		BasicAuthPassword: cfg.Central.BasicAuthPassword,
		RetryInterval:     cfg.Central.RetryInterval,
		PingInterval:      cfg.Central.PingInterval,
		CallTimeout:       cfg.Central.CallTimeout,
		HandshakeTimeout:  cfg.Central.HandshakeTimeout,
		MaxMessageSize:    cfg.Central.MaxMessageSize,
	}
	if cfg.TLS.Enabled {
		tlsCfg, err := buildTLSConfig(cfg)
		if err == nil {
			rpcCfg.TLSConfig = tlsCfg
		}
	}
	return rpcCfg
}

func buildTLSConfig(cfg *config.Config) (*tls.Config, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}

	if cfg.TLS.ClientCertFile != "" && cfg.TLS.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.ClientCertFile, cfg.TLS.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.TLS.CACertFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.TLS.CACertFile)
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

func startMetricsServer(addr string, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Infof("Metrics server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Metrics server failed: %v", err)
	}
}

func startHealthServer(port int, transport *rpc.Transport, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if transport.Connected() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("disconnected"))
	})
	addr := fmt.Sprintf(":%d", port)
	log.Infof("Health check server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Errorf("Health check server failed: %v", err)
	}
}
