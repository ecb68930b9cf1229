// Package ocppconfig implements the OCPP 1.6 GetConfiguration/
// ChangeConfiguration key-value store: a fixed registry of well-known keys
// with per-key readonly and reboot-required semantics, a durable value
// backing in internal/storage, and an LRU front so a GetConfiguration
// burst after reconnect does not hit the store for every key.
package ocppconfig

import (
	"context"
	"strconv"

	"github.com/evse-systems/charge-point-agent/internal/cache"
	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp16"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/storage"
)

// KeyDefinition describes one well-known configuration key.
type KeyDefinition struct {
	Readonly       bool
	RebootRequired bool
	Default        string
}

// Registry is the fixed set of configuration keys this charge point
// exposes, keyed by OCPP configuration key name.
type Registry map[string]KeyDefinition

// DefaultRegistry lists the OCPP 1.6 core/smart-charging standard
// configuration keys most deployments expose.
func DefaultRegistry() Registry {
	return Registry{
		"HeartbeatInterval":              {RebootRequired: false, Default: "60"},
		"MeterValueSampleInterval":       {RebootRequired: false, Default: "60"},
		"ClockAlignedDataInterval":       {RebootRequired: false, Default: "0"},
		"MeterValuesSampledData":        {RebootRequired: false, Default: "Energy.Active.Import.Register"},
		"MeterValuesAlignedData":        {RebootRequired: false, Default: ""},
		"StopTxnSampledData":            {RebootRequired: false, Default: ""},
		"StopTxnAlignedData":            {RebootRequired: false, Default: ""},
		"ConnectionTimeOut":             {RebootRequired: false, Default: "30"},
		"NumberOfConnectors":            {Readonly: true, Default: "1"},
		"SupportedFeatureProfiles":      {Readonly: true, Default: "Core,FirmwareManagement,RemoteTrigger,SmartCharging,Reservation"},
		"AuthorizeRemoteTxRequests":     {RebootRequired: false, Default: "false"},
		"LocalAuthorizeOffline":         {RebootRequired: false, Default: "true"},
		"LocalPreAuthorize":             {RebootRequired: false, Default: "false"},
		"TransactionMessageAttempts":    {RebootRequired: false, Default: "3"},
		"TransactionMessageRetryInterval": {RebootRequired: false, Default: "60"},
		"ChargeProfileMaxStackLevel":    {Readonly: true, Default: "8"},
		"ChargingScheduleAllowedChargingRateUnit": {Readonly: true, Default: "Current,Power"},
		"MaxChargingProfilesInstalled":  {Readonly: true, Default: "10"},
		"SecurityProfile":               {RebootRequired: true, Default: "1"},
		"CpoName":                       {RebootRequired: false, Default: ""},
	}
}

// Manager answers GetConfiguration/ChangeConfiguration against Registry,
// persisting changed values in store and reporting reboot-required status
// through store's dedicated flag rather than baking it into the value
// itself.
type Manager struct {
	registry Registry
	store    storage.Store
	cache    *cache.LRUCache
	log      *logger.Logger
}

// New builds a Manager. registry is copied by reference; callers should
// treat it as immutable once passed in.
func New(registry Registry, store storage.Store, log *logger.Logger) *Manager {
	return &Manager{
		registry: registry,
		store:    store,
		cache:    cache.NewLRUCache(cache.DefaultCacheConfig()),
		log:      log,
	}
}

// Register wires GetConfiguration/ChangeConfiguration onto d.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	if err := d.Register("GetConfiguration", m.handleGetConfiguration); err != nil {
		return err
	}
	return d.Register("ChangeConfiguration", m.handleChangeConfiguration)
}

func (m *Manager) handleGetConfiguration(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.GetConfigurationRequest)

	keys := req.Key
	if len(keys) == 0 {
		keys = make([]string, 0, len(m.registry))
		for k := range m.registry {
			keys = append(keys, k)
		}
	}

	resp := ocpp16.GetConfigurationResponse{}
	for _, key := range keys {
		def, known := m.registry[key]
		if !known {
			resp.UnknownKey = append(resp.UnknownKey, key)
			continue
		}
		value := m.valueFor(ctx, key, def)
		resp.ConfigurationKey = append(resp.ConfigurationKey, ocpp16.KeyValue{
			Key:      key,
			Readonly: def.Readonly,
			Value:    &value,
		})
	}
	return resp, nil
}

func (m *Manager) valueFor(ctx context.Context, key string, def KeyDefinition) string {
	if cached, ok := m.cache.Get(key); ok {
		return cached.(string)
	}
	value, err := m.store.GetValue(ctx, key)
	if err != nil {
		if err != storage.ErrKeyNotFound {
			m.log.Errorf("ocppconfig: reading %s failed: %v", key, err)
		}
		value = def.Default
	}
	m.cache.Set(key, value, 0)
	return value
}

func (m *Manager) handleChangeConfiguration(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp16.ChangeConfigurationRequest)

	def, known := m.registry[req.Key]
	if !known {
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusNotSupported}, nil
	}
	if def.Readonly {
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
	}
	if req.Key == "SecurityProfile" {
		current, _ := strconv.Atoi(m.valueFor(ctx, req.Key, def))
		requested, err := strconv.Atoi(req.Value)
		if err != nil || requested < current {
			return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
		}
	}

	if err := m.store.SetValue(ctx, req.Key, req.Value); err != nil {
		m.log.Errorf("ocppconfig: persisting %s failed: %v", req.Key, err)
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRejected}, nil
	}
	m.cache.Set(req.Key, req.Value, 0)

	if def.RebootRequired {
		if err := m.store.SetRebootRequired(ctx, req.Key, true); err != nil {
			m.log.Errorf("ocppconfig: recording reboot-required for %s failed: %v", req.Key, err)
		}
		return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusRebootRequired}, nil
	}
	return ocpp16.ChangeConfigurationResponse{Status: ocpp16.ConfigurationStatusAccepted}, nil
}

// AnyRebootRequired reports whether a prior ChangeConfiguration is pending
// a reboot to take effect, by checking every reboot-requiring key this
// registry defines.
func (m *Manager) AnyRebootRequired(ctx context.Context) (bool, error) {
	for key, def := range m.registry {
		if !def.RebootRequired {
			continue
		}
		pending, err := m.store.IsRebootRequired(ctx, key)
		if err != nil {
			return false, err
		}
		if pending {
			return true, nil
		}
	}
	return false, nil
}
