// Package devicemodel implements the OCPP 2.0.1 Device Model: a tree of
// Components (optionally scoped to an EVSE/connector and a named instance),
// each holding named Variables with a fixed set of addressable attributes
// (Actual/Target/MinSet/MaxSet) and characteristics (data type, limits,
// allowed values). GetVariables/SetVariables are answered directly from
// this tree; persistence and validation against a concrete value follow the
// same component/variable lookup and limit-checking rules throughout.
package devicemodel

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/evse-systems/charge-point-agent/internal/dispatcher"
	"github.com/evse-systems/charge-point-agent/internal/domain/ocpp201"
	"github.com/evse-systems/charge-point-agent/internal/logger"
)

// Listener is notified of accepted variable reads/writes, so the embedding
// application can supply live values and react to configuration changes
// instead of this package only ever returning the last value it was told.
type Listener interface {
	// GetVariable is asked to fill in the current value of an Actual
	// attribute before it is returned to the Central System. Returning
	// false leaves the stored value untouched.
	GetVariable(component ocpp201.ComponentType, variable ocpp201.VariableType, attribute ocpp201.AttributeEnumType) (string, bool)
	// SetVariable is asked to accept or reject a write whose value has
	// already passed the characteristic/limit checks in this package.
	SetVariable(component ocpp201.ComponentType, variable ocpp201.VariableType, attribute ocpp201.AttributeEnumType, value string) ocpp201.SetVariableStatusEnumType
}

// variable is one attribute/characteristic pair addressed by (component
// name, variable name, variable instance, attribute type).
type variable struct {
	attribute       ocpp201.VariableAttributeType
	characteristics ocpp201.VariableCharacteristicsType
}

// component groups the variables exposed at one (name, instance, evse,
// connector) address.
type component struct {
	key       componentKey
	variables map[string]map[ocpp201.AttributeEnumType]*variable
}

type componentKey struct {
	name        string
	instance    string
	evseID      int
	hasEVSE     bool
	connectorID int
	hasConn     bool
}

// Manager holds the full device model and answers GetVariables/SetVariables.
type Manager struct {
	listener Listener
	log      *logger.Logger

	mu sync.RWMutex
	// components is keyed by component name, same grouping the reference
	// implementation uses, since most lookups start from a name.
	components map[string][]*component
}

// New builds an empty Manager. listener may be nil; GetVariable then always
// returns the last stored value and SetVariable always answers Accepted once
// the mutability and characteristic checks pass, which is adequate for components that
// carry their own full state (e.g. purely configuration-like variables).
func New(listener Listener, log *logger.Logger) *Manager {
	return &Manager{listener: listener, log: log, components: make(map[string][]*component)}
}

// DefineVariable registers one addressable attribute of a component's
// variable, creating the component and variable entries if they do not
// exist yet. This is how the embedding application builds up the device
// model at startup, in place of the reference implementation's JSON file
// loader (see LoadJSON for the file-based equivalent).
func (m *Manager) DefineVariable(comp ocpp201.ComponentType, v ocpp201.VariableType, attr ocpp201.VariableAttributeType, chars ocpp201.VariableCharacteristicsType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.getOrCreateComponent(comp)
	key := variableKey(v)
	attrs, ok := c.variables[key]
	if !ok {
		attrs = make(map[ocpp201.AttributeEnumType]*variable)
		c.variables[key] = attrs
	}
	attrs[attr.Type] = &variable{attribute: attr, characteristics: chars}
}

func variableKey(v ocpp201.VariableType) string {
	if v.Instance != nil {
		return v.Name + "\x00" + *v.Instance
	}
	return v.Name
}

func toComponentKey(comp ocpp201.ComponentType) componentKey {
	key := componentKey{name: comp.Name}
	if comp.Instance != nil {
		key.instance = *comp.Instance
	}
	if comp.EVSE != nil {
		key.hasEVSE = true
		key.evseID = comp.EVSE.ID
		if comp.EVSE.ConnectorID != nil {
			key.hasConn = true
			key.connectorID = *comp.EVSE.ConnectorID
		}
	}
	return key
}

func (m *Manager) getOrCreateComponent(comp ocpp201.ComponentType) *component {
	key := toComponentKey(comp)
	for _, c := range m.components[comp.Name] {
		if c.key == key {
			return c
		}
	}
	c := &component{key: key, variables: make(map[string]map[ocpp201.AttributeEnumType]*variable)}
	m.components[comp.Name] = append(m.components[comp.Name], c)
	return c
}

// findComponent looks up a component the way the reference implementation
// does: match on name, then narrow by instance/EVSE/connector only where
// the request specifies them.
func (m *Manager) findComponent(requested ocpp201.ComponentType) *component {
	for _, c := range m.components[requested.Name] {
		if requested.Instance != nil && c.key.instance != *requested.Instance {
			continue
		}
		if requested.EVSE != nil {
			if !c.key.hasEVSE || c.key.evseID != requested.EVSE.ID {
				continue
			}
			if requested.EVSE.ConnectorID != nil && (!c.key.hasConn || c.key.connectorID != *requested.EVSE.ConnectorID) {
				continue
			}
		}
		return c
	}
	return nil
}

func (c *component) findVariable(requested ocpp201.VariableType, attr ocpp201.AttributeEnumType) (*variable, bool) {
	attrs, ok := c.variables[variableKey(requested)]
	if !ok {
		return nil, false
	}
	v, ok := attrs[attr]
	return v, ok
}

// GetVariable answers a single attribute read, matching the status
// vocabulary the reference implementation returns for each failure mode.
func (m *Manager) GetVariable(req ocpp201.GetVariableDataType) ocpp201.GetVariableResultType {
	attrType := ocpp201.AttributeActual
	if req.AttributeType != nil {
		attrType = *req.AttributeType
	}
	result := ocpp201.GetVariableResultType{Component: req.Component, Variable: req.Variable, AttributeType: req.AttributeType}

	m.mu.RLock()
	c := m.findComponent(req.Component)
	if c == nil {
		m.mu.RUnlock()
		result.AttributeStatus = ocpp201.GetVariableStatusUnknownComponent
		return result
	}
	v, ok := c.findVariable(req.Variable, attrType)
	if !ok {
		_, anyAttr := c.variables[variableKey(req.Variable)]
		m.mu.RUnlock()
		if anyAttr {
			result.AttributeStatus = ocpp201.GetVariableStatusNotSupportedAttribute
		} else {
			result.AttributeStatus = ocpp201.GetVariableStatusUnknownVariable
		}
		return result
	}
	value := v.attribute.Value
	m.mu.RUnlock()

	if m.listener != nil {
		if live, ok := m.listener.GetVariable(req.Component, req.Variable, attrType); ok {
			value = live
		}
	}
	result.AttributeStatus = ocpp201.GetVariableStatusAccepted
	result.AttributeValue = &value
	return result
}

// SetVariable answers a single attribute write: unknown component/variable
// status first, then characteristic/limit validation, then the listener's
// own acceptance decision, mirroring the reference implementation's
// isValidValue gate ahead of the application callback.
func (m *Manager) SetVariable(req ocpp201.SetVariableDataType) ocpp201.SetVariableResultType {
	attrType := ocpp201.AttributeActual
	if req.AttributeType != nil {
		attrType = *req.AttributeType
	}
	result := ocpp201.SetVariableResultType{Component: req.Component, Variable: req.Variable, AttributeType: req.AttributeType}

	m.mu.Lock()
	c := m.findComponent(req.Component)
	if c == nil {
		m.mu.Unlock()
		result.AttributeStatus = ocpp201.SetVariableStatusUnknownComponent
		return result
	}
	v, ok := c.findVariable(req.Variable, attrType)
	if !ok {
		_, anyAttr := c.variables[variableKey(req.Variable)]
		m.mu.Unlock()
		if anyAttr {
			result.AttributeStatus = ocpp201.SetVariableStatusNotSupportedAttribute
		} else {
			result.AttributeStatus = ocpp201.SetVariableStatusUnknownVariable
		}
		return result
	}
	if v.attribute.Mutability == ocpp201.MutabilityReadOnly {
		m.mu.Unlock()
		result.AttributeStatus = ocpp201.SetVariableStatusRejected
		return result
	}
	status := validateValue(v.characteristics, req.AttributeValue)
	if status != ocpp201.SetVariableStatusAccepted {
		m.mu.Unlock()
		result.AttributeStatus = status
		return result
	}

	if m.listener != nil {
		status = m.listener.SetVariable(req.Component, req.Variable, attrType, req.AttributeValue)
	} else {
		status = ocpp201.SetVariableStatusAccepted
	}
	if status == ocpp201.SetVariableStatusAccepted {
		v.attribute.Value = req.AttributeValue
	}
	m.mu.Unlock()

	result.AttributeStatus = status
	return result
}

// validateValue checks a candidate value against a variable's limits and
// allowed-value list, the same checks the reference implementation's
// isValidValue performs ahead of the application callback.
func validateValue(chars ocpp201.VariableCharacteristicsType, value string) ocpp201.SetVariableStatusEnumType {
	switch chars.DataType {
	case ocpp201.DataInteger, ocpp201.DataDecimal:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return ocpp201.SetVariableStatusInvalidValue
		}
		if chars.MinLimit != nil && n < *chars.MinLimit {
			return ocpp201.SetVariableStatusOutOfRange
		}
		if chars.MaxLimit != nil && n > *chars.MaxLimit {
			return ocpp201.SetVariableStatusOutOfRange
		}
	case ocpp201.DataString, ocpp201.DataOptionList, ocpp201.DataMemberList, ocpp201.DataSequenceList:
		if chars.MaxLimit != nil && float64(len(value)) > *chars.MaxLimit {
			return ocpp201.SetVariableStatusOutOfRange
		}
	}

	if chars.ValuesList != nil && *chars.ValuesList != "" {
		switch chars.DataType {
		case ocpp201.DataOptionList, ocpp201.DataMemberList, ocpp201.DataSequenceList:
			if !valueAllowed(*chars.ValuesList, value, chars.DataType) {
				return ocpp201.SetVariableStatusOutOfRange
			}
		}
	}

	return ocpp201.SetVariableStatusAccepted
}

func valueAllowed(valuesList, value string, dataType ocpp201.DataEnumType) bool {
	allowed := make(map[string]bool)
	for _, v := range strings.Split(valuesList, ",") {
		allowed[strings.TrimSpace(v)] = true
	}
	if dataType != ocpp201.DataMemberList && dataType != ocpp201.DataSequenceList {
		return allowed[strings.TrimSpace(value)]
	}
	for _, v := range strings.Split(value, ",") {
		if !allowed[strings.TrimSpace(v)] {
			return false
		}
	}
	return true
}

// handleGetVariables answers the GetVariables action.
func (m *Manager) handleGetVariables(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp201.GetVariablesRequest)
	results := make([]ocpp201.GetVariableResultType, 0, len(req.GetVariableData))
	for _, item := range req.GetVariableData {
		results = append(results, m.GetVariable(item))
	}
	return ocpp201.GetVariablesResponse{GetVariableResult: results}, nil
}

// handleSetVariables answers the SetVariables action.
func (m *Manager) handleSetVariables(ctx context.Context, reqAny interface{}) (interface{}, *dispatcher.HandlerError) {
	req := reqAny.(*ocpp201.SetVariablesRequest)
	results := make([]ocpp201.SetVariableResultType, 0, len(req.SetVariableData))
	for _, item := range req.SetVariableData {
		results = append(results, m.SetVariable(item))
	}
	return ocpp201.SetVariablesResponse{SetVariableResult: results}, nil
}

// Register wires GetVariables/SetVariables onto d.
func (m *Manager) Register(d *dispatcher.Dispatcher) error {
	if err := d.Register("GetVariables", m.handleGetVariables); err != nil {
		return err
	}
	return d.Register("SetVariables", m.handleSetVariables)
}

// snapshotEntry is the on-disk shape for one variable attribute, used by
// SaveJSON/LoadJSON. It flattens the component/variable tree into a list so
// persistence doesn't depend on map iteration order.
type snapshotEntry struct {
	Component ocpp201.ComponentType               `json:"component"`
	Variable  ocpp201.VariableType                `json:"variable"`
	Attribute ocpp201.VariableAttributeType       `json:"attribute"`
	Chars     ocpp201.VariableCharacteristicsType `json:"characteristics"`
}

// SaveJSON serializes the full device model, mirroring the reference
// implementation's saveDeviceModel.
func (m *Manager) SaveJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []snapshotEntry
	for name, comps := range m.components {
		for _, c := range comps {
			comp := ocpp201.ComponentType{Name: name}
			if c.key.instance != "" {
				instance := c.key.instance
				comp.Instance = &instance
			}
			if c.key.hasEVSE {
				evse := &ocpp201.EVSEType{ID: c.key.evseID}
				if c.key.hasConn {
					connID := c.key.connectorID
					evse.ConnectorID = &connID
				}
				comp.EVSE = evse
			}
			for varKey, attrs := range c.variables {
				v := parseVariableKey(varKey)
				for _, attr := range attrs {
					entries = append(entries, snapshotEntry{Component: comp, Variable: v, Attribute: attr.attribute, Chars: attr.characteristics})
				}
			}
		}
	}
	return json.Marshal(entries)
}

// LoadJSON replaces the device model with the contents of a snapshot
// produced by SaveJSON, mirroring the reference implementation's
// load/loadDeviceModel pair.
func (m *Manager) LoadJSON(data []byte) error {
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}

	m.mu.Lock()
	m.components = make(map[string][]*component)
	m.mu.Unlock()

	for _, e := range entries {
		m.DefineVariable(e.Component, e.Variable, e.Attribute, e.Chars)
	}
	return nil
}

func parseVariableKey(key string) ocpp201.VariableType {
	if idx := strings.IndexByte(key, 0); idx >= 0 {
		instance := key[idx+1:]
		return ocpp201.VariableType{Name: key[:idx], Instance: &instance}
	}
	return ocpp201.VariableType{Name: key}
}
