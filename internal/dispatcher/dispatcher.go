// Package dispatcher routes inbound OCPP CALLs to registered per-action
// handlers: validate against the request schema, decode to a typed record,
// invoke the handler, then validate and frame the typed response.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/evse-systems/charge-point-agent/internal/domain/serialization"
	"github.com/evse-systems/charge-point-agent/internal/domain/validation"
	"github.com/evse-systems/charge-point-agent/internal/logger"
	"github.com/evse-systems/charge-point-agent/internal/rpc"
	"github.com/evse-systems/charge-point-agent/internal/schema"
)

// HandlerError is returned by a handler to produce a CALLERROR instead of a
// CALLRESULT.
type HandlerError struct {
	Code        string
	Description string
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// HandlerFunc processes one decoded request and returns the typed response,
// or a HandlerError to short-circuit to a CALLERROR.
type HandlerFunc func(ctx context.Context, req interface{}) (interface{}, *HandlerError)

type entry struct {
	action  string
	handler HandlerFunc
}

// Dispatcher is the per-action (schema_req, schema_resp, handler) registry
// described for inbound CALL handling. It satisfies rpc.Dispatcher.
type Dispatcher struct {
	schemas    *schema.Registry
	validator  *validation.Validator
	serializer *serialization.Serializer
	log        *logger.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Dispatcher with no actions registered.
func New(schemas *schema.Registry, validator *validation.Validator, serializer *serialization.Serializer, log *logger.Logger) *Dispatcher {
	return &Dispatcher{
		schemas:    schemas,
		validator:  validator,
		serializer: serializer,
		log:        log,
		entries:    make(map[string]*entry),
	}
}

// Register adds a handler for action. Registration is idempotent per
// action; a second registration for the same action is rejected.
func (d *Dispatcher) Register(action string, handler HandlerFunc) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[action]; exists {
		return fmt.Errorf("dispatcher: handler for action %s already registered", action)
	}
	d.entries[action] = &entry{action: action, handler: handler}
	return nil
}

// Dispatch implements rpc.Dispatcher. Unknown actions produce NotImplemented.
func (d *Dispatcher) Dispatch(ctx context.Context, action string, payload json.RawMessage) rpc.DispatchResult {
	d.mu.RLock()
	e, exists := d.entries[action]
	d.mu.RUnlock()
	if !exists {
		return rpc.DispatchResult{ErrorCode: rpc.ErrNotImplemented, ErrorDescription: fmt.Sprintf("no handler for action %s", action)}
	}

	if err := d.schemas.ValidateRequest(action, payload); err != nil {
		if verr, ok := err.(*schema.ValidationError); ok {
			return rpc.DispatchResult{ErrorCode: rpc.ErrPropertyConstraintViolation, ErrorDescription: verr.Error()}
		}
		return rpc.DispatchResult{ErrorCode: rpc.ErrPropertyConstraintViolation, ErrorDescription: err.Error()}
	}

	reqInstance := d.serializer.CreatePayloadInstance(action, true)
	if reqInstance == nil {
		return rpc.DispatchResult{ErrorCode: rpc.ErrNotImplemented, ErrorDescription: fmt.Sprintf("no request type for action %s", action)}
	}
	if err := d.serializer.DeserializePayload(payload, reqInstance); err != nil {
		return rpc.DispatchResult{ErrorCode: rpc.ErrTypeConstraintViolation, ErrorDescription: err.Error()}
	}
	if err := d.validator.ValidateStruct(reqInstance); err != nil {
		return rpc.DispatchResult{ErrorCode: rpc.ErrPropertyConstraintViolation, ErrorDescription: err.Error()}
	}

	resp, herr := e.handler(ctx, reqInstance)
	if herr != nil {
		return rpc.DispatchResult{ErrorCode: herr.Code, ErrorDescription: herr.Description}
	}

	respBytes, err := json.Marshal(resp)
	if err != nil {
		d.log.Errorf("dispatcher: failed to encode %s response: %v", action, err)
		return rpc.DispatchResult{ErrorCode: rpc.ErrInternalError, ErrorDescription: "failed to encode response"}
	}
	if err := d.schemas.ValidateResponse(action, respBytes); err != nil {
		d.log.Errorf("dispatcher: %s response failed schema validation: %v", action, err)
		return rpc.DispatchResult{ErrorCode: rpc.ErrInternalError, ErrorDescription: "response failed schema validation"}
	}

	return rpc.DispatchResult{Payload: resp}
}

// RegisteredActions lists every action with a registered handler.
func (d *Dispatcher) RegisteredActions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	actions := make([]string, 0, len(d.entries))
	for action := range d.entries {
		actions = append(actions, action)
	}
	return actions
}
