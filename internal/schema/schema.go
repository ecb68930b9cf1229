// Package schema validates OCPP CALL/CALLRESULT payloads against the
// official per-action JSON Schema documents, reporting the first failing
// keyword the way the OCPP-J conformance suite expects.
package schema

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry loads and caches compiled schemas for a protocol version's action set.
type Registry struct {
	directory string
	compiler  *jsonschema.Compiler

	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// ValidationError reports the first keyword that failed, per the registry's contract.
type ValidationError struct {
	Action   string
	Keyword  string
	Location string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: schema validation failed at %s (%s): %s", e.Action, e.Location, e.Keyword, e.Message)
}

// NewRegistry builds a Registry that loads "<directory>/<action>.<suffix>.json" files on demand.
func NewRegistry(directory string) *Registry {
	return &Registry{
		directory: directory,
		compiler:  jsonschema.NewCompiler(),
		schemas:   make(map[string]*jsonschema.Schema),
	}
}

// ValidateRequest validates a Call payload against "<action>.request.json".
func (r *Registry) ValidateRequest(action string, payload []byte) error {
	return r.validate(action, "request", payload)
}

// ValidateResponse validates a CallResult payload against "<action>.response.json".
func (r *Registry) ValidateResponse(action string, payload []byte) error {
	return r.validate(action, "response", payload)
}

func (r *Registry) validate(action, suffix string, payload []byte) error {
	sch, err := r.load(action, suffix)
	if err != nil {
		// No schema on disk for this action: treat as permissive, matching
		// the charge point's obligation to accept vendor extensions it does
		// not have a schema for (DataTransfer and similar).
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return &ValidationError{Action: action, Keyword: "syntax", Location: "", Message: err.Error()}
	}

	if err := sch.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			first := firstLeaf(verr)
			return &ValidationError{
				Action:   action,
				Keyword:  first.KeywordLocation,
				Location: first.InstanceLocation,
				Message:  first.Message,
			}
		}
		return &ValidationError{Action: action, Keyword: "unknown", Message: err.Error()}
	}
	return nil
}

// firstLeaf descends to the deepest cause, which is the keyword that actually
// rejected the document rather than the umbrella "doesn't validate" wrapper.
func firstLeaf(verr *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(verr.Causes) > 0 {
		verr = verr.Causes[0]
	}
	return verr
}

func (r *Registry) load(action, suffix string) (*jsonschema.Schema, error) {
	key := action + "." + suffix

	r.mu.RLock()
	if sch, ok := r.schemas[key]; ok {
		r.mu.RUnlock()
		return sch, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if sch, ok := r.schemas[key]; ok {
		return sch, nil
	}

	path := filepath.Join(r.directory, fmt.Sprintf("%s.%s.json", action, suffix))
	sch, err := r.compiler.Compile(path)
	if err != nil {
		return nil, err
	}
	r.schemas[key] = sch
	return sch, nil
}
