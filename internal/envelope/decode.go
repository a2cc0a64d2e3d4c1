package envelope

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://stockline.local/schemas/"

// ErrUnknownType is returned for a request type no handler could ever serve.
var ErrUnknownType = errors.New("unknown request type")

// PayloadError reports a payload that does not match its type's schema.
type PayloadError struct {
	Type string
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(Types()))
		for _, t := range Types() {
			data, err := schemaFS.ReadFile("schemas/" + t + ".json")
			if err != nil {
				schemasErr = fmt.Errorf("read schema %s: %w", t, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				schemasErr = fmt.Errorf("parse schema %s: %w", t, err)
				return
			}
			url := schemaBaseURL + t + ".json"
			if err := c.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add schema %s: %w", t, err)
				return
			}
			sch, err := c.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile schema %s: %w", t, err)
				return
			}
			out[t] = sch
		}
		schemas = out
	})
	return schemas, schemasErr
}

// Validate checks payload against the schema of requestType.
func Validate(requestType string, payload json.RawMessage) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	sch, ok := all[requestType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, requestType)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &PayloadError{Type: requestType, Err: err}
	}
	if err := sch.Validate(inst); err != nil {
		return &PayloadError{Type: requestType, Err: err}
	}
	return nil
}

// Decode validates payload and returns the typed command for requestType.
func Decode(requestType string, payload json.RawMessage) (Command, error) {
	if err := Validate(requestType, payload); err != nil {
		return nil, err
	}
	switch requestType {
	case TypeScopeToPool:
		var c ScopeToPool
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, &PayloadError{Type: requestType, Err: err}
		}
		return c, nil
	case TypePoolToScope:
		var c PoolToScope
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, &PayloadError{Type: requestType, Err: err}
		}
		return c, nil
	case TypeScopeToScope:
		var c ScopeToScope
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, &PayloadError{Type: requestType, Err: err}
		}
		if c.FromScopeID == c.ToScopeID {
			return nil, &PayloadError{Type: requestType, Err: errors.New("from_scope_id and to_scope_id must differ")}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, requestType)
	}
}

// Encode marshals a command into its wire payload.
func Encode(c Command) (json.RawMessage, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return data, nil
}
