// Package validate checks POST bodies against per-route JSON Schemas.
package validate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"dashboard-proxy/internal/config"
)

// Error reports a body that does not satisfy its route's schema.
type Error struct {
	Route   string
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validate: route %q: %s", e.Route, e.Details)
}

// Validators holds the compiled schema of every route that declares one.
type Validators struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the schemas referenced by the route table. Relative schema
// paths resolve against the directory of the config file.
func New(cfg *config.Config) (*Validators, error) {
	v := &Validators{schemas: make(map[string]*jsonschema.Schema)}

	base := "."
	if p := cfg.FilePath(); p != "" {
		base = filepath.Dir(p)
	}

	c := jsonschema.NewCompiler()
	added := make(map[string]bool)
	for _, r := range cfg.Routes {
		if r.Schema == "" {
			continue
		}
		path := r.Schema
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		path, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("validate: route %q: %w", r.Name, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("validate: route %q: open schema: %w", r.Name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("validate: route %q: parse schema %s: %w", r.Name, path, err)
		}

		// Routes may share a schema file.
		if !added[path] {
			if err := c.AddResource(path, doc); err != nil {
				return nil, fmt.Errorf("validate: route %q: %w", r.Name, err)
			}
			added[path] = true
		}
		sch, err := c.Compile(path)
		if err != nil {
			return nil, fmt.Errorf("validate: route %q: compile schema %s: %w", r.Name, path, err)
		}
		v.schemas[r.Name] = sch
	}
	return v, nil
}

// Validate checks body against the schema of the named route. Routes without
// a schema accept any body.
func (v *Validators) Validate(route string, body []byte) error {
	if v == nil {
		return nil
	}
	sch, ok := v.schemas[route]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return &Error{Route: route, Details: "body is not valid JSON"}
	}
	if err := sch.Validate(inst); err != nil {
		return &Error{Route: route, Details: err.Error()}
	}
	return nil
}

// Len returns the number of routes with a compiled schema.
func (v *Validators) Len() int {
	if v == nil {
		return 0
	}
	return len(v.schemas)
}
