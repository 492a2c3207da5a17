package intent

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/BrianMills2718/agent-ecology2-sub008/pkg/kernel/errorir"
)

//go:embed schemas/intent.schema.json
var schemaFS embed.FS

const schemaURL = "https://ecology.schemas.local/intent.schema.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		raw, err := schemaFS.ReadFile("schemas/intent.schema.json")
		if err != nil {
			schemaErr = fmt.Errorf("intent schema read failed: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
			schemaErr = fmt.Errorf("intent schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("intent schema compile failed: %w", schemaErr)
		}
	})
	return schema, schemaErr
}

// validateDocument reports every leaf violation, keyed by instance location.
func validateDocument(doc any) error {
	s, err := compiledSchema()
	if err != nil {
		return errorir.Runtime("%v", err)
	}
	err = s.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return errorir.InvalidArgument("intent validation failed: %v", err)
	}
	violations := leaves(ve)
	msg := "malformed intent"
	if len(violations) > 0 {
		msg = "malformed intent: " + violations[0]
	}
	return errorir.InvalidArgument("%s", msg).With("violations", violations)
}

func leaves(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
