package llm

import (
	"encoding/json"
	"fmt"

	jsgen "github.com/invopop/jsonschema"
	jsval "github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is a compiled JSON schema for one reply shape. Schemas are built
// once per reply type at package init and shared.
type Schema struct {
	Name     string
	Raw      map[string]any
	compiled *jsval.Schema
}

// SchemaFor reflects a JSON schema from the Go reply type and compiles it
// for validation.
func SchemaFor[T any](name string) (*Schema, error) {
	reflector := &jsgen.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		// Models routinely add commentary fields; validation gates shape,
		// not strictness.
		AllowAdditionalProperties: true,
	}
	reflected := reflector.Reflect(new(T))
	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("marshal reflected schema %s: %w", name, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("round-trip schema %s: %w", name, err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode schema %s: %w", name, err)
	}

	compiler := jsval.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{Name: name, Raw: raw, compiled: compiled}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name string) *Schema {
	s, err := SchemaFor[T](name)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks the raw JSON against the compiled schema.
func (s *Schema) Validate(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("reply is not valid JSON: %w", err)
	}
	if err := s.compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	return nil
}
