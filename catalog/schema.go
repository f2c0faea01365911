package catalog

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON schema of the catalog document, for editors and
// CI validation of catalog files.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
	}
	s := r.Reflect(new(File))
	s.Title = "EAP message catalog"
	return s
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
