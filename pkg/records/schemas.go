package records

import (
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/dataport/pkg/router"
)

// Schema names.
const (
	SchemaIncident        = "incident"
	SchemaIncidentPage    = "incident_page"
	SchemaNotification    = "notification"
	SchemaNotifications   = "notifications"
	SchemaComplianceState = "compliance_state"
	SchemaTask            = "task"
	SchemaTasks           = "tasks"
	SchemaMetric          = "metric"
	SchemaMetrics         = "metrics"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var compiled = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	docs, err := SchemaDocuments()
	if err != nil {
		return nil, err
	}
	return router.CompileSchemas(docs)
})

// SchemaDocuments returns the raw embedded schema documents by name.
func SchemaDocuments() (map[string][]byte, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	docs := make(map[string][]byte, len(entries))
	for _, e := range entries {
		b, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", e.Name(), err)
		}
		docs[strings.TrimSuffix(e.Name(), ".json")] = b
	}
	return docs, nil
}

// Schema returns the compiled schema with the given name.
func Schema(name string) (*jsonschema.Schema, error) {
	all, err := compiled()
	if err != nil {
		return nil, err
	}
	s, ok := all[name]
	if !ok {
		return nil, fmt.Errorf("unknown schema %q", name)
	}
	return s, nil
}
