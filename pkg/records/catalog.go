package records

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Mindburn-Labs/dataport/pkg/router"
)

// Topic names.
const (
	TopicIncidents  = "incidents"
	TopicCompliance = "compliance"
)

// Event names.
const (
	EventMessage = "message"
	EventState   = "state"
	EventTasks   = "tasks"
)

// Cache resources fed by push events.
const (
	ResourceIncidents       = "incidents"
	ResourceComplianceState = "complianceState"
	ResourceTasks           = "tasks"
)

// EventSpec binds an event name to its payload schema and the cache
// resource it updates.
type EventSpec struct {
	Name     string
	Schema   string
	Resource string
}

// TopicSpec describes one push topic.
type TopicSpec struct {
	Name   string
	Path   string
	Events []EventSpec
}

// Endpoint resolves the topic's stream URL against base. An absolute
// Path is returned unchanged.
func (t TopicSpec) Endpoint(base string) (string, error) {
	ref, err := url.Parse(t.Path)
	if err != nil {
		return "", fmt.Errorf("topic %s: parse path: %w", t.Name, err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	b, err := url.Parse(strings.TrimSuffix(base, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("topic %s: parse base url: %w", t.Name, err)
	}
	if !b.IsAbs() {
		return "", fmt.Errorf("topic %s: base url %q is not absolute", t.Name, base)
	}
	return b.ResolveReference(&url.URL{Path: strings.TrimPrefix(ref.Path, "/"), RawQuery: ref.RawQuery}).String(), nil
}

// Event returns the description of the named event.
func (t TopicSpec) Event(name string) (EventSpec, bool) {
	for _, e := range t.Events {
		if e.Name == name {
			return e, true
		}
	}
	return EventSpec{}, false
}

// Catalog returns the built-in topics.
func Catalog() []TopicSpec {
	return []TopicSpec{
		{
			Name: TopicIncidents,
			Path: "/incidents/stream",
			Events: []EventSpec{
				{Name: EventMessage, Schema: SchemaIncident, Resource: ResourceIncidents},
			},
		},
		{
			Name: TopicCompliance,
			Path: "/compliance/stream",
			Events: []EventSpec{
				{Name: EventState, Schema: SchemaComplianceState, Resource: ResourceComplianceState},
				{Name: EventTasks, Schema: SchemaTasks, Resource: ResourceTasks},
			},
		},
	}
}

// Lookup finds a topic by name in topics.
func Lookup(topics []TopicSpec, name string) (TopicSpec, bool) {
	for _, t := range topics {
		if t.Name == name {
			return t, true
		}
	}
	return TopicSpec{}, false
}

// Register installs the schema of every event of topics into r.
func Register(r *router.Router, topics []TopicSpec) error {
	for _, t := range topics {
		for _, e := range t.Events {
			s, err := Schema(e.Schema)
			if err != nil {
				return fmt.Errorf("topic %s event %s: %w", t.Name, e.Name, err)
			}
			r.SetSchema(t.Name, e.Name, s)
		}
	}
	return nil
}
