package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/dataport/pkg/records"
)

// TopicProfile overrides the built-in topic catalog.
type TopicProfile struct {
	Topics []TopicOverride `yaml:"topics" json:"topics"`
}

// TopicOverride changes or adds one topic. URL, when set, replaces the
// resolved endpoint entirely, e.g. to move a topic onto WebSocket or Redis.
type TopicOverride struct {
	Name     string          `yaml:"name" json:"name"`
	Path     string          `yaml:"path,omitempty" json:"path,omitempty"`
	URL      string          `yaml:"url,omitempty" json:"url,omitempty"`
	PageSize int             `yaml:"page_size,omitempty" json:"page_size,omitempty"`
	Events   []EventOverride `yaml:"events,omitempty" json:"events,omitempty"`
}

// EventOverride declares one event of a topic.
type EventOverride struct {
	Name     string `yaml:"name" json:"name"`
	Schema   string `yaml:"schema" json:"schema"`
	Resource string `yaml:"resource,omitempty" json:"resource,omitempty"`
}

// LoadTopicProfile reads a topic profile YAML file.
func LoadTopicProfile(path string) (*TopicProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load topic profile: %w", err)
	}
	var p TopicProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse topic profile %s: %w", path, err)
	}
	for i, t := range p.Topics {
		if t.Name == "" {
			return nil, fmt.Errorf("topic profile %s: topic %d has no name", path, i)
		}
		for _, e := range t.Events {
			if e.Name == "" {
				return nil, fmt.Errorf("topic profile %s: topic %s has an unnamed event", path, t.Name)
			}
			if _, err := records.Schema(e.Schema); err != nil {
				return nil, fmt.Errorf("topic profile %s: topic %s event %s: %w", path, t.Name, e.Name, err)
			}
		}
	}
	return &p, nil
}

// Apply returns base with the profile's overrides. base is not modified.
// A new topic must declare its events.
func (p *TopicProfile) Apply(base []records.TopicSpec) ([]records.TopicSpec, error) {
	out := slices.Clone(base)
	if p == nil {
		return out, nil
	}
	for _, o := range p.Topics {
		i := slices.IndexFunc(out, func(t records.TopicSpec) bool { return t.Name == o.Name })
		if i < 0 {
			if len(o.Events) == 0 {
				return nil, fmt.Errorf("topic %s: new topics need events", o.Name)
			}
			out = append(out, records.TopicSpec{Name: o.Name})
			i = len(out) - 1
		}
		t := out[i]
		switch {
		case o.URL != "":
			t.Path = o.URL
		case o.Path != "":
			t.Path = o.Path
		}
		if t.Path == "" {
			return nil, fmt.Errorf("topic %s: no path or url", o.Name)
		}
		if len(o.Events) > 0 {
			t.Events = make([]records.EventSpec, 0, len(o.Events))
			for _, e := range o.Events {
				t.Events = append(t.Events, records.EventSpec{Name: e.Name, Schema: e.Schema, Resource: e.Resource})
			}
		}
		out[i] = t
	}
	return out, nil
}

// PageSize returns the topic's page size override, or def.
func (p *TopicProfile) PageSize(topic string, def int) int {
	if p == nil {
		return def
	}
	for _, o := range p.Topics {
		if o.Name == topic && o.PageSize > 0 {
			return o.PageSize
		}
	}
	return def
}
