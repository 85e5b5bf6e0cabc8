// Package cache holds fetched collections for the views a consumer shows
// and merges validated push events into them.
package cache

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"

	"github.com/Mindburn-Labs/dataport/pkg/canonicalize"
)

// Reserved filter parameters. They shape the view but are not predicates.
const (
	ParamPage     = "page"
	ParamPageSize = "pageSize"
)

// DefaultPageSize is used when a view does not carry a page size.
const DefaultPageSize = 20

// Key addresses one cached collection: a resource, the filter set and the
// page shown.
type Key struct {
	Resource string            `json:"resource"`
	Filters  map[string]string `json:"filters,omitempty"`
	Page     int               `json:"page"`
}

// NewKey builds a key from request-style parameters. Empty values are
// dropped and "page" moves into Page, so equal views get equal keys.
func NewKey(resource string, params map[string]string) Key {
	k := Key{Resource: resource, Page: 1}
	for name, v := range params {
		if v == "" {
			continue
		}
		if name == ParamPage {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				k.Page = n
			}
			continue
		}
		if k.Filters == nil {
			k.Filters = make(map[string]string)
		}
		k.Filters[name] = v
	}
	return k
}

// String is the RFC 8785 canonical JSON of the key.
func (k Key) String() string {
	s, err := canonicalize.JCSString(k)
	if err != nil {
		// Marshalling strings and ints cannot fail.
		return fmt.Sprintf("%s/%v/%d", k.Resource, k.Filters, k.Page)
	}
	return s
}

// PageSize returns the view's page size, or def.
func (k Key) PageSize(def int) int {
	if n, err := strconv.Atoi(k.Filters[ParamPageSize]); err == nil && n > 0 {
		return n
	}
	return def
}

// Params returns the key as request parameters, the inverse of NewKey.
func (k Key) Params() map[string]string {
	p := maps.Clone(k.Filters)
	if p == nil {
		p = make(map[string]string)
	}
	if k.Page > 0 {
		p[ParamPage] = strconv.Itoa(k.Page)
	}
	return p
}

// ParseKey decodes a key produced by String.
func ParseKey(s string) (Key, error) {
	var k Key
	if err := json.Unmarshal([]byte(s), &k); err != nil {
		return Key{}, fmt.Errorf("parse cache key: %w", err)
	}
	if k.Resource == "" {
		return Key{}, fmt.Errorf("parse cache key: missing resource")
	}
	return k, nil
}

// Page is one page of a paginated collection, newest first.
type Page[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}
